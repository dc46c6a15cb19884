// Package memory provides an in-memory db.DB implementation used in tests and
// as a throwaway backend. It favours simplicity over performance: read
// transactions operate on a full copy of the key space.
package memory

import (
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/stratolabs/strato/db"
)

var (
	errDBClosed  = errors.New("memory database closed")
	errTxnClosed = errors.New("memory transaction closed")
)

var _ db.DB = (*Database)(nil)

type Database struct {
	kv     map[string][]byte
	wMutex sync.Mutex
	lock   sync.RWMutex
}

func New() *Database {
	return &Database{
		kv: make(map[string][]byte),
	}
}

// NewTransaction : see db.DB.NewTransaction
func (d *Database) NewTransaction(update bool) db.Transaction {
	if update {
		d.wMutex.Lock()
		return &transaction{
			database: d,
			writes:   make(map[string][]byte),
			deletes:  make(map[string]struct{}),
			update:   true,
		}
	}
	return &transaction{database: d, snapshot: d.copy()}
}

// View : see db.DB.View
func (d *Database) View(fn func(txn db.Transaction) error) error {
	txn := d.NewTransaction(false)
	defer txn.Discard() //nolint:errcheck
	return fn(txn)
}

// Update : see db.DB.Update
func (d *Database) Update(fn func(txn db.Transaction) error) error {
	txn := d.NewTransaction(true)
	if err := fn(txn); err != nil {
		return errors.Join(err, txn.Discard())
	}
	if err := txn.Commit(); err != nil {
		return errors.Join(err, txn.Discard())
	}
	return txn.Discard()
}

// WithListener registers an EventListener. The memory backend does not report
// IO events.
func (d *Database) WithListener(db.EventListener) db.DB {
	return d
}

// Impl : see db.DB.Impl
func (d *Database) Impl() any {
	return d.kv
}

// Close : see io.Closer.Close
func (d *Database) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.kv = nil
	return nil
}

func (d *Database) copy() map[string][]byte {
	d.lock.RLock()
	defer d.lock.RUnlock()

	cp := make(map[string][]byte, len(d.kv))
	for k, v := range d.kv {
		cp[k] = v
	}
	return cp
}

type transaction struct {
	database *Database
	update   bool
	done     bool

	// read-only transactions operate on a point-in-time copy
	snapshot map[string][]byte

	// staged changes of a read-write transaction
	writes  map[string][]byte
	deletes map[string]struct{}
}

func (t *transaction) Discard() error {
	if t.done {
		return nil
	}
	t.done = true
	t.writes = nil
	t.deletes = nil
	if t.update {
		t.database.wMutex.Unlock()
	}
	return nil
}

func (t *transaction) Commit() error {
	if t.done {
		return errTxnClosed
	}
	if !t.update {
		return errors.New("read only transaction")
	}

	t.database.lock.Lock()
	defer t.database.lock.Unlock()
	if t.database.kv == nil {
		return errDBClosed
	}
	for k := range t.deletes {
		delete(t.database.kv, k)
	}
	for k, v := range t.writes {
		t.database.kv[k] = v
	}
	return nil
}

func (t *transaction) Set(key, val []byte) error {
	if t.done {
		return errTxnClosed
	}
	if !t.update {
		return errors.New("read only transaction")
	}
	if len(key) == 0 {
		return errors.New("empty key")
	}
	delete(t.deletes, string(key))
	t.writes[string(key)] = slices.Clone(val)
	return nil
}

func (t *transaction) Delete(key []byte) error {
	if t.done {
		return errTxnClosed
	}
	if !t.update {
		return errors.New("read only transaction")
	}
	delete(t.writes, string(key))
	t.deletes[string(key)] = struct{}{}
	return nil
}

func (t *transaction) Get(key []byte, cb func(val []byte) error) error {
	if t.done {
		return errTxnClosed
	}

	if t.update {
		if _, deleted := t.deletes[string(key)]; deleted {
			return db.ErrKeyNotFound
		}
		if val, ok := t.writes[string(key)]; ok {
			return cb(val)
		}
		t.database.lock.RLock()
		defer t.database.lock.RUnlock()
		if t.database.kv == nil {
			return errDBClosed
		}
		val, ok := t.database.kv[string(key)]
		if !ok {
			return db.ErrKeyNotFound
		}
		return cb(val)
	}

	val, ok := t.snapshot[string(key)]
	if !ok {
		return db.ErrKeyNotFound
	}
	return cb(val)
}

func (t *transaction) NewIterator() (db.Iterator, error) {
	if t.done {
		return nil, errTxnClosed
	}

	merged := make(map[string][]byte)
	if t.update {
		t.database.lock.RLock()
		if t.database.kv == nil {
			t.database.lock.RUnlock()
			return nil, errDBClosed
		}
		for k, v := range t.database.kv {
			merged[k] = v
		}
		t.database.lock.RUnlock()
		for k := range t.deletes {
			delete(merged, k)
		}
		for k, v := range t.writes {
			merged[k] = v
		}
	} else {
		for k, v := range t.snapshot {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = merged[k]
	}
	return &iterator{curInd: -1, keys: keys, values: values}, nil
}
