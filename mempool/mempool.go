// Package mempool provides a persistent FIFO transaction pool. Transactions
// survive restarts; ordering is strictly arrival order, including requeues,
// which go back to the front so a failed production cycle does not starve its
// transactions.
package mempool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/stratolabs/strato/core"
	"github.com/stratolabs/strato/db"
	"github.com/stratolabs/strato/utils"
)

var (
	ErrTxnPoolFull  = errors.New("transaction pool is full")
	ErrTxnPoolEmpty = errors.New("transaction pool is empty")
)

// meta is the persisted pool window: items live at sequences [Head, Tail).
// Sequences start high so Requeue can allocate below Head without wrapping.
type meta struct {
	Head uint64
	Tail uint64
}

const initialSeq = uint64(1) << 32

type Pool struct {
	database db.DB
	log      utils.SimpleLogger
	limit    int

	mu       sync.Mutex
	poolMeta meta
	wait     chan struct{}
}

// New opens the pool over the given database, recovering any persisted
// transactions.
func New(database db.DB, limit int, log utils.SimpleLogger) (*Pool, error) {
	pool := &Pool{
		database: database,
		log:      log,
		limit:    limit,
		poolMeta: meta{Head: initialSeq, Tail: initialSeq},
		wait:     make(chan struct{}, 1),
	}

	err := database.View(func(txn db.Transaction) error {
		err := txn.Get(db.MempoolMeta.Key(), func(val []byte) error {
			return encodingUnmarshalMeta(val, &pool.poolMeta)
		})
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if recovered := pool.poolMeta.Tail - pool.poolMeta.Head; recovered > 0 {
		log.Infow("Recovered transactions from pool", "count", recovered)
		pool.signal()
	}
	return pool, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func encodingMarshalMeta(m meta) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], m.Head)
	binary.BigEndian.PutUint64(buf[8:], m.Tail)
	return buf
}

func encodingUnmarshalMeta(val []byte, m *meta) error {
	if len(val) != 16 {
		return fmt.Errorf("malformed pool meta: %d bytes", len(val))
	}
	m.Head = binary.BigEndian.Uint64(val[:8])
	m.Tail = binary.BigEndian.Uint64(val[8:])
	return nil
}

func (p *Pool) signal() {
	select {
	case p.wait <- struct{}{}:
	default:
	}
}

// Push appends a transaction. ErrTxnPoolFull applies backpressure to the
// ingestion edge; the caller decides whether to retry or drop.
func (p *Pool) Push(txn *core.Transaction) error {
	if txn == nil {
		return errors.New("nil transaction")
	}
	encoded, err := txn.MarshalBinary()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if int(p.poolMeta.Tail-p.poolMeta.Head) >= p.limit {
		return ErrTxnPoolFull
	}

	newMeta := p.poolMeta
	seq := newMeta.Tail
	newMeta.Tail++

	err = p.database.Update(func(dbTxn db.Transaction) error {
		if err := dbTxn.Set(db.MempoolItems.Key(seqKey(seq)), encoded); err != nil {
			return err
		}
		return dbTxn.Set(db.MempoolMeta.Key(), encodingMarshalMeta(newMeta))
	})
	if err != nil {
		return err
	}

	p.poolMeta = newMeta
	p.signal()
	return nil
}

// PopBatch removes and returns up to n transactions in arrival order.
// ErrTxnPoolEmpty when nothing is queued.
func (p *Pool) PopBatch(n int) ([]*core.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	queued := int(p.poolMeta.Tail - p.poolMeta.Head)
	if queued == 0 {
		return nil, ErrTxnPoolEmpty
	}
	if n > queued {
		n = queued
	}

	newMeta := p.poolMeta
	txns := make([]*core.Transaction, 0, n)
	err := p.database.Update(func(dbTxn db.Transaction) error {
		for i := 0; i < n; i++ {
			seq := newMeta.Head
			var txn *core.Transaction
			err := dbTxn.Get(db.MempoolItems.Key(seqKey(seq)), func(val []byte) error {
				var err error
				txn, err = core.UnmarshalTransaction(val)
				return err
			})
			if err != nil {
				return err
			}
			if err := dbTxn.Delete(db.MempoolItems.Key(seqKey(seq))); err != nil {
				return err
			}
			txns = append(txns, txn)
			newMeta.Head++
		}
		return dbTxn.Set(db.MempoolMeta.Key(), encodingMarshalMeta(newMeta))
	})
	if err != nil {
		return nil, err
	}

	p.poolMeta = newMeta
	return txns, nil
}

// Requeue puts transactions back at the front of the pool, preserving their
// relative order. Used when a production cycle aborts after popping.
func (p *Pool) Requeue(txns []*core.Transaction) error {
	if len(txns) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	newMeta := p.poolMeta
	err := p.database.Update(func(dbTxn db.Transaction) error {
		for i := len(txns) - 1; i >= 0; i-- {
			encoded, err := txns[i].MarshalBinary()
			if err != nil {
				return err
			}
			newMeta.Head--
			if err := dbTxn.Set(db.MempoolItems.Key(seqKey(newMeta.Head)), encoded); err != nil {
				return err
			}
		}
		return dbTxn.Set(db.MempoolMeta.Key(), encodingMarshalMeta(newMeta))
	})
	if err != nil {
		return err
	}

	p.poolMeta = newMeta
	p.signal()
	return nil
}

// Len returns the number of queued transactions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.poolMeta.Tail - p.poolMeta.Head)
}

// Wait returns a channel that receives a signal when transactions may be
// available.
func (p *Pool) Wait() <-chan struct{} {
	return p.wait
}
