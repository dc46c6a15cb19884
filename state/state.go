// Package state implements the versioned state store. State is organised as a
// chain of immutable layers: each root maps to the diff that produced it plus
// its parent root, bottoming out at a flattened base. Reads at a root walk the
// layer chain; applying a diff never mutates an existing root, so any retained
// historical root stays readable while the frontier advances.
package state

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stratolabs/strato/core"
	"github.com/stratolabs/strato/db"
	"github.com/stratolabs/strato/encoder"
	"github.com/stratolabs/strato/utils"
)

var (
	ErrNotFound    = errors.New("state key not found")
	ErrUnknownRoot = errors.New("unknown state root")
)

// Reader is a read-only view of the state at a fixed root. The executor
// receives only this interface, nothing ambient, which is what structurally
// enforces its purity: a Reader backed by the store and one backed by a proof
// witness are indistinguishable to it.
type Reader interface {
	// Get returns the value at key, or ErrNotFound.
	Get(key common.Hash) ([]byte, error)
}

// layer is the persisted record of a single root.
type layer struct {
	Parent common.Hash
	Writes []core.StorageWrite
}

type Store struct {
	database db.DB
	log      utils.SimpleLogger
}

func New(database db.DB, log utils.SimpleLogger) *Store {
	return &Store{database: database, log: log}
}

// HasRoot reports whether root is readable from this store.
func (s *Store) HasRoot(root common.Hash) (bool, error) {
	err := s.database.View(func(txn db.Transaction) error {
		_, err := resolve(txn, root)
		return err
	})
	if errors.Is(err, ErrUnknownRoot) {
		return false, nil
	}
	return err == nil, err
}

// Apply stores the layer produced by applying diff on top of parent and
// returns the resulting root. Applying the same diff to the same parent twice
// is a no-op returning the same root: roots are content-addressed.
func (s *Store) Apply(parent common.Hash, diff *core.StateDiff) (common.Hash, error) {
	newRoot, err := core.PostRoot(parent, diff)
	if err != nil {
		return common.Hash{}, err
	}
	if newRoot == parent { // empty diff
		return parent, nil
	}

	err = s.database.Update(func(txn db.Transaction) error {
		// Idempotent apply: the layer may already exist.
		known := txn.Get(db.StateLayersByRoot.Key(newRoot.Bytes()), func([]byte) error { return nil })
		if known == nil {
			return nil
		} else if !errors.Is(known, db.ErrKeyNotFound) {
			return known
		}

		if _, err := resolve(txn, parent); err != nil {
			return fmt.Errorf("apply on %s: %w", parent, err)
		}

		encoded, err := encoder.Marshal(&layer{Parent: parent, Writes: diff.Writes})
		if err != nil {
			return err
		}
		return txn.Set(db.StateLayersByRoot.Key(newRoot.Bytes()), encoded)
	})
	if err != nil {
		return common.Hash{}, err
	}
	return newRoot, nil
}

// ReaderAt returns a read-only view of the state at root. The view resolves
// the layer chain eagerly, so it keeps serving reads at that root even if the
// frontier advances concurrently (snapshot isolation). The returned closer
// follows the store convention and must be called when done.
func (s *Store) ReaderAt(root common.Hash) (Reader, func() error, error) {
	var layers []map[common.Hash][]byte
	err := s.database.View(func(txn db.Transaction) error {
		chain, err := resolve(txn, root)
		if err != nil {
			return err
		}
		for _, l := range chain {
			writes := make(map[common.Hash][]byte, len(l.Writes))
			for _, w := range l.Writes {
				writes[w.Key] = w.Value
			}
			layers = append(layers, writes)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	reader := &storeReader{store: s, layers: layers}
	return reader, func() error { return nil }, nil
}

// resolve walks the layer chain from root down to the flattened base (or the
// empty root) and returns the layers ordered newest first. ErrUnknownRoot if
// the chain cannot be completed.
func resolve(txn db.Transaction, root common.Hash) ([]*layer, error) {
	baseRoot, err := readBaseRoot(txn)
	if err != nil {
		return nil, err
	}

	var chain []*layer
	current := root
	for current != baseRoot {
		if current == core.EmptyRoot && baseRoot == core.EmptyRoot {
			break
		}
		l := new(layer)
		err := txn.Get(db.StateLayersByRoot.Key(current.Bytes()), func(val []byte) error {
			return encoder.Unmarshal(val, l)
		})
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRoot, current)
		} else if err != nil {
			return nil, err
		}
		chain = append(chain, l)
		current = l.Parent
	}
	return chain, nil
}

func readBaseRoot(txn db.Transaction) (common.Hash, error) {
	var baseRoot common.Hash
	err := txn.Get(db.StateBaseRoot.Key(), func(val []byte) error {
		baseRoot = common.BytesToHash(val)
		return nil
	})
	if errors.Is(err, db.ErrKeyNotFound) {
		return core.EmptyRoot, nil
	}
	return baseRoot, err
}

type storeReader struct {
	store *Store
	// layers are ordered newest first; the flattened base sits below them.
	layers []map[common.Hash][]byte
}

func (r *storeReader) Get(key common.Hash) ([]byte, error) {
	for _, writes := range r.layers {
		if val, ok := writes[key]; ok {
			if len(val) == 0 {
				return nil, ErrNotFound // deletion write
			}
			return val, nil
		}
	}

	var val []byte
	err := r.store.database.View(func(txn db.Transaction) error {
		return txn.Get(db.StateBaseKV.Key(key.Bytes()), func(v []byte) error {
			val = append([]byte{}, v...)
			return nil
		})
	})
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return val, nil
}

// Flatten folds layers further than retain steps below head into the base,
// evicting their roots. Eviction is advisory: roots within the retention
// window, and head itself, always survive. Layers on side branches (from
// reorged-away heights) whose parents get folded become unreadable, which is
// the accepted data loss of the retention policy.
func (s *Store) Flatten(head common.Hash, retain int) error {
	if retain < 1 {
		retain = 1
	}
	return s.database.Update(func(txn db.Transaction) error {
		chain, err := resolve(txn, head)
		if err != nil {
			return err
		}
		if len(chain) <= retain {
			return nil
		}

		// chain is newest-first; fold everything below the retention window,
		// oldest first so base stays consistent at each step.
		toFold := chain[retain:]
		roots := make([]common.Hash, len(chain)+1)
		roots[len(chain)] = core.EmptyRoot
		current := head
		for i, l := range chain {
			roots[i] = current
			current = l.Parent
		}

		for i := len(toFold) - 1; i >= 0; i-- {
			l := toFold[i]
			for _, w := range l.Writes {
				if len(w.Value) == 0 {
					if err := txn.Delete(db.StateBaseKV.Key(w.Key.Bytes())); err != nil {
						return err
					}
				} else if err := txn.Set(db.StateBaseKV.Key(w.Key.Bytes()), w.Value); err != nil {
					return err
				}
			}
			foldedRoot := roots[retain+i]
			if err := txn.Delete(db.StateLayersByRoot.Key(foldedRoot.Bytes())); err != nil {
				return err
			}
		}

		newBase := roots[retain]
		return txn.Set(db.StateBaseRoot.Key(), newBase.Bytes())
	})
}
