// Package ledger implements a DA backend persisted in the node's own
// database, modelling an external append-only ledger with confirmation-depth
// finality. It is the default backend for single-machine deployments; the
// pipeline treats it exactly like a remote layer.
package ledger

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stratolabs/strato/da"
	"github.com/stratolabs/strato/db"
	"github.com/stratolabs/strato/encoder"
	"github.com/stratolabs/strato/feed"
)

var _ da.Adapter = (*Ledger)(nil)

// blobRecord is the persisted entry per height.
type blobRecord struct {
	Blob       []byte
	LedgerRoot common.Hash
}

type Ledger struct {
	database          db.DB
	confirmationDepth uint64
	reorgFeed         *feed.Feed[*da.Reorg]
}

// New opens a ledger over the given database. A height is final once
// confirmationDepth further heights have been published on top of it.
func New(database db.DB, confirmationDepth uint64) *Ledger {
	return &Ledger{
		database:          database,
		confirmationDepth: confirmationDepth,
		reorgFeed:         feed.New[*da.Reorg](),
	}
}

func heightKey(height uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, height)
	return key
}

func readHead(txn db.Transaction) (uint64, error) {
	var head uint64
	err := txn.Get(db.DaLedgerHeight.Key(), func(val []byte) error {
		head = binary.BigEndian.Uint64(val)
		return nil
	})
	if errors.Is(err, db.ErrKeyNotFound) {
		return 0, nil
	}
	return head, err
}

// Submit : see da.Adapter.Submit
func (l *Ledger) Submit(_ context.Context, blob []byte) (*da.SubmissionReceipt, error) {
	var receipt *da.SubmissionReceipt
	err := l.database.Update(func(txn db.Transaction) error {
		head, err := readHead(txn)
		if err != nil {
			return err
		}

		prev := common.Hash{}
		if head > 0 {
			prevRecord := new(blobRecord)
			err := txn.Get(db.DaLedgerBlobs.Key(heightKey(head)), func(val []byte) error {
				return encoder.Unmarshal(val, prevRecord)
			})
			if err != nil {
				return err
			}
			prev = prevRecord.LedgerRoot
		}

		height := head + 1
		record := &blobRecord{
			Blob:       blob,
			LedgerRoot: da.AccumulateLedgerRoot(prev, crypto.Keccak256Hash(blob)),
		}
		encoded, err := encoder.Marshal(record)
		if err != nil {
			return err
		}
		if err := txn.Set(db.DaLedgerBlobs.Key(heightKey(height)), encoded); err != nil {
			return err
		}
		if err := txn.Set(db.DaLedgerHeight.Key(), heightKey(height)); err != nil {
			return err
		}

		receipt = &da.SubmissionReceipt{ID: heightKey(height), Height: height, Status: da.StatusPending}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (l *Ledger) record(height uint64) (*blobRecord, error) {
	record := new(blobRecord)
	err := l.database.View(func(txn db.Transaction) error {
		return txn.Get(db.DaLedgerBlobs.Key(heightKey(height)), func(val []byte) error {
			return encoder.Unmarshal(val, record)
		})
	})
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, da.ErrBlobNotFound
	} else if err != nil {
		return nil, err
	}
	return record, nil
}

// Fetch : see da.Adapter.Fetch
func (l *Ledger) Fetch(_ context.Context, height uint64) ([]byte, error) {
	record, err := l.record(height)
	if err != nil {
		return nil, err
	}
	return record.Blob, nil
}

// InclusionProof : see da.Adapter.InclusionProof
func (l *Ledger) InclusionProof(_ context.Context, height uint64) (*da.InclusionProof, error) {
	record, err := l.record(height)
	if err != nil {
		return nil, err
	}
	return &da.InclusionProof{
		Height:     height,
		Position:   height - 1,
		BlobHash:   crypto.Keccak256Hash(record.Blob),
		LedgerRoot: record.LedgerRoot,
	}, nil
}

// Finality : see da.Adapter.Finality. A height is final once buried under
// confirmationDepth later heights.
func (l *Ledger) Finality(_ context.Context, height uint64) (da.Status, error) {
	var head uint64
	err := l.database.View(func(txn db.Transaction) error {
		var err error
		head, err = readHead(txn)
		return err
	})
	if err != nil {
		return da.StatusUnknown, err
	}
	if height == 0 || height > head {
		return da.StatusUnknown, da.ErrBlobNotFound
	}
	if head-height >= l.confirmationDepth {
		return da.StatusFinal, nil
	}
	return da.StatusPending, nil
}

// SubscribeReorg : see da.Adapter.SubscribeReorg. The local ledger is
// append-only and never reorgs; the subscription exists for interface parity
// and never fires.
func (l *Ledger) SubscribeReorg() da.ReorgSubscription {
	return da.ReorgSubscription{Subscription: l.reorgFeed.Subscribe()}
}
