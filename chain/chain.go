// Package chain persists the node's canonical view: one record per accepted
// height plus the batch, receipts and proof bytes behind it. Records are
// append-only except for the reorg path, which removes them strictly from the
// head downwards.
package chain

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stratolabs/strato/core"
	"github.com/stratolabs/strato/db"
	"github.com/stratolabs/strato/encoder"
	"github.com/stratolabs/strato/utils"
)

var (
	ErrNotBootstrapped = errors.New("chain is not bootstrapped")
	ErrRecordNotFound  = errors.New("no record at height")
	ErrProofNotFound   = errors.New("no proof at height")
	// ErrParentDoesNotMatchHead distinguishes a mismatched parent root from
	// other structural faults; it is the signal the sync engine turns into a
	// head revert.
	ErrParentDoesNotMatchHead = errors.New("batch parent root does not match head state root")
)

// ErrIncompatibleBatch reports a batch that cannot extend the current view.
type ErrIncompatibleBatch struct {
	reason string
}

func (e *ErrIncompatibleBatch) Error() string {
	return fmt.Sprintf("incompatible batch: %v", e.reason)
}

// TxLocation identifies where a transaction landed.
type TxLocation struct {
	Height uint64
	Index  uint64
}

type View struct {
	database db.DB
	log      utils.SimpleLogger
}

func New(database db.DB, log utils.SimpleLogger) *View {
	return &View{database: database, log: log}
}

func heightKey(height uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, height)
	return key
}

// Bootstrap installs the genesis record at height 0 if the chain is empty.
// The genesis record is final and proved by definition; it corresponds to no
// batch and no DA publication.
func (v *View) Bootstrap(genesisRoot common.Hash) error {
	return v.database.Update(func(txn db.Transaction) error {
		_, err := chainHeight(txn)
		if err == nil {
			return nil // already bootstrapped
		} else if !errors.Is(err, db.ErrKeyNotFound) {
			return err
		}

		record := &core.ChainRecord{
			Height:      0,
			StateRoot:   genesisRoot,
			PubStatus:   core.PubFinal,
			ProofStatus: core.ProofProved,
		}
		if err := putRecord(txn, record); err != nil {
			return err
		}
		return txn.Set(db.ChainHeight.Key(), heightKey(0))
	})
}

func chainHeight(txn db.Transaction) (uint64, error) {
	var height uint64
	err := txn.Get(db.ChainHeight.Key(), func(val []byte) error {
		height = binary.BigEndian.Uint64(val)
		return nil
	})
	return height, err
}

func getRecord(txn db.Transaction, height uint64) (*core.ChainRecord, error) {
	record := new(core.ChainRecord)
	err := txn.Get(db.ChainRecordsByHeight.Key(heightKey(height)), func(val []byte) error {
		return encoder.Unmarshal(val, record)
	})
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, ErrRecordNotFound
	} else if err != nil {
		return nil, err
	}
	return record, nil
}

func putRecord(txn db.Transaction, record *core.ChainRecord) error {
	encoded, err := encoder.Marshal(record)
	if err != nil {
		return err
	}
	return txn.Set(db.ChainRecordsByHeight.Key(heightKey(record.Height)), encoded)
}

// Height returns the current head height. ErrNotBootstrapped on a fresh
// database.
func (v *View) Height() (uint64, error) {
	var height uint64
	err := v.database.View(func(txn db.Transaction) error {
		var err error
		height, err = chainHeight(txn)
		return err
	})
	if errors.Is(err, db.ErrKeyNotFound) {
		return 0, ErrNotBootstrapped
	}
	return height, err
}

// Head returns the record at the head height.
func (v *View) Head() (*core.ChainRecord, error) {
	var record *core.ChainRecord
	err := v.database.View(func(txn db.Transaction) error {
		height, err := chainHeight(txn)
		if errors.Is(err, db.ErrKeyNotFound) {
			return ErrNotBootstrapped
		} else if err != nil {
			return err
		}
		record, err = getRecord(txn, height)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Record returns the record at height.
func (v *View) Record(height uint64) (*core.ChainRecord, error) {
	var record *core.ChainRecord
	err := v.database.View(func(txn db.Transaction) error {
		var err error
		record, err = getRecord(txn, height)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Batch returns the batch stored at height. Height 0 has no batch.
func (v *View) Batch(height uint64) (*core.Batch, error) {
	var batch *core.Batch
	err := v.database.View(func(txn db.Transaction) error {
		return txn.Get(db.BatchesByHeight.Key(heightKey(height)), func(val []byte) error {
			var err error
			batch, err = core.UnmarshalBatch(val)
			return err
		})
	})
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, ErrRecordNotFound
	} else if err != nil {
		return nil, err
	}
	return batch, nil
}

// Receipts returns the ordered receipts of the batch at height.
func (v *View) Receipts(height uint64) ([]*core.Receipt, error) {
	var receipts []*core.Receipt
	err := v.database.View(func(txn db.Transaction) error {
		return txn.Get(db.ReceiptsByHeight.Key(heightKey(height)), func(val []byte) error {
			return encoder.Unmarshal(val, &receipts)
		})
	})
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, ErrRecordNotFound
	} else if err != nil {
		return nil, err
	}
	return receipts, nil
}

// TransactionLocation returns where the transaction with the given hash was
// included.
func (v *View) TransactionLocation(hash common.Hash) (*TxLocation, error) {
	location := new(TxLocation)
	err := v.database.View(func(txn db.Transaction) error {
		return txn.Get(db.TxIndexByHash.Key(hash.Bytes()), func(val []byte) error {
			return encoder.Unmarshal(val, location)
		})
	})
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, ErrRecordNotFound
	} else if err != nil {
		return nil, err
	}
	return location, nil
}

// Store appends the batch and its receipts as the new head. The batch must
// sit exactly one above the current head and chain off the head's state root.
func (v *View) Store(batch *core.Batch, receipts []*core.Receipt) error {
	if batch == nil {
		return &ErrIncompatibleBatch{"nil batch"}
	}
	return v.database.Update(func(txn db.Transaction) error {
		height, err := chainHeight(txn)
		if errors.Is(err, db.ErrKeyNotFound) {
			return ErrNotBootstrapped
		} else if err != nil {
			return err
		}

		head, err := getRecord(txn, height)
		if err != nil {
			return err
		}
		if batch.Header.Height != height+1 {
			return &ErrIncompatibleBatch{
				fmt.Sprintf("height %d cannot extend head %d", batch.Header.Height, height),
			}
		}
		if batch.Header.ParentRoot != head.StateRoot {
			return ErrParentDoesNotMatchHead
		}

		encodedBatch, err := batch.MarshalBinary()
		if err != nil {
			return err
		}
		if err := txn.Set(db.BatchesByHeight.Key(heightKey(batch.Header.Height)), encodedBatch); err != nil {
			return err
		}

		encodedReceipts, err := encoder.Marshal(receipts)
		if err != nil {
			return err
		}
		if err := txn.Set(db.ReceiptsByHeight.Key(heightKey(batch.Header.Height)), encodedReceipts); err != nil {
			return err
		}

		for i, transaction := range batch.Transactions {
			location, err := encoder.Marshal(&TxLocation{Height: batch.Header.Height, Index: uint64(i)})
			if err != nil {
				return err
			}
			txHash := transaction.Hash()
			if err := txn.Set(db.TxIndexByHash.Key(txHash.Bytes()), location); err != nil {
				return err
			}
		}

		record := &core.ChainRecord{
			Height:          batch.Header.Height,
			StateRoot:       batch.Header.StateRoot,
			BatchCommitment: batch.Commitment(),
			PubStatus:       core.PubUnpublished,
			ProofStatus:     core.ProofUnproved,
		}
		if err := putRecord(txn, record); err != nil {
			return err
		}
		return txn.Set(db.ChainHeight.Key(), heightKey(batch.Header.Height))
	})
}

// SetPubStatus updates the publication status of the record at height. The
// DA submission identifier is recorded alongside the first transition out of
// the unpublished state.
func (v *View) SetPubStatus(height uint64, status core.PubStatus, daID []byte) error {
	return v.database.Update(func(txn db.Transaction) error {
		record, err := getRecord(txn, height)
		if err != nil {
			return err
		}
		record.PubStatus = status
		if daID != nil {
			record.DaID = daID
		}
		return putRecord(txn, record)
	})
}

// SetProofStatus updates the proving status of the record at height.
func (v *View) SetProofStatus(height uint64, status core.ProofStatus) error {
	return v.database.Update(func(txn db.Transaction) error {
		record, err := getRecord(txn, height)
		if err != nil {
			return err
		}
		record.ProofStatus = status
		return putRecord(txn, record)
	})
}

// StoreProof persists the encoded proof for height and marks the record
// proved.
func (v *View) StoreProof(height uint64, proof []byte) error {
	return v.database.Update(func(txn db.Transaction) error {
		record, err := getRecord(txn, height)
		if err != nil {
			return err
		}
		if err := txn.Set(db.ProofsByHeight.Key(heightKey(height)), proof); err != nil {
			return err
		}
		record.ProofStatus = core.ProofProved
		return putRecord(txn, record)
	})
}

// Proof returns the encoded proof stored for height, or ErrProofNotFound.
func (v *View) Proof(height uint64) ([]byte, error) {
	var proof []byte
	err := v.database.View(func(txn db.Transaction) error {
		return txn.Get(db.ProofsByHeight.Key(heightKey(height)), func(val []byte) error {
			proof = append([]byte{}, val...)
			return nil
		})
	})
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, ErrProofNotFound
	} else if err != nil {
		return nil, err
	}
	return proof, nil
}

// UnpublishedHeights returns, in ascending order, the heights whose records
// are not yet pending or final on the DA layer. Used to resume publication
// after a restart.
func (v *View) UnpublishedHeights() ([]uint64, error) {
	return v.scanHeights(func(record *core.ChainRecord) bool {
		return record.PubStatus == core.PubUnpublished
	})
}

// PendingHeights returns the heights published but not yet final.
func (v *View) PendingHeights() ([]uint64, error) {
	return v.scanHeights(func(record *core.ChainRecord) bool {
		return record.PubStatus == core.PubPending
	})
}

// UnprovedHeights returns the heights without a finished proof.
func (v *View) UnprovedHeights() ([]uint64, error) {
	return v.scanHeights(func(record *core.ChainRecord) bool {
		return record.ProofStatus != core.ProofProved
	})
}

func (v *View) scanHeights(match func(*core.ChainRecord) bool) ([]uint64, error) {
	var heights []uint64
	err := v.database.View(func(txn db.Transaction) error {
		head, err := chainHeight(txn)
		if errors.Is(err, db.ErrKeyNotFound) {
			return ErrNotBootstrapped
		} else if err != nil {
			return err
		}
		for height := uint64(1); height <= head; height++ {
			record, err := getRecord(txn, height)
			if err != nil {
				return err
			}
			if match(record) {
				heights = append(heights, height)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return heights, nil
}

// RevertHead removes the head record together with its batch, receipts,
// transaction index entries and proof, and moves the head pointer down one.
// Height 0 is never reverted.
func (v *View) RevertHead() error {
	return v.database.Update(func(txn db.Transaction) error {
		height, err := chainHeight(txn)
		if errors.Is(err, db.ErrKeyNotFound) {
			return ErrNotBootstrapped
		} else if err != nil {
			return err
		}
		if height == 0 {
			return errors.New("cannot revert genesis")
		}

		var txHashes []common.Hash
		batchErr := txn.Get(db.BatchesByHeight.Key(heightKey(height)), func(val []byte) error {
			batch, err := core.UnmarshalBatch(val)
			if err != nil {
				return err
			}
			for _, transaction := range batch.Transactions {
				txHashes = append(txHashes, transaction.Hash())
			}
			return nil
		})
		if batchErr != nil && !errors.Is(batchErr, db.ErrKeyNotFound) {
			return batchErr
		}
		for _, txHash := range txHashes {
			if err := txn.Delete(db.TxIndexByHash.Key(txHash.Bytes())); err != nil {
				return err
			}
		}

		for _, bucket := range []db.Bucket{
			db.ChainRecordsByHeight, db.BatchesByHeight, db.ReceiptsByHeight, db.ProofsByHeight,
		} {
			if err := txn.Delete(bucket.Key(heightKey(height))); err != nil {
				return err
			}
		}
		v.log.Infow("Reverted chain head", "height", height)
		return txn.Set(db.ChainHeight.Key(), heightKey(height-1))
	})
}
