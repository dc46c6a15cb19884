package core

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Header carries the metadata of a sealed batch. StateRoot is the root the
// sequencer claims results from executing the batch on ParentRoot; full nodes
// re-derive it independently and must arrive at the same value.
type Header struct {
	Height            uint64
	ParentRoot        common.Hash
	Timestamp         uint64
	SequencerAddress  common.Address
	TxCommitment      common.Hash
	ReceiptCommitment common.Hash
	StateRoot         common.Hash
}

// Batch is an ordered, immutable group of transactions processed atomically.
// Heights are strictly increasing and gapless; height 0 is the genesis record
// and carries no batch.
type Batch struct {
	Header       Header
	Transactions []*Transaction
}

// TxCommitment commits to the ordered list of transaction hashes.
func TxCommitment(txs []*Transaction) common.Hash {
	h := make([]byte, 0, len(txs)*common.HashLength)
	for _, tx := range txs {
		txHash := tx.Hash()
		h = append(h, txHash.Bytes()...)
	}
	return crypto.Keccak256Hash(h)
}

// Commitment binds the batch identity: height, parent root and transaction
// commitment. The claimed StateRoot is deliberately excluded so that a proof
// over the commitment attests the transition rather than echoing the claim.
func (b *Batch) Commitment() common.Hash {
	var height [8]byte
	binary.BigEndian.PutUint64(height[:], b.Header.Height)
	return crypto.Keccak256Hash(height[:], b.Header.ParentRoot.Bytes(), b.Header.TxCommitment.Bytes())
}

// MarshalBinary returns the canonical RLP encoding of the batch, which is
// also the blob submitted to the DA layer.
func (b *Batch) MarshalBinary() ([]byte, error) {
	return rlp.EncodeToBytes(b)
}

// UnmarshalBatch decodes a batch from its RLP encoding. A blob that does not
// decode is a structural fault, never a failed receipt.
func UnmarshalBatch(data []byte) (*Batch, error) {
	batch := new(Batch)
	if err := rlp.DecodeBytes(data, batch); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return batch, nil
}
