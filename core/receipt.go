package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

type ReceiptStatus uint8

const (
	ReceiptSucceeded ReceiptStatus = iota
	ReceiptReverted
)

func (s ReceiptStatus) String() string {
	if s == ReceiptSucceeded {
		return "succeeded"
	}
	return "reverted"
}

// Receipt is the execution outcome of a single transaction, ordered
// identically to the batch's transaction order.
type Receipt struct {
	TxHash       common.Hash
	Status       ReceiptStatus
	GasUsed      uint64
	RevertReason string
}

// ReceiptCommitment commits to the ordered list of receipts.
func ReceiptCommitment(receipts []*Receipt) common.Hash {
	encoded, err := rlp.EncodeToBytes(receipts)
	if err != nil {
		panic(err) // receipts are always RLP-encodable
	}
	return crypto.Keccak256Hash(encoded)
}
