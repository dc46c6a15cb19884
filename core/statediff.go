package core

import (
	"bytes"
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// EmptyRoot is the root of the empty state.
var EmptyRoot = common.Hash{}

var ErrUnsortedDiff = errors.New("state diff writes are not sorted by key")

// StorageWrite is a single key update. An empty Value deletes the key.
type StorageWrite struct {
	Key   common.Hash
	Value []byte
}

// StateDiff is the minimal, canonically ordered set of writes produced by
// executing a batch. Writes must be sorted by key and keys must be unique,
// which makes the encoding, and therefore the commitment, deterministic.
type StateDiff struct {
	Writes []StorageWrite
}

// Sort orders the writes by key. Callers that assemble writes from a map must
// sort before committing.
func (d *StateDiff) Sort() {
	sort.Slice(d.Writes, func(i, j int) bool {
		return bytes.Compare(d.Writes[i].Key.Bytes(), d.Writes[j].Key.Bytes()) < 0
	})
}

func (d *StateDiff) sorted() bool {
	for i := 1; i < len(d.Writes); i++ {
		if bytes.Compare(d.Writes[i-1].Key.Bytes(), d.Writes[i].Key.Bytes()) >= 0 {
			return false
		}
	}
	return true
}

// Commitment returns the keccak256 of the canonical encoding of the writes.
func (d *StateDiff) Commitment() (common.Hash, error) {
	if !d.sorted() {
		return common.Hash{}, ErrUnsortedDiff
	}
	encoded, err := rlp.EncodeToBytes(d.Writes)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// PostRoot derives the root resulting from applying diff on top of parent.
// It is a pure function of its inputs and is the single root-derivation rule
// shared by the state store and the proving guest, which is what makes roots
// byte-identical across execution environments. An empty diff leaves the root
// unchanged, so a batch of only failed transactions does not move the state.
func PostRoot(parent common.Hash, diff *StateDiff) (common.Hash, error) {
	if len(diff.Writes) == 0 {
		return parent, nil
	}
	commitment, err := diff.Commitment()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(parent.Bytes(), commitment.Bytes()), nil
}
