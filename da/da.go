// Package da abstracts the data-availability layer. The pipeline above never
// branches on backend identity: the in-memory backend used in tests and the
// pebble-backed local ledger are drop-in substitutes behind the Adapter
// interface, selected at startup via configuration.
package da

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stratolabs/strato/feed"
)

var (
	// ErrBlobNotFound is returned by Fetch until the DA layer has the data.
	// A fetch never observes a partial blob.
	ErrBlobNotFound = errors.New("no blob at height")
	// ErrSubmitFailed wraps backend submission failures.
	ErrSubmitFailed = errors.New("da submission failed")
)

// Status is the publication state of a blob per the DA layer's own finality
// rule. Submitters treat their blobs as tentative until StatusFinal; full
// nodes never advance their canonical view on pending data.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusFinal
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFinal:
		return "final"
	default:
		return "unknown"
	}
}

// SubmissionReceipt acknowledges a submission. The ID is backend-specific.
type SubmissionReceipt struct {
	ID     []byte
	Height uint64
	Status Status
}

// InclusionProof lets any party check that a blob was actually published at a
// height without trusting the publisher. LedgerRoot is the backend's running
// accumulator over published blob hashes.
type InclusionProof struct {
	Height     uint64
	Position   uint64
	BlobHash   common.Hash
	LedgerRoot common.Hash
}

// Verify binds the blob bytes to the proof. It does not authenticate the
// accumulator; callers chain proofs with Extends for that.
func (p *InclusionProof) Verify(blob []byte) bool {
	return p != nil && crypto.Keccak256Hash(blob) == p.BlobHash
}

// Extends reports whether the proof's accumulator is the result of extending
// prev with this blob's hash. prev must come from an already trusted source,
// not from the same proof vendor response.
func (p *InclusionProof) Extends(prev common.Hash) bool {
	return p != nil && p.LedgerRoot == AccumulateLedgerRoot(prev, p.BlobHash)
}

// Reorg signals that previously published data starting at Height has been
// superseded by the DA layer. Not an error: consumers roll back to Height-1
// and resume.
type Reorg struct {
	Height uint64
}

// This is a work-around. Embedding the instantiated generic type directly in
// interfaces trips up tooling.
type ReorgSubscription struct {
	*feed.Subscription[*Reorg]
}

type Adapter interface {
	// Submit publishes a blob at the next height. Finality is asynchronous;
	// the receipt reports StatusPending until the layer's own rule declares
	// the blob final.
	Submit(ctx context.Context, blob []byte) (*SubmissionReceipt, error)
	// Fetch returns the blob published at height, or ErrBlobNotFound until
	// the layer has it.
	Fetch(ctx context.Context, height uint64) ([]byte, error)
	// InclusionProof returns the inclusion proof for the blob at height.
	InclusionProof(ctx context.Context, height uint64) (*InclusionProof, error)
	// Finality reports the publication status of the blob at height.
	Finality(ctx context.Context, height uint64) (Status, error)
	// SubscribeReorg delivers DA-layer reorg signals.
	SubscribeReorg() ReorgSubscription
}

// AccumulateLedgerRoot extends a ledger accumulator with one blob hash. All
// backends share this rule so inclusion proofs are comparable across them.
func AccumulateLedgerRoot(prev common.Hash, blobHash common.Hash) common.Hash {
	return crypto.Keccak256Hash(prev.Bytes(), blobHash.Bytes())
}
