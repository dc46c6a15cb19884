package core

import "github.com/ethereum/go-ethereum/common"

type PubStatus uint8

const (
	PubUnpublished PubStatus = iota
	PubPending
	PubFinal
)

func (s PubStatus) String() string {
	switch s {
	case PubUnpublished:
		return "unpublished"
	case PubPending:
		return "pending"
	default:
		return "final"
	}
}

type ProofStatus uint8

const (
	ProofUnproved ProofStatus = iota
	ProofProving
	ProofProved
)

func (s ProofStatus) String() string {
	switch s {
	case ProofUnproved:
		return "unproved"
	case ProofProving:
		return "proving"
	default:
		return "proved"
	}
}

// ChainRecord is one entry of the append-only chain view: everything a node
// knows about an accepted height. Publication and proof progress are explicit
// status fields so that the asynchronous DA and proving tasks are observable
// as record transitions rather than hidden callback state.
type ChainRecord struct {
	Height          uint64
	StateRoot       common.Hash
	BatchCommitment common.Hash
	PubStatus       PubStatus
	ProofStatus     ProofStatus
	// DaID is the submission identifier returned by the DA backend, set once
	// the batch has been accepted for publication.
	DaID []byte
}
