// Package memory implements an in-memory DA backend with controllable
// finality and fault injection, used in tests and local development. Heights
// are 1-based and match batch heights one to one.
package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stratolabs/strato/da"
	"github.com/stratolabs/strato/feed"
)

var _ da.Adapter = (*Backend)(nil)

type Backend struct {
	mu        sync.Mutex
	blobs     [][]byte      // blobs[i] is the blob at height i+1
	roots     []common.Hash // running ledger accumulator per height
	finalized uint64        // heights <= finalized are final

	submitErr error // when set, Submit fails with it
	reorgFeed *feed.Feed[*da.Reorg]
}

func New() *Backend {
	return &Backend{
		reorgFeed: feed.New[*da.Reorg](),
	}
}

// Submit : see da.Adapter.Submit
func (b *Backend) Submit(_ context.Context, blob []byte) (*da.SubmissionReceipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.submitErr != nil {
		return nil, fmt.Errorf("%w: %v", da.ErrSubmitFailed, b.submitErr)
	}

	blobHash := crypto.Keccak256Hash(blob)
	prev := common.Hash{}
	if len(b.roots) > 0 {
		prev = b.roots[len(b.roots)-1]
	}

	b.blobs = append(b.blobs, append([]byte{}, blob...))
	b.roots = append(b.roots, da.AccumulateLedgerRoot(prev, blobHash))

	height := uint64(len(b.blobs))
	id := make([]byte, 8)
	binary.BigEndian.PutUint64(id, height)
	return &da.SubmissionReceipt{ID: id, Height: height, Status: da.StatusPending}, nil
}

// Fetch : see da.Adapter.Fetch
func (b *Backend) Fetch(_ context.Context, height uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if height == 0 || height > uint64(len(b.blobs)) {
		return nil, da.ErrBlobNotFound
	}
	return append([]byte{}, b.blobs[height-1]...), nil
}

// InclusionProof : see da.Adapter.InclusionProof
func (b *Backend) InclusionProof(_ context.Context, height uint64) (*da.InclusionProof, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if height == 0 || height > uint64(len(b.blobs)) {
		return nil, da.ErrBlobNotFound
	}
	return &da.InclusionProof{
		Height:     height,
		Position:   height - 1,
		BlobHash:   crypto.Keccak256Hash(b.blobs[height-1]),
		LedgerRoot: b.roots[height-1],
	}, nil
}

// Finality : see da.Adapter.Finality
func (b *Backend) Finality(_ context.Context, height uint64) (da.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if height == 0 || height > uint64(len(b.blobs)) {
		return da.StatusUnknown, da.ErrBlobNotFound
	}
	if height <= b.finalized {
		return da.StatusFinal, nil
	}
	return da.StatusPending, nil
}

// SubscribeReorg : see da.Adapter.SubscribeReorg
func (b *Backend) SubscribeReorg() da.ReorgSubscription {
	return da.ReorgSubscription{Subscription: b.reorgFeed.Subscribe()}
}

// FinalizeUpTo marks all heights up to and including height as final.
func (b *Backend) FinalizeUpTo(height uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if height > uint64(len(b.blobs)) {
		height = uint64(len(b.blobs))
	}
	if height > b.finalized {
		b.finalized = height
	}
}

// FailSubmissions makes Submit fail with err until called with nil again,
// simulating a stalled DA layer.
func (b *Backend) FailSubmissions(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitErr = err
}

// InjectReorg drops every blob from height onwards, replaces them with the
// given blobs and signals subscribers. Finalized data is never reorged away:
// injecting below the finality frontier panics, matching the irreversibility
// the DA layer guarantees.
func (b *Backend) InjectReorg(height uint64, replacements ...[]byte) {
	b.mu.Lock()
	if height == 0 || height <= b.finalized {
		b.mu.Unlock()
		panic("reorg below finality frontier")
	}
	if height <= uint64(len(b.blobs)) {
		b.blobs = b.blobs[:height-1]
		b.roots = b.roots[:height-1]
	}
	b.mu.Unlock()

	for _, blob := range replacements {
		if _, err := b.Submit(context.Background(), blob); err != nil {
			panic(err)
		}
	}
	b.reorgFeed.Send(&da.Reorg{Height: height})
}

// Height returns the number of published blobs.
func (b *Backend) Height() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.blobs))
}
