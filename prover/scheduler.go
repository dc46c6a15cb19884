package prover

import (
	"context"

	"github.com/sourcegraph/conc/pool"
	"github.com/stratolabs/strato/chain"
	"github.com/stratolabs/strato/core"
	"github.com/stratolabs/strato/service"
	"github.com/stratolabs/strato/stf"
	"github.com/stratolabs/strato/utils"
)

var _ service.Service = (*Scheduler)(nil)

// Scheduler runs proving jobs asynchronously. Proving lags production on
// purpose: the chain advances on execution while proofs catch up, and the
// sequencer applies backpressure when the unproved backlog grows too large.
type Scheduler struct {
	prover    *Prover
	chainView *chain.View
	log       utils.SimpleLogger
	workers   int

	jobs chan uint64
}

func NewScheduler(prover *Prover, chainView *chain.View, workers int, log utils.SimpleLogger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		prover:    prover,
		chainView: chainView,
		log:       log,
		workers:   workers,
		jobs:      make(chan uint64, 128),
	}
}

// Enqueue submits a height for proving. Non-blocking: when the queue is full
// the height is skipped and will be picked up again by the next backlog scan.
func (s *Scheduler) Enqueue(height uint64) bool {
	select {
	case s.jobs <- height:
		return true
	default:
		return false
	}
}

// Run consumes proving jobs until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	workerPool := pool.New().WithMaxGoroutines(s.workers)
	for {
		select {
		case <-ctx.Done():
			workerPool.Wait()
			return nil
		case height := <-s.jobs:
			workerPool.Go(func() {
				s.proveHeight(height)
			})
		}
	}
}

func (s *Scheduler) proveHeight(height uint64) {
	record, err := s.chainView.Record(height)
	if err != nil {
		s.log.Warnw("Proving job for unknown height", "height", height, "err", err)
		return
	}
	// Skip heights already proved and heights another worker is on; backlog
	// scans may enqueue the same height more than once.
	if record.ProofStatus != core.ProofUnproved {
		return
	}
	if err := s.chainView.SetProofStatus(height, core.ProofProving); err != nil {
		s.log.Errorw("Failed to mark height proving", "height", height, "err", err)
		return
	}

	proof, err := s.prove(height)
	if err != nil {
		s.log.Errorw("Proving failed", "height", height, "err", err)
		if err := s.chainView.SetProofStatus(height, core.ProofUnproved); err != nil {
			s.log.Errorw("Failed to reset proof status", "height", height, "err", err)
		}
		return
	}

	encoded, err := proof.MarshalBinary()
	if err != nil {
		s.log.Errorw("Failed to encode proof", "height", height, "err", err)
		return
	}
	if err := s.chainView.StoreProof(height, encoded); err != nil {
		s.log.Errorw("Failed to store proof", "height", height, "err", err)
		return
	}
	s.log.Infow("Proved batch", "height", height, "newRoot", proof.NewRoot)
}

func (s *Scheduler) prove(height uint64) (*Proof, error) {
	batch, err := s.chainView.Batch(height)
	if err != nil {
		return nil, err
	}
	parent, err := s.chainView.Record(height - 1)
	if err != nil {
		return nil, err
	}
	return s.prover.Prove(parent.StateRoot, batch, stf.ExternalInputs{DaHeight: height})
}
