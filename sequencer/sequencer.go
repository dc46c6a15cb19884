// Package sequencer implements the batch production pipeline: collect
// transactions, execute, seal, commit, then publish to the DA layer and hand
// the height to the prover, both asynchronously. Production never waits for
// publication or proving; instead it applies backpressure when either backlog
// exceeds its bound.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sourcegraph/conc"
	"github.com/stratolabs/strato/chain"
	"github.com/stratolabs/strato/core"
	"github.com/stratolabs/strato/da"
	"github.com/stratolabs/strato/feed"
	"github.com/stratolabs/strato/mempool"
	"github.com/stratolabs/strato/prover"
	"github.com/stratolabs/strato/service"
	"github.com/stratolabs/strato/state"
	"github.com/stratolabs/strato/stf"
	"github.com/stratolabs/strato/utils"
)

var _ service.Service = (*Sequencer)(nil)

type Config struct {
	SequencerAddress common.Address
	BlockTime        time.Duration
	PollInterval     time.Duration
	BatchSizeLimit   int
	ProofInterval    uint64
	MaxUnpublished   int
	MaxUnproved      int
	SubmitRetries    int
	SubmitBackoff    time.Duration
	StoreRetention   int
}

type Sequencer struct {
	cfg       Config
	executor  *stf.Executor
	store     *state.Store
	chainView *chain.View
	pool      *mempool.Pool
	daClient  da.Adapter
	scheduler *prover.Scheduler
	log       utils.SimpleLogger
	listener  EventListener

	newRecords *feed.Feed[*core.ChainRecord]

	submitCh chan uint64
	mu       sync.Mutex
	inFlight map[uint64]struct{}
}

func New(
	cfg Config,
	executor *stf.Executor,
	store *state.Store,
	chainView *chain.View,
	pool *mempool.Pool,
	daClient da.Adapter,
	scheduler *prover.Scheduler,
	log utils.SimpleLogger,
) *Sequencer {
	return &Sequencer{
		cfg:        cfg,
		executor:   executor,
		store:      store,
		chainView:  chainView,
		pool:       pool,
		daClient:   daClient,
		scheduler:  scheduler,
		log:        log,
		listener:   &SelectiveListener{},
		newRecords: feed.New[*core.ChainRecord](),
		submitCh:   make(chan uint64, 128),
		inFlight:   make(map[uint64]struct{}),
	}
}

// WithListener registers an event listener. Must be called before Run.
func (s *Sequencer) WithListener(listener EventListener) *Sequencer {
	s.listener = listener
	return s
}

// SubscribeNewRecords delivers the record of every sealed batch.
func (s *Sequencer) SubscribeNewRecords() *feed.Subscription[*core.ChainRecord] {
	return s.newRecords.Subscribe()
}

// Run drives the production loop plus the asynchronous submission and
// finality tasks until the context is cancelled.
func (s *Sequencer) Run(ctx context.Context) error {
	if err := s.resume(); err != nil {
		return err
	}

	wg := conc.NewWaitGroup()
	wg.Go(func() { s.submitter(ctx) })
	wg.Go(func() { s.poller(ctx) })
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.BlockTime):
			if err := s.runCycle(ctx); err != nil {
				return err
			}
		}
	}
}

// resume re-queues work interrupted by a restart: unpublished heights go back
// to the submitter and stuck proving jobs are reset so the backlog scan can
// pick them up.
func (s *Sequencer) resume() error {
	unpublished, err := s.chainView.UnpublishedHeights()
	if err != nil {
		return err
	}
	for _, height := range unpublished {
		s.enqueueSubmission(height)
	}
	if len(unpublished) > 0 {
		s.log.Infow("Resuming publication of batches", "count", len(unpublished))
	}

	unproved, err := s.chainView.UnprovedHeights()
	if err != nil {
		return err
	}
	for _, height := range unproved {
		record, err := s.chainView.Record(height)
		if err != nil {
			return err
		}
		if record.ProofStatus == core.ProofProving {
			if err := s.chainView.SetProofStatus(height, core.ProofUnproved); err != nil {
				return err
			}
		}
		s.scheduler.Enqueue(height)
	}
	return nil
}

// runCycle produces at most one batch. Cycle-level faults abort the cycle and
// requeue the popped transactions; only infrastructure failures stop the
// service.
func (s *Sequencer) runCycle(_ context.Context) error {
	unpublished, err := s.chainView.UnpublishedHeights()
	if err != nil {
		return err
	}
	pending, err := s.chainView.PendingHeights()
	if err != nil {
		return err
	}
	unproved, err := s.chainView.UnprovedHeights()
	if err != nil {
		return err
	}
	backlog := len(unpublished) + len(pending)
	if backlog >= s.cfg.MaxUnpublished || len(unproved) >= s.cfg.MaxUnproved {
		s.listener.OnBackpressure(backlog, len(unproved))
		s.log.Warnw("Backpressure, skipping production cycle",
			"unpublishedBatches", backlog, "unprovedBatches", len(unproved))
		return nil
	}

	if s.pool.Len() == 0 {
		return nil
	}
	txns, err := s.pool.PopBatch(s.cfg.BatchSizeLimit)
	if errors.Is(err, mempool.ErrTxnPoolEmpty) {
		return nil
	} else if err != nil {
		return err
	}

	start := time.Now()
	head, err := s.chainView.Head()
	if err != nil {
		return utils.RunAndWrapOnError(func() error { return s.pool.Requeue(txns) }, err)
	}

	height := head.Height + 1
	batch := &core.Batch{
		Header: core.Header{
			Height:           height,
			ParentRoot:       head.StateRoot,
			Timestamp:        uint64(time.Now().Unix()),
			SequencerAddress: s.cfg.SequencerAddress,
			TxCommitment:     core.TxCommitment(txns),
		},
		Transactions: txns,
	}

	reader, closer, err := s.store.ReaderAt(head.StateRoot)
	if err != nil {
		return utils.RunAndWrapOnError(func() error { return s.pool.Requeue(txns) }, err)
	}
	result, err := s.executor.Execute(head.StateRoot, reader, batch, stf.ExternalInputs{DaHeight: height})
	if closeErr := closer(); closeErr != nil {
		return closeErr
	}

	var structural *stf.ErrStructural
	if errors.As(err, &structural) {
		// The batch cannot be well-formed with these transactions; put them
		// back and try again next cycle.
		s.listener.OnCycleAborted(structural.Error())
		s.log.Errorw("Production cycle aborted", "height", height, "err", err)
		return s.pool.Requeue(txns)
	} else if err != nil {
		return err
	}

	batch.Header.ReceiptCommitment = core.ReceiptCommitment(result.Receipts)
	batch.Header.StateRoot = result.NewRoot

	if _, err := s.store.Apply(head.StateRoot, result.Diff); err != nil {
		return err
	}
	if err := s.chainView.Store(batch, result.Receipts); err != nil {
		return err
	}
	if err := s.store.Flatten(result.NewRoot, s.cfg.StoreRetention); err != nil {
		return err
	}

	record, err := s.chainView.Record(height)
	if err != nil {
		return err
	}
	s.newRecords.Send(record)
	s.listener.OnBatchSealed(height, len(txns), time.Since(start))
	s.log.Infow("Sealed batch", "height", height, "txCount", len(txns),
		"stateRoot", result.NewRoot, "took", time.Since(start))

	s.enqueueSubmission(height)
	if s.cfg.ProofInterval > 0 && height%s.cfg.ProofInterval == 0 {
		for _, unprovedHeight := range unproved {
			s.scheduler.Enqueue(unprovedHeight)
		}
		s.scheduler.Enqueue(height)
	}
	return nil
}

func (s *Sequencer) enqueueSubmission(height uint64) {
	s.mu.Lock()
	if _, ok := s.inFlight[height]; ok {
		s.mu.Unlock()
		return
	}
	s.inFlight[height] = struct{}{}
	s.mu.Unlock()

	select {
	case s.submitCh <- height:
	default:
		// Queue full; the poller re-discovers unpublished heights.
		s.mu.Lock()
		delete(s.inFlight, height)
		s.mu.Unlock()
	}
}

func (s *Sequencer) submitter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case height := <-s.submitCh:
			s.submit(ctx, height)
			s.mu.Lock()
			delete(s.inFlight, height)
			s.mu.Unlock()
		}
	}
}

// submit publishes the batch at height with bounded retries. Abandonment
// leaves the record unpublished; the poller retries it on its next pass, so a
// stalled DA layer delays publication without losing batches.
//
// Submissions are strictly ordered: the DA layer appends blobs, so batch h
// must reach it before batch h+1 or every height above h lands one slot off.
// A height whose predecessor is still unpublished is deferred, not submitted.
func (s *Sequencer) submit(ctx context.Context, height uint64) {
	if height > 1 {
		prev, err := s.chainView.Record(height - 1)
		if err != nil {
			s.log.Errorw("Cannot load predecessor record", "height", height, "err", err)
			return
		}
		if prev.PubStatus == core.PubUnpublished {
			s.log.Debugw("Deferring DA submission until predecessor publishes", "height", height)
			return
		}
	}

	batch, err := s.chainView.Batch(height)
	if err != nil {
		s.log.Errorw("Cannot load batch for publication", "height", height, "err", err)
		return
	}
	blob, err := batch.MarshalBinary()
	if err != nil {
		s.log.Errorw("Cannot encode batch for publication", "height", height, "err", err)
		return
	}

	// A restart between a successful submission and the status update leaves
	// the record unpublished while the blob is already on the DA layer.
	// Resubmitting would append it a second time at the wrong height.
	if existing, err := s.daClient.Fetch(ctx, height); err == nil {
		if crypto.Keccak256Hash(existing) != crypto.Keccak256Hash(blob) {
			s.log.Errorw("DA layer holds different data at this height", "height", height)
			return
		}
		if err := s.chainView.SetPubStatus(height, core.PubPending, nil); err != nil {
			s.log.Errorw("Failed to record publication", "height", height, "err", err)
		}
		return
	}

	backoff := s.cfg.SubmitBackoff
	for attempt := 1; attempt <= s.cfg.SubmitRetries; attempt++ {
		receipt, err := s.daClient.Submit(ctx, blob)
		if err == nil {
			s.listener.OnSubmission(height, attempt)
			if err := s.chainView.SetPubStatus(height, core.PubPending, receipt.ID); err != nil {
				s.log.Errorw("Failed to record publication", "height", height, "err", err)
			}
			return
		}
		s.log.Warnw("DA submission failed", "height", height, "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	s.listener.OnSubmissionAbandoned(height)
	s.log.Errorw("Abandoned DA submission after retries", "height", height,
		"attempts", s.cfg.SubmitRetries)
}

// poller promotes pending records to final per the DA layer's finality rule
// and re-queues any heights left unpublished by abandoned submissions.
func (s *Sequencer) poller(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.PollInterval):
			if err := s.pollOnce(ctx); err != nil {
				s.log.Errorw("Finality poll failed", "err", err)
			}
		}
	}
}

func (s *Sequencer) pollOnce(ctx context.Context) error {
	pending, err := s.chainView.PendingHeights()
	if err != nil {
		return err
	}
	for _, height := range pending {
		status, err := s.daClient.Finality(ctx, height)
		if err != nil {
			return fmt.Errorf("finality at height %d: %w", height, err)
		}
		if status == da.StatusFinal {
			if err := s.chainView.SetPubStatus(height, core.PubFinal, nil); err != nil {
				return err
			}
			s.log.Debugw("Batch final on DA", "height", height)
		}
	}

	unpublished, err := s.chainView.UnpublishedHeights()
	if err != nil {
		return err
	}
	for _, height := range unpublished {
		s.enqueueSubmission(height)
	}
	return nil
}
