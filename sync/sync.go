// Package sync implements the full-node sync engine. It follows the DA layer
// height by height: fetch the blob once final, check its inclusion proof,
// re-execute the batch locally and only then commit. The sequencer's claimed
// state root is never trusted; a mismatch between the locally derived root
// and the claim is a divergence and halts the node rather than letting it
// drift onto a state it cannot vouch for.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sourcegraph/conc/stream"
	"github.com/stratolabs/strato/chain"
	"github.com/stratolabs/strato/core"
	"github.com/stratolabs/strato/da"
	"github.com/stratolabs/strato/feed"
	"github.com/stratolabs/strato/prover"
	"github.com/stratolabs/strato/service"
	"github.com/stratolabs/strato/state"
	"github.com/stratolabs/strato/stf"
	"github.com/stratolabs/strato/utils"
)

var _ service.Service = (*Synchronizer)(nil)

const fetchWindow = 16

// ErrStateDivergence reports a batch whose locally derived root disagrees
// with the sequencer's claim. Recovery requires operator intervention, so the
// sync engine halts instead of continuing past it.
type ErrStateDivergence struct {
	Height  uint64
	Local   common.Hash
	Claimed common.Hash
}

func (e *ErrStateDivergence) Error() string {
	return fmt.Sprintf("state divergence at height %d: derived %s, sequencer claimed %s",
		e.Height, e.Local, e.Claimed)
}

// ProofSource optionally supplies proofs for heights. When available, proofs
// are verified before replay; replay still runs because the proof does not
// carry the state diff needed to materialize the new state.
type ProofSource interface {
	Proof(ctx context.Context, height uint64) (*prover.Proof, error)
}

type Synchronizer struct {
	chainView    *chain.View
	store        *state.Store
	executor     *stf.Executor
	daClient     da.Adapter
	proofs       ProofSource
	pollInterval time.Duration
	retention    int
	log          utils.SimpleLogger
	listener     EventListener

	newRecords *feed.Feed[*core.ChainRecord]
}

func New(
	chainView *chain.View,
	store *state.Store,
	executor *stf.Executor,
	daClient da.Adapter,
	pollInterval time.Duration,
	retention int,
	log utils.SimpleLogger,
) *Synchronizer {
	return &Synchronizer{
		chainView:    chainView,
		store:        store,
		executor:     executor,
		daClient:     daClient,
		pollInterval: pollInterval,
		retention:    retention,
		log:          log,
		listener:     &SelectiveListener{},
		newRecords:   feed.New[*core.ChainRecord](),
	}
}

// WithListener registers an event listener. Must be called before Run.
func (s *Synchronizer) WithListener(listener EventListener) *Synchronizer {
	s.listener = listener
	return s
}

// WithProofSource makes the synchronizer verify proofs before replaying.
func (s *Synchronizer) WithProofSource(proofs ProofSource) *Synchronizer {
	s.proofs = proofs
	return s
}

// SubscribeNewRecords delivers the record of every committed batch.
func (s *Synchronizer) SubscribeNewRecords() *feed.Subscription[*core.ChainRecord] {
	return s.newRecords.Subscribe()
}

// Run syncs until the context is cancelled or a divergence halts the node.
func (s *Synchronizer) Run(ctx context.Context) error {
	reorgSub := s.daClient.SubscribeReorg()
	defer reorgSub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case reorg := <-reorgSub.Recv():
			if err := s.rollback(reorg); err != nil {
				return err
			}
			continue
		default:
		}

		advanced, err := s.syncRound(ctx)
		if err != nil {
			return err
		}
		if advanced {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case reorg := <-reorgSub.Recv():
			if err := s.rollback(reorg); err != nil {
				return err
			}
		case <-time.After(s.pollInterval):
		}
	}
}

type fetchResult struct {
	height    uint64
	blob      []byte
	inclusion *da.InclusionProof
	err       error
}

// syncRound fetches a window of heights concurrently and commits them in
// order. It reports whether the head advanced. Only divergence and
// infrastructure failures are returned; a missing or still-pending blob just
// ends the round.
func (s *Synchronizer) syncRound(ctx context.Context) (bool, error) {
	head, err := s.chainView.Height()
	if err != nil {
		return false, err
	}
	next := head + 1

	streamCtx, streamCancel := context.WithCancel(ctx)
	defer streamCancel()

	var advanced bool
	var fatal error
	fetchers := stream.New().WithMaxGoroutines(4)
	for height := next; height < next+fetchWindow; height++ {
		fetchers.Go(func() stream.Callback {
			result := s.fetchTask(streamCtx, height)
			return func() {
				if fatal != nil || streamCtx.Err() != nil {
					return
				}
				if result.err != nil {
					if !errors.Is(result.err, da.ErrBlobNotFound) && !errors.Is(result.err, context.Canceled) {
						s.log.Debugw("Fetch stopped", "height", result.height, "err", result.err)
					}
					streamCancel()
					return
				}
				if err := s.commit(streamCtx, result.height, result.blob, result.inclusion); err != nil {
					fatal = err
					var divergence *ErrStateDivergence
					if errors.As(err, &divergence) {
						s.log.Errorw("State divergence, halting",
							"height", divergence.Height, "local", divergence.Local, "claimed", divergence.Claimed)
					} else if errors.Is(err, chain.ErrParentDoesNotMatchHead) {
						// Stale local head after a DA-side replacement that
						// arrived without a reorg signal. Revert one height
						// and let the next round re-fetch.
						fatal = s.chainView.RevertHead()
					}
					streamCancel()
					return
				}
				advanced = true
			}
		})
	}
	fetchers.Wait()
	return advanced, fatal
}

// fetchTask retrieves and authenticates the blob at height. Only blobs the DA
// layer reports final are returned; pending data never advances the chain.
func (s *Synchronizer) fetchTask(ctx context.Context, height uint64) fetchResult {
	start := time.Now()

	status, err := s.daClient.Finality(ctx, height)
	if err != nil {
		return fetchResult{height: height, err: err}
	}
	if status != da.StatusFinal {
		return fetchResult{height: height, err: da.ErrBlobNotFound}
	}

	blob, err := s.daClient.Fetch(ctx, height)
	if err != nil {
		return fetchResult{height: height, err: err}
	}
	inclusion, err := s.daClient.InclusionProof(ctx, height)
	if err != nil {
		return fetchResult{height: height, err: err}
	}
	if !inclusion.Verify(blob) {
		return fetchResult{height: height, err: fmt.Errorf("invalid inclusion proof at height %d", height)}
	}

	s.listener.OnSyncStepDone(OpFetch, height, time.Since(start))
	return fetchResult{height: height, blob: blob, inclusion: inclusion}
}

// commit verifies the batch at height and appends it to the local chain.
func (s *Synchronizer) commit(ctx context.Context, height uint64, blob []byte, inclusion *da.InclusionProof) error {
	batch, err := core.UnmarshalBatch(blob)
	if err != nil {
		return fmt.Errorf("blob at height %d: %w", height, err)
	}
	if batch.Header.Height != height {
		return fmt.Errorf("blob at height %d declares height %d", height, batch.Header.Height)
	}
	if got := core.TxCommitment(batch.Transactions); got != batch.Header.TxCommitment {
		return fmt.Errorf("batch at height %d: transaction commitment mismatch", height)
	}

	head, err := s.chainView.Head()
	if err != nil {
		return err
	}
	if batch.Header.ParentRoot != head.StateRoot {
		return chain.ErrParentDoesNotMatchHead
	}

	// The accumulator at height h must extend the one recorded when h-1 was
	// committed; the genesis record carries no DaID, so the chain starts from
	// the zero root. A proof that does not chain means the DA layer is
	// presenting a different history than the one already committed.
	if !inclusion.Extends(common.BytesToHash(head.DaID)) {
		return fmt.Errorf("inclusion proof at height %d does not extend the ledger accumulator", height)
	}

	verifyStart := time.Now()
	inputs := stf.ExternalInputs{DaHeight: height}
	if s.proofs != nil {
		if err := s.verifyProof(ctx, batch, inputs); err != nil {
			return err
		}
	}

	reader, closer, err := s.store.ReaderAt(head.StateRoot)
	if err != nil {
		return err
	}
	result, err := s.executor.Execute(head.StateRoot, reader, batch, inputs)
	if err != nil {
		return utils.RunAndWrapOnError(closer, fmt.Errorf("replay at height %d: %w", height, err))
	}
	if err := closer(); err != nil {
		return err
	}

	if result.NewRoot != batch.Header.StateRoot {
		return &ErrStateDivergence{Height: height, Local: result.NewRoot, Claimed: batch.Header.StateRoot}
	}
	if got := core.ReceiptCommitment(result.Receipts); got != batch.Header.ReceiptCommitment {
		return &ErrStateDivergence{Height: height, Local: result.NewRoot, Claimed: batch.Header.StateRoot}
	}
	s.listener.OnSyncStepDone(OpVerify, height, time.Since(verifyStart))

	commitStart := time.Now()
	if _, err := s.store.Apply(head.StateRoot, result.Diff); err != nil {
		return err
	}
	if err := s.chainView.Store(batch, result.Receipts); err != nil {
		return err
	}
	if err := s.chainView.SetPubStatus(height, core.PubFinal, inclusion.LedgerRoot.Bytes()); err != nil {
		return err
	}
	if err := s.store.Flatten(result.NewRoot, s.retention); err != nil {
		return err
	}

	record, err := s.chainView.Record(height)
	if err != nil {
		return err
	}
	s.newRecords.Send(record)
	s.listener.OnSyncStepDone(OpCommit, height, time.Since(commitStart))
	s.log.Infow("Committed batch", "height", height, "stateRoot", result.NewRoot,
		"txCount", len(batch.Transactions))
	return nil
}

// verifyProof checks the proof supplied for the batch against the claimed
// transition. A missing proof is not an error; replay alone still validates
// the transition.
func (s *Synchronizer) verifyProof(ctx context.Context, batch *core.Batch, inputs stf.ExternalInputs) error {
	proof, err := s.proofs.Proof(ctx, batch.Header.Height)
	if err != nil {
		s.log.Debugw("No proof available, replay only", "height", batch.Header.Height, "err", err)
		return nil
	}
	err = prover.Verify(proof, batch.Header.ParentRoot, batch.Header.StateRoot, batch.Commitment(), inputs)
	if err != nil {
		return fmt.Errorf("proof at height %d: %w", batch.Header.Height, err)
	}
	return nil
}

// rollback reverts the local chain to just below the reorged height and lets
// the normal sync path re-fetch the replacement data.
func (s *Synchronizer) rollback(reorg *da.Reorg) error {
	if reorg == nil {
		return nil
	}
	s.listener.OnReorg(reorg.Height)
	for {
		height, err := s.chainView.Height()
		if err != nil {
			return err
		}
		if height < reorg.Height {
			return nil
		}
		s.log.Warnw("Reverting reorged batch", "height", height)
		if err := s.chainView.RevertHead(); err != nil {
			return err
		}
	}
}
