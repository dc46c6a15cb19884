package prover_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stratolabs/strato/chain"
	"github.com/stratolabs/strato/core"
	"github.com/stratolabs/strato/db/pebble"
	"github.com/stratolabs/strato/prover"
	"github.com/stratolabs/strato/state"
	"github.com/stratolabs/strato/stf"
	"github.com/stratolabs/strato/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSchedulerFixture builds a chain holding one executed batch at height 1,
// ready to be proved.
func newSchedulerFixture(t *testing.T) (*chain.View, *prover.Scheduler) {
	t.Helper()
	log := utils.NewNopLogger()
	database := pebble.NewMemTest(t)
	store := state.New(database, log)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	diff, err := core.GenesisDiff(map[common.Address]*uint256.Int{sender: uint256.NewInt(100)})
	require.NoError(t, err)
	root, err := store.Apply(core.EmptyRoot, diff)
	require.NoError(t, err)

	chainView := chain.New(database, log)
	require.NoError(t, chainView.Bootstrap(root))

	tx := &core.Transaction{
		ChainID:  chainID,
		To:       common.HexToAddress("0x02"),
		Amount:   uint256.NewInt(10),
		GasLimit: 21000,
	}
	require.NoError(t, tx.Sign(key))

	batch := &core.Batch{
		Header: core.Header{
			Height:       1,
			ParentRoot:   root,
			TxCommitment: core.TxCommitment([]*core.Transaction{tx}),
		},
		Transactions: []*core.Transaction{tx},
	}

	executor := stf.New(chainID)
	reader, closer, err := store.ReaderAt(root)
	require.NoError(t, err)
	result, err := executor.Execute(root, reader, batch, stf.ExternalInputs{DaHeight: 1})
	require.NoError(t, err)
	require.NoError(t, closer())

	batch.Header.ReceiptCommitment = core.ReceiptCommitment(result.Receipts)
	batch.Header.StateRoot = result.NewRoot
	_, err = store.Apply(root, result.Diff)
	require.NoError(t, err)
	require.NoError(t, chainView.Store(batch, result.Receipts))

	scheduler := prover.NewScheduler(prover.New(executor, store, log), chainView, 2, log)
	return chainView, scheduler
}

func runScheduler(t *testing.T, scheduler *prover.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
}

func TestSchedulerProvesEnqueuedHeight(t *testing.T) {
	chainView, scheduler := newSchedulerFixture(t)
	runScheduler(t, scheduler)

	require.True(t, scheduler.Enqueue(1))
	require.Eventually(t, func() bool {
		record, err := chainView.Record(1)
		return err == nil && record.ProofStatus == core.ProofProved
	}, 5*time.Second, 10*time.Millisecond, "height was not proved")

	encoded, err := chainView.Proof(1)
	require.NoError(t, err)
	proof, err := prover.UnmarshalProof(encoded)
	require.NoError(t, err)

	batch, err := chainView.Batch(1)
	require.NoError(t, err)
	require.NoError(t, prover.Verify(proof, batch.Header.ParentRoot, batch.Header.StateRoot,
		batch.Commitment(), stf.ExternalInputs{DaHeight: 1}))
}

func TestSchedulerSkipsInFlightHeight(t *testing.T) {
	chainView, scheduler := newSchedulerFixture(t)
	require.NoError(t, chainView.SetProofStatus(1, core.ProofProving))
	runScheduler(t, scheduler)

	// Backlog scans can enqueue a height that is already being proved; the
	// job must not start a second proof for it.
	require.True(t, scheduler.Enqueue(1))
	time.Sleep(100 * time.Millisecond)

	record, err := chainView.Record(1)
	require.NoError(t, err)
	assert.Equal(t, core.ProofProving, record.ProofStatus)
	_, err = chainView.Proof(1)
	assert.ErrorIs(t, err, chain.ErrProofNotFound)
}
