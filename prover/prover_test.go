package prover_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stratolabs/strato/core"
	"github.com/stratolabs/strato/db/pebble"
	"github.com/stratolabs/strato/prover"
	"github.com/stratolabs/strato/state"
	"github.com/stratolabs/strato/stf"
	"github.com/stratolabs/strato/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chainID = 1

type fixture struct {
	store    *state.Store
	executor *stf.Executor
	prover   *prover.Prover
	root     common.Hash
	batch    *core.Batch
	inputs   stf.ExternalInputs
}

// newFixture funds a sender and builds a one-transfer batch on the genesis
// root.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := state.New(pebble.NewMemTest(t), utils.NewNopLogger())

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	diff, err := core.GenesisDiff(map[common.Address]*uint256.Int{sender: uint256.NewInt(100)})
	require.NoError(t, err)
	root, err := store.Apply(core.EmptyRoot, diff)
	require.NoError(t, err)

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
	return &fixture{
		store:    store,
		executor: executor,
		prover:   prover.New(executor, store, utils.NewNopLogger()),
		root:     root,
		batch:    batch,
		inputs:   stf.ExternalInputs{DaHeight: 1},
	}
}

func TestProveAndVerify(t *testing.T) {
	f := newFixture(t)

	proof, err := f.prover.Prove(f.root, f.batch, f.inputs)
	require.NoError(t, err)
	assert.Equal(t, f.root, proof.PriorRoot)
	assert.NotEqual(t, f.root, proof.NewRoot)
	assert.Equal(t, f.batch.Commitment(), proof.BatchCommitment)

	require.NoError(t, prover.Verify(proof, f.root, proof.NewRoot, f.batch.Commitment(), f.inputs))
}

func TestGuestMatchesNativeExecution(t *testing.T) {
	f := newFixture(t)

	proof, err := f.prover.Prove(f.root, f.batch, f.inputs)
	require.NoError(t, err)

	reader, closer, err := f.store.ReaderAt(f.root)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, closer())
	}()
	native, err := f.executor.Execute(f.root, reader, f.batch, f.inputs)
	require.NoError(t, err)
	assert.Equal(t, native.NewRoot, proof.NewRoot)
}

func TestVerifyRejectsWrongTuple(t *testing.T) {
	f := newFixture(t)
	proof, err := f.prover.Prove(f.root, f.batch, f.inputs)
	require.NoError(t, err)

	wrongHash := common.HexToHash("0xdead")

	t.Run("wrong prior root", func(t *testing.T) {
		err := prover.Verify(proof, wrongHash, proof.NewRoot, proof.BatchCommitment, f.inputs)
		assert.ErrorIs(t, err, prover.ErrInvalidProof)
	})
	t.Run("wrong new root", func(t *testing.T) {
		err := prover.Verify(proof, proof.PriorRoot, wrongHash, proof.BatchCommitment, f.inputs)
		assert.ErrorIs(t, err, prover.ErrInvalidProof)
	})
	t.Run("wrong batch commitment", func(t *testing.T) {
		err := prover.Verify(proof, proof.PriorRoot, proof.NewRoot, wrongHash, f.inputs)
		assert.ErrorIs(t, err, prover.ErrInvalidProof)
	})
	t.Run("wrong external inputs", func(t *testing.T) {
		err := prover.Verify(proof, proof.PriorRoot, proof.NewRoot, proof.BatchCommitment,
			stf.ExternalInputs{DaHeight: 99})
		assert.ErrorIs(t, err, prover.ErrInvalidProof)
	})
	t.Run("tampered binding", func(t *testing.T) {
		tampered := *proof
		tampered.Binding[0] ^= 0xff
		err := prover.Verify(&tampered, proof.PriorRoot, proof.NewRoot, proof.BatchCommitment, f.inputs)
		assert.ErrorIs(t, err, prover.ErrInvalidProof)
	})
	t.Run("tampered witness commitment", func(t *testing.T) {
		tampered := *proof
		tampered.WitnessCommitment = wrongHash
		err := prover.Verify(&tampered, proof.PriorRoot, proof.NewRoot, proof.BatchCommitment, f.inputs)
		assert.ErrorIs(t, err, prover.ErrInvalidProof)
	})
	t.Run("nil proof", func(t *testing.T) {
		err := prover.Verify(nil, f.root, proof.NewRoot, proof.BatchCommitment, f.inputs)
		assert.ErrorIs(t, err, prover.ErrInvalidProof)
	})
}

func TestProofEncodingRoundTrip(t *testing.T) {
	f := newFixture(t)
	proof, err := f.prover.Prove(f.root, f.batch, f.inputs)
	require.NoError(t, err)

	encoded, err := proof.MarshalBinary()
	require.NoError(t, err)
	decoded, err := prover.UnmarshalProof(encoded)
	require.NoError(t, err)
	assert.Equal(t, proof, decoded)

	require.NoError(t, prover.Verify(decoded, f.root, proof.NewRoot, f.batch.Commitment(), f.inputs))
}

func TestWitnessReader(t *testing.T) {
	key := common.HexToHash("0x0a")
	missing := common.HexToHash("0x0b")
	unknown := common.HexToHash("0x0c")

	witness := &prover.Witness{Entries: []prover.WitnessEntry{
		{Key: key, Value: []byte("value")},
		{Key: missing, Missing: true},
	}}
	reader := prover.NewWitnessReader(witness)

	val, err := reader.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)

	_, err = reader.Get(missing)
	assert.ErrorIs(t, err, state.ErrNotFound)

	_, err = reader.Get(unknown)
	assert.ErrorIs(t, err, prover.ErrIncompleteWitness)
}

func TestRecordingReaderCapturesMisses(t *testing.T) {
	f := newFixture(t)
	reader, closer, err := f.store.ReaderAt(f.root)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, closer())
	}()

	recorder := prover.NewRecordingReader(reader)
	_, err = recorder.Get(common.HexToHash("0xabsent"))
	assert.ErrorIs(t, err, state.ErrNotFound)

	witness := recorder.Witness()
	require.Len(t, witness.Entries, 1)
	assert.True(t, witness.Entries[0].Missing)
}
