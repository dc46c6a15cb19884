package stf_test

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stratolabs/strato/core"
	"github.com/stratolabs/strato/db/pebble"
	"github.com/stratolabs/strato/state"
	"github.com/stratolabs/strato/stf"
	"github.com/stratolabs/strato/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chainID = 1

type account struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newAccount(t *testing.T) account {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return account{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (a account) transfer(t *testing.T, nonce uint64, to common.Address, amount uint64) *core.Transaction {
	t.Helper()
	tx := &core.Transaction{
		ChainID:  chainID,
		Nonce:    nonce,
		To:       to,
		Amount:   uint256.NewInt(amount),
		GasLimit: stf.TransferGas,
	}
	require.NoError(t, tx.Sign(a.key))
	return tx
}

// genesisState funds the given accounts and returns the store and the root.
func genesisState(t *testing.T, balances map[common.Address]uint64) (*state.Store, common.Hash) {
	t.Helper()
	store := state.New(pebble.NewMemTest(t), utils.NewNopLogger())

	allocs := make(map[common.Address]*uint256.Int, len(balances))
	for addr, balance := range balances {
		allocs[addr] = uint256.NewInt(balance)
	}
	diff, err := core.GenesisDiff(allocs)
	require.NoError(t, err)
	root, err := store.Apply(core.EmptyRoot, diff)
	require.NoError(t, err)
	return store, root
}

func execute(
	t *testing.T, store *state.Store, root common.Hash, txs []*core.Transaction,
) (*stf.Result, error) {
	t.Helper()
	reader, closer, err := store.ReaderAt(root)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, closer())
	}()

	batch := &core.Batch{
		Header: core.Header{
			Height:       1,
			ParentRoot:   root,
			TxCommitment: core.TxCommitment(txs),
		},
		Transactions: txs,
	}
	return stf.New(chainID).Execute(root, reader, batch, stf.ExternalInputs{DaHeight: 1})
}

func balanceOf(t *testing.T, store *state.Store, root common.Hash, addr common.Address) uint64 {
	t.Helper()
	reader, closer, err := store.ReaderAt(root)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, closer())
	}()

	val, err := reader.Get(core.AccountKey(addr))
	require.NoError(t, err)
	acc, err := core.UnmarshalAccount(val)
	require.NoError(t, err)
	return acc.Balance.Uint64()
}

func TestTransfer(t *testing.T) {
	alice := newAccount(t)
	bob := newAccount(t)
	store, r0 := genesisState(t, map[common.Address]uint64{alice.addr: 100})

	result, err := execute(t, store, r0, []*core.Transaction{
		alice.transfer(t, 0, bob.addr, 10),
	})
	require.NoError(t, err)
	require.Len(t, result.Receipts, 1)
	assert.Equal(t, core.ReceiptSucceeded, result.Receipts[0].Status)
	assert.Equal(t, uint64(stf.TransferGas), result.Receipts[0].GasUsed)
	assert.NotEqual(t, r0, result.NewRoot)

	r1, err := store.Apply(r0, result.Diff)
	require.NoError(t, err)
	require.Equal(t, result.NewRoot, r1)

	assert.Equal(t, uint64(90), balanceOf(t, store, r1, alice.addr))
	assert.Equal(t, uint64(10), balanceOf(t, store, r1, bob.addr))
	// The prior root still reflects the pre-transfer balances.
	assert.Equal(t, uint64(100), balanceOf(t, store, r0, alice.addr))
}

func TestExecutionIsDeterministic(t *testing.T) {
	alice := newAccount(t)
	bob := newAccount(t)
	store, r0 := genesisState(t, map[common.Address]uint64{alice.addr: 100})

	txs := []*core.Transaction{
		alice.transfer(t, 0, bob.addr, 10),
		alice.transfer(t, 1, bob.addr, 20),
	}

	first, err := execute(t, store, r0, txs)
	require.NoError(t, err)
	second, err := execute(t, store, r0, txs)
	require.NoError(t, err)

	assert.Equal(t, first.NewRoot, second.NewRoot)
	assert.Equal(t, first.Diff, second.Diff)
	assert.Equal(t, first.Receipts, second.Receipts)
}

func TestFailedTransactionsGetRevertedReceipts(t *testing.T) {
	alice := newAccount(t)
	bob := newAccount(t)
	store, r0 := genesisState(t, map[common.Address]uint64{alice.addr: 100})

	t.Run("insufficient balance", func(t *testing.T) {
		result, err := execute(t, store, r0, []*core.Transaction{
			alice.transfer(t, 0, bob.addr, 1000),
		})
		require.NoError(t, err)
		require.Len(t, result.Receipts, 1)
		assert.Equal(t, core.ReceiptReverted, result.Receipts[0].Status)
		assert.Contains(t, result.Receipts[0].RevertReason, "insufficient balance")
	})

	t.Run("invalid nonce", func(t *testing.T) {
		result, err := execute(t, store, r0, []*core.Transaction{
			alice.transfer(t, 7, bob.addr, 10),
		})
		require.NoError(t, err)
		assert.Equal(t, core.ReceiptReverted, result.Receipts[0].Status)
		assert.Contains(t, result.Receipts[0].RevertReason, "invalid nonce")
	})

	t.Run("wrong chain id", func(t *testing.T) {
		tx := &core.Transaction{
			ChainID:  chainID + 1,
			To:       bob.addr,
			Amount:   uint256.NewInt(1),
			GasLimit: stf.TransferGas,
		}
		require.NoError(t, tx.Sign(alice.key))
		result, err := execute(t, store, r0, []*core.Transaction{tx})
		require.NoError(t, err)
		assert.Equal(t, core.ReceiptReverted, result.Receipts[0].Status)
		assert.Contains(t, result.Receipts[0].RevertReason, "wrong chain id")
	})

	t.Run("unsigned", func(t *testing.T) {
		tx := &core.Transaction{
			ChainID:  chainID,
			To:       bob.addr,
			Amount:   uint256.NewInt(1),
			GasLimit: stf.TransferGas,
		}
		result, err := execute(t, store, r0, []*core.Transaction{tx})
		require.NoError(t, err)
		assert.Equal(t, core.ReceiptReverted, result.Receipts[0].Status)
		assert.Contains(t, result.Receipts[0].RevertReason, "invalid signature")
	})

	t.Run("intrinsic gas too low", func(t *testing.T) {
		tx := &core.Transaction{
			ChainID:  chainID,
			To:       bob.addr,
			Amount:   uint256.NewInt(1),
			GasLimit: stf.TransferGas - 1,
		}
		require.NoError(t, tx.Sign(alice.key))
		result, err := execute(t, store, r0, []*core.Transaction{tx})
		require.NoError(t, err)
		assert.Equal(t, core.ReceiptReverted, result.Receipts[0].Status)
		assert.Contains(t, result.Receipts[0].RevertReason, "intrinsic gas too low")
	})
}

func TestAllFailedBatchKeepsRoot(t *testing.T) {
	alice := newAccount(t)
	bob := newAccount(t)
	store, r0 := genesisState(t, map[common.Address]uint64{alice.addr: 100})

	result, err := execute(t, store, r0, []*core.Transaction{
		alice.transfer(t, 5, bob.addr, 10), // invalid nonce
	})
	require.NoError(t, err)
	assert.Equal(t, core.ReceiptReverted, result.Receipts[0].Status)
	assert.Equal(t, r0, result.NewRoot)
	assert.Empty(t, result.Diff.Writes)
}

func TestLaterTransactionsSeeEarlierEffects(t *testing.T) {
	alice := newAccount(t)
	bob := newAccount(t)
	carol := newAccount(t)
	store, r0 := genesisState(t, map[common.Address]uint64{alice.addr: 100})

	// Bob spends funds received earlier in the same batch.
	result, err := execute(t, store, r0, []*core.Transaction{
		alice.transfer(t, 0, bob.addr, 50),
		bob.transfer(t, 0, carol.addr, 30),
	})
	require.NoError(t, err)
	require.Len(t, result.Receipts, 2)
	assert.Equal(t, core.ReceiptSucceeded, result.Receipts[0].Status)
	assert.Equal(t, core.ReceiptSucceeded, result.Receipts[1].Status)

	r1, err := store.Apply(r0, result.Diff)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), balanceOf(t, store, r1, alice.addr))
	assert.Equal(t, uint64(20), balanceOf(t, store, r1, bob.addr))
	assert.Equal(t, uint64(30), balanceOf(t, store, r1, carol.addr))
}

func TestStructuralFaults(t *testing.T) {
	alice := newAccount(t)
	store, r0 := genesisState(t, map[common.Address]uint64{alice.addr: 100})
	reader, closer, err := store.ReaderAt(r0)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, closer())
	}()
	executor := stf.New(chainID)

	var structural *stf.ErrStructural

	t.Run("nil batch", func(t *testing.T) {
		_, err := executor.Execute(r0, reader, nil, stf.ExternalInputs{})
		require.ErrorAs(t, err, &structural)
	})

	t.Run("parent root mismatch", func(t *testing.T) {
		batch := &core.Batch{Header: core.Header{Height: 1, ParentRoot: common.HexToHash("0xdead")}}
		_, err := executor.Execute(r0, reader, batch, stf.ExternalInputs{})
		require.ErrorAs(t, err, &structural)
	})

	t.Run("nil transaction", func(t *testing.T) {
		batch := &core.Batch{
			Header:       core.Header{Height: 1, ParentRoot: r0},
			Transactions: []*core.Transaction{nil},
		}
		_, err := executor.Execute(r0, reader, batch, stf.ExternalInputs{})
		require.ErrorAs(t, err, &structural)
	})
}
