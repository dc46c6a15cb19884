package core_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stratolabs/strato/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchCommitmentExcludesClaimedOutputs(t *testing.T) {
	tx, _ := signedTransaction(t)
	batch := &core.Batch{
		Header: core.Header{
			Height:       1,
			ParentRoot:   common.HexToHash("0x01"),
			TxCommitment: core.TxCommitment([]*core.Transaction{tx}),
		},
		Transactions: []*core.Transaction{tx},
	}
	commitment := batch.Commitment()

	// The claimed execution outputs must not influence the commitment,
	// otherwise a proof over it would merely echo the sequencer's claim.
	batch.Header.StateRoot = common.HexToHash("0xdead")
	batch.Header.ReceiptCommitment = common.HexToHash("0xbeef")
	assert.Equal(t, commitment, batch.Commitment())

	batch.Header.ParentRoot = common.HexToHash("0x02")
	assert.NotEqual(t, commitment, batch.Commitment())
}

func TestTxCommitmentIsOrderSensitive(t *testing.T) {
	tx1, _ := signedTransaction(t)
	tx2, _ := signedTransaction(t)

	forward := core.TxCommitment([]*core.Transaction{tx1, tx2})
	backward := core.TxCommitment([]*core.Transaction{tx2, tx1})
	assert.NotEqual(t, forward, backward)
	assert.Equal(t, forward, core.TxCommitment([]*core.Transaction{tx1, tx2}))
}

func TestBatchEncodingRoundTrip(t *testing.T) {
	tx, _ := signedTransaction(t)
	batch := &core.Batch{
		Header: core.Header{
			Height:       3,
			ParentRoot:   common.HexToHash("0xaa"),
			Timestamp:    1700000000,
			TxCommitment: core.TxCommitment([]*core.Transaction{tx}),
			StateRoot:    common.HexToHash("0xbb"),
		},
		Transactions: []*core.Transaction{tx},
	}

	blob, err := batch.MarshalBinary()
	require.NoError(t, err)

	decoded, err := core.UnmarshalBatch(blob)
	require.NoError(t, err)
	assert.Equal(t, batch.Header, decoded.Header)
	require.Len(t, decoded.Transactions, 1)
	assert.Equal(t, tx.Hash(), decoded.Transactions[0].Hash())

	_, err = core.UnmarshalBatch([]byte("garbage"))
	require.Error(t, err)
}
