package core_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stratolabs/strato/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostRoot(t *testing.T) {
	parent := common.HexToHash("0x01")

	t.Run("empty diff leaves root unchanged", func(t *testing.T) {
		root, err := core.PostRoot(parent, &core.StateDiff{})
		require.NoError(t, err)
		assert.Equal(t, parent, root)
	})

	t.Run("deterministic", func(t *testing.T) {
		diff := &core.StateDiff{Writes: []core.StorageWrite{
			{Key: common.HexToHash("0x0a"), Value: []byte("a")},
			{Key: common.HexToHash("0x0b"), Value: []byte("b")},
		}}
		first, err := core.PostRoot(parent, diff)
		require.NoError(t, err)
		second, err := core.PostRoot(parent, diff)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.NotEqual(t, parent, first)
	})

	t.Run("parent dependent", func(t *testing.T) {
		diff := &core.StateDiff{Writes: []core.StorageWrite{
			{Key: common.HexToHash("0x0a"), Value: []byte("a")},
		}}
		fromOne, err := core.PostRoot(common.HexToHash("0x01"), diff)
		require.NoError(t, err)
		fromTwo, err := core.PostRoot(common.HexToHash("0x02"), diff)
		require.NoError(t, err)
		assert.NotEqual(t, fromOne, fromTwo)
	})

	t.Run("unsorted diff rejected", func(t *testing.T) {
		diff := &core.StateDiff{Writes: []core.StorageWrite{
			{Key: common.HexToHash("0x0b"), Value: []byte("b")},
			{Key: common.HexToHash("0x0a"), Value: []byte("a")},
		}}
		_, err := core.PostRoot(parent, diff)
		require.ErrorIs(t, err, core.ErrUnsortedDiff)

		diff.Sort()
		_, err = core.PostRoot(parent, diff)
		require.NoError(t, err)
	})

	t.Run("duplicate keys rejected", func(t *testing.T) {
		diff := &core.StateDiff{Writes: []core.StorageWrite{
			{Key: common.HexToHash("0x0a"), Value: []byte("a")},
			{Key: common.HexToHash("0x0a"), Value: []byte("b")},
		}}
		_, err := core.PostRoot(parent, diff)
		require.ErrorIs(t, err, core.ErrUnsortedDiff)
	})
}
