package pebble_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stratolabs/strato/db"
	"github.com/stratolabs/strato/db/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	testDB := pebble.NewMemTest(t)

	require.NoError(t, testDB.Update(func(txn db.Transaction) error {
		return txn.Set([]byte("key"), []byte("value"))
	}))

	var got []byte
	require.NoError(t, testDB.View(func(txn db.Transaction) error {
		return txn.Get([]byte("key"), func(val []byte) error {
			got = append([]byte{}, val...)
			return nil
		})
	}))
	assert.Equal(t, []byte("value"), got)
}

func TestGetMissingKey(t *testing.T) {
	testDB := pebble.NewMemTest(t)

	err := testDB.View(func(txn db.Transaction) error {
		return txn.Get([]byte("nope"), func([]byte) error { return nil })
	})
	assert.ErrorIs(t, err, db.ErrKeyNotFound)
}

func TestUpdateDiscardsOnError(t *testing.T) {
	testDB := pebble.NewMemTest(t)
	boom := errors.New("boom")

	err := testDB.Update(func(txn db.Transaction) error {
		if err := txn.Set([]byte("key"), []byte("value")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = testDB.View(func(txn db.Transaction) error {
		return txn.Get([]byte("key"), func([]byte) error { return nil })
	})
	assert.ErrorIs(t, err, db.ErrKeyNotFound)
}

func TestDelete(t *testing.T) {
	testDB := pebble.NewMemTest(t)

	require.NoError(t, testDB.Update(func(txn db.Transaction) error {
		return txn.Set([]byte("key"), []byte("value"))
	}))
	require.NoError(t, testDB.Update(func(txn db.Transaction) error {
		return txn.Delete([]byte("key"))
	}))

	err := testDB.View(func(txn db.Transaction) error {
		return txn.Get([]byte("key"), func([]byte) error { return nil })
	})
	assert.ErrorIs(t, err, db.ErrKeyNotFound)
}

func TestIterator(t *testing.T) {
	testDB := pebble.NewMemTest(t)

	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	require.NoError(t, testDB.Update(func(txn db.Transaction) error {
		for _, key := range keys {
			if err := txn.Set(key, key); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, testDB.Update(func(txn db.Transaction) error {
		it, err := txn.NewIterator()
		if err != nil {
			return err
		}
		defer func() {
			require.NoError(t, it.Close())
		}()

		var got [][]byte
		for it.Next() {
			got = append(got, append([]byte{}, it.Key()...))
		}
		assert.Equal(t, keys, got)

		require.True(t, it.Seek([]byte("b")))
		assert.Equal(t, []byte("b"), it.Key())
		return nil
	}))
}

func TestCommitListener(t *testing.T) {
	commits := 0
	testDB := pebble.NewMemTest(t).WithListener(&db.SelectiveListener{
		OnCommitCb: func(_ time.Duration) { commits++ },
	})

	require.NoError(t, testDB.Update(func(txn db.Transaction) error {
		return txn.Set([]byte("key"), []byte("value"))
	}))
	assert.Equal(t, 1, commits)
}
