package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"balancechain/internal/storage"
)

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
		return tx.Put(storage.StoreMeta, "chain_len", 3)
	}))

	var n int
	require.NoError(t, s.View(ctx, func(tx storage.Tx) error {
		return tx.Get(storage.StoreMeta, "chain_len", &n)
	}))
	assert.Equal(t, 3, n)

	require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
		return tx.Delete(storage.StoreMeta, "chain_len")
	}))
	err := s.View(ctx, func(tx storage.Tx) error {
		return tx.Get(storage.StoreMeta, "chain_len", &n)
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx storage.Tx) error {
		if err := tx.Put(storage.StoreOutbox, "a", "one"); err != nil {
			return err
		}
		if err := tx.Put(storage.StoreChannels, "b", "two"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var v string
	err = s.View(ctx, func(tx storage.Tx) error {
		return tx.Get(storage.StoreOutbox, "a", &v)
	})
	assert.ErrorIs(t, err, storage.ErrNotFound, "no partial effect may survive an aborted tx")
	err = s.View(ctx, func(tx storage.Tx) error {
		return tx.Get(storage.StoreChannels, "b", &v)
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReadYourWritesInsideTx(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
		if err := tx.Put(storage.StoreNonces, "n1", "seen"); err != nil {
			return err
		}
		var v string
		if err := tx.Get(storage.StoreNonces, "n1", &v); err != nil {
			return err
		}
		assert.Equal(t, "seen", v)
		return nil
	}))
}

func TestGetAllSortedByKey(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
		for _, k := range []string{"000000000002", "000000000001", "000000000010"} {
			if err := tx.Put(storage.StoreChain, k, k); err != nil {
				return err
			}
		}
		return nil
	}))

	var keys []string
	require.NoError(t, s.View(ctx, func(tx storage.Tx) error {
		return tx.GetAll(storage.StoreChain, func(key string, raw []byte) error {
			keys = append(keys, key)
			return nil
		})
	}))
	assert.Equal(t, []string{"000000000001", "000000000002", "000000000010"}, keys)
}
