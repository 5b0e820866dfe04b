package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"balancechain/internal/storage"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "bc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	type row struct {
		Head string `json:"head"`
		Len  int64  `json:"len"`
	}
	require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
		return tx.Put(storage.StoreMeta, "chain", row{Head: "abc", Len: 2})
	}))

	var got row
	require.NoError(t, s.View(ctx, func(tx storage.Tx) error {
		return tx.Get(storage.StoreMeta, "chain", &got)
	}))
	assert.Equal(t, row{Head: "abc", Len: 2}, got)
}

func TestStoresAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
		return tx.Put(storage.StoreNonces, "k", "nonce")
	}))

	var v string
	err := s.View(ctx, func(tx storage.Tx) error {
		return tx.Get(storage.StoreMessages, "k", &v)
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMultiStoreAtomicity(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx storage.Tx) error {
		if err := tx.Put(storage.StoreChain, "000000000001", "entry"); err != nil {
			return err
		}
		if err := tx.Put(storage.StoreMeta, "chain_len", 1); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var v any
	err = s.View(ctx, func(tx storage.Tx) error {
		return tx.Get(storage.StoreChain, "000000000001", &v)
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	err = s.View(ctx, func(tx storage.Tx) error {
		return tx.Get(storage.StoreMeta, "chain_len", &v)
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetAllOrdered(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
		for _, k := range []string{"b", "a", "c"} {
			if err := tx.Put(storage.StoreOutbox, k, k); err != nil {
				return err
			}
		}
		return nil
	}))

	var keys []string
	require.NoError(t, s.View(ctx, func(tx storage.Tx) error {
		return tx.GetAll(storage.StoreOutbox, func(key string, raw []byte) error {
			keys = append(keys, key)
			return nil
		})
	}))
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bc.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
		return tx.Put(storage.StoreMeta, "chain_head", "deadbeef")
	}))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	var head string
	require.NoError(t, s2.View(ctx, func(tx storage.Tx) error {
		return tx.Get(storage.StoreMeta, "chain_head", &head)
	}))
	assert.Equal(t, "deadbeef", head)
}
