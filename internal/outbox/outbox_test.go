package outbox

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"balancechain/internal/storage"
	"balancechain/internal/storage/memstore"
)

const (
	testChannel = "CH-0011223344556677"
	testPeer    = "HID-aabbccddeeff0011"
)

func seed(t *testing.T, s storage.Store, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
		for i := 1; i <= n; i++ {
			it := Item{
				ID:           fmt.Sprintf("m%04d", i),
				ChannelID:    testChannel,
				ToHid:        testPeer,
				SeqInChannel: int64(i),
				Text:         fmt.Sprintf("msg %d", i),
				CreatedAt:    int64(1000 + i),
				Status:       StatusPending,
			}
			if err := tx.Put(storage.StoreOutbox, it.ID, it); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestNextSeq(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	l := New(s)

	n, err := l.NextSeq(ctx, testChannel, testPeer)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "empty ledger starts at 1")

	seed(t, s, 3)
	n, err = l.NextSeq(ctx, testChannel, testPeer)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	// Another pair does not interfere.
	n, err = l.NextSeq(ctx, testChannel, "HID-other")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestItemsSincePullBounding(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	l := New(s)
	seed(t, s, 500)

	items, err := l.ItemsSince(ctx, testChannel, testPeer, 0, 0)
	require.NoError(t, err)
	require.Len(t, items, PullLimit, "pull is capped at 200 items")

	for i, it := range items {
		assert.Equal(t, int64(i+1), it.SeqInChannel, "ascending by seqInChannel")
	}
}

func TestItemsSinceSkipsDeliveredAndOld(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	l := New(s)
	seed(t, s, 10)

	require.NoError(t, l.MarkDelivered(ctx, testChannel, testPeer, 4))

	items, err := l.ItemsSince(ctx, testChannel, testPeer, 6, 0)
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, int64(7), items[0].SeqInChannel)
	assert.Equal(t, int64(10), items[3].SeqInChannel)
}

func TestMarkDeliveredIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	l := New(s)
	seed(t, s, 6)

	require.NoError(t, l.MarkDelivered(ctx, testChannel, testPeer, 4))
	require.NoError(t, l.MarkDelivered(ctx, testChannel, testPeer, 4))

	all, err := l.Items(ctx, testChannel, testPeer)
	require.NoError(t, err)
	require.Len(t, all, 6)
	for _, it := range all {
		if it.SeqInChannel <= 4 {
			assert.Equal(t, StatusDelivered, it.Status, "seq %d", it.SeqInChannel)
		} else {
			assert.Equal(t, StatusPending, it.Status, "seq %d", it.SeqInChannel)
		}
	}
}
