// Package outbox is the per-peer-pair delivery ledger: one row per
// locally authored message intent, marked delivered only when the
// matching acknowledgement arrives.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"balancechain/internal/storage"
)

const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
)

// PullLimit caps how many items a single pull response may carry.
const PullLimit = 200

type Item struct {
	ID           string `json:"id"`
	ChannelID    string `json:"channelId"`
	ToHid        string `json:"toHid"`
	SeqInChannel int64  `json:"seqInChannel"`
	Text         string `json:"text"`
	CreatedAt    int64  `json:"createdAt"`
	Status       string `json:"status"`
}

type Ledger struct {
	store storage.Store
}

func New(store storage.Store) *Ledger {
	return &Ledger{store: store}
}

// NextSeq returns 1 + the highest seqInChannel for the (channel, peer)
// pair, 1 if none exist. The per-channel counter is independent of the
// chain's global sequence.
func (l *Ledger) NextSeq(ctx context.Context, channelID, toHid string) (int64, error) {
	var max int64
	err := l.scan(ctx, channelID, toHid, func(it Item) {
		if it.SeqInChannel > max {
			max = it.SeqInChannel
		}
	})
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// ItemsSince returns undelivered items with seqInChannel > sinceSeq,
// ascending, at most limit (PullLimit if limit <= 0).
func (l *Ledger) ItemsSince(ctx context.Context, channelID, toHid string, sinceSeq int64, limit int) ([]Item, error) {
	if limit <= 0 || limit > PullLimit {
		limit = PullLimit
	}
	var out []Item
	err := l.scan(ctx, channelID, toHid, func(it Item) {
		if it.SeqInChannel > sinceSeq && it.Status != StatusDelivered {
			out = append(out, it)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqInChannel < out[j].SeqInChannel })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkDelivered sets every item for the pair with seqInChannel <=
// upToSeq to delivered. Idempotent: re-acking an already delivered
// range changes nothing.
func (l *Ledger) MarkDelivered(ctx context.Context, channelID, toHid string, upToSeq int64) error {
	return l.store.Update(ctx, func(tx storage.Tx) error {
		return tx.GetAll(storage.StoreOutbox, func(key string, raw []byte) error {
			var it Item
			if err := json.Unmarshal(raw, &it); err != nil {
				return fmt.Errorf("decode outbox %s: %w", key, err)
			}
			if it.ChannelID != channelID || it.ToHid != toHid {
				return nil
			}
			if it.SeqInChannel > upToSeq || it.Status == StatusDelivered {
				return nil
			}
			it.Status = StatusDelivered
			return tx.Put(storage.StoreOutbox, key, it)
		})
	})
}

// Items returns every row for the pair, ascending by seqInChannel.
func (l *Ledger) Items(ctx context.Context, channelID, toHid string) ([]Item, error) {
	var out []Item
	err := l.scan(ctx, channelID, toHid, func(it Item) {
		out = append(out, it)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqInChannel < out[j].SeqInChannel })
	return out, nil
}

func (l *Ledger) scan(ctx context.Context, channelID, toHid string, fn func(Item)) error {
	return l.store.View(ctx, func(tx storage.Tx) error {
		return tx.GetAll(storage.StoreOutbox, func(key string, raw []byte) error {
			var it Item
			if err := json.Unmarshal(raw, &it); err != nil {
				return fmt.Errorf("decode outbox %s: %w", key, err)
			}
			if it.ChannelID == channelID && it.ToHid == toHid {
				fn(it)
			}
			return nil
		})
	})
}
