package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"balancechain/internal/storage"
)

// Message direction values.
const (
	DirIn    = "in"
	DirOut   = "out"
	DirLocal = "local"
)

// Message is the flat, queryable projection of chat-bearing entry
// types. Never written directly; only by the interpreter.
type Message struct {
	ID      string `json:"id"`
	Seq     int64  `json:"seq"`
	Ts      int64  `json:"ts"`
	Dir     string `json:"dir"`
	Peer    string `json:"peer,omitempty"`
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
	Hik     string `json:"hik,omitempty"`
}

type Contact struct {
	Hid      string `json:"hid"`
	Nickname string `json:"nickname"`
	AddedAt  int64  `json:"addedAt"`
}

type Channel struct {
	ID            string `json:"id"`
	PeerHid       string `json:"peerHid"`
	LastPulledSeq int64  `json:"lastPulledSeq"`
	LastAckedSeq  int64  `json:"lastAckedSeq"`
	CreatedAt     int64  `json:"createdAt"`
}

// Presence is a soft, TTL-expiring hint written from out-of-band
// relay messages. Not chained and not authoritative.
type Presence struct {
	Hid       string         `json:"hid"`
	Ts        int64          `json:"ts"`
	ExpiresAt int64          `json:"expiresAt"`
	Hints     map[string]any `json:"hints,omitempty"`
}

// Messages returns the message view sorted by chain sequence.
func (e *Engine) Messages(ctx context.Context) ([]Message, error) {
	var out []Message
	err := e.store.View(ctx, func(tx storage.Tx) error {
		return tx.GetAll(storage.StoreMessages, func(key string, raw []byte) error {
			var m Message
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("decode message %s: %w", key, err)
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (e *Engine) Contacts(ctx context.Context) ([]Contact, error) {
	var out []Contact
	err := e.store.View(ctx, func(tx storage.Tx) error {
		return tx.GetAll(storage.StoreContacts, func(key string, raw []byte) error {
			var c Contact
			if err := json.Unmarshal(raw, &c); err != nil {
				return fmt.Errorf("decode contact %s: %w", key, err)
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

func (e *Engine) Channels(ctx context.Context) ([]Channel, error) {
	var out []Channel
	err := e.store.View(ctx, func(tx storage.Tx) error {
		return tx.GetAll(storage.StoreChannels, func(key string, raw []byte) error {
			var c Channel
			if err := json.Unmarshal(raw, &c); err != nil {
				return fmt.Errorf("decode channel %s: %w", key, err)
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// Channel returns one channel row, nil if the channel is unknown.
func (e *Engine) Channel(ctx context.Context, id string) (*Channel, error) {
	var ch Channel
	err := e.store.View(ctx, func(tx storage.Tx) error {
		return tx.Get(storage.StoreChannels, id, &ch)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// UpsertPresence records a presence hint.
func (e *Engine) UpsertPresence(ctx context.Context, p Presence) error {
	return e.store.Update(ctx, func(tx storage.Tx) error {
		return tx.Put(storage.StorePresence, p.Hid, p)
	})
}

// Presence returns the hint for hid, nil if absent or expired at
// nowMillis.
func (e *Engine) Presence(ctx context.Context, hid string, nowMillis int64) (*Presence, error) {
	var p Presence
	err := e.store.View(ctx, func(tx storage.Tx) error {
		return tx.Get(storage.StorePresence, hid, &p)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.ExpiresAt != 0 && p.ExpiresAt <= nowMillis {
		return nil, nil
	}
	return &p, nil
}
