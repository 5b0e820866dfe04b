// Package chain implements the state log engine: deterministic
// serialization, signing, replay-protected atomic append and the
// projection of chained entries into derived views.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"balancechain/internal/codec"
	"balancechain/internal/identity"
	"balancechain/internal/storage"
)

const (
	metaHead = "chain_head"
	metaLen  = "chain_len"
)

var errReplay = errors.New("chain: nonce replayed")

type nonceRow struct {
	Nonce string `json:"nonce"`
	Ts    int64  `json:"ts"`
}

// Engine appends to and projects from the local log. A process-wide
// mutex serializes the read-compute-write sequence of each append, so
// at most one append is in flight per local log (the single-writer
// choice; the stored head can therefore never go stale between the
// initial read and the commit).
type Engine struct {
	store storage.Store
	mu    sync.Mutex

	now   func() int64
	nonce func() string
}

type Option func(*Engine)

// WithClock fixes the timestamp source. Tests use this to make heads
// bit-for-bit reproducible.
func WithClock(fn func() int64) Option {
	return func(e *Engine) { e.now = fn }
}

// WithNonceSource fixes the nonce source.
func WithNonceSource(fn func() string) Option {
	return func(e *Engine) { e.nonce = fn }
}

func New(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		now:   func() int64 { return time.Now().UnixMilli() },
		nonce: func() string { return codec.RandomHex(16) },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Append builds, signs and atomically commits a locally authored
// entry, running the interpreter over it inside the same transaction.
func (e *Engine) Append(ctx context.Context, id *identity.Identity, typ string, payload map[string]any) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	head, length, err := e.headLen(ctx)
	if err != nil {
		return failure(ReasonTxAbort, err)
	}

	entry := &Entry{
		V:         1,
		Hik:       id.Hik,
		Seq:       length + 1,
		Timestamp: e.now(),
		Nonce:     e.nonce(),
		Type:      typ,
		Payload:   payload,
		PrevHash:  head,
		Author:    Author{Hik: id.Hik, PubJwk: id.PubJwk},
	}

	bodyHash, err := entry.BodyHash()
	if err != nil {
		return failure(ReasonTxAbort, err)
	}
	sig, err := id.Sign(bodyHash)
	if err != nil {
		return failure(ReasonTxAbort, err)
	}
	entry.Signature = sig

	return e.commit(ctx, entry, bodyHash)
}

// ValidateAndAppend admits an entry produced elsewhere: the signature
// must verify against the claimed author's public key and prev_hash
// must equal the current local head. Shares the commit machinery with
// Append, so replay protection and projections apply identically.
func (e *Engine) ValidateAndAppend(ctx context.Context, entry *Entry) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	bodyHash, err := entry.BodyHash()
	if err != nil {
		return failure(ReasonBadSignature, err)
	}
	if !identity.Verify(entry.Author.PubJwk, bodyHash, entry.Signature) {
		return failure(ReasonBadSignature, nil)
	}

	head, length, err := e.headLen(ctx)
	if err != nil {
		return failure(ReasonTxAbort, err)
	}
	if entry.PrevHash != head || entry.Seq != length+1 {
		return failure(ReasonBadPrevHash, nil)
	}

	return e.commit(ctx, entry, bodyHash)
}

// commit performs the one atomic multi-store write: nonce replay
// check, chain entry, nonce record, interpreter projections and head
// metadata. Any failure aborts the transaction with no partial
// effects.
func (e *Engine) commit(ctx context.Context, entry *Entry, bodyHash string) Result {
	newHead := headAfter(entry.PrevHash, bodyHash, entry.Signature, entry.Nonce, entry.Seq)

	err := e.store.Update(ctx, func(tx storage.Tx) error {
		var seen nonceRow
		switch err := tx.Get(storage.StoreNonces, entry.Nonce, &seen); {
		case err == nil:
			return errReplay
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		if err := tx.Put(storage.StoreChain, seqKey(entry.Seq), entry); err != nil {
			return err
		}
		if err := tx.Put(storage.StoreNonces, entry.Nonce, nonceRow{Nonce: entry.Nonce, Ts: entry.Timestamp}); err != nil {
			return err
		}
		if err := project(tx, entry); err != nil {
			return err
		}
		if err := tx.Put(storage.StoreMeta, metaHead, newHead); err != nil {
			return err
		}
		return tx.Put(storage.StoreMeta, metaLen, entry.Seq)
	})
	switch {
	case errors.Is(err, errReplay):
		return failure(ReasonReplay, nil)
	case err != nil:
		return failure(ReasonTxAbort, err)
	}
	return Result{OK: true, Head: newHead, Len: entry.Seq}
}

func (e *Engine) headLen(ctx context.Context) (string, int64, error) {
	head := GenesisHead
	var length int64
	err := e.store.View(ctx, func(tx storage.Tx) error {
		if err := tx.Get(storage.StoreMeta, metaHead, &head); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := tx.Get(storage.StoreMeta, metaLen, &length); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return "", 0, fmt.Errorf("read chain meta: %w", err)
	}
	return head, length, nil
}

// Head returns the current chain head hash.
func (e *Engine) Head(ctx context.Context) (string, error) {
	head, _, err := e.headLen(ctx)
	return head, err
}

// Len returns the current chain length.
func (e *Engine) Len(ctx context.Context) (int64, error) {
	_, length, err := e.headLen(ctx)
	return length, err
}

// Entries returns the full log in sequence order.
func (e *Engine) Entries(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := e.store.View(ctx, func(tx storage.Tx) error {
		return tx.GetAll(storage.StoreChain, func(key string, raw []byte) error {
			var entry Entry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("decode entry %s: %w", key, err)
			}
			out = append(out, entry)
			return nil
		})
	})
	return out, err
}
