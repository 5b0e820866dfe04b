// Package storage defines the transactional key-space the engine and
// ledgers write through. It is the only shared mutable resource in the
// system: every append commits all of its keys in one transaction or
// not at all.
package storage

import (
	"context"
	"errors"
)

// Logical store names. Each behaves as an independent key space inside
// the same transactional database.
const (
	StoreChain      = "state_chain"
	StoreNonces     = "sync_log"
	StoreMessages   = "messages"
	StoreMeta       = "meta"
	StoreKeys       = "keys"
	StoreContacts   = "contacts"
	StoreChannels   = "channels"
	StoreOutbox     = "outbox"
	StorePresence   = "presence"
	StoreKBDocs     = "kb_docs"
	StoreKBTerms    = "kb_terms"
	StoreKBEntities = "kb_entities"
)

// ErrNotFound is returned by Tx.Get when the key does not exist.
var ErrNotFound = errors.New("storage: not found")

// Tx is a transaction over the key-space. Values are JSON encoded.
type Tx interface {
	// Get decodes the value at (store, key) into out.
	Get(store, key string, out any) error
	Put(store, key string, value any) error
	Delete(store, key string) error
	// GetAll visits every key in a store in ascending key order.
	GetAll(store string, fn func(key string, raw []byte) error) error
}

// Store is the storage collaborator. Update runs fn inside a writable
// transaction; if fn returns an error nothing fn wrote is observable.
type Store interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}
