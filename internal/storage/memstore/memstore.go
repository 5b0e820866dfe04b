// Package memstore is an in-memory implementation of the storage
// collaborator for tests and ephemeral runs. Writes are staged per
// transaction and applied only when the transaction function returns
// nil, giving the same all-or-nothing behaviour as the durable
// backend.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"balancechain/internal/storage"
)

type Store struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

func New() *Store {
	return &Store{data: make(map[string]map[string][]byte)}
}

func (s *Store) View(ctx context.Context, fn func(storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&tx{store: s, readOnly: true})
}

func (s *Store) Update(ctx context.Context, fn func(storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{store: s, staged: make(map[string]map[string]*[]byte)}
	if err := fn(t); err != nil {
		return err
	}
	t.apply()
	return nil
}

func (s *Store) Close() error { return nil }

// tx stages writes in an overlay: a nil value pointer marks a delete.
type tx struct {
	store    *Store
	readOnly bool
	staged   map[string]map[string]*[]byte
}

func (t *tx) Get(store, key string, out any) error {
	if t.staged != nil {
		if ov, ok := t.staged[store]; ok {
			if vp, ok := ov[key]; ok {
				if vp == nil {
					return storage.ErrNotFound
				}
				return json.Unmarshal(*vp, out)
			}
		}
	}
	raw, ok := t.store.data[store][key]
	if !ok {
		return storage.ErrNotFound
	}
	return json.Unmarshal(raw, out)
}

func (t *tx) Put(store, key string, value any) error {
	if t.readOnly {
		return fmt.Errorf("memstore: put in read-only transaction")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("memstore: marshal %s/%s: %w", store, key, err)
	}
	if t.staged[store] == nil {
		t.staged[store] = make(map[string]*[]byte)
	}
	t.staged[store][key] = &raw
	return nil
}

func (t *tx) Delete(store, key string) error {
	if t.readOnly {
		return fmt.Errorf("memstore: delete in read-only transaction")
	}
	if t.staged[store] == nil {
		t.staged[store] = make(map[string]*[]byte)
	}
	t.staged[store][key] = nil
	return nil
}

func (t *tx) GetAll(store string, fn func(key string, raw []byte) error) error {
	merged := make(map[string][]byte, len(t.store.data[store]))
	for k, v := range t.store.data[store] {
		merged[k] = v
	}
	if t.staged != nil {
		for k, vp := range t.staged[store] {
			if vp == nil {
				delete(merged, k)
			} else {
				merged[k] = *vp
			}
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, merged[k]); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) apply() {
	for store, ov := range t.staged {
		if t.store.data[store] == nil {
			t.store.data[store] = make(map[string][]byte)
		}
		for k, vp := range ov {
			if vp == nil {
				delete(t.store.data[store], k)
			} else {
				t.store.data[store][k] = *vp
			}
		}
	}
}
