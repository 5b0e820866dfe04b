package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"balancechain/internal/identity"
	"balancechain/internal/repository/directory"
	"balancechain/internal/storage"
	"balancechain/internal/utils/log"
)

const selfKey = "self"

// loadOrCreateIdentity restores the local identity from the keys
// store, generating and persisting a fresh one on first run.
func (c *App) loadOrCreateIdentity(ctx context.Context) (*identity.Identity, error) {
	var rec identity.Record
	err := c.store.View(ctx, func(tx storage.Tx) error {
		return tx.Get(storage.StoreKeys, selfKey, &rec)
	})
	if err == nil {
		return identity.Import(rec)
	}
	if err != storage.ErrNotFound {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	id, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	rec, err = id.Export(time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	err = c.store.Update(ctx, func(tx storage.Tx) error {
		return tx.Put(storage.StoreKeys, selfKey, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return id, nil
}

// publishKeys registers the public keys with the relay's directory so
// peers can look them up before first contact. Best effort: relays
// without a directory just 404.
func (c *App) publishKeys(ctx context.Context) {
	rec := directory.Record{
		Hid:    c.id.HID(),
		Hik:    c.id.Hik,
		PubJwk: c.id.PubJwk,
		DhJwk:  c.id.DhJwk,
	}
	body, err := json.Marshal(rec)
	if err != nil {
		log.Error("marshal key record failed", zap.Error(err))
		return
	}

	for _, raw := range c.cfg.RelayURLs {
		u := httpBase(raw) + "/keys"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Debug("publish keys failed", zap.String("url", u), zap.Error(err))
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return
		}
	}
}

// fetchPeerKeys looks up a peer's published keys by HID.
func (c *App) fetchPeerKeys(ctx context.Context, hid string) (*directory.Record, error) {
	var lastErr error
	for _, raw := range c.cfg.RelayURLs {
		u := httpBase(raw) + "/keys/" + hid
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("keys lookup: %s", resp.Status)
			continue
		}
		var rec directory.Record
		err = json.NewDecoder(resp.Body).Decode(&rec)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return &rec, nil
	}
	return nil, lastErr
}

// httpBase turns a relay websocket URL into its HTTP origin.
func httpBase(wsURL string) string {
	u := strings.TrimSuffix(wsURL, "/signal")
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	}
	return u
}
