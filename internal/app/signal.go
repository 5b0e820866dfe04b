package app

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"balancechain/internal/chain"
	"balancechain/internal/signaling"
	"balancechain/internal/utils/log"
)

const presenceTTL = 60 * time.Second

// presenceHint is the out-of-band liveness ping peers broadcast to
// their contacts through the relay. Never chained.
type presenceHint struct {
	Kind string `json:"kind"`
	Ts   int64  `json:"ts"`
}

// onSignal dispatches one relay message: presence hints update the
// soft presence view, everything else belongs to session setup.
func (c *App) onSignal(from string, data json.RawMessage) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return // drop
	}

	if probe.Kind == "presence" {
		var hint presenceHint
		if err := json.Unmarshal(data, &hint); err != nil {
			return
		}
		err := c.engine.UpsertPresence(context.Background(), chain.Presence{
			Hid:       from,
			Ts:        hint.Ts,
			ExpiresAt: time.Now().Add(presenceTTL).UnixMilli(),
		})
		if err != nil {
			log.Error("record presence failed", zap.Error(err))
		}
		return
	}

	c.peers.HandleSignal(from, data)
}

func (c *App) onSignalStatus(s signaling.Status) {
	switch s.State {
	case "open":
		c.setStatus("[grey]relay: connected (%s)[-]", s.URL)
	case "retrying":
		c.setStatus("[grey]relay: retrying in %s[-]", s.Wait)
	case "nack":
		c.setStatus("[grey]%s is offline, message queued[-]", shortHid(s.To))
	case "closed":
		c.setStatus("[grey]relay: disconnected[-]")
	}
}

// presenceLoop broadcasts liveness to known contacts while the app
// runs.
func (c *App) presenceLoop(ctx context.Context) {
	ticker := time.NewTicker(presenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		contacts, err := c.engine.Contacts(ctx)
		if err != nil {
			log.Error("load contacts failed", zap.Error(err))
			continue
		}
		if len(contacts) == 0 {
			continue
		}
		hids := make([]string, 0, len(contacts))
		for _, ct := range contacts {
			hids = append(hids, ct.Hid)
		}
		c.signal.Broadcast(hids, presenceHint{Kind: "presence", Ts: time.Now().UnixMilli()})
	}
}
