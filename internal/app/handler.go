package app

import (
	"context"

	"go.uber.org/zap"

	"balancechain/internal/chain"
	"balancechain/internal/kb"
	"balancechain/internal/outbox"
	"balancechain/internal/p2p"
	"balancechain/internal/utils/log"
)

// OnPullRequest serves the peer's pull from the local outbox.
func (c *App) OnPullRequest(ctx context.Context, fromHid, channelID string, sinceSeq int64) ([]outbox.Item, error) {
	return c.ledger.ItemsSince(ctx, channelID, fromHid, sinceSeq, outbox.PullLimit)
}

// OnIntentBatch records each pulled message on the local chain, then
// chains and sends one acknowledgement for the highest sequence seen.
func (c *App) OnIntentBatch(ctx context.Context, fromHid, channelID string, items []p2p.BatchItem) error {
	var max int64
	for _, it := range items {
		res := c.engine.Append(ctx, c.id, chain.TypeMsgDelivered, map[string]any{
			"msgId":     it.MsgID,
			"channelId": channelID,
			"fromHid":   fromHid,
			"text":      it.Text,
			"ts":        it.Ts,
		})
		if !res.OK {
			return res.Err
		}
		if it.Seq > max {
			max = it.Seq
		}
		err := c.index.UpsertMessage(ctx, kb.Doc{
			ID:      it.MsgID,
			PeerHid: fromHid,
			Dir:     chain.DirIn,
			Ts:      it.Ts,
			Text:    it.Text,
		})
		if err != nil {
			log.Error("index message failed", zap.Error(err))
		}
	}
	if max == 0 {
		return nil
	}

	res := c.engine.Append(ctx, c.id, chain.TypeMsgAck, map[string]any{
		"channelId": channelID,
		"peerHid":   fromHid,
		"upToSeq":   max,
	})
	if !res.OK {
		return res.Err
	}
	c.peers.SendAck(fromHid, channelID, max)
	c.redraw()
	return nil
}

// OnAck settles delivered outbox rows.
func (c *App) OnAck(ctx context.Context, fromHid, channelID string, upToSeq int64) error {
	if err := c.ledger.MarkDelivered(ctx, channelID, fromHid, upToSeq); err != nil {
		return err
	}
	c.setStatus("[grey]delivered up to %d on %s[-]", upToSeq, channelID)
	return nil
}

// OnStatus reacts to session transitions: once a peer connects, pull
// every channel shared with it from where we left off.
func (c *App) OnStatus(status p2p.Status) {
	switch status.State {
	case "connected":
		c.setStatus("[grey]peer %s: connected[-]", shortHid(status.PeerHid))
	case "e2ee:ready", "e2ee:error":
		// Pull once keying settles either way; without a shared key
		// the session falls back to cleartext items.
		c.setStatus("[grey]peer %s: %s[-]", shortHid(status.PeerHid), status.State)
		go c.pullFromPeer(status.PeerHid)
	case "closed":
		c.setStatus("[grey]peer %s: closed (%s)[-]", shortHid(status.PeerHid), status.Reason)
	}
}

// pullFromPeer requests everything new on each channel shared with the
// peer.
func (c *App) pullFromPeer(peerHid string) {
	ctx := context.Background()
	channels, err := c.engine.Channels(ctx)
	if err != nil {
		log.Error("load channels failed", zap.Error(err))
		return
	}
	pulled := false
	for _, ch := range channels {
		if ch.PeerHid != peerHid {
			continue
		}
		c.peers.SendPull(peerHid, ch.ID, ch.LastPulledSeq)
		pulled = true
	}
	if pulled {
		return
	}
	// No chained channel yet: first contact from this peer.
	c.mu.Lock()
	channelID := c.channelID
	to := c.toHid
	c.mu.Unlock()
	if to == peerHid && channelID != "" {
		c.peers.SendPull(peerHid, channelID, 0)
	}
}
