package app

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"balancechain/internal/chain"
	"balancechain/internal/identity"
	"balancechain/internal/kb"
)

// handleInput routes one line from the input field: slash commands or
// a message to the current peer.
func (c *App) handleInput(text string) {
	if !strings.HasPrefix(text, "/") {
		c.sendText(text)
		return
	}
	fields := strings.Fields(text)
	switch fields[0] {
	case "/add":
		if len(fields) < 2 {
			c.printf("[red]usage: /add <hid> [nickname][-]\n")
			return
		}
		nick := ""
		if len(fields) > 2 {
			nick = strings.Join(fields[2:], " ")
		}
		c.cmdAdd(fields[1], nick)
	case "/to":
		if len(fields) != 2 {
			c.printf("[red]usage: /to <hid>[-]\n")
			return
		}
		c.cmdTo(fields[1])
	case "/search":
		if len(fields) < 2 {
			c.printf("[red]usage: /search <query>[-]\n")
			return
		}
		c.cmdSearch(strings.Join(fields[1:], " "))
	case "/pull":
		c.cmdPull()
	case "/quit":
		c.Stop()
	default:
		c.printf("[red]unknown command %s[-]\n", fields[0])
	}
}

func (c *App) cmdAdd(hid, nickname string) {
	// Directory lookup is advisory: a relay without one, or a peer
	// that has not published yet, still gets added.
	if rec, err := c.fetchPeerKeys(context.Background(), hid); err == nil && rec != nil {
		if identity.ComputeHID(rec.PubJwk) != hid {
			c.printf("[red]directory record for %s does not match its keys[-]\n", shortHid(hid))
			return
		}
	}
	res := c.engine.Append(context.Background(), c.id, chain.TypeContactAdd, map[string]any{
		"hid":      hid,
		"nickname": nickname,
	})
	if !res.OK {
		c.printf("[red]add contact failed: %v[-]\n", res.Err)
		return
	}
	c.printf("[grey]contact %s added[-]\n", shortHid(hid))
}

// cmdTo selects the conversation peer, chains the channel open if it
// is new, and dials the peer session.
func (c *App) cmdTo(hid string) {
	ctx := context.Background()
	channelID := identity.DeriveChannelID(c.id.HID(), hid)

	c.mu.Lock()
	c.toHid = hid
	c.channelID = channelID
	c.mu.Unlock()

	ch, err := c.engine.Channel(ctx, channelID)
	if err != nil {
		c.printf("[red]load channel failed: %v[-]\n", err)
		return
	}
	if ch == nil {
		res := c.engine.Append(ctx, c.id, chain.TypeChannelOpen, map[string]any{
			"channelId": channelID,
			"peerHid":   hid,
		})
		if !res.OK {
			c.printf("[red]open channel failed: %v[-]\n", res.Err)
			return
		}
	}

	c.redraw()
	if err := c.peers.Dial(ctx, hid); err != nil {
		c.setStatus("[grey]dialing %s failed: %v[-]", shortHid(hid), err)
		return
	}
	c.setStatus("[grey]dialing %s…[-]", shortHid(hid))
}

func (c *App) cmdSearch(query string) {
	results, err := c.index.Search(context.Background(), query, kb.SearchOptions{})
	if err != nil {
		c.printf("[red]search failed: %v[-]\n", err)
		return
	}
	if len(results) == 0 {
		c.printf("[grey]no matches for %q[-]\n", query)
		return
	}
	c.printf("[grey]-- %d matches for %q --[-]\n", len(results), query)
	for _, r := range results {
		c.printf("[grey]%s[-] %s\n", shortHid(r.PeerHid), r.Text)
	}
}

// cmdPull re-requests new items on the current channel.
func (c *App) cmdPull() {
	c.mu.Lock()
	to := c.toHid
	channelID := c.channelID
	c.mu.Unlock()
	if to == "" {
		c.printf("[red]no peer selected, use /to <hid>[-]\n")
		return
	}
	ch, err := c.engine.Channel(context.Background(), channelID)
	if err != nil {
		c.printf("[red]load channel failed: %v[-]\n", err)
		return
	}
	var since int64
	if ch != nil {
		since = ch.LastPulledSeq
	}
	if !c.peers.SendPull(to, channelID, since) {
		c.printf("[grey]peer not connected yet[-]\n")
	}
}

// sendText chains the message intent and its local echo, indexes it,
// and makes sure a session towards the peer is up so it can pull.
func (c *App) sendText(text string) {
	ctx := context.Background()

	c.mu.Lock()
	to := c.toHid
	channelID := c.channelID
	c.mu.Unlock()
	if to == "" {
		c.printf("[red]no peer selected, use /to <hid>[-]\n")
		return
	}

	seq, err := c.ledger.NextSeq(ctx, channelID, to)
	if err != nil {
		c.printf("[red]outbox failed: %v[-]\n", err)
		return
	}
	msgID := uuid.NewString()

	res := c.engine.Append(ctx, c.id, chain.TypeMsgIntent, map[string]any{
		"msgId":        msgID,
		"channelId":    channelID,
		"toHid":        to,
		"seqInChannel": seq,
		"text":         text,
	})
	if !res.OK {
		c.printf("[red]chain append failed: %v[-]\n", res.Err)
		return
	}
	res = c.engine.Append(ctx, c.id, chain.TypeMsgSent, map[string]any{
		"msgId":     msgID,
		"channelId": channelID,
		"toHid":     to,
		"text":      text,
	})
	if !res.OK {
		c.printf("[red]chain append failed: %v[-]\n", res.Err)
		return
	}

	err = c.index.UpsertMessage(ctx, kb.Doc{
		ID:      msgID,
		PeerHid: to,
		Dir:     chain.DirOut,
		Text:    text,
	})
	if err != nil {
		c.printf("[red]index failed: %v[-]\n", err)
	}

	c.redraw()

	if !c.peers.IsConnected(to) {
		if err := c.peers.Dial(ctx, to); err != nil {
			c.setStatus("[grey]queued; dialing %s failed: %v[-]", shortHid(to), err)
		}
	}
}
