package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"balancechain/internal/cryptographic/dh"
	"balancechain/internal/cryptographic/kdf"
	"balancechain/internal/identity"
	"balancechain/internal/utils/log"
)

const hkdfInfo = "bc/e2ee/v1"

var errNotOpen = errors.New("session not open")

type session struct {
	peerHid   string
	initiator bool
	pc        *webrtc.PeerConnection

	mu   sync.Mutex
	dc   *webrtc.DataChannel
	open bool
	send func(data []byte) error
	key  []byte // nil until the k exchange completes
}

func (s *session) setOpen(send func(data []byte) error) {
	s.mu.Lock()
	s.open = true
	s.send = send
	s.mu.Unlock()
}

func (s *session) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *session) sharedKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

func (s *session) sendFrame(f frame) error {
	s.mu.Lock()
	send := s.send
	s.mu.Unlock()
	if send == nil {
		return errNotOpen
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return send(raw)
}

func (s *session) shutdown() {
	s.mu.Lock()
	s.open = false
	s.send = nil
	s.mu.Unlock()
	if s.pc != nil {
		_ = s.pc.Close()
	}
}

// handleFrame dispatches one data-channel message. Unparseable frames
// and unknown kinds are dropped without closing the session.
func (m *Manager) handleFrame(s *session, raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return
	}
	ctx := context.Background()

	switch f.T {
	case "k":
		m.handleKey(s, f)

	case "pull":
		m.handlePull(ctx, s, f)

	case "batch":
		m.handleBatch(ctx, s, f)

	case "ack":
		if err := m.handler.OnAck(ctx, s.peerHid, f.ChannelID, f.UpToSeq); err != nil {
			log.Debug("p2p: ack handler failed", zap.Error(err))
		}
	}
}

func (m *Manager) handleKey(s *session, f frame) {
	if f.Pub == nil {
		return
	}
	peer, err := identity.ImportAgreementPublic(*f.Pub)
	if err != nil {
		m.handler.OnStatus(Status{PeerHid: s.peerHid, State: "e2ee:error", Reason: err.Error()})
		return
	}
	secret, err := dh.SharedSecret(m.agreement, peer)
	if err != nil {
		m.handler.OnStatus(Status{PeerHid: s.peerHid, State: "e2ee:error", Reason: err.Error()})
		return
	}
	key := make([]byte, 32)
	if _, err := kdf.HKDF(secret, nil, []byte(hkdfInfo), key); err != nil {
		m.handler.OnStatus(Status{PeerHid: s.peerHid, State: "e2ee:error", Reason: err.Error()})
		return
	}
	s.mu.Lock()
	s.key = key
	s.mu.Unlock()
	m.handler.OnStatus(Status{PeerHid: s.peerHid, State: "e2ee:ready"})
}

// handlePull answers a pull with at most one batch frame. Items come
// from the owner's outbox; each is encrypted when the shared key is
// in place, otherwise sent as cleartext.
func (m *Manager) handlePull(ctx context.Context, s *session, f frame) {
	items, err := m.handler.OnPullRequest(ctx, s.peerHid, f.ChannelID, f.SinceSeq)
	if err != nil {
		log.Debug("p2p: pull handler failed", zap.Error(err))
		return
	}
	key := s.sharedKey()
	out := frame{T: "batch", ChannelID: f.ChannelID, E2EE: key != nil}
	for _, it := range items {
		bi := BatchItem{Seq: it.SeqInChannel, MsgID: it.ID, Text: it.Text, Ts: it.CreatedAt}
		if key != nil {
			wi, err := encryptItem(key, bi)
			if err != nil {
				log.Debug("p2p: encrypt failed", zap.Error(err))
				continue
			}
			out.Items = append(out.Items, wi)
		} else {
			out.Items = append(out.Items, wireItem{Seq: bi.Seq, MsgID: bi.MsgID, Ts: bi.Ts, Text: bi.Text})
		}
	}
	if err := s.sendFrame(out); err != nil {
		log.Debug("p2p: batch send failed", zap.Error(err))
	}
}

// handleBatch decrypts incoming items and hands them to the owner.
// Items that fail to decrypt are dropped silently; the rest of the
// batch still applies.
func (m *Manager) handleBatch(ctx context.Context, s *session, f frame) {
	key := s.sharedKey()
	var items []BatchItem
	for _, wi := range f.Items {
		if wi.CT != "" {
			if key == nil {
				continue
			}
			bi, err := decryptItem(key, wi)
			if err != nil {
				continue
			}
			items = append(items, bi)
			continue
		}
		if wi.Text == "" {
			continue
		}
		items = append(items, BatchItem{Seq: wi.Seq, MsgID: wi.MsgID, Text: wi.Text, Ts: wi.Ts})
	}
	if len(items) == 0 {
		return
	}
	if err := m.handler.OnIntentBatch(ctx, s.peerHid, f.ChannelID, items); err != nil {
		log.Debug("p2p: batch handler failed", zap.Error(err))
	}
}
