// Package p2p runs the per-peer sync sessions: WebRTC data channels
// negotiated over the signaling relay, optional end-to-end encryption
// and the pull/batch/ack exchange that moves outbox items between
// chains.
package p2p

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"balancechain/internal/identity"
	"balancechain/internal/outbox"
	"balancechain/internal/utils/log"
)

// Status reports per-peer session transitions: created, connected,
// e2ee:ready, e2ee:error, closed and the raw transport states in
// between.
type Status struct {
	PeerHid string
	State   string
	Reason  string
}

// Handler is implemented by the session owner. OnPullRequest reads the
// outbox; OnIntentBatch appends msg.delivered entries plus one msg.ack
// and answers with an ack frame; OnAck settles the outbox.
type Handler interface {
	OnPullRequest(ctx context.Context, fromHid, channelID string, sinceSeq int64) ([]outbox.Item, error)
	OnIntentBatch(ctx context.Context, fromHid, channelID string, items []BatchItem) error
	OnAck(ctx context.Context, fromHid, channelID string, upToSeq int64) error
	OnStatus(status Status)
}

// Signaler is the slice of the signaling client sessions need.
type Signaler interface {
	Send(to string, data any) bool
}

// signalPayload is what travels through the relay during session
// setup.
type signalPayload struct {
	Kind      string                     `json:"kind"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

type Config struct {
	MyHid        string
	Signal       Signaler
	Agreement    *ecdh.PrivateKey
	AgreementPub identity.PublicJWK
	Handler      Handler
	ICEServers   []webrtc.ICEServer // optional override
}

type Manager struct {
	myHid        string
	signal       Signaler
	agreement    *ecdh.PrivateKey
	agreementPub identity.PublicJWK
	handler      Handler
	rtcCfg       webrtc.Configuration

	mu    sync.Mutex
	peers map[string]*session
}

func NewManager(cfg Config) *Manager {
	ice := cfg.ICEServers
	if len(ice) == 0 {
		ice = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return &Manager{
		myHid:        cfg.MyHid,
		signal:       cfg.Signal,
		agreement:    cfg.Agreement,
		agreementPub: cfg.AgreementPub,
		handler:      cfg.Handler,
		rtcCfg: webrtc.Configuration{
			ICEServers:           ice,
			ICECandidatePoolSize: 4,
		},
		peers: make(map[string]*session),
	}
}

// Dial initiates a session towards peerHid: transport, ordered data
// channel and an offer through the relay.
func (m *Manager) Dial(ctx context.Context, peerHid string) error {
	s, err := m.ensure(peerHid, true)
	if err != nil {
		return err
	}
	return m.offer(s)
}

// Hangup tears down the session; a fresh Dial is required to resume.
func (m *Manager) Hangup(peerHid string) {
	m.mu.Lock()
	s := m.peers[peerHid]
	m.mu.Unlock()
	if s != nil {
		m.close(s, "hangup")
	}
}

func (m *Manager) IsConnected(peerHid string) bool {
	m.mu.Lock()
	s := m.peers[peerHid]
	m.mu.Unlock()
	return s != nil && s.isOpen()
}

// WaitConnected polls until the session opens or timeout elapses. A
// false return is a normal outcome, not an error.
func (m *Manager) WaitConnected(ctx context.Context, peerHid string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.IsConnected(peerHid) {
			return true
		}
		select {
		case <-ctx.Done():
			return m.IsConnected(peerHid)
		case <-time.After(60 * time.Millisecond):
		}
	}
	return m.IsConnected(peerHid)
}

// SendPull asks the peer for outbox items after sinceSeq.
func (m *Manager) SendPull(peerHid, channelID string, sinceSeq int64) bool {
	return m.sendFrame(peerHid, frame{T: "pull", ChannelID: channelID, SinceSeq: sinceSeq})
}

// SendAck confirms delivery up to upToSeq.
func (m *Manager) SendAck(peerHid, channelID string, upToSeq int64) bool {
	return m.sendFrame(peerHid, frame{T: "ack", ChannelID: channelID, UpToSeq: upToSeq})
}

func (m *Manager) sendFrame(peerHid string, f frame) bool {
	m.mu.Lock()
	s := m.peers[peerHid]
	m.mu.Unlock()
	if s == nil || !s.isOpen() {
		return false
	}
	return s.sendFrame(f) == nil
}

// HandleSignal processes one relay message from a peer. Signals for a
// given peer must be delivered in arrival order; distinct peers are
// independent.
func (m *Manager) HandleSignal(from string, data json.RawMessage) {
	var p signalPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return // drop
	}

	switch p.Kind {
	case "offer":
		if p.SDP == nil {
			return
		}
		s, err := m.ensure(from, false)
		if err != nil {
			log.Error("p2p: responder setup failed", zap.String("peer", from), zap.Error(err))
			return
		}
		if err := s.pc.SetRemoteDescription(*p.SDP); err != nil {
			log.Debug("p2p: set offer failed", zap.Error(err))
			return
		}
		answer, err := s.pc.CreateAnswer(nil)
		if err != nil {
			log.Debug("p2p: create answer failed", zap.Error(err))
			return
		}
		if err := s.pc.SetLocalDescription(answer); err != nil {
			log.Debug("p2p: set answer failed", zap.Error(err))
			return
		}
		m.signal.Send(from, signalPayload{Kind: "answer", SDP: s.pc.LocalDescription()})

	case "answer":
		m.mu.Lock()
		s := m.peers[from]
		m.mu.Unlock()
		if s == nil || p.SDP == nil {
			return
		}
		if err := s.pc.SetRemoteDescription(*p.SDP); err != nil {
			log.Debug("p2p: set answer failed", zap.Error(err))
		}

	case "ice":
		m.mu.Lock()
		s := m.peers[from]
		m.mu.Unlock()
		if s == nil || p.Candidate == nil {
			return
		}
		// Candidates can arrive out of order with setup; failures
		// are tolerated the same way the other runtimes do.
		if err := s.pc.AddICECandidate(*p.Candidate); err != nil {
			log.Debug("p2p: add candidate failed", zap.Error(err))
		}
	}
}

func (m *Manager) ensure(peerHid string, initiator bool) (*session, error) {
	m.mu.Lock()
	if s := m.peers[peerHid]; s != nil {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	pc, err := webrtc.NewPeerConnection(m.rtcCfg)
	if err != nil {
		return nil, err
	}

	s := &session{peerHid: peerHid, initiator: initiator, pc: pc}

	// A concurrent Dial and incoming offer can both pass the fast
	// check above; only one session per peer may register, and the
	// loser's transport must not leak.
	m.mu.Lock()
	if existing := m.peers[peerHid]; existing != nil {
		m.mu.Unlock()
		_ = pc.Close()
		return existing, nil
	}
	m.peers[peerHid] = s
	m.mu.Unlock()
	m.handler.OnStatus(Status{PeerHid: peerHid, State: "created"})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		m.signal.Send(peerHid, signalPayload{Kind: "ice", Candidate: &init})
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		// Raw transport states are namespaced; "connected" is
		// reserved for the data channel actually opening.
		m.handler.OnStatus(Status{PeerHid: peerHid, State: "rtc:" + st.String()})
		switch st {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			m.close(s, st.String())
		}
	})

	if initiator {
		ordered := true
		dc, err := pc.CreateDataChannel("bc", &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			m.close(s, "create_channel")
			return nil, err
		}
		m.wire(s, dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			m.wire(s, dc)
		})
	}
	return s, nil
}

func (m *Manager) offer(s *session) error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	m.signal.Send(s.peerHid, signalPayload{Kind: "offer", SDP: s.pc.LocalDescription()})
	return nil
}

func (m *Manager) wire(s *session, dc *webrtc.DataChannel) {
	s.mu.Lock()
	if s.dc != nil {
		s.mu.Unlock()
		return
	}
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.setOpen(func(data []byte) error { return dc.Send(data) })
		m.handler.OnStatus(Status{PeerHid: s.peerHid, State: "connected"})
		// Key exchange is best effort: cleartext until both sides
		// have derived the shared key.
		if err := s.sendFrame(frame{T: "k", Pub: &m.agreementPub}); err != nil {
			log.Debug("p2p: key offer failed", zap.Error(err))
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.handleFrame(s, msg.Data)
	})
	dc.OnClose(func() {
		m.close(s, "channel_closed")
	})
}

// close removes the session from the active-peer set. In-flight
// pull/batch state is discarded; each batch item was individually
// atomic, so nothing is half applied.
func (m *Manager) close(s *session, reason string) {
	m.mu.Lock()
	current := m.peers[s.peerHid] == s
	if current {
		delete(m.peers, s.peerHid)
	}
	m.mu.Unlock()
	if !current {
		return
	}

	s.shutdown()
	m.handler.OnStatus(Status{PeerHid: s.peerHid, State: "closed", Reason: reason})
}
