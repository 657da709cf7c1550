// Package peer manages direct data channels between two clients, bypassing
// the backend store for message delivery. Negotiation (offer/answer/
// candidate) travels through a Signaler; payloads travel msgpack-encoded
// over the channel itself.
package peer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tetatet/internal/models"

	"github.com/pion/webrtc/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// ChannelState is the lifecycle of one peer pair's channel.
type ChannelState string

const (
	StateNoConnection ChannelState = "no-connection"
	StateConnecting   ChannelState = "connecting"
	StateOpen         ChannelState = "open"
	StateFailed       ChannelState = "failed"
)

const dataChannelLabel = "messages"

// Signaler delivers a negotiation envelope to the remote peer through the
// out-of-band relay.
type Signaler interface {
	SendSignal(env models.SignalEnvelope) error
}

type Config struct {
	SelfID   string
	Signaler Signaler
	// OnMessage receives every decoded inbound payload. The sender identity
	// is the payload's own senderId, verified against the negotiated remote
	// peer before delivery.
	OnMessage func(models.Message)

	ICEServers []string

	// Negotiation retry policy: bounded exponential backoff.
	MaxAttempts int
	RetryMin    time.Duration
	RetryMax    time.Duration

	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.SelfID == "" {
		return fmt.Errorf("peer manager needs a self ID")
	}
	if c.Signaler == nil {
		return fmt.Errorf("peer manager needs a signaler")
	}
	if len(c.ICEServers) == 0 {
		c.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryMin <= 0 {
		c.RetryMin = 500 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 8 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Manager owns one link per remote peer and bridges signaling to them.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	links  map[string]*link
	closed bool
}

type link struct {
	remoteID string
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	state    ChannelState
	attempts int

	// Candidates signaled before the remote description was applied.
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger,
		links:  make(map[string]*link),
	}, nil
}

// State reports the channel state for the given peer.
func (m *Manager) State(remoteID string) ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[remoteID]; ok {
		return l.state
	}
	return StateNoConnection
}

// Connect initiates negotiation with remoteID: creates the connection and
// the local data channel, then sends an offer through the signaler. Calling
// it while a negotiation is already underway or the channel is open is a
// no-op.
func (m *Manager) Connect(remoteID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("peer manager closed")
	}
	if l, ok := m.links[remoteID]; ok && (l.state == StateConnecting || l.state == StateOpen) {
		m.mu.Unlock()
		return nil
	}
	l, err := m.newLinkLocked(remoteID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	dc, err := l.pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		m.teardownLocked(l)
		m.mu.Unlock()
		return fmt.Errorf("%w: create data channel: %v", models.ErrNegotiationFailed, err)
	}
	m.attachDataChannel(l, dc)
	pc := l.pc
	m.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return m.failNegotiation(l, "create offer", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return m.failNegotiation(l, "set local description", err)
	}
	return m.signal(remoteID, models.Offer{SDP: offer.SDP})
}

// Teardown closes the link to remoteID explicitly, returning the pair to
// NoConnection without scheduling a retry.
func (m *Manager) Teardown(remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[remoteID]; ok {
		m.teardownLocked(l)
	}
}

// Close tears down every link.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, l := range m.links {
		if l.pc != nil {
			_ = l.pc.Close()
		}
	}
	m.links = make(map[string]*link)
}

// Send delivers a message over the open channel to recipientID. If the
// channel is not open it reports ErrChannelNotReady and triggers one repair
// attempt, so a caller retry has a chance of succeeding; it never silently
// drops the message.
func (m *Manager) Send(recipientID string, msg models.Message) error {
	m.mu.Lock()
	l, ok := m.links[recipientID]
	if !ok || l.state != StateOpen || l.dc == nil {
		m.mu.Unlock()
		if err := m.Connect(recipientID); err != nil {
			m.logger.Error("peer repair attempt failed", "peer_id", recipientID, "error", err)
		}
		return models.ErrChannelNotReady
	}
	dc := l.dc
	m.mu.Unlock()

	data, err := encodePayload(msg)
	if err != nil {
		return err
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("peer send failed: %w", err)
	}
	return nil
}

// HandleSignal processes one inbound negotiation envelope. Wire it to the
// backend client's signal subscription.
func (m *Manager) HandleSignal(env models.SignalEnvelope) {
	sig, err := env.Decode()
	if err != nil {
		m.logger.Error("undecodable signal", "from", env.From, "error", err)
		return
	}

	switch s := sig.(type) {
	case models.Offer:
		m.handleOffer(env.From, s)
	case models.Answer:
		m.handleAnswer(env.From, s)
	case models.Candidate:
		m.handleCandidate(env.From, s)
	}
}

func (m *Manager) handleOffer(from string, offer models.Offer) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	// A fresh offer supersedes whatever state the pair was in.
	l, err := m.newLinkLocked(from)
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("failed to create responder connection", "peer_id", from, "error", err)
		return
	}
	pc := l.pc
	m.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		_ = m.failNegotiation(l, "apply remote offer", err)
		return
	}
	m.flushCandidates(l)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = m.failNegotiation(l, "create answer", err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = m.failNegotiation(l, "set local description", err)
		return
	}
	if err := m.signal(from, models.Answer{SDP: answer.SDP}); err != nil {
		m.logger.Error("failed to send answer", "peer_id", from, "error", err)
	}
}

func (m *Manager) handleAnswer(from string, answer models.Answer) {
	m.mu.Lock()
	l, ok := m.links[from]
	m.mu.Unlock()
	if !ok {
		m.logger.Info("answer for unknown negotiation", "peer_id", from)
		return
	}

	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		_ = m.failNegotiation(l, "apply remote answer", err)
		return
	}
	m.flushCandidates(l)
}

func (m *Manager) handleCandidate(from string, cand models.Candidate) {
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}

	m.mu.Lock()
	l, ok := m.links[from]
	if !ok {
		m.mu.Unlock()
		return
	}
	if !l.remoteSet {
		// Too early to apply; keep until the remote description lands.
		l.pending = append(l.pending, init)
		m.mu.Unlock()
		return
	}
	pc := l.pc
	m.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		m.logger.Error("failed to add candidate", "peer_id", from, "error", err)
	}
}

func (m *Manager) flushCandidates(l *link) {
	m.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	pc := l.pc
	m.mu.Unlock()

	for _, init := range pending {
		if err := pc.AddICECandidate(init); err != nil {
			m.logger.Error("failed to add buffered candidate", "peer_id", l.remoteID, "error", err)
		}
	}
}

// newLinkLocked replaces any existing link for remoteID with a fresh
// connection in Connecting state. Caller holds m.mu.
func (m *Manager) newLinkLocked(remoteID string) (*link, error) {
	if old, ok := m.links[remoteID]; ok && old.pc != nil {
		_ = old.pc.Close()
	}

	servers := make([]webrtc.ICEServer, 0, len(m.cfg.ICEServers))
	for _, u := range m.cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrNegotiationFailed, err)
	}

	l := &link{remoteID: remoteID, pc: pc, state: StateConnecting}
	m.links[remoteID] = l

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		err := m.signal(remoteID, models.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
		if err != nil {
			m.logger.Error("failed to signal candidate", "peer_id", remoteID, "error", err)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		m.mu.Lock()
		m.attachDataChannel(l, dc)
		m.mu.Unlock()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			m.onLinkFailed(l)
		}
	})

	return l, nil
}

// attachDataChannel wires dc into the link. Caller holds m.mu.
func (m *Manager) attachDataChannel(l *link, dc *webrtc.DataChannel) {
	l.dc = dc

	dc.OnOpen(func() {
		m.mu.Lock()
		l.state = StateOpen
		l.attempts = 0
		m.mu.Unlock()
		m.logger.Info("peer channel open", "peer_id", l.remoteID)
	})

	dc.OnClose(func() {
		m.mu.Lock()
		if l.state == StateOpen {
			l.state = StateNoConnection
		}
		m.mu.Unlock()
	})

	dc.OnMessage(func(raw webrtc.DataChannelMessage) {
		msg, err := decodePayload(raw.Data)
		if err != nil {
			m.logger.Error("undecodable peer payload", "peer_id", l.remoteID, "error", err)
			return
		}
		// Bind the asserted sender to the identity established during
		// signaling; a payload claiming someone else is dropped.
		if msg.SenderID != l.remoteID {
			m.logger.Error("peer payload sender mismatch", "peer_id", l.remoteID, "asserted", msg.SenderID)
			return
		}
		if m.cfg.OnMessage != nil {
			m.cfg.OnMessage(msg)
		}
	})
}

// onLinkFailed moves the link to Failed and schedules a bounded-backoff
// renegotiation attempt.
func (m *Manager) onLinkFailed(l *link) {
	m.mu.Lock()
	if m.closed || m.links[l.remoteID] != l {
		m.mu.Unlock()
		return
	}
	l.state = StateFailed
	l.attempts++
	attempts := l.attempts

	if attempts > m.cfg.MaxAttempts {
		m.logger.Error("peer negotiation gave up", "peer_id", l.remoteID, "attempts", attempts-1)
		m.teardownLocked(l)
		m.mu.Unlock()
		return
	}

	delay := m.cfg.RetryMin << (attempts - 1)
	if delay > m.cfg.RetryMax {
		delay = m.cfg.RetryMax
	}
	remoteID := l.remoteID
	m.mu.Unlock()

	m.logger.Info("peer channel failed, retrying", "peer_id", remoteID, "attempt", attempts, "delay", delay)
	time.AfterFunc(delay, func() {
		m.mu.Lock()
		cur, ok := m.links[remoteID]
		stillFailed := ok && cur == l && cur.state == StateFailed
		attemptsSoFar := l.attempts
		m.mu.Unlock()
		if !stillFailed {
			return
		}
		if err := m.reconnect(remoteID, attemptsSoFar); err != nil {
			m.logger.Error("peer renegotiation failed", "peer_id", remoteID, "error", err)
		}
	})
}

// reconnect is Connect, but carries the failure count across the replaced
// link so backoff stays bounded.
func (m *Manager) reconnect(remoteID string, attempts int) error {
	m.mu.Lock()
	if l, ok := m.links[remoteID]; ok {
		m.teardownLocked(l)
	}
	m.mu.Unlock()

	if err := m.Connect(remoteID); err != nil {
		return err
	}

	m.mu.Lock()
	if l, ok := m.links[remoteID]; ok {
		l.attempts = attempts
	}
	m.mu.Unlock()
	return nil
}

// teardownLocked closes and forgets the link. Caller holds m.mu.
func (m *Manager) teardownLocked(l *link) {
	if l.pc != nil {
		_ = l.pc.Close()
	}
	l.state = StateNoConnection
	if m.links[l.remoteID] == l {
		delete(m.links, l.remoteID)
	}
}

func (m *Manager) failNegotiation(l *link, step string, err error) error {
	m.logger.Error("peer negotiation step failed", "peer_id", l.remoteID, "step", step, "error", err)
	m.onLinkFailed(l)
	return fmt.Errorf("%w: %s: %v", models.ErrNegotiationFailed, step, err)
}

func (m *Manager) signal(to string, sig models.Signal) error {
	env, err := models.NewSignalEnvelope(m.cfg.SelfID, to, sig)
	if err != nil {
		return err
	}
	if err := m.cfg.Signaler.SendSignal(env); err != nil {
		return fmt.Errorf("%w: signaling: %v", models.ErrNegotiationFailed, err)
	}
	return nil
}

// wirePayload is the msgpack shape sent over the data channel.
type wirePayload struct {
	ID         string `msgpack:"id"`
	SenderID   string `msgpack:"senderId"`
	ReceiverID string `msgpack:"receiverId"`
	Content    string `msgpack:"content"`
	Timestamp  int64  `msgpack:"timestamp"` // unix milliseconds
}

func encodePayload(msg models.Message) ([]byte, error) {
	return msgpack.Marshal(wirePayload{
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
		Timestamp:  msg.Timestamp.UnixMilli(),
	})
}

func decodePayload(data []byte) (models.Message, error) {
	var p wirePayload
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return models.Message{}, err
	}
	return models.Message{
		ID:         p.ID,
		SenderID:   p.SenderID,
		ReceiverID: p.ReceiverID,
		Content:    p.Content,
		Timestamp:  time.UnixMilli(p.Timestamp),
	}, nil
}
