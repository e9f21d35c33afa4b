// Package peer coordinates all peer links for a local session: one state
// machine per remote session id, driven by relayed negotiation messages.
package peer

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/VasuS609/RealtimApp/model"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	defaultGracePeriod = 5 * time.Second

	dataChannelLabel = "chat"
)

var defaultRTCConfig = webrtc.Configuration{
	ICEServers: []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	},
}

// Sender delivers negotiation messages to the relay.
type Sender interface {
	SendOffer(to string, sdp json.RawMessage) error
	SendAnswer(to string, sdp json.RawMessage) error
	SendCandidate(to string, candidate json.RawMessage) error
	LeaveRoom() error
}

type Config struct {
	Signal      Sender
	Media       MediaSource
	RTC         *webrtc.Configuration
	GracePeriod time.Duration
	Logger      *zerolog.Logger

	// OnRemoteTrack fires when a remote media track arrives for a peer.
	OnRemoteTrack func(peerID string, track *webrtc.TrackRemote)
	// OnPeerMessage fires for every broadcast message received over a
	// peer's data channel.
	OnPeerMessage func(peerID string, msg BroadcastMessage)
	// OnPeerClosed fires when a peer's link is torn down, so the caller can
	// drop that peer's remote streams.
	OnPeerClosed func(peerID string)
}

// Manager owns every Link of the local session. Discovery of a peer (via the
// membership snapshot or an incoming offer) creates a link; explicit leaves,
// failures and room exit destroy it.
type Manager struct {
	signal        Sender
	media         MediaSource
	rtc           webrtc.Configuration
	grace         time.Duration
	logger        zerolog.Logger
	onRemoteTrack func(string, *webrtc.TrackRemote)
	onPeerMessage func(string, BroadcastMessage)
	onPeerClosed  func(string)

	mx     sync.Mutex
	selfID string
	links  map[string]*Link

	// attach wires a fresh link to an RTC session; swapped out in tests.
	attach func(l *Link) error
}

func NewManager(cfg Config) *Manager {
	media := cfg.Media
	if media == nil {
		media = NopSource{}
	}
	rtc := defaultRTCConfig
	if cfg.RTC != nil {
		rtc = *cfg.RTC
	}
	grace := cfg.GracePeriod
	if grace == 0 {
		grace = defaultGracePeriod
	}
	m := &Manager{
		signal:        cfg.Signal,
		media:         media,
		rtc:           rtc,
		grace:         grace,
		logger:        cfg.Logger.With().Str("component", "peer-manager").Logger(),
		onRemoteTrack: cfg.OnRemoteTrack,
		onPeerMessage: cfg.OnPeerMessage,
		onPeerClosed:  cfg.OnPeerClosed,
		links:         make(map[string]*Link),
	}
	m.attach = m.attachRTC
	return m
}

// SelfID returns the server-assigned session id, empty until welcome arrives.
func (m *Manager) SelfID() string {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.selfID
}

// Peers returns the ids of all current links.
func (m *Manager) Peers() []string {
	m.mx.Lock()
	defer m.mx.Unlock()
	peers := make([]string, 0, len(m.links))
	for id := range m.links {
		peers = append(peers, id)
	}
	return peers
}

// HandleEvent dispatches one decoded signaling envelope. All negotiation for
// a session flows through here from a single control flow, so individual
// handlers never race each other for the same peer.
func (m *Manager) HandleEvent(env model.Envelope) {
	switch env.Type {
	case model.TypeWelcome:
		m.mx.Lock()
		m.selfID = env.PeerID
		m.mx.Unlock()
		m.logger.Info().Str("sessionID", env.PeerID).Msg("session established")

	case model.TypeExistingUsers:
		// The joiner initiates towards everyone already in the room; the
		// existing members will learn about us from new-user and wait for
		// our offers.
		for _, id := range env.Peers {
			m.offerTo(id)
		}

	case model.TypeNewUser:
		m.logger.Debug().Str("peerID", env.PeerID).Msg("peer joined, awaiting their offer")

	case model.TypeOffer:
		m.handleOffer(env.From, env.SDP)

	case model.TypeAnswer:
		m.handleAnswer(env.From, env.SDP)

	case model.TypeICECandidate:
		m.handleCandidate(env.From, env.Candidate)

	case model.TypeUserLeft:
		m.logger.Debug().Str("peerID", env.PeerID).Msg("peer left")
		m.teardown(env.PeerID, LinkClosed)

	case model.TypeError:
		m.logger.Warn().Str("message", env.Message).Msg("relay reported error")

	default:
		m.logger.Debug().Str("type", env.Type).Msg("ignoring unknown event")
	}
}

// Broadcast fans msg out over every open data channel.
func (m *Manager) Broadcast(msg BroadcastMessage) error {
	b, err := msgpack.Marshal(&msg)
	if err != nil {
		return err
	}

	m.mx.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mx.Unlock()

	for _, l := range links {
		dc := l.Channel()
		if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
			continue
		}
		if err := dc.Send(b); err != nil {
			m.logger.Warn().Err(err).
				Str("peerID", l.peerID).
				Msg("data channel send failed")
		}
	}
	return nil
}

// Leave stops local media, tears down every link and notifies the relay.
// The caller disconnects the transport afterwards.
func (m *Manager) Leave() {
	m.media.Stop()

	m.mx.Lock()
	links := m.links
	m.links = make(map[string]*Link)
	m.mx.Unlock()

	for _, l := range links {
		l.close(LinkClosed)
		if m.onPeerClosed != nil {
			m.onPeerClosed(l.peerID)
		}
	}

	if err := m.signal.LeaveRoom(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to send leave notification")
	}
	m.logger.Info().Msg("left room")
}

func (m *Manager) offerTo(peerID string) {
	l, created := m.ensureLink(peerID, RoleOfferer)
	if !created {
		return
	}
	if err := m.attach(l); err != nil {
		m.logger.Error().Err(err).Str("peerID", peerID).Msg("failed to set up link")
		m.teardown(peerID, LinkFailed)
		return
	}

	offer, err := l.createOffer()
	if err != nil {
		m.logger.Error().Err(err).Str("peerID", peerID).Msg("failed to create offer")
		m.teardown(peerID, LinkFailed)
		return
	}
	b, _ := json.Marshal(offer)
	if err = m.signal.SendOffer(peerID, b); err != nil {
		m.logger.Error().Err(err).Str("peerID", peerID).Msg("failed to send offer")
		m.teardown(peerID, LinkFailed)
	}
}

func (m *Manager) handleOffer(from string, raw json.RawMessage) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		m.logger.Error().Err(err).Str("peerID", from).Msg("malformed offer")
		return
	}

	l, created := m.ensureLink(from, RoleAnswerer)
	if !created {
		// Both sides raced to initiate, or a duplicate got relayed; one
		// link per peer, first negotiation wins.
		m.logger.Warn().Str("peerID", from).Msg("link already exists, ignoring offer")
		return
	}
	if err := m.attach(l); err != nil {
		m.logger.Error().Err(err).Str("peerID", from).Msg("failed to set up link")
		m.teardown(from, LinkFailed)
		return
	}

	answer, err := l.acceptOffer(offer)
	if err != nil {
		m.logger.Error().Err(err).Str("peerID", from).Msg("failed to answer offer")
		m.teardown(from, LinkFailed)
		return
	}
	b, _ := json.Marshal(answer)
	if err = m.signal.SendAnswer(from, b); err != nil {
		m.logger.Error().Err(err).Str("peerID", from).Msg("failed to send answer")
		m.teardown(from, LinkFailed)
	}
}

func (m *Manager) handleAnswer(from string, raw json.RawMessage) {
	l := m.link(from)
	if l == nil {
		m.logger.Debug().Str("peerID", from).Msg("discarding answer for unknown link")
		return
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		m.logger.Error().Err(err).Str("peerID", from).Msg("malformed answer")
		return
	}
	if err := l.acceptAnswer(answer); err != nil {
		m.logger.Error().Err(err).Str("peerID", from).Msg("failed to apply answer")
		m.teardown(from, LinkFailed)
	}
}

func (m *Manager) handleCandidate(from string, raw json.RawMessage) {
	l := m.link(from)
	if l == nil {
		m.logger.Debug().Str("peerID", from).Msg("discarding candidate for unknown link")
		return
	}

	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		m.logger.Error().Err(err).Str("peerID", from).Msg("malformed candidate")
		return
	}
	if err := l.addCandidate(candidate); err != nil {
		m.logger.Warn().Err(err).Str("peerID", from).Msg("failed to apply candidate")
	}
}

// ensureLink returns the link for peerID, creating it when absent. The
// second return value reports whether this call created it.
func (m *Manager) ensureLink(peerID string, role Role) (*Link, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if l, ok := m.links[peerID]; ok {
		return l, false
	}
	l := newLink(peerID, role, m.logger)
	m.links[peerID] = l
	return l, true
}

func (m *Manager) link(peerID string) *Link {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.links[peerID]
}

func (m *Manager) teardown(peerID string, to LinkState) {
	m.mx.Lock()
	l, ok := m.links[peerID]
	delete(m.links, peerID)
	m.mx.Unlock()

	if !ok {
		return
	}
	l.close(to)
	if m.onPeerClosed != nil {
		m.onPeerClosed(peerID)
	}
	m.logger.Debug().
		Str("peerID", peerID).
		Str("state", to.String()).
		Msg("link torn down")
}

// attachRTC backs a link with a real peer connection: local tracks first,
// then the trickle-ICE and lifecycle callbacks, then the data channel.
func (m *Manager) attachRTC(l *Link) error {
	pc, err := webrtc.NewPeerConnection(m.rtc)
	if err != nil {
		return err
	}

	for _, track := range m.media.Tracks() {
		if _, err = pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, _ := json.Marshal(c.ToJSON())
		if sendErr := m.signal.SendCandidate(l.peerID, b); sendErr != nil {
			m.logger.Warn().Err(sendErr).
				Str("peerID", l.peerID).
				Msg("failed to send candidate")
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.logger.Debug().
			Str("peerID", l.peerID).
			Str("kind", track.Kind().String()).
			Msg("remote track")
		if m.onRemoteTrack != nil {
			m.onRemoteTrack(l.peerID, track)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.handleConnectionState(l, s)
	})

	if l.role == RoleOfferer {
		dc, dcErr := pc.CreateDataChannel(dataChannelLabel, nil)
		if dcErr != nil {
			_ = pc.Close()
			return dcErr
		}
		m.setupChannel(l, dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			m.setupChannel(l, dc)
		})
	}

	l.setSession(pc)
	return nil
}

func (m *Manager) handleConnectionState(l *Link, s webrtc.PeerConnectionState) {
	m.logger.Debug().
		Str("peerID", l.peerID).
		Str("state", s.String()).
		Msg("connection state changed")

	switch s {
	case webrtc.PeerConnectionStateConnected:
		l.connected()
	case webrtc.PeerConnectionStateFailed:
		m.teardown(l.peerID, LinkFailed)
	case webrtc.PeerConnectionStateClosed:
		m.teardown(l.peerID, LinkClosed)
	case webrtc.PeerConnectionStateDisconnected:
		// Brief network blips recover on their own; only a blip that
		// outlives the grace period destroys the link.
		l.scheduleGrace(m.grace, func() {
			m.teardown(l.peerID, LinkFailed)
		})
	}
}

func (m *Manager) setupChannel(l *Link, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		m.logger.Debug().Str("peerID", l.peerID).Msg("data channel open")
	})
	dc.OnMessage(func(raw webrtc.DataChannelMessage) {
		var msg BroadcastMessage
		if err := msgpack.Unmarshal(raw.Data, &msg); err != nil {
			m.logger.Warn().Err(err).
				Str("peerID", l.peerID).
				Msg("malformed data channel message")
			return
		}
		if m.onPeerMessage != nil {
			m.onPeerMessage(l.peerID, msg)
		}
	})
	l.setChannel(dc)
}
