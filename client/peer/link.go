package peer

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Role is the negotiation role of the local session on a link.
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// LinkState is the connection phase of a single peer link.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkOffering
	LinkAnswering
	LinkHaveRemote
	LinkConnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkOffering:
		return "offering"
	case LinkAnswering:
		return "answering"
	case LinkHaveRemote:
		return "have-remote"
	case LinkConnected:
		return "connected"
	case LinkFailed:
		return "failed"
	default:
		return "closed"
	}
}

func (s LinkState) terminal() bool {
	return s == LinkFailed || s == LinkClosed
}

var (
	errLinkClosed = errors.New("link is closed")
	errBadState   = errors.New("unexpected link state")
)

// session is the slice of *webrtc.PeerConnection the link state machine
// drives. Narrow so the negotiation logic is testable without a media stack.
type session interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	Close() error
}

// Link is one remote peer's connection state as seen by the local session.
// Candidates that arrive before the remote description are buffered and
// applied, in arrival order, the moment the description lands.
type Link struct {
	peerID string
	role   Role
	logger zerolog.Logger

	mx        sync.Mutex
	state     LinkState
	pc        session
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	channel   *webrtc.DataChannel
	grace     *time.Timer
}

func newLink(peerID string, role Role, logger zerolog.Logger) *Link {
	return &Link{
		peerID: peerID,
		role:   role,
		state:  LinkNew,
		logger: logger.With().Str("peerID", peerID).Str("role", role.String()).Logger(),
	}
}

func (l *Link) setSession(pc session) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.pc = pc
}

// State returns the current connection phase.
func (l *Link) State() LinkState {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.state
}

// PeerID returns the remote session identifier.
func (l *Link) PeerID() string {
	return l.peerID
}

// createOffer produces the local description and moves the link to offering.
func (l *Link) createOffer() (webrtc.SessionDescription, error) {
	l.mx.Lock()
	defer l.mx.Unlock()

	if l.state != LinkNew {
		return webrtc.SessionDescription{}, errBadState
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err = l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	l.state = LinkOffering
	return offer, nil
}

// acceptOffer applies the remote offer, drains buffered candidates and
// produces the local answer.
func (l *Link) acceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.mx.Lock()
	defer l.mx.Unlock()

	if l.state.terminal() {
		return webrtc.SessionDescription{}, errLinkClosed
	}
	l.state = LinkAnswering
	if err := l.applyRemoteLocked(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err = l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	l.state = LinkHaveRemote
	return answer, nil
}

// acceptAnswer applies the remote answer and drains buffered candidates.
// Answers arriving in any state other than offering are discarded: the link
// either already has a remote description or is being torn down.
func (l *Link) acceptAnswer(answer webrtc.SessionDescription) error {
	l.mx.Lock()
	defer l.mx.Unlock()

	if l.state != LinkOffering {
		l.logger.Debug().
			Str("state", l.state.String()).
			Msg("discarding answer")
		return nil
	}
	if err := l.applyRemoteLocked(answer); err != nil {
		return err
	}
	l.state = LinkHaveRemote
	return nil
}

// addCandidate applies the candidate immediately when the remote description
// is set, buffers it otherwise. Candidates for terminated links are dropped.
func (l *Link) addCandidate(candidate webrtc.ICECandidateInit) error {
	l.mx.Lock()
	defer l.mx.Unlock()

	if l.state.terminal() {
		l.logger.Debug().Msg("discarding candidate for terminated link")
		return nil
	}
	if !l.remoteSet {
		l.pending = append(l.pending, candidate)
		l.logger.Trace().
			Int("buffered", len(l.pending)).
			Msg("buffered early candidate")
		return nil
	}
	return l.pc.AddICECandidate(candidate)
}

func (l *Link) applyRemoteLocked(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	l.remoteSet = true

	for _, candidate := range l.pending {
		if err := l.pc.AddICECandidate(candidate); err != nil {
			l.logger.Warn().Err(err).Msg("failed to apply buffered candidate")
		}
	}
	l.pending = nil
	return nil
}

// connected marks the underlying transport as established and cancels any
// pending disconnection grace timer.
func (l *Link) connected() {
	l.mx.Lock()
	defer l.mx.Unlock()

	l.cancelGraceLocked()
	if l.state.terminal() {
		return
	}
	l.state = LinkConnected
}

// scheduleGrace arms a one-shot teardown timer for a transient disconnection.
// A later connected() disarms it.
func (l *Link) scheduleGrace(d time.Duration, expire func()) {
	l.mx.Lock()
	defer l.mx.Unlock()

	if l.state.terminal() {
		return
	}
	l.cancelGraceLocked()
	l.grace = time.AfterFunc(d, expire)
}

func (l *Link) cancelGraceLocked() {
	if l.grace != nil {
		l.grace.Stop()
		l.grace = nil
	}
}

// setChannel records the link's data channel (offerer-created or announced
// by the remote side).
func (l *Link) setChannel(dc *webrtc.DataChannel) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.channel = dc
}

// Channel returns the link's data channel, nil until one exists.
func (l *Link) Channel() *webrtc.DataChannel {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.channel
}

// close terminates the link into the given absorbing state. Idempotent;
// buffered candidates are dropped and in-flight negotiation is cancelled.
func (l *Link) close(to LinkState) {
	l.mx.Lock()
	defer l.mx.Unlock()

	if l.state.terminal() {
		return
	}
	l.cancelGraceLocked()
	l.pending = nil
	l.state = to
	if l.pc != nil {
		if err := l.pc.Close(); err != nil {
			l.logger.Warn().Err(err).Msg("failed to close peer connection")
		}
	}
}
