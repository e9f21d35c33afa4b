package service

import (
	"context"
	"errors"
	"time"

	"github.com/VasuS609/RealtimApp/model"
	"github.com/VasuS609/RealtimApp/storage/memory"
	"github.com/rs/zerolog"
)

const (
	defaultRateLimit       = 50
	defaultRateLimitWindow = 10 * time.Second
)

var (
	ErrConnect = errors.New("unable to connect")

	errUnknownType = errors.New("unknown message type")
	errNoRecipient = errors.New("missing recipient")
	errRateLimited = errors.New("rate limit exceeded")
)

type (
	// Registry is the authoritative room membership store.
	Registry interface {
		Join(roomName, sessionID string) (model.JoinResult, error)
		Leave(sessionID string) (room string, remaining []string, ok bool)
		Counts() (rooms, sessions int)
	}

	// Forwarder delivers envelopes to connected sessions by id.
	Forwarder interface {
		Connect(sessionID string, wire model.Wire) error
		Disconnect(sessionID string)
		Send(ctx context.Context, env model.Envelope, dst string) bool
		Broadcast(ctx context.Context, env model.Envelope, dsts []string)
		Count() int
	}

	// Service is the signaling relay. It is the only mutator of room
	// membership: every session's envelopes are processed by a single
	// routing goroutine, and all membership changes go through the registry.
	Service struct {
		store  Registry
		fwd    Forwarder
		rl     *rateLimiter
		logger zerolog.Logger
	}

	Config struct {
		Registry        Registry
		Forwarder       Forwarder
		RateLimit       int
		RateLimitWindow time.Duration
		Logger          *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	limit := cfg.RateLimit
	if limit == 0 {
		limit = defaultRateLimit
	}
	window := cfg.RateLimitWindow
	if window == 0 {
		window = defaultRateLimitWindow
	}
	return &Service{
		store:  cfg.Registry,
		fwd:    cfg.Forwarder,
		rl:     newRateLimiter(limit, window),
		logger: cfg.Logger.With().Str("component", "relay").Logger(),
	}
}

// CreateSession attaches a freshly upgraded connection to the relay and
// starts routing its envelopes. The session learns its server-assigned id
// from the welcome envelope.
func (svc *Service) CreateSession(ctx context.Context, sessionID string, wire model.Wire) error {
	if err := svc.fwd.Connect(sessionID, wire); err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("sessionID", sessionID).
		Msg("signaling session created")

	go func() {
		// The connection's sender is not draining TX until the caller has
		// finished setting the session up, so the welcome goes out from the
		// routing goroutine.
		svc.fwd.Send(ctx, model.Envelope{
			Type:   model.TypeWelcome,
			PeerID: sessionID,
		}, sessionID)
		svc.route(ctx, sessionID, wire.RX)
	}()
	return nil
}

// DeleteSession detaches the session and cleans up its room membership,
// notifying remaining members. Idempotent: a session that already left its
// room (or never joined one) triggers no notification.
func (svc *Service) DeleteSession(ctx context.Context, sessionID string) {
	svc.leaveRoom(ctx, sessionID)
	svc.fwd.Disconnect(sessionID)
	svc.rl.forget(sessionID)
	svc.logger.Debug().
		Str("sessionID", sessionID).
		Msg("signaling session deleted")
}

// Counts reports live rooms and room members for the status API.
func (svc *Service) Counts() (rooms, sessions int) {
	return svc.store.Counts()
}

// Connections reports attached signaling sessions, joined or not.
func (svc *Service) Connections() int {
	return svc.fwd.Count()
}

func (svc *Service) route(ctx context.Context, sessionID string, rx <-chan model.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-rx:
			if !ok {
				return
			}
			svc.handle(ctx, sessionID, env)
		}
	}
}

func (svc *Service) handle(ctx context.Context, sessionID string, env model.Envelope) {
	switch env.Type {
	case model.TypeJoin:
		svc.handleJoin(ctx, sessionID, env.Room)
	case model.TypeLeaveRoom:
		svc.leaveRoom(ctx, sessionID)
	case model.TypeOffer, model.TypeAnswer, model.TypeICECandidate:
		svc.relay(ctx, sessionID, env)
	default:
		svc.logger.Debug().
			Str("sessionID", sessionID).
			Str("type", env.Type).
			Msg("unknown message type")
		svc.sendError(ctx, sessionID, errUnknownType)
	}
}

func (svc *Service) handleJoin(ctx context.Context, sessionID, roomName string) {
	res, err := svc.store.Join(roomName, sessionID)

	// An implicit leave of the previous room happened regardless of whether
	// the join itself succeeded; the old room must learn about it either way.
	if res.Departed {
		svc.fwd.Broadcast(ctx, model.Envelope{
			Type:   model.TypeUserLeft,
			From:   sessionID,
			PeerID: sessionID,
		}, res.DepartedPeers)
	}

	if err != nil {
		svc.logger.Debug().
			Str("sessionID", sessionID).
			Str("roomName", roomName).
			Err(err).
			Msg("join rejected")
		svc.sendError(ctx, sessionID, err)
		return
	}

	svc.logger.Debug().
		Str("sessionID", sessionID).
		Str("roomName", roomName).
		Int("peers", len(res.Existing)).
		Msg("session joined room")

	svc.fwd.Send(ctx, model.Envelope{
		Type:  model.TypeExistingUsers,
		Peers: res.Existing,
	}, sessionID)

	// Members who already know the session must not be told again.
	if res.Rejoined {
		return
	}
	svc.fwd.Broadcast(ctx, model.Envelope{
		Type:   model.TypeNewUser,
		From:   sessionID,
		PeerID: sessionID,
	}, res.Existing)
}

func (svc *Service) leaveRoom(ctx context.Context, sessionID string) {
	room, remaining, ok := svc.store.Leave(sessionID)
	if !ok {
		return
	}
	svc.logger.Debug().
		Str("sessionID", sessionID).
		Str("roomName", room).
		Msg("session left room")

	svc.fwd.Broadcast(ctx, model.Envelope{
		Type:   model.TypeUserLeft,
		From:   sessionID,
		PeerID: sessionID,
	}, remaining)
}

// relay forwards a negotiation envelope verbatim to the addressed session
// with the sender's id attached. Payload semantics are not inspected.
func (svc *Service) relay(ctx context.Context, sessionID string, env model.Envelope) {
	if env.To == "" {
		svc.sendError(ctx, sessionID, errNoRecipient)
		return
	}
	if !svc.rl.allow(sessionID) {
		svc.logger.Warn().
			Str("sessionID", sessionID).
			Msg("session exceeded rate limit")
		svc.sendError(ctx, sessionID, errRateLimited)
		return
	}

	svc.fwd.Send(ctx, model.Envelope{
		Type:      env.Type,
		From:      sessionID,
		SDP:       env.SDP,
		Candidate: env.Candidate,
	}, env.To)
}

func (svc *Service) sendError(ctx context.Context, sessionID string, err error) {
	msg := err.Error()
	if errors.Is(err, memory.ErrRoomIsFull) {
		msg = "Room is full"
	}
	svc.fwd.Send(ctx, model.Envelope{
		Type:    model.TypeError,
		Message: msg,
	}, sessionID)
}
