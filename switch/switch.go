package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/VasuS609/RealtimApp/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

var (
	ErrSessionExists = errors.New("session id already connected")
)

// Switch delivers envelopes to connected sessions. It knows nothing about
// rooms or message semantics; destinations are session ids, and the set of
// recipients for a broadcast is supplied by the caller.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	wires  map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		wires:  make(map[string]model.Wire),
	}
}

// Connect registers the session's wire for delivery.
func (sw *Switch) Connect(sessionID string, wire model.Wire) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.wires[sessionID]; ok {
		return ErrSessionExists
	}
	sw.wires[sessionID] = wire
	sw.logger.Debug().
		Str("sessionID", sessionID).
		Msg("session connected")
	return nil
}

// Disconnect removes the session's wire. Safe to call more than once.
func (sw *Switch) Disconnect(sessionID string) {
	sw.mx.Lock()
	delete(sw.wires, sessionID)
	sw.mx.Unlock()
	sw.logger.Debug().
		Str("sessionID", sessionID).
		Msg("session disconnected")
}

// Send forwards env to the addressed session. Returns false if the
// destination is unknown or its wire did not accept the envelope in time.
func (sw *Switch) Send(ctx context.Context, env model.Envelope, dst string) bool {
	logger := sw.logger.With().
		Str("type", env.Type).
		Str("src", env.From).
		Str("dst", dst).Logger()

	sw.mx.RLock()
	wire, ok := sw.wires[dst]
	sw.mx.RUnlock()

	if !ok {
		logger.Debug().Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := send(ctx, env, wire.TX, &logger)
	return sent
}

// Broadcast forwards env to every listed session except the sender.
func (sw *Switch) Broadcast(ctx context.Context, env model.Envelope, dsts []string) {
	var sent bool
	for _, dst := range dsts {
		if dst == env.From {
			continue
		}
		if sw.Send(ctx, env, dst) {
			sent = true
		}
		if ctx.Err() != nil {
			return
		}
	}
	if !sent {
		sw.logger.Debug().
			Str("type", env.Type).
			Str("src", env.From).
			Msg("broadcast did not reach anyone")
	}
}

// Count reports the number of connected sessions.
func (sw *Switch) Count() int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	return len(sw.wires)
}

func send(ctx context.Context, env model.Envelope, tx chan<- model.Envelope, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Msg("dead endpoint")
	case tx <- env:
		logger.Debug().Msg("envelope is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
