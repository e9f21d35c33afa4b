// Package signaling is the typed client layer over the transport: it encodes
// outbound signaling envelopes and decodes the inbound stream.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/VasuS609/RealtimApp/client/transport"
	"github.com/VasuS609/RealtimApp/model"
	"github.com/rs/zerolog"
)

const eventBuffer = 64

// Client speaks the signaling wire contract on behalf of a local session.
type Client struct {
	tr     *transport.Transport
	events chan model.Envelope
	logger zerolog.Logger
}

func NewClient(tr *transport.Transport, logger *zerolog.Logger) *Client {
	c := &Client{
		tr:     tr,
		events: make(chan model.Envelope, eventBuffer),
		logger: logger.With().Str("component", "signaling-client").Logger(),
	}
	go c.decode()
	return c
}

// Events is the stream of decoded server envelopes (welcome, existing-users,
// new-user, offer, answer, ice-candidate, user-left, error).
func (c *Client) Events() <-chan model.Envelope {
	return c.events
}

// Join asks the relay to put this session into room. The reply arrives as an
// existing-users event.
func (c *Client) Join(room string) error {
	return c.send(model.Envelope{Type: model.TypeJoin, Room: room})
}

// LeaveRoom notifies the relay that this session is leaving its room.
func (c *Client) LeaveRoom() error {
	return c.send(model.Envelope{Type: model.TypeLeaveRoom})
}

func (c *Client) SendOffer(to string, sdp json.RawMessage) error {
	return c.send(model.Envelope{Type: model.TypeOffer, To: to, SDP: sdp})
}

func (c *Client) SendAnswer(to string, sdp json.RawMessage) error {
	return c.send(model.Envelope{Type: model.TypeAnswer, To: to, SDP: sdp})
}

func (c *Client) SendCandidate(to string, candidate json.RawMessage) error {
	return c.send(model.Envelope{Type: model.TypeICECandidate, To: to, Candidate: candidate})
}

func (c *Client) send(env model.Envelope) error {
	b, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return c.tr.Send(b)
}

func (c *Client) decode() {
	for msg := range c.tr.Inbound() {
		var env model.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.logger.Error().Err(err).Msg("failed to unmarshal incoming message")
			continue
		}
		c.events <- env
	}
	close(c.events)
}
