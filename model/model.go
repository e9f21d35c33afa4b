package model

import "encoding/json"

// Signaling message types. Client-originated types carry To/Room fields,
// server-originated types carry From/Peers/PeerID.
const (
	TypeJoin         = "join"
	TypeLeaveRoom    = "leave-room"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"

	TypeWelcome       = "welcome"
	TypeExistingUsers = "existing-users"
	TypeNewUser       = "new-user"
	TypeUserLeft      = "user-left"
	TypeError         = "error"
)

// Envelope is the single JSON structure exchanged over the signaling
// websocket in both directions. Unused fields are omitted on the wire.
type Envelope struct {
	Type string `json:"type"`
	From string `json:"from,omitempty"` // re-assigned by server based on websocket session
	To   string `json:"to,omitempty"`
	Room string `json:"room,omitempty"`

	Peers  []string `json:"peers,omitempty"`
	PeerID string   `json:"peerId,omitempty"`

	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	Message string `json:"message,omitempty"`
}

// Room is a named group of sessions negotiating a mesh. It exists only
// while its member set is non-empty.
type Room struct {
	Name    string
	Members map[string]struct{}
}

// JoinResult is what the registry reports back for a join attempt. Existing
// holds the members present before the join (the snapshot the joiner is told
// about). Rejoined means the session was already a member of that room. If
// the session was a member of another room, Departed describes the implicit
// leave that happened first; it is populated even when the join itself is
// rejected.
type JoinResult struct {
	Existing      []string
	Rejoined      bool
	Departed      bool
	DepartedRoom  string
	DepartedPeers []string
}

// Wire is a session's duplex attachment to the switch. RX carries envelopes
// from the websocket into the relay, TX carries envelopes back out.
type Wire struct {
	RX chan Envelope
	TX chan Envelope
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Envelope),
		TX: make(chan Envelope),
	}
}
