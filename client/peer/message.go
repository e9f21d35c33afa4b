package peer

import "time"

// BroadcastMessage is the application payload fanned out over every open
// data channel.
type BroadcastMessage struct {
	Sender string    `msgpack:"sender"`
	Body   string    `msgpack:"body"`
	SentAt time.Time `msgpack:"sent_at"`
}
