package memory

import (
	"errors"
	"regexp"
	"sync"

	"github.com/VasuS609/RealtimApp/model"
)

const (
	// DefaultRoomCapacity bounds membership when no explicit capacity is given.
	DefaultRoomCapacity = 8
)

var (
	ErrInvalidRoomName = errors.New("invalid room name")
	ErrRoomIsFull      = errors.New("room is full")
)

// Room names are bounded tokens: no spaces, no path or markup characters.
var roomNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidRoomName reports whether name satisfies the room-name allow-list.
func ValidRoomName(name string) bool {
	return roomNameRe.MatchString(name)
}

// Store is the authoritative in-memory registry of rooms and session
// membership. All mutation goes through its lock, which serializes the
// snapshot-then-join step against concurrent joins to the same room.
type Store struct {
	mx       *sync.Mutex
	capacity int
	rooms    map[string]*model.Room
	sessions map[string]string // session id -> room name
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultRoomCapacity
	}
	return &Store{
		mx:       &sync.Mutex{},
		capacity: capacity,
		rooms:    make(map[string]*model.Room),
		sessions: make(map[string]string),
	}
}

// Join adds sessionID to roomName, creating the room on first join. The
// returned JoinResult carries the member snapshot taken before the add. If
// the session was in a different room it is removed from there first, and
// that departure is reported even when the join itself fails, so the caller
// can still notify the old room.
func (s *Store) Join(roomName, sessionID string) (model.JoinResult, error) {
	var res model.JoinResult

	if !ValidRoomName(roomName) {
		return res, ErrInvalidRoomName
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	if prev, ok := s.sessions[sessionID]; ok {
		if prev == roomName {
			// Re-join of the same room: report the current peers again.
			res.Rejoined = true
			res.Existing = s.membersLocked(roomName, sessionID)
			return res, nil
		}
		res.Departed = true
		res.DepartedRoom = prev
		res.DepartedPeers = s.removeLocked(prev, sessionID)
	}

	room, ok := s.rooms[roomName]
	if !ok {
		room = &model.Room{
			Name:    roomName,
			Members: make(map[string]struct{}),
		}
		s.rooms[roomName] = room
	}

	if len(room.Members) >= s.capacity {
		return res, ErrRoomIsFull
	}

	res.Existing = make([]string, 0, len(room.Members))
	for id := range room.Members {
		res.Existing = append(res.Existing, id)
	}

	room.Members[sessionID] = struct{}{}
	s.sessions[sessionID] = roomName
	return res, nil
}

// Leave removes sessionID from its room, if any. It returns the room name
// and the remaining members so the caller can broadcast the departure.
// Calling it for a session that is not in a room is a no-op.
func (s *Store) Leave(sessionID string) (string, []string, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()

	roomName, ok := s.sessions[sessionID]
	if !ok {
		return "", nil, false
	}
	remaining := s.removeLocked(roomName, sessionID)
	return roomName, remaining, true
}

// RoomOf returns the room the session is currently a member of.
func (s *Store) RoomOf(sessionID string) (string, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	room, ok := s.sessions[sessionID]
	return room, ok
}

// Counts reports the number of live rooms and room members.
func (s *Store) Counts() (rooms, sessions int) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.rooms), len(s.sessions)
}

func (s *Store) membersLocked(roomName, exclude string) []string {
	room, ok := s.rooms[roomName]
	if !ok {
		return nil
	}
	members := make([]string, 0, len(room.Members))
	for id := range room.Members {
		if id != exclude {
			members = append(members, id)
		}
	}
	return members
}

// removeLocked takes sessionID out of roomName and deletes the room when it
// becomes empty. Returns the remaining members.
func (s *Store) removeLocked(roomName, sessionID string) []string {
	delete(s.sessions, sessionID)

	room, ok := s.rooms[roomName]
	if !ok {
		return nil
	}
	delete(room.Members, sessionID)
	if len(room.Members) == 0 {
		delete(s.rooms, roomName)
		return nil
	}

	remaining := make([]string, 0, len(room.Members))
	for id := range room.Members {
		remaining = append(remaining, id)
	}
	return remaining
}
