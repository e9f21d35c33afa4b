package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/VasuS609/RealtimApp/model"
	store "github.com/VasuS609/RealtimApp/storage/memory"
	"github.com/rs/zerolog"
)

type delivery struct {
	env model.Envelope
	dst string
}

// fakeForwarder records deliveries instead of pushing them through wires.
type fakeForwarder struct {
	mx        sync.Mutex
	delivered []delivery
}

func (f *fakeForwarder) Connect(string, model.Wire) error { return nil }
func (f *fakeForwarder) Disconnect(string)                {}
func (f *fakeForwarder) Count() int                       { return 0 }

func (f *fakeForwarder) Send(_ context.Context, env model.Envelope, dst string) bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.delivered = append(f.delivered, delivery{env: env, dst: dst})
	return true
}

func (f *fakeForwarder) Broadcast(ctx context.Context, env model.Envelope, dsts []string) {
	for _, dst := range dsts {
		if dst != env.From {
			f.Send(ctx, env, dst)
		}
	}
}

func (f *fakeForwarder) byType(typ string) []delivery {
	f.mx.Lock()
	defer f.mx.Unlock()
	var out []delivery
	for _, d := range f.delivered {
		if d.env.Type == typ {
			out = append(out, d)
		}
	}
	return out
}

func (f *fakeForwarder) reset() {
	f.mx.Lock()
	f.delivered = nil
	f.mx.Unlock()
}

func newTestService(capacity, rateLimit int) (*Service, *fakeForwarder) {
	logger := zerolog.Nop()
	fwd := &fakeForwarder{}
	svc := NewService(Config{
		Registry:        store.NewStore(capacity),
		Forwarder:       fwd,
		RateLimit:       rateLimit,
		RateLimitWindow: time.Minute,
		Logger:          &logger,
	})
	return svc, fwd
}

func TestJoinReplyAndNotification(t *testing.T) {
	svc, fwd := newTestService(8, 0)
	ctx := context.Background()

	svc.handle(ctx, "A", model.Envelope{Type: model.TypeJoin, Room: "abc123"})

	replies := fwd.byType(model.TypeExistingUsers)
	if len(replies) != 1 || replies[0].dst != "A" {
		t.Fatalf("A should get one existing-users reply, got %+v", replies)
	}
	if len(replies[0].env.Peers) != 0 {
		t.Errorf("first joiner sees %v, want empty", replies[0].env.Peers)
	}

	fwd.reset()
	svc.handle(ctx, "B", model.Envelope{Type: model.TypeJoin, Room: "abc123"})

	replies = fwd.byType(model.TypeExistingUsers)
	if len(replies) != 1 || replies[0].dst != "B" {
		t.Fatalf("B should get one existing-users reply, got %+v", replies)
	}
	if len(replies[0].env.Peers) != 1 || replies[0].env.Peers[0] != "A" {
		t.Errorf("B sees %v, want [A]", replies[0].env.Peers)
	}

	news := fwd.byType(model.TypeNewUser)
	if len(news) != 1 || news[0].dst != "A" || news[0].env.PeerID != "B" {
		t.Errorf("A should be told about B, got %+v", news)
	}
}

func TestJoinRoomFull(t *testing.T) {
	svc, fwd := newTestService(2, 0)
	ctx := context.Background()

	svc.handle(ctx, "A", model.Envelope{Type: model.TypeJoin, Room: "abc123"})
	svc.handle(ctx, "B", model.Envelope{Type: model.TypeJoin, Room: "abc123"})
	fwd.reset()
	svc.handle(ctx, "C", model.Envelope{Type: model.TypeJoin, Room: "abc123"})

	errs := fwd.byType(model.TypeError)
	if len(errs) != 1 || errs[0].dst != "C" {
		t.Fatalf("C should get one error, got %+v", errs)
	}
	if errs[0].env.Message != "Room is full" {
		t.Errorf("error message = %q, want %q", errs[0].env.Message, "Room is full")
	}
	// A and B are not disturbed by C's rejection.
	if got := fwd.byType(model.TypeNewUser); len(got) != 0 {
		t.Errorf("no new-user should be broadcast for a rejected join, got %+v", got)
	}
}

func TestJoinInvalidRoomName(t *testing.T) {
	svc, fwd := newTestService(8, 0)

	svc.handle(context.Background(), "A", model.Envelope{Type: model.TypeJoin, Room: "bad room!"})

	errs := fwd.byType(model.TypeError)
	if len(errs) != 1 || errs[0].dst != "A" {
		t.Fatalf("expected one error to A, got %+v", errs)
	}
}

func TestRelayStampsSender(t *testing.T) {
	svc, fwd := newTestService(8, 0)

	svc.handle(context.Background(), "A", model.Envelope{
		Type: model.TypeOffer,
		To:   "B",
		From: "spoofed", // must be overridden
		SDP:  []byte(`{"type":"offer","sdp":"v=0"}`),
	})

	offers := fwd.byType(model.TypeOffer)
	if len(offers) != 1 {
		t.Fatalf("expected one forwarded offer, got %+v", offers)
	}
	if offers[0].dst != "B" || offers[0].env.From != "A" {
		t.Errorf("forwarded to %q from %q, want to B from A", offers[0].dst, offers[0].env.From)
	}
	if string(offers[0].env.SDP) != `{"type":"offer","sdp":"v=0"}` {
		t.Errorf("payload not forwarded verbatim: %s", offers[0].env.SDP)
	}
}

func TestRelayMissingRecipient(t *testing.T) {
	svc, fwd := newTestService(8, 0)

	svc.handle(context.Background(), "A", model.Envelope{Type: model.TypeAnswer})

	if errs := fwd.byType(model.TypeError); len(errs) != 1 || errs[0].dst != "A" {
		t.Fatalf("expected one error to A, got %+v", errs)
	}
}

func TestRelayRateLimit(t *testing.T) {
	svc, fwd := newTestService(8, 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		svc.handle(ctx, "A", model.Envelope{Type: model.TypeICECandidate, To: "B"})
	}

	if fwdd := fwd.byType(model.TypeICECandidate); len(fwdd) != 2 {
		t.Errorf("%d candidates forwarded, want 2", len(fwdd))
	}
	errs := fwd.byType(model.TypeError)
	if len(errs) != 1 || errs[0].dst != "A" {
		t.Fatalf("expected one rate-limit error to A, got %+v", errs)
	}

	// The violating session stays connected and can still join.
	fwd.reset()
	svc.handle(ctx, "A", model.Envelope{Type: model.TypeJoin, Room: "r1"})
	if replies := fwd.byType(model.TypeExistingUsers); len(replies) != 1 {
		t.Error("rate-limited session should remain functional")
	}
}

func TestLeaveRoomNotifiesMembers(t *testing.T) {
	svc, fwd := newTestService(8, 0)
	ctx := context.Background()

	svc.handle(ctx, "A", model.Envelope{Type: model.TypeJoin, Room: "r1"})
	svc.handle(ctx, "B", model.Envelope{Type: model.TypeJoin, Room: "r1"})
	fwd.reset()

	svc.handle(ctx, "A", model.Envelope{Type: model.TypeLeaveRoom})

	left := fwd.byType(model.TypeUserLeft)
	if len(left) != 1 || left[0].dst != "B" || left[0].env.PeerID != "A" {
		t.Fatalf("B should learn that A left, got %+v", left)
	}
}

func TestDeleteSessionIdempotent(t *testing.T) {
	svc, fwd := newTestService(8, 0)
	ctx := context.Background()

	svc.handle(ctx, "A", model.Envelope{Type: model.TypeJoin, Room: "r1"})
	svc.handle(ctx, "B", model.Envelope{Type: model.TypeJoin, Room: "r1"})
	fwd.reset()

	svc.DeleteSession(ctx, "A")
	if left := fwd.byType(model.TypeUserLeft); len(left) != 1 {
		t.Fatalf("first delete should broadcast one user-left, got %+v", left)
	}

	fwd.reset()
	svc.DeleteSession(ctx, "A")
	if left := fwd.byType(model.TypeUserLeft); len(left) != 0 {
		t.Errorf("second delete must not notify anyone, got %+v", left)
	}
}

func TestRejoinDoesNotRebroadcast(t *testing.T) {
	svc, fwd := newTestService(8, 0)
	ctx := context.Background()

	svc.handle(ctx, "A", model.Envelope{Type: model.TypeJoin, Room: "r1"})
	svc.handle(ctx, "B", model.Envelope{Type: model.TypeJoin, Room: "r1"})
	fwd.reset()

	svc.handle(ctx, "A", model.Envelope{Type: model.TypeJoin, Room: "r1"})

	replies := fwd.byType(model.TypeExistingUsers)
	if len(replies) != 1 || replies[0].dst != "A" {
		t.Fatalf("rejoining A should get the member snapshot again, got %+v", replies)
	}
	if len(replies[0].env.Peers) != 1 || replies[0].env.Peers[0] != "B" {
		t.Errorf("rejoin snapshot = %v, want [B]", replies[0].env.Peers)
	}
	// B already knows A; nothing else goes out.
	if news := fwd.byType(model.TypeNewUser); len(news) != 0 {
		t.Errorf("rejoin must not re-announce the session, got %+v", news)
	}
	if left := fwd.byType(model.TypeUserLeft); len(left) != 0 {
		t.Errorf("rejoin must not look like a departure, got %+v", left)
	}
}

func TestSwitchingRoomsNotifiesOldRoom(t *testing.T) {
	svc, fwd := newTestService(8, 0)
	ctx := context.Background()

	svc.handle(ctx, "A", model.Envelope{Type: model.TypeJoin, Room: "old"})
	svc.handle(ctx, "B", model.Envelope{Type: model.TypeJoin, Room: "old"})
	fwd.reset()

	svc.handle(ctx, "A", model.Envelope{Type: model.TypeJoin, Room: "new"})

	left := fwd.byType(model.TypeUserLeft)
	if len(left) != 1 || left[0].dst != "B" || left[0].env.PeerID != "A" {
		t.Fatalf("B should learn that A left the old room, got %+v", left)
	}
}

func TestUnknownMessageType(t *testing.T) {
	svc, fwd := newTestService(8, 0)

	svc.handle(context.Background(), "A", model.Envelope{Type: "bogus"})

	if errs := fwd.byType(model.TypeError); len(errs) != 1 || errs[0].dst != "A" {
		t.Fatalf("expected one error to A, got %+v", errs)
	}
}
