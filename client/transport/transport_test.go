package transport

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// collectServer accepts one websocket client at a time and forwards every
// received frame to the channel, preserving arrival order.
func collectServer(t *testing.T, received chan<- []byte) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, msg, readErr := conn.ReadMessage()
			if readErr != nil {
				return
			}
			received <- msg
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestTransport(url string, b Backoff) *Transport {
	logger := zerolog.Nop()
	return New(Config{
		URL:     url,
		Backoff: b,
		Logger:  &logger,
	})
}

func recvOrTimeout(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestQueueFlushedInOrderOnConnect(t *testing.T) {
	received := make(chan []byte, 16)
	srv := collectServer(t, received)
	defer srv.Close()

	tr := newTestTransport(wsURL(srv), DefaultBackoff)

	// Sent while disconnected: queued, not an error.
	for _, m := range []string{"one", "two", "three"} {
		if err := tr.Send([]byte(m)); err != nil {
			t.Fatalf("queued send failed: %v", err)
		}
	}

	if err := tr.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	// A send issued after connect goes out behind the flushed queue.
	if err := tr.Send([]byte("four")); err != nil {
		t.Fatalf("live send failed: %v", err)
	}

	want := []string{"one", "two", "three", "four"}
	for _, expected := range want {
		if got := string(recvOrTimeout(t, received)); got != expected {
			t.Fatalf("got %q, want %q", got, expected)
		}
	}
}

func TestOversizedMessageRejectedLocally(t *testing.T) {
	received := make(chan []byte, 1)
	srv := collectServer(t, received)
	defer srv.Close()

	tr := newTestTransport(wsURL(srv), DefaultBackoff)
	if err := tr.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	payload := make([]byte, 15*1024) // 15 KB chat payload
	if err := tr.Send(payload); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("got %v, want ErrMessageTooLarge", err)
	}

	// The frame must never reach the relay; a sentinel proves the
	// connection stayed clean.
	if err := tr.Send([]byte("sentinel")); err != nil {
		t.Fatalf("sentinel send: %v", err)
	}
	if got := string(recvOrTimeout(t, received)); got != "sentinel" {
		t.Fatalf("relay received %q, oversized frame was not suppressed", got)
	}

	tr.mx.Lock()
	queued := len(tr.queue)
	tr.mx.Unlock()
	if queued != 0 {
		t.Errorf("oversized payload must not be queued, %d entries queued", queued)
	}
}

func TestDisconnectIdempotentAndSuppressesRetry(t *testing.T) {
	received := make(chan []byte, 1)
	srv := collectServer(t, received)
	defer srv.Close()

	tr := newTestTransport(wsURL(srv), DefaultBackoff)
	if err := tr.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	tr.Disconnect()
	tr.Disconnect()

	if got := tr.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}

	// Give a stray reconnect a chance to show itself.
	time.Sleep(50 * time.Millisecond)
	tr.mx.Lock()
	retrying := tr.retry != nil
	conn := tr.conn
	tr.mx.Unlock()
	if retrying || conn != nil {
		t.Error("disconnect must cancel retries and drop the connection")
	}
}

func TestRetriesStopAfterCap(t *testing.T) {
	// Nothing listens here; every dial fails fast.
	tr := newTestTransport("ws://127.0.0.1:1/ws", Backoff{
		Base:        time.Millisecond,
		MaxAttempts: 2,
	})

	if err := tr.Connect(); err == nil {
		t.Fatal("connect to dead endpoint should fail")
	}

	// 1ms + 2ms of backoff; leave generous room for both retries to run out.
	time.Sleep(500 * time.Millisecond)

	if got := tr.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed after exhausted retries", got)
	}
	tr.mx.Lock()
	attempt := tr.attempt
	retrying := tr.retry != nil && tr.state == StateConnecting
	tr.mx.Unlock()
	if attempt != 2 {
		t.Errorf("attempt = %d, want 2", attempt)
	}
	if retrying {
		t.Error("no automatic attempt may follow the cap")
	}

	// Only an explicit Connect restarts the cycle.
	if err := tr.Connect(); err == nil {
		t.Fatal("explicit reconnect to dead endpoint should fail again")
	}
	tr.Disconnect()
}

func TestStateTransitionsObservable(t *testing.T) {
	received := make(chan []byte, 1)
	srv := collectServer(t, received)
	defer srv.Close()

	tr := newTestTransport(wsURL(srv), DefaultBackoff)
	if err := tr.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var states []State
	deadline := time.After(2 * time.Second)
collect:
	for {
		select {
		case s := <-tr.States():
			states = append(states, s)
			if s == StateOpen {
				break collect
			}
		case <-deadline:
			break collect
		}
	}

	if len(states) < 2 || states[0] != StateConnecting || states[len(states)-1] != StateOpen {
		t.Errorf("states = %v, want connecting then open", states)
	}
	tr.Disconnect()
}
