package http

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

type fakeStatus struct {
	rooms, sessions, connections int
}

func (f fakeStatus) Counts() (int, int) { return f.rooms, f.sessions }
func (f fakeStatus) Connections() int   { return f.connections }

func newTestServer(t *testing.T, status StatusProvider, origins []string) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	srv := NewServer(Config{
		Logger:         &logger,
		StatusProvider: status,
		AllowedOrigins: origins,
	})
	ts := httptest.NewServer(srv.Server.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, fakeStatus{}, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK" {
		t.Errorf("body = %q, want OK", body)
	}
}

func TestStatusReportsConnections(t *testing.T) {
	// Three connected, two of them joined a room: the probe must show both
	// numbers, not just room membership.
	ts := newTestServer(t, fakeStatus{rooms: 1, sessions: 2, connections: 3}, nil)

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var got StatusResponse
	if err = json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Rooms != 1 || got.Sessions != 2 || got.Connections != 3 {
		t.Errorf("status = %+v, want rooms 1, sessions 2, connections 3", got)
	}
	if got.Status != "ok" {
		t.Errorf("status field = %q, want ok", got.Status)
	}
}

func TestCORSAllowList(t *testing.T) {
	testCases := []struct {
		name       string
		configured []string
		origin     string
		want       string
	}{
		{"no config allows all", nil, "http://a.example", "*"},
		{"wildcard allows all", []string{"*"}, "http://a.example", "*"},
		{"listed origin echoed", []string{"http://a.example", "http://b.example"}, "http://b.example", "http://b.example"},
		{"unlisted origin refused", []string{"http://a.example", "http://b.example"}, "http://evil.example", ""},
		{"no origin header", []string{"http://a.example"}, "", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, fakeStatus{}, tc.configured)

			req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			defer resp.Body.Close()

			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tc.want {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tc.want)
			}
		})
	}
}
