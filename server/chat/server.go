// Package chat implements the flat-broadcast chat relay. Every connected
// client is in a single broadcast domain, independent of signaling rooms:
// valid inbound frames are rebroadcast verbatim to all clients, including
// the sender.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultMaxMessageSize   = 10240
	defaultHandshakeTimeout = 3 * time.Second
	defaultWriteDeadline    = 5 * time.Second
	defaultReadBufferSize   = 10000
	defaultWriteBufferSize  = 10000
)

var (
	ErrUnexpected = errors.New("unexpected server error")

	errTooLarge = []byte(`{"error":"Message too large"}`)
)

type (
	Config struct {
		Logger         *zerolog.Logger
		ListenAddr     string
		AllowedOrigins []string
		MaxMessageSize int64
	}

	Server struct {
		ws             *websocket.Upgrader
		maxMessageSize int64
		*http.Server

		mx    sync.Mutex
		conns map[*websocket.Conn]struct{}

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	maxSize := cfg.MaxMessageSize
	if maxSize == 0 {
		maxSize = defaultMaxMessageSize
	}
	srv := &Server{
		logger:         cfg.Logger.With().Str("component", "chat-server").Logger(),
		maxMessageSize: maxSize,
		conns:          make(map[*websocket.Conn]struct{}),
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultHandshakeTimeout,
			ReadBufferSize:   defaultReadBufferSize,
			WriteBufferSize:  defaultWriteBufferSize,
			CheckOrigin:      originChecker(cfg.AllowedOrigins),
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/chat", srv.handleConn)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := allowed[r.Header.Get("Origin")]
		return ok
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

// Count reports the number of connected chat clients.
func (srv *Server) Count() int {
	srv.mx.Lock()
	defer srv.mx.Unlock()
	return len(srv.conns)
}

func (srv *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	srv.mx.Lock()
	srv.conns[conn] = struct{}{}
	srv.mx.Unlock()
	srv.logger.Debug().Msg("chat client connected")

	defer func() {
		srv.mx.Lock()
		delete(srv.conns, conn)
		srv.mx.Unlock()
		_ = conn.Close()
		srv.logger.Debug().Msg("chat client disconnected")
	}()

	// Read limit is doubled so an oversized frame is answered with an error
	// instead of tearing the connection down at the websocket layer.
	conn.SetReadLimit(srv.maxMessageSize * 2)

	for {
		_, msg, wsErr := conn.ReadMessage()
		if wsErr != nil {
			if !websocket.IsCloseError(wsErr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				srv.logger.Warn().Err(wsErr).Msg("chat receive failed")
			}
			return
		}

		if int64(len(msg)) > srv.maxMessageSize {
			srv.reply(conn, errTooLarge)
			continue
		}
		if !json.Valid(msg) {
			srv.logger.Debug().Msg("dropping non-JSON chat message")
			continue
		}

		srv.broadcast(msg)
	}
}

// broadcast rebroadcasts msg verbatim to every connected client, including
// the sender. Clients that fail the write are dropped.
func (srv *Server) broadcast(msg []byte) {
	srv.mx.Lock()
	defer srv.mx.Unlock()

	for conn := range srv.conns {
		_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			srv.logger.Warn().Err(err).Msg("chat write failed, dropping client")
			_ = conn.Close()
			delete(srv.conns, conn)
		}
	}
}

func (srv *Server) reply(conn *websocket.Conn, msg []byte) {
	srv.mx.Lock()
	defer srv.mx.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		srv.logger.Warn().Err(err).Msg("chat error reply failed")
	}
}
