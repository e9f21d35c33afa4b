package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VasuS609/RealtimApp/client/peer"
	"github.com/VasuS609/RealtimApp/client/signaling"
	"github.com/VasuS609/RealtimApp/client/transport"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// peer is the headless mesh agent: it joins a signaling room, negotiates a
// link with every other member and mirrors what a browser client does, minus
// media capture and rendering.
func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	var (
		serverURL string
		chatURL   string
		name      string
		logLevel  string
	)

	root := &cobra.Command{
		Use:           "peer",
		Short:         "headless mesh peer agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "ws://localhost:8888/signal", "signaling server URL")
	root.PersistentFlags().StringVar(&chatURL, "chat", "", "chat server URL (optional)")
	root.PersistentFlags().StringVar(&name, "name", "peer", "display name for chat messages")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level")

	join := &cobra.Command{
		Use:   "join <room>",
		Short: "join a room and hold mesh links until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			lvl, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logger = logger.Level(lvl)
			return run(&logger, serverURL, chatURL, name, args[0])
		},
	}
	root.AddCommand(join)

	if err := root.Execute(); err != nil {
		logger.Fatal().Err(err).Msg("peer agent failed")
	}
}

type chatPayload struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

func run(logger *zerolog.Logger, serverURL, chatURL, name, room string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tr := transport.New(transport.Config{
		URL:    serverURL,
		Logger: logger,
	})
	sig := signaling.NewClient(tr, logger)

	mgr := peer.NewManager(peer.Config{
		Signal: sig,
		Media:  peer.NopSource{},
		Logger: logger,
		OnPeerMessage: func(peerID string, msg peer.BroadcastMessage) {
			logger.Info().
				Str("peerID", peerID).
				Str("sender", msg.Sender).
				Str("body", msg.Body).
				Msg("peer message")
		},
		OnPeerClosed: func(peerID string) {
			logger.Info().Str("peerID", peerID).Msg("peer gone")
		},
	})

	if err := tr.Connect(); err != nil {
		logger.Warn().Err(err).Msg("initial connect failed, retrying in background")
	}
	// Queued by the transport if the connection is still coming up.
	if err := sig.Join(room); err != nil {
		return err
	}
	logger.Info().Str("room", room).Msg("joining")

	go func() {
		for env := range sig.Events() {
			mgr.HandleEvent(env)
		}
	}()

	var chat *transport.Transport
	if chatURL != "" {
		chat = transport.New(transport.Config{
			URL:    chatURL,
			Logger: logger,
		})
		if err := chat.Connect(); err != nil {
			logger.Warn().Err(err).Msg("chat connect failed, retrying in background")
		}
		go func() {
			for msg := range chat.Inbound() {
				logger.Info().RawJSON("message", msg).Msg("chat")
			}
		}()

		hello, _ := json.Marshal(chatPayload{Name: name, Body: "joined " + room})
		if err := chat.Send(hello); err != nil {
			logger.Warn().Err(err).Msg("chat send rejected")
		}
	}

	<-ctx.Done()
	logger.Info().Msg("interrupted, leaving")

	_ = mgr.Broadcast(peer.BroadcastMessage{
		Sender: name,
		Body:   "leaving",
		SentAt: time.Now(),
	})
	mgr.Leave()
	tr.Disconnect()
	if chat != nil {
		chat.Disconnect()
	}
	return nil
}
