package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	chatServer "github.com/VasuS609/RealtimApp/server/chat"
	httpServer "github.com/VasuS609/RealtimApp/server/http"
	websocketServer "github.com/VasuS609/RealtimApp/server/websocket"
	"github.com/VasuS609/RealtimApp/service"
	store "github.com/VasuS609/RealtimApp/storage/memory"
	sw "github.com/VasuS609/RealtimApp/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr   = fs.StringP("api-listen-addr", "a", ":8080", "status api listen address")
		wsListenAddr    = fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
		chatListenAddr  = fs.StringP("chat-listen-addr", "c", ":8082", "websocket chat listen address")
		allowedOrigins  = fs.StringSlice("allowed-origins", nil, "allowed websocket origins (empty allows all)")
		roomCapacity    = fs.Int("room-capacity", store.DefaultRoomCapacity, "max sessions per room")
		rateLimit       = fs.Int("rate-limit", 50, "max relayed messages per session per window")
		rateLimitWindow = fs.Duration("rate-limit-window", 10*time.Second, "rate limit window")
		maxMessageSize  = fs.Int64("max-message-size", 10240, "max websocket message size in bytes")
		logLevel        = fs.StringP("log-level", "l", "debug", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	svc := service.NewService(service.Config{
		Registry:        store.NewStore(*roomCapacity),
		Forwarder:       sw.NewSwitch(&logger),
		RateLimit:       *rateLimit,
		RateLimitWindow: *rateLimitWindow,
		Logger:          &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		StatusProvider: svc,
		ListenAddr:     *apiListenAddr,
		AllowedOrigins: *allowedOrigins,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       *wsListenAddr,
		AllowedOrigins:   *allowedOrigins,
		MaxMessageSize:   *maxMessageSize,
	})
	chatSrv := chatServer.NewServer(chatServer.Config{
		Logger:         &logger,
		ListenAddr:     *chatListenAddr,
		AllowedOrigins: *allowedOrigins,
		MaxMessageSize: *maxMessageSize,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 3)
	)
	wg.Add(3)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)
	go chatSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
