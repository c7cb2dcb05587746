// Package main implements fakenats, a deterministic NATS-protocol TCP
// responder for integration testing of custom NATS client implementations.
// It serves INFO, accepts CONNECT with optional credential checks, fans out
// PUB to matching subscriptions with wildcard subjects and queue groups,
// honors UNSUB budgets, and answers PING. Optionally it also listens for
// websocket clients.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Thejuampi/nats-client-go/internal/fakenats"
	"github.com/Thejuampi/nats-client-go/natslog"
)

var (
	flagAddr       = flag.String("addr", "127.0.0.1:14222", "listen address")
	flagWSAddr     = flag.String("ws-addr", "", "websocket listen address (empty disables websockets)")
	flagUser       = flag.String("user", "", "require this username on CONNECT")
	flagPass       = flag.String("pass", "", "password paired with -user")
	flagToken      = flag.String("token", "", "require this auth token on CONNECT")
	flagMaxPayload = flag.Int64("max-payload", 1024*1024, "maximum PUB payload size in bytes")
	flagDebug      = flag.Bool("debug", false, "log every connection and protocol event")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *flagDebug {
		level = slog.LevelDebug
	}
	logger := natslog.New(os.Stderr, level)

	server, err := fakenats.Start(fakenats.Options{
		Addr:       *flagAddr,
		WSAddr:     *flagWSAddr,
		User:       *flagUser,
		Pass:       *flagPass,
		Token:      *flagToken,
		MaxPayload: *flagMaxPayload,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("listen failed", "error", err)
		os.Exit(1)
	}

	logger.Info("fakenats listening", "url", server.ClientURL())
	if wsURL := server.WSClientURL(); wsURL != "" {
		logger.Info("fakenats websocket listening", "url", wsURL)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	logger.Info("shutting down")
	server.Shutdown()
}
