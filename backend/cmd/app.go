package main

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/adwski/jamhub-relay/backend/heartbeat"
	httpServer "github.com/adwski/jamhub-relay/backend/server/http"
	websocketServer "github.com/adwski/jamhub-relay/backend/server/websocket"
	"github.com/adwski/jamhub-relay/backend/service"
	store "github.com/adwski/jamhub-relay/backend/storage/memory"
	"github.com/adwski/jamhub-relay/backend/supervisor"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/acme/autocert"
)

const (
	defaultPort = "8080"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if err := godotenv.Load(); err != nil {
		logger.Debug().Err(err).Msg("no .env file loaded")
	}

	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	fs.Usage = func() {
		_, _ = os.Stderr.WriteString("usage: relay [port] [flags]\n")
		fs.PrintDefaults()
	}

	var (
		logLevel     = fs.StringP("log-level", "l", envOr("LOG_LEVEL", "info"), "log level")
		echoSelf     = fs.Bool("echo-self", false, "deliver broadcast events back to their sender")
		pingInterval = fs.Duration("ping-interval", heartbeat.DefaultInterval, "latency probe interval")
		pongWait     = fs.Duration("pong-wait", 0, "drop a connection after this long without any frame (default ping-interval + 2s)")
		restartDelay = fs.Duration("restart-delay", supervisor.DefaultRestartDelay, "delay before restarting a failed server")
		tlsHost      = fs.String("tls-host", "", "serve TLS with Let's Encrypt certificates for this host")
		tlsCacheDir  = fs.String("tls-cache-dir", ".", "directory to cache certificates in")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	port := envOr("PORT", defaultPort)
	if fs.NArg() > 0 {
		port = fs.Arg(0)
	}
	if _, err = strconv.ParseUint(port, 10, 16); err != nil {
		logger.Fatal().Err(err).Str("port", port).Msg("invalid port")
	}

	var tlsConfig *tls.Config
	if *tlsHost != "" {
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(*tlsHost),
			Cache:      autocert.DirCache(*tlsCacheDir),
		}
		tlsConfig = m.TLSConfig()
	}

	rooms := store.NewMemStore(&logger)
	svc := service.NewService(service.Config{
		RoomStore: rooms,
		Logger:    &logger,
		EchoSelf:  *echoSelf,
	})
	relay := websocketServer.NewRelay(websocketServer.Config{
		Logger:       &logger,
		RelayService: svc,
		PingInterval: *pingInterval,
		PongWait:     *pongWait,
	})
	srv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		RoomStore:  rooms,
		Relay:      relay,
		TLSConfig:  tlsConfig,
		ListenAddr: net.JoinHostPort("", port),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	supervisor.New(supervisor.Config{
		Logger:       &logger,
		RestartDelay: *restartDelay,
	}).Run(ctx, srv.Run)

	logger.Warn().Msg("interrupted")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
