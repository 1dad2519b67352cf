package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"birdwatch/internal/api"
	"birdwatch/internal/auth"
	"birdwatch/internal/config"
	"birdwatch/internal/database"
	"birdwatch/internal/detection"
	"birdwatch/internal/mqtt"
	"birdwatch/internal/observation"
	"birdwatch/internal/stream"
	"birdwatch/internal/telegram"
	"birdwatch/internal/ws"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to a YAML config file (defaults to $BIRDWATCH_CONFIG)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies of API calls")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[birdwatch] ", log.Ltime)

	cfg, err := config.Load(*configF)
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}
	if *dbgF {
		cfg.Server.Debug = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("exiting: %v", err)
	}
	logger.Println("exited")
}

// run wires every component and blocks until ctx is done or one of the
// long-running parts fails.
func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	classifier, err := detection.New(detection.Config{
		Kind:     cfg.Classifier.Kind,
		Endpoint: cfg.Classifier.Endpoint,
		Timeout:  cfg.Classifier.Timeout,
	})
	if err != nil {
		return err
	}
	if c, ok := classifier.(io.Closer); ok {
		defer c.Close()
	}
	logger.Printf("classifier: %s", classifier.Name())

	authenticator, err := auth.NewAuthenticator(auth.Config{
		Enabled:   cfg.Auth.Enabled,
		Username:  cfg.Auth.Username,
		Password:  cfg.Auth.Password,
		JWTSecret: cfg.Auth.JWTSecret,
		JWTExpiry: cfg.Auth.JWTExpiry,
	})
	if err != nil {
		return err
	}

	// Stream plumbing: the push path and the relay path share nothing but
	// the HTTP handler.
	push := stream.NewFrameBuffer(cfg.Stream.WindowSize)
	relayBuffer := stream.NewFrameBuffer(cfg.Stream.WindowSize)
	broadcaster := stream.NewBroadcaster(cfg.Stream.QueueCapacity)
	defer broadcaster.Close()

	relayURL := cfg.Relay.URL
	if override, err := db.GetConfig(ctx, api.RelayURLKey); err != nil {
		logger.Printf("failed to load relay override: %v", err)
	} else if override != "" {
		relayURL = override
	}
	relay := stream.NewRelay(stream.RelayConfig{
		URL:            relayURL,
		ConnectTimeout: cfg.Relay.ConnectTimeout,
		ReadTimeout:    cfg.Relay.ReadTimeout,
		ReconnectDelay: cfg.Relay.ReconnectDelay,
		MaxPartSize:    cfg.Relay.MaxPartBytes,
	}, broadcaster, relayBuffer)

	session := stream.SessionConfig{
		QueueCapacity: cfg.Stream.QueueCapacity,
		FrameTimeout:  cfg.Stream.FrameTimeout,
	}
	streams := stream.NewHandler(push, broadcaster, relay, relayBuffer, stream.HandlerConfig{
		PollInterval:  cfg.Stream.PollInterval,
		FPSWindow:     cfg.Stream.FPSWindow,
		MaxFrameBytes: cfg.Stream.MaxFrameBytes,
		IngestMaxFPS:  cfg.Stream.IngestMaxFPS,
		Session:       session,
	})

	g, ctx := errgroup.WithContext(ctx)

	// Notifiers: the WebSocket hub always, Telegram and MQTT when enabled.
	hub := ws.NewHub()
	notifiers := observation.Fanout{hub}

	if cfg.Telegram.Enabled {
		tcfg := telegram.Config{
			BotToken: cfg.Telegram.BotToken,
			ChatID:   cfg.Telegram.ChatID,
			Cooldown: cfg.Telegram.Cooldown,
		}
		if err := telegram.ValidateConfig(tcfg); err != nil {
			return err
		}
		bot := telegram.NewBot(tcfg)
		notifiers = append(notifiers, bot)

		commands := telegram.NewCommandHandler(bot, streams, push, db)
		g.Go(func() error { return commands.Run(ctx) })
		logger.Printf("telegram notifications enabled")
	}

	if cfg.MQTT.Enabled {
		emitter := mqtt.NewEmitter(mqtt.Config{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            cfg.MQTT.QoS,
			StatusInterval: cfg.MQTT.StatusInterval,
		})
		if err := emitter.Connect(ctx); err != nil {
			// The client keeps retrying in the background.
			logger.Printf("mqtt not connected yet: %v", err)
		}
		defer emitter.Disconnect()
		notifiers = append(notifiers, emitter)

		g.Go(func() error {
			return emitter.RunStatus(ctx, func() any { return streams.CurrentStatus() })
		})
	}

	service := observation.NewService(db, classifier, notifiers, observation.Config{
		MediaDir:       cfg.Media.Dir,
		ThumbnailWidth: cfg.Media.ThumbnailWidth,
	})
	defer service.Wait()

	if relayURL != "" {
		if err := relay.Start(ctx); err != nil {
			return err
		}
	} else {
		logger.Printf("no upstream camera configured, relay idle")
	}
	g.Go(func() error {
		<-ctx.Done()
		relay.Stop()
		return nil
	})

	apiServer := api.NewServer(db, service, authenticator, &relayControl{Relay: relay, ctx: ctx}, api.Config{
		MaxUploadBytes: cfg.Media.MaxUploadBytes,
	})
	wsHandler := ws.NewHandler(hub, broadcaster, session)

	srv := newHTTPServer(ctx, cfg, logger, streams, apiServer, wsHandler)
	g.Go(func() error {
		logger.Printf("HTTP server listening on %q", srv.Addr)
		return ignoreClosed(srv.ListenAndServe())
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Printf("shutting down HTTP server at %q", srv.Addr)

		broadcaster.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("failed to shutdown: %v", err)
			return srv.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}

// relayControl starts an idle relay the first time an upstream is set.
type relayControl struct {
	*stream.Relay
	ctx context.Context
}

func (c *relayControl) Reconnect() {
	if c.Running() {
		c.Relay.Reconnect()
		return
	}
	if err := c.Start(c.ctx); err != nil && !errors.Is(err, stream.ErrRelayRunning) {
		log.Printf("[Relay] Failed to start: %v", err)
	}
}
