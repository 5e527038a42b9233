// Package main is the entry point for the presence API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/capitalize-ai/board-presence/internal/clock"
	"github.com/capitalize-ai/board-presence/internal/config"
	"github.com/capitalize-ai/board-presence/internal/handler"
	natsclient "github.com/capitalize-ai/board-presence/internal/nats"
	"github.com/capitalize-ai/board-presence/internal/service"
	"github.com/capitalize-ai/board-presence/internal/stream"
	"github.com/capitalize-ai/board-presence/pkg/logger"
	"github.com/capitalize-ai/board-presence/pkg/tracing"
)

const serviceName = "board-presence"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "presence-api",
		Short:         "Session presence and hook coordination server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and cleanup sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.AdminJWTSecret != "" {
				redacted.AdminJWTSecret = "<redacted>"
			}
			if redacted.NATSToken != "" {
				redacted.NATSToken = "<redacted>"
			}
			out, err := yaml.Marshal(&redacted)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	return root
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()
	defer log.ReplaceGlobals()()

	log.Info("starting presence server")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	hub := stream.NewHub(stream.DefaultBuffer, log)
	notifiers := service.Notifiers{hub}

	// NATS is optional: without it changes only reach local stream clients.
	var (
		natsClient *natsclient.Client
		changes    *natsclient.StreamManager
		publisher  *natsclient.Publisher
	)
	if cfg.NATSURL != "" {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsClient.Close()

		changes = natsclient.NewStreamManager(natsClient, cfg.RetentionWindow)
		if err := changes.EnsureStream(ctx); err != nil {
			return fmt.Errorf("failed to ensure stream: %w", err)
		}
		publisher = natsclient.NewPublisher(natsClient, log)
		notifiers = append(notifiers, publisher)
	}

	clk := clock.Real{}
	sessions := service.NewSessionService(service.SessionConfig{
		InactivityTimeout:  cfg.InactivityTimeout,
		IdleEndTimeout:     cfg.IdleEndTimeout,
		RetentionWindow:    cfg.RetentionWindow,
		RecentActionsLimit: cfg.RecentActionsLimit,
	}, clk, notifiers, log)
	events := service.NewEventStore(service.EventConfig{
		MaxEventsPerSession: cfg.MaxEventsPerSession,
		DefaultQueryLimit:   cfg.DefaultEventQueryLimit,
	}, clk, sessions, notifiers, log)
	browsers := service.NewBrowserSessionService(clk, sessions, service.NewGuestProvisioner(), notifiers, log)
	hooks := service.NewHookRegistry(clk, log)
	simulator := service.NewSimulator(service.SimulatorConfig{
		EventInterval: cfg.SimulatedEventInterval,
		Retention:     cfg.SimulatedRetention,
	}, clk, sessions, events, log)
	sweeper := service.NewSweeper(service.SweeperConfig{
		Interval:          cfg.SweepInterval,
		BrowserSessionTTL: cfg.BrowserSessionTTL,
		HookStaleTimeout:  cfg.HookStaleTimeout,
	}, clk, sessions, events, browsers, hooks, simulator, log)

	router := handler.NewRouter(handler.Deps{
		Sessions:          sessions,
		Events:            events,
		Browsers:          browsers,
		Hooks:             hooks,
		Simulator:         simulator,
		Sweeper:           sweeper,
		Hub:               hub,
		Notifier:          notifiers,
		NATS:              natsClient,
		Changes:           changes,
		Clock:             clk,
		Logger:            log,
		AdminJWTSecret:    cfg.AdminJWTSecret,
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	if err := sweeper.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Streams never finish on their own; close them before draining.
		hub.Close()
		err := server.Shutdown(shutdownCtx)

		sweeper.Stop()
		simulator.Stop()
		if publisher != nil {
			if ferr := publisher.Flush(shutdownCtx); ferr != nil {
				log.Warn("pending presence changes not flushed", zap.Error(ferr))
			}
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return err
	}

	log.Info("server stopped")
	return nil
}
