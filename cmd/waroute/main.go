// waroute is the WhatsApp ride-matching backend: it receives channel
// webhooks, drives the conversational flows and serves health and metrics.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/motolink/waroute/internal/agent"
	"github.com/motolink/waroute/internal/api"
	"github.com/motolink/waroute/internal/config"
	"github.com/motolink/waroute/internal/favorites"
	"github.com/motolink/waroute/internal/flow"
	"github.com/motolink/waroute/internal/genai"
	"github.com/motolink/waroute/internal/intent"
	"github.com/motolink/waroute/internal/match"
	"github.com/motolink/waroute/internal/messaging"
	"github.com/motolink/waroute/internal/observability"
	"github.com/motolink/waroute/internal/router"
	"github.com/motolink/waroute/internal/store"
	"github.com/motolink/waroute/internal/util"
	"github.com/motolink/waroute/internal/whatsapp"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("waroute exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment may be set by the deployment.
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	st, db, err := openStore(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	cache := buildIntentCache(cfg)
	agentClient, err := buildAgent(cfg)
	if err != nil {
		return err
	}

	svc, apiOpts, err := buildChannel(cfg)
	if err != nil {
		return fmt.Errorf("failed to build messaging channel: %w", err)
	}

	states := flow.NewStateManager(st)
	engine := flow.NewEngine(flow.Deps{
		States:       states,
		Store:        st,
		Msgr:         svc,
		Queries:      match.NewSQLQueries(db),
		Favs:         favorites.NewService(st),
		Cache:        cache,
		Agent:        agentClient,
		Alerter:      observability.LogAlerter{},
		Policy:       cfg.SearchPolicy,
		RadiusMeters: cfg.EffectiveRadiusMeters(),
		MaxResults:   cfg.MaxResults,
		WindowDays:   cfg.WindowDays,
	})

	routerOpts := []router.Option{router.WithBlocklist(cfg.BlockedSenders)}
	if cfg.RatePerMinute > 0 {
		routerOpts = append(routerOpts,
			router.WithRateLimit(cfg.RatePerMinute, time.Minute/time.Duration(cfg.RatePerMinute)))
	}
	rt := router.NewRouter(engine, states, svc, routerOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging channel: %w", err)
	}
	defer svc.Stop()

	go pump(ctx, rt, svc)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.NewServer(apiOpts...).Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Addr, "channel", cfg.Channel)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	return nil
}

// pump dispatches inbound messages until the context ends. Dispatch contains
// handler panics, so one bad message never stops the pump.
func pump(ctx context.Context, rt *router.Router, svc messaging.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-svc.Messages():
			if !ok {
				return
			}
			if err := rt.Dispatch(ctx, msg); err != nil {
				slog.Error("Dispatch failed", "profileID", msg.From, "kind", msg.Kind, "error", err)
			}
		}
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("WAROUTE_DEBUG", false) {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

// openStore picks the backend from the DSN and returns the store plus its
// database handle for the ranking queries.
func openStore(dsn string) (store.Store, *sql.DB, error) {
	switch store.DetectDSNType(dsn) {
	case "postgres":
		ps, err := store.NewPostgresStore(store.WithDSN(dsn))
		if err != nil {
			return nil, nil, err
		}
		return ps, ps.DB(), nil
	default:
		ss, err := store.NewSQLiteStore(store.WithDSN(dsn))
		if err != nil {
			return nil, nil, err
		}
		return ss, ss.DB(), nil
	}
}

func buildIntentCache(cfg config.Config) intent.Cache {
	if cfg.RedisAddr == "" {
		slog.Info("Redis not configured, using in-memory intent cache")
		return intent.NewMemoryCache(cfg.IntentTTL)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	return intent.NewRedisCache(client, cfg.IntentTTL)
}

// buildAgent creates the advisory agent when the policy asks for it.
func buildAgent(cfg config.Config) (agent.Client, error) {
	if cfg.SearchPolicy != config.PolicyAgentFirst {
		return nil, nil
	}
	gen, err := genai.NewClient()
	if err != nil {
		return nil, fmt.Errorf("agent-first policy needs a GenAI client: %w", err)
	}
	return agent.NewGenAIClient(gen), nil
}

// buildChannel creates the messaging service for the configured channel and
// the webhook routes it needs.
func buildChannel(cfg config.Config) (messaging.Service, []api.Option, error) {
	switch cfg.Channel {
	case config.ChannelCloud:
		if cfg.CloudAccessToken == "" || cfg.CloudPhoneNumberID == "" {
			return nil, nil, fmt.Errorf("cloud channel needs WA_CLOUD_ACCESS_TOKEN and WA_CLOUD_PHONE_NUMBER_ID")
		}
		svc := messaging.NewCloudService(cfg.CloudAccessToken, cfg.CloudPhoneNumberID,
			messaging.WithGraphBaseURL(cfg.CloudAPIBaseURL))
		return svc, []api.Option{api.WithCloudWebhook(svc, cfg.CloudVerifyToken)}, nil

	case config.ChannelTwilio:
		svc, err := messaging.NewTwilioService(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber)
		if err != nil {
			return nil, nil, err
		}
		return svc, []api.Option{api.WithTwilioWebhook(svc)}, nil

	case config.ChannelWhatsmeow:
		opts := []whatsapp.Option{}
		if cfg.WhatsmeowDBDSN != "" {
			opts = append(opts, whatsapp.WithDBDSN(cfg.WhatsmeowDBDSN))
		}
		if cfg.WhatsmeowQRPath != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(cfg.WhatsmeowQRPath))
		}
		client, err := whatsapp.NewClient(opts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsmeowService(client), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown channel %q", cfg.Channel)
}
