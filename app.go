package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"chatvault/internal/archive"
	"chatvault/internal/config"
	"chatvault/internal/integrations/discord"
	slackint "chatvault/internal/integrations/slack"
	"chatvault/internal/jobs"
	"chatvault/internal/middleware"
	"chatvault/internal/storage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/slack-go/slack"
	"golang.org/x/time/rate"
)

// App holds the wired services of one process.
type App struct {
	Config *config.Config
	Store  storage.Store
	Runner *jobs.Runner
	Router *mux.Router

	webhookLimiter *middleware.IPRateLimiter
	discord        *discord.Client
	socket         *slackint.SocketListener
	redisLock      *jobs.RedisLock
}

// newApp builds the store, the platform adapter, the sync engine and the
// HTTP routes. slackOptions are passed to the Slack client.
func newApp(ctx context.Context, cfg *config.Config, slackOptions ...slack.Option) (*App, error) {
	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Store: store, webhookLimiter: middleware.WebhookRateLimiter()}

	var lock jobs.RunLock = jobs.NewMemoryLock()
	if cfg.RedisURL != "" {
		// The TTL outlives the run timeout so a live run never loses its lock.
		redisLock, err := jobs.NewRedisLockFromURL(ctx, cfg.RedisURL, cfg.RunTimeout+time.Minute)
		if err != nil {
			store.Close()
			return nil, err
		}
		app.redisLock = redisLock
		lock = redisLock
		slog.Info("Using Redis sync lock")
	}

	initialLimit := cfg.InitialFetchLimit
	if initialLimit == 0 {
		initialLimit = -1
	}
	engineCfg := archive.OrchestratorConfig{
		Concurrency:  cfg.SyncConcurrency,
		InitialLimit: initialLimit,
		Fetcher: archive.FetcherConfig{
			Limiter: rate.NewLimiter(rate.Limit(cfg.UpstreamRequestsPerSecond), cfg.UpstreamBurst),
		},
	}

	var events http.Handler
	switch cfg.Platform {
	case config.PlatformSlack:
		if cfg.UsesSocketMode() {
			slackOptions = append(slackOptions, slack.OptionAppLevelToken(cfg.SlackAppToken))
		}
		client := slackint.NewClient(cfg.SlackBotToken, slackOptions...)

		botUserID, err := client.BotUserID(ctx)
		if err != nil {
			slog.Warn("Could not get bot user ID", "error", err)
		}

		app.Runner = jobs.NewRunner(archive.NewOrchestrator(client, store, engineCfg), client, lock, cfg.RunTimeout)
		triggers := slackint.NewTriggerHandler(cfg.BackupTrigger, botUserID, app.Runner)
		if cfg.UsesSocketMode() {
			app.socket = slackint.NewSocketListener(client.API(), triggers)
		} else {
			events = slackint.NewEventsHandler(cfg.SlackSigningSecret, triggers)
		}

	case config.PlatformDiscord:
		client, err := discord.NewClient(cfg.DiscordBotToken)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.discord = client
		app.Runner = jobs.NewRunner(archive.NewOrchestrator(client, store, engineCfg), client, lock, cfg.RunTimeout)
		triggers := discord.NewTriggerHandler(cfg.BackupTrigger, app.Runner, client)
		client.Session().AddHandler(triggers.OnMessageCreate)

	default:
		app.Close()
		return nil, fmt.Errorf("unsupported platform %q", cfg.Platform)
	}

	app.Router = newRouter(store, events, app.webhookLimiter)
	return app, nil
}

func newRouter(store storage.Store, slackEvents http.Handler, limiter *middleware.IPRateLimiter) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.LoggingMiddleware)
	router.Use(middleware.MetricsMiddleware)

	if slackEvents != nil {
		slackRouter := router.PathPrefix("/slack").Subrouter()
		slackRouter.Use(limiter.Middleware)
		slackRouter.Handle("/events", slackEvents).Methods("POST")
	}

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			slog.Warn("Readiness check failed", "error", err)
			http.Error(w, "Store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

// Start connects the long-lived platform listeners.
func (a *App) Start(ctx context.Context) error {
	go a.webhookLimiter.Cleanup(ctx, time.Minute, 10*time.Minute)

	if a.discord != nil {
		if err := a.discord.Open(); err != nil {
			return err
		}
		slog.Info("Connected to Discord gateway")
	}
	if a.socket != nil {
		go func() {
			if err := a.socket.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Slack Socket Mode stopped", "error", err)
			}
		}()
	}
	return nil
}

// Shutdown stops accepting commands, lets in-flight runs finish while ctx
// allows, then releases every connection.
func (a *App) Shutdown(ctx context.Context) {
	if a.discord != nil {
		if err := a.discord.Close(); err != nil {
			slog.Error("Failed to close Discord session", "error", err)
		}
	}
	if a.Runner != nil {
		a.Runner.Stop(ctx)
	}
	a.Close()
}

func (a *App) Close() {
	if a.redisLock != nil {
		if err := a.redisLock.Close(); err != nil {
			slog.Error("Failed to close Redis client", "error", err)
		}
	}
	if err := a.Store.Close(); err != nil {
		slog.Error("Failed to close store", "error", err)
	}
}
