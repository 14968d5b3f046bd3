// Command chat-mirror runs the mirror service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Resolves the bot credentials from the environment or the profile store.
//   - Optionally connects to Postgres and migrates the export journal schema.
//   - Starts the live relay (gateway feed → queue → webhook worker), the
//     interactive export console, and an HTTP server with /healthz, /readyz,
//     /status, /exports, /metrics, and a token-gated /admin/export.
//
// Shutdown is graceful on SIGINT/SIGTERM or the console's quit command.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chat-mirror/archive"
	"github.com/onnwee/chat-mirror/config"
	"github.com/onnwee/chat-mirror/console"
	"github.com/onnwee/chat-mirror/db"
	"github.com/onnwee/chat-mirror/platform"
	"github.com/onnwee/chat-mirror/profile"
	"github.com/onnwee/chat-mirror/relay"
	"github.com/onnwee/chat-mirror/server"
	"github.com/onnwee/chat-mirror/sink"
	"github.com/onnwee/chat-mirror/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chat-mirror", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Profile store: fills in credentials the environment left blank. A store
	// that exists but cannot be decoded aborts startup; running with a silently
	// empty token would look like a permissions problem downstream.
	store := openProfileStore()
	profiles, err := store.Load()
	if err != nil {
		slog.Error("profile store unreadable", slog.String("path", store.Path), slog.Any("err", err))
		os.Exit(1)
	}
	if p := profile.Find(profiles, cfg.ProfileName); p != nil {
		if cfg.BotToken == "" {
			cfg.BotToken = p.Token
		}
		if cfg.WebhookURL == "" {
			cfg.WebhookURL = p.Webhook
		}
		slog.Info("profile loaded", slog.String("profile", p.Name))
	}
	if cfg.BotToken == "" {
		slog.Error("no bot token: set BOT_TOKEN or store a profile", slog.String("profile", cfg.ProfileName))
		os.Exit(1)
	}

	// Optional export journal.
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	if database != nil {
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("export journal ready")
	} else {
		slog.Info("export journal disabled (DB_DSN not set)")
	}

	// Root context with graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := platform.NewClient(cfg.BotToken)
	loginCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	me, err := client.Login(loginCtx)
	cancel()
	if err != nil {
		slog.Error("login failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("logged in", slog.String("bot", me.Label()), slog.String("bot_id", me.ID))
	if err := store.BackfillIdentity(cfg.BotToken, me.Username, me.ID); err != nil {
		slog.Warn("profile identity backfill failed", slog.Any("err", err))
	}

	logReachableChannels(ctx, client)

	snk := &sink.Client{URL: cfg.WebhookURL}
	if err := cfg.ValidateRelayReady(); err != nil {
		slog.Warn("live relay disabled", slog.Any("reason", err))
	}

	queue := relay.NewQueue(cfg.RelayQueueSize)
	worker := relay.NewWorker(queue, snk)
	go worker.Run(ctx)

	gateway := &platform.Gateway{
		Client: client,
		Handler: func(m platform.Message) {
			if relay.Accept(m, snk.Configured()) {
				queue.Enqueue(m)
			}
		},
	}
	go gateway.Run(ctx)

	exporter := &archive.Exporter{
		Session:  client,
		Sink:     snk,
		DB:       database,
		Dir:      cfg.ExportDir,
		PageSize: cfg.HistoryPageSize,
	}

	ui := &console.Console{
		Session:  client,
		Exporter: exporter,
		In:       os.Stdin,
		Out:      os.Stdout,
		Stop:     stop,
	}
	go ui.Run(ctx)

	go func() {
		deps := server.Deps{DB: database, Queue: queue, Sink: snk, Exporter: exporter}
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

// setupLogging configures slog from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))
}

// openProfileStore resolves PROFILE_PATH or the per-user default location.
// A store that cannot even be opened (bad ENCRYPTION_KEY) is fatal.
func openProfileStore() *profile.Store {
	path := os.Getenv("PROFILE_PATH")
	if path == "" {
		p, err := profile.DefaultPath()
		if err != nil {
			slog.Error("cannot resolve profile path", slog.Any("err", err))
			os.Exit(1)
		}
		path = p
	}
	store, err := profile.Open(path)
	if err != nil {
		slog.Error("cannot open profile store", slog.String("path", path), slog.Any("err", err))
		os.Exit(1)
	}
	return store
}

// logReachableChannels prints the mirrorable surface at startup so operators
// can spot missing permissions immediately.
func logReachableChannels(ctx context.Context, s platform.Session) {
	guilds, err := s.Guilds(ctx)
	if err != nil {
		slog.Warn("guild listing failed", slog.Any("err", err))
		return
	}
	total := 0
	for _, g := range guilds {
		channels, err := s.Channels(ctx, g.ID)
		if err != nil {
			slog.Warn("channel listing failed", slog.String("guild", g.Name), slog.Any("err", err))
			continue
		}
		total += len(channels)
		slog.Info("guild reachable", slog.String("guild", g.Name), slog.Int("channels", len(channels)))
	}
	slog.Info("startup inventory", slog.Int("guilds", len(guilds)), slog.Int("channels", total))
}
