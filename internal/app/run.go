package app

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/KUIT-MORU/KUIT-MORU-Server-sub000/internal/admin"
	"github.com/KUIT-MORU/KUIT-MORU-Server-sub000/internal/engine"
	"github.com/KUIT-MORU/KUIT-MORU-Server-sub000/internal/notify"
	"github.com/KUIT-MORU/KUIT-MORU-Server-sub000/internal/schedule"
	"github.com/KUIT-MORU/KUIT-MORU-Server-sub000/internal/store"
)

const drainTimeout = 15 * time.Second

func run(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	routinesPath := fs.String("routines", "", "path to routines YAML file (overrides MORU_ROUTINES)")
	dbPath := fs.String("db", "", "path to sqlite db file, or \"memory\" (overrides MORU_DB)")
	postgresDSN := fs.String("postgres-dsn", "", "postgres DSN (overrides MORU_POSTGRES_DSN)")
	listenAddr := fs.String("listen", "", "admin API listen address (overrides MORU_LISTEN_ADDR)")
	logLevel := fs.String("log-level", "", "log level (debug|info|warn|error, overrides MORU_LOG_LEVEL)")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	watch := fs.Bool("watch", false, "watch routines file for changes")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if strings.TrimSpace(*dotenvPath) != "" {
		if err := loadDotenv(strings.TrimSpace(*dotenvPath)); err != nil {
			fmt.Fprintf(os.Stderr, "dotenv: %v\n", err)
			return 1
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	if *routinesPath != "" {
		cfg.RoutinesPath = *routinesPath
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *postgresDSN != "" {
		cfg.PostgresDSN = *postgresDSN
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger, logCloser, err := newLogger(cfg.LogLevel, cfg.LogOutput, cfg.LogPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}
	slog.SetDefault(logger)

	if err := cfg.resolveSecrets(); err != nil {
		logger.Error("config_invalid", slog.Any("err", err))
		return 1
	}
	if err := cfg.validate(); err != nil {
		logger.Error("config_invalid", slog.Any("err", err))
		return 1
	}
	loc, err := cfg.location()
	if err != nil {
		logger.Error("config_invalid", slog.Any("err", err))
		return 1
	}
	logger.Info("config_ok")

	appMetrics := newRuntimeMetrics()

	if cfg.TracingEnabled {
		shutdownTracing, err := initTracing(context.Background(), cfg, func(err error) {
			appMetrics.incTracingExportErrors()
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			appMetrics.incTracingInitFailures()
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		appMetrics.setTracingEnabled(true)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		logger.Info("tracing_enabled")
	}

	st, backend, err := newStore(cfg)
	if err != nil {
		logger.Error("open_store_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = st.Close() }()
	logger.Info("store_backend_selected", slog.String("backend", backend))
	appMetrics.queueStore = st

	provider, err := schedule.NewFileProvider(cfg.RoutinesPath, logger)
	if err != nil {
		logger.Error("load_routines_failed", slog.Any("err", err))
		return 1
	}

	notifier := notify.NewHTTPNotifier(cfg.PushEndpoint, cfg.PushAPIKey,
		notify.WithRateLimit(cfg.PushRatePerSecond))

	eng := engine.New(st, provider, notifier, logger, engine.Config{
		DispatchInterval: cfg.DispatchInterval,
		RetryInterval:    cfg.RetryInterval,
		RetryBackoff:     cfg.RetryBackoff,
		MaxRetries:       cfg.MaxRetries,
		Location:         loc,
	})
	eng.ObserveDelivery = appMetrics.observeDelivery

	if err := eng.Start(); err != nil {
		logger.Error("engine_start_failed", slog.Any("err", err))
		return 1
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *watch {
		go provider.Watch(ctx, routineHooks(eng, logger))
	}

	adminSrv := admin.NewServer(eng)
	if tokens := cfg.adminTokenBytes(); len(tokens) > 0 {
		adminSrv.Authorize = admin.BearerTokenAuthorizer(tokens)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", newMetricsHandler(version, time.Now(), appMetrics))
	mux.Handle("/", adminSrv)

	httpSrv := &http.Server{
		Handler:           withAccessLog(logger, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("listen_failed", slog.String("addr", cfg.ListenAddr), slog.Any("err", err))
		return 1
	}
	logger.Info("admin_api_listening", slog.String("addr", ln.Addr().String()))
	serveOnListener(logger, "admin", httpSrv, ln, cancel)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	if ok := eng.Drain(drainTimeout); !ok {
		logger.Warn("engine_drain_timeout", slog.Duration("timeout", drainTimeout))
	} else {
		logger.Info("engine_drained")
	}
	return 0
}

func newStore(cfg Config) (store.Store, string, error) {
	if dsn := strings.TrimSpace(cfg.PostgresDSN); dsn != "" {
		st, err := store.NewPostgresStore(dsn)
		if err != nil {
			return nil, "", err
		}
		return st, "postgres", nil
	}
	if strings.EqualFold(strings.TrimSpace(cfg.DBPath), "memory") {
		return store.NewMemoryStore(), "memory", nil
	}
	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, "", err
	}
	return st, "sqlite", nil
}

// routineHooks adapts file-provider change events onto the engine's preload
// and purge triggers. Hook errors are logged, never fatal; the next sweep
// converges the queues with the file.
func routineHooks(eng *engine.Engine, logger *slog.Logger) schedule.ChangeHooks {
	report := func(event, routineID string, err error) {
		if err != nil {
			logger.Error("routine_trigger_failed",
				slog.String("event", event),
				slog.String("routine_id", routineID),
				slog.Any("err", err),
			)
		}
	}
	return schedule.ChangeHooks{
		Created: func(ctx context.Context, id string) {
			report("created", id, eng.OnRoutineCreated(ctx, id))
		},
		Updated: func(ctx context.Context, id string) {
			report("updated", id, eng.OnRoutineUpdated(ctx, id))
		},
		Deleted: func(ctx context.Context, id string) {
			report("deleted", id, eng.OnRoutineDeleted(ctx, id))
		},
	}
}
