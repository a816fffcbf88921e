package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"clinical-decision-agent/internal/agent"
	"clinical-decision-agent/internal/config"
	"clinical-decision-agent/internal/consultation"
	"clinical-decision-agent/internal/datasource"
	"clinical-decision-agent/internal/logging"
	"clinical-decision-agent/internal/platform/telegram"
	"clinical-decision-agent/internal/progress"
	"clinical-decision-agent/internal/report"
	"clinical-decision-agent/internal/safety"
	"clinical-decision-agent/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CLINICAL_CONFIG"))
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Exporter:    cfg.Telemetry.Exporter,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}()

	// 1. Data sources
	var backend datasource.Backend
	switch cfg.Sources.Backend {
	case "postgres":
		db, err := openDB(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		migrateUp(cfg.Database, logger)
		backend = datasource.NewPostgresStore(db)
	default:
		backend = datasource.NewFileStore(cfg.Sources.DataDir)
	}
	gateway := datasource.NewGateway(backend,
		datasource.WithTimeout(cfg.Sources.FetchTimeout),
		datasource.WithRateLimit(cfg.Sources.RateLimit, cfg.Sources.Burst),
		datasource.WithLogger(logger),
	)

	// 2. Clients
	model, err := agent.NewModel(cfg.ModelConfig())
	if err != nil {
		return err
	}
	inference := agent.Guard(model, cfg.Inference.Timeout, logger)

	var stt agent.Transcriber
	if cfg.STT.URL != "" {
		stt = agent.NewWhisperClient(cfg.STT.URL, cfg.STT.Timeout, logger)
	}

	var tg report.TelegramClient
	if cfg.Telegram.Token != "" {
		tg = telegram.NewClient(cfg.Telegram.Token,
			telegram.WithBaseURL(cfg.Telegram.BaseURL),
			telegram.WithTimeout(cfg.Telegram.Timeout),
		)
	} else {
		logger.Warn().Msg("telegram token not set, reports and alerts will not be delivered")
	}

	// 3. Services
	policy, err := cfg.TriagePolicy()
	if err != nil {
		return err
	}
	reports := report.NewService(report.NewRenderer(cfg.Report.FontPaths...), tg, cfg.Telegram.DoctorChatID, logger)

	sinks := []progress.Sink{progress.LogSink(logger)}
	if tg != nil {
		sinks = append(sinks, reports.AlertSink())
	}

	orchestrator := consultation.NewOrchestrator(gateway, inference, policy,
		consultation.WithReasoning(cfg.Reasoning),
		consultation.WithCorrection(cfg.Correction),
		consultation.WithFanout(cfg.Case.Fanout),
		consultation.WithCaseTimeout(cfg.Case.Timeout),
		consultation.WithSinks(sinks...),
		consultation.WithLogger(logger),
	)
	var handlerOpts []consultation.HandlerOption
	if pairs, ok := backend.(safety.PairSource); ok {
		handlerOpts = append(handlerOpts, consultation.WithSafetyReviewer(safety.NewMonitor(gateway, pairs, logger, sinks...)))
	}
	handler := consultation.NewHandler(orchestrator, stt, reports, logger, handlerOpts...)

	// 4. Router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors(cfg.Server.CORSOrigin))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		consultation.RegisterRoutes(r, handler)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Server.Port).Str("backend", cfg.Sources.Backend).
			Str("inference", cfg.Inference.Provider).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func openDB(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, errors.New("database.url is required for the postgres backend")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	for i := 1; i <= cfg.ConnectRetries; i++ {
		if err = db.PingContext(ctx); err == nil {
			logger.Info().Msg("connected to database")
			return db, nil
		}
		logger.Warn().Err(err).Int("attempt", i).Int("of", cfg.ConnectRetries).Msg("waiting for database")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(cfg.RetryDelay):
		}
	}
	db.Close()
	return nil, fmt.Errorf("could not connect to database: %w", err)
}

func migrateUp(cfg config.DatabaseConfig, logger zerolog.Logger) {
	m, err := migrate.New(cfg.MigrationsPath, cfg.URL)
	if err != nil {
		logger.Error().Err(err).Msg("migration init failed")
		return
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Error().Err(err).Msg("migration up failed")
		return
	}
	logger.Info().Msg("migrations applied")
}

func cors(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
			if r.Method == http.MethodOptions {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
