package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"clinical-decision-agent/internal/agent"
	"clinical-decision-agent/internal/config"
	"clinical-decision-agent/internal/consultation"
	"clinical-decision-agent/internal/datasource"
	"clinical-decision-agent/internal/logging"
)

type globalFlags struct {
	configPath string
	dataDir    string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "casectl",
		Short:         "Run and inspect clinical decision-support cases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default ./config.yaml)")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "use the file backend rooted here, overriding config")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log progress to stderr")

	root.AddCommand(newRunCmd(flags), newAssessCmd(flags), newSafetyCmd(flags), newSeedCmd(flags))
	return root
}

// env is what every subcommand needs from config.
type env struct {
	cfg     *config.Config
	logger  zerolog.Logger
	backend datasource.Backend
	db      *sql.DB
}

func (e *env) Close() {
	if e.db != nil {
		e.db.Close()
	}
}

func loadEnv(ctx context.Context, flags *globalFlags, stderr io.Writer) (*env, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.dataDir != "" {
		cfg.Sources.Backend = "file"
		cfg.Sources.DataDir = flags.dataDir
	}

	logger := zerolog.Nop()
	if flags.verbose {
		if logger, err = logging.New(cfg.Logging.Level, logging.FormatConsole, stderr); err != nil {
			return nil, err
		}
	}

	e := &env{cfg: cfg, logger: logger}
	switch cfg.Sources.Backend {
	case "postgres":
		if e.db, err = openPostgres(ctx, cfg.Database.URL); err != nil {
			return nil, err
		}
		e.backend = datasource.NewPostgresStore(e.db)
	default:
		e.backend = datasource.NewFileStore(cfg.Sources.DataDir)
	}
	return e, nil
}

func openPostgres(ctx context.Context, url string) (*sql.DB, error) {
	if url == "" {
		return nil, fmt.Errorf("database.url is required for the postgres backend")
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

func (e *env) gateway() *datasource.Gateway {
	return datasource.NewGateway(e.backend,
		datasource.WithTimeout(e.cfg.Sources.FetchTimeout),
		datasource.WithRateLimit(e.cfg.Sources.RateLimit, e.cfg.Sources.Burst),
		datasource.WithLogger(e.logger),
	)
}

func (e *env) orchestrator() (*consultation.Orchestrator, error) {
	model, err := agent.NewModel(e.cfg.ModelConfig())
	if err != nil {
		return nil, err
	}
	policy, err := e.cfg.TriagePolicy()
	if err != nil {
		return nil, err
	}
	return consultation.NewOrchestrator(e.gateway(), agent.Guard(model, e.cfg.Inference.Timeout, e.logger), policy,
		consultation.WithReasoning(e.cfg.Reasoning),
		consultation.WithCorrection(e.cfg.Correction),
		consultation.WithFanout(e.cfg.Case.Fanout),
		consultation.WithCaseTimeout(e.cfg.Case.Timeout),
		consultation.WithLogger(e.logger),
	), nil
}
