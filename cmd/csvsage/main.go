// Command csvsage answers natural-language questions about CSV files, either over HTTP or in
// an interactive terminal session.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/csvsage/sage/config"
	"github.com/ZanzyTHEbar/csvsage/sage/dataset"
	"github.com/ZanzyTHEbar/csvsage/sage/db"
	"github.com/ZanzyTHEbar/csvsage/sage/harness"
	"github.com/ZanzyTHEbar/csvsage/sage/provider/openai"
	"github.com/ZanzyTHEbar/csvsage/sage/server"
	"github.com/ZanzyTHEbar/csvsage/sage/session"
	"github.com/ZanzyTHEbar/csvsage/sage/tools"
)

const usage = `usage: csvsage <command> [flags]

commands:
  serve [--config path]              run the HTTP API
  chat  [--config path] <file.csv>   ask questions about a file in the terminal
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "serve":
		logger := newLogger(cfg.Log, os.Stderr)
		return serve(ctx, cfg, logger)
	case "chat":
		if fs.NArg() != 1 {
			fs.Usage()
			return errors.New("chat needs exactly one CSV file")
		}
		// Keep the terminal readable: only warnings and up unless configured otherwise.
		logCfg := cfg.Log
		if logCfg.Level == "info" {
			logCfg.Level = "warn"
		}
		logCfg.Pretty = true
		logger := newLogger(logCfg, os.Stderr)
		return chat(ctx, cfg, logger, fs.Arg(0), os.Stdin, os.Stdout)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func newLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("app", "csvsage").Logger()
}

// app is the wired component graph shared by both commands.
type app struct {
	manager *session.Manager
	closers []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
}

func build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}

	sqlDB, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	if sqlDB != nil {
		a.closers = append(a.closers, sqlDB)
	}

	models, err := config.LoadModelList(cfg.LLM)
	if err != nil {
		a.Close()
		return nil, err
	}
	entry, err := models.Select(cfg.LLM.Model)
	if err != nil {
		a.Close()
		return nil, err
	}
	provider, err := openai.New(entry, openai.WithLogger(logger.With().Str("component", "provider").Logger()))
	if err != nil {
		a.Close()
		return nil, err
	}

	factory := harness.NewFactory(cfg, sqlDB, logger.With().Str("component", "harness").Logger())
	cache, cacheCloser, err := factory.CreateCache(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, cacheCloser)

	registry, err := tools.NewBuiltinRegistry(
		tools.WithCache(cache, cfg.Harness.CacheTTLSeconds),
		tools.WithLogger(logger.With().Str("component", "tools").Logger()),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	policy, err := factory.CreatePolicy()
	if err != nil {
		a.Close()
		return nil, err
	}
	orchestrator, err := factory.CreateOrchestrator(provider)
	if err != nil {
		a.Close()
		return nil, err
	}

	loader := dataset.NewLoader(dataset.Options{
		Delimiter:   cfg.Dataset.DelimiterRune(),
		MaxAttempts: cfg.Dataset.MaxAttempts,
		BackoffUnit: cfg.Dataset.BackoffUnit,
	}, logger.With().Str("component", "dataset").Logger())

	opts := session.Options{
		IdleTTL:         cfg.Session.IdleTTL,
		CleanupInterval: cfg.Session.CleanupInterval,
		UploadDir:       cfg.Server.UploadDir,
		SystemMessage:   cfg.Harness.SystemMessage,
		Logger:          logger.With().Str("component", "session").Logger(),
	}
	if sqlDB != nil {
		opts.Store = factory.CreateStore()
	}
	a.manager = session.NewManager(loader, registry, orchestrator, policy, opts)

	logger.Info().
		Str("model", entry.Model).
		Str("termination", policy.Termination.String()).
		Bool("store", sqlDB != nil).
		Msg("components ready")
	return a, nil
}

func openStore(cfg config.StoreConfig, logger zerolog.Logger) (*sql.DB, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Type != "libsql" {
		return nil, fmt.Errorf("unsupported store type %q", cfg.Type)
	}
	return db.ConnectToDB(cfg.DSN, logger.With().Str("component", "db").Logger())
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(cfg.Server, cfg.Dataset.PreviewRows, a.manager, logger.With().Str("component", "server").Logger())
	return srv.Run(ctx)
}
