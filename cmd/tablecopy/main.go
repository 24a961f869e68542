package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/johndauphine/tablecopy/internal/checkpoint"
	"github.com/johndauphine/tablecopy/internal/config"
	"github.com/johndauphine/tablecopy/internal/exitcodes"
	"github.com/johndauphine/tablecopy/internal/logging"
	"github.com/johndauphine/tablecopy/internal/notify"
	"github.com/johndauphine/tablecopy/internal/orchestrator"
	"github.com/johndauphine/tablecopy/internal/progress"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "tablecopy",
		Usage:   "Parallel, resumable table copy between databases",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Environment file loaded before the configuration is expanded",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address (e.g. :9090)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}
			logging.SetLevel(level)
			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}
			if addr := c.String("metrics-addr"); addr != "" {
				serveMetrics(addr)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Start a new migration",
				Action: runMigration,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "migration-id",
						Usage: "Migration id (default: migration.id from the config, else a generated UUID)",
					},
				},
			},
			{
				Name:   "resume",
				Usage:  "Resume an interrupted or failed migration",
				Action: resumeMigration,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "migration-id",
						Required: true,
						Usage:    "Migration to resume",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show the status of a migration and its pipelines",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "migration-id",
						Usage: "Migration to show (default: the most recent one)",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
				},
			},
			{
				Name:   "abort",
				Usage:  "Abort a running migration",
				Action: abortMigration,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "migration-id",
						Required: true,
						Usage:    "Migration to abort",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(reportError(os.Stderr, err))
	}
}

// reportError prints err with its exit code and returns the code.
func reportError(w io.Writer, err error) int {
	code := exitcodes.FromError(err)
	fmt.Fprintf(w, "Error: %v\n", err)
	fmt.Fprintf(w, "Exit code %d: %s\n", code, exitcodes.Description(code))
	if exitcodes.IsRecoverable(code) {
		fmt.Fprintln(w, "Safe to retry: run the resume command to continue where the migration stopped.")
	}
	return code
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Metrics server on %s: %v", addr, err)
		}
	}()
	logging.Info("Serving metrics on %s/metrics", addr)
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadWithOptions(c.String("config"), config.LoadOptions{EnvFile: c.String("env-file")})
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("failed to load config: %w", err), exitcodes.ConfigError)
	}
	if logging.IsDebug() {
		if out, err := yaml.Marshal(cfg.Sanitized()); err == nil {
			logging.Debug("Configuration:\n%s", out)
		}
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM. Pipelines stop at their
// next pipe operation and the migration is left resumable.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted. Stopping pipelines...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// newProgress draws a progress bar on a terminal and writes JSON lines
// otherwise. The returned func finishes the bar.
func newProgress() (progress.Sink, func()) {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		t := progress.NewTracker(os.Stderr)
		return t, t.Finish
	}
	return progress.NewJSONReporter(os.Stderr, 5*time.Second, nil), func() {}
}

type migrateFunc func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) (*checkpoint.MigrationStatus, error)

func migrate(c *cli.Context, fn migrateFunc) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	sink, finish := newProgress()
	o, err := orchestrator.Open(ctx, cfg, orchestrator.Deps{
		Progress: sink,
		Notifier: notify.FromConfig(&cfg.Slack),
	})
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConnectionError)
	}
	defer o.Close()

	status, runErr := fn(ctx, o, cfg)
	finish()

	if status == nil {
		return runErr
	}
	code := exitcodes.FromStatus(status)
	if runErr == nil && code != exitcodes.Success {
		runErr = fmt.Errorf("migration %s is %s with %d failed pipelines", status.MigrationID, status.Status, status.FailedTasks)
	}
	if runErr != nil {
		if ctx.Err() != nil {
			code = exitcodes.Cancelled
		}
		return exitcodes.NewExitError(runErr, code)
	}
	return nil
}

func runMigration(c *cli.Context) error {
	return migrate(c, func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) (*checkpoint.MigrationStatus, error) {
		id := c.String("migration-id")
		if id == "" {
			id = cfg.MigrationID()
		}
		return o.Run(ctx, id, cfg.Items())
	})
}

func resumeMigration(c *cli.Context) error {
	return migrate(c, func(ctx context.Context, o *orchestrator.Orchestrator, cfg *config.Config) (*checkpoint.MigrationStatus, error) {
		return o.Resume(ctx, c.String("migration-id"), cfg.Items())
	})
}

// openStore opens only the checkpoint store; status and abort never touch
// the source or target.
func openStore(c *cli.Context) (*checkpoint.Store, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	dsn := cfg.Checkpoint.Path
	if cfg.Checkpoint.Backend == config.CheckpointPostgres {
		dsn = cfg.Checkpoint.DSN
	}
	store, err := checkpoint.Open(cfg.Checkpoint.Backend, dsn)
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("opening checkpoint store: %w", err), exitcodes.StateError)
	}
	return store, nil
}

func showStatus(c *cli.Context) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := orchestrator.LoadReport(c.Context, store, c.String("migration-id"))
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.StateError)
	}
	if c.Bool("json") {
		return report.WriteJSON(os.Stdout)
	}
	return report.WriteText(os.Stdout)
}

func abortMigration(c *cli.Context) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := orchestrator.Abort(c.Context, store, c.String("migration-id")); err != nil {
		return exitcodes.NewExitError(err, exitcodes.StateError)
	}
	fmt.Printf("Migration %s aborted; running pipelines stop on their next poll\n", c.String("migration-id"))
	return nil
}
