// Command revwatch watches product review listings and posts every new
// review to Slack exactly once.
//
// Usage:
//
//	revwatch run     -c revwatch.yaml          # one pass, then exit (cron)
//	revwatch serve   -c revwatch.yaml          # scheduled runs + status API
//	revwatch cursors -c revwatch.yaml          # print committed watermarks
//	revwatch runs    -c revwatch.yaml [-n 20]  # print recent runs
//	revwatch migrate -c revwatch.yaml --from review_state.json
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hazyhaar/revwatch/revwatch"
	"github.com/hazyhaar/revwatch/runlock"
)

const usage = `usage: revwatch <command> [flags]

commands:
  run       check every entity once and exit
  serve     run on a schedule and expose the status API
  cursors   print the committed watermarks as JSON
  runs      print recent runs from the history
  migrate   import a legacy state file (--from)
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "revwatch: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	config   string
	logLevel string
	from     string
	limit    int
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(os.Stderr, usage)
		return nil
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "run", "serve", "cursors", "runs", "migrate":
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}

	var opts options
	fs := pflag.NewFlagSet("revwatch "+cmd, pflag.ContinueOnError)
	fs.StringVarP(&opts.config, "config", "c", "revwatch.yaml", "path to the YAML configuration")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	switch cmd {
	case "migrate":
		fs.StringVar(&opts.from, "from", "", "state document to import")
	case "runs":
		fs.IntVarP(&opts.limit, "limit", "n", 20, "number of runs to print")
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := revwatch.LoadConfigFile(opts.config)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		return runOnce(ctx, cfg, logger)
	case "serve":
		return serve(ctx, cfg, logger)
	case "cursors":
		return printCursors(ctx, cfg, logger)
	case "runs":
		return printRuns(ctx, cfg, opts.limit)
	default:
		return migrate(ctx, cfg, opts.from, logger)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// lockPath places the run lock next to the state so that two processes
// sharing a state file also share the lock.
func lockPath(cfg *revwatch.Config) string {
	return filepath.Join(filepath.Dir(cfg.State.Path), "."+filepath.Base(cfg.State.Path)+".lock")
}

func acquire(cfg *revwatch.Config) (*runlock.Lock, error) {
	path := lockPath(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return runlock.Acquire(path)
}

func runOnce(ctx context.Context, cfg *revwatch.Config, logger *slog.Logger) error {
	lock, err := acquire(cfg)
	if err != nil {
		return err
	}
	defer lock.Release()

	svc, err := revwatch.NewFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	rep, err := svc.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("revwatch: done",
		"run_id", rep.RunID,
		"status", rep.Status(),
		"events", len(rep.Events),
		"failed", len(rep.Failed()))
	return nil
}

func serve(ctx context.Context, cfg *revwatch.Config, logger *slog.Logger) error {
	lock, err := acquire(cfg)
	if err != nil {
		return err
	}
	defer lock.Release()

	svc, err := revwatch.NewFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d := revwatch.NewDaemon(svc, cfg.Schedule.Interval, logger)
	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	errc := make(chan error, 1)
	go func() {
		logger.Info("revwatch: status API listening", "addr", cfg.HTTP.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("revwatch: shutting down")
	shutCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	srv.Shutdown(shutCtx)
	<-done

	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}

func printCursors(ctx context.Context, cfg *revwatch.Config, logger *slog.Logger) error {
	store, closeStore, err := revwatch.OpenStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	m, err := store.Load(ctx)
	if err != nil {
		logger.Warn("revwatch: state unusable", "error", err)
	}
	return writeJSON(m)
}

func printRuns(ctx context.Context, cfg *revwatch.Config, limit int) error {
	h, closeHistory, err := revwatch.OpenHistory(cfg)
	if err != nil {
		return err
	}
	defer closeHistory()

	runs, err := h.List(ctx, limit)
	if err != nil {
		return err
	}
	return writeJSON(runs)
}

func migrate(ctx context.Context, cfg *revwatch.Config, from string, logger *slog.Logger) error {
	if from == "" {
		return errors.New("migrate: --from is required")
	}
	raw, err := os.ReadFile(from)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	lock, err := acquire(cfg)
	if err != nil {
		return err
	}
	defer lock.Release()

	m, version, err := revwatch.Import(ctx, cfg, raw, logger)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("revwatch: state imported", "from", from, "schema_version", version, "entities", len(m))
	return nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
