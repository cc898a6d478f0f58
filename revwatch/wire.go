package revwatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/hazyhaar/revwatch/dbopen"
	"github.com/hazyhaar/revwatch/revwatch/internal/cursor"
	"github.com/hazyhaar/revwatch/revwatch/internal/gateway"
	"github.com/hazyhaar/revwatch/revwatch/internal/notify"
	"github.com/hazyhaar/revwatch/revwatch/internal/runlog"
)

// NewFromConfig assembles a Service from configuration: the HTTP/browser
// gateway, the configured watermark store, the notification sinks and,
// when history.path is set, the run history. Close releases them.
func NewFromConfig(cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var closers []func() error
	fail := func(err error) (*Service, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil, err
	}

	entities := cfg.Entities()

	sources := make([]gateway.Source, len(cfg.Sources))
	names := make(map[string]string, len(cfg.Sources))
	for i, s := range cfg.Sources {
		sources[i] = s.Source
		names[s.ID] = s.Name
	}
	fetchCfg := cfg.Fetch
	fetchCfg.Browser = cfg.Browser
	gw, err := gateway.New(fetchCfg, sources, logger)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}
	closers = append(closers, gw.Close)

	medium, closeMedium, err := openMedium(cfg.State)
	if err != nil {
		return fail(err)
	}
	if closeMedium != nil {
		closers = append(closers, closeMedium)
	}
	store := cursor.NewStore(medium, entities, cfg.LegacyDefault(), logger)

	var pre Service
	for _, o := range opts {
		o(&pre)
	}
	hooks := make([]notify.SendFunc, len(pre.hooks))
	for i, h := range pre.hooks {
		hooks[i] = h
	}

	n := notify.New(buildSinks(cfg.Notify, logger, hooks...), names, notifyConfig(cfg.Notify), logger)
	closers = append(closers, n.Close)

	if cfg.History.Path != "" {
		h, err := runlog.Open(cfg.History.Path)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, h.Close)
		opts = append([]ServiceOption{WithHistory(h)}, opts...)
	}

	svc, err := New(entities, gw, store, n, logger, opts...)
	if err != nil {
		return fail(err)
	}
	svc.closers = closers
	return svc, nil
}

// OpenStore opens only the watermark store described by cfg, for the
// commands that read or import state without running.
func OpenStore(cfg *Config, logger *slog.Logger) (*cursor.Store, func() error, error) {
	medium, closeMedium, err := openMedium(cfg.State)
	if err != nil {
		return nil, nil, err
	}
	if closeMedium == nil {
		closeMedium = func() error { return nil }
	}
	return cursor.NewStore(medium, cfg.Entities(), cfg.LegacyDefault(), logger), closeMedium, nil
}

func openMedium(sc StateConfig) (cursor.Medium, func() error, error) {
	switch sc.Driver {
	case DriverSQLite:
		db, err := dbopen.Open(sc.Path, dbopen.WithMkdirAll())
		if err != nil {
			return nil, nil, &cursor.PersistenceError{Op: "open", Medium: "sqlite:" + sc.Path, Err: err}
		}
		m, err := cursor.NewSQLiteMedium(db, sc.Path)
		if err != nil {
			db.Close()
			return nil, nil, &cursor.PersistenceError{Op: "open", Medium: "sqlite:" + sc.Path, Err: err}
		}
		return m, db.Close, nil
	default:
		return cursor.NewFileMedium(sc.Path), nil, nil
	}
}

func buildSinks(nc NotifyConfig, logger *slog.Logger, hooks ...notify.SendFunc) notify.Sink {
	var sinks []notify.Sink
	if nc.SlackWebhookURL != "" {
		sinks = append(sinks, notify.NewSlack(nc.SlackWebhookURL,
			notify.WithSlackRetries(nc.Retries),
			notify.WithSlackLogger(logger)))
	}
	for _, h := range hooks {
		sinks = append(sinks, notify.NewCallback(h))
	}
	if len(sinks) == 0 {
		logger.Warn("revwatch: no slack webhook configured, printing messages to stdout")
	}
	if nc.Stdout || len(sinks) == 0 {
		sinks = append(sinks, notify.NewStdout(os.Stdout))
	}
	if len(sinks) == 1 {
		return sinks[0]
	}
	return notify.NewRouter(logger, sinks...)
}

func notifyConfig(nc NotifyConfig) notify.Config {
	c := notify.Config{Pace: nc.Pace}
	if c.Pace < 0 {
		c.Pace = 0
	}
	if nc.Heartbeat != nil && !*nc.Heartbeat {
		c.NoHeartbeat = true
	}
	if nc.AlertFailures != nil && !*nc.AlertFailures {
		c.NoFailureAlerts = true
	}
	return c
}

// Import decodes a legacy or current state document, migrates it and
// commits it as the current state. It returns the schema version found.
func Import(ctx context.Context, cfg *Config, raw []byte, logger *slog.Logger) (Mapping, int, error) {
	store, closeStore, err := OpenStore(cfg, logger)
	if err != nil {
		return nil, 0, err
	}
	defer closeStore()
	return store.Import(ctx, raw)
}

// OpenHistory opens the run history for reading. It fails when
// history.path is not configured.
func OpenHistory(cfg *Config) (HistoryReader, func() error, error) {
	if cfg.History.Path == "" {
		return nil, nil, fmt.Errorf("%w: history.path is not set", ErrInvalidConfig)
	}
	h, err := runlog.Open(cfg.History.Path)
	if err != nil {
		return nil, nil, err
	}
	return h, h.Close, nil
}
