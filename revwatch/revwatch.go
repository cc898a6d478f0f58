// Package revwatch detects new reviews on product listings and notifies
// them exactly once.
//
// Each tracked entity (a source and a star bucket) keeps a watermark: the
// last observed review count and the id of the newest review seen. A run
// compares the live count with the watermark, walks the listing only when
// the count grew, notifies the reviews above the old boundary in
// chronological order, and commits every watermark in one write at the end.
package revwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/revwatch/idgen"
	"github.com/hazyhaar/revwatch/revwatch/internal/change"
	"github.com/hazyhaar/revwatch/revwatch/internal/cursor"
	"github.com/hazyhaar/revwatch/revwatch/internal/runlog"
	"github.com/hazyhaar/revwatch/revwatch/review"
)

// Gateway fetches counts and listings. Failures wrap ErrRetrievalUnavailable.
type Gateway interface {
	FetchCount(ctx context.Context, e review.Entity) (int, error)
	FetchSnapshot(ctx context.Context, e review.Entity) ([]review.Item, error)
}

// Store persists the watermark mapping. Load always returns a usable
// mapping, even alongside an error.
type Store interface {
	Load(ctx context.Context) (cursor.Mapping, error)
	Commit(ctx context.Context, m cursor.Mapping) error
}

// Notifier delivers run results. Errors are counted, never acted upon.
type Notifier interface {
	Notify(ctx context.Context, ev review.Event) error
	Heartbeat(ctx context.Context, sum review.Summary) error
	Failures(ctx context.Context, sum review.Summary) error
	Fatal(ctx context.Context, err error) error
}

// History records finished runs.
type History interface {
	Record(ctx context.Context, r *runlog.Run) error
}

// resetter is implemented by gateways that cache pages within a run.
type resetter interface{ Reset() }

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithHistory records every run in h.
func WithHistory(h History) ServiceOption {
	return func(s *Service) { s.history = h }
}

// WithIDGenerator sets the run id generator.
func WithIDGenerator(gen idgen.Generator) ServiceOption {
	return func(s *Service) { s.newID = gen }
}

// WithClock sets the time source used for report timestamps.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithMessageHook hands every message NewFromConfig's notifier sends to fn
// as well, in-process. Services built with New ignore it: their Notifier is
// supplied by the caller.
func WithMessageHook(fn func(ctx context.Context, text string) error) ServiceOption {
	return func(s *Service) { s.hooks = append(s.hooks, fn) }
}

// fatalTimeout bounds the delivery of the abort alert once the run context is gone.
const fatalTimeout = 30 * time.Second

// deliverTimeout bounds message delivery, which outlives a cancelled run
// context once the walk has finished.
const deliverTimeout = 10 * time.Minute

// Service is the run orchestrator. Runs never overlap: a second call to Run
// while one is active fails with ErrRunInProgress.
type Service struct {
	entities []review.Entity
	gateway  Gateway
	store    Store
	notifier Notifier
	history  History
	logger   *slog.Logger
	newID    idgen.Generator
	now      func() time.Time

	hooks []func(ctx context.Context, text string) error

	running atomic.Bool
	last    atomic.Pointer[Report]
	closers []func() error
}

// New creates a Service over a fixed, ordered entity list.
func New(entities []review.Entity, gw Gateway, store Store, notifier Notifier, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if len(entities) == 0 {
		return nil, fmt.Errorf("%w: no entities", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(entities))
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		if seen[e.Key()] {
			return nil, fmt.Errorf("%w: duplicate entity %s", ErrInvalidConfig, e)
		}
		seen[e.Key()] = true
	}
	if gw == nil || store == nil || notifier == nil {
		return nil, fmt.Errorf("%w: gateway, store and notifier are required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		entities: append([]review.Entity(nil), entities...),
		gateway:  gw,
		store:    store,
		notifier: notifier,
		logger:   logger,
		newID:    idgen.Prefixed("run_", idgen.Default),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Entities returns the tracked entities in processing order.
func (s *Service) Entities() []review.Entity {
	return append([]review.Entity(nil), s.entities...)
}

// LastReport returns the report of the latest finished run, or nil.
func (s *Service) LastReport() *Report { return s.last.Load() }

// Running reports whether a run is in progress.
func (s *Service) Running() bool { return s.running.Load() }

// Cursors returns the committed watermarks.
func (s *Service) Cursors(ctx context.Context) (cursor.Mapping, error) {
	return s.store.Load(ctx)
}

// Run executes one pass over every entity and commits the watermarks.
//
// Entity failures are reported in the Report and never stop the run. The
// returned error is ErrRunInProgress, an ErrRunAborted (cancellation or
// panic, nothing committed) or the commit's *PersistenceError.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)

	rep := &Report{RunID: s.newID(), StartedAt: s.now()}
	log := s.logger.With("run_id", rep.RunID)
	defer s.finish(ctx, rep, log)

	log.Info("revwatch: run started", "entities", len(s.entities))

	committed, err := s.store.Load(ctx)
	if err != nil {
		rep.LoadErr = err
		log.Warn("revwatch: previous state unusable, starting from empty cursors", "error", err)
	}
	work := committed.Clone()
	work.Ensure(s.entities)

	if r, ok := s.gateway.(resetter); ok {
		r.Reset()
	}

	if err := s.visitAll(ctx, work, rep, log); err != nil {
		rep.Aborted = err
		log.Error("revwatch: run aborted, nothing committed", "error", err)
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fatalTimeout)
		defer cancel()
		if !s.send(log, func() error { return s.notifier.Fatal(fctx, err) }) {
			rep.Undelivered++
		}
		return rep, err
	}

	// Once the walk is complete, delivery and commit go through even if
	// the caller cancels: sent events must not be sent again.
	dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), deliverTimeout)
	s.deliver(dctx, rep, log)
	dcancel()

	if err := s.store.Commit(context.WithoutCancel(ctx), work); err != nil {
		rep.CommitErr = err
		log.Error("revwatch: commit failed", "error", err)
		return rep, err
	}
	return rep, nil
}

// visitAll processes entities in order. Cancellation between entities and
// panics abort the run.
func (s *Service) visitAll(ctx context.Context, work cursor.Mapping, rep *Report, log *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrRunAborted, r)
		}
	}()

	for _, e := range s.entities {
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("%w: %w", ErrRunAborted, cerr)
		}
		out, events := s.visit(ctx, e, work)
		rep.Outcomes = append(rep.Outcomes, out)
		rep.Events = append(rep.Events, events...)

		attrs := []any{"entity", e.Key(), "status", out.Status, "before", out.Before.ObservedCount}
		if out.FreshCount != nil {
			attrs = append(attrs, "count", *out.FreshCount)
		}
		switch out.Status {
		case StatusFailed:
			log.Warn("revwatch: entity failed", append(attrs, "error", out.Err)...)
		case StatusPending:
			log.Warn("revwatch: count grew but listing empty, cursor kept", attrs...)
		default:
			log.Info("revwatch: entity visited", append(attrs, "new", out.NewItems)...)
		}
	}
	// Cancellation during the last entity aborts as well.
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%w: %w", ErrRunAborted, cerr)
	}
	return nil
}

// visit runs FETCH_COUNT, DETECT, FETCH_LIST and WALK for one entity and
// stages its new cursor in work.
func (s *Service) visit(ctx context.Context, e review.Entity, work cursor.Mapping) (Outcome, []review.Event) {
	before := work.Get(e)
	out := Outcome{Entity: e, Before: before, After: before}

	fresh, err := s.gateway.FetchCount(ctx, e)
	if err != nil {
		out.Status, out.Err = StatusFailed, err
		return out, nil
	}
	out.FreshCount = &fresh

	if !change.ShouldWalk(before, fresh) {
		out.Status = StatusUnchanged
		return out, nil
	}

	snapshot, err := s.gateway.FetchSnapshot(ctx, e)
	if err != nil {
		out.Status, out.Err = StatusFailed, err
		return out, nil
	}

	items, boundary := change.ExtractNew(snapshot, before.LastSeenID)
	if boundary == "" {
		out.Status, out.Err = StatusPending, ErrEmptySnapshot
		return out, nil
	}

	out.After = cursor.Cursor{ObservedCount: fresh, LastSeenID: boundary}
	work.Set(e, out.After)
	out.NewItems = len(items)
	if before.HasBoundary() {
		out.Status = StatusAdvanced
	} else {
		out.Status = StatusBaseline
	}

	events := make([]review.Event, len(items))
	for i, it := range items {
		events[i] = review.Event{Entity: e, Item: it}
	}
	return out, events
}

// deliver sends every event in order, or one heartbeat when there is none,
// then the failure alert.
func (s *Service) deliver(ctx context.Context, rep *Report, log *slog.Logger) {
	for _, ev := range rep.Events {
		if !s.send(log, func() error { return s.notifier.Notify(ctx, ev) }) {
			rep.Undelivered++
		}
	}
	sum := rep.Summary()
	if len(rep.Events) == 0 {
		rep.Heartbeat = true
		if !s.send(log, func() error { return s.notifier.Heartbeat(ctx, sum) }) {
			rep.Undelivered++
		}
	}
	if !s.send(log, func() error { return s.notifier.Failures(ctx, sum) }) {
		rep.Undelivered++
	}
}

// send runs one delivery. A panicking notifier counts as undelivered.
func (s *Service) send(log *slog.Logger, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("revwatch: notifier panic", "panic", r)
			ok = false
		}
	}()
	return fn() == nil
}

func (s *Service) finish(ctx context.Context, rep *Report, log *slog.Logger) {
	rep.FinishedAt = s.now()
	s.last.Store(rep)
	log.Info("revwatch: run finished",
		"status", rep.Status(),
		"events", len(rep.Events),
		"failed", len(rep.Failed()),
		"undelivered", rep.Undelivered,
		"duration", rep.FinishedAt.Sub(rep.StartedAt))

	if s.history == nil {
		return
	}
	if err := s.history.Record(context.WithoutCancel(ctx), rep.Record()); err != nil {
		log.Warn("revwatch: history record failed", "error", err)
	}
}

// Close releases the resources NewFromConfig opened.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
