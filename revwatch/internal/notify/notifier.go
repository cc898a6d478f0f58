package notify

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/revwatch/revwatch/review"
)

// Config tunes message delivery.
type Config struct {
	// Pace is the minimum delay between two sends. Zero disables pacing.
	Pace time.Duration

	// NoHeartbeat logs the heartbeat instead of sending it.
	NoHeartbeat bool

	// NoFailureAlerts suppresses the alert listing failed entities.
	NoFailureAlerts bool
}

// Notifier turns run results into messages for a Sink. Delivery failures
// are logged and returned for accounting; they never affect the run.
type Notifier struct {
	sink    Sink
	names   map[string]string
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Notifier. names maps source ids to display names.
func New(sink Sink, names map[string]string, cfg Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.Pace > 0 {
		limit = rate.Every(cfg.Pace)
	}
	return &Notifier{
		sink:    sink,
		names:   names,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// Notify sends one message for a new review.
func (n *Notifier) Notify(ctx context.Context, ev review.Event) error {
	name := n.names[ev.Entity.Source]
	if name == "" {
		name = ev.Entity.Source
	}
	return n.send(ctx, "event", FormatEvent(name, ev), "entity", ev.Entity.Key(), "item", ev.Item.ID)
}

// Heartbeat reports a run that found nothing new.
func (n *Notifier) Heartbeat(ctx context.Context, sum review.Summary) error {
	text := FormatHeartbeat(sum)
	if n.cfg.NoHeartbeat {
		n.logger.Info("notify: heartbeat", "run_id", sum.RunID, "text", text)
		return nil
	}
	return n.send(ctx, "heartbeat", text, "run_id", sum.RunID)
}

// Failures alerts on entities whose retrieval failed. No-op when none did.
func (n *Notifier) Failures(ctx context.Context, sum review.Summary) error {
	if len(sum.Failed) == 0 || n.cfg.NoFailureAlerts {
		return nil
	}
	return n.send(ctx, "failures", FormatFailures(sum), "run_id", sum.RunID, "failed", len(sum.Failed))
}

// Fatal alerts on an aborted run.
func (n *Notifier) Fatal(ctx context.Context, err error) error {
	return n.send(ctx, "fatal", FormatFatal(err))
}

// Close releases the sink.
func (n *Notifier) Close() error { return n.sink.Close() }

func (n *Notifier) send(ctx context.Context, kind, text string, attrs ...any) error {
	if err := n.limiter.Wait(ctx); err != nil {
		n.logger.Warn("notify: pacing interrupted", append([]any{"kind", kind, "error", err}, attrs...)...)
		return err
	}
	if err := n.sink.Send(ctx, text); err != nil {
		n.logger.Error("notify: send failed", append([]any{"kind", kind, "error", err}, attrs...)...)
		return err
	}
	n.logger.Debug("notify: sent", append([]any{"kind", kind}, attrs...)...)
	return nil
}
