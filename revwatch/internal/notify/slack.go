package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Slack POSTs {"text": ...} to an incoming webhook with retry and
// exponential backoff.
type Slack struct {
	url        string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// SlackOption configures a Slack sink.
type SlackOption func(*Slack)

// WithSlackRetries sets the maximum number of retries. Default: 3.
func WithSlackRetries(n int) SlackOption {
	return func(s *Slack) { s.maxRetries = n }
}

// WithSlackBackoff sets the first retry delay; it doubles on each retry. Default: 1s.
func WithSlackBackoff(d time.Duration) SlackOption {
	return func(s *Slack) { s.backoff = d }
}

// WithSlackClient sets a custom HTTP client.
func WithSlackClient(c *http.Client) SlackOption {
	return func(s *Slack) { s.client = c }
}

// WithSlackLogger sets a custom logger.
func WithSlackLogger(l *slog.Logger) SlackOption {
	return func(s *Slack) { s.logger = l }
}

// NewSlack creates a Slack sink targeting the given webhook URL.
func NewSlack(url string, opts ...SlackOption) *Slack {
	s := &Slack{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
		backoff:    time.Second,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Slack) Close() error { return nil }

func (s *Slack) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("%w: marshal: %w", ErrSinkUnavailable, err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.backoff << (attempt - 1)):
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ErrSinkUnavailable, ctx.Err())
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: new request: %w", ErrSinkUnavailable, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			s.logger.Warn("slack: request failed", "attempt", attempt+1, "error", err)
			continue
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
		s.logger.Warn("slack: bad status", "attempt", attempt+1, "status", resp.StatusCode)
	}
	return fmt.Errorf("%w: all retries exhausted: %w", ErrSinkUnavailable, lastErr)
}
