package notify

import "context"

// SendFunc receives every message in-process.
type SendFunc func(ctx context.Context, text string) error

// Callback delivers messages via a Go function call.
type Callback struct {
	fn SendFunc
}

// NewCallback creates a Callback sink. fn may be nil.
func NewCallback(fn SendFunc) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) Send(ctx context.Context, text string) error {
	if c.fn != nil {
		return c.fn(ctx, text)
	}
	return nil
}

func (c *Callback) Close() error { return nil }
