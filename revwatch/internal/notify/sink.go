// Package notify formats review events and delivers them to sinks.
package notify

import (
	"context"
	"errors"
)

// ErrSinkUnavailable wraps every delivery failure.
var ErrSinkUnavailable = errors.New("notify: sink unavailable")

// Sink delivers one text message to an external channel.
type Sink interface {
	Send(ctx context.Context, text string) error
	Close() error
}
