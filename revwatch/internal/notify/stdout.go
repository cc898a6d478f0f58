package notify

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Stdout writes each message as a JSON line to an io.Writer (default os.Stdout).
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
	now func() time.Time
}

// NewStdout creates a Stdout sink. If w is nil, os.Stdout is used.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w), now: time.Now}
}

func (s *Stdout) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(line{Time: s.now().UTC(), Text: text})
}

func (s *Stdout) Close() error { return nil }

type line struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}
