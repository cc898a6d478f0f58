// Package review holds the value types shared by every revwatch component:
// tracked entities, listing items and the notification events derived from
// them. It has no dependencies so that internal packages and external
// callers can both import it.
package review

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnavailable is returned by a retrieval gateway when a count or a
// listing could not be produced for an entity this run.
var ErrUnavailable = errors.New("review: retrieval unavailable")

// Bucket is a severity tier of a review listing (star rating 1..5).
type Bucket int

// MinBucket and MaxBucket bound the closed bucket enumeration.
const (
	MinBucket Bucket = 1
	MaxBucket Bucket = 5
)

// Valid reports whether b is inside the bucket enumeration.
func (b Bucket) Valid() bool { return b >= MinBucket && b <= MaxBucket }

func (b Bucket) String() string { return strconv.Itoa(int(b)) + "-star" }

// Entity is one (source, bucket) pair watched independently,
// e.g. the 1-star reviews of one app.
type Entity struct {
	Source string `json:"source"`
	Bucket Bucket `json:"bucket"`
}

// Key is the stable watermark key of the entity: "<source>:<bucket>".
func (e Entity) Key() string { return e.Source + ":" + strconv.Itoa(int(e.Bucket)) }

func (e Entity) String() string { return e.Key() }

// Validate checks that the entity is addressable.
func (e Entity) Validate() error {
	if strings.TrimSpace(e.Source) == "" {
		return fmt.Errorf("review: entity has empty source")
	}
	if strings.Contains(e.Source, ":") {
		return fmt.Errorf("review: source %q must not contain ':'", e.Source)
	}
	if !e.Bucket.Valid() {
		return fmt.Errorf("review: bucket %d out of range %d..%d", e.Bucket, MinBucket, MaxBucket)
	}
	return nil
}

// ParseKey is the inverse of Entity.Key.
func ParseKey(key string) (Entity, error) {
	i := strings.LastIndexByte(key, ':')
	if i <= 0 || i == len(key)-1 {
		return Entity{}, fmt.Errorf("review: malformed entity key %q", key)
	}
	n, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return Entity{}, fmt.Errorf("review: malformed bucket in key %q: %w", key, err)
	}
	e := Entity{Source: key[:i], Bucket: Bucket(n)}
	return e, e.Validate()
}

// Item is one review as it appears in a listing snapshot.
// IDs are opaque and only ever compared for equality.
type Item struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Timestamp string `json:"timestamp"`
	Body      string `json:"body"`
	URI       string `json:"uri"`
}

// Event is a newly detected item of an entity, ready to be notified.
type Event struct {
	Entity Entity `json:"entity"`
	Item   Item   `json:"item"`
}

// Summary describes a finished run to notifiers (heartbeat, failure alerts).
type Summary struct {
	RunID   string   `json:"run_id"`
	Checked int      `json:"checked"`
	Events  int      `json:"events"`
	Failed  []Entity `json:"failed,omitempty"`
}
