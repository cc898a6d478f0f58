package cursor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/hazyhaar/revwatch/revwatch/review"
)

// CurrentVersion is the schema version written by Encode.
const CurrentVersion = 3

// Schema is one decoded on-disk layout. Exactly one of FlatV1, BucketsV2
// or KeyedV3.
type Schema interface {
	Version() int
}

// FlatV1 is the oldest layout: a single record for one implicit entity.
//
//	{"count": 3, "lastId": "x1"}
type FlatV1 struct {
	Count  int
	LastID string
}

func (FlatV1) Version() int { return 1 }

// BucketsV2 is the per-bucket flat layout of a single source.
//
//	{"1_star_count": 4, "last_1_star_id": "r9", "2_star_count": 0, "last_2_star_id": null}
type BucketsV2 struct {
	Buckets map[review.Bucket]Cursor
}

func (BucketsV2) Version() int { return 2 }

// KeyedV3 is the current keyed mapping.
//
//	{"version": 3, "cursors": {"app:1": {"observed_count": 4, "last_seen_id": "r9"}}}
type KeyedV3 struct {
	Cursors Mapping
}

func (KeyedV3) Version() int { return 3 }

type documentV3 struct {
	Version     int     `json:"version"`
	Cursors     Mapping `json:"cursors"`
	CommittedAt string  `json:"committed_at,omitempty"`
}

var (
	v2CountKey = regexp.MustCompile(`^([0-9]+)_star_count$`)
	v2IDKey    = regexp.MustCompile(`^last_([0-9]+)_star_id$`)
)

// Decode detects the layout of raw by its structural shape and decodes it.
// Empty input decodes to an empty current mapping.
func Decode(raw []byte) (Schema, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return KeyedV3{Cursors: Mapping{}}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("cursor: state is not a JSON object: %w", err)
	}

	switch {
	case has(fields, "cursors"):
		var doc documentV3
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("cursor: decode v3: %w", err)
		}
		if doc.Version > CurrentVersion {
			return nil, fmt.Errorf("cursor: state version %d is newer than supported %d", doc.Version, CurrentVersion)
		}
		if doc.Cursors == nil {
			doc.Cursors = Mapping{}
		}
		for k, c := range doc.Cursors {
			if _, err := review.ParseKey(k); err != nil {
				return nil, fmt.Errorf("cursor: decode v3 key %q: %w", k, err)
			}
			if c.ObservedCount < 0 {
				return nil, fmt.Errorf("cursor: negative count in %s", k)
			}
		}
		return KeyedV3{Cursors: doc.Cursors}, nil

	case has(fields, "count"):
		return decodeV1(fields)

	case isV2(fields):
		return decodeV2(fields)
	}
	return nil, fmt.Errorf("cursor: unrecognised state layout")
}

func has(fields map[string]json.RawMessage, key string) bool {
	_, ok := fields[key]
	return ok
}

func isV2(fields map[string]json.RawMessage) bool {
	for k := range fields {
		if v2CountKey.MatchString(k) || v2IDKey.MatchString(k) {
			return true
		}
	}
	return false
}

func decodeV1(fields map[string]json.RawMessage) (FlatV1, error) {
	var s FlatV1
	if err := json.Unmarshal(fields["count"], &s.Count); err != nil {
		return s, fmt.Errorf("cursor: decode v1 count: %w", err)
	}
	for _, k := range []string{"lastId", "last_id"} {
		if raw, ok := fields[k]; ok {
			id, err := decodeID(raw)
			if err != nil {
				return s, fmt.Errorf("cursor: decode v1 %s: %w", k, err)
			}
			s.LastID = id
			break
		}
	}
	if s.Count < 0 {
		return s, fmt.Errorf("cursor: negative count %d", s.Count)
	}
	return s, nil
}

func decodeV2(fields map[string]json.RawMessage) (BucketsV2, error) {
	s := BucketsV2{Buckets: make(map[review.Bucket]Cursor)}
	for k, raw := range fields {
		if m := v2CountKey.FindStringSubmatch(k); m != nil {
			b, err := parseBucket(m[1])
			if err != nil {
				return s, err
			}
			c := s.Buckets[b]
			if err := json.Unmarshal(raw, &c.ObservedCount); err != nil {
				return s, fmt.Errorf("cursor: decode v2 %s: %w", k, err)
			}
			if c.ObservedCount < 0 {
				return s, fmt.Errorf("cursor: negative count in %s", k)
			}
			s.Buckets[b] = c
			continue
		}
		if m := v2IDKey.FindStringSubmatch(k); m != nil {
			b, err := parseBucket(m[1])
			if err != nil {
				return s, err
			}
			id, err := decodeID(raw)
			if err != nil {
				return s, fmt.Errorf("cursor: decode v2 %s: %w", k, err)
			}
			c := s.Buckets[b]
			c.LastSeenID = id
			s.Buckets[b] = c
		}
	}
	return s, nil
}

func parseBucket(s string) (review.Bucket, error) {
	n, err := strconv.Atoi(s)
	if err != nil || !review.Bucket(n).Valid() {
		return 0, fmt.Errorf("cursor: invalid bucket %q in legacy state", s)
	}
	return review.Bucket(n), nil
}

// decodeID accepts a JSON string or null. Numeric ids are kept verbatim.
func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// Encode renders m in the current layout.
func Encode(m Mapping, committedAt time.Time) ([]byte, error) {
	if m == nil {
		m = Mapping{}
	}
	doc := documentV3{Version: CurrentVersion, Cursors: m}
	if !committedAt.IsZero() {
		doc.CommittedAt = committedAt.UTC().Format(time.RFC3339)
	}
	return json.MarshalIndent(doc, "", "  ")
}
