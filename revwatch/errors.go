package revwatch

import (
	"errors"

	"github.com/hazyhaar/revwatch/revwatch/internal/cursor"
	"github.com/hazyhaar/revwatch/revwatch/internal/notify"
	"github.com/hazyhaar/revwatch/revwatch/review"
)

// ErrRetrievalUnavailable marks an entity whose count or listing could not be fetched.
var ErrRetrievalUnavailable = review.ErrUnavailable

// ErrEmptySnapshot is reported when the count grew but the listing held no
// item to take a boundary from. The cursor is left untouched.
var ErrEmptySnapshot = errors.New("revwatch: empty snapshot after count increase")

// ErrPersistence wraps watermark store read and write failures.
var ErrPersistence = cursor.ErrPersistence

// ErrSinkUnavailable wraps notification delivery failures.
var ErrSinkUnavailable = notify.ErrSinkUnavailable

// ErrRunAborted is returned when a run stopped before the commit. Nothing was persisted.
var ErrRunAborted = errors.New("revwatch: run aborted")

// ErrRunInProgress is returned when Run is called while another run is active.
var ErrRunInProgress = errors.New("revwatch: run already in progress")

// ErrInvalidConfig is returned by configuration validation.
var ErrInvalidConfig = errors.New("revwatch: invalid config")
