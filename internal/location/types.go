package location

import (
	"context"
	"errors"
	"math"
	"time"
)

// Failure reasons reported by a Source or by the Tracker itself.
var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrTimeout             = errors.New("timed out waiting for a location fix")
	ErrUnsupported         = errors.New("location not supported")
)

// ErrNotStarted is returned by Wait when the tracker is idle.
var ErrNotStarted = errors.New("location tracker not started")

// Reading is a single sample delivered by a Source.
type Reading struct {
	Latitude       float64
	Longitude      float64
	AccuracyMeters float64
	Timestamp      time.Time
}

func (r Reading) valid() bool {
	if math.IsNaN(r.Latitude) || math.IsNaN(r.Longitude) || math.IsNaN(r.AccuracyMeters) {
		return false
	}
	if r.Latitude < -90 || r.Latitude > 90 || r.Longitude < -180 || r.Longitude > 180 {
		return false
	}
	return r.AccuracyMeters >= 0 && !math.IsInf(r.AccuracyMeters, 0)
}

// Fix is the best reading accepted since the last Start or Refresh.
type Fix struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	CapturedAt     time.Time `json:"captured_at"`
}

// WatchOptions are passed to Source.Watch.
type WatchOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	// Since is when the watch was registered. Readings stamped earlier than
	// Since minus MaxReadingLag belong to an earlier watch.
	Since time.Time
}

// MaxReadingLag is how far a reading's timestamp may trail the start of the
// watch that receives it. Receivers stamp a fix at its measurement epoch,
// which precedes delivery by up to about a second.
const MaxReadingLag = time.Second

// Stale reports whether r was taken before a watch registered at since.
// Readings without a timestamp are never stale.
func (r Reading) Stale(since time.Time) bool {
	if r.Timestamp.IsZero() || since.IsZero() {
		return false
	}
	return r.Timestamp.Before(since.Add(-MaxReadingLag))
}

// Source is a continuous position watch. Watch blocks, calling emit for
// every reading, until ctx is cancelled (returning nil or ctx.Err()) or the
// source fails (returning one of the Err* values, possibly wrapped).
type Source interface {
	Watch(ctx context.Context, opts WatchOptions, emit func(Reading)) error
}

// State is the tracker lifecycle state.
type State int

const (
	Idle State = iota
	Watching
	Fixed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Watching:
		return "watching"
	case Fixed:
		return "fixed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of a Tracker.
type Status struct {
	State string `json:"state"`
	Fix   *Fix   `json:"fix,omitempty"`
	Error string `json:"error,omitempty"`
}
