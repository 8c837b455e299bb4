package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fieldkit/shopcollector/internal/metrics"
)

const defaultTimeout = 15 * time.Second

// Tracker converges on the most accurate fix a Source produces.
//
// The watch stays registered after the first fix and keeps replacing the fix
// with strictly better readings until Stop, Refresh, the Start context ending,
// or the source closing. The timeout bounds only the wait for the first fix.
type Tracker struct {
	source  Source
	timeout time.Duration
	logger  *slog.Logger

	// lifecycle serializes Start/Refresh/Stop so that at most one watch is
	// registered at a time.
	lifecycle sync.Mutex

	mu      sync.Mutex
	state   State
	fix     Fix
	hasFix  bool
	lastErr error
	gen     uint64
	since   time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	changed chan struct{}
}

// NewTracker creates an idle Tracker. A nil source makes every Start fail
// with ErrUnsupported. If timeout is <= 0, it defaults to 15s.
func NewTracker(source Source, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Tracker{
		source:  source,
		timeout: timeout,
		logger:  slog.Default(),
		changed: make(chan struct{}),
	}
}

// Start discards any held fix, cancels a previously registered watch and
// registers a new one.
func (t *Tracker) Start(ctx context.Context) {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	t.stopWatch()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	t.fix, t.hasFix, t.lastErr = Fix{}, false, nil
	t.since = time.Now()

	if t.source == nil {
		t.lastErr = ErrUnsupported
		t.setState(Failed)
		return
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel, t.done = cancel, done
	t.setState(Watching)

	go t.watch(watchCtx, cancel, t.gen, t.since, done)
}

// Refresh is Start: the held fix is dropped before any new reading counts.
func (t *Tracker) Refresh(ctx context.Context) {
	t.Start(ctx)
}

// Stop cancels the watch and returns to Idle. The last fix stays readable.
func (t *Tracker) Stop() {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	t.stopWatch()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.setState(Idle)
}

// stopWatch cancels the registered watch and waits for its goroutine to
// exit. Caller holds t.lifecycle.
func (t *Tracker) stopWatch() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.gen++
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *Tracker) watch(ctx context.Context, cancel context.CancelFunc, gen uint64, since time.Time, done chan struct{}) {
	defer close(done)
	defer cancel()

	timer := time.AfterFunc(t.timeout, func() {
		if t.expire(gen) {
			cancel()
		}
	})
	defer timer.Stop()

	opts := WatchOptions{HighAccuracy: true, Timeout: t.timeout, Since: since}
	err := t.source.Watch(ctx, opts, func(r Reading) {
		if t.offer(gen, r) {
			timer.Stop()
		}
	})

	t.finish(ctx, gen, err)
}

// offer applies a reading and reports whether it became the held fix.
func (t *Tracker) offer(gen uint64, r Reading) bool {
	if !r.valid() {
		t.logger.Debug("discarding invalid reading", "lat", r.Latitude, "lon", r.Longitude, "accuracy", r.AccuracyMeters)
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || t.state == Failed {
		return false
	}
	if r.Stale(t.since) {
		t.logger.Debug("discarding reading from before the watch", "taken_at", r.Timestamp, "watch_start", t.since)
		return false
	}
	if t.hasFix && r.AccuracyMeters >= t.fix.AccuracyMeters {
		return false
	}

	captured := r.Timestamp
	if captured.IsZero() {
		captured = time.Now().UTC()
	}
	t.fix = Fix{
		Latitude:       r.Latitude,
		Longitude:      r.Longitude,
		AccuracyMeters: r.AccuracyMeters,
		CapturedAt:     captured,
	}
	t.hasFix = true
	t.setState(Fixed)
	metrics.LocationFixes.Inc()
	metrics.LocationAccuracy.Set(r.AccuracyMeters)
	t.logger.Debug("location fix improved", "lat", r.Latitude, "lon", r.Longitude, "accuracy_m", r.AccuracyMeters)
	return true
}

// expire fails the watch with ErrTimeout if no fix arrived in time.
func (t *Tracker) expire(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || t.hasFix || t.state != Watching {
		return false
	}
	t.lastErr = ErrTimeout
	t.setState(Failed)
	t.logger.Warn("location fix timed out", "timeout", t.timeout)
	return true
}

func (t *Tracker) finish(ctx context.Context, gen uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || t.state == Failed {
		return
	}

	switch {
	case ctx.Err() != nil:
		// Parent context ended; Stop and Refresh bump gen before cancelling.
		if !t.hasFix {
			t.setState(Idle)
		}
	case err != nil && t.hasFix:
		// The held fix is still the best estimate; only the watch ends.
		t.lastErr = classify(err)
		t.logger.Warn("location watch ended after fix", "error", err)
	case err != nil:
		t.lastErr = classify(err)
		t.setState(Failed)
		t.logger.Warn("location watch failed", "error", err)
	case !t.hasFix:
		t.lastErr = fmt.Errorf("%w: source closed before a fix", ErrPositionUnavailable)
		t.setState(Failed)
	}
}

// classify maps an arbitrary source error onto the failure taxonomy.
func classify(err error) error {
	for _, known := range []error{ErrPermissionDenied, ErrPositionUnavailable, ErrTimeout, ErrUnsupported} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrPositionUnavailable, err)
}

// setState records s and wakes Wait callers. Caller holds t.mu.
func (t *Tracker) setState(s State) {
	t.state = s
	close(t.changed)
	t.changed = make(chan struct{})
}

// Fix returns the held fix, if any. It reflects the moment of the call; a
// better fix arriving afterwards is not seen by the caller.
func (t *Tracker) Fix() (Fix, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fix, t.hasFix
}

// State returns the current lifecycle state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastError returns the failure that drove the tracker into Failed, if any.
func (t *Tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Status returns a serializable snapshot.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := Status{State: t.state.String()}
	if t.hasFix {
		f := t.fix
		st.Fix = &f
	}
	if t.lastErr != nil {
		st.Error = t.lastErr.Error()
	}
	return st
}

// Wait blocks until the tracker holds a fix or fails.
func (t *Tracker) Wait(ctx context.Context) (Fix, error) {
	for {
		t.mu.Lock()
		state, fix, hasFix, lastErr, ch := t.state, t.fix, t.hasFix, t.lastErr, t.changed
		t.mu.Unlock()

		switch state {
		case Fixed:
			return fix, nil
		case Failed:
			return Fix{}, lastErr
		case Idle:
			if hasFix {
				return fix, nil
			}
			return Fix{}, ErrNotStarted
		}

		select {
		case <-ctx.Done():
			return Fix{}, ctx.Err()
		case <-ch:
		}
	}
}
