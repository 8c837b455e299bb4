package location

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSource hands readings to the tracker one at a time and acknowledges
// each after emit returns, so tests can assert on state deterministically.
type fakeSource struct {
	readings chan Reading
	applied  chan struct{}
	errs     chan error
	watches  atomic.Int32
	active   atomic.Int32
	lastOpts atomic.Value
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		readings: make(chan Reading),
		applied:  make(chan struct{}),
		errs:     make(chan error, 1),
	}
}

func (f *fakeSource) Watch(ctx context.Context, opts WatchOptions, emit func(Reading)) error {
	f.active.Add(1)
	f.watches.Add(1)
	defer f.active.Add(-1)
	f.lastOpts.Store(opts)

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-f.readings:
			emit(r)
			f.applied <- struct{}{}
		case err := <-f.errs:
			return err
		}
	}
}

func (f *fakeSource) send(t *testing.T, r Reading) {
	t.Helper()
	select {
	case f.readings <- r:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out delivering reading")
	}
	<-f.applied
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func reading(lat, lon, acc float64) Reading {
	return Reading{Latitude: lat, Longitude: lon, AccuracyMeters: acc, Timestamp: time.Now().UTC()}
}

func TestTracker_KeepsMostAccurateFix(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(src, time.Minute)
	tr.Start(context.Background())
	defer tr.Stop()

	steps := []struct {
		r       Reading
		wantAcc float64
		wantLat float64
	}{
		{reading(1, 1, 50), 50, 1},
		{reading(2, 2, 30), 30, 2},
		{reading(3, 3, 40), 30, 2},
		{reading(4, 4, 30), 30, 2}, // tie keeps the earlier fix
		{reading(5, 5, 10), 10, 5},
		{reading(6, 6, 12), 10, 5},
	}

	for i, s := range steps {
		src.send(t, s.r)
		fix, ok := tr.Fix()
		if !ok {
			t.Fatalf("step %d: no fix held", i)
		}
		if fix.AccuracyMeters != s.wantAcc {
			t.Errorf("step %d: accuracy = %v, want %v", i, fix.AccuracyMeters, s.wantAcc)
		}
		if fix.Latitude != s.wantLat || fix.Longitude != s.wantLat {
			t.Errorf("step %d: coords = (%v,%v), want (%v,%v)", i, fix.Latitude, fix.Longitude, s.wantLat, s.wantLat)
		}
	}

	if tr.State() != Fixed {
		t.Errorf("state = %v, want fixed", tr.State())
	}
}

func TestTracker_IgnoresReadingsTakenBeforeStart(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(src, 5*time.Second)
	tr.Start(context.Background())
	defer tr.Stop()

	old := reading(1, 1, 3)
	old.Timestamp = time.Now().Add(-3 * time.Hour)
	src.send(t, old)
	if _, ok := tr.Fix(); ok || tr.State() != Watching {
		t.Fatalf("state = %v after a stale reading, want Watching without a fix", tr.State())
	}

	src.send(t, reading(2, 2, 30))
	fix, ok := tr.Fix()
	if !ok || fix.Latitude != 2 {
		t.Errorf("fix = %+v, %v; want the fresh reading", fix, ok)
	}
}

func TestTracker_WatchUsesHighAccuracy(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(src, 17*time.Second)
	tr.Start(context.Background())
	defer tr.Stop()

	waitFor(t, "watch registration", func() bool { return src.watches.Load() == 1 })
	opts := src.lastOpts.Load().(WatchOptions)
	if !opts.HighAccuracy {
		t.Error("HighAccuracy = false, want true")
	}
	if opts.Timeout != 17*time.Second {
		t.Errorf("Timeout = %v, want 17s", opts.Timeout)
	}
	if opts.Since.IsZero() || time.Since(opts.Since) > time.Minute {
		t.Errorf("Since = %v, want the watch start", opts.Since)
	}
}

func TestTracker_RefreshDiscardsFix(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(src, time.Minute)
	tr.Start(context.Background())
	defer tr.Stop()

	src.send(t, reading(10, 10, 3))
	if _, ok := tr.Fix(); !ok {
		t.Fatal("expected a fix before refresh")
	}

	tr.Refresh(context.Background())
	if _, ok := tr.Fix(); ok {
		t.Fatal("fix survived refresh")
	}
	if tr.State() != Watching {
		t.Errorf("state = %v, want watching", tr.State())
	}

	// A worse reading than the discarded one is still accepted.
	src.send(t, reading(20, 20, 250))
	fix, ok := tr.Fix()
	if !ok {
		t.Fatal("no fix after refresh")
	}
	if fix.AccuracyMeters != 250 || fix.Latitude != 20 {
		t.Errorf("fix = %+v, want the post-refresh reading", fix)
	}
}

func TestTracker_RefreshLeavesSingleWatch(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(src, time.Minute)

	tr.Start(context.Background())
	tr.Refresh(context.Background())
	tr.Refresh(context.Background())
	defer tr.Stop()

	waitFor(t, "three registrations", func() bool { return src.watches.Load() == 3 })
	if got := src.active.Load(); got != 1 {
		t.Errorf("active watches = %d, want 1", got)
	}
}

func TestTracker_StopCancelsWatch(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(src, time.Minute)
	tr.Start(context.Background())
	waitFor(t, "watch registration", func() bool { return src.active.Load() == 1 })

	src.send(t, reading(1, 2, 8))
	tr.Stop()

	if got := src.active.Load(); got != 0 {
		t.Errorf("active watches = %d, want 0", got)
	}
	if tr.State() != Idle {
		t.Errorf("state = %v, want idle", tr.State())
	}
	if fix, ok := tr.Fix(); !ok || fix.AccuracyMeters != 8 {
		t.Errorf("Fix() = %+v, %v; want last fix kept after stop", fix, ok)
	}
}

func TestTracker_Timeout(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(src, 20*time.Millisecond)
	tr.Start(context.Background())
	defer tr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := tr.Wait(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait error = %v, want ErrTimeout", err)
	}
	if tr.State() != Failed {
		t.Errorf("state = %v, want failed", tr.State())
	}
	waitFor(t, "watch cancellation", func() bool { return src.active.Load() == 0 })
}

func TestTracker_TimeoutDoesNotFireAfterFix(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(src, 30*time.Millisecond)
	tr.Start(context.Background())
	defer tr.Stop()

	src.send(t, reading(1, 1, 20))
	time.Sleep(60 * time.Millisecond)

	if tr.State() != Fixed {
		t.Errorf("state = %v, want fixed", tr.State())
	}
	src.send(t, reading(2, 2, 5))
	if fix, _ := tr.Fix(); fix.AccuracyMeters != 5 {
		t.Errorf("accuracy = %v, want 5 (watch keeps improving)", fix.AccuracyMeters)
	}
}

func TestTracker_SourceFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"permission denied", ErrPermissionDenied, ErrPermissionDenied},
		{"unavailable", ErrPositionUnavailable, ErrPositionUnavailable},
		{"source timeout", ErrTimeout, ErrTimeout},
		{"unknown error", errors.New("antenna unplugged"), ErrPositionUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			tr := NewTracker(src, time.Minute)
			tr.Start(context.Background())
			defer tr.Stop()

			src.errs <- tt.err

			_, err := tr.Wait(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("Wait error = %v, want %v", err, tt.want)
			}
			if !errors.Is(tr.LastError(), tt.want) {
				t.Errorf("LastError = %v, want %v", tr.LastError(), tt.want)
			}

			// No automatic retry past Failed.
			time.Sleep(10 * time.Millisecond)
			if got := src.watches.Load(); got != 1 {
				t.Errorf("watches = %d, want 1", got)
			}
		})
	}
}

func TestTracker_FailureAfterFixKeepsFix(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(src, time.Minute)
	tr.Start(context.Background())
	defer tr.Stop()

	src.send(t, reading(3, 4, 20))
	src.errs <- ErrPositionUnavailable
	waitFor(t, "watch exit", func() bool { return src.active.Load() == 0 })
	waitFor(t, "error recorded", func() bool { return tr.LastError() != nil })

	if tr.State() != Fixed {
		t.Errorf("state = %v, want fixed", tr.State())
	}
	fix, err := tr.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if fix.AccuracyMeters != 20 {
		t.Errorf("accuracy = %v, want 20", fix.AccuracyMeters)
	}
}

func TestTracker_RecoversAfterRefresh(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(src, time.Minute)
	tr.Start(context.Background())
	defer tr.Stop()

	src.errs <- ErrPermissionDenied
	if _, err := tr.Wait(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Wait error = %v", err)
	}

	tr.Refresh(context.Background())
	if tr.LastError() != nil {
		t.Errorf("LastError = %v after refresh, want nil", tr.LastError())
	}
	src.send(t, reading(7, 7, 15))

	fix, err := tr.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if fix.Latitude != 7 {
		t.Errorf("Latitude = %v, want 7", fix.Latitude)
	}
}

func TestTracker_Unsupported(t *testing.T) {
	tr := NewTracker(nil, time.Minute)
	tr.Start(context.Background())

	if tr.State() != Failed {
		t.Errorf("state = %v, want failed", tr.State())
	}
	if _, err := tr.Wait(context.Background()); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Wait error = %v, want ErrUnsupported", err)
	}
}

func TestTracker_IgnoresInvalidReadings(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(src, time.Minute)
	tr.Start(context.Background())
	defer tr.Stop()

	src.send(t, reading(95, 10, 5))
	src.send(t, reading(10, 10, -1))
	if _, ok := tr.Fix(); ok {
		t.Fatal("invalid reading accepted")
	}
	src.send(t, reading(10, 10, 5))
	if _, ok := tr.Fix(); !ok {
		t.Fatal("valid reading rejected")
	}
}

func TestTracker_WaitBeforeStart(t *testing.T) {
	tr := NewTracker(newFakeSource(), time.Minute)
	if _, err := tr.Wait(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Wait error = %v, want ErrNotStarted", err)
	}
}

func TestTracker_StatusSnapshot(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(src, time.Minute)
	tr.Start(context.Background())
	defer tr.Stop()

	if st := tr.Status(); st.State != "watching" || st.Fix != nil {
		t.Errorf("status = %+v, want watching without fix", st)
	}
	src.send(t, reading(3, 4, 9))
	st := tr.Status()
	if st.State != "fixed" || st.Fix == nil || st.Fix.AccuracyMeters != 9 {
		t.Errorf("status = %+v, want fixed with accuracy 9", st)
	}
}

func TestStaticSource(t *testing.T) {
	src := StaticSource{Readings: []Reading{reading(1, 1, 40), reading(2, 2, 4)}, Interval: time.Millisecond}
	tr := NewTracker(src, time.Second)
	tr.Start(context.Background())
	defer tr.Stop()

	waitFor(t, "second reading", func() bool {
		fix, ok := tr.Fix()
		return ok && fix.AccuracyMeters == 4
	})
}
