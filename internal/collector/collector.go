// Package collector holds the application state shared by the CLI, the HTTP
// server and the MCP tools: the location tracker, the photo encoder and the
// submission client.
package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/fieldkit/shopcollector/internal/location"
	"github.com/fieldkit/shopcollector/internal/photo"
	"github.com/fieldkit/shopcollector/internal/storage"
	"github.com/fieldkit/shopcollector/internal/submit"
)

// Submitter delivers one record. *submit.Client implements it.
type Submitter interface {
	Submit(ctx context.Context, rec submit.Record) submit.Outcome
}

// SubmissionLogger records outcomes. *storage.Store implements it.
type SubmissionLogger interface {
	LogSubmission(ctx context.Context, e storage.SubmissionLogEntry) error
}

// State is the explicit application state: the tracker's current fix and the
// encoder's current photo. It satisfies submit.Snapshot.
type State struct {
	Tracker *location.Tracker
	Encoder *photo.Encoder
}

var _ submit.Snapshot = (*State)(nil)

func (s *State) Fix() (location.Fix, bool) { return s.Tracker.Fix() }

func (s *State) Photo() (photo.Asset, bool) { return s.Encoder.Current() }

// frozenState is State read once under the encoder lock, so the photo sent
// and the generation later cleared are the same.
type frozenState struct {
	fix      location.Fix
	hasFix   bool
	photo    photo.Asset
	photoGen uint64
	hasPhoto bool
}

func (s *State) freeze() frozenState {
	var f frozenState
	f.fix, f.hasFix = s.Tracker.Fix()
	f.photo, f.photoGen, f.hasPhoto = s.Encoder.Held()
	return f
}

func (f frozenState) Fix() (location.Fix, bool) { return f.fix, f.hasFix }

func (f frozenState) Photo() (photo.Asset, bool) { return f.photo, f.hasPhoto }

// App composes the state with a submitter.
type App struct {
	State     *State
	Submitter Submitter
	Log       SubmissionLogger
	Now       func() time.Time

	logger *slog.Logger
}

// New creates an App. log may be nil.
func New(tracker *location.Tracker, encoder *photo.Encoder, sub Submitter, log SubmissionLogger) *App {
	return &App{
		State:     &State{Tracker: tracker, Encoder: encoder},
		Submitter: sub,
		Log:       log,
		Now:       time.Now,
		logger:    slog.Default(),
	}
}

// AttachPhoto encodes f and makes it the current photo.
func (a *App) AttachPhoto(ctx context.Context, f photo.File) (photo.Asset, error) {
	return a.State.Encoder.Encode(ctx, f)
}

// Submit reads the current fix and photo, delivers one record and, on
// success, clears the photo that was sent. A photo attached while the
// request was in flight stays attached. The fix is kept for the next record.
func (a *App) Submit(ctx context.Context, form submit.Form) submit.Outcome {
	snap := a.State.freeze()
	rec := submit.NewRecord(form, snap, a.Now())
	out := a.Submitter.Submit(ctx, rec)

	if out.OK() && snap.hasPhoto && !a.State.Encoder.ClearIf(snap.photoGen) {
		a.logger.Info("keeping photo attached during submission", "attempt_id", out.AttemptID)
	}
	if a.Log != nil && !out.Local() {
		err := a.Log.LogSubmission(ctx, storage.SubmissionLogEntry{
			AttemptID:  out.AttemptID,
			CreatedAt:  rec.ClientTimestamp,
			ShopName:   rec.ShopName,
			Outcome:    out.Kind.String(),
			StatusCode: out.StatusCode,
			Message:    out.Message,
		})
		if err != nil {
			a.logger.Warn("could not record submission", "attempt_id", out.AttemptID, "error", err)
		}
	}
	return out
}

// Status is the combined snapshot served by /status and the MCP tools.
type Status struct {
	Location location.Status `json:"location"`
	Photo    *photo.Asset    `json:"photo,omitempty"`
}

func (a *App) Status() Status {
	st := Status{Location: a.State.Tracker.Status()}
	if asset, ok := a.State.Encoder.Current(); ok {
		st.Photo = &asset
	}
	return st
}
