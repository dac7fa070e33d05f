package engine

import (
	"context"
	"errors"
	"net/http"
	"time"

	"maxidomd/internal/aggregator"
	"maxidomd/internal/capture"
	"maxidomd/internal/lockdown"
	"maxidomd/internal/remote"
)

// The methods below are the engine's public surface. They may be called
// from any goroutine; each one either reads an atomic snapshot or posts a
// request to the loop.

// Submit hands one surface input to the capture layer. It never blocks.
func (e *Engine) Submit(surface string, in capture.Input) bool {
	return e.capture.Submit(surface, in)
}

// Status returns the coordinator's latest snapshot.
func (e *Engine) Status() lockdown.Snapshot {
	return e.coord.Status()
}

// CaptureStats returns the capture counters.
func (e *Engine) CaptureStats() capture.Stats {
	return e.capture.Stats()
}

// AggregatorStats returns the aggregator counters as of the last loop step.
func (e *Engine) AggregatorStats() aggregator.Stats {
	return *e.aggStats.Load()
}

// SurfaceReady sends the owed directive, if any, to a newly attached surface.
func (e *Engine) SurfaceReady(ref lockdown.SurfaceRef) {
	e.post(func() { e.coord.SurfaceReady(ref) })
}

// Verify checks a password attempt typed into the challenge on ref.
func (e *Engine) Verify(ref lockdown.SurfaceRef, attempt string) {
	e.post(func() { e.verify(ref, attempt) })
}

// Enroll registers the password chosen on ref.
func (e *Engine) Enroll(ref lockdown.SurfaceRef, password string) {
	e.post(func() { e.enroll(ref, password) })
}

// ResetProfile deletes the collaborator's profile and returns to a locked
// Baselining mode.
func (e *Engine) ResetProfile() {
	e.post(e.resetProfile)
}

// Resume re-runs the boot protocol after the host suspended the process.
// Volatile state is dropped: the open session, the unlock and any result
// still in flight.
func (e *Engine) Resume(ctx context.Context) error {
	select {
	case e.inbox <- e.resume:
		return nil
	case <-e.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) verify(ref lockdown.SurfaceRef, attempt string) {
	t, err := e.coord.BeginVerify(ref)
	if err != nil {
		e.log.Debug("verify ignored", "surface", string(ref), "error", err)
		e.resync(ref)
		return
	}
	identity := e.coord.Identity()

	e.spawn("verify",
		func(ctx context.Context) func() {
			start := time.Now()
			ok, err := e.remote.Verify(ctx, identity, attempt)
			e.metrics.RecordRemote("verify", time.Since(start), err)
			return func() {
				switch {
				case err != nil:
					e.metrics.RecordVerification("error")
				case ok:
					e.metrics.RecordVerification("success")
				default:
					e.metrics.RecordVerification("failure")
				}
				e.coord.CompleteVerify(t, ok, err)
			}
		},
		func() { e.coord.CompleteVerify(t, false, errors.New("engine: verify panicked")) })
}

func (e *Engine) enroll(ref lockdown.SurfaceRef, password string) {
	t, err := e.coord.BeginEnroll(ref)
	if err != nil {
		e.log.Debug("enroll ignored", "surface", string(ref), "error", err)
		e.resync(ref)
		return
	}
	identity := e.coord.Identity()

	e.spawn("enroll",
		func(ctx context.Context) func() {
			start := time.Now()
			err := e.remote.Enroll(ctx, identity, password)
			already := errors.Is(err, remote.ErrAlreadyEnrolled)
			if already {
				err = nil
			}
			e.metrics.RecordRemote("enroll", time.Since(start), err)
			return func() { e.coord.CompleteEnroll(t, already, err) }
		},
		func() { e.coord.CompleteEnroll(t, false, errors.New("engine: enroll panicked")) })
}

func (e *Engine) resetProfile() {
	if e.coord.Mode() == lockdown.Enrolling {
		e.log.Info("profile reset ignored before enrollment")
		return
	}
	identity := e.coord.Identity()

	e.spawn("reset_profile",
		func(ctx context.Context) func() {
			start := time.Now()
			err := e.remote.ResetProfile(ctx, identity)
			// A profile that never trained is already reset.
			var se *remote.StatusError
			if errors.As(err, &se) && se.Code == http.StatusNotFound {
				err = nil
			}
			e.metrics.RecordRemote("reset_profile", time.Since(start), err)
			return func() {
				if err != nil {
					e.log.Warn("profile reset failed, mode unchanged", "error", err)
					return
				}
				e.dropSession()
				e.coord.ResetProfile()
			}
		}, nil)
}

func (e *Engine) resume() {
	st, err := e.loadState()
	if err != nil {
		e.log.Error("resume: state unavailable, keeping current mode", "error", err)
		return
	}
	e.dropSession()
	e.coord.Resume(st)
	e.log.Info("resumed", "mode", st.Mode.String())
}

// dropSession forgets the open session and any result still outstanding.
func (e *Engine) dropSession() {
	e.agg.Reset()
	e.dispatch = nil
	e.current = nil
}

// resync re-sends what ref should be showing after a request that no
// longer matched the mode.
func (e *Engine) resync(ref lockdown.SurfaceRef) {
	if d, ok := e.coord.Owed(); ok {
		e.bc.Send(ref, d)
		return
	}
	e.bc.Send(ref, lockdown.Directive{Action: lockdown.HideChallenge})
}
