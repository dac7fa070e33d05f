// Package lockdown owns the operating-mode state machine and decides which
// challenge directives surfaces are owed.
//
// The Coordinator is driven from a single goroutine (the engine loop). It
// never performs I/O itself: requests to the collaborator are issued by the
// caller under a Ticket, and their completions are fed back through the
// Complete* and HandleSubmitResult methods, where tickets from an older mode
// epoch are discarded. CaptureAllowed and Status are safe to call from any
// goroutine.
package lockdown

import (
	"encoding/json"
	"sync/atomic"

	"maxidomd/internal/logging"
)

// SubmitResult is the outcome of a payload submission.
type SubmitResult struct {
	// Ready is the readiness flag reported by the train route.
	Ready bool
	// Progress is the raw baseline progress object, passed through.
	Progress json.RawMessage
	// Anomaly is the verdict reported by the score route.
	Anomaly bool
	// NoBaseline is set when the collaborator has no trained baseline.
	NoBaseline bool
	// Err is a transient failure; nothing else is consulted when set.
	Err error
}

// Followup tells the caller what to do after a submission completes.
type Followup struct {
	Stale    bool
	Resubmit bool
	Ticket   Ticket
}

// Snapshot is a read-only view for status reporting.
type Snapshot struct {
	Identity string          `json:"identity"`
	Mode     Mode            `json:"mode"`
	Unlocked bool            `json:"unlocked"`
	Epoch    uint64          `json:"epoch"`
	Progress json.RawMessage `json:"progress,omitempty"`
}

// Coordinator is the lockdown state machine.
type Coordinator struct {
	bc      Broadcaster
	persist Persister
	log     *logging.Logger
	audit   *logging.AuditLogger

	identity string
	mode     Mode
	lock     LockState
	epoch    uint64
	progress json.RawMessage

	allowed atomic.Bool
	snap    atomic.Pointer[Snapshot]
}

// New creates a Coordinator. audit may be nil.
func New(bc Broadcaster, persist Persister, log *logging.Logger, audit *logging.AuditLogger) *Coordinator {
	if log == nil {
		log = logging.Discard()
	}
	c := &Coordinator{
		bc:      bc,
		persist: persist,
		log:     log.WithComponent("lockdown"),
		audit:   audit,
	}
	c.publish()
	return c
}

// Boot applies the start-up lock rule to persisted state: the lock is
// forced closed and every known surface is sent the directive now owed.
func (c *Coordinator) Boot(st State) {
	c.restore(st, logging.AuditStartup)
}

// Resume is Boot for a process that was suspended by its host. Volatile
// state from before the suspension is discarded.
func (c *Coordinator) Resume(st State) {
	c.restore(st, logging.AuditResume)
}

func (c *Coordinator) restore(st State, kind logging.AuditEventType) {
	c.identity = st.Identity
	c.mode = st.Mode
	c.progress = st.Progress
	c.lock = LockState{}
	c.epoch++
	c.publish()

	c.log.Info("lockdown state restored",
		"event", string(kind), "mode", c.mode.String(), "epoch", c.epoch)
	_ = c.audit.Record(logging.AuditEvent{
		EventType: kind,
		Identity:  c.identity,
		To:        c.mode.String(),
	})

	if d, ok := c.Owed(); ok {
		c.broadcast(d)
	}
}

// Owed returns the directive a surface must be showing right now, if any.
func (c *Coordinator) Owed() (Directive, bool) {
	return owed(c.mode, c.lock.UnlockedForSession)
}

// Owed is Coordinator.Owed as of the snapshot.
func (s Snapshot) Owed() (Directive, bool) {
	return owed(s.Mode, s.Unlocked)
}

func owed(m Mode, unlocked bool) (Directive, bool) {
	switch m {
	case Enrolling:
		return Directive{Action: ShowChallenge, Context: Enrollment}, true
	case Baselining:
		if !unlocked {
			return Directive{Action: ShowChallenge, Context: Bootstrapping}, true
		}
	case Challenged:
		return Directive{Action: ShowChallenge, Context: ActiveChallenge}, true
	}
	return Directive{}, false
}

// SurfaceReady sends the owed directive, if any, to ref and only ref.
func (c *Coordinator) SurfaceReady(ref SurfaceRef) {
	d, ok := c.Owed()
	if !ok {
		return
	}
	if out := c.bc.Send(ref, d); out == Unreachable {
		c.log.Debug("surface gone before directive", "surface", string(ref))
	}
}

// CaptureAllowed reports whether interaction may be forwarded to the
// aggregator. Safe for concurrent use.
func (c *Coordinator) CaptureAllowed() bool {
	return c.allowed.Load()
}

// Mode returns the current mode.
func (c *Coordinator) Mode() Mode { return c.mode }

// Identity returns the identity the coordinator was booted with.
func (c *Coordinator) Identity() string { return c.identity }

// Status returns the latest snapshot. Safe for concurrent use.
func (c *Coordinator) Status() Snapshot {
	return *c.snap.Load()
}

// BeginVerify opens a verification attempt from ref.
func (c *Coordinator) BeginVerify(ref SurfaceRef) (Ticket, error) {
	if c.mode == Enrolling {
		return Ticket{}, ErrNothingToVerify
	}
	if _, ok := c.Owed(); !ok {
		return Ticket{}, ErrNothingToVerify
	}
	return c.ticket(RouteNone, ref), nil
}

// CompleteVerify applies the result of a verification attempt. A failure
// or transport error never changes mode; the originating surface alone is
// told about it.
func (c *Coordinator) CompleteVerify(t Ticket, verified bool, err error) {
	if t.Epoch != c.epoch {
		c.log.Debug("stale verification discarded", "surface", string(t.Surface), "epoch", t.Epoch)
		return
	}

	ev := logging.AuditEvent{
		EventType: logging.AuditVerification,
		Identity:  c.identity,
		Surface:   string(t.Surface),
		From:      c.mode.String(),
	}

	switch {
	case err != nil:
		c.log.Warn("verification unavailable", "surface", string(t.Surface), "error", err)
		ev.Result, ev.Error = "error", err.Error()
		_ = c.audit.Record(ev)
		c.bc.Send(t.Surface, Directive{Action: ShowError, Context: c.context(), Message: "Verification is unavailable. Try again."})
		return

	case !verified:
		c.log.Warn("verification failed", "surface", string(t.Surface), "mode", c.mode.String())
		ev.Result = "failed"
		_ = c.audit.Record(ev)
		c.bc.Send(t.Surface, Directive{Action: ShowError, Context: c.context(), Message: "Incorrect password."})
		return
	}

	ev.Result = "verified"
	_ = c.audit.Record(ev)

	prev, owed := c.Owed()
	switch c.mode {
	case Challenged:
		c.setMode(Monitoring, "verified")
	case Baselining:
		c.lock.UnlockedForSession = true
		c.epoch++
		c.publish()
	}
	c.reconcile(prev, owed)
}

// BeginEnroll opens an enrollment attempt from ref.
func (c *Coordinator) BeginEnroll(ref SurfaceRef) (Ticket, error) {
	if c.mode != Enrolling {
		return Ticket{}, ErrNotEnrolling
	}
	return c.ticket(RouteNone, ref), nil
}

// CompleteEnroll applies the result of an enrollment attempt. An identity
// that was already enrolled moves to Baselining but stays locked until the
// existing password is verified.
func (c *Coordinator) CompleteEnroll(t Ticket, alreadyEnrolled bool, err error) {
	if t.Epoch != c.epoch {
		c.log.Debug("stale enrollment discarded", "surface", string(t.Surface))
		return
	}

	ev := logging.AuditEvent{
		EventType: logging.AuditEnrollment,
		Identity:  c.identity,
		Surface:   string(t.Surface),
	}
	if err != nil {
		c.log.Warn("enrollment failed", "surface", string(t.Surface), "error", err)
		ev.Result, ev.Error = "error", err.Error()
		_ = c.audit.Record(ev)
		c.bc.Send(t.Surface, Directive{Action: ShowError, Context: Enrollment, Message: "Enrollment failed. Try again."})
		return
	}

	prev, owed := c.Owed()
	if alreadyEnrolled {
		ev.Result = "already_enrolled"
		c.lock.UnlockedForSession = false
	} else {
		ev.Result = "enrolled"
		c.lock.UnlockedForSession = true
	}
	_ = c.audit.Record(ev)
	c.progress = nil
	c.persist.SaveProgress(nil)
	c.setMode(Baselining, ev.Result)
	c.reconcile(prev, owed)
}

// ResetProfile returns to Baselining from any mode with progress cleared.
// The lock is closed, so the password must be entered before capture
// resumes.
func (c *Coordinator) ResetProfile() {
	if c.mode == Enrolling {
		return
	}
	prev, owed := c.Owed()
	_ = c.audit.Record(logging.AuditEvent{
		EventType: logging.AuditProfileReset,
		Identity:  c.identity,
		From:      c.mode.String(),
		To:        Baselining.String(),
	})
	c.lock.UnlockedForSession = false
	c.progress = nil
	c.persist.SaveProgress(nil)
	c.setMode(Baselining, "profile_reset")
	c.reconcile(prev, owed)
}

// SubmissionRoute decides where a closed session goes. ok is false when the
// payload must be dropped.
func (c *Coordinator) SubmissionRoute() (Ticket, bool) {
	switch {
	case c.mode == Baselining && c.lock.UnlockedForSession:
		return c.ticket(RouteTrain, ""), true
	case c.mode == Monitoring:
		return c.ticket(RouteScore, ""), true
	}
	return Ticket{}, false
}

// HandleSubmitResult applies a submission outcome. A missing baseline
// falls back to Baselining and asks the caller to resubmit the same payload
// on the train route.
func (c *Coordinator) HandleSubmitResult(t Ticket, res SubmitResult) Followup {
	if t.Epoch != c.epoch {
		c.log.Debug("stale submission result discarded",
			"route", t.Route.String(), "issued_mode", t.Mode.String(), "mode", c.mode.String())
		return Followup{Stale: true}
	}
	if res.Err != nil {
		c.log.Warn("submission failed, payload dropped", "route", t.Route.String(), "error", res.Err)
		return Followup{}
	}

	if res.NoBaseline {
		c.log.Info("collaborator has no baseline, returning to baselining", "mode", c.mode.String())
		prev, owed := c.Owed()
		// Score submissions only happen while monitoring, so the user
		// was trusted when the payload was captured.
		c.lock.UnlockedForSession = true
		c.progress = nil
		c.persist.SaveProgress(nil)
		c.setMode(Baselining, "no_baseline")
		c.reconcile(prev, owed)
		if t.Route == RouteTrain {
			return Followup{}
		}
		return Followup{Resubmit: true, Ticket: c.ticket(RouteTrain, "")}
	}

	switch t.Route {
	case RouteTrain:
		if len(res.Progress) > 0 {
			c.progress = append(json.RawMessage(nil), res.Progress...)
			c.persist.SaveProgress(c.progress)
			c.publish()
		}
		if res.Ready {
			prev, owed := c.Owed()
			c.setMode(Monitoring, "baseline_ready")
			c.reconcile(prev, owed)
		}
	case RouteScore:
		if res.Anomaly {
			_ = c.audit.Record(logging.AuditEvent{EventType: logging.AuditAnomaly, Identity: c.identity})
			prev, owed := c.Owed()
			c.setMode(Challenged, "anomaly")
			c.reconcile(prev, owed)
		}
	}
	return Followup{}
}

func (c *Coordinator) ticket(r Route, ref SurfaceRef) Ticket {
	return Ticket{Epoch: c.epoch, Mode: c.mode, Route: r, Surface: ref}
}

func (c *Coordinator) context() Context {
	if d, ok := c.Owed(); ok {
		return d.Context
	}
	return Bootstrapping
}

func (c *Coordinator) setMode(m Mode, reason string) {
	from := c.mode
	c.mode = m
	c.epoch++
	c.persist.SaveMode(m)
	c.publish()

	c.log.Info("mode transition", "from", from.String(), "to", m.String(), "reason", reason)
	_ = c.audit.Record(logging.AuditEvent{
		EventType: logging.AuditModeTransition,
		Identity:  c.identity,
		From:      from.String(),
		To:        m.String(),
		Details:   map[string]any{"reason": reason},
	})
}

// reconcile broadcasts the difference between what was owed before a change
// and what is owed now.
func (c *Coordinator) reconcile(prev Directive, prevOwed bool) {
	next, owed := c.Owed()
	switch {
	case owed && (!prevOwed || next != prev):
		c.broadcast(next)
	case !owed && prevOwed:
		c.broadcast(Directive{Action: HideChallenge, Context: prev.Context})
	}
}

func (c *Coordinator) broadcast(d Directive) {
	delivered := 0
	for _, ref := range c.bc.Surfaces() {
		if c.bc.Send(ref, d) == Delivered {
			delivered++
		}
	}
	c.log.Debug("directive broadcast",
		"action", d.Action.String(), "context", d.Context.String(), "delivered", delivered)
}

func (c *Coordinator) publish() {
	c.allowed.Store(c.mode == Monitoring || (c.mode == Baselining && c.lock.UnlockedForSession))
	c.snap.Store(&Snapshot{
		Identity: c.identity,
		Mode:     c.mode,
		Unlocked: c.lock.UnlockedForSession,
		Epoch:    c.epoch,
		Progress: c.progress,
	})
}
