// Package engine runs the controlling loop of the daemon.
//
// One goroutine (Run) owns the session aggregator and the lockdown
// coordinator. Captured events, surface requests, collaborator completions
// and the aggregator's single timer are all serialized through it. Network
// and storage I/O happens on helper goroutines whose results are posted
// back to the loop, so no transition ever interleaves with another.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"maxidomd/internal/aggregator"
	"maxidomd/internal/capture"
	"maxidomd/internal/event"
	"maxidomd/internal/lockdown"
	"maxidomd/internal/logging"
	"maxidomd/internal/metrics"
	"maxidomd/internal/remote"
	"maxidomd/internal/store"
)

var (
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("engine: already running")

	// ErrStopped is returned for requests made after Run returned.
	ErrStopped = errors.New("engine: stopped")
)

// Remote is the collaborator surface the engine uses. *remote.Client
// implements it.
type Remote interface {
	Enroll(ctx context.Context, identity, password string) error
	Verify(ctx context.Context, identity, attempt string) (bool, error)
	ResetProfile(ctx context.Context, identity string) error
	Train(ctx context.Context, identity string, p *aggregator.Payload) (*remote.TrainResult, error)
	Score(ctx context.Context, identity string, p *aggregator.Payload) (*remote.ScoreResult, error)
}

// StateStore is the durable state the engine boots from. *store.Store
// implements it.
type StateStore interface {
	LoadState() (*store.State, error)
	Set(key, value string) error
	PruneSessions(cutoff time.Time) (int64, error)
}

// Persister takes non-blocking durable writes. *store.Persister
// implements it.
type Persister interface {
	lockdown.Persister
	RecordSession(r store.SessionRecord)
	RecordOutcome(id, route, outcome string)
}

// Config holds engine settings.
type Config struct {
	Aggregator aggregator.Config
	// QueueSize bounds the capture to loop channel. Events beyond it are
	// dropped by the capture layer.
	QueueSize int
	MaxSkew   time.Duration
	// Retention is how long the session log is kept; zero keeps it forever.
	Retention     time.Duration
	PruneInterval time.Duration
}

// DefaultConfig returns the reference settings.
func DefaultConfig() Config {
	return Config{
		Aggregator:    aggregator.DefaultConfig(),
		QueueSize:     1024,
		MaxSkew:       capture.DefaultMaxSkew,
		Retention:     30 * 24 * time.Hour,
		PruneInterval: time.Hour,
	}
}

// Deps are the collaborators of an Engine. Broadcaster, Remote, Store and
// Persister are required.
type Deps struct {
	Broadcaster lockdown.Broadcaster
	Remote      Remote
	Store       StateStore
	Persister   Persister

	Clock   event.Clock
	Metrics *metrics.DaemonMetrics
	Log     *logging.Logger
	Audit   *logging.AuditLogger
	Crash   *logging.CrashHandler
}

// Engine is the controlling loop.
type Engine struct {
	cfg     Config
	bc      lockdown.Broadcaster
	remote  Remote
	store   StateStore
	persist Persister
	clock   event.Clock
	metrics *metrics.DaemonMetrics
	log     *logging.Logger
	audit   *logging.AuditLogger
	crash   *logging.CrashHandler

	coord   *lockdown.Coordinator
	agg     *aggregator.Aggregator
	capture *capture.Capturer

	events chan event.Event
	inbox  chan func()
	quit   chan struct{}

	running atomic.Bool
	wg      sync.WaitGroup

	// Loop-owned.
	ctx      context.Context
	dispatch *aggregator.Closed
	current  *aggregator.Closed
	lastMode lockdown.Mode

	aggStats atomic.Pointer[aggregator.Stats]
}

// New wires an Engine. Nothing runs until Run.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Broadcaster == nil || deps.Remote == nil || deps.Store == nil || deps.Persister == nil {
		return nil, errors.New("engine: broadcaster, remote, store and persister are required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultConfig().PruneInterval
	}
	// Surface stamps drive the idle deadline, which is armed on the daemon
	// clock; a lag as large as the idle timeout would expire it on arrival.
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = capture.DefaultMaxSkew
	}
	if idle := cfg.Aggregator.IdleTimeout; idle > 0 && cfg.MaxSkew >= idle {
		cfg.MaxSkew = idle / 2
	}
	if deps.Clock == nil {
		deps.Clock = event.NewMonotonicClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewDaemonMetrics(nil)
	}
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}

	e := &Engine{
		cfg:     cfg,
		bc:      deps.Broadcaster,
		remote:  deps.Remote,
		store:   deps.Store,
		persist: deps.Persister,
		clock:   deps.Clock,
		metrics: deps.Metrics,
		log:     deps.Log.WithComponent("engine"),
		audit:   deps.Audit,
		crash:   deps.Crash,
		events:  make(chan event.Event, cfg.QueueSize),
		inbox:   make(chan func(), 64),
		quit:    make(chan struct{}),
	}

	agg, err := aggregator.New(cfg.Aggregator, e)
	if err != nil {
		return nil, err
	}
	e.agg = agg
	e.coord = lockdown.New(deps.Broadcaster, deps.Persister, deps.Log, deps.Audit)
	e.capture = capture.New(e.coord, e.clock, e.events, capture.WithMaxSkew(cfg.MaxSkew))
	e.aggStats.Store(&aggregator.Stats{})
	e.expose()

	return e, nil
}

func (e *Engine) expose() {
	captureStat := func(pick func(capture.Stats) uint64) func() uint64 {
		return func() uint64 { return pick(e.capture.Stats()) }
	}
	aggStat := func(pick func(*aggregator.Stats) uint64) func() uint64 {
		return func() uint64 { return pick(e.aggStats.Load()) }
	}

	const captureHelp = "Surface inputs by capture outcome"
	e.metrics.ExposeCounter("capture_inputs_total", captureHelp, metrics.Labels{"result": "forwarded"},
		captureStat(func(s capture.Stats) uint64 { return s.Forwarded }))
	e.metrics.ExposeCounter("capture_inputs_total", captureHelp, metrics.Labels{"result": "gated"},
		captureStat(func(s capture.Stats) uint64 { return s.Gated }))
	e.metrics.ExposeCounter("capture_inputs_total", captureHelp, metrics.Labels{"result": "dropped"},
		captureStat(func(s capture.Stats) uint64 { return s.Dropped }))
	e.metrics.ExposeCounter("capture_inputs_total", captureHelp, metrics.Labels{"result": "rejected"},
		captureStat(func(s capture.Stats) uint64 { return s.Rejected }))
	e.metrics.ExposeCounter("capture_restamped_total", "Inputs whose timestamp was replaced by the capture clock", nil,
		captureStat(func(s capture.Stats) uint64 { return s.Restamped }))

	e.metrics.ExposeCounter("events_malformed_total", "Events the aggregator could not record", nil,
		aggStat(func(s *aggregator.Stats) uint64 { return s.Malformed }))
	e.metrics.ExposeCounter("key_ups_unmatched_total", "Key releases without a pending press", nil,
		aggStat(func(s *aggregator.Stats) uint64 { return s.UnmatchedUps }))
}

// Run boots the coordinator from the store and serves the loop until ctx
// is done. Helper goroutines are waited for before it returns.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer func() {
		close(e.quit)
		e.wg.Wait()
	}()

	st, err := e.loadState()
	if err != nil {
		return err
	}
	e.ctx = ctx
	e.coord.Boot(st)
	e.afterStep()
	e.log.Info("engine started", "identity", st.Identity, "mode", st.Mode.String())

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	prune := time.NewTicker(e.cfg.PruneInterval)
	defer prune.Stop()
	e.prune()

	for {
		e.arm(timer)

		select {
		case <-ctx.Done():
			s := e.agg.Stats()
			e.log.Info("engine stopped",
				"accepted", s.Accepted, "forwarded", s.Forwarded,
				"passive", s.Passive, "noise", s.Noise, "dropped_in_flight", s.DroppedInFlight)
			_ = e.audit.Record(logging.AuditEvent{
				EventType: logging.AuditShutdown,
				Identity:  e.coord.Identity(),
				To:        e.coord.Mode().String(),
			})
			return nil

		case ev := <-e.events:
			e.accept(ev)

		case fn := <-e.inbox:
			fn()

		case <-timer.C:
			e.agg.Advance(e.clock.Now())

		case <-prune.C:
			e.prune()
		}

		e.afterStep()
	}
}

func (e *Engine) loadState() (lockdown.State, error) {
	raw, err := e.store.LoadState()
	if err != nil {
		return lockdown.State{}, fmt.Errorf("engine: load state: %w", err)
	}

	st := lockdown.State{Identity: raw.Identity, Progress: raw.Progress, Mode: lockdown.Enrolling}
	if st.Identity == "" {
		st.Identity = uuid.NewString()
		if err := e.store.Set(store.KeyIdentity, st.Identity); err != nil {
			return lockdown.State{}, fmt.Errorf("engine: persist identity: %w", err)
		}
		e.log.Info("new identity created", "identity", st.Identity)
	}
	if raw.Mode != "" {
		mode, err := lockdown.ParseMode(raw.Mode)
		if err != nil {
			// Enrollment of a known identity answers "already enrolled",
			// which lands in locked Baselining.
			e.log.Warn("unreadable operating mode, starting from enrollment", "stored", raw.Mode)
		} else {
			st.Mode = mode
		}
	}
	return st, nil
}

// arm points timer at the aggregator's next deadline.
func (e *Engine) arm(timer *time.Timer) {
	at, ok := e.agg.Deadline()
	if !ok {
		timer.Stop()
		return
	}
	d := event.Duration(at - e.clock.Now())
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

func (e *Engine) accept(ev event.Event) {
	err := e.agg.Accept(ev)
	switch {
	case err == nil:
		e.metrics.EventsAccepted.Inc()
	case errors.Is(err, aggregator.ErrInFlight):
		e.metrics.EventsInFlight.Inc()
	default:
		e.log.Debug("event dropped", "kind", ev.Kind.String(), "error", err)
	}
}

// afterStep runs after every loop step: it starts a pending dispatch and
// refreshes what other goroutines may read.
func (e *Engine) afterStep() {
	if c := e.dispatch; c != nil {
		e.dispatch = nil
		e.route(c)
	}

	stats := e.agg.Stats()
	e.aggStats.Store(&stats)

	mode := e.coord.Mode()
	if mode != e.lastMode {
		e.metrics.ModeChanges.Inc()
		e.lastMode = mode
	}
	e.metrics.OperatingMode.Set(int64(mode))
	if e.agg.InFlight() {
		e.metrics.InFlight.Set(1)
	} else {
		e.metrics.InFlight.Set(0)
	}
}

// Dispatch implements aggregator.Sink. It runs inside an aggregator call,
// so routing is deferred to afterStep.
func (e *Engine) Dispatch(c *aggregator.Closed) {
	e.recordClosed(c)
	e.dispatch = c
}

// Discard implements aggregator.Sink.
func (e *Engine) Discard(c *aggregator.Closed) {
	e.recordClosed(c)
	e.log.Debug("session discarded",
		"session", c.ID, "disposition", c.Disposition.String(),
		"meaningful", c.Payload.Meaningful(), "heartbeats", c.Heartbeats)
}

func (e *Engine) recordClosed(c *aggregator.Closed) {
	e.metrics.RecordSession(c.Reason.String(), c.Disposition.String())

	rec := store.SessionRecord{
		ID:          c.ID,
		ClosedAt:    time.Now(),
		StartMs:     c.Payload.StartTimestamp,
		EndMs:       c.Payload.EndTimestamp,
		Reason:      c.Reason.String(),
		Disposition: c.Disposition.String(),
		KeyEvents:   len(c.Payload.KeyEvents),
		Clicks:      len(c.Payload.Clicks),
		Paths:       len(c.Payload.MousePaths),
		Heartbeats:  c.Heartbeats,
	}
	if sum, err := c.Payload.Digest(); err == nil {
		rec.Digest = sum[:]
	}
	e.persist.RecordSession(rec)
}

// route sends a forwarded session to the collaborator route the
// coordinator picks, or drops it.
func (e *Engine) route(c *aggregator.Closed) {
	t, ok := e.coord.SubmissionRoute()
	if !ok {
		e.log.Debug("session dropped, capture not trusted", "session", c.ID, "mode", e.coord.Mode().String())
		e.persist.RecordOutcome(c.ID, lockdown.RouteNone.String(), "dropped")
		e.agg.DispatchDone()
		return
	}
	e.current = c
	e.submit(t, c)
}

func (e *Engine) submit(t lockdown.Ticket, c *aggregator.Closed) {
	identity := e.coord.Identity()

	e.spawn("submit_"+t.Route.String(),
		func(ctx context.Context) func() {
			res := e.call(ctx, t.Route, identity, c.Payload)
			return func() { e.completeSubmit(t, c, res) }
		},
		func() {
			e.completeSubmit(t, c, lockdown.SubmitResult{Err: errors.New("engine: submission panicked")})
		})
}

// call performs one collaborator submission and maps its outcome.
func (e *Engine) call(ctx context.Context, route lockdown.Route, identity string, p *aggregator.Payload) lockdown.SubmitResult {
	start := time.Now()
	var res lockdown.SubmitResult

	switch route {
	case lockdown.RouteTrain:
		tr, err := e.remote.Train(ctx, identity, p)
		e.metrics.RecordRemote("train", time.Since(start), err)
		if err != nil {
			res.Err = err
			break
		}
		res.Ready = tr.Ready()
		res.Progress = tr.Progress

	case lockdown.RouteScore:
		sr, err := e.remote.Score(ctx, identity, p)
		e.metrics.RecordRemote("score", time.Since(start), err)
		switch {
		case errors.Is(err, remote.ErrNoBaseline):
			res.NoBaseline = true
		case err != nil:
			res.Err = err
		default:
			res.Anomaly = sr.IsAnomaly
		}

	default:
		res.Err = fmt.Errorf("engine: no collaborator route for %s", route)
	}
	return res
}

func (e *Engine) completeSubmit(t lockdown.Ticket, c *aggregator.Closed, res lockdown.SubmitResult) {
	f := e.coord.HandleSubmitResult(t, res)

	outcome := submitOutcome(res)
	if f.Stale {
		outcome = "stale"
		e.metrics.StaleResults.Inc()
	}
	e.persist.RecordOutcome(c.ID, t.Route.String(), outcome)

	if f.Resubmit {
		e.log.Info("resubmitting session on train route", "session", c.ID)
		e.submit(f.Ticket, c)
		return
	}

	// A resume may have reset the aggregator while this was in flight.
	if e.current == c {
		e.current = nil
		e.agg.DispatchDone()
	}
}

func submitOutcome(res lockdown.SubmitResult) string {
	switch {
	case res.Err != nil:
		return "error"
	case res.NoBaseline:
		return "no_baseline"
	case res.Anomaly:
		return "anomaly"
	case res.Ready:
		return "ready"
	case len(res.Progress) > 0:
		return "trained"
	}
	return "normal"
}

func (e *Engine) prune() {
	if e.cfg.Retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-e.cfg.Retention)
	e.spawn("prune",
		func(context.Context) func() {
			n, err := e.store.PruneSessions(cutoff)
			if err != nil {
				e.log.Warn("prune session log", "error", err)
			} else if n > 0 {
				e.log.Debug("session log pruned", "removed", n)
			}
			return nil
		}, nil)
}

// spawn runs work off the loop and posts the function it returns back to
// the loop. A panic in work is reported to the crash handler and fallback
// is posted instead.
func (e *Engine) spawn(op string, work func(ctx context.Context) func(), fallback func()) {
	ctx := e.ctx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		done := fallback
		func() {
			if e.crash != nil {
				defer e.crash.Recover(op)
			}
			done = work(ctx)
		}()
		if done != nil {
			e.post(done)
		}
	}()
}

// post queues fn for the loop. It reports false once Run has returned.
func (e *Engine) post(fn func()) bool {
	select {
	case e.inbox <- fn:
		return true
	case <-e.quit:
		return false
	}
}
