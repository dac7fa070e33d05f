// Package aggregator turns an unbounded stream of normalized interaction
// events into a bounded sequence of session payloads.
//
// A session closes on whichever boundary trips first: inactivity, maximum
// duration or maximum volume. Duration and volume are evaluated before the
// triggering event mutates anything; that event is then recorded as the
// first event of the next session. Closed sessions pass a noise filter and
// only informative ones are dispatched.
//
// While a dispatched payload is unresolved (between Sink.Dispatch and
// DispatchDone) further events are dropped, not queued. The payload is a
// deep copy and the accumulator is reset before dispatch, so nothing the
// collaborator reads can be mutated underneath it.
//
// An Aggregator is not safe for concurrent use. It is owned by the engine
// loop, which also owns the timer driving Advance.
package aggregator

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"maxidomd/internal/event"
)

// Config holds the boundary policy thresholds.
type Config struct {
	IdleTimeout      time.Duration
	MaxDuration      time.Duration
	MaxVolume        int
	MinMeaningful    int
	PassiveThreshold int
	PathGap          time.Duration
}

// DefaultConfig returns the reference thresholds.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:      5 * time.Second,
		MaxDuration:      90 * time.Second,
		MaxVolume:        2000,
		MinMeaningful:    20,
		PassiveThreshold: 10,
		PathGap:          200 * time.Millisecond,
	}
}

// Validate checks that every threshold is usable.
func (c Config) Validate() error {
	switch {
	case c.IdleTimeout <= 0:
		return errors.New("aggregator: idle timeout must be positive")
	case c.MaxDuration <= 0:
		return errors.New("aggregator: max duration must be positive")
	case c.MaxVolume <= 0:
		return errors.New("aggregator: max volume must be positive")
	case c.MinMeaningful < 0 || c.PassiveThreshold < 0:
		return errors.New("aggregator: filter thresholds must not be negative")
	case c.PathGap <= 0:
		return errors.New("aggregator: path gap must be positive")
	}
	return nil
}

// Sink receives closed sessions.
type Sink interface {
	// Dispatch is called for sessions that cleared the noise filter. The
	// aggregator stays in flight until DispatchDone.
	Dispatch(c *Closed)
	// Discard is called for noise and passive sessions.
	Discard(c *Closed)
}

// ErrInFlight is returned by Accept while a dispatched payload is unresolved.
var ErrInFlight = errors.New("aggregator: dispatch in flight")

// Stats counts what the aggregator has done since construction.
type Stats struct {
	Accepted        uint64
	Forwarded       uint64
	Passive         uint64
	Noise           uint64
	DroppedInFlight uint64
	Malformed       uint64
	UnmatchedUps    uint64
}

type pendingDown struct {
	t      float64
	x, y   int
	button int
}

// inFlight is the live accumulator. Created on the first event after a reset.
type inFlight struct {
	start       float64
	pendingPath []PathPoint
	lastMove    float64
	pendingKeys map[string]float64
	down        *pendingDown
	keyEvents   []KeyEvent
	paths       [][]PathPoint
	clicks      []Click
	focus       []FocusChange
	heartbeats  int
	samples     int // key events + clicks + pointer samples, sealed or pending
}

// Aggregator is the session accumulator.
type Aggregator struct {
	cfg       Config
	sink      Sink
	cur       *inFlight
	lastEvent float64
	inFlight  bool
	stats     Stats

	idleMs, maxMs, gapMs float64
}

// New creates an Aggregator. cfg must pass Validate.
func New(cfg Config, sink Sink) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("aggregator: nil sink")
	}
	return &Aggregator{
		cfg:    cfg,
		sink:   sink,
		idleMs: event.Millis(cfg.IdleTimeout),
		maxMs:  event.Millis(cfg.MaxDuration),
		gapMs:  event.Millis(cfg.PathGap),
	}, nil
}

// Accept records one event. It returns ErrInFlight when the event was
// dropped because a dispatch is unresolved, or a wrapped event.ErrMalformed
// for events that cannot be recorded. Neither is fatal.
func (a *Aggregator) Accept(ev event.Event) error {
	if a.inFlight {
		a.stats.DroppedInFlight++
		return ErrInFlight
	}
	if err := ev.Validate(); err != nil {
		a.stats.Malformed++
		return err
	}

	// Session time never runs backwards, so durations stay non-negative.
	if a.cur != nil && ev.Timestamp < a.lastEvent {
		ev.Timestamp = a.lastEvent
	}
	now := ev.Timestamp
	if a.cur != nil {
		switch {
		case now-a.lastEvent >= a.idleMs:
			// The idle timer lost the race with this event.
			a.close(ReasonIdle, a.lastEvent)
		case now-a.cur.start > a.maxMs:
			a.close(ReasonDuration, now)
		case a.cur.samples+a.weight(ev) > a.cfg.MaxVolume:
			a.close(ReasonVolume, now)
		}
	}

	if a.cur == nil {
		a.cur = &inFlight{
			start:       now,
			pendingKeys: make(map[string]float64),
		}
	}
	a.record(ev)
	a.lastEvent = now
	a.stats.Accepted++
	return nil
}

// weight is how many samples ev would add to the current session.
func (a *Aggregator) weight(ev event.Event) int {
	switch ev.Kind {
	case event.PointerMove:
		return 1
	case event.KeyUp:
		if _, ok := a.cur.pendingKeys[ev.KeyCode]; ok {
			return 1
		}
	case event.PointerUp:
		if d := a.cur.down; d != nil && d.button == ev.Button {
			return 1
		}
	}
	return 0
}

func (a *Aggregator) record(ev event.Event) {
	s := a.cur
	t := ev.Timestamp

	switch ev.Kind {
	case event.PointerMove:
		if len(s.pendingPath) > 0 && t-s.lastMove >= a.gapMs {
			a.sealPath()
		}
		s.pendingPath = append(s.pendingPath, PathPoint{T: t, X: ev.X, Y: ev.Y})
		s.lastMove = t
		s.samples++

	case event.PointerDown:
		// A second down without an up replaces the first.
		s.down = &pendingDown{t: t, x: ev.X, y: ev.Y, button: ev.Button}

	case event.PointerUp:
		d := s.down
		if d == nil || d.button != ev.Button {
			a.stats.UnmatchedUps++
			return
		}
		s.clicks = append(s.clicks, Click{
			T:        d.t,
			X:        d.x,
			Y:        d.y,
			Button:   d.button,
			Duration: t - d.t,
		})
		s.down = nil
		s.samples++

	case event.KeyDown:
		if _, held := s.pendingKeys[ev.KeyCode]; !held {
			s.pendingKeys[ev.KeyCode] = t
		}

	case event.KeyUp:
		downAt, ok := s.pendingKeys[ev.KeyCode]
		if !ok {
			a.stats.UnmatchedUps++
			return
		}
		delete(s.pendingKeys, ev.KeyCode)
		s.keyEvents = append(s.keyEvents, KeyEvent{Code: ev.KeyCode, DownTime: downAt, UpTime: t})
		s.samples++

	case event.Heartbeat:
		s.heartbeats++

	case event.SurfaceBlur:
		// Presses interrupted by focus loss are never completed.
		s.down = nil
		clear(s.pendingKeys)
		s.focus = append(s.focus, FocusChange{T: t, Type: "blur"})
	}
}

func (a *Aggregator) sealPath() {
	s := a.cur
	if len(s.pendingPath) == 0 {
		return
	}
	s.paths = append(s.paths, s.pendingPath)
	s.pendingPath = nil
}

// Advance applies the timers as of now: it seals a quiescent pointer path and
// closes the session after IdleTimeout without events. Nothing happens while
// a dispatch is in flight.
func (a *Aggregator) Advance(now float64) {
	if a.cur == nil || a.inFlight {
		return
	}
	if now-a.lastEvent >= a.idleMs {
		a.close(ReasonIdle, a.lastEvent)
		return
	}
	if len(a.cur.pendingPath) > 0 && now-a.cur.lastMove >= a.gapMs {
		a.sealPath()
	}
}

// Deadline returns the next instant Advance has work to do, in capture
// clock milliseconds. ok is false when no timer is needed.
func (a *Aggregator) Deadline() (at float64, ok bool) {
	if a.cur == nil || a.inFlight {
		return 0, false
	}
	at = a.lastEvent + a.idleMs
	if len(a.cur.pendingPath) > 0 {
		if seal := a.cur.lastMove + a.gapMs; seal < at {
			at = seal
		}
	}
	return at, true
}

// Flush closes the current session immediately, if there is one.
func (a *Aggregator) Flush(now float64) {
	if a.cur == nil || a.inFlight {
		return
	}
	end := a.lastEvent
	if now > end {
		end = now
	}
	a.close(ReasonFlush, end)
}

// DispatchDone ends the in-flight window opened by Sink.Dispatch.
func (a *Aggregator) DispatchDone() {
	a.inFlight = false
}

// InFlight reports whether a dispatched payload is unresolved.
func (a *Aggregator) InFlight() bool {
	return a.inFlight
}

// Reset drops all volatile state without dispatching anything. Used when
// the controlling process is resumed after suspension.
func (a *Aggregator) Reset() {
	a.cur = nil
	a.inFlight = false
	a.lastEvent = 0
}

// Open reports whether a session is accumulating.
func (a *Aggregator) Open() bool {
	return a.cur != nil
}

// Stats returns a copy of the counters.
func (a *Aggregator) Stats() Stats {
	return a.stats
}

// close freezes the current session, resets the accumulator, classifies
// the frozen copy and hands it to the sink.
func (a *Aggregator) close(reason Reason, end float64) {
	a.sealPath()
	s := a.cur
	a.cur = nil

	c := &Closed{
		ID:         uuid.NewString(),
		Payload:    freeze(s, end),
		Reason:     reason,
		Heartbeats: s.heartbeats,
	}

	switch {
	case c.Payload.Meaningful() >= a.cfg.MinMeaningful:
		c.Disposition = Forwarded
		a.stats.Forwarded++
		a.inFlight = true
		a.sink.Dispatch(c)
	case s.heartbeats >= a.cfg.PassiveThreshold:
		c.Disposition = Passive
		a.stats.Passive++
		a.sink.Discard(c)
	default:
		c.Disposition = Noise
		a.stats.Noise++
		a.sink.Discard(c)
	}
}

// freeze deep-copies the accumulator into a Payload.
func freeze(s *inFlight, end float64) *Payload {
	p := &Payload{
		StartTimestamp: s.start,
		EndTimestamp:   end,
		KeyEvents:      append(make([]KeyEvent, 0, len(s.keyEvents)), s.keyEvents...),
		MousePaths:     make([][]PathPoint, 0, len(s.paths)),
		Clicks:         append(make([]Click, 0, len(s.clicks)), s.clicks...),
		FocusChanges:   append(make([]FocusChange, 0, len(s.focus)), s.focus...),
	}
	for _, path := range s.paths {
		p.MousePaths = append(p.MousePaths, append([]PathPoint(nil), path...))
	}
	return p
}
