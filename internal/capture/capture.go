// Package capture normalizes raw interaction signals reported by surfaces
// into event.Event values and forwards them to the aggregator.
//
// Capture is gated: nothing is forwarded unless the Gate allows it. Forwarding
// never blocks the caller; when the downstream queue is full the event is
// dropped and counted.
package capture

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"maxidomd/internal/event"
)

// Gate reports whether capture is currently permitted. Implementations must
// be safe for concurrent use.
type Gate interface {
	CaptureAllowed() bool
}

// GateFunc adapts a function to Gate.
type GateFunc func() bool

// CaptureAllowed implements Gate.
func (f GateFunc) CaptureAllowed() bool { return f() }

// Input is one raw signal as a surface reports it.
type Input struct {
	Type   string  `json:"type"`
	T      float64 `json:"t,omitempty"`
	X      int     `json:"x,omitempty"`
	Y      int     `json:"y,omitempty"`
	Button int     `json:"button,omitempty"`
	Code   string  `json:"code,omitempty"`
	// Form marks input typed into the challenge form. It belongs to the
	// form handler and is never forwarded.
	Form bool `json:"form,omitempty"`
}

// Stats counts capture outcomes.
type Stats struct {
	Forwarded uint64
	Gated     uint64
	Dropped   uint64
	Rejected  uint64
	Restamped uint64
}

// Capturer turns Inputs into Events.
type Capturer struct {
	gate    Gate
	clock   event.Clock
	out     chan<- event.Event
	maxSkew float64

	// floor holds the float64 bits of the latest stamp handed out.
	floor atomic.Uint64

	forwarded atomic.Uint64
	gated     atomic.Uint64
	dropped   atomic.Uint64
	rejected  atomic.Uint64
	restamped atomic.Uint64
}

// DefaultMaxSkew is the surface clock skew accepted when none is configured.
// It must stay below the aggregator's idle timeout.
const DefaultMaxSkew = 2 * time.Second

// Option configures a Capturer.
type Option func(*Capturer)

// WithMaxSkew sets how far a surface-supplied timestamp may differ from the
// capture clock before it is replaced by the clock reading.
func WithMaxSkew(d time.Duration) Option {
	return func(c *Capturer) { c.maxSkew = event.Millis(d) }
}

// New creates a Capturer that forwards into out.
func New(gate Gate, clock event.Clock, out chan<- event.Event, opts ...Option) *Capturer {
	c := &Capturer{
		gate:    gate,
		clock:   clock,
		out:     out,
		maxSkew: event.Millis(DefaultMaxSkew),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit normalizes in and forwards it. It returns false when the input was
// gated, rejected or dropped. Safe for concurrent use.
func (c *Capturer) Submit(surface string, in Input) bool {
	if in.Form || !c.gate.CaptureAllowed() {
		c.gated.Add(1)
		return false
	}

	ev, err := c.Normalize(surface, in)
	if err != nil {
		c.rejected.Add(1)
		return false
	}

	select {
	case c.out <- ev:
		c.forwarded.Add(1)
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Normalize converts in to an Event without forwarding it.
//
// A surface-supplied timestamp is kept when it lies within MaxSkew of the
// capture clock. Stamps are then clamped so they never exceed the clock and
// never run backwards across surfaces: the aggregator's timers run on the
// capture clock, and pairing a press on one surface with a release on
// another must not yield a negative duration.
func (c *Capturer) Normalize(surface string, in Input) (event.Event, error) {
	kind, err := event.ParseKind(in.Type)
	if err != nil {
		return event.Event{}, err
	}

	now := c.clock.Now()
	ts := in.T
	if ts <= 0 || math.IsNaN(ts) || math.Abs(ts-now) > c.maxSkew {
		if ts != 0 {
			c.restamped.Add(1)
		}
		ts = now
	}

	ev := event.Event{
		Kind:      kind,
		Timestamp: ts,
		X:         in.X,
		Y:         in.Y,
		Button:    in.Button,
		KeyCode:   in.Code,
		Surface:   surface,
	}
	if err := ev.Validate(); err != nil {
		return event.Event{}, fmt.Errorf("capture: %w", err)
	}
	ev.Timestamp = c.monotonic(ts, now)
	return ev, nil
}

// monotonic returns ts clamped to [latest stamp, now] and records it.
func (c *Capturer) monotonic(ts, now float64) float64 {
	if ts > now {
		ts = now
	}
	for {
		prev := c.floor.Load()
		if f := math.Float64frombits(prev); ts < f {
			return f
		}
		if c.floor.CompareAndSwap(prev, math.Float64bits(ts)) {
			return ts
		}
	}
}

// Stats returns a snapshot of the counters.
func (c *Capturer) Stats() Stats {
	return Stats{
		Forwarded: c.forwarded.Load(),
		Gated:     c.gated.Load(),
		Dropped:   c.dropped.Load(),
		Rejected:  c.rejected.Load(),
		Restamped: c.restamped.Load(),
	}
}
