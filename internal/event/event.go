// Package event defines the normalized interaction record that flows from
// the capture layer into the session aggregator, and the capture clock that
// stamps it.
package event

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the interaction an Event records.
type Kind int

const (
	KindUnknown Kind = iota
	PointerMove
	PointerDown
	PointerUp
	KeyDown
	KeyUp
	// Heartbeat marks liveness for interactions that carry no payload
	// (continuous scrolling, for example).
	Heartbeat
	// SurfaceBlur is emitted when a surface loses focus.
	SurfaceBlur
)

var kindNames = map[Kind]string{
	PointerMove: "pointermove",
	PointerDown: "pointerdown",
	PointerUp:   "pointerup",
	KeyDown:     "keydown",
	KeyUp:       "keyup",
	Heartbeat:   "heartbeat",
	SurfaceBlur: "blur",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind maps a wire name to a Kind. Browser-native aliases such as
// "mousemove" and "scroll" are accepted.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "pointermove", "mousemove":
		return PointerMove, nil
	case "pointerdown", "mousedown":
		return PointerDown, nil
	case "pointerup", "mouseup":
		return PointerUp, nil
	case "keydown":
		return KeyDown, nil
	case "keyup":
		return KeyUp, nil
	case "heartbeat", "scroll", "wheel":
		return Heartbeat, nil
	case "blur", "surfaceblur":
		return SurfaceBlur, nil
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

var (
	// ErrUnknownKind is returned for an interaction name with no Kind.
	ErrUnknownKind = errors.New("event: unknown kind")

	// ErrMalformed is returned when an event lacks fields its kind requires.
	ErrMalformed = errors.New("event: malformed")
)

// Event is a normalized interaction record. It is a value type; once built
// it is never modified.
//
// Timestamp is in milliseconds on the capture clock.
type Event struct {
	Kind      Kind
	Timestamp float64
	X         int
	Y         int
	Button    int
	KeyCode   string
	Surface   string
}

// Validate reports whether the event carries what its kind needs.
func (e Event) Validate() error {
	switch e.Kind {
	case KeyDown, KeyUp:
		if e.KeyCode == "" {
			return fmt.Errorf("%w: %s without key code", ErrMalformed, e.Kind)
		}
	case PointerMove, PointerDown, PointerUp, Heartbeat, SurfaceBlur:
	default:
		return fmt.Errorf("%w: kind %d", ErrMalformed, e.Kind)
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("%w: non-positive timestamp", ErrMalformed)
	}
	return nil
}

// Clock yields capture timestamps in milliseconds.
type Clock interface {
	Now() float64
}

// MonotonicClock reports wall-aligned milliseconds that never go backwards:
// the Unix time at construction plus the monotonic time elapsed since.
type MonotonicClock struct {
	origin time.Time
	base   float64
}

// NewMonotonicClock anchors a clock at the current instant.
func NewMonotonicClock() *MonotonicClock {
	now := time.Now()
	return &MonotonicClock{origin: now, base: float64(now.UnixNano()) / 1e6}
}

// Now implements Clock.
func (c *MonotonicClock) Now() float64 {
	return c.base + float64(time.Since(c.origin))/float64(time.Millisecond)
}

// Millis converts a duration to the clock's unit.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Duration converts clock milliseconds back to a duration.
func Duration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
