package lockdown

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Mode is the persisted operating mode.
type Mode int

const (
	Enrolling Mode = iota
	Baselining
	Monitoring
	Challenged
)

var modeNames = [...]string{"enrolling", "baselining", "monitoring", "challenged"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	for i, name := range modeNames {
		if name == s {
			return Mode(i), nil
		}
	}
	return Enrolling, fmt.Errorf("lockdown: unknown mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// LockState is volatile. It is reset on every boot and resume.
type LockState struct {
	UnlockedForSession bool
}

// Action is what a directive asks a surface to do.
type Action int

const (
	ShowChallenge Action = iota
	HideChallenge
	ShowError
)

func (a Action) String() string {
	switch a {
	case ShowChallenge:
		return "show_challenge"
	case HideChallenge:
		return "hide_challenge"
	case ShowError:
		return "show_error"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(b []byte) error {
	for _, v := range []Action{ShowChallenge, HideChallenge, ShowError} {
		if v.String() == string(b) {
			*a = v
			return nil
		}
	}
	return fmt.Errorf("lockdown: unknown action %q", b)
}

// Context tells a surface which form to present with a challenge.
type Context int

const (
	// Bootstrapping asks for the password before baseline capture resumes.
	Bootstrapping Context = iota
	// ActiveChallenge follows an anomaly verdict.
	ActiveChallenge
	// Enrollment asks the user to choose a password on first run.
	Enrollment
)

func (c Context) String() string {
	switch c {
	case Bootstrapping:
		return "bootstrapping"
	case ActiveChallenge:
		return "active_challenge"
	case Enrollment:
		return "enrollment"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (c Context) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Context) UnmarshalText(b []byte) error {
	for _, v := range []Context{Bootstrapping, ActiveChallenge, Enrollment} {
		if v.String() == string(b) {
			*c = v
			return nil
		}
	}
	return fmt.Errorf("lockdown: unknown context %q", b)
}

// Directive is a command broadcast to surfaces.
type Directive struct {
	Action  Action  `json:"action"`
	Context Context `json:"context"`
	Message string  `json:"message,omitempty"`
}

// SurfaceRef identifies one connected surface.
type SurfaceRef string

// Outcome is the per-target result of a send.
type Outcome int

const (
	Delivered Outcome = iota
	Unreachable
)

func (o Outcome) String() string {
	if o == Delivered {
		return "delivered"
	}
	return "unreachable"
}

// Broadcaster delivers directives to surfaces. Send must not block and must
// never fail for a missing target; it reports Unreachable instead.
type Broadcaster interface {
	Send(ref SurfaceRef, d Directive) Outcome
	Surfaces() []SurfaceRef
}

// Persister records durable state changes. Calls must not block the caller.
type Persister interface {
	SaveMode(m Mode)
	SaveProgress(progress json.RawMessage)
}

// State is what the coordinator reads back from durable storage.
type State struct {
	Identity string
	Mode     Mode
	Progress json.RawMessage
}

// Route is the collaborator endpoint a session payload is sent to.
type Route int

const (
	RouteNone Route = iota
	RouteTrain
	RouteScore
)

func (r Route) String() string {
	switch r {
	case RouteTrain:
		return "train"
	case RouteScore:
		return "score"
	}
	return "none"
}

// Ticket captures the coordinator state an asynchronous request was issued
// under. A completion carrying a ticket from an older epoch is stale.
type Ticket struct {
	Epoch   uint64
	Mode    Mode
	Route   Route
	Surface SurfaceRef
}

var (
	// ErrNothingToVerify is returned when no challenge is owed.
	ErrNothingToVerify = errors.New("lockdown: no challenge is active")

	// ErrNotEnrolling is returned for enrollment outside the Enrolling mode.
	ErrNotEnrolling = errors.New("lockdown: enrollment already completed")
)
