package surface

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"maxidomd/internal/capture"
	"maxidomd/internal/lockdown"
	"maxidomd/internal/logging"
)

// Enforcer is what a surface must do with directives. While a challenge is
// shown no interaction except challenge-form input may reach the
// underlying content, and the challenge must not be dismissable from
// within the surface.
type Enforcer interface {
	ShowChallenge(c lockdown.Context)
	HideChallenge()
	ShowError(msg string)
	// Permit reports whether in may reach the underlying content.
	Permit(in capture.Input) bool
}

// Overlay is the presentation a Guard drives.
type Overlay interface {
	Mount(c lockdown.Context) error
	Unmount()
	// Present reports whether the overlay is still mounted. Content on the
	// surface may remove it behind the Guard's back.
	Present() bool
	Error(msg string)
}

// Guard is the reference Enforcer. It tracks the engaged state itself and
// re-mounts the overlay when Watch finds it missing.
type Guard struct {
	overlay  Overlay
	interval time.Duration
	log      *logging.Logger

	mu      sync.Mutex
	engaged bool
	context lockdown.Context

	reasserts atomic.Uint64
}

// NewGuard creates a Guard. interval is the self-heal poll period.
func NewGuard(o Overlay, interval time.Duration, log *logging.Logger) *Guard {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Guard{overlay: o, interval: interval, log: log.WithComponent("guard")}
}

// ShowChallenge implements Enforcer. Showing again with a new context
// replaces the form.
func (g *Guard) ShowChallenge(c lockdown.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.engaged = true
	g.context = c
	if err := g.overlay.Mount(c); err != nil {
		g.log.Warn("mount overlay", "context", c.String(), "error", err)
	}
}

// HideChallenge implements Enforcer. Input propagation is fully restored.
func (g *Guard) HideChallenge() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.engaged {
		return
	}
	g.engaged = false
	g.overlay.Unmount()
}

// ShowError implements Enforcer. Errors outside a challenge are ignored.
func (g *Guard) ShowError(msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.engaged {
		g.overlay.Error(msg)
	}
}

// Permit implements Enforcer.
func (g *Guard) Permit(in capture.Input) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.engaged || in.Form
}

// Engaged reports whether a challenge is shown and, if so, which.
func (g *Guard) Engaged() (lockdown.Context, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.context, g.engaged
}

// Apply routes a directive to the matching Enforcer call.
func (g *Guard) Apply(d lockdown.Directive) {
	Apply(g, d)
}

// Reasserts counts how often Watch had to re-mount the overlay.
func (g *Guard) Reasserts() uint64 {
	return g.reasserts.Load()
}

// Watch re-mounts the overlay whenever it disappears while engaged. It
// returns when ctx is done.
func (g *Guard) Watch(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.heal()
		}
	}
}

func (g *Guard) heal() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.engaged || g.overlay.Present() {
		return
	}
	g.reasserts.Add(1)
	g.log.Warn("overlay removed while engaged, reasserting", "context", g.context.String())
	if err := g.overlay.Mount(g.context); err != nil {
		g.log.Warn("remount overlay", "error", err)
	}
}

// Apply routes d to e.
func Apply(e Enforcer, d lockdown.Directive) {
	switch d.Action {
	case lockdown.ShowChallenge:
		e.ShowChallenge(d.Context)
	case lockdown.HideChallenge:
		e.HideChallenge()
	case lockdown.ShowError:
		e.ShowError(d.Message)
	}
}
