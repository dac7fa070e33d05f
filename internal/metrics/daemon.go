package metrics

import (
	"time"
)

// DaemonMetrics holds the maxidomd series.
type DaemonMetrics struct {
	registry *Registry
	started  time.Time

	EventsAccepted *Counter
	EventsInFlight *Counter
	ModeChanges    *Counter
	StaleResults   *Counter

	SurfacesConnected *Gauge
	OperatingMode     *Gauge
	InFlight          *Gauge
	UptimeSeconds     *Gauge
}

// NewDaemonMetrics creates and registers the fixed series. Labelled series
// are registered lazily by the Record methods.
func NewDaemonMetrics(registry *Registry) *DaemonMetrics {
	if registry == nil {
		registry = NewRegistry("maxidomd")
	}

	return &DaemonMetrics{
		registry: registry,
		started:  time.Now(),

		EventsAccepted: registry.RegisterCounter(
			"events_accepted_total",
			"Events accepted into an open session",
			nil,
		),
		EventsInFlight: registry.RegisterCounter(
			"events_dropped_in_flight_total",
			"Events dropped while a session payload awaited its result",
			nil,
		),
		ModeChanges: registry.RegisterCounter(
			"mode_transitions_total",
			"Operating mode transitions",
			nil,
		),
		StaleResults: registry.RegisterCounter(
			"stale_results_total",
			"Collaborator results discarded because the mode moved on",
			nil,
		),

		SurfacesConnected: registry.RegisterGauge(
			"surfaces_connected",
			"Surfaces currently attached to the hub",
			nil,
		),
		OperatingMode: registry.RegisterGauge(
			"operating_mode",
			"Current operating mode (0 enrolling, 1 baselining, 2 monitoring, 3 challenged)",
			nil,
		),
		InFlight: registry.RegisterGauge(
			"session_in_flight",
			"1 while a dispatched session payload is unresolved",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),
	}
}

// Registry returns the backing registry.
func (m *DaemonMetrics) Registry() *Registry {
	return m.registry
}

// RecordSession counts a closed session by boundary reason and disposition.
func (m *DaemonMetrics) RecordSession(reason, disposition string) {
	m.registry.RegisterCounter(
		"sessions_closed_total",
		"Sessions closed, by boundary reason and disposition",
		Labels{"reason": reason, "disposition": disposition},
	).Inc()
}

// RecordDirective counts a directive send by action and outcome.
func (m *DaemonMetrics) RecordDirective(action, outcome string) {
	m.registry.RegisterCounter(
		"directives_total",
		"Directives sent to surfaces, by action and outcome",
		Labels{"action": action, "outcome": outcome},
	).Inc()
}

// RecordRemote records one collaborator call.
func (m *DaemonMetrics) RecordRemote(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.registry.RegisterCounter(
		"remote_calls_total",
		"Collaborator calls, by operation and result",
		Labels{"op": op, "result": result},
	).Inc()
	m.registry.RegisterHistogram(
		"remote_call_duration_seconds",
		"Collaborator call latency in seconds",
		Labels{"op": op},
		DurationBuckets,
	).ObserveDuration(d)
}

// RecordVerification counts a challenge attempt outcome: success, failure or error.
func (m *DaemonMetrics) RecordVerification(result string) {
	m.registry.RegisterCounter(
		"verifications_total",
		"Challenge verification attempts, by result",
		Labels{"result": result},
	).Inc()
}

// ExposeCounter publishes a component-owned monotonic total.
func (m *DaemonMetrics) ExposeCounter(name, help string, labels Labels, fn func() uint64) {
	m.registry.RegisterCounterFunc(name, help, labels, fn)
}

// UpdateUptime refreshes the uptime gauge.
func (m *DaemonMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}

// Snapshot returns the registry snapshot with uptime refreshed.
func (m *DaemonMetrics) Snapshot() map[string]any {
	m.UpdateUptime()
	return m.registry.Snapshot()
}
