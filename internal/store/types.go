package store

import (
	"encoding/json"
	"time"
)

// Keys of the state table.
const (
	KeyIdentity         = "identity"
	KeyOperatingMode    = "operating_mode"
	KeyBaselineProgress = "baseline_progress"
)

// State is the durable state read at boot.
type State struct {
	Identity string
	Mode     string
	Progress json.RawMessage
}

// SessionRecord is one row of the session log.
type SessionRecord struct {
	ID          string
	ClosedAt    time.Time
	StartMs     float64
	EndMs       float64
	Reason      string
	Disposition string
	KeyEvents   int
	Clicks      int
	Paths       int
	Heartbeats  int
	Digest      []byte
	Route       string
	Outcome     string
}

// Stats summarizes the session log.
type Stats struct {
	Sessions  int64
	Forwarded int64
	Passive   int64
	Noise     int64
	Anomalies int64
	LastClose time.Time
}
