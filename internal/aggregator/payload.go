package aggregator

import (
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// KeyEvent is one completed key press.
type KeyEvent struct {
	Code     string  `json:"code"`
	DownTime float64 `json:"downTime"`
	UpTime   float64 `json:"upTime"`
}

// PathPoint is one pointer sample within a path.
type PathPoint struct {
	T float64 `json:"t"`
	X int     `json:"x"`
	Y int     `json:"y"`
}

// Click is one completed down/up pair on the same button. T, X and Y are
// taken from the down event.
type Click struct {
	T        float64 `json:"t"`
	X        int     `json:"x"`
	Y        int     `json:"y"`
	Button   int     `json:"button"`
	Duration float64 `json:"duration"`
}

// FocusChange records a surface losing focus.
type FocusChange struct {
	T    float64 `json:"t"`
	Type string  `json:"type"`
}

// Payload is the frozen form of a closed session, shaped the way the
// classification service expects it. Every slice is owned by the payload;
// nothing aliases the live accumulator.
type Payload struct {
	StartTimestamp float64       `json:"startTimestamp"`
	EndTimestamp   float64       `json:"endTimestamp"`
	KeyEvents      []KeyEvent    `json:"keyEvents"`
	MousePaths     [][]PathPoint `json:"mousePaths"`
	Clicks         []Click       `json:"clicks"`
	FocusChanges   []FocusChange `json:"focusChanges"`
}

// Meaningful is the count the noise filter looks at.
func (p *Payload) Meaningful() int {
	return len(p.KeyEvents) + len(p.Clicks) + len(p.MousePaths)
}

// Digest is a BLAKE2b-256 fingerprint of the payload's JSON encoding.
func (p *Payload) Digest() ([32]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return [32]byte{}, err
	}
	return blake2b.Sum256(data), nil
}

// Disposition says what the noise filter decided for a closed session.
type Disposition int

const (
	// Forwarded sessions cleared the noise filter and go to the collaborator.
	Forwarded Disposition = iota
	// Passive sessions were too small but showed enough liveness
	// (reading, scrolling); they are logged and ignored.
	Passive
	// Noise sessions were too small to be informative.
	Noise
)

func (d Disposition) String() string {
	switch d {
	case Forwarded:
		return "forwarded"
	case Passive:
		return "passive"
	default:
		return "noise"
	}
}

// Reason names the boundary rule that closed a session.
type Reason int

const (
	ReasonIdle Reason = iota
	ReasonDuration
	ReasonVolume
	ReasonFlush
)

func (r Reason) String() string {
	switch r {
	case ReasonIdle:
		return "idle"
	case ReasonDuration:
		return "max_duration"
	case ReasonVolume:
		return "max_volume"
	default:
		return "flush"
	}
}

// Closed describes a session handed to the Sink.
type Closed struct {
	ID          string
	Payload     *Payload
	Reason      Reason
	Disposition Disposition
	Heartbeats  int
}
