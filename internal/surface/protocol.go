// Package surface connects interactive surfaces (browser tabs, the attach
// CLI) to the daemon over WebSocket.
//
// A surface sends ready, input, verify and enroll frames. The daemon sends
// hello once per connection and directive frames whenever the lock state
// owes the surface something. The hub implements lockdown.Broadcaster.
package surface

import (
	"encoding/json"

	"maxidomd/internal/capture"
	"maxidomd/internal/lockdown"
)

// MessageType is the frame discriminator.
type MessageType string

const (
	// Surface to daemon.
	MsgReady  MessageType = "ready"
	MsgInput  MessageType = "input"
	MsgVerify MessageType = "verify"
	MsgEnroll MessageType = "enroll"

	// Daemon to surface.
	MsgHello     MessageType = "hello"
	MsgDirective MessageType = "directive"
)

// Message is one WebSocket frame in either direction.
type Message struct {
	Type      MessageType         `json:"type"`
	Surface   lockdown.SurfaceRef `json:"surface,omitempty"`
	Directive *lockdown.Directive `json:"directive,omitempty"`
	Events    []capture.Input     `json:"events,omitempty"`
	Password  string              `json:"password,omitempty"`
}

// Controller receives the requests surfaces make. The engine implements it.
type Controller interface {
	SurfaceReady(ref lockdown.SurfaceRef)
	Verify(ref lockdown.SurfaceRef, attempt string)
	Enroll(ref lockdown.SurfaceRef, password string)
	ResetProfile()
	Status() lockdown.Snapshot
}

// Submitter forwards raw input into capture.
type Submitter interface {
	Submit(surface string, in capture.Input) bool
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Identity string          `json:"identity"`
	Mode     string          `json:"mode"`
	Unlocked bool            `json:"unlocked"`
	Progress json.RawMessage `json:"progress,omitempty"`
	Surfaces int             `json:"surfaces"`
}
