package models

import "time"

// Session statuses. A session is terminal once it reaches closed or failed.
const (
	SessionInitializing = "initializing"
	SessionActive       = "active"
	SessionReconnecting = "reconnecting"
	SessionTerminating  = "terminating"
	SessionClosed       = "closed"
	SessionFailed       = "failed"
)

// Session is the shared record for one phone call's AI conversation. It lives
// in Redis under session:<id>:record and is mutated by both the process that
// owns the AI socket and the process that holds the media-stream socket, so
// readers must re-fetch rather than trust in-memory copies across await points.
type Session struct {
	SessionID     string `json:"session_id"` // uuid v4, join key across processes
	CallSID       string `json:"call_sid,omitempty"`
	MediaStreamID string `json:"media_stream_id,omitempty"` // streamSid, set by the media-handling process

	Status string `json:"status"`

	OwnerProcessID          string `json:"owner_process_id,omitempty"`           // holds the AI-provider socket
	ServerHandlingProcessID string `json:"server_handling_process_id,omitempty"` // holds the media-stream socket

	// TerminationRequested is the cross-process teardown signal: a non-owning
	// process sets it and the owner's heartbeat loop observes it.
	TerminationRequested bool   `json:"termination_requested,omitempty"`
	TerminationReason    string `json:"termination_reason,omitempty"`

	AgentID string `json:"agent_id,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the session status is final.
func (s *Session) Terminal() bool {
	return s.Status == SessionClosed || s.Status == SessionFailed
}
