package models

import (
	"time"

	"gorm.io/datatypes"
)

// Telephony call statuses as delivered by the provider's status callbacks.
const (
	CallQueued     = "queued"
	CallRinging    = "ringing"
	CallInProgress = "in-progress"
	CallCompleted  = "completed"
	CallBusy       = "busy"
	CallFailed     = "failed"
	CallNoAnswer   = "no-answer"
)

// TerminalCallStatus reports whether a provider status means the call is over.
func TerminalCallStatus(status string) bool {
	switch status {
	case CallCompleted, CallBusy, CallFailed, CallNoAnswer:
		return true
	}
	return false
}

// CallLog is the relational call-history row. Side channel only: writes here
// must never abort an in-progress relay.
type CallLog struct {
	ID        string `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	SessionID string `gorm:"column:session_id;type:uuid;index" json:"session_id"`
	CallSID   string `gorm:"column:call_sid;type:text;index" json:"call_sid"`

	FromNumber string `gorm:"column:from_number;type:text" json:"from_number"`
	ToNumber   string `gorm:"column:to_number;type:text" json:"to_number"`
	Direction  string `gorm:"column:direction;type:text" json:"direction"` // outbound|inbound
	Status     string `gorm:"column:status;type:text;index" json:"status"`

	AgentID  string         `gorm:"column:agent_id;type:text" json:"agent_id"`
	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`

	StartedAt       time.Time  `gorm:"column:started_at;type:timestamptz" json:"started_at"`
	EndedAt         *time.Time `gorm:"column:ended_at;type:timestamptz" json:"ended_at,omitempty"`
	DurationSeconds int64      `gorm:"column:duration_seconds" json:"duration_seconds"`
}

func (CallLog) TableName() string { return "call_logs" }
