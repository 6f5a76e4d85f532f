package relay

import (
	"encoding/json"
	"time"
)

// Audio chunk sources.
const (
	SourceProvider = "provider" // AI backend -> caller
	SourceCaller   = "caller"   // telephony media stream -> AI backend
)

// Envelope is one sequenced unit of relayed audio plus routing metadata.
// Payload is base64 as received from the transport; it is never re-encoded
// in transit. Seq is monotonically increasing per session and direction, and
// delivery to the caller-facing transport must be non-decreasing in Seq.
type Envelope struct {
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
	Payload   string `json:"payload"`
	Source    string `json:"source"`
	Timestamp int64  `json:"ts_ms"`
	ProcessID string `json:"process_id"` // originating process
}

func NewEnvelope(sessionID string, seq int64, payload, source, processID string) Envelope {
	return Envelope{
		SessionID: sessionID,
		Seq:       seq,
		Payload:   payload,
		Source:    source,
		Timestamp: time.Now().UTC().UnixMilli(),
		ProcessID: processID,
	}
}

func (e Envelope) Encode() string {
	b, _ := json.Marshal(e)
	return string(b)
}

func DecodeEnvelope(payload string) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal([]byte(payload), &e)
	return e, err
}

// CallerChannel carries provider audio toward the media-handling process.
func CallerChannel(sessionID string) string { return "session:" + sessionID + ":to-caller" }

// ProviderChannel carries caller audio toward the AI-socket owner.
func ProviderChannel(sessionID string) string { return "session:" + sessionID + ":to-provider" }
