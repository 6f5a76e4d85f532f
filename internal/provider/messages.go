package provider

import "encoding/json"

// Wire message types on the conversational-AI socket.
const (
	TypeSessionInit  = "session.init"
	TypeSessionReady = "session.ready"
	TypeSessionEnd   = "session.end"
	TypeAudioInput   = "audio.input"
	TypeAudioOutput  = "audio.output"
	TypeTextOutput   = "text.output"
	TypeError        = "error"
)

// Audio contract required by the telephony leg. Declared in the init
// handshake; the provider transcodes to match.
const (
	AudioEncoding   = "audio/x-mulaw"
	AudioSampleRate = 8000
)

// InitMessage is the handshake sent on every (re)connect. It must be re-sent
// after each reconnect: the provider treats every socket as a fresh session
// resume keyed by SessionID.
type InitMessage struct {
	Type       string   `json:"type"`
	SessionID  string   `json:"session_id"`
	AgentID    string   `json:"agent_id,omitempty"`
	Encoding   string   `json:"encoding"`
	SampleRate int      `json:"sample_rate"`
	Greeting   string   `json:"greeting,omitempty"`
	Context    []string `json:"context,omitempty"`
}

func NewInitMessage(sessionID string, agent AgentConfig) InitMessage {
	return InitMessage{
		Type:       TypeSessionInit,
		SessionID:  sessionID,
		AgentID:    agent.AgentID,
		Encoding:   AudioEncoding,
		SampleRate: AudioSampleRate,
		Greeting:   agent.Greeting,
		Context:    agent.Context,
	}
}

// AudioInput carries one caller audio chunk to the provider.
type AudioInput struct {
	Type    string `json:"type"`
	Payload string `json:"payload"` // base64 mu-law
}

// EndMessage announces the end of the conversation before the transport-level
// close frame goes out, so the provider can flush and persist cleanly.
type EndMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// ServerMessage is the union of everything the provider sends back.
type ServerMessage struct {
	Type    string `json:"type"`
	Payload string `json:"payload,omitempty"` // base64 audio for audio.output
	Text    string `json:"text,omitempty"`    // transcript text for text.output
	Role    string `json:"role,omitempty"`    // agent|caller on text.output
	Code    string `json:"code,omitempty"`    // machine code on error
	Message string `json:"message,omitempty"`
}

func decodeServerMessage(data []byte) (ServerMessage, error) {
	var m ServerMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// AgentConfig is the caller-supplied conversation configuration.
type AgentConfig struct {
	AgentID  string   `json:"agent_id"`
	Greeting string   `json:"greeting,omitempty"`
	Context  []string `json:"context,omitempty"` // knowledge-base snippets
}
