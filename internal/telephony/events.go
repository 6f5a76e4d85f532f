package telephony

import "encoding/json"

// Media-stream event names as sent by the provider over the WebSocket.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
)

// StreamEvent is the envelope every media-stream message carries.
type StreamEvent struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`

	Start *StartPayload `json:"start,omitempty"`
	Media *MediaPayload `json:"media,omitempty"`
	Stop  *StopPayload  `json:"stop,omitempty"`
}

// StartPayload arrives once the provider opens the stream and assigns its
// stream handle.
type StartPayload struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one base64 audio frame.
type MediaPayload struct {
	Payload string `json:"payload"`
}

type StopPayload struct {
	CallSID string `json:"callSid"`
}

func DecodeStreamEvent(data []byte) (StreamEvent, error) {
	var e StreamEvent
	err := json.Unmarshal(data, &e)
	return e, err
}

// OutboundMedia is the exact message shape the provider accepts for audio
// sent back to the caller. No other fields: providers silently discard
// packets carrying unrecognized metadata.
type OutboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     MediaPayload `json:"media"`
}

func NewOutboundMedia(streamSID, payloadB64 string) OutboundMedia {
	return OutboundMedia{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     MediaPayload{Payload: payloadB64},
	}
}
