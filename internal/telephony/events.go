// Package telephony holds the Telnyx-facing surface: the media streaming
// wire format spoken over the call's WebSocket and the REST client used to
// place and control calls.
package telephony

import (
	"encoding/json"
	"fmt"
)

// Stream event names as they appear on the media WebSocket.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

// Track names within a media event.
const (
	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
)

// MediaFormat describes the audio carried on the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// StartPayload is the body of a start event, sent once when the carrier
// begins streaming.
type StartPayload struct {
	CallControlID string      `json:"call_control_id"`
	ClientState   string      `json:"client_state,omitempty"`
	MediaFormat   MediaFormat `json:"media_format"`
}

// MediaPayload is the body of a media event. Payload is base64-encoded µ-law.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StopPayload is the body of a stop event.
type StopPayload struct {
	CallControlID string `json:"call_control_id,omitempty"`
}

// StreamEvent is one JSON message on the media WebSocket, either direction.
// Exactly one of the payload pointers is set, matching Event.
type StreamEvent struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequence_number,omitempty"`
	StreamID       string        `json:"stream_id,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
}

// ParseStreamEvent decodes one inbound message. Unknown event names are not
// an error; the caller decides whether to ignore them.
func ParseStreamEvent(data []byte) (StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return StreamEvent{}, fmt.Errorf("telephony: parse stream event: %w", err)
	}
	if ev.Event == "" {
		return StreamEvent{}, fmt.Errorf("telephony: stream event missing event field")
	}
	return ev, nil
}

// EncodeOutboundMedia builds the media message that plays one base64 µ-law
// payload to the caller.
func EncodeOutboundMedia(streamID, payload string) ([]byte, error) {
	return json.Marshal(StreamEvent{
		Event:    EventMedia,
		StreamID: streamID,
		Media:    &MediaPayload{Payload: payload},
	})
}
