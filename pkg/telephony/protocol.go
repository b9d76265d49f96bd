// Package telephony speaks Twilio at both boundaries the gateway needs:
// the REST API used to place and end calls, the TwiML document that connects
// an answered call to the media stream, and the JSON frames carried over the
// media-stream websocket itself.
package telephony

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Media stream event kinds, as delivered by the provider.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
)

// TrackInbound is the caller-facing audio track. Frames without a track
// label are treated as inbound.
const TrackInbound = "inbound"

// StreamStart carries the call metadata delivered with the "start" event.
type StreamStart struct {
	CallSID          string            `json:"callSid,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// StreamMedia carries one audio frame.
type StreamMedia struct {
	Payload string `json:"payload,omitempty"`
	Track   string `json:"track,omitempty"`
}

// StreamMessage is one JSON frame on the media-stream websocket.
type StreamMessage struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *StreamStart `json:"start,omitempty"`
	Media     *StreamMedia `json:"media,omitempty"`
}

// DecodeStreamMessage parses one inbound media-stream frame.
func DecodeStreamMessage(data []byte) (StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return StreamMessage{}, fmt.Errorf("decode stream message: %w", err)
	}
	if strings.TrimSpace(msg.Event) == "" {
		return StreamMessage{}, fmt.Errorf("stream message missing event")
	}
	return msg, nil
}

// InboundAudio reports whether this frame carries caller audio that should
// be forwarded to the speech model, and returns the payload if so.
func (m StreamMessage) InboundAudio() (string, bool) {
	if m.Event != EventMedia || m.Media == nil || m.Media.Payload == "" {
		return "", false
	}
	if m.Media.Track != "" && m.Media.Track != TrackInbound {
		return "", false
	}
	return m.Media.Payload, true
}

// OutboundMedia builds the frame the gateway sends back to the provider,
// wrapping one base64 audio fragment with the stream session id.
func OutboundMedia(streamSID, payload string) StreamMessage {
	return StreamMessage{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &StreamMedia{Payload: payload},
	}
}

// Call status values reported to the status callback.
const (
	CallStatusQueued     = "queued"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusNoAnswer   = "no-answer"
	CallStatusFailed     = "failed"
	CallStatusCanceled   = "canceled"
)

// IsTerminalFailure reports whether a callback status means the call will
// never connect and the task must move to FAILED.
func IsTerminalFailure(status string) bool {
	switch status {
	case CallStatusBusy, CallStatusNoAnswer, CallStatusFailed, CallStatusCanceled:
		return true
	}
	return false
}
