package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event is a server event emitted by Session.Events().
type Event interface {
	eventType() string
}

// SessionUpdatedEvent acknowledges the session configuration. The relay must
// not trigger a model response before this arrives.
type SessionUpdatedEvent struct{}

func (e SessionUpdatedEvent) eventType() string { return "session.updated" }

// AudioDeltaEvent carries one base64 fragment of synthesized speech.
type AudioDeltaEvent struct {
	Delta string
}

func (e AudioDeltaEvent) eventType() string { return "response.audio.delta" }

// TranscriptDeltaEvent carries a streaming fragment of the assistant's
// spoken text for the current response.
type TranscriptDeltaEvent struct {
	Delta string
}

func (e TranscriptDeltaEvent) eventType() string { return "response.audio_transcript.delta" }

// TranscriptDoneEvent marks the end of one assistant utterance. When the
// server supplies the full transcript it takes precedence over any deltas
// accumulated by the consumer.
type TranscriptDoneEvent struct {
	Transcript string
}

func (e TranscriptDoneEvent) eventType() string { return "response.audio_transcript.done" }

// InputTranscriptEvent is the completed transcription of one utterance from
// the other party on the call.
type InputTranscriptEvent struct {
	Transcript string
}

func (e InputTranscriptEvent) eventType() string {
	return "conversation.item.input_audio_transcription.completed"
}

// ErrorEvent is a server-reported error. The session stays open; the server
// decides whether to close the connection.
type ErrorEvent struct {
	Type    string
	Code    string
	Message string
}

func (e ErrorEvent) eventType() string { return "error" }

func decodeServerEvent(data []byte) (Event, error) {
	var envelope struct {
		Type       string `json:"type"`
		Delta      string `json:"delta"`
		Transcript string `json:"transcript"`
		Error      struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode server event: %w", err)
	}
	switch strings.TrimSpace(envelope.Type) {
	case "session.updated":
		return SessionUpdatedEvent{}, nil
	case "response.audio.delta":
		return AudioDeltaEvent{Delta: envelope.Delta}, nil
	case "response.audio_transcript.delta":
		return TranscriptDeltaEvent{Delta: envelope.Delta}, nil
	case "response.audio_transcript.done":
		return TranscriptDoneEvent{Transcript: envelope.Transcript}, nil
	case "conversation.item.input_audio_transcription.completed":
		return InputTranscriptEvent{Transcript: envelope.Transcript}, nil
	case "error":
		return ErrorEvent{
			Type:    envelope.Error.Type,
			Code:    envelope.Error.Code,
			Message: envelope.Error.Message,
		}, nil
	case "":
		return nil, fmt.Errorf("server event missing type")
	default:
		// The server emits many event kinds the relay does not care about.
		return nil, nil
	}
}
