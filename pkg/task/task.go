// Package task defines the outbound-call domain model: tasks, transcript
// events, call outcomes, and the task lifecycle state machine shared by the
// media relay and the HTTP call-initiation layer.
package task

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusCalling         Status = "CALLING"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusNeedsUserAction Status = "NEEDS_USER_ACTION"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusCalling, StatusInProgress, StatusCompleted, StatusFailed, StatusNeedsUserAction:
		return true
	}
	return false
}

// CanStartCall reports whether a new call may be initiated from this state.
// A task that is already dialing or mid-call must not be restarted.
func (s Status) CanStartCall() bool {
	switch s {
	case StatusDraft, StatusFailed, StatusNeedsUserAction:
		return true
	}
	return false
}

// CanTransition reports whether the transition s -> to is legal. Transitions
// are monotonic along the lifecycle graph; FAILED and NEEDS_USER_ACTION are
// re-enterable into CALLING for retries, and the outcome pipeline resolves a
// COMPLETED call into either COMPLETED (final) or NEEDS_USER_ACTION.
func (s Status) CanTransition(to Status) bool {
	if s == to {
		return true
	}
	switch s {
	case StatusDraft:
		return to == StatusCalling
	case StatusCalling:
		// COMPLETED from CALLING covers a user hanging up before the
		// media stream establishes.
		return to == StatusInProgress || to == StatusFailed || to == StatusCompleted
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed
	case StatusCompleted:
		return to == StatusNeedsUserAction
	case StatusFailed, StatusNeedsUserAction:
		return to == StatusCalling
	}
	return false
}

// Speaker identifies who produced a transcript segment.
type Speaker string

const (
	SpeakerAssistant  Speaker = "ASSISTANT"
	SpeakerOtherParty Speaker = "OTHER_PARTY"
	SpeakerSystem     Speaker = "SYSTEM"
)

// Task is one outbound-call work item.
type Task struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	ContextName     string    `json:"context_name"`
	ContextPhone    string    `json:"context_phone"`
	ContextNotes    string    `json:"context_notes,omitempty"`
	InstructionText string    `json:"instruction_text"`
	Status          Status    `json:"status"`
	CallID          string    `json:"call_id,omitempty"`
	OutcomeID       string    `json:"outcome_id,omitempty"`

	// Populated by detail lookups only.
	Transcript []TranscriptEvent `json:"transcript,omitempty"`
	Outcome    *Outcome          `json:"outcome,omitempty"`
}

// TranscriptEvent is one recorded utterance segment. Events are append-only
// and ordered by timestamp within a task.
type TranscriptEvent struct {
	ID      string    `json:"id"`
	TaskID  string    `json:"task_id"`
	TS      time.Time `json:"ts"`
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
}

// Outcome is the structured result of a completed call. At most one exists
// per task; the calendar event reference is set at most once.
type Outcome struct {
	ID              string          `json:"id"`
	TaskID          string          `json:"task_id"`
	SummaryText     string          `json:"summary_text"`
	ExtractedFields ExtractedFields `json:"extracted_fields"`
	CalendarEventID string          `json:"calendar_event_id,omitempty"`
	NeedsUserAction bool            `json:"needs_user_action"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ExtractedFields is the structured payload derived from a call transcript.
// Field names are the extraction model's output schema.
type ExtractedFields struct {
	ReservationName       string   `json:"reservation_name,omitempty"`
	BusinessOrPerson      string   `json:"business_or_person,omitempty"`
	DatetimeStart         string   `json:"datetime_start,omitempty"`
	DurationMinutes       int      `json:"duration_minutes,omitempty"`
	PartySize             *int     `json:"party_size,omitempty"`
	ConfirmationNumber    string   `json:"confirmation_number,omitempty"`
	Address               string   `json:"address,omitempty"`
	SpecialNotes          string   `json:"special_notes,omitempty"`
	Confidence            *float64 `json:"confidence,omitempty"`
	NeedsUserAction       bool     `json:"needs_user_action,omitempty"`
	NeedsUserActionReason string   `json:"needs_user_action_reason,omitempty"`
}

// StartTime parses the extracted start date-time, if present and well formed.
func (f ExtractedFields) StartTime() (time.Time, bool) {
	if f.DatetimeStart == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, f.DatetimeStart); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// MarshalFields serializes f for durable storage.
func MarshalFields(f ExtractedFields) string {
	raw, err := json.Marshal(f)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// UnmarshalFields parses a stored extracted-fields payload. Malformed input
// yields the zero value rather than an error; callers treat the payload as
// advisory.
func UnmarshalFields(raw string) ExtractedFields {
	var f ExtractedFields
	if raw == "" {
		return f
	}
	_ = json.Unmarshal([]byte(raw), &f)
	return f
}
