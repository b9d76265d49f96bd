package task

import (
	"testing"
	"time"
)

func TestStatusCanStartCall(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusDraft, true},
		{StatusFailed, true},
		{StatusNeedsUserAction, true},
		{StatusCalling, false},
		{StatusInProgress, false},
		{StatusCompleted, false},
	}
	for _, tt := range tests {
		if got := tt.status.CanStartCall(); got != tt.want {
			t.Errorf("%s.CanStartCall() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestStatusCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusDraft, StatusCalling},
		{StatusCalling, StatusInProgress},
		{StatusCalling, StatusFailed},
		{StatusCalling, StatusCompleted},
		{StatusInProgress, StatusCompleted},
		{StatusInProgress, StatusFailed},
		{StatusCompleted, StatusNeedsUserAction},
		{StatusFailed, StatusCalling},
		{StatusNeedsUserAction, StatusCalling},
	}
	for _, tt := range allowed {
		if !tt.from.CanTransition(tt.to) {
			t.Errorf("%s -> %s should be allowed", tt.from, tt.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusDraft, StatusInProgress},
		{StatusDraft, StatusCompleted},
		{StatusCompleted, StatusCalling},
		{StatusCompleted, StatusInProgress},
		{StatusCompleted, StatusFailed},
		{StatusInProgress, StatusCalling},
		{StatusFailed, StatusCompleted},
	}
	for _, tt := range denied {
		if tt.from.CanTransition(tt.to) {
			t.Errorf("%s -> %s should be rejected", tt.from, tt.to)
		}
	}
}

func TestStatusCanTransitionSelfIsNoop(t *testing.T) {
	for _, s := range []Status{StatusDraft, StatusCalling, StatusInProgress, StatusCompleted, StatusFailed, StatusNeedsUserAction} {
		if !s.CanTransition(s) {
			t.Errorf("%s -> %s self transition should be allowed", s, s)
		}
	}
}

func TestExtractedFieldsStartTime(t *testing.T) {
	f := ExtractedFields{DatetimeStart: "2026-02-04T20:00:00-05:00"}
	got, ok := f.StartTime()
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	want := time.Date(2026, 2, 4, 20, 0, 0, 0, time.FixedZone("", -5*3600))
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	if _, ok := (ExtractedFields{}).StartTime(); ok {
		t.Fatalf("empty datetime should not parse")
	}
	if _, ok := (ExtractedFields{DatetimeStart: "sometime tomorrow"}).StartTime(); ok {
		t.Fatalf("free text should not parse")
	}
}

func TestFieldsRoundTripTolerance(t *testing.T) {
	f := UnmarshalFields(`{"confidence": 0.4, "needs_user_action": true, "party_size": 2}`)
	if f.Confidence == nil || *f.Confidence != 0.4 {
		t.Fatalf("confidence = %v", f.Confidence)
	}
	if !f.NeedsUserAction {
		t.Fatalf("needs_user_action should be true")
	}
	if f.PartySize == nil || *f.PartySize != 2 {
		t.Fatalf("party_size = %v", f.PartySize)
	}

	// Malformed payloads degrade to the zero value.
	if got := UnmarshalFields("{not json"); got.NeedsUserAction {
		t.Fatalf("malformed payload should yield zero value")
	}
}
