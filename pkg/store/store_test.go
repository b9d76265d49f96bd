package store

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/voxdial/voxdial/pkg/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: ":memory:", Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTask(t *testing.T, s *Store) task.Task {
	t.Helper()
	created, err := s.CreateTask(context.Background(), task.Task{
		ContextName:     "Luigi's",
		ContextPhone:    "+15551234567",
		InstructionText: "Book a table for 2 tomorrow at 7pm",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := createTask(t, s)
	if created.Status != task.StatusDraft {
		t.Fatalf("status = %s, want DRAFT", created.Status)
	}

	got, err := s.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.ContextName != "Luigi's" || got.ContextPhone != "+15551234567" {
		t.Fatalf("unexpected task: %+v", got)
	}

	if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateTaskStatusGuardsTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := createTask(t, s)

	// DRAFT cannot jump straight to IN_PROGRESS.
	err := s.UpdateTaskStatus(ctx, created.ID, task.StatusInProgress)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	status, err := s.TaskStatus(ctx, created.ID)
	if err != nil {
		t.Fatalf("task status: %v", err)
	}
	if status != task.StatusDraft {
		t.Fatalf("status mutated to %s on rejected transition", status)
	}

	for _, to := range []task.Status{task.StatusCalling, task.StatusInProgress, task.StatusCompleted} {
		if err := s.UpdateTaskStatus(ctx, created.ID, to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}

	if err := s.UpdateTaskStatus(ctx, "missing", task.StatusCalling); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSetTaskCallIDIsSetOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := createTask(t, s)

	if err := s.SetTaskCallID(ctx, created.ID, "CA1"); err != nil {
		t.Fatalf("set call id: %v", err)
	}
	if err := s.SetTaskCallID(ctx, created.ID, "CA2"); err != nil {
		t.Fatalf("second set call id: %v", err)
	}
	got, err := s.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.CallID != "CA1" {
		t.Fatalf("call id = %q, want CA1", got.CallID)
	}

	if err := s.ClearTaskCallID(ctx, created.ID); err != nil {
		t.Fatalf("clear call id: %v", err)
	}
	if err := s.SetTaskCallID(ctx, created.ID, "CA2"); err != nil {
		t.Fatalf("set after clear: %v", err)
	}
	got, _ = s.GetTask(ctx, created.ID)
	if got.CallID != "CA2" {
		t.Fatalf("call id = %q, want CA2", got.CallID)
	}
}

func TestTranscriptIsAppendOnlyAndOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := createTask(t, s)

	base := time.Now().UTC()
	lines := []struct {
		speaker task.Speaker
		text    string
		at      time.Time
	}{
		{task.SpeakerAssistant, "Hello, this is an AI assistant.", base},
		{task.SpeakerOtherParty, "Hi, how can I help?", base.Add(2 * time.Second)},
		{task.SpeakerAssistant, "I'd like to make a reservation.", base.Add(4 * time.Second)},
	}
	// Insert out of order; reads must come back sorted by timestamp.
	for _, i := range []int{2, 0, 1} {
		_, err := s.AppendTranscript(ctx, task.TranscriptEvent{
			TaskID:  created.ID,
			TS:      lines[i].at,
			Speaker: lines[i].speaker,
			Text:    lines[i].text,
		})
		if err != nil {
			t.Fatalf("append transcript: %v", err)
		}
	}

	events, err := s.ListTranscript(ctx, created.ID)
	if err != nil {
		t.Fatalf("list transcript: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Text != lines[i].text {
			t.Errorf("events[%d].Text = %q, want %q", i, ev.Text, lines[i].text)
		}
		if i > 0 && events[i].TS.Before(events[i-1].TS) {
			t.Errorf("events out of timestamp order at %d", i)
		}
	}
}

func TestCreateOutcomeAtMostOncePerTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := createTask(t, s)

	conf := 0.9
	o, err := s.CreateOutcome(ctx, task.Outcome{
		TaskID:          created.ID,
		SummaryText:     "Booked.",
		ExtractedFields: task.ExtractedFields{Confidence: &conf},
	})
	if err != nil {
		t.Fatalf("create outcome: %v", err)
	}

	if _, err := s.CreateOutcome(ctx, task.Outcome{TaskID: created.ID, SummaryText: "again"}); !errors.Is(err, ErrOutcomeExists) {
		t.Fatalf("err = %v, want ErrOutcomeExists", err)
	}

	got, err := s.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.OutcomeID != o.ID {
		t.Fatalf("task outcome id = %q, want %q", got.OutcomeID, o.ID)
	}

	stored, err := s.GetOutcomeByTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("get outcome: %v", err)
	}
	if stored.ExtractedFields.Confidence == nil || *stored.ExtractedFields.Confidence != 0.9 {
		t.Fatalf("confidence = %v", stored.ExtractedFields.Confidence)
	}
}

func TestSetOutcomeCalendarEventIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := createTask(t, s)

	o, err := s.CreateOutcome(ctx, task.Outcome{TaskID: created.ID, SummaryText: "Booked."})
	if err != nil {
		t.Fatalf("create outcome: %v", err)
	}

	first, err := s.SetOutcomeCalendarEvent(ctx, o.ID, "ev_1")
	if err != nil {
		t.Fatalf("set calendar event: %v", err)
	}
	if first != "ev_1" {
		t.Fatalf("stored = %q, want ev_1", first)
	}

	second, err := s.SetOutcomeCalendarEvent(ctx, o.ID, "ev_2")
	if err != nil {
		t.Fatalf("second set: %v", err)
	}
	if second != "ev_1" {
		t.Fatalf("stored = %q, calendar event must not be overwritten", second)
	}
}

func TestFirstAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.FirstAccount(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	_, err := s.UpsertAccount(ctx, Account{
		Email:        "user@example.com",
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenExpiry:  time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("upsert account: %v", err)
	}

	// Re-upserting the same email refreshes tokens instead of adding a row.
	_, err = s.UpsertAccount(ctx, Account{
		Email:        "user@example.com",
		AccessToken:  "access2",
		RefreshToken: "refresh2",
		TokenExpiry:  time.Now().Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	a, err := s.FirstAccount(ctx)
	if err != nil {
		t.Fatalf("first account: %v", err)
	}
	if a.AccessToken != "access2" || a.RefreshToken != "refresh2" {
		t.Fatalf("tokens not refreshed: %+v", a)
	}
}
