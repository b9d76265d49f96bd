// Package outcome turns a finished call into exactly one Outcome record:
// transcript concatenation, model extraction, a needs-review decision, and
// optional calendar/email side effects.
package outcome

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/voxdial/voxdial/pkg/extract"
	"github.com/voxdial/voxdial/pkg/gcal"
	"github.com/voxdial/voxdial/pkg/store"
	"github.com/voxdial/voxdial/pkg/task"
)

// DefaultConfidenceThreshold gates automatic side effects: below it the
// outcome is routed to the user for review.
const DefaultConfidenceThreshold = 0.7

// Store is the persistence surface the pipeline needs.
type Store interface {
	GetTask(ctx context.Context, id string) (task.Task, error)
	ListTranscript(ctx context.Context, taskID string) ([]task.TranscriptEvent, error)
	CreateOutcome(ctx context.Context, o task.Outcome) (task.Outcome, error)
	UpdateTaskStatus(ctx context.Context, id string, to task.Status) error
	SetOutcomeCalendarEvent(ctx context.Context, outcomeID, eventID string) (string, error)
	FirstAccount(ctx context.Context) (store.Account, error)
}

// Broadcaster fans out live updates to a task's observers.
type Broadcaster interface {
	BroadcastStatus(taskID string, status task.Status)
	BroadcastOutcome(taskID string, o task.Outcome)
}

// Extractor derives structured fields from transcript text.
type Extractor interface {
	Extract(ctx context.Context, transcriptText string) (extract.Result, error)
}

// Google covers the connected-account side effects. gcal.Config satisfies it.
type Google interface {
	Configured() bool
	CreateCalendarEvent(ctx context.Context, t gcal.Tokens, contextName string, o task.Outcome) (string, error)
	SendEmail(ctx context.Context, t gcal.Tokens, to, subject, body string) error
}

// Runner executes the pipeline for one task at a time.
type Runner struct {
	Store Store
	Hub   Broadcaster
	// Extractor is nil when no extraction credential is configured.
	Extractor Extractor
	// Google is nil when the OAuth application is not configured.
	Google Google
	Logger *slog.Logger
	// Threshold defaults to DefaultConfidenceThreshold when zero.
	Threshold float64
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) threshold() float64 {
	if r.Threshold > 0 {
		return r.Threshold
	}
	return DefaultConfidenceThreshold
}

// Run produces the task's outcome. Extraction failures degrade to a
// needs-review outcome; calendar and email failures are logged and never
// alter the already-committed status.
func (r *Runner) Run(ctx context.Context, taskID string) error {
	if r.Extractor == nil {
		return r.shortCircuit(ctx, taskID, "Call completed; extraction skipped (no API key).")
	}

	events, err := r.Store.ListTranscript(ctx, taskID)
	if err != nil {
		return fmt.Errorf("outcome: load transcript: %w", err)
	}
	var lines []string
	for _, ev := range events {
		lines = append(lines, fmt.Sprintf("[%s] %s", ev.Speaker, ev.Text))
	}
	transcriptText := strings.Join(lines, "\n")
	if strings.TrimSpace(transcriptText) == "" {
		return r.shortCircuit(ctx, taskID, "No transcript.")
	}

	var (
		summary     string
		fields      task.ExtractedFields
		needsReview bool
	)
	result, err := r.Extractor.Extract(ctx, transcriptText)
	if err != nil {
		r.logger().Error("outcome: extraction failed", "task_id", taskID, "error", err)
		summary = "Extraction failed; review transcript."
		fields = task.ExtractedFields{NeedsUserAction: true, NeedsUserActionReason: "Extraction error"}
		needsReview = true
	} else {
		summary = result.Summary
		fields = result.Fields
		confidence := 0.0
		if fields.Confidence != nil {
			confidence = *fields.Confidence
		}
		needsReview = fields.NeedsUserAction || confidence < r.threshold()
	}

	o, err := r.commit(ctx, taskID, task.Outcome{
		TaskID:          taskID,
		SummaryText:     summary,
		ExtractedFields: fields,
		NeedsUserAction: needsReview,
	})
	if err != nil {
		return err
	}

	t, err := r.Store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("outcome: load task: %w", err)
	}
	account, tokens := r.account(ctx, taskID)

	var calendarCreated bool
	if _, hasStart := fields.StartTime(); !needsReview && hasStart && tokens.Valid() {
		eventID, err := r.Google.CreateCalendarEvent(ctx, tokens, t.ContextName, o)
		if err != nil {
			r.logger().Error("outcome: auto calendar create failed", "task_id", taskID, "error", err)
		} else if eventID != "" {
			if stored, err := r.Store.SetOutcomeCalendarEvent(ctx, o.ID, eventID); err != nil {
				r.logger().Error("outcome: persist calendar event", "task_id", taskID, "error", err)
			} else {
				o.CalendarEventID = stored
				calendarCreated = stored == eventID
			}
		}
	}

	if tokens.Valid() && account.Email != "" {
		subject := "Call summary: " + t.ContextName
		body := emailBody(t, o, calendarCreated, transcriptText)
		if err := r.Google.SendEmail(ctx, tokens, account.Email, subject, body); err != nil {
			r.logger().Error("outcome: summary email failed", "task_id", taskID, "error", err)
		}
	}
	return nil
}

// shortCircuit records a needs-review outcome with a fixed summary when the
// pipeline cannot run extraction at all.
func (r *Runner) shortCircuit(ctx context.Context, taskID, summary string) error {
	_, err := r.commit(ctx, taskID, task.Outcome{
		TaskID:          taskID,
		SummaryText:     summary,
		ExtractedFields: task.ExtractedFields{NeedsUserAction: true},
		NeedsUserAction: true,
	})
	return err
}

// commit persists the outcome, advances the task status, and broadcasts
// both. A task that already owns an outcome is left untouched.
func (r *Runner) commit(ctx context.Context, taskID string, o task.Outcome) (task.Outcome, error) {
	created, err := r.Store.CreateOutcome(ctx, o)
	if errors.Is(err, store.ErrOutcomeExists) {
		r.logger().Warn("outcome: already recorded", "task_id", taskID)
		return task.Outcome{}, err
	}
	if err != nil {
		return task.Outcome{}, fmt.Errorf("outcome: persist: %w", err)
	}

	status := task.StatusCompleted
	if created.NeedsUserAction {
		status = task.StatusNeedsUserAction
	}
	if err := r.Store.UpdateTaskStatus(ctx, taskID, status); err != nil {
		r.logger().Error("outcome: update status", "task_id", taskID, "error", err)
		return created, nil
	}
	r.Hub.BroadcastStatus(taskID, status)
	r.Hub.BroadcastOutcome(taskID, created)
	return created, nil
}

// account loads the connected account's tokens, when both the OAuth
// application and a stored account exist.
func (r *Runner) account(ctx context.Context, taskID string) (store.Account, gcal.Tokens) {
	if r.Google == nil || !r.Google.Configured() {
		return store.Account{}, gcal.Tokens{}
	}
	a, err := r.Store.FirstAccount(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return store.Account{}, gcal.Tokens{}
	}
	if err != nil {
		r.logger().Error("outcome: load account", "task_id", taskID, "error", err)
		return store.Account{}, gcal.Tokens{}
	}
	return a, gcal.Tokens{
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		Email:        a.Email,
	}
}

func emailBody(t task.Task, o task.Outcome, calendarCreated bool, transcriptText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Call to: %s (%s)\n", t.ContextName, t.ContextPhone)
	if t.ContextNotes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", t.ContextNotes)
	}
	fmt.Fprintf(&b, "Instruction: %s\n\n", t.InstructionText)
	fmt.Fprintf(&b, "Summary: %s\n", o.SummaryText)

	f := o.ExtractedFields
	var details []string
	if f.ReservationName != "" {
		details = append(details, "Reservation name: "+f.ReservationName)
	}
	if f.BusinessOrPerson != "" {
		details = append(details, "Business/person: "+f.BusinessOrPerson)
	}
	if f.DatetimeStart != "" {
		details = append(details, "When: "+f.DatetimeStart)
	}
	if f.DurationMinutes > 0 {
		details = append(details, fmt.Sprintf("Duration: %d minutes", f.DurationMinutes))
	}
	if f.PartySize != nil {
		details = append(details, fmt.Sprintf("Party size: %d", *f.PartySize))
	}
	if f.ConfirmationNumber != "" {
		details = append(details, "Confirmation: "+f.ConfirmationNumber)
	}
	if f.Address != "" {
		details = append(details, "Address: "+f.Address)
	}
	if f.SpecialNotes != "" {
		details = append(details, "Special notes: "+f.SpecialNotes)
	}
	if len(details) > 0 {
		b.WriteString("\nDetails:\n")
		for _, d := range details {
			b.WriteString("- " + d + "\n")
		}
	}
	if calendarCreated {
		b.WriteString("\nA calendar event was created automatically.\n")
	}
	b.WriteString("\nTranscript:\n")
	b.WriteString(transcriptText)
	b.WriteString("\n")
	return b.String()
}
