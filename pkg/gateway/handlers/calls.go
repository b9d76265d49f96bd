package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/voxdial/voxdial/pkg/gateway/config"
	"github.com/voxdial/voxdial/pkg/gcal"
	"github.com/voxdial/voxdial/pkg/store"
	"github.com/voxdial/voxdial/pkg/task"
	"github.com/voxdial/voxdial/pkg/telephony"
)

// StartCallHandler moves a task to CALLING and places the outbound call.
// With no telephony credentials the task still enters CALLING and the
// response says so; nothing external is attempted.
type StartCallHandler struct {
	Store  *store.Store
	Calls  *telephony.Client
	Config config.Config
	Logger *slog.Logger
}

func (h StartCallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	t, err := h.Store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if err != nil {
		h.Logger.Error("start call: fetch task", "task_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to start call")
		return
	}
	if !t.Status.CanStartCall() {
		writeError(w, http.StatusBadRequest, "Task cannot start call in current state")
		return
	}

	if err := h.Store.UpdateTaskStatus(ctx, id, task.StatusCalling); err != nil {
		h.Logger.Error("start call: mark calling", "task_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to start call")
		return
	}
	// A retried task still carries the previous attempt's SID; clear it so
	// this attempt records its own.
	if t.CallID != "" {
		if err := h.Store.ClearTaskCallID(ctx, id); err != nil {
			h.Logger.Error("start call: clear stale call sid", "task_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "Failed to start call")
			return
		}
	}

	if h.Calls == nil || !h.Config.TwilioConfigured() {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"message": "Twilio not configured; set TWILIO_* and PUBLIC_BASE_URL",
		})
		return
	}

	callSID, err := h.Calls.CreateCall(ctx, telephony.CallParams{
		To:             t.ContextPhone,
		From:           h.Config.TwilioFromNumber,
		TwiMLURL:       h.Config.TwiMLURL(t.ID),
		StatusCallback: h.Config.StatusCallbackURL(t.ID),
	})
	if err != nil {
		h.Logger.Error("start call: provider", "task_id", id, "err", err)
		if uerr := h.Store.UpdateTaskStatus(ctx, id, task.StatusFailed); uerr != nil {
			h.Logger.Error("start call: mark failed", "task_id", id, "err", uerr)
		}
		writeError(w, http.StatusInternalServerError, "Failed to start call")
		return
	}

	if err := h.Store.SetTaskCallID(ctx, id, callSID); err != nil {
		h.Logger.Error("start call: record call sid", "task_id", id, "call_sid", callSID, "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "callSid": callSID})
}

// EndCallHandler hangs up any in-flight provider call and settles the task
// status: a live call (CALLING or IN_PROGRESS) becomes COMPLETED, anything
// else keeps its status.
type EndCallHandler struct {
	Store  *store.Store
	Calls  *telephony.Client
	Logger *slog.Logger
}

func (h EndCallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	t, err := h.Store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if err != nil {
		h.Logger.Error("end call: fetch task", "task_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to end call")
		return
	}

	if t.CallID != "" && h.Calls != nil {
		if err := h.Calls.CompleteCall(ctx, t.CallID); err != nil {
			// Hangup is best effort; the status callback settles the
			// provider side eventually.
			h.Logger.Warn("end call: hangup", "task_id", id, "call_sid", t.CallID, "err", err)
		}
	}

	if t.Status == task.StatusCalling || t.Status == task.StatusInProgress {
		if err := h.Store.UpdateTaskStatus(ctx, id, task.StatusCompleted); err != nil {
			h.Logger.Error("end call: mark completed", "task_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "Failed to end call")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// SaveCalendarHandler creates a calendar event from a task's outcome on
// demand. Repeat requests return the already-created event.
type SaveCalendarHandler struct {
	Store  *store.Store
	Google gcal.Config
	Logger *slog.Logger
}

func (h SaveCalendarHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	t, err := h.Store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if err != nil {
		h.Logger.Error("save calendar: fetch task", "task_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to save to calendar")
		return
	}

	o, err := h.Store.GetOutcomeByTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "No outcome; complete a call first")
		return
	}
	if err != nil {
		h.Logger.Error("save calendar: fetch outcome", "task_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to save to calendar")
		return
	}
	if o.CalendarEventID != "" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "calendarEventId": o.CalendarEventID})
		return
	}

	account, err := h.Store.FirstAccount(ctx)
	tokens := gcal.Tokens{}
	if err == nil {
		tokens = gcal.Tokens{AccessToken: account.AccessToken, RefreshToken: account.RefreshToken, Email: account.Email}
	}
	if !h.Google.Configured() || !tokens.Valid() {
		writeError(w, http.StatusBadRequest, "Google not connected; sign in at GET /auth/google")
		return
	}

	eventID, err := h.Google.CreateCalendarEvent(ctx, tokens, t.ContextName, o)
	if err != nil {
		h.Logger.Error("save calendar: create event", "task_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to save to calendar")
		return
	}
	stored, err := h.Store.SetOutcomeCalendarEvent(ctx, o.ID, eventID)
	if err != nil {
		h.Logger.Error("save calendar: record event id", "task_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to save to calendar")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "calendarEventId": stored})
}
