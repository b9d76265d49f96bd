package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voxdial/voxdial/pkg/gateway/config"
	"github.com/voxdial/voxdial/pkg/gateway/hub"
	"github.com/voxdial/voxdial/pkg/store"
	"github.com/voxdial/voxdial/pkg/task"
	"github.com/voxdial/voxdial/pkg/telephony"
)

// TwiMLStreamHandler answers the provider's TwiML fetch with a media-stream
// connect document carrying the task identifier.
type TwiMLStreamHandler struct {
	Config config.Config
}

func (h TwiMLStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	if taskID == "" {
		http.Error(w, "taskId required", http.StatusBadRequest)
		return
	}
	doc, err := telephony.StreamTwiML(h.Config.StreamURL(), taskID)
	if err != nil {
		http.Error(w, "failed to render TwiML", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

// TwilioStatusHandler receives call lifecycle callbacks. The provider
// retries on anything but a prompt 200, so the response is written before
// any state is touched; terminal failure statuses then mark the task FAILED.
type TwilioStatusHandler struct {
	Store  *store.Store
	Hub    *hub.Hub
	Logger *slog.Logger
}

func (h TwilioStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	callStatus := ""
	if err := r.ParseForm(); err == nil {
		callStatus = r.PostFormValue("CallStatus")
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(telephony.EmptyTwiML))
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if taskID == "" || !telephony.IsTerminalFailure(callStatus) {
		return
	}
	// The provider may drop the connection once the ack is on the wire; the
	// status write must not be cancelled with it.
	ctx := context.WithoutCancel(r.Context())
	if err := h.Store.UpdateTaskStatus(ctx, taskID, task.StatusFailed); err != nil {
		h.Logger.Error("status callback: mark failed", "task_id", taskID, "call_status", callStatus, "err", err)
		return
	}
	h.Hub.BroadcastStatus(taskID, task.StatusFailed)
}

// TwilioStatusInfoHandler reports whether outbound calling is fully
// configured, with a hint listing what is missing.
type TwilioStatusInfoHandler struct {
	Config config.Config
}

func (h TwilioStatusInfoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hasClient := h.Config.TwilioAccountSID != "" && h.Config.TwilioAuthToken != ""
	hasFrom := h.Config.TwilioFromNumber != ""
	hasBaseURL := h.Config.PublicBaseURL != ""
	configured := hasClient && hasFrom && hasBaseURL

	var message string
	if configured {
		message = "Twilio is configured. Start a call and check Twilio Console → Monitor → Logs → Calls for call status."
	} else {
		var hints []string
		if !hasClient {
			hints = append(hints, "Set TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN")
		}
		if !hasFrom {
			hints = append(hints, "Set TWILIO_FROM_NUMBER (your Twilio voice number)")
		}
		if !hasBaseURL {
			hints = append(hints, "Set PUBLIC_BASE_URL (e.g. https://xxxx.ngrok.io)")
		}
		message = strings.Join(hints, ". ")
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"configured":    configured,
		"twilio":        hasClient && hasFrom,
		"publicBaseUrl": hasBaseURL,
		"message":       message,
	})
}
