package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/voxdial/voxdial/pkg/gcal"
	"github.com/voxdial/voxdial/pkg/store"
)

// GoogleAuthHandler redirects the browser into the Google consent flow.
type GoogleAuthHandler struct {
	Google gcal.Config
}

func (h GoogleAuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.Google.Configured() {
		http.Error(w, "GOOGLE_CLIENT_ID not configured", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, h.Google.AuthURL(""), http.StatusFound)
}

// GoogleCallbackHandler exchanges the consent code for tokens and stores
// them as the connected account, then bounces back to the web client.
type GoogleCallbackHandler struct {
	Store  *store.Store
	Google gcal.Config
	// RedirectTo receives the browser after a successful exchange.
	RedirectTo string
	Logger     *slog.Logger
}

func (h GoogleCallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "Missing code", http.StatusBadRequest)
		return
	}

	tokens, err := h.Google.Exchange(r.Context(), code)
	if err != nil {
		h.Logger.Error("google oauth exchange", "err", err)
		http.Error(w, "Auth failed", http.StatusInternalServerError)
		return
	}

	_, err = h.Store.UpsertAccount(r.Context(), store.Account{
		Email:        tokens.Email,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenExpiry:  time.Now().Add(time.Hour),
	})
	if err != nil {
		h.Logger.Error("google oauth: store account", "err", err)
		http.Error(w, "Auth failed", http.StatusInternalServerError)
		return
	}

	target := h.RedirectTo
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}
