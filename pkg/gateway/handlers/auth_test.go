package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voxdial/voxdial/pkg/gcal"
)

func googleConfig() gcal.Config {
	return gcal.Config{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		RedirectURI:  "https://gw.example.com/auth/google/callback",
	}
}

func TestGoogleAuthUnconfigured(t *testing.T) {
	h := GoogleAuthHandler{}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/google", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
}

func TestGoogleAuthRedirectsToConsent(t *testing.T) {
	h := GoogleAuthHandler{Google: googleConfig()}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/google", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status=%d, want 302", rec.Code)
	}
	loc := rec.Header().Get("Location")
	for _, want := range []string{"accounts.google.com", "client_id=client-1", "access_type=offline"} {
		if !strings.Contains(loc, want) {
			t.Errorf("location %q missing %q", loc, want)
		}
	}
}

func TestGoogleCallbackRequiresCode(t *testing.T) {
	h := GoogleCallbackHandler{Store: newTestStore(t), Google: googleConfig(), Logger: discardLogger()}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/google/callback", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Missing code") {
		t.Fatalf("body=%q", rec.Body.String())
	}
}
