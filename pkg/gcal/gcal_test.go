package gcal

import (
	"net/url"
	"strings"
	"testing"
)

func TestConfigured(t *testing.T) {
	if (Config{}).Configured() {
		t.Fatal("empty config reported configured")
	}
	if !(Config{ClientID: "id", ClientSecret: "secret"}).Configured() {
		t.Fatal("complete config reported unconfigured")
	}
}

func TestAuthURL(t *testing.T) {
	c := Config{ClientID: "client-1", ClientSecret: "s", RedirectURI: "https://example.com/auth/google/callback"}
	raw := c.AuthURL("state-1")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != "client-1" {
		t.Fatalf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("access_type") != "offline" || q.Get("prompt") != "consent" {
		t.Fatalf("offline consent params missing: %s", raw)
	}
	if q.Get("state") != "state-1" {
		t.Fatalf("state = %q", q.Get("state"))
	}
	scopes := q.Get("scope")
	for _, want := range []string{"calendar.events", "gmail.send", "userinfo.email"} {
		if !strings.Contains(scopes, want) {
			t.Fatalf("scope missing %q: %s", want, scopes)
		}
	}
}

func TestTokensValid(t *testing.T) {
	if (Tokens{AccessToken: "a"}).Valid() {
		t.Fatal("tokens without refresh token reported valid")
	}
	if !(Tokens{AccessToken: "a", RefreshToken: "r"}).Valid() {
		t.Fatal("complete tokens reported invalid")
	}
}
