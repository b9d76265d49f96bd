package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// DatabasePath is the SQLite file backing the task store.
	DatabasePath string

	// PublicBaseURL is the externally reachable origin of this process,
	// used to build the TwiML, status-callback, and media-stream URLs the
	// telephony provider calls back to.
	PublicBaseURL string

	// Telephony provider credentials. All three must be present for
	// outbound calls; otherwise call starts report not-configured.
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	// Speech model credential. Calls still run without it; they are
	// silent and produce no transcript.
	OpenAIAPIKey  string
	RealtimeModel string

	// Extraction credential. Without it the outcome pipeline records a
	// skipped outcome.
	GeminiAPIKey string
	GeminiModel  string

	// Google OAuth application for calendar/email side effects.
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string

	// OwnerName appears in the assistant persona and Voice selects the
	// synthesized voice.
	OwnerName string
	Voice     string

	// Timezone anchors relative dates during extraction and calendar
	// event windows.
	Timezone *time.Location

	// ModelAckTimeout bounds the wait for the speech session's
	// configuration acknowledgment.
	ModelAckTimeout time.Duration

	// DemoTranscripts enables the fabricated-transcript generator on the
	// UI socket for tasks with no live call. Development aid only.
	DemoTranscripts bool

	// WebOrigin is where the browser lands after the OAuth callback.
	WebOrigin string

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VOXDIAL_ADDR", ":8080"),
		DatabasePath:        envOr("VOXDIAL_DB_PATH", "voxdial.db"),
		PublicBaseURL:       strings.TrimRight(envOr("PUBLIC_BASE_URL", ""), "/"),
		TwilioAccountSID:    os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:    os.Getenv("TWILIO_FROM_NUMBER"),
		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		RealtimeModel:       envOr("VOXDIAL_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		GeminiAPIKey:        os.Getenv("GEMINI_API_KEY"),
		GeminiModel:         envOr("VOXDIAL_GEMINI_MODEL", "gemini-2.5-flash"),
		GoogleClientID:      os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:  os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURI:   os.Getenv("GOOGLE_REDIRECT_URI"),
		OwnerName:           envOr("VOXDIAL_OWNER_NAME", ""),
		Voice:               envOr("VOXDIAL_VOICE", "alloy"),
		ModelAckTimeout:     envDurationOr("VOXDIAL_MODEL_ACK_TIMEOUT", 15*time.Second),
		DemoTranscripts:     envBoolOr("VOXDIAL_DEMO_TRANSCRIPTS", false),
		WebOrigin:           envOr("VOXDIAL_WEB_ORIGIN", "http://localhost:3000"),
		CORSAllowedOrigins:  make(map[string]struct{}),
		ReadHeaderTimeout:   envDurationOr("VOXDIAL_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:         envDurationOr("VOXDIAL_READ_TIMEOUT", 0),
		ShutdownGracePeriod: envDurationOr("VOXDIAL_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	tz := envOr("VOXDIAL_TIMEZONE", "America/New_York")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Config{}, fmt.Errorf("VOXDIAL_TIMEZONE: %w", err)
	}
	cfg.Timezone = loc

	for _, origin := range splitCSV(os.Getenv("VOXDIAL_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.Addr) == "" {
		return Config{}, fmt.Errorf("VOXDIAL_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return Config{}, fmt.Errorf("VOXDIAL_DB_PATH must not be empty")
	}
	if cfg.PublicBaseURL != "" {
		u, err := url.Parse(cfg.PublicBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return Config{}, fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL")
		}
	}
	if cfg.ModelAckTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXDIAL_MODEL_ACK_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXDIAL_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout < 0 {
		return Config{}, fmt.Errorf("VOXDIAL_READ_TIMEOUT must be >= 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOXDIAL_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// TwilioConfigured reports whether outbound calls can actually be placed.
func (c Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" &&
		c.TwilioFromNumber != "" && c.PublicBaseURL != ""
}

// SpeechConfigured reports whether relay sessions can open a model socket.
func (c Config) SpeechConfigured() bool {
	return c.OpenAIAPIKey != ""
}

// ExtractionConfigured reports whether the outcome pipeline can extract.
func (c Config) ExtractionConfigured() bool {
	return c.GeminiAPIKey != ""
}

// GoogleConfigured reports whether the OAuth application is set up.
func (c Config) GoogleConfigured() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// StreamURL is the websocket endpoint the TwiML document points the
// telephony media stream at.
func (c Config) StreamURL() string {
	base := c.PublicBaseURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws/twilio-media"
}

// TwiMLURL is the answer webhook for an outbound call.
func (c Config) TwiMLURL(taskID string) string {
	return c.PublicBaseURL + "/api/twiml/stream?taskId=" + url.QueryEscape(taskID)
}

// StatusCallbackURL receives call lifecycle events from the provider.
func (c Config) StatusCallbackURL(taskID string) string {
	return c.PublicBaseURL + "/api/twilio/status?taskId=" + url.QueryEscape(taskID)
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
