// Package gcal handles the Google side of a connected account: OAuth,
// calendar event creation, and summary email delivery.
package gcal

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"
	gmail "google.golang.org/api/gmail/v1"
	goauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/voxdial/voxdial/pkg/task"
)

const defaultEventDuration = 90 * time.Minute

var oauthScopes = []string{
	calendar.CalendarEventsScope,
	calendar.CalendarScope,
	"https://www.googleapis.com/auth/userinfo.email",
	gmail.GmailSendScope,
}

// Config holds the OAuth application credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// Timezone for calendar event windows; defaults to UTC.
	Timezone *time.Location
}

// Configured reports whether the OAuth application credentials are present.
func (c Config) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

func (c Config) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       oauthScopes,
		Endpoint:     google.Endpoint,
	}
}

// AuthURL returns the consent URL for connecting an account. Offline access
// with forced consent so a refresh token is always issued.
func (c Config) AuthURL(state string) string {
	return c.oauthConfig().AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
}

// Tokens is the credential set stored for a connected account.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Email        string
}

// Valid reports whether the tokens can back API calls.
func (t Tokens) Valid() bool {
	return t.AccessToken != "" && t.RefreshToken != ""
}

// Exchange trades an authorization code for tokens and resolves the
// account's email address.
func (c Config) Exchange(ctx context.Context, code string) (Tokens, error) {
	conf := c.oauthConfig()
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return Tokens{}, fmt.Errorf("gcal: exchange code: %w", err)
	}
	svc, err := goauth2.NewService(ctx, option.WithTokenSource(conf.TokenSource(ctx, tok)))
	if err != nil {
		return Tokens{}, fmt.Errorf("gcal: userinfo service: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return Tokens{}, fmt.Errorf("gcal: fetch userinfo: %w", err)
	}
	return Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Email:        info.Email,
	}, nil
}

func (c Config) tokenSource(ctx context.Context, t Tokens) oauth2.TokenSource {
	return c.oauthConfig().TokenSource(ctx, &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		// Force a refresh on first use so a stale stored access token
		// never produces a 401.
		Expiry: time.Now().Add(-time.Minute),
	})
}

// CreateCalendarEvent inserts one event on the account's primary calendar
// and returns the event id. The window comes from the extracted start and
// duration, defaulting to now and 90 minutes.
func (c Config) CreateCalendarEvent(ctx context.Context, t Tokens, contextName string, o task.Outcome) (string, error) {
	loc := c.Timezone
	if loc == nil {
		loc = time.UTC
	}
	fields := o.ExtractedFields

	start := time.Now().In(loc)
	duration := defaultEventDuration
	if at, ok := fields.StartTime(); ok {
		start = at
		if fields.DurationMinutes > 0 {
			duration = time.Duration(fields.DurationMinutes) * time.Minute
		}
	}
	end := start.Add(duration)

	var lines []string
	if o.SummaryText != "" {
		lines = append(lines, o.SummaryText)
	}
	if fields.ConfirmationNumber != "" {
		lines = append(lines, "Confirmation: "+fields.ConfirmationNumber)
	}
	if fields.Address != "" {
		lines = append(lines, "Address: "+fields.Address)
	}
	if fields.SpecialNotes != "" {
		lines = append(lines, "Notes: "+fields.SpecialNotes)
	}

	svc, err := calendar.NewService(ctx, option.WithTokenSource(c.tokenSource(ctx, t)))
	if err != nil {
		return "", fmt.Errorf("gcal: calendar service: %w", err)
	}

	event := &calendar.Event{
		Summary:     "Reservation: " + contextName,
		Description: strings.Join(lines, "\n"),
		Start:       &calendar.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: loc.String()},
		End:         &calendar.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: loc.String()},
	}

	var created *calendar.Event
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		created, err = svc.Events.Insert("primary", event).Context(ctx).Do()
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("gcal: insert event: %w", err)
	}
	return created.Id, nil
}

// SendEmail delivers a plain-text message from the connected account.
func (c Config) SendEmail(ctx context.Context, t Tokens, to, subject, body string) error {
	svc, err := gmail.NewService(ctx, option.WithTokenSource(c.tokenSource(ctx, t)))
	if err != nil {
		return fmt.Errorf("gcal: gmail service: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString([]byte(strings.Join([]string{
		"To: " + to,
		"Subject: " + subject,
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")))
	if _, err := svc.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do(); err != nil {
		return fmt.Errorf("gcal: send email: %w", err)
	}
	return nil
}
