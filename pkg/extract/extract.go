// Package extract derives structured reservation/appointment details from a
// call transcript using a language model.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"google.golang.org/genai"

	"github.com/voxdial/voxdial/pkg/task"
)

const defaultModel = "gemini-2.5-flash"

const extractionPrompt = `You are extracting structured reservation/appointment details from a phone call transcript.
Return a single JSON object with these fields (use null for missing):
- reservation_name: string
- business_or_person: string
- datetime_start: string (ISO 8601 or clear date/time description)
- duration_minutes: number
- party_size: number or null
- confirmation_number: string or null
- address: string or null
- special_notes: string or null
- confidence: number 0-1
- needs_user_action: boolean
- needs_user_action_reason: string or null (why user must confirm, e.g. "datetime ambiguous")
Return only valid JSON, no markdown or explanation.`

// Result is one extraction: the structured fields plus a one-line summary.
type Result struct {
	Fields  task.ExtractedFields
	Summary string
}

// Config configures the extraction client.
type Config struct {
	APIKey string
	// Model defaults to gemini-2.5-flash.
	Model string
	// Timezone anchors relative dates in the transcript; defaults to UTC.
	Timezone *time.Location
	Logger   *slog.Logger
	// Now is overridable for tests.
	Now func() time.Time
}

// Client extracts structured fields via the Gemini API.
type Client struct {
	ai       *genai.Client
	model    string
	timezone *time.Location
	logger   *slog.Logger
	now      func() time.Time
}

// New returns an extraction client, or an error if no API key is configured.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("extract: api key is required")
	}
	ai, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("extract: create client: %w", err)
	}
	c := &Client{
		ai:       ai,
		model:    cfg.Model,
		timezone: cfg.Timezone,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.timezone == nil {
		c.timezone = time.UTC
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Extract runs the model over the transcript. API failures are returned as
// errors after a bounded retry; a response that is not valid JSON degrades to
// a forced needs-review result instead of an error.
func (c *Client) Extract(ctx context.Context, transcriptText string) (Result, error) {
	prompt := fmt.Sprintf("%s\n\nTranscript:\n\n%s", c.dateContext(), transcriptText)

	var text string
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := c.ai.Models.GenerateContent(ctx, c.model, genai.Text(prompt), &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(extractionPrompt, genai.RoleUser),
			ResponseMIMEType:  "application/json",
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		text = resp.Text()
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("extract: generate: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("extract: empty model response")
	}
	return ParseResult(text), nil
}

func (c *Client) dateContext() string {
	now := c.now().In(c.timezone)
	return fmt.Sprintf("Today's date is %s (%s). Resolve relative dates like \"tomorrow\" to absolute ISO 8601 values in this timezone.",
		now.Format("Monday, January 2, 2006"), c.timezone.String())
}

// ParseResult turns the model's raw output into a Result. Malformed JSON
// degrades to a forced needs-review result rather than failing.
func ParseResult(raw string) Result {
	var fields task.ExtractedFields
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &fields); err != nil {
		zero := 0.0
		fields = task.ExtractedFields{
			Confidence:            &zero,
			NeedsUserAction:       true,
			NeedsUserActionReason: "Parse failed",
		}
	}
	return Result{Fields: fields, Summary: Summary(fields)}
}

// Summary joins the salient extracted fields into one line, falling back to a
// fixed sentence when nothing was extracted.
func Summary(f task.ExtractedFields) string {
	var parts []string
	for _, p := range []string{f.ReservationName, f.DatetimeStart, f.ConfirmationNumber} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "Call completed; review transcript for details."
	}
	return strings.Join(parts, " · ")
}
