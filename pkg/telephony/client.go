package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const defaultAPIBaseURL = "https://api.twilio.com/2010-04-01"

// Client is a minimal Twilio REST client covering outbound call control.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client for the given account credentials.
func NewClient(accountSID, authToken string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    defaultAPIBaseURL,
		httpClient: httpClient,
	}
}

// WithBaseURL overrides the API endpoint; used by tests.
func (c *Client) WithBaseURL(base string) *Client {
	c.baseURL = strings.TrimRight(base, "/")
	return c
}

// Error is a Twilio REST API error response.
type Error struct {
	Status   int    `json:"status"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("twilio: %d (code %d): %s", e.Status, e.Code, e.Message)
}

// CallParams configures an outbound call.
type CallParams struct {
	To             string
	From           string
	TwiMLURL       string
	StatusCallback string
}

// CreateCall places an outbound call and returns the provider call SID.
// The TwiML URL tells the provider what to do when the call is answered;
// the status callback receives lifecycle events including terminal failures.
func (c *Client) CreateCall(ctx context.Context, p CallParams) (string, error) {
	form := url.Values{}
	form.Set("To", p.To)
	form.Set("From", p.From)
	form.Set("Url", p.TwiMLURL)
	if p.StatusCallback != "" {
		form.Set("StatusCallback", p.StatusCallback)
		form.Set("StatusCallbackMethod", http.MethodPost)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}

	var resp struct {
		SID string `json:"sid"`
	}
	if err := c.do(ctx, fmt.Sprintf("/Accounts/%s/Calls.json", c.accountSID), form, &resp); err != nil {
		return "", err
	}
	if resp.SID == "" {
		return "", fmt.Errorf("twilio: create call response missing sid")
	}
	return resp.SID, nil
}

// CompleteCall asks the provider to hang up an in-flight call.
func (c *Client) CompleteCall(ctx context.Context, callSID string) error {
	form := url.Values{}
	form.Set("Status", "completed")
	return c.do(ctx, fmt.Sprintf("/Accounts/%s/Calls/%s.json", c.accountSID, callSID), form, nil)
}

func (c *Client) do(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &Error{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
