// Package telephony wraps the call provider: media-stream event types and the
// REST surface that places outbound calls. Thin by design; relay correctness
// never depends on it.
package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voxwire/voxwire/internal/utils"
)

type Config struct {
	AccountSID string
	AuthToken  string
	BaseURL    string // e.g. https://api.telephony.example/2010-04-01
	FromNumber string

	// StreamBaseURL is this system's public media-stream endpoint; the
	// session id is appended as a path segment.
	StreamBaseURL string
	// StatusCallbackURL receives async call status updates; the session id
	// is appended as a path segment.
	StatusCallbackURL string

	HTTPClient *http.Client
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{cfg: cfg, http: hc}
}

// PlaceCall starts an outbound call whose answered leg connects to our
// media-stream endpoint for the given session. Returns the provider call id.
func (c *Client) PlaceCall(ctx context.Context, sessionID, to string) (string, error) {
	const op = "telephony.Client.PlaceCall"

	if sessionID == "" || to == "" {
		return "", utils.E(utils.CodeInvalidArgument, op, "session_id and destination number are required", nil)
	}

	streamURL := strings.TrimRight(c.cfg.StreamBaseURL, "/") + "/" + sessionID
	twiml := fmt.Sprintf(`<Response><Connect><Stream url=%q/></Connect></Response>`, streamURL)

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Twiml", twiml)
	form.Set("StatusCallback", strings.TrimRight(c.cfg.StatusCallbackURL, "/")+"/"+sessionID)
	form.Set("StatusCallbackEvent", "initiated ringing answered completed")

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", utils.E(utils.CodeInternal, op, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", utils.E(utils.CodeUnavailable, op, "call API request failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return "", utils.E(utils.CodeUnavailable, op,
			fmt.Sprintf("call API returned %d", resp.StatusCode), nil)
	}

	var out struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.SID == "" {
		return "", utils.E(utils.CodeInternal, op, "unexpected call API response", err)
	}
	return out.SID, nil
}
