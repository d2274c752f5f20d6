package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultAPIBase = "https://api.twilio.com"

var ErrNoSender = errors.New("twilio: neither From nor MessagingServiceSid is set")

// TwilioClient sends outbound messages through the Twilio Messages API.
type TwilioClient struct {
	accountSID          string
	authToken           string
	from                string
	messagingServiceSID string
	baseURL             string
	httpClient          *http.Client
}

// NewTwilioClient returns nil when account SID or auth token is missing;
// replies are then only logged.
func NewTwilioClient(cfg Config) *TwilioClient {
	sid := strings.TrimSpace(cfg.AccountSID)
	token := strings.TrimSpace(cfg.AuthToken)
	if sid == "" || token == "" {
		return nil
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if base == "" {
		base = defaultAPIBase
	}
	return &TwilioClient{
		accountSID:          sid,
		authToken:           token,
		from:                strings.TrimSpace(cfg.From),
		messagingServiceSID: strings.TrimSpace(cfg.MessagingServiceSID),
		baseURL:             base,
		httpClient:          &http.Client{Timeout: 15 * time.Second},
	}
}

// Send delivers body to `to`. A configured messaging service wins over a
// From address; fallbackFrom is used when neither is configured.
// It returns the Twilio message SID.
func (c *TwilioClient) Send(ctx context.Context, to, body, fallbackFrom string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("Body", body)
	switch {
	case c.messagingServiceSID != "":
		form.Set("MessagingServiceSid", c.messagingServiceSID)
	case c.from != "":
		form.Set("From", c.from)
	case fallbackFrom != "":
		form.Set("From", fallbackFrom)
	default:
		return "", ErrNoSender
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, url.PathEscape(c.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build twilio request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return "", fmt.Errorf("twilio status %d: %s (code=%d)", resp.StatusCode, apiErr.Message, apiErr.Code)
		}
		return "", fmt.Errorf("twilio status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode twilio response: %w", err)
	}
	return out.SID, nil
}
