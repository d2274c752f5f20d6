package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Coalesce  CoalesceConfig  `json:"coalesce"`
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Webhook   WebhookConfig   `json:"webhook"`
	Responder ResponderConfig `json:"responder"`
	Storage   StorageConfig   `json:"storage"`
}

// CoalesceConfig controls the per-sender debounce.
//
// Window is a Go duration string. It defaults to "2s" and is clamped by the
// engine to [1s, 5s].
type CoalesceConfig struct {
	Window string `json:"window,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// AllowFrom restricts ingress to these user IDs. Empty allows everyone.
	AllowFrom []int64 `json:"allow_from,omitempty"`
}

// WebhookConfig controls the Twilio-style WhatsApp ingress.
//
// Signature verification is active only when both AuthToken and PublicBaseURL
// are set. Outbound replies need AccountSID, AuthToken and either From or
// MessagingServiceSID; without them replies are only logged.
type WebhookConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	Path          string `json:"path,omitempty"` // default: "/twilio/whatsapp/webhook"
	PublicBaseURL string `json:"public_base_url,omitempty"`

	AuthToken           string `json:"auth_token,omitempty"` // do not log
	AccountSID          string `json:"account_sid,omitempty"`
	From                string `json:"from,omitempty"`
	MessagingServiceSID string `json:"messaging_service_sid,omitempty"`
	APIBaseURL          string `json:"api_base_url,omitempty"` // default: "https://api.twilio.com"

	RatePerSec float64 `json:"rate_per_sec,omitempty"` // default: 5
	Burst      int     `json:"burst,omitempty"`        // default: 10
	QueueSize  int     `json:"queue_size,omitempty"`   // default: 256
}

// ResponderConfig selects how a flushed batch is turned into a reply.
//
// Driver "echo" (default) answers with the combined text. Driver "openai"
// calls an OpenAI-compatible chat completions endpoint.
type ResponderConfig struct {
	Driver       string `json:"driver,omitempty"`
	APIKey       string `json:"api_key,omitempty"` // do not log
	BaseURL      string `json:"base_url,omitempty"`
	Model        string `json:"model,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	HistoryTurns int    `json:"history_turns,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/burstbot.db" }
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path"`
	BusyTimeout   string `json:"busy_timeout,omitempty"`   // Go duration string (sqlite)
	Retention     string `json:"retention,omitempty"`      // default: "720h"
	PruneSchedule string `json:"prune_schedule,omitempty"` // cron expression, default: "@every 1h"
}

const (
	DefaultWindow        = 2 * time.Second
	DefaultWebhookAddr   = "127.0.0.1:8080"
	DefaultWebhookPath   = "/twilio/whatsapp/webhook"
	DefaultTwilioAPIBase = "https://api.twilio.com"
	DefaultRetention     = 720 * time.Hour
	DefaultPruneSchedule = "@every 1h"
)

// WindowDuration returns the configured debounce window. An empty value
// yields DefaultWindow; zero or negative values are errors.
func (c CoalesceConfig) WindowDuration() (time.Duration, error) {
	s := strings.TrimSpace(c.Window)
	if s == "" {
		return DefaultWindow, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("coalesce.window: invalid duration %q: %w", c.Window, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("coalesce.window: must be > 0, got %s", d)
	}
	return d, nil
}

// Validate checks the fields that cannot be defaulted.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := c.Coalesce.WindowDuration(); err != nil {
		errs = append(errs, err)
	}
	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token: required when telegram.enabled"))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.Webhook.RatePerSec < 0 || c.Webhook.Burst < 0 || c.Webhook.QueueSize < 0 {
		errs = append(errs, errors.New("webhook: rate_per_sec, burst and queue_size must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Responder.Driver)) {
	case "", "echo":
	case "openai":
		if strings.TrimSpace(c.Responder.Model) == "" {
			errs = append(errs, errors.New("responder.model: required for driver openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("responder.driver: unknown %q", c.Responder.Driver))
	}
	if _, err := ParseDurationField("responder.timeout", c.Responder.Timeout); err != nil {
		errs = append(errs, err)
	}
	if c.Responder.HistoryTurns < 0 {
		errs = append(errs, errors.New("responder.history_turns: must be >= 0"))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("storage.retention", c.Storage.Retention); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
