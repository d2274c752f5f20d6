package app

import (
	"fmt"
	"strings"
	"time"

	"burstbot/internal/config"
	"burstbot/internal/responder"
	"burstbot/internal/storage"
	"burstbot/internal/transport/telegram"
	"burstbot/internal/transport/webhook"
	logx "burstbot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// maintenanceConfig is the prune job derived from the storage section.
type maintenanceConfig struct {
	Retention time.Duration
	Schedule  string
}

func mapMaintenanceConfig(cfg *config.Config) (maintenanceConfig, error) {
	retention, err := config.ParseDurationOrDefault("storage.retention", cfg.Storage.Retention, config.DefaultRetention)
	if err != nil {
		return maintenanceConfig{}, err
	}
	if retention <= 0 {
		return maintenanceConfig{}, fmt.Errorf("storage.retention: must be > 0, got %s", retention)
	}
	schedule := strings.TrimSpace(cfg.Storage.PruneSchedule)
	if schedule == "" {
		schedule = config.DefaultPruneSchedule
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return maintenanceConfig{}, fmt.Errorf("storage.prune_schedule: invalid %q: %w", schedule, err)
	}
	return maintenanceConfig{Retention: retention, Schedule: schedule}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout: pollTimeout,
		AllowFrom:   cfg.Telegram.AllowFrom,
	}, nil
}

func mapWebhookConfig(cfg *config.Config) webhook.Config {
	w := cfg.Webhook
	return webhook.Config{
		Addr:                w.Addr,
		Path:                w.Path,
		PublicBaseURL:       w.PublicBaseURL,
		AuthToken:           w.AuthToken,
		AccountSID:          w.AccountSID,
		From:                w.From,
		MessagingServiceSID: w.MessagingServiceSID,
		APIBaseURL:          w.APIBaseURL,
		RatePerSec:          w.RatePerSec,
		Burst:               w.Burst,
		QueueSize:           w.QueueSize,
	}
}

func mapResponderConfig(cfg *config.Config) (responder.Config, error) {
	r := cfg.Responder
	timeout, err := config.ParseDurationField("responder.timeout", r.Timeout)
	if err != nil {
		return responder.Config{}, err
	}
	return responder.Config{
		Driver:       r.Driver,
		APIKey:       r.APIKey,
		BaseURL:      r.BaseURL,
		Model:        r.Model,
		Timeout:      timeout,
		SystemPrompt: r.SystemPrompt,
	}, nil
}
