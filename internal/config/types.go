package config

import (
	"fmt"
	"time"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	HTTP     HTTPConfig     `json:"http"`
	Storage  StorageConfig  `json:"storage"`
	Engine   EngineConfig   `json:"engine"`
	Notifier NotifierConfig `json:"notifier"`

	// Maintenance controls the background housekeeping jobs. If omitted,
	// message-log pruning runs daily with a 90 day retention.
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
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

type HTTPConfig struct {
	Addr string `json:"addr"`
	// Timeouts are Go duration strings (e.g. "10s", "1m").
	ReadTimeout    string   `json:"read_timeout,omitempty"`
	WriteTimeout   string   `json:"write_timeout,omitempty"`
	CORSOrigins []string `json:"cors_origins,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// EngineConfig controls dispatch behavior of the reminder engine.
type EngineConfig struct {
	DispatchWorkers int    `json:"dispatch_workers,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"` // Go duration string
	DefaultTimezone string `json:"default_timezone,omitempty"`
}

// NotifierConfig selects the outbound driver and its rate limit.
// Credentials come from the environment, never from this file.
type NotifierConfig struct {
	Driver     string         `json:"driver"` // "log", "twilio" or "telegram"
	RatePerSec int            `json:"rate_per_sec,omitempty"`
	Twilio     TwilioConfig   `json:"twilio,omitempty"`
	Telegram   TelegramConfig `json:"telegram,omitempty"`
}

type TwilioConfig struct {
	FromSMS      string `json:"from_sms,omitempty"`
	FromWhatsApp string `json:"from_whatsapp,omitempty"`
}

type TelegramConfig struct {
	TokenEnv string `json:"token_env,omitempty"` // default: TELEGRAM_BOT_TOKEN
}

type MaintenanceConfig struct {
	// PruneSpec is a cron expression (standard five-field form).
	PruneSpec        string `json:"prune_spec,omitempty"`
	MessageRetention string `json:"message_retention,omitempty"` // Go duration string
}

// Validate checks the parts that must be right before the app commits a
// config, both at startup and on hot reload.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr: required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path: required")
	}
	switch c.Notifier.Driver {
	case "", "log", "twilio", "telegram":
	default:
		return fmt.Errorf("notifier.driver: unknown driver %q", c.Notifier.Driver)
	}
	if tz := c.Engine.DefaultTimezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("engine.default_timezone: %w", err)
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"engine.send_timeout", c.Engine.SendTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if m := c.Maintenance; m != nil {
		if _, err := ParseDurationField("maintenance.message_retention", m.MessageRetention); err != nil {
			return err
		}
	}
	return nil
}
