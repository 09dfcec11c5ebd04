package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`

	// OwnerIDs are Telegram user IDs allowed to run admin commands.
	OwnerIDs []int64 `json:"owner_ids"`

	// MaterialURL is the gated asset handed out to subscribed users.
	MaterialURL string `json:"material_url"`

	// ContactURL is the owner's private-chat link, offered on audit requests.
	ContactURL string `json:"contact_url,omitempty"`

	// WelcomePhoto is an optional local image attached to the /start reply.
	WelcomePhoto string `json:"welcome_photo,omitempty"`

	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Entitlement EntitlementConfig `json:"entitlement,omitempty"`
	Broadcast   BroadcastConfig   `json:"broadcast,omitempty"`
	Scheduler   SchedulerConfig   `json:"scheduler,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// Channel is the gated channel: "@username" or a numeric chat ID.
	Channel string `json:"channel"`

	// PollTimeout / APITimeout are Go duration strings (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	APITimeout  string `json:"api_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // "file" (default) or "sqlite"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type EntitlementConfig struct {
	OracleTimeout string `json:"oracle_timeout,omitempty"` // default "8s"
	CacheTTL      string `json:"cache_ttl,omitempty"`      // default "15s", "0s" disables
}

type BroadcastConfig struct {
	Workers    int `json:"workers,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`

	// Recurring are cron-driven broadcasts defined in config.
	Recurring []RecurringBroadcast `json:"recurring,omitempty"`
}

type RecurringBroadcast struct {
	Name string `json:"name"`
	Spec string `json:"spec"` // 5-field cron
	Text string `json:"text"`
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Telegram.Channel) == "" {
		return errors.New("telegram.channel is required")
	}
	if strings.TrimSpace(c.MaterialURL) == "" {
		return errors.New("material_url is required")
	}
	if len(c.OwnerIDs) == 0 {
		return errors.New("owner_ids must not be empty")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"telegram.api_timeout", c.Telegram.APITimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"entitlement.oracle_timeout", c.Entitlement.OracleTimeout},
		{"entitlement.cache_ttl", c.Entitlement.CacheTTL},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	for i, r := range c.Scheduler.Recurring {
		if strings.TrimSpace(r.Spec) == "" || strings.TrimSpace(r.Text) == "" {
			return fmt.Errorf("scheduler.recurring[%d]: spec and text are required", i)
		}
	}
	return nil
}
