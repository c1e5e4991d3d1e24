package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults applied by Validate when fields are omitted.
const (
	DefaultMisfireGrace = time.Hour
	DefaultPruneAfter   = 720 * time.Hour
)

// Validate checks cross-field constraints that a running process depends on.
// It is called once at startup and again before committing a hot reload, so
// a bad edit never reaches running services.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if cfg.Telegram.RecipientChatID == 0 {
		return errors.New("telegram.recipient_chat_id is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}

	min, err := ParseDurationField("schedule.min_interval", cfg.Schedule.MinInterval)
	if err != nil {
		return err
	}
	max, err := ParseDurationField("schedule.max_interval", cfg.Schedule.MaxInterval)
	if err != nil {
		return err
	}
	if min <= 0 || max <= 0 {
		return errors.New("schedule.min_interval and schedule.max_interval are required")
	}
	if min > max {
		return fmt.Errorf("schedule.min_interval (%s) must not exceed schedule.max_interval (%s)", min, max)
	}
	if _, err := ParseDurationField("schedule.misfire_grace", cfg.Schedule.MisfireGrace); err != nil {
		return err
	}

	if _, err := ParseDurationField("sender.retry_base", cfg.Sender.RetryBase); err != nil {
		return err
	}
	if _, err := ParseDurationField("sender.send_timeout", cfg.Sender.SendTimeout); err != nil {
		return err
	}
	if cfg.Sender.RetryMax < 0 {
		return errors.New("sender.retry_max must be >= 0")
	}

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("maintenance.prune_after", cfg.Maintenance.PruneAfter); err != nil {
		return err
	}
	return nil
}

// Intervals returns the parsed schedule bounds. Validate must have passed.
func (c *Config) Intervals() (min, max, grace time.Duration) {
	min, _ = ParseDurationField("schedule.min_interval", c.Schedule.MinInterval)
	max, _ = ParseDurationField("schedule.max_interval", c.Schedule.MaxInterval)
	grace, _ = ParseDurationOrDefault("schedule.misfire_grace", c.Schedule.MisfireGrace, DefaultMisfireGrace)
	return min, max, grace
}
