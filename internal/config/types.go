package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Schedule controls the randomized delivery timer.
	Schedule ScheduleConfig `json:"schedule"`

	// Sender controls the outbound delivery channel (retry/rate limits).
	Sender SenderConfig `json:"sender,omitempty"`

	Storage StorageConfig `json:"storage"`

	// Maintenance controls periodic housekeeping (delivery-log pruning etc).
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// RecipientChatID is the single chat that receives scheduled deliveries.
	RecipientChatID int64 `json:"recipient_chat_id"`

	// OwnerUserIDs may issue control commands (/status, /sendnow, ...).
	OwnerUserIDs []int64 `json:"owner_user_ids"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
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

// ScheduleConfig bounds the random wait between deliveries.
//
// All durations are Go duration strings (e.g. "30m", "24h").
// MinInterval must be <= MaxInterval; both must be > 0.
type ScheduleConfig struct {
	MinInterval string `json:"min_interval"`
	MaxInterval string `json:"max_interval"`

	// MisfireGrace is how far past a missed fire time a restart will still
	// fire a single catch-up delivery. Default "1h".
	MisfireGrace string `json:"misfire_grace,omitempty"`
}

// SenderConfig controls the delivery channel retry behavior.
//
// Defaults (when fields are omitted/zero):
//   - retry_max: 2 (3 attempts total)
//   - retry_base: "5s"
//   - rate_per_sec: 1
//   - send_timeout: "30s"
type SenderConfig struct {
	RetryMax   int    `json:"retry_max,omitempty"`
	RetryBase  string `json:"retry_base,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`

	// SendTimeout bounds a single send attempt.
	SendTimeout string `json:"send_timeout,omitempty"`
}

// StorageConfig locates the sqlite database holding the image pool,
// the persisted schedule and the delivery log.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`

	// PruneAfter drops delivery-log rows older than this. Default "720h".
	PruneAfter string `json:"prune_after,omitempty"`
}
