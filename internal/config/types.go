package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Scheduler controls trigger behavior (timezone, submit retry).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the worker pool that executes fired jobs.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Broadcast BroadcastConfig `json:"broadcast"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Payment   *PaymentConfig  `json:"payment,omitempty"`
	Join      JoinConfig      `json:"join"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// BroadcastConfig tunes audience resolution and delivery.
//
// Example:
//
//	broadcast:
//	  default_tier: premium
//	  lookup_concurrency: 8
//	  send_concurrency: 4
//	  rate_per_sec: 25
type BroadcastConfig struct {
	// DefaultTier is the tier filter used when a command carries no tier: token.
	// One of premium, freemium, any. Default premium.
	DefaultTier string `json:"default_tier,omitempty"`

	LookupConcurrency int    `json:"lookup_concurrency,omitempty"`
	LookupTimeout     string `json:"lookup_timeout,omitempty"`

	SendConcurrency int    `json:"send_concurrency,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	// RatePerSec paces outgoing sends across one broadcast. 0 disables pacing.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	Burst      int `json:"burst,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tierbot.db" }
//
// Drivers: memory (default), file, sqlite, postgres. Postgres reads its DSN
// from dsn (or DATABASE_URL).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// PaymentConfig controls the payment confirmation webhook.
type PaymentConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8081"
	Path    string `json:"path,omitempty"` // default "/payment/callback"
	// Secret, when set, must match the X-Callback-Token header.
	Secret string `json:"secret,omitempty"`
	// Days of premium granted per successful payment. Default 30.
	Days int `json:"days,omitempty"`
}

// JoinConfig controls join-request handling.
type JoinConfig struct {
	AutoApproveChatIDs []int64 `json:"auto_approve_chat_ids,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// RequestTimeout bounds one Bot API call (default "15s").
	RequestTimeout string `json:"request_timeout,omitempty"`
	// APIURL selects a self-hosted Bot API server.
	APIURL string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the scheduler (trigger) service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone used for at: datetimes without an offset and for cron specs.
	Timezone string `json:"timezone,omitempty"`

	// RetryDelay re-arms a job whose submission to the task engine failed.
	RetryDelay string `json:"retry_delay,omitempty"`
}
