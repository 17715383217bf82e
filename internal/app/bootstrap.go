package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tierbot/internal/audience"
	"tierbot/internal/broadcast"
	"tierbot/internal/config"
	"tierbot/internal/dispatch"
	"tierbot/internal/payment"
	"tierbot/internal/recipient"
	"tierbot/internal/storage"
	"tierbot/internal/task/engine"
	"tierbot/internal/task/scheduler"
	logx "tierbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if id, err := strconv.ParseInt(g, 10, 64); err == nil {
			lc.Telegram.ChatID = id
		}
	}
	if lc.Telegram.ChatID == 0 {
		lc.Telegram.Enabled = false
	}
	return lc
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory", "none":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			path = "./data"
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn (or DATABASE_URL) is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := config.TaskEngineConfig{}
	if cfg.TaskEngine != nil {
		te = *cfg.TaskEngine
	}
	enabled := true
	if te.Enabled != nil {
		enabled = *te.Enabled
	}
	if cfg.Scheduler.Enabled && !enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	ec := engine.Config{
		Enabled:        enabled,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
	}
	if ec.Workers == 0 {
		ec.Workers = 2
	}
	if ec.QueueSize == 0 {
		ec.QueueSize = 256
	}
	if ec.HistorySize == 0 {
		ec.HistorySize = 200
	}
	return ec, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}
	if sc.Timezone != "" {
		if _, err := time.LoadLocation(sc.Timezone); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", sc.Timezone, err)
		}
	}
	d, err := config.ParseDurationOrDefault("scheduler.retry_delay", cfg.Scheduler.RetryDelay, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	sc.RetryDelay = d
	return sc, nil
}

// broadcastConfigs maps the broadcast section onto the three components it
// tunes.
func broadcastConfigs(cfg *config.Config) (audience.Config, dispatch.Config, broadcast.Config, error) {
	bc := cfg.Broadcast
	var (
		ac audience.Config
		dc dispatch.Config
		oc broadcast.Config
	)
	if bc.LookupConcurrency < 0 || bc.SendConcurrency < 0 || bc.RatePerSec < 0 || bc.Burst < 0 {
		return ac, dc, oc, fmt.Errorf("broadcast: concurrency, rate_per_sec and burst must be >= 0")
	}
	lookupTO, err := config.ParseDurationField("broadcast.lookup_timeout", bc.LookupTimeout)
	if err != nil {
		return ac, dc, oc, err
	}
	sendTO, err := config.ParseDurationField("broadcast.send_timeout", bc.SendTimeout)
	if err != nil {
		return ac, dc, oc, err
	}
	def := recipient.FilterPremium
	if strings.TrimSpace(bc.DefaultTier) != "" {
		if def, err = recipient.ParseFilter(bc.DefaultTier); err != nil {
			return ac, dc, oc, fmt.Errorf("broadcast.default_tier: %w", err)
		}
	}
	ac = audience.Config{Concurrency: bc.LookupConcurrency, LookupTimeout: lookupTO}
	dc = dispatch.Config{Concurrency: bc.SendConcurrency, SendTimeout: sendTO, RatePerSec: bc.RatePerSec, Burst: bc.Burst}
	oc = broadcast.Config{DefaultFilter: def}
	return ac, dc, oc, nil
}

// mapPaymentConfig reports ok=false when the webhook is disabled.
func mapPaymentConfig(cfg *config.Config) (payment.Config, bool, error) {
	pc := cfg.Payment
	if pc == nil || !pc.Enabled {
		return payment.Config{}, false, nil
	}
	if pc.Days < 0 {
		return payment.Config{}, false, fmt.Errorf("payment.days must be >= 0")
	}
	if p := strings.TrimSpace(pc.Path); p != "" && !strings.HasPrefix(p, "/") {
		return payment.Config{}, false, fmt.Errorf("payment.path must start with /")
	}
	return payment.Config{Addr: pc.Addr, Path: pc.Path, Secret: pc.Secret, Days: pc.Days}, true, nil
}

// validateConfig rejects a config before it is committed, at startup and
// on hot reload.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or BOT_TOKEN)")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("telegram.request_timeout", cfg.Telegram.RequestTimeout); err != nil {
		return err
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			return fmt.Errorf("telegram.group_log must be a chat id: %w", err)
		}
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, _, _, err := broadcastConfigs(cfg); err != nil {
		return err
	}
	if _, _, err := mapPaymentConfig(cfg); err != nil {
		return err
	}
	return nil
}
