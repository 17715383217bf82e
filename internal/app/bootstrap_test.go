package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"tierbot/internal/config"
	"tierbot/internal/recipient"
)

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	off := false
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{name: "minimal", mutate: func(c *config.Config) {}},
		{name: "missing token", mutate: func(c *config.Config) { c.Telegram.Token = "" }, wantErr: "telegram.token"},
		{name: "bad group log", mutate: func(c *config.Config) { c.Telegram.GroupLog = "@logs" }, wantErr: "group_log"},
		{name: "sqlite without path", mutate: func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "sqlite"} }, wantErr: "storage.path"},
		{name: "postgres without dsn", mutate: func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "postgres"} }, wantErr: "storage.dsn"},
		{name: "unknown driver", mutate: func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "redis"} }, wantErr: "unknown storage.driver"},
		{name: "scheduler without engine", mutate: func(c *config.Config) {
			c.Scheduler.Enabled = true
			c.TaskEngine = &config.TaskEngineConfig{Enabled: &off}
		}, wantErr: "task_engine.enabled"},
		{name: "bad timezone", mutate: func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" }, wantErr: "scheduler.timezone"},
		{name: "bad tier", mutate: func(c *config.Config) { c.Broadcast.DefaultTier = "gold" }, wantErr: "broadcast.default_tier"},
		{name: "negative rate", mutate: func(c *config.Config) { c.Broadcast.RatePerSec = -1 }, wantErr: "broadcast"},
		{name: "payment path", mutate: func(c *config.Config) { c.Payment = &config.PaymentConfig{Enabled: true, Path: "cb"} }, wantErr: "payment.path"},
		{name: "disabled payment ignored", mutate: func(c *config.Config) { c.Payment = &config.PaymentConfig{Path: "cb"} }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tt.mutate(cfg)
			err := validateConfig(context.Background(), cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMappingDefaults(t *testing.T) {
	t.Parallel()
	cfg := testConfig()

	ec, err := mapTaskEngineConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !ec.Enabled || ec.Workers != 2 || ec.QueueSize != 256 || ec.HistorySize != 200 {
		t.Fatalf("engine config = %+v", ec)
	}

	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if sc.RetryDelay != time.Second {
		t.Fatalf("retry delay = %v", sc.RetryDelay)
	}

	_, _, oc, err := broadcastConfigs(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if oc.DefaultFilter != recipient.FilterPremium {
		t.Fatalf("default filter = %v", oc.DefaultFilter)
	}

	st, err := mapStorageConfig(cfg)
	if err != nil || st.Driver != "memory" {
		t.Fatalf("storage = %+v, %v", st, err)
	}
	cfg.Storage = &config.StorageConfig{Driver: "file"}
	if st, _ := mapStorageConfig(cfg); st.Path != "./data" {
		t.Fatalf("file path = %q", st.Path)
	}

	if _, ok, _ := mapPaymentConfig(cfg); ok {
		t.Fatal("payment must be off by default")
	}

	cfg.Telegram.GroupLog = "-1001"
	cfg.Logging.Telegram.Enabled = true
	if lc := mapLogConfig(cfg); lc.Telegram.ChatID != -1001 || !lc.Telegram.Enabled {
		t.Fatalf("log config = %+v", lc.Telegram)
	}
	cfg.Telegram.GroupLog = ""
	if lc := mapLogConfig(cfg); lc.Telegram.Enabled {
		t.Fatal("telegram log sink needs a chat")
	}
}
