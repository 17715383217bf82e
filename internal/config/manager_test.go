package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func noEnv(string) string { return "" }

func TestParseYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "config.yaml", `
telegram:
  token: abc
  owner_user_ids: [10, 20]
broadcast:
  default_tier: any
  send_concurrency: 3
storage:
  driver: sqlite
  path: ./bot.db
join:
  auto_approve_chat_ids: [-1001]
`)
	m := NewConfigManager(p)
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "abc" || !reflect.DeepEqual(cfg.Telegram.OwnerUserIDs, []int64{10, 20}) {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Broadcast.DefaultTier != "any" || cfg.Broadcast.SendConcurrency != 3 {
		t.Fatalf("broadcast = %+v", cfg.Broadcast)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit")
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{name: "unknown yaml key", file: "c.yaml", body: "telegram:\n  tokn: x\n", want: "unknown field"},
		{name: "unknown json key", file: "c.json", body: `{"plugins":{}}`, want: "unknown field"},
		{name: "trailing json", file: "c.json", body: `{"telegram":{}} {}`, want: "trailing data"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewConfigManager(writeFile(t, t.TempDir(), tt.file, tt.body))
			m.SetEnv(noEnv)
			_, err := m.Parse()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		"TELEGRAM_TOKEN": "from-env",
		"OWNER_USER_IDS": "1, 2;3",
		"DATABASE_URL":   "postgres://u:p@db/bot",
		"PAYMENT_SECRET": "s3cret",
	}
	cfg := &Config{Telegram: TelegramConfig{Token: "file"}}
	if err := ApplyEnv(cfg, func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if !reflect.DeepEqual(cfg.Telegram.OwnerUserIDs, []int64{1, 2, 3}) {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != env["DATABASE_URL"] {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Payment == nil || cfg.Payment.Secret != "s3cret" {
		t.Fatalf("payment = %+v", cfg.Payment)
	}

	if err := ApplyEnv(cfg, func(k string) string {
		if k == "OWNER_USER_IDS" {
			return "1,x"
		}
		return ""
	}); err == nil {
		t.Fatal("expected invalid owner id error")
	}
}

func TestLoadDotEnvKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, ".env", "TIERBOT_TEST_A=from-file\nTIERBOT_TEST_B=from-file\n")
	t.Setenv("TIERBOT_TEST_A", "preset")
	if err := LoadDotEnv(p, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("TIERBOT_TEST_A"); got != "preset" {
		t.Fatalf("A = %q", got)
	}
	if got := os.Getenv("TIERBOT_TEST_B"); got != "from-file" {
		t.Fatalf("B = %q", got)
	}
	os.Unsetenv("TIERBOT_TEST_B")
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Payment: &PaymentConfig{Enabled: true, Secret: "a"}}
	newCfg := &Config{
		Payment:   &PaymentConfig{Enabled: true, Secret: "b"},
		Broadcast: BroadcastConfig{DefaultTier: "freemium"},
		Storage:   &StorageConfig{Driver: "postgres", DSN: "postgres://secret"},
	}
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"broadcast", "payment", "storage"}
	if !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if got := RestartRequired(changed); !reflect.DeepEqual(got, []string{"payment", "storage"}) {
		t.Fatalf("restart = %v", got)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", 5); err != nil || d != 5 {
		t.Fatalf("default: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if _, err := ParseDurationField("x", "abc"); err == nil {
		t.Fatal("garbage accepted")
	}
}

func TestYAMLToJSONResolvesMergeKeys(t *testing.T) {
	t.Parallel()
	body := []byte(`
base: &tg
  token: abc
  poll_timeout: 5s
telegram:
  <<: *tg
  poll_timeout: 20s
  1: one
`)
	jb, err := yamlToJSON("c.yaml", body)
	if err != nil {
		t.Fatalf("yamlToJSON: %v", err)
	}
	var got map[string]map[string]any
	if err := json.Unmarshal(jb, &got); err != nil {
		t.Fatalf("unmarshal %s: %v", jb, err)
	}
	want := map[string]any{"token": "abc", "poll_timeout": "20s", "1": "one"}
	if !reflect.DeepEqual(got["telegram"], want) {
		t.Fatalf("telegram = %v, want %v", got["telegram"], want)
	}

	raw := []byte(`{"a":1}`)
	if jb, err := yamlToJSON("c.json", raw); err != nil || string(jb) != string(raw) {
		t.Fatalf("json passthrough = %s, %v", jb, err)
	}
	if jb, err := yamlToJSON("c.yaml", nil); err != nil || string(jb) != "null" {
		t.Fatalf("empty yaml = %s, %v", jb, err)
	}
}

func TestParseDurationOrDefaultZero(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{raw: "", want: time.Minute},
		{raw: "  ", want: time.Minute},
		{raw: "0s", want: time.Minute},
		{raw: " 3s ", want: 3 * time.Second},
	}
	for _, tt := range tests {
		d, err := ParseDurationOrDefault("x", tt.raw, time.Minute)
		if err != nil || d != tt.want {
			t.Fatalf("%q = %v, %v; want %v", tt.raw, d, err, tt.want)
		}
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("blank field = %v, %v", d, err)
	}
}
