package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides secrets and deployment-specific values from the
// environment, so they can stay out of the config file:
//
//	BOT_TOKEN / TELEGRAM_TOKEN  telegram.token
//	OWNER_USER_IDS              telegram.owner_user_ids (comma separated)
//	DATABASE_URL                storage.dsn
//	PAYMENT_SECRET              payment.secret
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if cfg == nil {
		return nil
	}
	if getenv == nil {
		getenv = os.Getenv
	}

	if v := firstNonEmpty(getenv("BOT_TOKEN"), getenv("TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv("OWNER_USER_IDS")); v != "" {
		ids, err := parseIDList(v)
		if err != nil {
			return fmt.Errorf("OWNER_USER_IDS: %w", err)
		}
		cfg.Telegram.OwnerUserIDs = ids
	}
	if v := strings.TrimSpace(getenv("DATABASE_URL")); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		cfg.Storage.DSN = v
	}
	if v := strings.TrimSpace(getenv("PAYMENT_SECRET")); v != "" {
		if cfg.Payment == nil {
			cfg.Payment = &PaymentConfig{}
		}
		cfg.Payment.Secret = v
	}
	return nil
}

func parseIDList(s string) ([]int64, error) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", p)
		}
		out = append(out, id)
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
