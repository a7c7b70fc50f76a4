// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"reportsched/internal/adapter/scheduler"
	"reportsched/internal/shared"
)

// Config holds application configuration values.
type Config struct {
	Env  string `validate:"required,oneof=dev prod"`
	HTTP struct {
		Addr            string        `validate:"required"`
		ShutdownTimeout time.Duration `validate:"gt=0"`
	}
	Store struct {
		DSN         string        `validate:"required"`
		StateTTL    time.Duration `validate:"gt=0"`
		WaitTimeout time.Duration `validate:"gte=0"`
	}
	Schedule struct {
		Tick        string   `validate:"required,cronspec"`
		Purge       string   `validate:"required,cronspec"`
		Tenants     []string `validate:"dive,required,max=256"`
		Concurrency int      `validate:"gte=1,lte=256"`
	}
	Report struct {
		URL     string        `validate:"required,url"`
		Token   string
		Timeout time.Duration `validate:"gt=0"`
		Retries int           `validate:"gte=0,lte=10"`
	}
	Telegram struct {
		Token  string
		ChatID string
	}
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
		return scheduler.Validate(fl.Field().String()) == nil
	})
	return v
}

// Load reads configuration from environment variables and an optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var (
		c    Config
		errs []error
	)
	dur := func(key, def string) time.Duration {
		d, err := time.ParseDuration(getenv(key, def))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}
	num := func(key string, def int) int {
		raw := os.Getenv(key)
		if raw == "" {
			return def
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return n
	}

	c.Env = getenv("ENV", "prod")
	c.HTTP.Addr = getenv("HTTP_ADDR", ":8080")
	c.HTTP.ShutdownTimeout = dur("SHUTDOWN_TIMEOUT", "15s")

	c.Store.DSN = getenv("STORE_DSN", "sqlite://data/scheduler.db")
	c.Store.StateTTL = dur("STATE_TTL", "2160h")
	c.Store.WaitTimeout = dur("STORE_WAIT_TIMEOUT", "1m")

	c.Schedule.Tick = getenv("SCHEDULE", "@every 15m")
	c.Schedule.Purge = getenv("PURGE_SCHEDULE", "@every 1h")
	c.Schedule.Tenants = splitList(os.Getenv("TENANTS"))
	c.Schedule.Concurrency = num("TICK_CONCURRENCY", 8)

	c.Report.URL = os.Getenv("REPORT_URL")
	c.Report.Token = os.Getenv("REPORT_TOKEN")
	c.Report.Timeout = dur("REPORT_TIMEOUT", "30s")
	c.Report.Retries = num("REPORT_RETRIES", 2)

	c.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	c.Telegram.ChatID = os.Getenv("TELEGRAM_CHAT_ID")

	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = getenv("LOG_FILE", "data/logs/scheduler.log")

	if len(errs) > 0 {
		return Config{}, shared.MarkKind(errors.Join(errs...), shared.KindValidation)
	}
	if err := validate.Struct(c); err != nil {
		return Config{}, shared.MarkKind(err, shared.KindValidation)
	}
	if (c.Telegram.Token == "") != (c.Telegram.ChatID == "") {
		return Config{}, shared.MarkKind(
			errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together"), shared.KindValidation)
	}
	return c, nil
}

// NotificationsEnabled reports whether operator notifications are configured.
func (c Config) NotificationsEnabled() bool {
	return c.Telegram.Token != "" && c.Telegram.ChatID != ""
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

// splitList parses a comma-separated list, dropping blanks and duplicates.
func splitList(s string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return out
}
