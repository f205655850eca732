package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

type InsightMode string

const (
	InsightDeterministic InsightMode = "deterministic"
	InsightOpenAI        InsightMode = "openai"
	InsightYandex        InsightMode = "yandex"
)

// ReaskPolicy decides what happens to a record after its check-in expires.
type ReaskPolicy string

const (
	// ReaskNone leaves the record uncontacted after the first expiry.
	ReaskNone ReaskPolicy = "none"
	// ReaskAgain dispatches a fresh check-in until MaxAttempts is reached.
	ReaskAgain ReaskPolicy = "reask"
)

type Config struct {
	TelegramBotToken string        `env:"TELEGRAM_BOT_TOKEN,required,notEmpty"`
	TelegramChatID   int64         `env:"TELEGRAM_CHAT_ID,required"`
	AllowedChats     []int64       `env:"TELEGRAM_ALLOWED_CHATS" envSeparator:":"`
	LongPollTimeout  time.Duration `env:"TELEGRAM_LONGPOLL_TIMEOUT" envDefault:"30s"`
	AckText          string        `env:"TELEGRAM_ACK_TEXT" envDefault:"Thanks, we saved your response."`

	// Poller
	CheckInterval      time.Duration `env:"CHECK_INTERVAL" envDefault:"10m"`
	SettleDelay        time.Duration `env:"SETTLE_DELAY" envDefault:"5m"`
	Lookback           time.Duration `env:"CHECKIN_LOOKBACK" envDefault:"48h"`
	CheckInExpiry      time.Duration `env:"CHECKIN_EXPIRY" envDefault:"24h"`
	ReaskPolicy        ReaskPolicy   `env:"REASK_POLICY" envDefault:"none"`
	ReaskMaxAttempts   int           `env:"REASK_MAX_ATTEMPTS" envDefault:"3"`
	StoreRetryAttempts int           `env:"STORE_RETRY_ATTEMPTS" envDefault:"4"`
	ReconcileGrace     time.Duration `env:"RECONCILE_GRACE" envDefault:"1m"`

	// Ledger
	LedgerPath string `env:"LEDGER_PATH" envDefault:"data/checkins.db"`

	// InfluxDB
	InfluxHost         string `env:"INFLUXDB_HOST" envDefault:"localhost"`
	InfluxPort         int    `env:"INFLUXDB_PORT" envDefault:"8086"`
	InfluxDatabase     string `env:"INFLUXDB_DATABASE" envDefault:"GarminStats"`
	InfluxUsername     string `env:"INFLUXDB_USERNAME"`
	InfluxPassword     string `env:"INFLUXDB_PASSWORD"`
	InfluxSSL          bool   `env:"INFLUXDB_SSL" envDefault:"false"`
	SummaryMeasurement string `env:"SLEEP_SUMMARY_MEASUREMENT" envDefault:"SleepSummary"`
	JournalMeasurement string `env:"SLEEP_JOURNAL_MEASUREMENT" envDefault:"SleepJournal"`
	SourceTag          string `env:"SLEEP_SOURCE_TAG"`

	// Insight generation
	InsightMode      InsightMode `env:"INSIGHT_MODE" envDefault:"deterministic"`
	OpenAIAPIKey     string      `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string      `env:"OPENAI_BASE_URL"`
	OpenAIModel      string      `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	YandexOAuthToken string      `env:"YANDEX_OAUTH_TOKEN"`
	YandexFolderID   string      `env:"YANDEX_FOLDER_ID"`

	// OpenRouter (optional)
	OpenRouterReferrer string `env:"OPENROUTER_REFERRER"`
	OpenRouterTitle    string `env:"OPENROUTER_TITLE"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would make the pipeline misbehave at runtime.
func (c *Config) Validate() error {
	var problems []string
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"TELEGRAM_LONGPOLL_TIMEOUT", c.LongPollTimeout},
		{"CHECK_INTERVAL", c.CheckInterval},
		{"CHECKIN_LOOKBACK", c.Lookback},
		{"CHECKIN_EXPIRY", c.CheckInExpiry},
	}
	for _, p := range positive {
		if p.d <= 0 {
			problems = append(problems, p.name+" must be positive")
		}
	}
	if c.SettleDelay < 0 {
		problems = append(problems, "SETTLE_DELAY must not be negative")
	}
	if c.ReconcileGrace < 0 {
		problems = append(problems, "RECONCILE_GRACE must not be negative")
	}
	if c.Lookback > 0 && c.Lookback <= c.SettleDelay {
		problems = append(problems, "CHECKIN_LOOKBACK must exceed SETTLE_DELAY")
	}
	switch c.ReaskPolicy {
	case ReaskNone, ReaskAgain:
	default:
		problems = append(problems, fmt.Sprintf("REASK_POLICY %q must be %q or %q", c.ReaskPolicy, ReaskNone, ReaskAgain))
	}
	if c.ReaskMaxAttempts < 1 {
		problems = append(problems, "REASK_MAX_ATTEMPTS must be at least 1")
	}
	if c.StoreRetryAttempts < 1 {
		problems = append(problems, "STORE_RETRY_ATTEMPTS must be at least 1")
	}
	if c.InfluxPort <= 0 || c.InfluxPort > 65535 {
		problems = append(problems, "INFLUXDB_PORT out of range")
	}
	if c.LedgerPath == "" {
		problems = append(problems, "LEDGER_PATH is required")
	}
	switch c.InsightMode {
	case InsightDeterministic:
	case InsightOpenAI:
		if c.OpenAIAPIKey == "" {
			problems = append(problems, "OPENAI_API_KEY is required for INSIGHT_MODE=openai")
		}
	case InsightYandex:
		if c.YandexOAuthToken == "" || c.YandexFolderID == "" {
			problems = append(problems, "YANDEX_OAUTH_TOKEN and YANDEX_FOLDER_ID are required for INSIGHT_MODE=yandex")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown INSIGHT_MODE %q", c.InsightMode))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Chats returns the notify chat followed by any extra allowed chats, deduplicated.
func (c *Config) Chats() []int64 {
	out := []int64{c.TelegramChatID}
	seen := map[int64]bool{c.TelegramChatID: true}
	for _, id := range c.AllowedChats {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// InfluxAddr is the HTTP(S) address of the InfluxDB server.
func (c *Config) InfluxAddr() string {
	scheme := "http"
	if c.InfluxSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.InfluxHost, c.InfluxPort)
}
