package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHAT_ID", "42")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.CheckInterval)
	assert.Equal(t, 5*time.Minute, cfg.SettleDelay)
	assert.Equal(t, 24*time.Hour, cfg.CheckInExpiry)
	assert.Equal(t, ReaskNone, cfg.ReaskPolicy)
	assert.Equal(t, InsightDeterministic, cfg.InsightMode)
	assert.Equal(t, "http://localhost:8086", cfg.InfluxAddr())
	assert.Equal(t, []int64{42}, cfg.Chats())
}

func TestLoad_MissingToken(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_CHAT_ID", "42")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_InvalidDurationIsFatal(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHAT_ID", "42")
	t.Setenv("CHECK_INTERVAL", "soon")
	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			TelegramChatID:     1,
			LongPollTimeout:    30 * time.Second,
			CheckInterval:      10 * time.Minute,
			SettleDelay:        5 * time.Minute,
			Lookback:           48 * time.Hour,
			CheckInExpiry:      24 * time.Hour,
			ReaskPolicy:        ReaskNone,
			ReaskMaxAttempts:   3,
			StoreRetryAttempts: 4,
			InfluxPort:         8086,
			LedgerPath:         "data/checkins.db",
			InsightMode:        InsightDeterministic,
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(c *Config){
		"zero interval":       func(c *Config) { c.CheckInterval = 0 },
		"negative settle":     func(c *Config) { c.SettleDelay = -time.Second },
		"zero expiry":         func(c *Config) { c.CheckInExpiry = 0 },
		"lookback too short":  func(c *Config) { c.Lookback = time.Minute },
		"bad policy":          func(c *Config) { c.ReaskPolicy = "sometimes" },
		"zero attempts":       func(c *Config) { c.ReaskMaxAttempts = 0 },
		"openai without key":  func(c *Config) { c.InsightMode = InsightOpenAI },
		"yandex without cred": func(c *Config) { c.InsightMode = InsightYandex },
		"unknown mode":        func(c *Config) { c.InsightMode = "magic" },
		"bad port":            func(c *Config) { c.InfluxPort = 70000 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestValidate_ProblemOrderIsStable(t *testing.T) {
	c := &Config{
		ReaskPolicy:        ReaskNone,
		ReaskMaxAttempts:   1,
		StoreRetryAttempts: 1,
		InfluxPort:         8086,
		LedgerPath:         "l.db",
		InsightMode:        InsightDeterministic,
	}
	want := "invalid config: TELEGRAM_LONGPOLL_TIMEOUT must be positive; CHECK_INTERVAL must be positive; " +
		"CHECKIN_LOOKBACK must be positive; CHECKIN_EXPIRY must be positive"
	for i := 0; i < 20; i++ {
		err := c.Validate()
		require.Error(t, err)
		assert.Equal(t, want, err.Error())
	}
}

func TestChats_Dedup(t *testing.T) {
	c := &Config{TelegramChatID: 5, AllowedChats: []int64{7, 5, 7}}
	assert.Equal(t, []int64{5, 7}, c.Chats())
}
