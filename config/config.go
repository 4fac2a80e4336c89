// Package config loads the zen engine configuration from a YAML file,
// an optional .env file and environment variable overrides.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"zen-engine/internal/indicator"
	"zen-engine/internal/model"
	"zen-engine/internal/zen"
)

// Stream names one subscribed (symbol, freq) pair.
type Stream struct {
	Symbol string `yaml:"symbol"`
	Freq   string `yaml:"freq"`
}

// Analysis mirrors zen.Settings in config-file form.
type Analysis struct {
	BiPolicy             string  `yaml:"bi_policy"`
	StrokePowerThreshold float64 `yaml:"stroke_power_threshold"`
	MaxRetainedStrokes   int     `yaml:"max_retained_strokes"`
	MACDFast             int     `yaml:"macd_fast"`
	MACDSlow             int     `yaml:"macd_slow"`
	MACDSignal           int     `yaml:"macd_signal"`
	SMAPeriods           []int   `yaml:"sma_periods"`
}

// Config holds all application configuration.
type Config struct {
	Streams  []Stream `yaml:"streams"`
	Analysis Analysis `yaml:"analysis"`

	Redis struct {
		Addr            string `yaml:"addr"`
		Password        string `yaml:"password"`
		BarStreamPrefix string `yaml:"bar_stream_prefix"`
	} `yaml:"redis"`

	SQLitePath  string `yaml:"sqlite_path"`
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	Backfill struct {
		Source  string        `yaml:"source"` // sqlite | redis | longport | yahoo | none
		Bars    int           `yaml:"bars"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"backfill"`

	Longport struct {
		AppKey      string `yaml:"app_key"`
		AppSecret   string `yaml:"app_secret"`
		AccessToken string `yaml:"access_token"`
	} `yaml:"longport"`

	Notification struct {
		WebhookURL       string        `yaml:"webhook_url"`
		TelegramToken    string        `yaml:"telegram_token"`
		TelegramChatID   string        `yaml:"telegram_chat_id"`
		RealtimeWindow   time.Duration `yaml:"realtime_window"`
		IncludeTentative bool          `yaml:"include_tentative"`
	} `yaml:"notification"`

	// ResyncCron uses the six-field (with seconds) cron syntax.
	ResyncCron string `yaml:"resync_cron"`
}

// Load reads .env (if present), then the YAML file at path (a missing file
// is not an error), then applies environment variable overrides and defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Backfill.Source = getEnv("BACKFILL_SOURCE", c.Backfill.Source)
	c.Analysis.BiPolicy = getEnv("BI_POLICY", c.Analysis.BiPolicy)
	c.ResyncCron = getEnv("RESYNC_CRON", c.ResyncCron)

	c.Longport.AppKey = getEnv("LONGPORT_APP_KEY", c.Longport.AppKey)
	c.Longport.AppSecret = getEnv("LONGPORT_APP_SECRET", c.Longport.AppSecret)
	c.Longport.AccessToken = getEnv("LONGPORT_ACCESS_TOKEN", c.Longport.AccessToken)

	c.Notification.WebhookURL = getEnv("WEBHOOK_URL", c.Notification.WebhookURL)
	c.Notification.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", c.Notification.TelegramToken)
	c.Notification.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", c.Notification.TelegramChatID)

	if v := os.Getenv("BACKFILL_BARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Backfill.Bars = n
		}
	}
	// STREAMS="1m:AAPL,1d:MSFT" replaces the file's stream list.
	if v := os.Getenv("STREAMS"); v != "" {
		c.Streams = ParseStreams(v)
	}
}

func (c *Config) applyDefaults() {
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.BarStreamPrefix == "" {
		c.Redis.BarStreamPrefix = "bar"
	}
	if c.SQLitePath == "" {
		c.SQLitePath = "data/zen.db"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Backfill.Source == "" {
		c.Backfill.Source = "sqlite"
	}
	if c.Backfill.Bars == 0 {
		c.Backfill.Bars = 2000
	}
	if c.Backfill.Timeout == 0 {
		c.Backfill.Timeout = 30 * time.Second
	}
	if c.Notification.RealtimeWindow == 0 {
		c.Notification.RealtimeWindow = 2 * time.Hour
	}
	if c.ResyncCron == "" {
		c.ResyncCron = "0 30 5 * * *"
	}

	d := zen.DefaultSettings()
	a := &c.Analysis
	if a.BiPolicy == "" {
		a.BiPolicy = d.Policy.String()
	}
	if a.MaxRetainedStrokes == 0 {
		a.MaxRetainedStrokes = d.MaxRetainedStrokes
	}
	if a.MACDFast == 0 {
		a.MACDFast = d.MACDFast
	}
	if a.MACDSlow == 0 {
		a.MACDSlow = d.MACDSlow
	}
	if a.MACDSignal == 0 {
		a.MACDSignal = d.MACDSignal
	}
	if len(a.SMAPeriods) == 0 {
		a.SMAPeriods = append([]int(nil), indicator.DefaultSMAPeriods...)
	}
}

// Settings converts the analysis block into engine settings.
func (c *Config) Settings() (zen.Settings, error) {
	policy, err := zen.ParseBiPolicy(c.Analysis.BiPolicy)
	if err != nil {
		return zen.Settings{}, err
	}
	s := zen.Settings{
		Policy:               policy,
		StrokePowerThreshold: c.Analysis.StrokePowerThreshold,
		MaxRetainedStrokes:   c.Analysis.MaxRetainedStrokes,
		MACDFast:             c.Analysis.MACDFast,
		MACDSlow:             c.Analysis.MACDSlow,
		MACDSignal:           c.Analysis.MACDSignal,
	}
	return s, s.Validate()
}

// StreamKeys returns the configured streams as keys, skipping invalid entries.
func (c *Config) StreamKeys() []model.StreamKey {
	keys := make([]model.StreamKey, 0, len(c.Streams))
	for _, s := range c.Streams {
		freq, err := model.ParseFreq(s.Freq)
		if err != nil || strings.TrimSpace(s.Symbol) == "" {
			log.Printf("[config] skipping invalid stream %q/%q", s.Symbol, s.Freq)
			continue
		}
		keys = append(keys, model.StreamKey{Symbol: strings.TrimSpace(s.Symbol), Freq: freq})
	}
	return keys
}

// Validate checks that the configuration can start the engine.
func (c *Config) Validate() error {
	if len(c.StreamKeys()) == 0 {
		return fmt.Errorf("at least one valid stream is required")
	}
	if _, err := c.Settings(); err != nil {
		return fmt.Errorf("analysis: %w", err)
	}
	for _, p := range c.Analysis.SMAPeriods {
		if p <= 0 {
			return fmt.Errorf("analysis.sma_periods: period must be positive, got %d", p)
		}
	}
	switch c.Backfill.Source {
	case "sqlite", "redis", "yahoo", "none":
	case "longport":
		if c.Longport.AppKey == "" || c.Longport.AppSecret == "" || c.Longport.AccessToken == "" {
			return fmt.Errorf("longport credentials are required for backfill.source=longport")
		}
	default:
		return fmt.Errorf("backfill.source: unknown source %q", c.Backfill.Source)
	}
	if c.Backfill.Bars < 0 {
		return fmt.Errorf("backfill.bars must not be negative")
	}
	if (c.Notification.TelegramToken == "") != (c.Notification.TelegramChatID == "") {
		return fmt.Errorf("notification: telegram_token and telegram_chat_id must be set together")
	}
	return nil
}

// ParseStreams parses "freq:symbol" pairs separated by commas.
// Invalid entries are skipped with a log line.
func ParseStreams(s string) []Stream {
	parts := strings.Split(s, ",")
	out := make([]Stream, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		key, err := model.ParseStreamKey(p)
		if err != nil {
			log.Printf("[config] skipping invalid stream value: %q", p)
			continue
		}
		out = append(out, Stream{Symbol: key.Symbol, Freq: string(key.Freq)})
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
