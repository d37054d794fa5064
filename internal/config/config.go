package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log         LoggingConfig    `yaml:"log"`
	REST        RESTConfig       `yaml:"rest"`
	WS          WSConfig         `yaml:"ws"`
	History     HistoryConfig    `yaml:"history"`
	Instruments InstrumentConfig `yaml:"instruments"`
	Candles     CandleConfig     `yaml:"candles"`
	Server      ServerConfig     `yaml:"server"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	State       StateConfig      `yaml:"state"`
	Redis       RedisConfig      `yaml:"redis"`
	Telegram    TelegramConfig   `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL          string        `yaml:"url"`
	PingInterval time.Duration `yaml:"ping_interval"`
	QueueSize    int           `yaml:"queue_size"`
}

type HistoryConfig struct {
	Enabled     *bool         `yaml:"enabled"`
	Timeout     time.Duration `yaml:"timeout"`
	Limit       int           `yaml:"limit"`
	Concurrency int           `yaml:"concurrency"`
}

func (h HistoryConfig) EnabledValue() bool {
	return h.Enabled == nil || *h.Enabled
}

type InstrumentConfig struct {
	Symbols         []string `yaml:"symbols"`
	Default         string   `yaml:"default"`
	UnknownLogLevel string   `yaml:"unknown_log_level"`
}

type CandleConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Window      int           `yaml:"window"`
	Padding     float64       `yaml:"padding"`
	FlatPadding float64       `yaml:"flat_padding"`
	Location    string        `yaml:"location"`
}

type ServerConfig struct {
	Address         string        `yaml:"address"`
	RelayBuffer     int           `yaml:"relay_buffer"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	OriginPatterns  []string      `yaml:"origin_patterns"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled == nil || *m.Enabled
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.exchange.coinbase.com"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://ws-feed.exchange.coinbase.com"
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.WS.QueueSize == 0 {
		cfg.WS.QueueSize = 256
	}
	if cfg.History.Enabled == nil {
		enabled := true
		cfg.History.Enabled = &enabled
	}
	if cfg.History.Timeout == 0 {
		cfg.History.Timeout = 5 * time.Second
	}
	if cfg.History.Limit == 0 {
		cfg.History.Limit = 100
	}
	if cfg.History.Concurrency == 0 {
		cfg.History.Concurrency = 4
	}
	if len(cfg.Instruments.Symbols) == 0 {
		cfg.Instruments.Symbols = []string{"BTC-USD", "ETH-USD", "SOL-USD"}
	}
	if cfg.Instruments.Default == "" {
		cfg.Instruments.Default = cfg.Instruments.Symbols[0]
	}
	if cfg.Instruments.UnknownLogLevel == "" {
		cfg.Instruments.UnknownLogLevel = "debug"
	}
	if cfg.Candles.Interval == 0 {
		cfg.Candles.Interval = time.Minute
	}
	if cfg.Candles.Window == 0 {
		cfg.Candles.Window = 100
	}
	if cfg.Candles.Padding == 0 {
		cfg.Candles.Padding = 0.5
	}
	if cfg.Candles.FlatPadding == 0 {
		cfg.Candles.FlatPadding = 0.005
	}
	if cfg.Candles.Location == "" {
		cfg.Candles.Location = "UTC"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = "127.0.0.1:8000"
	}
	if cfg.Server.RelayBuffer == 0 {
		cfg.Server.RelayBuffer = 64
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/candlefeed.db"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Redis.ChannelPrefix == "" {
		cfg.Redis.ChannelPrefix = "candles"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CANDLEFEED_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("CANDLEFEED_SERVER_ADDRESS")); v != "" {
		cfg.Server.Address = v
	}
	if v := strings.TrimSpace(os.Getenv("CANDLEFEED_REDIS_PASSWORD")); v != "" {
		cfg.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("CANDLEFEED_TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("CANDLEFEED_TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Instruments.Symbols))
	for _, symbol := range cfg.Instruments.Symbols {
		if strings.TrimSpace(symbol) == "" {
			return errors.New("instruments.symbols must not contain empty entries")
		}
		if _, dup := seen[symbol]; dup {
			return fmt.Errorf("instruments.symbols contains duplicate %q", symbol)
		}
		seen[symbol] = struct{}{}
	}
	if _, ok := seen[cfg.Instruments.Default]; !ok {
		return fmt.Errorf("instruments.default %q is not in instruments.symbols", cfg.Instruments.Default)
	}
	switch cfg.Instruments.UnknownLogLevel {
	case "debug", "info", "warn":
	default:
		return errors.New("instruments.unknown_log_level must be debug, info or warn")
	}
	if cfg.Candles.Interval < time.Second || cfg.Candles.Interval%time.Second != 0 {
		return errors.New("candles.interval must be a whole number of seconds")
	}
	if cfg.Candles.Window < 0 {
		return errors.New("candles.window must be >= 0")
	}
	if cfg.Candles.Padding < 0 || cfg.Candles.FlatPadding < 0 {
		return errors.New("candles padding must be >= 0")
	}
	if _, err := time.LoadLocation(cfg.Candles.Location); err != nil {
		return fmt.Errorf("candles.location: %w", err)
	}
	if cfg.History.Timeout < 0 {
		return errors.New("history.timeout must be >= 0")
	}
	if cfg.History.Limit < 0 || cfg.History.Concurrency < 0 {
		return errors.New("history.limit and history.concurrency must be >= 0")
	}
	if cfg.WS.PingInterval < 0 {
		return errors.New("ws.ping_interval must be >= 0")
	}
	if cfg.Metrics.EnabledValue() && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}

// LoadLocation resolves candles.location, falling back to UTC.
func (c CandleConfig) LoadLocation() *time.Location {
	loc, err := time.LoadLocation(c.Location)
	if err != nil {
		return time.UTC
	}
	return loc
}
