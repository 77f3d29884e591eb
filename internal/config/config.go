package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rewired-gh/insiderwatch/internal/enrich"
	"github.com/rewired-gh/insiderwatch/internal/ingest"
	"github.com/rewired-gh/insiderwatch/internal/models"
	"github.com/rewired-gh/insiderwatch/internal/openinsider"
	"github.com/rewired-gh/insiderwatch/internal/qualify"
	"github.com/rewired-gh/insiderwatch/internal/yahoo"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. INSIDERWATCH_TELEGRAM_BOT_TOKEN.
const EnvPrefix = "INSIDERWATCH"

// Config represents the complete application configuration
type Config struct {
	Source   SourceConfig   `mapstructure:"source"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Market   MarketConfig   `mapstructure:"market"`
	Qualify  QualifyConfig  `mapstructure:"qualify"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// SourceConfig holds the OpenInsider screener settings
type SourceConfig struct {
	URL        string        `mapstructure:"url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	UserAgent  string        `mapstructure:"user_agent"`
}

// IngestConfig holds the admission filter
type IngestConfig struct {
	MinValue         float64  `mapstructure:"min_value"`
	TransactionCodes []string `mapstructure:"transaction_codes"`
}

// MarketConfig holds market data provider and indicator settings
type MarketConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	LookbackSessions int           `mapstructure:"lookback_sessions"`
	MinSessions      int           `mapstructure:"min_sessions"`
	ATRPeriod        int           `mapstructure:"atr_period"`
	Workers          int           `mapstructure:"workers"`
	Timeout          time.Duration `mapstructure:"timeout"`

	// MaxLookupAttempts is how many runs may try a record whose lookup failed
	MaxLookupAttempts int `mapstructure:"max_lookup_attempts"`
}

// QualifyConfig holds the liquidity and volatility bands
type QualifyConfig struct {
	MinDailyVolumeValue float64 `mapstructure:"min_daily_volume_value"`
	MinATRPercent       float64 `mapstructure:"min_atr_percent"`
	MaxATRPercent       float64 `mapstructure:"max_atr_percent"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	BotToken           string        `mapstructure:"bot_token"`
	QualifiedChatID    string        `mapstructure:"qualified_chat_id"`
	DisqualifiedChatID string        `mapstructure:"disqualified_chat_id"`
	SendInterval       time.Duration `mapstructure:"send_interval"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryDelayBase     time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from an optional .env file, the config file at
// path (skipped when empty) and INSIDERWATCH_* environment variables, in
// increasing order of precedence.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // .env is optional

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults configures default values for all configuration options.
// Every key needs a default for environment overrides to reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("source.url", openinsider.DefaultURL)
	v.SetDefault("source.timeout", "30s")
	v.SetDefault("source.max_retries", 3)
	v.SetDefault("source.user_agent", openinsider.DefaultUserAgent)

	v.SetDefault("ingest.min_value", 100_000.0)
	v.SetDefault("ingest.transaction_codes", []string{models.TransactionCodePurchase})

	v.SetDefault("market.base_url", yahoo.DefaultBaseURL)
	v.SetDefault("market.lookback_sessions", 15)
	v.SetDefault("market.min_sessions", 5)
	v.SetDefault("market.atr_period", 14)
	v.SetDefault("market.workers", 4)
	v.SetDefault("market.timeout", "20s")
	v.SetDefault("market.max_lookup_attempts", 3)

	v.SetDefault("qualify.min_daily_volume_value", 30_000_000.0)
	v.SetDefault("qualify.min_atr_percent", 7.0)
	v.SetDefault("qualify.max_atr_percent", 20.0)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.qualified_chat_id", "")
	v.SetDefault("telegram.disqualified_chat_id", "")
	v.SetDefault("telegram.send_interval", "1s")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("storage.db_path", "./data/insiderwatch.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Source.URL == "" {
		return fmt.Errorf("source.url is required")
	}
	if c.Source.Timeout <= 0 {
		return fmt.Errorf("source.timeout must be positive")
	}

	if c.Ingest.MinValue < 0 {
		return fmt.Errorf("ingest.min_value must not be negative")
	}
	if len(c.Ingest.TransactionCodes) == 0 {
		return fmt.Errorf("ingest.transaction_codes must contain at least one code")
	}

	if c.Market.LookbackSessions < 15 {
		return fmt.Errorf("market.lookback_sessions must be at least 15")
	}
	if c.Market.MinSessions < 2 {
		return fmt.Errorf("market.min_sessions must be at least 2")
	}
	if c.Market.ATRPeriod < 1 {
		return fmt.Errorf("market.atr_period must be at least 1")
	}
	if c.Market.Workers < 1 {
		return fmt.Errorf("market.workers must be at least 1")
	}
	if c.Market.MaxLookupAttempts < 1 {
		return fmt.Errorf("market.max_lookup_attempts must be at least 1")
	}

	if c.Qualify.MinDailyVolumeValue <= 0 {
		return fmt.Errorf("qualify.min_daily_volume_value must be positive")
	}
	if c.Qualify.MinATRPercent <= 0 || c.Qualify.MaxATRPercent <= 0 {
		return fmt.Errorf("qualify ATR bounds must be positive")
	}
	if c.Qualify.MinATRPercent > c.Qualify.MaxATRPercent {
		return fmt.Errorf("qualify.min_atr_percent must not exceed qualify.max_atr_percent")
	}

	if c.Telegram.SendInterval <= 0 {
		return fmt.Errorf("telegram.send_interval must be positive")
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.QualifiedChatID == "" || c.Telegram.DisqualifiedChatID == "" {
			return fmt.Errorf("telegram.qualified_chat_id and telegram.disqualified_chat_id are required when telegram is enabled")
		}
	}

	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// IngestOptions converts the ingest section for the deduplicator.
func (c *Config) IngestOptions() ingest.Config {
	return ingest.Config{
		MinValue:         decimal.NewFromFloat(c.Ingest.MinValue),
		TransactionCodes: c.Ingest.TransactionCodes,
	}
}

// EnrichOptions converts the market section for the enricher.
func (c *Config) EnrichOptions() enrich.Config {
	return enrich.Config{
		LookbackSessions: c.Market.LookbackSessions,
		MinSessions:      c.Market.MinSessions,
		ATRPeriod:        c.Market.ATRPeriod,
		Workers:          c.Market.Workers,
		Timeout:          c.Market.Timeout,
	}
}

// QualifyOptions converts the qualify section for the classifier.
func (c *Config) QualifyOptions() qualify.Config {
	return qualify.Config{
		MinDailyVolumeValue: c.Qualify.MinDailyVolumeValue,
		MinATRPercent:       c.Qualify.MinATRPercent,
		MaxATRPercent:       c.Qualify.MaxATRPercent,
	}
}

// ChatIDs maps each notification channel to its chat.
func (t TelegramConfig) ChatIDs() map[models.Channel]string {
	return map[models.Channel]string{
		models.ChannelQualified:    t.QualifiedChatID,
		models.ChannelDisqualified: t.DisqualifiedChatID,
	}
}
