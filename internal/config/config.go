// Package config loads server settings from defaults, an optional YAML
// file named by CONFIG_FILE, and environment variables (PORT,
// DATABASE_URL, ...), in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all server settings.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	LedgerURL     string
	LedgerTimeout time.Duration
	AccessURL     string

	SubscriptionURL     string
	SubscriptionTimeout time.Duration

	SweepInterval time.Duration
	SweepBatch    int
	SweepWorkers  int

	SettlementTimeout time.Duration
	ClaimLease        time.Duration
	CommissionPercent decimal.Decimal
	BidMaxAttempts    int

	EligibilityCacheMB  int
	EligibilityCacheTTL time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", 5*time.Second)
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_topic", "auction-events")
	v.SetDefault("ledger_url", "")
	v.SetDefault("ledger_timeout", 3*time.Second)
	v.SetDefault("access_url", "")
	v.SetDefault("subscription_url", "")
	v.SetDefault("subscription_timeout", 2*time.Second)
	v.SetDefault("sweep_interval", time.Second)
	v.SetDefault("sweep_batch", 200)
	v.SetDefault("sweep_workers", 16)
	v.SetDefault("settlement_timeout", 30*time.Second)
	v.SetDefault("claim_lease", 2*time.Minute)
	v.SetDefault("commission_percent", "10")
	v.SetDefault("bid_max_attempts", 5)
	v.SetDefault("eligibility_cache_mb", 16)
	v.SetDefault("eligibility_cache_ttl", 30*time.Second)
}

// Load reads the configuration.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	commission, err := decimal.NewFromString(v.GetString("commission_percent"))
	if err != nil {
		return nil, fmt.Errorf("commission_percent: %w", err)
	}

	cfg := &Config{
		Port:                v.GetString("port"),
		DatabaseURL:         v.GetString("database_url"),
		RedisURL:            v.GetString("redis_url"),
		CacheTTL:            v.GetDuration("cache_ttl"),
		KafkaBrokers:        splitList(v.GetString("kafka_brokers")),
		KafkaTopic:          v.GetString("kafka_topic"),
		LedgerURL:           v.GetString("ledger_url"),
		LedgerTimeout:       v.GetDuration("ledger_timeout"),
		AccessURL:           v.GetString("access_url"),
		SubscriptionURL:     v.GetString("subscription_url"),
		SubscriptionTimeout: v.GetDuration("subscription_timeout"),
		SweepInterval:       v.GetDuration("sweep_interval"),
		SweepBatch:          v.GetInt("sweep_batch"),
		SweepWorkers:        v.GetInt("sweep_workers"),
		SettlementTimeout:   v.GetDuration("settlement_timeout"),
		ClaimLease:          v.GetDuration("claim_lease"),
		CommissionPercent:   commission,
		BidMaxAttempts:      v.GetInt("bid_max_attempts"),
		EligibilityCacheMB:  v.GetInt("eligibility_cache_mb"),
		EligibilityCacheTTL: v.GetDuration("eligibility_cache_ttl"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.CommissionPercent.IsNegative() || c.CommissionPercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("commission_percent must be in [0, 100), got %s", c.CommissionPercent))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	if c.SweepBatch < 1 {
		errs = append(errs, errors.New("sweep_batch must be at least 1"))
	}
	if c.SweepWorkers < 1 {
		errs = append(errs, errors.New("sweep_workers must be at least 1"))
	}
	if c.BidMaxAttempts < 1 {
		errs = append(errs, errors.New("bid_max_attempts must be at least 1"))
	}
	if c.SettlementTimeout <= 0 {
		errs = append(errs, errors.New("settlement_timeout must be positive"))
	}
	if c.ClaimLease <= c.SettlementTimeout {
		errs = append(errs, errors.New("claim_lease must exceed settlement_timeout"))
	}
	if c.SubscriptionTimeout <= 0 {
		errs = append(errs, errors.New("subscription_timeout must be positive"))
	}
	if c.EligibilityCacheTTL < time.Second {
		// freecache counts in whole seconds, 0 meaning never expire.
		errs = append(errs, fmt.Errorf("eligibility_cache_ttl must be at least 1s, got %s", c.EligibilityCacheTTL))
	}
	if c.EligibilityCacheMB < 1 {
		errs = append(errs, errors.New("eligibility_cache_mb must be at least 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
