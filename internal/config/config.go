// Package config loads and validates the daemon configuration. The core
// consumes the resolved Config struct; flag parsing and display stay in cmd.
package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Data      ProviderConfig  `mapstructure:"data"`
	News      ProviderConfig  `mapstructure:"news"`
	Store     StoreConfig     `mapstructure:"store"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

type AppConfig struct {
	LogLevel string `mapstructure:"log_level"`
	LogPath  string `mapstructure:"log_path"`
}

// BrokerConfig is the resolved broker selection: provider name, paper flag
// and credential references. Trading binds to exactly one broker.
type BrokerConfig struct {
	Provider  string `mapstructure:"provider"`
	Paper     bool   `mapstructure:"paper"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`
	DataURL   string `mapstructure:"data_url"`
}

// ProviderConfig selects a data or news provider. An empty provider means
// "same as the trading broker"; a different one enables mixed-provider mode.
type ProviderConfig struct {
	Provider  string `mapstructure:"provider"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LedgerConfig struct {
	LotMatch        string `mapstructure:"lot_match"` // fifo | lifo | hifo
	MergeSameDay    bool   `mapstructure:"merge_same_day"`
	AllocationsPath string `mapstructure:"allocations_path"`
}

type ExecutionConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	Workers        int `mapstructure:"workers"`
}

type ReconcileConfig struct {
	Interval             string  `mapstructure:"interval"`
	ShareTolerance       float64 `mapstructure:"share_tolerance"`
	CashTolerance        float64 `mapstructure:"cash_tolerance"`
	RecentWindowSeconds  int     `mapstructure:"recent_window_seconds"`
	HaltAfterDirtyPasses int     `mapstructure:"halt_after_dirty_passes"`
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TESSERA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/tessera.db"
	}
	if c.Ledger.LotMatch == "" {
		c.Ledger.LotMatch = "fifo"
	}
	if c.Execution.TimeoutSeconds <= 0 {
		c.Execution.TimeoutSeconds = 15
	}
	if c.Execution.Workers <= 0 {
		c.Execution.Workers = 4
	}
	if c.Reconcile.Interval == "" {
		c.Reconcile.Interval = "5m"
	}
	if c.Reconcile.ShareTolerance <= 0 {
		c.Reconcile.ShareTolerance = 0.001
	}
	if c.Reconcile.CashTolerance <= 0 {
		c.Reconcile.CashTolerance = 0.01
	}
	if c.Reconcile.RecentWindowSeconds <= 0 {
		c.Reconcile.RecentWindowSeconds = 120
	}
	if c.Reconcile.HaltAfterDirtyPasses <= 0 {
		c.Reconcile.HaltAfterDirtyPasses = 3
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = "127.0.0.1:8743"
	}
}

func validate(c *Config) error {
	if strings.TrimSpace(c.Broker.Provider) == "" {
		return fmt.Errorf("broker.provider is required")
	}
	switch strings.ToLower(c.Ledger.LotMatch) {
	case "fifo", "lifo", "hifo":
	default:
		return fmt.Errorf("ledger.lot_match must be fifo, lifo or hifo, got %q", c.Ledger.LotMatch)
	}
	return nil
}

// DataConfig resolves the market-data selection: when no dedicated data
// provider is configured, the trading broker doubles as the data source.
func (c *Config) DataConfig() ProviderConfig {
	if strings.TrimSpace(c.Data.Provider) == "" {
		return ProviderConfig{
			Provider:  c.Broker.Provider,
			APIKey:    c.Broker.APIKey,
			APISecret: c.Broker.APISecret,
			BaseURL:   c.Broker.DataURL,
		}
	}
	return c.Data
}
