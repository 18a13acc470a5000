// Package config defines all configuration for the collector.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Venues   map[string]VenueConfig `mapstructure:"venues"`
	Pipeline PipelineConfig         `mapstructure:"pipeline"`
	Detector DetectorConfig         `mapstructure:"detector"`
	Logging  LoggingConfig          `mapstructure:"logging"`
	Status   StatusConfig           `mapstructure:"status"`
}

// VenueConfig holds one venue's endpoints, credentials, and
// subscription plan. Credential presence selects between public-only
// and authenticated mode.
type VenueConfig struct {
	RestURL      string `mapstructure:"rest_url"`
	PublicWSURL  string `mapstructure:"public_ws_url"`
	PrivateWSURL string `mapstructure:"private_ws_url"`
	Testnet      bool   `mapstructure:"testnet"`

	// InsecureSkipVerify disables TLS verification for this venue.
	// Development use only.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`

	APIKey          string `mapstructure:"api_key"`
	APISecret       string `mapstructure:"api_secret"`
	AccountIndex    int64  `mapstructure:"account_index"`
	APIKeyIndex     int64  `mapstructure:"api_key_index"`
	L1Address       string `mapstructure:"l1_address"`
	StarkPrivateKey string `mapstructure:"stark_private_key"`

	Subscriptions SubscriptionConfig `mapstructure:"subscriptions"`
	Balance       BalanceConfig      `mapstructure:"balance"`
}

// Authenticated reports whether the venue has credentials for the
// private socket.
func (v VenueConfig) Authenticated() bool {
	return v.APISecret != "" || v.StarkPrivateKey != ""
}

// SubscriptionConfig selects the subscription plan. Mode "predefined"
// subscribes the listed symbols; mode "dynamic" discovers symbols from
// venue metadata at connect.
type SubscriptionConfig struct {
	Mode    string   `mapstructure:"mode"`
	Symbols []string `mapstructure:"symbols"`

	Ticker    bool `mapstructure:"ticker"`
	OrderBook bool `mapstructure:"orderbook"`
	Trades    bool `mapstructure:"trades"`
	UserData  bool `mapstructure:"user_data"`
}

// BalanceConfig selects the balance-refresh policy: rely on the private
// channel, or poll REST as a fallback.
type BalanceConfig struct {
	UseWebsocket        bool `mapstructure:"use_websocket"`
	RestIntervalSeconds int  `mapstructure:"rest_interval_seconds"`
}

// PipelineConfig sizes the fan-in queues.
type PipelineConfig struct {
	OrderBookQueueSize int `mapstructure:"orderbook_queue_size"`
	TickerQueueSize    int `mapstructure:"ticker_queue_size"`
	AnalysisQueueSize  int `mapstructure:"analysis_queue_size"`
}

// DetectorConfig holds the opportunity thresholds. Values are decimal
// strings to avoid float drift in comparisons.
type DetectorConfig struct {
	MinPriceSpreadPct   string `mapstructure:"min_price_spread_pct"`
	MinFundingSpreadAbs string `mapstructure:"min_funding_spread_abs"`
	MinExecutableSize   string `mapstructure:"min_executable_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StatusConfig controls the health/metrics HTTP server.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`

	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_<VENUE>_API_SECRET and
// ARB_<VENUE>_STARK_PRIVATE_KEY (venue name uppercased).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	for name, vc := range cfg.Venues {
		prefix := "ARB_" + strings.ToUpper(name)
		if key := os.Getenv(prefix + "_API_KEY"); key != "" {
			vc.APIKey = key
		}
		if secret := os.Getenv(prefix + "_API_SECRET"); secret != "" {
			vc.APISecret = secret
		}
		if key := os.Getenv(prefix + "_STARK_PRIVATE_KEY"); key != "" {
			vc.StarkPrivateKey = key
		}
		cfg.Venues[name] = vc
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Venues) == 0 {
		return fmt.Errorf("at least one venue must be configured")
	}
	for name, v := range c.Venues {
		if v.PublicWSURL == "" {
			return fmt.Errorf("venues.%s.public_ws_url is required", name)
		}
		if v.RestURL == "" {
			return fmt.Errorf("venues.%s.rest_url is required", name)
		}
		switch v.Subscriptions.Mode {
		case "predefined", "dynamic":
		case "":
			return fmt.Errorf("venues.%s.subscriptions.mode is required (predefined or dynamic)", name)
		default:
			return fmt.Errorf("venues.%s.subscriptions.mode must be predefined or dynamic", name)
		}
		if v.Subscriptions.Mode == "predefined" && len(v.Subscriptions.Symbols) == 0 {
			return fmt.Errorf("venues.%s: predefined mode requires a symbol list", name)
		}
		if v.Subscriptions.UserData && !v.Authenticated() {
			return fmt.Errorf("venues.%s: user_data requires credentials", name)
		}
		if v.Authenticated() && v.PrivateWSURL == "" {
			return fmt.Errorf("venues.%s.private_ws_url is required with credentials", name)
		}
		if !v.Balance.UseWebsocket && v.Balance.RestIntervalSeconds <= 0 && v.Subscriptions.UserData {
			return fmt.Errorf("venues.%s.balance: rest_interval_seconds must be > 0 when not using the websocket", name)
		}
	}
	if c.Pipeline.OrderBookQueueSize < 0 || c.Pipeline.TickerQueueSize < 0 || c.Pipeline.AnalysisQueueSize < 0 {
		return fmt.Errorf("pipeline queue sizes must be >= 0")
	}
	if c.Status.Enabled && (c.Status.Port <= 0 || c.Status.Port > 65535) {
		return fmt.Errorf("status.port must be a valid TCP port")
	}
	return nil
}
