// Package config loads the runtime configuration document. Settings are read
// from a JSON or YAML file, credentials may be overridden through
// TIDEMARK_{VENUE}_{PARAMETER} environment variables so keys stay out of
// files checked into version control.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/tidemark-io/tidemark/currency"
	"github.com/tidemark-io/tidemark/exchanges/fee"
)

const envPrefix = "TIDEMARK"

var (
	// ErrConnectorNotFound is returned when settings for an unknown venue
	// are requested
	ErrConnectorNotFound = errors.New("connector settings not found")

	errNoConnectors = errors.New("no connectors configured")
)

// Settings is the top level configuration document
type Settings struct {
	Logging    LoggingSettings               `mapstructure:"logging"`
	Connectors map[string]ConnectorSettings  `mapstructure:"connectors"`
}

// LoggingSettings selects the global log verbosity
type LoggingSettings struct {
	Level string `mapstructure:"level"`
}

// ConnectorSettings carries one venue's credentials and trading scope.
// Fee percents are strings so zero stays distinguishable from unset.
type ConnectorSettings struct {
	APIKey          string   `mapstructure:"api_key"`
	Secret          string   `mapstructure:"secret"`
	Pairs           []string `mapstructure:"pairs"`
	TradingRequired bool     `mapstructure:"trading_required"`

	MakerFeePercent string `mapstructure:"maker_fee_percent"`
	TakerFeePercent string `mapstructure:"taker_fee_percent"`

	// RateLimitMultiplier scales every throttler capacity, 0 means 1.0
	RateLimitMultiplier float64 `mapstructure:"rate_limit_multiplier"`
}

// Load reads the configuration file at path and applies environment
// overrides
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	s.applyEnvOverrides()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// applyEnvOverrides replaces per venue credentials from flat
// TIDEMARK_{VENUE}_{PARAMETER} variables
func (s *Settings) applyEnvOverrides() {
	for name, c := range s.Connectors {
		prefix := envPrefix + "_" + strings.ToUpper(name) + "_"
		if key := os.Getenv(prefix + "API_KEY"); key != "" {
			c.APIKey = key
		}
		if secret := os.Getenv(prefix + "SECRET"); secret != "" {
			c.Secret = secret
		}
		s.Connectors[name] = c
	}
}

// Validate checks structural requirements of the document
func (s *Settings) Validate() error {
	if len(s.Connectors) == 0 {
		return errNoConnectors
	}
	for name, c := range s.Connectors {
		if len(c.Pairs) == 0 {
			return fmt.Errorf("connector %s: at least one pair is required", name)
		}
		for _, raw := range c.Pairs {
			if _, err := currency.NewPairFromString(raw); err != nil {
				return fmt.Errorf("connector %s: %w", name, err)
			}
		}
		if c.TradingRequired && (c.APIKey == "" || c.Secret == "") {
			return fmt.Errorf("connector %s: credentials required when trading is enabled", name)
		}
		if c.RateLimitMultiplier < 0 {
			return fmt.Errorf("connector %s: rate_limit_multiplier must not be negative", name)
		}
		if _, err := c.FeeOverrides(); err != nil {
			return fmt.Errorf("connector %s: %w", name, err)
		}
	}
	return nil
}

// Connector returns the settings for one venue by name
func (s *Settings) Connector(name string) (ConnectorSettings, error) {
	c, ok := s.Connectors[name]
	if !ok {
		return ConnectorSettings{}, fmt.Errorf("%w: %s", ErrConnectorNotFound, name)
	}
	return c, nil
}

// TradingPairs parses the configured pair strings
func (c ConnectorSettings) TradingPairs() (currency.Pairs, error) {
	out := make(currency.Pairs, len(c.Pairs))
	for i, raw := range c.Pairs {
		pair, err := currency.NewPairFromString(raw)
		if err != nil {
			return nil, err
		}
		out[i] = pair
	}
	return out, nil
}

// FeeOverrides converts the configured fee percents, leaving unset fields nil
// so the venue schema applies
func (c ConnectorSettings) FeeOverrides() (fee.Overrides, error) {
	var out fee.Overrides
	if c.MakerFeePercent != "" {
		maker, err := decimal.NewFromString(c.MakerFeePercent)
		if err != nil {
			return fee.Overrides{}, fmt.Errorf("maker_fee_percent: %w", err)
		}
		out.MakerPercent = &maker
	}
	if c.TakerFeePercent != "" {
		taker, err := decimal.NewFromString(c.TakerFeePercent)
		if err != nil {
			return fee.Overrides{}, fmt.Errorf("taker_fee_percent: %w", err)
		}
		out.TakerPercent = &taker
	}
	return out, nil
}
