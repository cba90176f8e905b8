package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrConfigurationMismatch signals an engine configuration whose asset and
// feed declarations do not line up (missing feed, duplicate symbol, zero
// decimals).
var ErrConfigurationMismatch = errors.New("configuration mismatch")

// DscSymbol is the synthetic stablecoin's symbol. The registry registers
// it automatically, so no collateral asset may claim it.
const DscSymbol = "DSC"

// AssetConfig declares one supported collateral asset and the oracle feed
// that prices it in USD.
type AssetConfig struct {
	Symbol       string `yaml:"symbol"`
	FeedID       string `yaml:"feed_id"`
	Decimals     uint8  `yaml:"decimals"`
	FeedDecimals uint8  `yaml:"feed_decimals"`
}

// EngineParams are the global risk parameters. Fractions are in basis
// points (scale 10_000), the minimum health factor is WAD-scaled (1e18).
type EngineParams struct {
	LiquidationThresholdBps uint64 `yaml:"liquidation_threshold_bps"`
	LiquidationBonusBps     uint64 `yaml:"liquidation_bonus_bps"`
	MinHealthFactor         string `yaml:"min_health_factor"`
}

// EngineConfig is the full engine configuration, loaded once at startup.
type EngineConfig struct {
	Assets []AssetConfig `yaml:"assets"`
	Params EngineParams  `yaml:"params"`
}

// Default risk parameters: 50% threshold, 10% liquidation bonus,
// minimum health factor of exactly 1.0.
func DefaultParams() EngineParams {
	return EngineParams{
		LiquidationThresholdBps: 5_000,
		LiquidationBonusBps:     1_000,
		MinHealthFactor:         "1000000000000000000",
	}
}

// Load reads and validates an engine configuration from a YAML file.
func Load(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Params == (EngineParams{}) {
		cfg.Params = DefaultParams()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every asset carries a symbol, a feed and sane
// decimal settings, and that the risk parameters are usable.
func (c *EngineConfig) Validate() error {
	if len(c.Assets) == 0 {
		return fmt.Errorf("%w: no assets configured", ErrConfigurationMismatch)
	}
	seen := make(map[string]struct{}, len(c.Assets))
	feeds := make(map[string]struct{}, len(c.Assets))
	for i, a := range c.Assets {
		if a.Symbol == "" {
			return fmt.Errorf("%w: asset %d has no symbol", ErrConfigurationMismatch, i)
		}
		if a.Symbol == DscSymbol {
			return fmt.Errorf("%w: symbol %s is reserved for the stablecoin", ErrConfigurationMismatch, DscSymbol)
		}
		if a.FeedID == "" {
			return fmt.Errorf("%w: asset %s has no price feed", ErrConfigurationMismatch, a.Symbol)
		}
		if a.Decimals == 0 || a.Decimals > 18 {
			return fmt.Errorf("%w: asset %s decimals must be 1..18, got %d", ErrConfigurationMismatch, a.Symbol, a.Decimals)
		}
		if a.FeedDecimals == 0 || a.FeedDecimals > 18 {
			return fmt.Errorf("%w: asset %s feed decimals must be 1..18, got %d", ErrConfigurationMismatch, a.Symbol, a.FeedDecimals)
		}
		if _, dup := seen[a.Symbol]; dup {
			return fmt.Errorf("%w: duplicate asset %s", ErrConfigurationMismatch, a.Symbol)
		}
		if _, dup := feeds[a.FeedID]; dup {
			return fmt.Errorf("%w: feed %s bound to more than one asset", ErrConfigurationMismatch, a.FeedID)
		}
		seen[a.Symbol] = struct{}{}
		feeds[a.FeedID] = struct{}{}
	}

	if c.Params.LiquidationThresholdBps == 0 || c.Params.LiquidationThresholdBps > 10_000 {
		return fmt.Errorf("%w: liquidation threshold %d bps out of range", ErrConfigurationMismatch, c.Params.LiquidationThresholdBps)
	}
	if c.Params.LiquidationBonusBps > 10_000 {
		return fmt.Errorf("%w: liquidation bonus %d bps out of range", ErrConfigurationMismatch, c.Params.LiquidationBonusBps)
	}
	if c.Params.MinHealthFactor == "" {
		return fmt.Errorf("%w: min health factor not set", ErrConfigurationMismatch)
	}
	return nil
}

// Asset returns the configuration for a symbol, if supported.
func (c *EngineConfig) Asset(symbol string) (AssetConfig, bool) {
	for _, a := range c.Assets {
		if a.Symbol == symbol {
			return a, true
		}
	}
	return AssetConfig{}, false
}
