package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"StableLedger/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// ============================================================================
// Test: Load
// ============================================================================

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
assets:
  - symbol: WETH
    feed_id: eth-usd
    decimals: 18
    feed_decimals: 8
  - symbol: WBTC
    feed_id: btc-usd
    decimals: 8
    feed_decimals: 8
params:
  liquidation_threshold_bps: 5000
  liquidation_bonus_bps: 1000
  min_health_factor: "1000000000000000000"
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Assets) != 2 {
		t.Fatalf("got %d assets, want 2", len(cfg.Assets))
	}
	a, ok := cfg.Asset("WBTC")
	if !ok {
		t.Fatal("WBTC should be configured")
	}
	if a.FeedID != "btc-usd" || a.Decimals != 8 {
		t.Errorf("unexpected WBTC config: %+v", a)
	}
}

func TestLoad_DefaultsParams(t *testing.T) {
	path := writeConfig(t, `
assets:
  - symbol: WETH
    feed_id: eth-usd
    decimals: 18
    feed_decimals: 8
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Params.LiquidationThresholdBps != 5000 {
		t.Errorf("got threshold %d, want default 5000", cfg.Params.LiquidationThresholdBps)
	}
	if cfg.Params.LiquidationBonusBps != 1000 {
		t.Errorf("got bonus %d, want default 1000", cfg.Params.LiquidationBonusBps)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

// ============================================================================
// Test: Validate
// ============================================================================

func TestValidate_MissingFeed(t *testing.T) {
	path := writeConfig(t, `
assets:
  - symbol: WETH
    decimals: 18
    feed_decimals: 8
`)

	_, err := config.Load(path)
	if !errors.Is(err, config.ErrConfigurationMismatch) {
		t.Errorf("got %v, want ErrConfigurationMismatch", err)
	}
}

func TestValidate_DuplicateSymbol(t *testing.T) {
	path := writeConfig(t, `
assets:
  - symbol: WETH
    feed_id: eth-usd
    decimals: 18
    feed_decimals: 8
  - symbol: WETH
    feed_id: eth-usd-2
    decimals: 18
    feed_decimals: 8
`)

	_, err := config.Load(path)
	if !errors.Is(err, config.ErrConfigurationMismatch) {
		t.Errorf("got %v, want ErrConfigurationMismatch", err)
	}
}

func TestValidate_ReservedSymbol(t *testing.T) {
	path := writeConfig(t, `
assets:
  - symbol: WETH
    feed_id: eth-usd
    decimals: 18
    feed_decimals: 8
  - symbol: DSC
    feed_id: dsc-usd
    decimals: 18
    feed_decimals: 8
`)

	// The stablecoin registers itself; a collateral asset claiming its
	// symbol would shadow it in the registry.
	_, err := config.Load(path)
	if !errors.Is(err, config.ErrConfigurationMismatch) {
		t.Errorf("got %v, want ErrConfigurationMismatch", err)
	}
}

func TestValidate_NoAssets(t *testing.T) {
	cfg := &config.EngineConfig{Params: config.DefaultParams()}
	if err := cfg.Validate(); !errors.Is(err, config.ErrConfigurationMismatch) {
		t.Errorf("got %v, want ErrConfigurationMismatch", err)
	}
}

func TestValidate_ThresholdOutOfRange(t *testing.T) {
	cfg := &config.EngineConfig{
		Assets: []config.AssetConfig{
			{Symbol: "WETH", FeedID: "eth-usd", Decimals: 18, FeedDecimals: 8},
		},
		Params: config.EngineParams{
			LiquidationThresholdBps: 10_001,
			LiquidationBonusBps:     1000,
			MinHealthFactor:         "1000000000000000000",
		},
	}
	if err := cfg.Validate(); !errors.Is(err, config.ErrConfigurationMismatch) {
		t.Errorf("got %v, want ErrConfigurationMismatch", err)
	}
}
