package engine_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"StableLedger/internal/engine"
	"StableLedger/internal/fixedmath"
)

// underwaterTarget builds a target with 10 ETH deposited and 10_000 DSC
// minted at $2000, then drops ETH so the target's health factor sinks
// below 1. Returns the target and a solvent liquidator holding DSC.
func underwaterTarget(t *testing.T, f *fixture, newEthPrice uint64) (target, liquidator uuid.UUID) {
	t.Helper()

	target = f.fundedUser(t, 10, 10)
	if _, err := f.engine.MintDsc(target, wad(10_000)); err != nil {
		t.Fatalf("target mint: %v", err)
	}

	// A large WBTC position keeps the liquidator healthy regardless of
	// the ETH price.
	liquidator = uuid.New()
	f.vault.Fund("WBTC", liquidator, uint256.NewInt(10_0000_0000)) // 10 BTC
	if _, err := f.engine.DepositCollateral(liquidator, "WBTC", uint256.NewInt(10_0000_0000)); err != nil {
		t.Fatalf("liquidator deposit: %v", err)
	}
	if _, err := f.engine.MintDsc(liquidator, wad(20_000)); err != nil {
		t.Fatalf("liquidator mint: %v", err)
	}

	f.prices.Set("eth-usd", uint256.NewInt(newEthPrice), 8)
	return target, liquidator
}

// ============================================================================
// Test: Liquidate
// ============================================================================

func TestLiquidate_HealthyTarget(t *testing.T) {
	f := newFixture(t, nil, nil)
	target := f.fundedUser(t, 10, 10)
	f.engine.MintDsc(target, wad(1000))

	liquidator := uuid.New()
	_, err := f.engine.Liquidate(liquidator, target, "WETH", wad(500))
	if !errors.Is(err, engine.ErrHealthFactorOk) {
		t.Errorf("got %v, want ErrHealthFactorOk", err)
	}
}

func TestLiquidate_DebtFreeTarget(t *testing.T) {
	f := newFixture(t, nil, nil)
	target := f.fundedUser(t, 10, 10)

	_, err := f.engine.Liquidate(uuid.New(), target, "WETH", wad(500))
	if !errors.Is(err, engine.ErrHealthFactorOk) {
		t.Errorf("got %v, want ErrHealthFactorOk", err)
	}
}

func TestLiquidate_ZeroCover(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.engine.Liquidate(uuid.New(), uuid.New(), "WETH", new(uint256.Int))
	if !errors.Is(err, engine.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

func TestLiquidate_PaysBonus(t *testing.T) {
	f := newFixture(t, nil, nil)
	// ETH drops to $1800: target hf = 9000/10000 = 0.9.
	target, liquidator := underwaterTarget(t, f, 1800_0000_0000)

	rec, err := f.engine.Liquidate(liquidator, target, "WETH", wad(3600))
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	if rec.Target != target {
		t.Errorf("record target = %s, want %s", rec.Target, target)
	}

	// 3600 USD at $1800 = 2 ETH, plus 10% bonus = 2.2 ETH.
	wantSeize := new(uint256.Int).Div(wad(22), uint256.NewInt(10))
	if got := f.vault.WalletBalance("WETH", liquidator); got.Cmp(wantSeize) != 0 {
		t.Errorf("liquidator received %s, want 2.2e18", got.Dec())
	}
	if got := f.engine.DebtOf(target); got.Cmp(wad(6400)) != 0 {
		t.Errorf("target debt = %s, want 6400e18", got.Dec())
	}
	bal, _ := f.engine.CollateralBalance(target, "WETH")
	want := new(uint256.Int).Div(wad(78), uint256.NewInt(10))
	if bal.Cmp(want) != 0 {
		t.Errorf("target collateral = %s, want 7.8e18", bal.Dec())
	}
	// Liquidator paid 3600 DSC out of 20_000.
	if got := f.vault.WalletBalance("DSC", liquidator); got.Cmp(wad(16_400)) != 0 {
		t.Errorf("liquidator DSC = %s, want 16_400e18", got.Dec())
	}
}

func TestLiquidate_ImprovesHealthFactor(t *testing.T) {
	f := newFixture(t, nil, nil)
	target, liquidator := underwaterTarget(t, f, 1800_0000_0000)

	before, _ := f.engine.HealthFactor(target)
	if _, err := f.engine.Liquidate(liquidator, target, "WETH", wad(5000)); err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	after, _ := f.engine.HealthFactor(target)
	if !after.Gt(before) {
		t.Errorf("health factor did not improve: %s -> %s", before.Dec(), after.Dec())
	}
	if err := f.engine.ValidateConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestLiquidate_CapsCoverAtTargetDebt(t *testing.T) {
	f := newFixture(t, nil, nil)
	target, liquidator := underwaterTarget(t, f, 1800_0000_0000)

	rec, err := f.engine.Liquidate(liquidator, target, "WETH", wad(50_000))
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	if rec.Amount.Cmp(wad(10_000)) != 0 {
		t.Errorf("covered %s, want capped 10_000e18", rec.Amount.Dec())
	}
	if got := f.engine.DebtOf(target); !got.IsZero() {
		t.Errorf("target debt = %s, want 0", got.Dec())
	}
}

func TestLiquidate_CapsSeizureAtTargetCollateral(t *testing.T) {
	f := newFixture(t, nil, nil)
	// ETH crashes to $900: the whole position is worth 9000 USD against
	// 10_000 debt, so covering everything would want 11_000 USD of ETH
	// plus bonus. Seizure caps at the 10 ETH the target actually holds.
	target, liquidator := underwaterTarget(t, f, 900_0000_0000)

	if _, err := f.engine.Liquidate(liquidator, target, "WETH", wad(10_000)); err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	bal, _ := f.engine.CollateralBalance(target, "WETH")
	if !bal.IsZero() {
		t.Errorf("target collateral = %s, want fully seized", bal.Dec())
	}
	if got := f.vault.WalletBalance("WETH", liquidator); got.Cmp(wad(10)) != 0 {
		t.Errorf("liquidator received %s, want all 10e18", got.Dec())
	}
	if got := f.engine.DebtOf(target); !got.IsZero() {
		t.Errorf("target debt = %s, want 0", got.Dec())
	}
}

func TestLiquidate_NotImproved(t *testing.T) {
	f := newFixture(t, nil, nil)
	// At $1050 the position is worth 10_500 USD against 10_000 debt.
	// Collateral is below 1.1x debt, so a partial liquidation removes
	// value faster than it retires debt and the health factor falls.
	target, liquidator := underwaterTarget(t, f, 1050_0000_0000)

	debtBefore := f.engine.DebtOf(target)
	_, err := f.engine.Liquidate(liquidator, target, "WETH", wad(1000))
	if !errors.Is(err, engine.ErrHealthFactorNotImproved) {
		t.Fatalf("got %v, want ErrHealthFactorNotImproved", err)
	}
	if got := f.engine.DebtOf(target); got.Cmp(debtBefore) != 0 {
		t.Errorf("rejected liquidation must not change debt: %s", got.Dec())
	}
	bal, _ := f.engine.CollateralBalance(target, "WETH")
	if bal.Cmp(wad(10)) != 0 {
		t.Errorf("rejected liquidation must not move collateral: %s", bal.Dec())
	}
}

func TestLiquidate_UnhealthyLiquidator(t *testing.T) {
	f := newFixture(t, nil, nil)
	// Both accounts hold only ETH positions, so the price drop sinks the
	// liquidator too.
	target := f.fundedUser(t, 10, 10)
	f.engine.MintDsc(target, wad(10_000))

	liquidator := f.fundedUser(t, 10, 10)
	f.engine.MintDsc(liquidator, wad(10_000))

	f.prices.Set("eth-usd", uint256.NewInt(1800_0000_0000), 8)

	_, err := f.engine.Liquidate(liquidator, target, "WETH", wad(3600))
	var bhf *engine.BreaksHealthFactorError
	if !errors.As(err, &bhf) {
		t.Fatalf("got %v, want BreaksHealthFactorError for liquidator", err)
	}
	if got := f.engine.DebtOf(target); got.Cmp(wad(10_000)) != 0 {
		t.Errorf("rejected liquidation must not change target debt: %s", got.Dec())
	}
}

func TestLiquidate_LiquidatorWithoutDsc(t *testing.T) {
	f := newFixture(t, nil, nil)
	target, liquidator := underwaterTarget(t, f, 1800_0000_0000)

	// Drain the liquidator's DSC wallet; the ledger debt stays.
	f.vault.Dsc("DSC").Burn(liquidator, wad(20_000))

	_, err := f.engine.Liquidate(liquidator, target, "WETH", wad(3600))
	if !errors.Is(err, engine.ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}
	if got := f.engine.DebtOf(target); got.Cmp(wad(10_000)) != 0 {
		t.Errorf("failed liquidation must not change target debt: %s", got.Dec())
	}
	if err := f.engine.ValidateConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestLiquidate_UnsupportedAsset(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.engine.Liquidate(uuid.New(), uuid.New(), "DOGE", wad(1))
	if !errors.Is(err, engine.ErrUnsupportedAsset) {
		t.Errorf("got %v, want ErrUnsupportedAsset", err)
	}
}

func TestLiquidate_PriceBoundary(t *testing.T) {
	f := newFixture(t, nil, nil)
	target := f.fundedUser(t, 10, 10)
	f.engine.MintDsc(target, wad(10_000))

	// At exactly hf == 1e18 the target is not liquidatable.
	hf, _ := f.engine.HealthFactor(target)
	if hf.Cmp(fixedmath.Wad) != 0 {
		t.Fatalf("setup: hf = %s, want exactly 1e18", hf.Dec())
	}
	_, err := f.engine.Liquidate(uuid.New(), target, "WETH", wad(100))
	if !errors.Is(err, engine.ErrHealthFactorOk) {
		t.Errorf("got %v, want ErrHealthFactorOk at the boundary", err)
	}
}
