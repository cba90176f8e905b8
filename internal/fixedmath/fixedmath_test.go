package fixedmath_test

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"StableLedger/internal/fixedmath"
)

func wad(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fixedmath.Wad)
}

// ============================================================================
// Test: MulDiv
// ============================================================================

func TestMulDiv_Basic(t *testing.T) {
	got, err := fixedmath.MulDiv(uint256.NewInt(6), uint256.NewInt(7), uint256.NewInt(2))
	if err != nil {
		t.Fatalf("MulDiv: %v", err)
	}
	if got.Uint64() != 21 {
		t.Errorf("got %s, want 21", got.Dec())
	}
}

func TestMulDiv_TruncatesOnce(t *testing.T) {
	// 7 * 3 / 2 = 10 (truncated), not 7/2*3 = 9.
	got, err := fixedmath.MulDiv(uint256.NewInt(7), uint256.NewInt(3), uint256.NewInt(2))
	if err != nil {
		t.Fatalf("MulDiv: %v", err)
	}
	if got.Uint64() != 10 {
		t.Errorf("got %s, want 10", got.Dec())
	}
}

func TestMulDiv_Overflow(t *testing.T) {
	_, err := fixedmath.MulDiv(fixedmath.MaxUint256, uint256.NewInt(2), uint256.NewInt(1))
	if !errors.Is(err, fixedmath.ErrArithmeticOverflow) {
		t.Errorf("got %v, want ErrArithmeticOverflow", err)
	}
}

func TestMulDiv_DivisionByZero(t *testing.T) {
	_, err := fixedmath.MulDiv(uint256.NewInt(1), uint256.NewInt(1), uint256.NewInt(0))
	if !errors.Is(err, fixedmath.ErrDivisionByZero) {
		t.Errorf("got %v, want ErrDivisionByZero", err)
	}
}

// ============================================================================
// Test: UsdValue / TokenAmountFromUsd
// ============================================================================

func TestUsdValue_EthAt2000(t *testing.T) {
	// 15 ETH (18 decimals) at $2000 (8-decimal feed) = 30_000e18 USD.
	amount := wad(15)
	price := uint256.NewInt(2000_0000_0000)

	got, err := fixedmath.UsdValue(amount, price, 18, 8)
	if err != nil {
		t.Fatalf("UsdValue: %v", err)
	}
	if got.Cmp(wad(30_000)) != 0 {
		t.Errorf("got %s, want %s", got.Dec(), wad(30_000).Dec())
	}
}

func TestUsdValue_SixDecimalAsset(t *testing.T) {
	// 250 units of a 6-decimal token at $1 = 250e18 USD.
	amount := uint256.NewInt(250_000_000)
	price := uint256.NewInt(1_0000_0000)

	got, err := fixedmath.UsdValue(amount, price, 6, 8)
	if err != nil {
		t.Fatalf("UsdValue: %v", err)
	}
	if got.Cmp(wad(250)) != 0 {
		t.Errorf("got %s, want %s", got.Dec(), wad(250).Dec())
	}
}

func TestTokenAmountFromUsd_EthAt2000(t *testing.T) {
	// $100e18 of ETH at $2000 = 0.05 ETH.
	usd := wad(100)
	price := uint256.NewInt(2000_0000_0000)

	got, err := fixedmath.TokenAmountFromUsd(usd, price, 18, 8)
	if err != nil {
		t.Fatalf("TokenAmountFromUsd: %v", err)
	}
	want := uint256.NewInt(50_000_000_000_000_000)
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got.Dec(), want.Dec())
	}
}

func TestTokenAmountFromUsd_RoundTripWithinOneUnit(t *testing.T) {
	amount := uint256.NewInt(123_456_789_012_345_678)
	price := uint256.NewInt(1999_5500_0000)

	usd, err := fixedmath.UsdValue(amount, price, 18, 8)
	if err != nil {
		t.Fatalf("UsdValue: %v", err)
	}
	back, err := fixedmath.TokenAmountFromUsd(usd, price, 18, 8)
	if err != nil {
		t.Fatalf("TokenAmountFromUsd: %v", err)
	}

	diff := new(uint256.Int)
	if back.Gt(amount) {
		diff.Sub(back, amount)
	} else {
		diff.Sub(amount, back)
	}
	if diff.Uint64() > 1 {
		t.Errorf("round trip drifted %s units: %s -> %s", diff.Dec(), amount.Dec(), back.Dec())
	}
}

func TestTokenAmountFromUsd_ZeroPrice(t *testing.T) {
	_, err := fixedmath.TokenAmountFromUsd(wad(1), uint256.NewInt(0), 18, 8)
	if !errors.Is(err, fixedmath.ErrDivisionByZero) {
		t.Errorf("got %v, want ErrDivisionByZero", err)
	}
}

// ============================================================================
// Test: HealthFactor
// ============================================================================

func TestHealthFactor_NoDebtIsInfinite(t *testing.T) {
	hf, err := fixedmath.HealthFactor(wad(1000), uint256.NewInt(0), 5000)
	if err != nil {
		t.Fatalf("HealthFactor: %v", err)
	}
	if hf.Cmp(fixedmath.MaxUint256) != 0 {
		t.Errorf("debt-free account should report max health factor, got %s", hf.Dec())
	}
}

func TestHealthFactor_ExactlyOne(t *testing.T) {
	// $20_000 collateral at 50% threshold against $10_000 debt: hf == 1e18.
	hf, err := fixedmath.HealthFactor(wad(20_000), wad(10_000), 5000)
	if err != nil {
		t.Fatalf("HealthFactor: %v", err)
	}
	if hf.Cmp(fixedmath.Wad) != 0 {
		t.Errorf("got %s, want %s", hf.Dec(), fixedmath.Wad.Dec())
	}
}

func TestHealthFactor_BelowOne(t *testing.T) {
	hf, err := fixedmath.HealthFactor(wad(18_000), wad(10_000), 5000)
	if err != nil {
		t.Fatalf("HealthFactor: %v", err)
	}
	if !hf.Lt(fixedmath.Wad) {
		t.Errorf("expected health factor below 1e18, got %s", hf.Dec())
	}
	want := new(uint256.Int).Div(new(uint256.Int).Mul(uint256.NewInt(9), fixedmath.Wad), uint256.NewInt(10))
	if hf.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", hf.Dec(), want.Dec())
	}
}

func TestHealthFactor_MoreCollateralNeverLowers(t *testing.T) {
	base, err := fixedmath.HealthFactor(wad(15_000), wad(10_000), 5000)
	if err != nil {
		t.Fatalf("HealthFactor: %v", err)
	}
	more, err := fixedmath.HealthFactor(wad(16_000), wad(10_000), 5000)
	if err != nil {
		t.Fatalf("HealthFactor: %v", err)
	}
	if more.Lt(base) {
		t.Errorf("health factor decreased with added collateral: %s -> %s", base.Dec(), more.Dec())
	}
}

// ============================================================================
// Test: ApplyBps
// ============================================================================

func TestApplyBps_TenPercent(t *testing.T) {
	got, err := fixedmath.ApplyBps(wad(5), 1000)
	if err != nil {
		t.Fatalf("ApplyBps: %v", err)
	}
	want := new(uint256.Int).Div(fixedmath.Wad, uint256.NewInt(2))
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got.Dec(), want.Dec())
	}
}
