package fixedmath

import (
	"errors"

	"github.com/holiman/uint256"
)

// All engine arithmetic is integer fixed point on unsigned 256-bit values.
// USD values carry WAD scale (1e18). Oracle prices carry their own feed
// decimals (8 by convention). Token amounts are in base units, 10^decimals
// per whole token. Multiplication always precedes division so truncation
// happens exactly once, at the end of each ratio.

const (
	WadDecimals  = 18
	FeedDecimals = 8 // USD-per-unit oracle convention

	// BpsScale is the denominator for basis-point fractions
	// (liquidation threshold, liquidation bonus).
	BpsScale = 10_000

	maxPow10 = 38
)

var (
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrDivisionByZero     = errors.New("division by zero")
)

// Wad is 1e18, the fixed-point unit for USD values and health factors.
var Wad = uint256.NewInt(1_000_000_000_000_000_000)

// MaxUint256 is the health factor of a debt-free account.
var MaxUint256 = new(uint256.Int).SetAllOne()

var pow10Table [maxPow10 + 1]*uint256.Int

func init() {
	ten := uint256.NewInt(10)
	v := uint256.NewInt(1)
	for i := 0; i <= maxPow10; i++ {
		pow10Table[i] = v.Clone()
		v.Mul(v, ten)
	}
}

// Pow10 returns 10^n. Exponents beyond the table are a programming error:
// no supported asset/feed decimal combination exceeds it.
func Pow10(n uint8) *uint256.Int {
	if int(n) > maxPow10 {
		panic("fixedmath: pow10 exponent out of range")
	}
	return pow10Table[n].Clone()
}

// MulDiv computes x * y / d at full 256-bit intermediate precision.
// The product is checked: a result that cannot fit 256 bits signals
// ErrArithmeticOverflow rather than wrapping.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	prod, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return prod.Div(prod, d), nil
}

// UsdValue converts a token amount (base units) to a WAD-scaled USD value
// using a price at feedDecimals precision:
//
//	usd = amount * price * 1e18 / (10^assetDecimals * 10^feedDecimals)
func UsdValue(amount, price *uint256.Int, assetDecimals, feedDecimals uint8) (*uint256.Int, error) {
	raw, overflow := new(uint256.Int).MulOverflow(amount, price)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	scale, overflow := new(uint256.Int).MulOverflow(Pow10(assetDecimals), Pow10(feedDecimals))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return MulDiv(raw, Wad, scale)
}

// TokenAmountFromUsd is the inverse of UsdValue:
//
//	amount = usd * 10^assetDecimals * 10^feedDecimals / (price * 1e18)
//
// Round-tripping UsdValue through this function reproduces the original
// amount up to one base unit of integer truncation — a near-inverse, not
// an exact one.
func TokenAmountFromUsd(usd, price *uint256.Int, assetDecimals, feedDecimals uint8) (*uint256.Int, error) {
	if price.IsZero() {
		return nil, ErrDivisionByZero
	}
	scale, overflow := new(uint256.Int).MulOverflow(Pow10(assetDecimals), Pow10(feedDecimals))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	denom, overflow := new(uint256.Int).MulOverflow(price, Wad)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return MulDiv(usd, scale, denom)
}

// HealthFactor computes the WAD-scaled risk ratio of a position:
//
//	hf = (collateralUsd * thresholdBps / 10_000) * 1e18 / debt
//
// A debt-free account is infinitely healthy: MaxUint256.
func HealthFactor(collateralUsd, debt *uint256.Int, thresholdBps uint64) (*uint256.Int, error) {
	if debt.IsZero() {
		return MaxUint256.Clone(), nil
	}
	adjusted, err := MulDiv(collateralUsd, uint256.NewInt(thresholdBps), uint256.NewInt(BpsScale))
	if err != nil {
		return nil, err
	}
	return MulDiv(adjusted, Wad, debt)
}

// ApplyBps scales an amount by a basis-point fraction (amount * bps / 10_000).
// Used for the liquidation bonus.
func ApplyBps(amount *uint256.Int, bps uint64) (*uint256.Int, error) {
	return MulDiv(amount, uint256.NewInt(bps), uint256.NewInt(BpsScale))
}
