package engine

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"StableLedger/internal/config"
	"StableLedger/internal/fixedmath"
	"StableLedger/internal/token"
)

// Operation rejection errors. Callers branch on these with errors.Is /
// errors.As, the HTTP layer maps them to status codes.
var (
	ErrInvalidAmount           = errors.New("amount must be greater than zero")
	ErrUnsupportedAsset        = errors.New("unsupported collateral asset")
	ErrInsufficientCollateral  = errors.New("insufficient collateral")
	ErrInsufficientDebt        = errors.New("insufficient debt")
	ErrHealthFactorOk          = errors.New("health factor above liquidation threshold")
	ErrHealthFactorNotImproved = errors.New("health factor not improved")
)

// Re-exported boundary errors so callers only need this package's taxonomy.
var (
	ErrArithmeticOverflow    = fixedmath.ErrArithmeticOverflow
	ErrTransferFailed        = token.ErrTransferFailed
	ErrConfigurationMismatch = config.ErrConfigurationMismatch
)

// BreaksHealthFactorError rejects an operation that would leave an account
// below the minimum health factor. It carries the health factor the
// account would have had.
type BreaksHealthFactorError struct {
	HealthFactor *uint256.Int
}

func (e *BreaksHealthFactorError) Error() string {
	return fmt.Sprintf("operation breaks health factor: %s", e.HealthFactor.Dec())
}

// RejectionReason labels an error for metrics and logs.
func RejectionReason(err error) string {
	var bhf *BreaksHealthFactorError
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrUnsupportedAsset):
		return "unsupported_asset"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ErrInsufficientDebt):
		return "insufficient_debt"
	case errors.Is(err, ErrHealthFactorOk):
		return "health_factor_ok"
	case errors.Is(err, ErrHealthFactorNotImproved):
		return "health_factor_not_improved"
	case errors.As(err, &bhf):
		return "breaks_health_factor"
	case errors.Is(err, ErrArithmeticOverflow):
		return "arithmetic_overflow"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrConfigurationMismatch):
		return "configuration_mismatch"
	default:
		return "internal"
	}
}
