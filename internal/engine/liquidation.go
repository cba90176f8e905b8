package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"StableLedger/internal/fixedmath"
)

// Liquidate lets a liquidator retire part of an unhealthy target's debt in
// exchange for the target's collateral plus a bonus. The liquidator pays
// debtToCover in stablecoin (WAD-scaled USD) and receives the equivalent
// token amount of the chosen collateral, scaled up by the bonus fraction.
//
// The operation is rejected when the target is healthy, when it would not
// improve the target's health factor, or when it would leave the
// liquidator's own position unhealthy.
func (e *Engine) Liquidate(
	liquidator, target uuid.UUID,
	symbol string,
	debtToCover *uint256.Int,
) (*OperationRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	rec, err := e.liquidate(liquidator, target, symbol, debtToCover)
	if e.metrics != nil {
		if err != nil {
			e.metrics.LiquidationsRejected.WithLabelValues(RejectionReason(err)).Inc()
		} else {
			e.metrics.LiquidationsExecuted.Inc()
		}
	}
	e.observe("liquidate", start, err)
	return rec, err
}

func (e *Engine) liquidate(
	liquidator, target uuid.UUID,
	symbol string,
	debtToCover *uint256.Int,
) (*OperationRecord, error) {
	if err := validAmount(debtToCover); err != nil {
		return nil, err
	}
	assetID, err := e.resolveCollateral(symbol)
	if err != nil {
		return nil, err
	}
	prices := e.snapshotPrices()

	startHF, err := e.healthFactor(target, prices)
	if err != nil {
		return nil, err
	}
	if !startHF.Lt(e.minHealthFactor) {
		return nil, fmt.Errorf("%w: target at %s", ErrHealthFactorOk, startHF.Dec())
	}

	// Cover at most the target's whole debt.
	cover := debtToCover.Clone()
	targetDebt := e.balances.DebtBalance(target)
	if cover.Gt(targetDebt) {
		cover = targetDebt
	}

	asset, _ := e.registry.Asset(assetID)
	q, ok := prices[assetID]
	if !ok {
		return nil, fmt.Errorf("no price for %s", symbol)
	}
	tokenAmount, err := fixedmath.TokenAmountFromUsd(cover, q.Price, asset.Decimals, q.Decimals)
	if err != nil {
		return nil, err
	}
	bonus, err := fixedmath.ApplyBps(tokenAmount, e.bonusBps)
	if err != nil {
		return nil, err
	}
	seize, overflow := new(uint256.Int).AddOverflow(tokenAmount, bonus)
	if overflow {
		return nil, fmt.Errorf("seize amount: %w", ErrArithmeticOverflow)
	}

	// Seize at most what the target holds of this asset.
	targetBalance := e.balances.CollateralBalance(target, assetID)
	if seize.Gt(targetBalance) {
		seize = targetBalance
	}
	if seize.IsZero() {
		return nil, fmt.Errorf("%w: nothing to seize", ErrInvalidAmount)
	}

	batch := e.newBatch("liquidate")
	batch.AddLiquidationSeize(target, assetID, seize)
	batch.AddLiquidationBurn(target, e.registry.DscID(), cover)
	if err := e.balances.ApplyBatch(batch); err != nil {
		return nil, err
	}

	endHF, err := e.healthFactor(target, prices)
	if err != nil {
		e.balances.ReverseBatch(batch)
		return nil, err
	}
	if !endHF.Gt(startHF) {
		e.balances.ReverseBatch(batch)
		return nil, fmt.Errorf("%w: %s -> %s", ErrHealthFactorNotImproved, startHF.Dec(), endHF.Dec())
	}

	if err := e.requireHealthy(liquidator, prices); err != nil {
		e.balances.ReverseBatch(batch)
		return nil, err
	}

	// Interactions last: burn the liquidator's stablecoin, then pay out
	// the seized collateral. A failed payout re-mints the burned tokens.
	if err := e.tokens.Dsc.Burn(liquidator, cover); err != nil {
		e.balances.ReverseBatch(batch)
		return nil, err
	}
	if err := e.tokens.Collateral[symbol].TransferOut(liquidator, seize); err != nil {
		if mintErr := e.tokens.Dsc.Mint(liquidator, cover); mintErr != nil {
			panic(fmt.Sprintf("FATAL: liquidation unwind failed: %v (after %v)", mintErr, err))
		}
		e.balances.ReverseBatch(batch)
		return nil, err
	}

	if e.metrics != nil {
		coverWad, _ := new(uint256.Int).Div(cover, fixedmath.Wad).Uint64WithOverflow()
		e.metrics.LiquidationDebtCovered.Add(float64(coverWad))
	}

	e.log.Info().
		Str("liquidator", liquidator.String()).
		Str("target", target.String()).
		Str("asset", symbol).
		Str("debt_covered", cover.Dec()).
		Str("collateral_seized", seize.Dec()).
		Msg("liquidation executed")

	return e.commit("liquidate", liquidator, target, symbol, cover, batch), nil
}
