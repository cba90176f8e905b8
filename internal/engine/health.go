package engine

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"StableLedger/internal/fixedmath"
	"StableLedger/internal/ledger"
	"StableLedger/internal/oracle"
)

// priceView is the set of quotes one operation works against. It is taken
// once at operation entry so every valuation inside the operation sees the
// same prices.
type priceView map[ledger.AssetID]oracle.Quote

// snapshotPrices collects the latest quote for every collateral asset.
// Feeds without a quote yet are simply absent; valuation fails only when
// a non-zero balance needs a missing feed.
func (e *Engine) snapshotPrices() priceView {
	view := make(priceView, len(e.registry.CollateralIDs()))
	for _, id := range e.registry.CollateralIDs() {
		asset, _ := e.registry.Asset(id)
		q, err := e.prices.Quote(asset.FeedID)
		if err != nil {
			continue
		}
		view[id] = q
	}
	return view
}

// collateralValueUsd sums the WAD-scaled USD value of every collateral
// balance a user holds, under one price view.
func (e *Engine) collateralValueUsd(user uuid.UUID, prices priceView) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, id := range e.registry.CollateralIDs() {
		bal := e.balances.CollateralBalance(user, id)
		if bal.IsZero() {
			continue
		}
		asset, _ := e.registry.Asset(id)
		q, ok := prices[id]
		if !ok {
			return nil, fmt.Errorf("%w: feed %s", oracle.ErrNoPrice, asset.FeedID)
		}
		v, err := fixedmath.UsdValue(bal, q.Price, asset.Decimals, q.Decimals)
		if err != nil {
			return nil, fmt.Errorf("value %s: %w", asset.Symbol, err)
		}
		sum, overflow := new(uint256.Int).AddOverflow(total, v)
		if overflow {
			return nil, fmt.Errorf("total collateral value: %w", ErrArithmeticOverflow)
		}
		total = sum
	}
	return total, nil
}

// healthFactor computes a user's WAD-scaled health factor under one price
// view. Debt-free users report MaxUint256.
func (e *Engine) healthFactor(user uuid.UUID, prices priceView) (*uint256.Int, error) {
	debt := e.balances.DebtBalance(user)
	if debt.IsZero() {
		return fixedmath.MaxUint256.Clone(), nil
	}
	collateralUsd, err := e.collateralValueUsd(user, prices)
	if err != nil {
		return nil, err
	}
	return fixedmath.HealthFactor(collateralUsd, debt, e.thresholdBps)
}

// requireHealthy fails with BreaksHealthFactorError when a user's health
// factor under the given prices is below the configured minimum.
func (e *Engine) requireHealthy(user uuid.UUID, prices priceView) error {
	hf, err := e.healthFactor(user, prices)
	if err != nil {
		return err
	}
	if hf.Lt(e.minHealthFactor) {
		return &BreaksHealthFactorError{HealthFactor: hf}
	}
	return nil
}

// AccountInfo is the queryable view of one user's position.
type AccountInfo struct {
	CollateralValueUsd *uint256.Int
	Debt               *uint256.Int
	HealthFactor       *uint256.Int
	Collateral         map[string]*uint256.Int // symbol -> balance
}

// AccountInformation reports a user's collateral, debt and health factor
// under the current prices.
func (e *Engine) AccountInformation(user uuid.UUID) (AccountInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prices := e.snapshotPrices()
	collateralUsd, err := e.collateralValueUsd(user, prices)
	if err != nil {
		return AccountInfo{}, err
	}
	hf, err := e.healthFactor(user, prices)
	if err != nil {
		return AccountInfo{}, err
	}

	collateral := make(map[string]*uint256.Int)
	for id, bal := range e.balances.CollateralBalances(user) {
		collateral[e.registry.Symbol(id)] = bal
	}

	return AccountInfo{
		CollateralValueUsd: collateralUsd,
		Debt:               e.balances.DebtBalance(user),
		HealthFactor:       hf,
		Collateral:         collateral,
	}, nil
}

// HealthFactor reports a user's current health factor.
func (e *Engine) HealthFactor(user uuid.UUID) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthFactor(user, e.snapshotPrices())
}

// UsdValue converts a token amount of a supported asset to WAD-scaled USD
// at the current price.
func (e *Engine) UsdValue(symbol string, amount *uint256.Int) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.registry.ID(symbol)
	if !ok || id == e.registry.DscID() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, symbol)
	}
	asset, _ := e.registry.Asset(id)
	q, err := e.prices.Quote(asset.FeedID)
	if err != nil {
		return nil, err
	}
	return fixedmath.UsdValue(amount, q.Price, asset.Decimals, q.Decimals)
}

// TokenAmountFromUsd converts a WAD-scaled USD value to a token amount of
// a supported asset at the current price.
func (e *Engine) TokenAmountFromUsd(symbol string, usd *uint256.Int) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.registry.ID(symbol)
	if !ok || id == e.registry.DscID() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, symbol)
	}
	asset, _ := e.registry.Asset(id)
	q, err := e.prices.Quote(asset.FeedID)
	if err != nil {
		return nil, err
	}
	return fixedmath.TokenAmountFromUsd(usd, q.Price, asset.Decimals, q.Decimals)
}
