package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"StableLedger/internal/config"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota
	SubTypeDebt

	// External sub-types. These are flow totals rather than balances:
	// they only ever grow, recording cumulative movement across the
	// module boundary (token vault and stablecoin supply).
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalMinted
	SubTypeExternalBurned
)

// AssetID maps asset symbols to numeric IDs for compact keys
type AssetID uint16

// DscSymbol is the synthetic stablecoin tracked by the debt side of the
// ledger. It is always registered, always 18 decimals.
const DscSymbol = config.DscSymbol

// Registry holds the asset set for one engine instance. Unlike a fixed
// table, the set comes from configuration at startup and never changes
// afterwards.
type Registry struct {
	byID     map[AssetID]config.AssetConfig
	bySymbol map[string]AssetID
	dscID    AssetID
}

// NewRegistry builds the asset registry from engine configuration and
// registers the stablecoin as the final asset.
func NewRegistry(assets []config.AssetConfig) *Registry {
	r := &Registry{
		byID:     make(map[AssetID]config.AssetConfig, len(assets)+1),
		bySymbol: make(map[string]AssetID, len(assets)+1),
	}
	id := AssetID(1)
	for _, a := range assets {
		r.byID[id] = a
		r.bySymbol[a.Symbol] = id
		id++
	}
	r.dscID = id
	r.byID[id] = config.AssetConfig{Symbol: DscSymbol, Decimals: 18}
	r.bySymbol[DscSymbol] = id
	return r
}

// ID resolves a symbol to its asset ID.
func (r *Registry) ID(symbol string) (AssetID, bool) {
	id, ok := r.bySymbol[symbol]
	return id, ok
}

// Asset returns the configuration registered under an ID.
func (r *Registry) Asset(id AssetID) (config.AssetConfig, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// Symbol returns the symbol registered under an ID.
func (r *Registry) Symbol(id AssetID) string {
	if a, ok := r.byID[id]; ok {
		return a.Symbol
	}
	return "unknown"
}

// DscID returns the stablecoin's asset ID.
func (r *Registry) DscID() AssetID {
	return r.dscID
}

// CollateralIDs returns the IDs of all collateral assets, in registration
// order (ascending ID, stablecoin excluded).
func (r *Registry) CollateralIDs() []AssetID {
	ids := make([]AssetID, 0, len(r.byID)-1)
	for id := AssetID(1); id < r.dscID; id++ {
		ids = append(ids, id)
	}
	return ids
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, zero for external accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath(r *Registry) string {
	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), r.Symbol(k.AssetID))
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), r.Symbol(k.AssetID))
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeDebt:
		return "debt"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	case SubTypeExternalMinted:
		return "minted"
	case SubTypeExternalBurned:
		return "burned"
	default:
		return "unknown"
	}
}
