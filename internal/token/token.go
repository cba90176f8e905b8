package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ErrTransferFailed signals a token movement the boundary refused, usually
// because the paying side does not hold the amount.
var ErrTransferFailed = errors.New("transfer failed")

// Collateral is the boundary for one collateral asset. TransferIn pulls
// tokens from a user wallet into the vault; TransferOut pays them back
// out. Each side either fully moves the amount or reports an error with
// no effect.
type Collateral interface {
	TransferIn(user uuid.UUID, amount *uint256.Int) error
	TransferOut(user uuid.UUID, amount *uint256.Int) error
}

// Stablecoin is the boundary for the synthetic token. Mint creates tokens
// in a user wallet; Burn destroys tokens the wallet actually holds.
type Stablecoin interface {
	Mint(user uuid.UUID, amount *uint256.Int) error
	Burn(user uuid.UUID, amount *uint256.Int) error
}

// Vault is an in-memory token boundary covering every configured asset
// plus the stablecoin. It stands in for on-chain token contracts: user
// wallets and the vault's own holdings are plain balances behind a lock.
type Vault struct {
	mu      sync.Mutex
	wallets map[string]map[uuid.UUID]*uint256.Int // symbol -> user -> wallet balance
	held    map[string]*uint256.Int               // symbol -> vault holdings
}

func NewVault() *Vault {
	return &Vault{
		wallets: make(map[string]map[uuid.UUID]*uint256.Int),
		held:    make(map[string]*uint256.Int),
	}
}

func (v *Vault) wallet(symbol string, user uuid.UUID) *uint256.Int {
	users, ok := v.wallets[symbol]
	if !ok {
		users = make(map[uuid.UUID]*uint256.Int)
		v.wallets[symbol] = users
	}
	bal, ok := users[user]
	if !ok {
		bal = new(uint256.Int)
		users[user] = bal
	}
	return bal
}

func (v *Vault) holdings(symbol string) *uint256.Int {
	h, ok := v.held[symbol]
	if !ok {
		h = new(uint256.Int)
		v.held[symbol] = h
	}
	return h
}

// Fund credits a user wallet out of thin air. Test and tooling entry point.
func (v *Vault) Fund(symbol string, user uuid.UUID, amount *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	bal := v.wallet(symbol, user)
	bal.Add(bal, amount)
}

// WalletBalance reports a user wallet's holdings of one asset.
func (v *Vault) WalletBalance(symbol string, user uuid.UUID) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.wallet(symbol, user).Clone()
}

// VaultBalance reports the vault's own holdings of one asset.
func (v *Vault) VaultBalance(symbol string) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.holdings(symbol).Clone()
}

// Asset returns the Collateral boundary for one symbol.
func (v *Vault) Asset(symbol string) Collateral {
	return &vaultAsset{vault: v, symbol: symbol}
}

// Dsc returns the Stablecoin boundary.
func (v *Vault) Dsc(symbol string) Stablecoin {
	return &vaultDsc{vault: v, symbol: symbol}
}

type vaultAsset struct {
	vault  *Vault
	symbol string
}

func (a *vaultAsset) TransferIn(user uuid.UUID, amount *uint256.Int) error {
	a.vault.mu.Lock()
	defer a.vault.mu.Unlock()

	bal := a.vault.wallet(a.symbol, user)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s wallet of %s holds %s, need %s",
			ErrTransferFailed, a.symbol, user, bal.Dec(), amount.Dec())
	}
	bal.Sub(bal, amount)
	held := a.vault.holdings(a.symbol)
	held.Add(held, amount)
	return nil
}

func (a *vaultAsset) TransferOut(user uuid.UUID, amount *uint256.Int) error {
	a.vault.mu.Lock()
	defer a.vault.mu.Unlock()

	held := a.vault.holdings(a.symbol)
	if held.Lt(amount) {
		return fmt.Errorf("%w: vault holds %s %s, need %s",
			ErrTransferFailed, held.Dec(), a.symbol, amount.Dec())
	}
	held.Sub(held, amount)
	bal := a.vault.wallet(a.symbol, user)
	bal.Add(bal, amount)
	return nil
}

type vaultDsc struct {
	vault  *Vault
	symbol string
}

func (d *vaultDsc) Mint(user uuid.UUID, amount *uint256.Int) error {
	d.vault.mu.Lock()
	defer d.vault.mu.Unlock()

	bal := d.vault.wallet(d.symbol, user)
	bal.Add(bal, amount)
	return nil
}

func (d *vaultDsc) Burn(user uuid.UUID, amount *uint256.Int) error {
	d.vault.mu.Lock()
	defer d.vault.mu.Unlock()

	bal := d.vault.wallet(d.symbol, user)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s wallet of %s holds %s, cannot burn %s",
			ErrTransferFailed, d.symbol, user, bal.Dec(), amount.Dec())
	}
	bal.Sub(bal, amount)
	return nil
}
