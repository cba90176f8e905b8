package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ErrInsufficientBalance signals a credit against an internal account that
// does not hold the amount being moved.
var ErrInsufficientBalance = errors.New("insufficient balance")

// BalanceTracker maintains in-memory account balances. Internal (user)
// accounts are unsigned balances that can never go below zero; external
// boundary accounts are cumulative flow counters that only grow. Per-asset
// conservation holds at all times:
//
//	Σ user collateral == external deposits - external withdrawals
//	Σ user debt       == external minted   - external burned
type BalanceTracker struct {
	registry *Registry
	balances map[AccountKey]*uint256.Int
}

func NewBalanceTracker(registry *Registry) *BalanceTracker {
	return &BalanceTracker{
		registry: registry,
		balances: make(map[AccountKey]*uint256.Int),
	}
}

func (bt *BalanceTracker) get(key AccountKey) *uint256.Int {
	if v, ok := bt.balances[key]; ok {
		return v
	}
	v := new(uint256.Int)
	bt.balances[key] = v
	return v
}

// ApplyJournal applies a single journal entry to balances. The debit side
// always accumulates. The credit side accumulates for external accounts
// (flow counters) and is a checked subtraction for user accounts.
func (bt *BalanceTracker) ApplyJournal(j Journal) error {
	credit := bt.get(j.CreditAccount)
	if j.CreditAccount.Scope == AccountScopeExternal {
		credit.Add(credit, j.Amount)
	} else {
		if credit.Lt(j.Amount) {
			return fmt.Errorf("%w: account %s holds %s, journal %s moves %s",
				ErrInsufficientBalance, j.CreditAccount.AccountPath(bt.registry),
				credit.Dec(), j.JournalID, j.Amount.Dec())
		}
		credit.Sub(credit, j.Amount)
	}

	debit := bt.get(j.DebitAccount)
	debit.Add(debit, j.Amount)
	return nil
}

// ApplyBatch validates and applies all journals in a batch. On a failed
// journal the already-applied entries of the batch are reversed, so a
// batch either lands fully or not at all.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for i, j := range batch.Journals {
		if err := bt.ApplyJournal(j); err != nil {
			for k := i - 1; k >= 0; k-- {
				bt.reverseJournal(batch.Journals[k])
			}
			return err
		}
	}
	return nil
}

// ReverseBatch undoes a fully applied batch, newest journal first. Used
// for compensation when a later step of an operation fails after its
// ledger effects landed.
func (bt *BalanceTracker) ReverseBatch(batch *Batch) {
	for i := len(batch.Journals) - 1; i >= 0; i-- {
		bt.reverseJournal(batch.Journals[i])
	}
}

// reverseJournal undoes a previously applied journal. Only called on
// entries that were applied in this process, so the subtractions cannot
// underflow.
func (bt *BalanceTracker) reverseJournal(j Journal) {
	credit := bt.get(j.CreditAccount)
	if j.CreditAccount.Scope == AccountScopeExternal {
		credit.Sub(credit, j.Amount)
	} else {
		credit.Add(credit, j.Amount)
	}
	debit := bt.get(j.DebitAccount)
	debit.Sub(debit, j.Amount)
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	if v, ok := bt.balances[key]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// === Collateral queries ===

// CollateralBalance returns a user's deposited balance of one asset.
func (bt *BalanceTracker) CollateralBalance(userID uuid.UUID, assetID AssetID) *uint256.Int {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeCollateral, assetID))
}

// CollateralBalances returns a user's balance for every collateral asset,
// including zero balances, keyed by asset ID.
func (bt *BalanceTracker) CollateralBalances(userID uuid.UUID) map[AssetID]*uint256.Int {
	out := make(map[AssetID]*uint256.Int)
	for _, id := range bt.registry.CollateralIDs() {
		out[id] = bt.CollateralBalance(userID, id)
	}
	return out
}

// === Debt queries ===

// DebtBalance returns a user's outstanding stablecoin debt.
func (bt *BalanceTracker) DebtBalance(userID uuid.UUID) *uint256.Int {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeDebt, bt.registry.DscID()))
}

// TotalMinted returns the cumulative stablecoin issuance.
func (bt *BalanceTracker) TotalMinted() *uint256.Int {
	return bt.GetBalance(NewExternalAccountKey(SubTypeExternalMinted, bt.registry.DscID()))
}

// TotalBurned returns the cumulative stablecoin retirement.
func (bt *BalanceTracker) TotalBurned() *uint256.Int {
	return bt.GetBalance(NewExternalAccountKey(SubTypeExternalBurned, bt.registry.DscID()))
}

// OutstandingSupply returns minted - burned, the stablecoin currently in
// circulation. Equals the sum of all user debt when conservation holds.
func (bt *BalanceTracker) OutstandingSupply() *uint256.Int {
	minted := bt.TotalMinted()
	return minted.Sub(minted, bt.TotalBurned())
}

// === Invariant checks ===

// ValidateConservation verifies per-asset conservation between user
// accounts and the external flow counters.
func (bt *BalanceTracker) ValidateConservation() error {
	type side struct{ internal, in, out uint256.Int }
	sums := make(map[AssetID]*side)
	sideFor := func(id AssetID) *side {
		if s, ok := sums[id]; ok {
			return s
		}
		s := &side{}
		sums[id] = s
		return s
	}

	for key, bal := range bt.balances {
		s := sideFor(key.AssetID)
		switch {
		case key.Scope == AccountScopeUser:
			s.internal.Add(&s.internal, bal)
		case key.SubType == SubTypeExternalDeposits || key.SubType == SubTypeExternalMinted:
			s.in.Add(&s.in, bal)
		case key.SubType == SubTypeExternalWithdrawals || key.SubType == SubTypeExternalBurned:
			s.out.Add(&s.out, bal)
		}
	}

	for id, s := range sums {
		if s.out.Gt(&s.in) {
			return fmt.Errorf("asset %s: outflow %s exceeds inflow %s",
				bt.registry.Symbol(id), s.out.Dec(), s.in.Dec())
		}
		net := new(uint256.Int).Sub(&s.in, &s.out)
		if s.internal.Cmp(net) != 0 {
			return fmt.Errorf("asset %s: user balances %s != net flow %s",
				bt.registry.Symbol(id), s.internal.Dec(), net.Dec())
		}
	}
	return nil
}

// Snapshot returns all non-zero balances ordered by account path, for
// state hashing and persistence.
func (bt *BalanceTracker) Snapshot() []BalanceEntry {
	entries := make([]BalanceEntry, 0, len(bt.balances))
	for key, bal := range bt.balances {
		if bal.IsZero() {
			continue
		}
		entries = append(entries, BalanceEntry{
			Account: key.AccountPath(bt.registry),
			Key:     key,
			Balance: bal.Clone(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Account < entries[j].Account
	})
	return entries
}

// Restore replaces all balances with a snapshot's contents.
func (bt *BalanceTracker) Restore(entries []BalanceEntry) {
	bt.balances = make(map[AccountKey]*uint256.Int, len(entries))
	for _, e := range entries {
		bt.balances[e.Key] = e.Balance.Clone()
	}
}

// BalanceEntry is one account's balance in deterministic snapshot order.
type BalanceEntry struct {
	Account string
	Key     AccountKey
	Balance *uint256.Int
}
