package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeRedeem
	JournalTypeMint
	JournalTypeBurn
	JournalTypeLiquidationSeize
	JournalTypeLiquidationBurn
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeRedeem:
		return "redeem"
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	case JournalTypeLiquidationSeize:
		return "liquidation_seize"
	case JournalTypeLiquidationBurn:
		return "liquidation_burn"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID    // Unique identifier
	BatchID       uuid.UUID    // Groups entries of one operation
	OpRef         string       // Reference of the originating operation
	Sequence      uint64       // Global operation sequence
	DebitAccount  AccountKey   // Account whose side increases
	CreditAccount AccountKey   // Account whose side decreases (internal) or accumulates (external)
	AssetID       AssetID      // Asset being moved
	Amount        *uint256.Int // ALWAYS positive
	JournalType   JournalType  // Entry type
	Timestamp     int64        // Epoch microseconds
}

// Batch represents the journal entries of one atomic operation
type Batch struct {
	BatchID   uuid.UUID
	OpRef     string
	Sequence  uint64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each entry is a balanced transfer by construction: a single positive
// amount moves from the credit account to the debit account, so the batch
// balances per-entry. Multi-leg operations (liquidation seize plus burn)
// use multiple entries under one batch_id.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s moves asset %d between mismatched accounts", j.JournalID, j.AssetID)
		}
	}

	return nil
}

// Batch builders. Every ledger mutation in the engine goes through one of
// these so the audit trail mirrors the balance changes exactly.

func newJournal(b *Batch, jt JournalType, debit, credit AccountKey, assetID AssetID, amount *uint256.Int) Journal {
	return Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		OpRef:         b.OpRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       assetID,
		Amount:        amount.Clone(),
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	}
}

// NewBatch starts an empty batch for one operation.
func NewBatch(opRef string, sequence uint64, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		OpRef:     opRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

// AddDeposit records collateral entering a user account from the vault boundary.
func (b *Batch) AddDeposit(user uuid.UUID, assetID AssetID, amount *uint256.Int) {
	b.Journals = append(b.Journals, newJournal(b,
		JournalTypeDeposit,
		NewUserAccountKey(user, SubTypeCollateral, assetID),
		NewExternalAccountKey(SubTypeExternalDeposits, assetID),
		assetID, amount))
}

// AddRedeem records collateral leaving a user account across the vault boundary.
func (b *Batch) AddRedeem(user uuid.UUID, assetID AssetID, amount *uint256.Int) {
	b.Journals = append(b.Journals, newJournal(b,
		JournalTypeRedeem,
		NewExternalAccountKey(SubTypeExternalWithdrawals, assetID),
		NewUserAccountKey(user, SubTypeCollateral, assetID),
		assetID, amount))
}

// AddMint records new stablecoin debt against a user.
func (b *Batch) AddMint(user uuid.UUID, dscID AssetID, amount *uint256.Int) {
	b.Journals = append(b.Journals, newJournal(b,
		JournalTypeMint,
		NewUserAccountKey(user, SubTypeDebt, dscID),
		NewExternalAccountKey(SubTypeExternalMinted, dscID),
		dscID, amount))
}

// AddBurn records stablecoin debt retired by its owner.
func (b *Batch) AddBurn(user uuid.UUID, dscID AssetID, amount *uint256.Int) {
	b.Journals = append(b.Journals, newJournal(b,
		JournalTypeBurn,
		NewExternalAccountKey(SubTypeExternalBurned, dscID),
		NewUserAccountKey(user, SubTypeDebt, dscID),
		dscID, amount))
}

// AddLiquidationSeize records target collateral paid out to a liquidator.
func (b *Batch) AddLiquidationSeize(target uuid.UUID, assetID AssetID, amount *uint256.Int) {
	b.Journals = append(b.Journals, newJournal(b,
		JournalTypeLiquidationSeize,
		NewExternalAccountKey(SubTypeExternalWithdrawals, assetID),
		NewUserAccountKey(target, SubTypeCollateral, assetID),
		assetID, amount))
}

// AddLiquidationBurn records target debt retired with the liquidator's stablecoin.
func (b *Batch) AddLiquidationBurn(target uuid.UUID, dscID AssetID, amount *uint256.Int) {
	b.Journals = append(b.Journals, newJournal(b,
		JournalTypeLiquidationBurn,
		NewExternalAccountKey(SubTypeExternalBurned, dscID),
		NewUserAccountKey(target, SubTypeDebt, dscID),
		dscID, amount))
}
