package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"StableLedger/internal/engine"
	"StableLedger/internal/ledger"
	"StableLedger/internal/oracle"
)

// SnapshotStore persists and loads full-state snapshots for recovery.
// A snapshot captures balances, prices, the sequence counter and the hash
// chain tip; warm restart loads the latest verified snapshot and replays
// operations past it.
type SnapshotStore struct {
	db *sql.DB
}

// SnapshotData is the serialized engine state at one sequence.
type SnapshotData struct {
	Sequence  uint64        `json:"sequence"`
	StateHash []byte        `json:"state_hash"`
	Balances  []BalanceSnap `json:"balances"`
	Prices    []PriceSnap   `json:"prices"`
	CreatedAt time.Time     `json:"created_at"`
}

// BalanceSnap is one account balance. The key components are stored
// individually so a restore does not depend on parsing account paths.
type BalanceSnap struct {
	Account  string `json:"account"`
	Scope    uint8  `json:"scope"`
	EntityID string `json:"entity_id"`
	SubType  uint8  `json:"sub_type"`
	Asset    string `json:"asset"`
	Balance  string `json:"balance"` // decimal string
}

// PriceSnap is one feed quote.
type PriceSnap struct {
	FeedID      string `json:"feed_id"`
	Price       string `json:"price"` // decimal string
	Decimals    uint8  `json:"decimals"`
	Sequence    uint64 `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// BuildSnapshot serializes engine and oracle state.
func BuildSnapshot(state engine.StateSnapshot, quotes []oracle.Quote, registry *ledger.Registry) *SnapshotData {
	balances := make([]BalanceSnap, 0, len(state.Balances))
	for _, e := range state.Balances {
		balances = append(balances, BalanceSnap{
			Account:  e.Account,
			Scope:    uint8(e.Key.Scope),
			EntityID: uuid.UUID(e.Key.EntityID).String(),
			SubType:  uint8(e.Key.SubType),
			Asset:    registry.Symbol(e.Key.AssetID),
			Balance:  e.Balance.Dec(),
		})
	}

	prices := make([]PriceSnap, 0, len(quotes))
	for _, q := range quotes {
		prices = append(prices, PriceSnap{
			FeedID:      q.FeedID,
			Price:       q.Price.Dec(),
			Decimals:    q.Decimals,
			Sequence:    q.Sequence,
			TimestampUs: q.TimestampUs,
		})
	}

	return &SnapshotData{
		Sequence:  state.Sequence,
		StateHash: append([]byte(nil), state.StateHash[:]...),
		Balances:  balances,
		Prices:    prices,
		CreatedAt: time.Now().UTC(),
	}
}

// RestoreState deserializes a snapshot back into engine and oracle state.
// Asset symbols must resolve against the current registry: a snapshot from
// a different asset configuration is rejected.
func (s *SnapshotData) RestoreState(registry *ledger.Registry) (engine.StateSnapshot, []oracle.Quote, error) {
	if len(s.StateHash) != 32 {
		return engine.StateSnapshot{}, nil, fmt.Errorf("snapshot state hash has %d bytes, want 32", len(s.StateHash))
	}

	entries := make([]ledger.BalanceEntry, 0, len(s.Balances))
	for _, b := range s.Balances {
		assetID, ok := registry.ID(b.Asset)
		if !ok {
			return engine.StateSnapshot{}, nil, fmt.Errorf("snapshot references unknown asset %s", b.Asset)
		}
		entityID, err := uuid.Parse(b.EntityID)
		if err != nil {
			return engine.StateSnapshot{}, nil, fmt.Errorf("snapshot entity %q: %w", b.EntityID, err)
		}
		bal, err := uint256.FromDecimal(b.Balance)
		if err != nil {
			return engine.StateSnapshot{}, nil, fmt.Errorf("snapshot balance %q: %w", b.Balance, err)
		}
		entries = append(entries, ledger.BalanceEntry{
			Account: b.Account,
			Key: ledger.AccountKey{
				Scope:    ledger.AccountScope(b.Scope),
				EntityID: entityID,
				SubType:  ledger.AccountSubType(b.SubType),
				AssetID:  assetID,
			},
			Balance: bal,
		})
	}

	quotes := make([]oracle.Quote, 0, len(s.Prices))
	for _, p := range s.Prices {
		price, err := uint256.FromDecimal(p.Price)
		if err != nil {
			return engine.StateSnapshot{}, nil, fmt.Errorf("snapshot price %q: %w", p.Price, err)
		}
		quotes = append(quotes, oracle.Quote{
			FeedID:      p.FeedID,
			Price:       price,
			Decimals:    p.Decimals,
			Sequence:    p.Sequence,
			TimestampUs: p.TimestampUs,
		})
	}

	var hash [32]byte
	copy(hash[:], s.StateHash)

	return engine.StateSnapshot{
		Sequence:  s.Sequence,
		StateHash: hash,
		Balances:  entries,
	}, quotes, nil
}

// Save persists a snapshot.
func (s *SnapshotStore) Save(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO op_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, int32(1), len(data), snap.CreatedAt)

	return err
}

// LoadLatest loads the most recent verified snapshot, or nil on cold start.
func (s *SnapshotStore) LoadLatest(ctx context.Context) (*SnapshotData, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data FROM op_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after an integrity check.
func (s *SnapshotStore) MarkVerified(ctx context.Context, sequence uint64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE op_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LatestSequence returns the highest sequence in the operation log.
func (s *SnapshotStore) LatestSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM op_log.operations
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}
