package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Service provides read-only access to the operation log in Postgres.
// Live position state is answered by the engine directly; this service
// covers history and audit, so its answers trail the engine by whatever
// the persistence worker has not flushed yet.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// OperationHistory returns operations where the user was actor or
// liquidation target, newest first. Cursor-based: pass the lowest
// sequence of the previous page as beforeSequence.
func (s *Service) OperationHistory(
	ctx context.Context,
	user uuid.UUID,
	limit int,
	beforeSequence *uint64,
) ([]OperationEntry, error) {
	query := `
		SELECT sequence, op_id, op_type, actor, target, asset, amount,
		       state_hash, prev_hash, timestamp_us
		FROM op_log.operations
		WHERE (actor = $1 OR target = $1)
	`
	args := []interface{}{user}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, int64(*beforeSequence))
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []OperationEntry
	for rows.Next() {
		var (
			e         OperationEntry
			seq       int64
			target    sql.NullString
			stateHash []byte
			prevHash  []byte
		)
		if err := rows.Scan(
			&seq, &e.OpID, &e.OpType, &e.Actor, &target, &e.Asset, &e.Amount,
			&stateHash, &prevHash, &e.TimestampUs,
		); err != nil {
			return nil, err
		}
		e.Sequence = uint64(seq)
		if target.Valid {
			t := target.String
			e.Target = &t
		}
		e.StateHash = hex.EncodeToString(stateHash)
		e.PrevHash = hex.EncodeToString(prevHash)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// JournalHistory returns journal rows touching any of the user's
// accounts, newest first.
func (s *Service) JournalHistory(
	ctx context.Context,
	user uuid.UUID,
	limit int,
	beforeSequence *uint64,
) ([]JournalEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", user)

	query := `
		SELECT journal_id, batch_id, op_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, timestamp_us
		FROM op_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, int64(*beforeSequence))
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var (
			e   JournalEntry
			seq int64
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.OpRef, &seq,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.TimestampUs,
		); err != nil {
			return nil, err
		}
		e.Sequence = uint64(seq)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity walks the stored hash chain: every operation's
// prev_hash must equal the state_hash of the operation before it.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT o.sequence
		FROM op_log.operations o
		JOIN op_log.operations p ON p.sequence = o.sequence - 1
		WHERE o.prev_hash != p.state_hash
		ORDER BY o.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, uint64(seq))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM op_log.operations
	`).Scan(&last); err != nil {
		return nil, err
	}
	if last.Valid {
		report.LastSequence = uint64(last.Int64)
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}
