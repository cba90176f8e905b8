package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"StableLedger/internal/engine"
	"StableLedger/internal/ledger"
)

// OpLogWriter writes operation records and journals to Postgres using
// multi-row INSERTs. Amounts are stored as NUMERIC(78,0) so the full
// 256-bit range survives the round trip.
type OpLogWriter struct {
	db *sql.DB
}

// OperationRow represents a row in op_log.operations
type OperationRow struct {
	Sequence    uint64
	OpID        string
	OpType      string
	Actor       string
	Target      *string // nil unless liquidation
	Asset       string
	Amount      string // decimal string
	StateHash   []byte
	PrevHash    []byte
	TimestampUs int64
}

// JournalRow represents a row in op_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	OpRef         string
	Sequence      uint64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string // decimal string
	JournalType   int32
	TimestampUs   int64
}

func NewOpLogWriter(db *sql.DB) *OpLogWriter {
	return &OpLogWriter{db: db}
}

// DB exposes the underlying handle for transaction control.
func (w *OpLogWriter) DB() *sql.DB {
	return w.db
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// WriteOperationBatch writes operation records using multi-row INSERT.
// Writes are idempotent on sequence: retries after a partial failure are
// safe.
func (w *OpLogWriter) WriteOperationBatch(ctx context.Context, tx execer, ops []OperationRow) error {
	if len(ops) == 0 {
		return nil
	}

	query := `INSERT INTO op_log.operations
		(sequence, op_id, op_type, actor, target, asset, amount, state_hash, prev_hash, timestamp_us)
		VALUES `

	values := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*10)

	for i, o := range ops {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			o.Sequence, o.OpID, o.OpType, o.Actor, o.Target,
			o.Asset, o.Amount, o.StateHash, o.PrevHash, o.TimestampUs,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes journal rows for the same operations.
func (w *OpLogWriter) WriteJournalBatch(ctx context.Context, tx execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO op_log.journal
		(journal_id, batch_id, op_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp_us)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.OpRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.TimestampUs,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// RowsFromOutput converts one engine output into its database rows.
func RowsFromOutput(out engine.Output, registry *ledger.Registry) (OperationRow, []JournalRow) {
	rec := out.Record

	var target *string
	if rec.Target != [16]byte{} {
		s := rec.Target.String()
		target = &s
	}

	op := OperationRow{
		Sequence:    rec.Sequence,
		OpID:        rec.OpID.String(),
		OpType:      rec.OpType,
		Actor:       rec.Actor.String(),
		Target:      target,
		Asset:       rec.Asset,
		Amount:      rec.Amount.Dec(),
		StateHash:   append([]byte(nil), rec.StateHash[:]...),
		PrevHash:    append([]byte(nil), rec.PrevHash[:]...),
		TimestampUs: rec.TimestampUs,
	}

	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			OpRef:         j.OpRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(registry),
			CreditAccount: j.CreditAccount.AccountPath(registry),
			Asset:         registry.Symbol(j.AssetID),
			Amount:        j.Amount.Dec(),
			JournalType:   int32(j.JournalType),
			TimestampUs:   j.Timestamp,
		})
	}
	return op, journals
}
