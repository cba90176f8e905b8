package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"StableLedger/internal/engine"
	"StableLedger/internal/ledger"
)

const (
	// EventSubjectPrefix is the root of the outbound subject space. Applied
	// operations publish to stable.ledger.events.{op_type}.
	EventSubjectPrefix = "stable.ledger.events"

	eventStreamName = "STABLE_LEDGER_EVENTS"
)

// LedgerEvent is the outbound wire format for an applied operation.
// Amounts are decimal strings and hashes hex, so downstream consumers can
// verify the chain without a binary codec.
type LedgerEvent struct {
	Sequence    uint64           `json:"sequence"`
	OpID        string           `json:"op_id"`
	OpType      string           `json:"op_type"`
	Actor       string           `json:"actor"`
	Target      *string          `json:"target,omitempty"`
	Asset       string           `json:"asset"`
	Amount      string           `json:"amount"`
	TimestampUs int64            `json:"timestamp_us"`
	StateHash   string           `json:"state_hash"`
	PrevHash    string           `json:"prev_hash"`
	Journals    []LedgerEventLeg `json:"journals"`
}

// LedgerEventLeg is one journal entry of the operation's batch.
type LedgerEventLeg struct {
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
}

// EncodeOutput converts an applied operation into its outbound event.
func EncodeOutput(out engine.Output, registry *ledger.Registry) LedgerEvent {
	rec := out.Record

	evt := LedgerEvent{
		Sequence:    rec.Sequence,
		OpID:        rec.OpID.String(),
		OpType:      rec.OpType,
		Actor:       rec.Actor.String(),
		Asset:       rec.Asset,
		Amount:      rec.Amount.Dec(),
		TimestampUs: rec.TimestampUs,
		StateHash:   hex.EncodeToString(rec.StateHash[:]),
		PrevHash:    hex.EncodeToString(rec.PrevHash[:]),
	}
	if rec.Target != (uuid.UUID{}) {
		target := rec.Target.String()
		evt.Target = &target
	}

	for _, j := range out.Batch.Journals {
		evt.Journals = append(evt.Journals, LedgerEventLeg{
			DebitAccount:  j.DebitAccount.AccountPath(registry),
			CreditAccount: j.CreditAccount.AccountPath(registry),
			Asset:         registry.Symbol(j.AssetID),
			Amount:        j.Amount.Dec(),
			JournalType:   j.JournalType.String(),
		})
	}
	return evt
}

// Publisher drains the engine's publish channel and emits each applied
// operation to JetStream. Best-effort: the operation log in Postgres is
// the durable record, so a failed publish is logged and skipped rather
// than blocking the engine.
type Publisher struct {
	js        jetstream.JetStream
	registry  *ledger.Registry
	inputChan <-chan engine.Output
	log       zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, registry *ledger.Registry, inputChan <-chan engine.Output, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:        js,
		registry:  registry,
		inputChan: inputChan,
		log:       log.With().Str("component", "publisher").Logger(),
	}
}

// Run starts the publisher loop. Returns when the context is cancelled or
// the input channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-p.inputChan:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, out); err != nil {
				p.log.Warn().Err(err).Uint64("sequence", out.Record.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, out engine.Output) error {
	evt := EncodeOutput(out, p.registry)

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", EventSubjectPrefix, evt.OpType)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}
