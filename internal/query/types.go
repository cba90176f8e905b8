package query

// OperationEntry is one applied operation from the log, for API queries.
// Amounts are decimal strings, hashes hex.
type OperationEntry struct {
	Sequence    uint64  `json:"sequence"`
	OpID        string  `json:"op_id"`
	OpType      string  `json:"op_type"`
	Actor       string  `json:"actor"`
	Target      *string `json:"target,omitempty"`
	Asset       string  `json:"asset"`
	Amount      string  `json:"amount"`
	StateHash   string  `json:"state_hash"`
	PrevHash    string  `json:"prev_hash"`
	TimestampUs int64   `json:"timestamp_us"`
}

// JournalEntry is one journal row from the log, for API queries.
type JournalEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	OpRef         string `json:"op_ref"`
	Sequence      uint64 `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	TimestampUs   int64  `json:"timestamp_us"`
}

// IntegrityReport is the result of an operation log integrity check.
type IntegrityReport struct {
	IsHealthy       bool     `json:"is_healthy"`
	LastSequence    uint64   `json:"last_sequence"`
	HashChainBreaks []uint64 `json:"hash_chain_breaks,omitempty"`
}
