package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"

	"StableLedger/internal/oracle"
)

// priceUpdateJSON is the wire format published by price feed producers.
// Amounts are decimal strings: prices can exceed int64 range once scaled.
type priceUpdateJSON struct {
	FeedID        string `json:"feed_id"`
	Price         string `json:"price"`
	Decimals      uint8  `json:"decimals"`
	PriceSequence uint64 `json:"price_sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

// ParsePriceUpdate decodes a price feed message into an oracle quote.
// Validation here covers the wire format only; staleness and zero-price
// checks belong to the feed store.
func ParsePriceUpdate(data []byte) (oracle.Quote, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return oracle.Quote{}, fmt.Errorf("parse price update: %w", err)
	}
	if j.FeedID == "" {
		return oracle.Quote{}, fmt.Errorf("parse price update: empty feed_id")
	}
	price, err := uint256.FromDecimal(j.Price)
	if err != nil {
		return oracle.Quote{}, fmt.Errorf("parse price %q: %w", j.Price, err)
	}
	return oracle.Quote{
		FeedID:      j.FeedID,
		Price:       price,
		Decimals:    j.Decimals,
		Sequence:    j.PriceSequence,
		TimestampUs: j.TimestampUs,
	}, nil
}
