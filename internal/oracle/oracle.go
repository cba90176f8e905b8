package oracle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

// ErrNoPrice signals a feed that has not published a usable quote yet.
var ErrNoPrice = errors.New("no price available")

// Quote is one USD price observation for a feed.
type Quote struct {
	FeedID      string
	Price       *uint256.Int // feed-decimal fixed point, never zero once stored
	Decimals    uint8
	Sequence    uint64 // per-feed monotonic producer sequence
	TimestampUs int64
}

// Oracle answers price queries for configured feeds.
type Oracle interface {
	Quote(feedID string) (Quote, error)
}

// FeedStore holds the latest quote per feed. Updates arrive from the price
// subscriber goroutine while the engine reads during operations, so access
// is guarded by its own lock. Sequence handling follows the ingest rules
// for prices: stale updates are silently ignored, gaps are tolerated.
type FeedStore struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	gaps   map[string]uint64 // feed -> observed gap count
}

func NewFeedStore() *FeedStore {
	return &FeedStore{
		quotes: make(map[string]Quote),
		gaps:   make(map[string]uint64),
	}
}

// Update stores a quote if it advances the feed's sequence. Returns true
// when the quote was applied, false when it was stale. A zero price is
// rejected outright: it would make every conversion through the feed
// divide by zero.
func (fs *FeedStore) Update(q Quote) (bool, error) {
	if q.Price == nil || q.Price.IsZero() {
		return false, fmt.Errorf("feed %s published zero price at sequence %d", q.FeedID, q.Sequence)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	current, ok := fs.quotes[q.FeedID]
	if ok && q.Sequence <= current.Sequence {
		return false, nil
	}
	if ok && q.Sequence > current.Sequence+1 {
		fs.gaps[q.FeedID]++
	}
	fs.quotes[q.FeedID] = Quote{
		FeedID:      q.FeedID,
		Price:       q.Price.Clone(),
		Decimals:    q.Decimals,
		Sequence:    q.Sequence,
		TimestampUs: q.TimestampUs,
	}
	return true, nil
}

// Quote returns the latest stored quote for a feed.
func (fs *FeedStore) Quote(feedID string) (Quote, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	q, ok := fs.quotes[feedID]
	if !ok {
		return Quote{}, fmt.Errorf("%w: feed %s", ErrNoPrice, feedID)
	}
	return Quote{
		FeedID:      q.FeedID,
		Price:       q.Price.Clone(),
		Decimals:    q.Decimals,
		Sequence:    q.Sequence,
		TimestampUs: q.TimestampUs,
	}, nil
}

// GapCount returns how many sequence gaps a feed has shown.
func (fs *FeedStore) GapCount(feedID string) uint64 {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.gaps[feedID]
}

// Snapshot returns all stored quotes, for snapshot persistence.
func (fs *FeedStore) Snapshot() []Quote {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make([]Quote, 0, len(fs.quotes))
	for _, q := range fs.quotes {
		out = append(out, Quote{
			FeedID:      q.FeedID,
			Price:       q.Price.Clone(),
			Decimals:    q.Decimals,
			Sequence:    q.Sequence,
			TimestampUs: q.TimestampUs,
		})
	}
	return out
}

// Restore replaces the stored quotes from a snapshot.
func (fs *FeedStore) Restore(quotes []Quote) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.quotes = make(map[string]Quote, len(quotes))
	for _, q := range quotes {
		fs.quotes[q.FeedID] = Quote{
			FeedID:      q.FeedID,
			Price:       q.Price.Clone(),
			Decimals:    q.Decimals,
			Sequence:    q.Sequence,
			TimestampUs: q.TimestampUs,
		}
	}
}

// Static is a fixed-price oracle for tests and tooling.
type Static struct {
	quotes map[string]Quote
}

func NewStatic() *Static {
	return &Static{quotes: make(map[string]Quote)}
}

// Set pins a feed to a price.
func (s *Static) Set(feedID string, price *uint256.Int, decimals uint8) {
	s.quotes[feedID] = Quote{
		FeedID:   feedID,
		Price:    price.Clone(),
		Decimals: decimals,
	}
}

func (s *Static) Quote(feedID string) (Quote, error) {
	q, ok := s.quotes[feedID]
	if !ok {
		return Quote{}, fmt.Errorf("%w: feed %s", ErrNoPrice, feedID)
	}
	return q, nil
}
