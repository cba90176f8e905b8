package oracle_test

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"StableLedger/internal/oracle"
)

func quote(seq uint64, price uint64) oracle.Quote {
	return oracle.Quote{
		FeedID:      "eth-usd",
		Price:       uint256.NewInt(price),
		Decimals:    8,
		Sequence:    seq,
		TimestampUs: int64(seq) * 1000,
	}
}

// ============================================================================
// Test: FeedStore sequence handling
// ============================================================================

func TestFeedStore_AppliesNewQuote(t *testing.T) {
	fs := oracle.NewFeedStore()

	applied, err := fs.Update(quote(1, 2000_0000_0000))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !applied {
		t.Fatal("first quote should apply")
	}

	q, err := fs.Quote("eth-usd")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.Price.Uint64() != 2000_0000_0000 || q.Sequence != 1 {
		t.Errorf("unexpected quote %+v", q)
	}
}

func TestFeedStore_IgnoresStale(t *testing.T) {
	fs := oracle.NewFeedStore()
	fs.Update(quote(5, 2000_0000_0000))

	applied, err := fs.Update(quote(4, 1500_0000_0000))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if applied {
		t.Error("stale quote must be ignored")
	}

	q, _ := fs.Quote("eth-usd")
	if q.Price.Uint64() != 2000_0000_0000 {
		t.Errorf("stale quote overwrote price: %s", q.Price.Dec())
	}
}

func TestFeedStore_ToleratesGaps(t *testing.T) {
	fs := oracle.NewFeedStore()
	fs.Update(quote(1, 2000_0000_0000))

	applied, err := fs.Update(quote(10, 2100_0000_0000))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !applied {
		t.Fatal("gapped quote should still apply")
	}
	if fs.GapCount("eth-usd") != 1 {
		t.Errorf("gap count = %d, want 1", fs.GapCount("eth-usd"))
	}
}

func TestFeedStore_RejectsZeroPrice(t *testing.T) {
	fs := oracle.NewFeedStore()
	if _, err := fs.Update(quote(1, 0)); err == nil {
		t.Error("zero price must be rejected")
	}
}

func TestFeedStore_UnknownFeed(t *testing.T) {
	fs := oracle.NewFeedStore()
	_, err := fs.Quote("btc-usd")
	if !errors.Is(err, oracle.ErrNoPrice) {
		t.Errorf("got %v, want ErrNoPrice", err)
	}
}

func TestFeedStore_SnapshotRestore(t *testing.T) {
	fs := oracle.NewFeedStore()
	fs.Update(quote(3, 1999_0000_0000))

	restored := oracle.NewFeedStore()
	restored.Restore(fs.Snapshot())

	q, err := restored.Quote("eth-usd")
	if err != nil {
		t.Fatalf("Quote after restore: %v", err)
	}
	if q.Sequence != 3 || q.Price.Uint64() != 1999_0000_0000 {
		t.Errorf("unexpected restored quote %+v", q)
	}

	// Stale updates stay stale across restore.
	if applied, _ := restored.Update(quote(2, 1000_0000_0000)); applied {
		t.Error("restore must preserve sequence position")
	}
}
