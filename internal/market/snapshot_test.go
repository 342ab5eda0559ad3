package market

import (
	"testing"

	"github.com/shopspring/decimal"

	"polymarket-arb/pkg/types"
)

func testBookEvent() types.WSBookEvent {
	return types.WSBookEvent{
		EventType: "book",
		AssetID:   "tok1",
		Market:    "cond1",
		Timestamp: "1700000000123",
		Bids: []types.WSLevel{
			{Price: "0.49", Size: "200"},
			{Price: "0.48", Size: "50"},
		},
		Asks: []types.WSLevel{
			{Price: "0.51", Size: "100"},
			{Price: "0.52", Size: "75"},
		},
	}
}

func TestBuildSnapshotDerivedPrices(t *testing.T) {
	t.Parallel()

	snap, err := BuildSnapshot(testBookEvent())
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}

	if snap.Seq != 1700000000123 {
		t.Errorf("Seq = %d, want 1700000000123", snap.Seq)
	}
	if !snap.BestBid.Equal(decimal.NewFromFloat(0.49)) {
		t.Errorf("BestBid = %s, want 0.49", snap.BestBid)
	}
	if !snap.BestAsk.Equal(decimal.NewFromFloat(0.51)) {
		t.Errorf("BestAsk = %s, want 0.51", snap.BestAsk)
	}
	if !snap.Mid.Equal(decimal.NewFromFloat(0.50)) {
		t.Errorf("Mid = %s, want 0.50", snap.Mid)
	}

	// micro = (200·0.51 + 100·0.49) / 300 = 151/300 ≈ 0.50333…
	want := decimal.NewFromInt(151).Div(decimal.NewFromInt(300))
	if !snap.Micro.Sub(want).Abs().LessThan(decimal.NewFromFloat(1e-9)) {
		t.Errorf("Micro = %s, want %s", snap.Micro, want)
	}
}

func TestBuildSnapshotMicroLeansTowardHeavySide(t *testing.T) {
	t.Parallel()

	evt := testBookEvent()
	snap, err := BuildSnapshot(evt)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}

	// Bid size dominates, so the micro price sits above the mid.
	if !snap.Micro.GreaterThan(snap.Mid) {
		t.Errorf("micro %s should exceed mid %s when bid size dominates", snap.Micro, snap.Mid)
	}
}

func TestBuildSnapshotDropsZeroSizeLevels(t *testing.T) {
	t.Parallel()

	evt := testBookEvent()
	evt.Bids = append([]types.WSLevel{{Price: "0.495", Size: "0"}}, evt.Bids...)

	snap, err := BuildSnapshot(evt)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}
	if !snap.BestBid.Equal(decimal.NewFromFloat(0.49)) {
		t.Errorf("BestBid = %s, zero-size level should be dropped", snap.BestBid)
	}
}

func TestBuildSnapshotBadTimestamp(t *testing.T) {
	t.Parallel()

	evt := testBookEvent()
	evt.Timestamp = "not-a-number"
	if _, err := BuildSnapshot(evt); err == nil {
		t.Error("expected error for unparseable timestamp")
	}
}

func TestBuildSnapshotOneSidedBook(t *testing.T) {
	t.Parallel()

	evt := testBookEvent()
	evt.Asks = nil
	snap, err := BuildSnapshot(evt)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}
	if snap.HasBothSides() {
		t.Error("one-sided book should not report both sides")
	}
	if !snap.Mid.IsZero() {
		t.Errorf("Mid = %s, want 0 for one-sided book", snap.Mid)
	}
}
