package store

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-arb/internal/exchange"
	"polymarket-arb/internal/inventory"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func testState() BotState {
	return BotState{
		Positions: []inventory.Position{
			{
				Asset:       "tok1",
				Market:      "mkt1",
				Shares:      d(100),
				AvgEntry:    d(0.45),
				RealizedPnL: d(3.5),
				LastUpdate:  time.Now(),
			},
		},
		RealizedPnL: d(3.5),
		PeakEquity:  d(1050),
		LastBookSeq: map[string]uint64{"tok1": 12345},
		OpenOrderIDs: []string{"o1", "o2"},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	if err := s.Save(testState()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected persisted state")
	}

	if len(loaded.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(loaded.Positions))
	}
	pos := loaded.Positions[0]
	if !pos.Shares.Equal(d(100)) || !pos.AvgEntry.Equal(d(0.45)) {
		t.Errorf("position mismatch: %+v", pos)
	}
	if !loaded.PeakEquity.Equal(d(1050)) {
		t.Errorf("peak = %s, want 1050", loaded.PeakEquity)
	}
	if loaded.LastBookSeq["tok1"] != 12345 {
		t.Errorf("seq = %d, want 12345", loaded.LastBookSeq["tok1"])
	}
	if len(loaded.OpenOrderIDs) != 2 {
		t.Errorf("order IDs = %v, want 2 entries", loaded.OpenOrderIDs)
	}
}

func TestLoadMissingIsFreshStart(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != nil {
		t.Error("missing state file should load as nil")
	}
}

func TestSaveIsAtomicReplacement(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	if err := s.Save(testState()); err != nil {
		t.Fatalf("first save: %v", err)
	}
	second := testState()
	second.PeakEquity = d(2000)
	if err := s.Save(second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loaded.PeakEquity.Equal(d(2000)) {
		t.Errorf("peak = %s, want the newer 2000", loaded.PeakEquity)
	}

	if _, err := os.Stat(s.path + ".tmp"); !os.IsNotExist(err) {
		t.Error("tmp file should not survive a completed save")
	}
}

func TestReconcileAgreementKeepsLocal(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	persisted := testState().Positions
	live := []exchange.ExchangePosition{
		{Asset: "tok1", Market: "mkt1", Shares: d(100), AvgPrice: d(0.45)},
	}

	out := s.Reconcile(persisted, live, d(0.001))
	if len(out) != 1 {
		t.Fatalf("positions = %d, want 1", len(out))
	}
	if !out[0].RealizedPnL.Equal(d(3.5)) {
		t.Error("local bookkeeping should survive an agreeing reconcile")
	}
}

func TestReconcileDisagreementUsesExchange(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	persisted := testState().Positions
	live := []exchange.ExchangePosition{
		{Asset: "tok1", Market: "mkt1", Shares: d(90), AvgPrice: d(0.47)},
	}

	out := s.Reconcile(persisted, live, d(0.001))
	if len(out) != 1 {
		t.Fatalf("positions = %d, want 1", len(out))
	}
	if !out[0].Shares.Equal(d(90)) {
		t.Errorf("shares = %s, want exchange value 90", out[0].Shares)
	}
	if !out[0].AvgEntry.Equal(d(0.47)) {
		t.Errorf("entry = %s, want exchange value 0.47", out[0].AvgEntry)
	}
	// Realized P&L is local-only bookkeeping and survives.
	if !out[0].RealizedPnL.Equal(d(3.5)) {
		t.Error("realized P&L should survive reconciliation")
	}
}

func TestReconcileDropsGhostPosition(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	persisted := testState().Positions
	out := s.Reconcile(persisted, nil, d(0.001))
	if len(out) != 0 {
		t.Errorf("positions = %d, want 0 when the exchange shows nothing", len(out))
	}
}

func TestReconcileAdoptsUnknownExchangePosition(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	live := []exchange.ExchangePosition{
		{Asset: "tokX", Market: "mktX", Shares: d(42), AvgPrice: d(0.33)},
	}
	out := s.Reconcile(nil, live, d(0.001))
	if len(out) != 1 {
		t.Fatalf("positions = %d, want 1 adopted", len(out))
	}
	if out[0].Asset != "tokX" || !out[0].Shares.Equal(d(42)) {
		t.Errorf("adopted position mismatch: %+v", out[0])
	}
}

func TestReconcileWithinToleranceKeepsLocal(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	persisted := testState().Positions
	// One tick of entry drift, a hundredth of a share: inside tolerance.
	live := []exchange.ExchangePosition{
		{Asset: "tok1", Market: "mkt1", Shares: d(100.01), AvgPrice: d(0.451)},
	}

	out := s.Reconcile(persisted, live, d(0.001))
	if !out[0].Shares.Equal(d(100)) {
		t.Errorf("shares = %s, sub-tolerance drift should keep local", out[0].Shares)
	}
}
