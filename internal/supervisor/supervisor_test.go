package supervisor

import (
	"testing"

	"github.com/shopspring/decimal"

	"polymarket-arb/internal/config"
	"polymarket-arb/pkg/types"
)

func TestBuildUniverse(t *testing.T) {
	t.Parallel()

	universe, err := buildUniverse([]config.MarketConfig{
		{
			ID:           "0xc1",
			Slug:         "binary-market",
			Type:         "BINARY",
			Outcomes:     []string{"tok-yes", "tok-no"},
			OutcomeNames: []string{"Yes", "No"},
			TickSize:     "0.001",
			MinOrderSize: 5,
			TakerFeeBps:  100,
			EndDate:      "2026-12-31T00:00:00Z",
		},
		{
			ID:       "0xc2",
			Type:     "NEG_RISK",
			Outcomes: []string{"a", "b", "c"},
		},
	})
	if err != nil {
		t.Fatalf("buildUniverse: %v", err)
	}
	if len(universe) != 2 {
		t.Fatalf("markets = %d, want 2", len(universe))
	}

	bin := universe[0]
	if bin.Type != types.Binary {
		t.Errorf("type = %s, want BINARY", bin.Type)
	}
	if bin.YesAsset() != "tok-yes" || bin.NoAsset() != "tok-no" {
		t.Errorf("outcome assets wrong: %+v", bin.Outcomes)
	}
	if bin.Outcomes[0].Name != "Yes" {
		t.Errorf("outcome name = %q, want Yes", bin.Outcomes[0].Name)
	}
	if !bin.MinOrderSize.Equal(decimal.NewFromInt(5)) {
		t.Errorf("min order size = %s, want 5", bin.MinOrderSize)
	}
	if bin.EndDate.IsZero() {
		t.Error("end date should parse")
	}

	// Missing tick size falls back to the 0.001 default.
	if universe[1].TickSize != types.Tick0001 {
		t.Errorf("default tick = %s, want 0.001", universe[1].TickSize)
	}
}

func TestBuildUniverseRejectsBadInput(t *testing.T) {
	t.Parallel()

	if _, err := buildUniverse([]config.MarketConfig{
		{ID: "x", Type: "BINARY", Outcomes: []string{"a", "b"}, TickSize: "0.005"},
	}); err == nil {
		t.Error("expected error for unsupported tick size")
	}

	if _, err := buildUniverse([]config.MarketConfig{
		{ID: "x", Type: "BINARY", Outcomes: []string{"a", "b"}, EndDate: "tomorrow"},
	}); err == nil {
		t.Error("expected error for unparseable end date")
	}
}
