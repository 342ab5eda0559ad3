package inventory

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-arb/internal/config"
	"polymarket-arb/pkg/types"
)

func testInventoryConfig() config.InventoryConfig {
	return config.InventoryConfig{
		GammaBase:            0.2,
		GammaMin:             0.05,
		GammaMax:             1.0,
		SigmaBaseline:        0.05,
		SigmaDefault:         0.05,
		VolatilityWindow:     time.Hour,
		MaxGrossExposure:     50000,
		MaxPositionPerMarket: 5000,
	}
}

func newTestManager() *Manager {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m := NewManager(testInventoryConfig(), logger)
	m.RegisterAsset("tok1", "mkt1", types.Tick0001)
	return m
}

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestRecordTradeOpensLong(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.RecordTrade("tok1", "mkt1", types.BUY, d(100), d(0.40))

	pos, ok := m.Get("tok1")
	if !ok {
		t.Fatal("position should exist")
	}
	if !pos.Shares.Equal(d(100)) {
		t.Errorf("shares = %s, want 100", pos.Shares)
	}
	if !pos.AvgEntry.Equal(d(0.40)) {
		t.Errorf("avg entry = %s, want 0.40", pos.AvgEntry)
	}
	if !pos.RealizedPnL.IsZero() {
		t.Errorf("realized = %s, want 0", pos.RealizedPnL)
	}
}

func TestRecordTradeWeightedAverageEntry(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.RecordTrade("tok1", "mkt1", types.BUY, d(100), d(0.40))
	m.RecordTrade("tok1", "mkt1", types.BUY, d(100), d(0.50))

	pos, _ := m.Get("tok1")
	if !pos.AvgEntry.Equal(d(0.45)) {
		t.Errorf("avg entry = %s, want 0.45", pos.AvgEntry)
	}
}

func TestRecordTradeRealizesOnReduce(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.RecordTrade("tok1", "mkt1", types.BUY, d(100), d(0.40))
	m.RecordTrade("tok1", "mkt1", types.SELL, d(40), d(0.50))

	pos, _ := m.Get("tok1")
	if !pos.Shares.Equal(d(60)) {
		t.Errorf("shares = %s, want 60", pos.Shares)
	}
	// (0.50 − 0.40) × 40 = 4
	if !pos.RealizedPnL.Equal(d(4)) {
		t.Errorf("realized = %s, want 4", pos.RealizedPnL)
	}
	// Average entry is untouched by reductions.
	if !pos.AvgEntry.Equal(d(0.40)) {
		t.Errorf("avg entry = %s, want 0.40", pos.AvgEntry)
	}
}

func TestRecordTradeFlipResetsEntry(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.RecordTrade("tok1", "mkt1", types.BUY, d(50), d(0.40))
	m.RecordTrade("tok1", "mkt1", types.SELL, d(80), d(0.55))

	pos, _ := m.Get("tok1")
	if !pos.Shares.Equal(d(-30)) {
		t.Errorf("shares = %s, want -30", pos.Shares)
	}
	// Realized on the 50 closed: (0.55 − 0.40) × 50 = 7.5
	if !pos.RealizedPnL.Equal(d(7.5)) {
		t.Errorf("realized = %s, want 7.5", pos.RealizedPnL)
	}
	if !pos.AvgEntry.Equal(d(0.55)) {
		t.Errorf("avg entry after flip = %s, want flip price 0.55", pos.AvgEntry)
	}
}

func TestRecordTradeShortSideRealization(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.RecordTrade("tok1", "mkt1", types.SELL, d(100), d(0.60))
	m.RecordTrade("tok1", "mkt1", types.BUY, d(100), d(0.45))

	pos, _ := m.Get("tok1")
	if !pos.Shares.IsZero() {
		t.Errorf("shares = %s, want 0", pos.Shares)
	}
	// Short from 0.60 covered at 0.45: (0.60 − 0.45) × 100 = 15
	if !pos.RealizedPnL.Equal(d(15)) {
		t.Errorf("realized = %s, want 15", pos.RealizedPnL)
	}
}

func TestDustStaysBelowOneTick(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	tick := types.Tick0001.Step()

	// Awkward prices and sizes force sub-tick weighted averages on every
	// fill; the ledger must never accumulate a full tick.
	prices := []float64{0.3337, 0.4441, 0.5273, 0.3919, 0.6001, 0.4567, 0.3793}
	for i := 0; i < 200; i++ {
		p := prices[i%len(prices)]
		m.RecordTrade("tok1", "mkt1", types.BUY, d(7.13), d(p))

		pos, _ := m.Get("tok1")
		if pos.Dust.Abs().GreaterThanOrEqual(tick) {
			t.Fatalf("fill %d: |dust| = %s >= tick %s", i, pos.Dust.Abs(), tick)
		}
	}
}

func TestApplyFillIdempotent(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	fill := types.Fill{
		OrderID: "o1",
		TradeID: "t1",
		Asset:   "tok1",
		Market:  "mkt1",
		Side:    types.BUY,
		Size:    d(100),
		Price:   d(0.40),
		At:      time.Now(),
	}

	m.ApplyFill(fill)
	m.ApplyFill(fill) // redelivered

	pos, _ := m.Get("tok1")
	if !pos.Shares.Equal(d(100)) {
		t.Errorf("shares = %s, want 100 (duplicate fill must be a no-op)", pos.Shares)
	}
	if pos.FillCount != 1 {
		t.Errorf("fill count = %d, want 1", pos.FillCount)
	}

	// Same order, different trade: applies.
	fill.TradeID = "t2"
	m.ApplyFill(fill)
	pos, _ = m.Get("tok1")
	if !pos.Shares.Equal(d(200)) {
		t.Errorf("shares = %s, want 200", pos.Shares)
	}
}

func TestVolatilityNeedsTenSamples(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	for i := 0; i < 9; i++ {
		m.UpdateMarks(map[string]decimal.Decimal{"tok1": d(0.50 + float64(i)*0.001)})
	}
	if _, ok := m.Volatility("tok1"); ok {
		t.Error("volatility should be undefined with fewer than 10 samples")
	}

	for i := 0; i < 5; i++ {
		m.UpdateMarks(map[string]decimal.Decimal{"tok1": d(0.51 + float64(i)*0.001)})
	}
	if _, ok := m.Volatility("tok1"); !ok {
		t.Error("volatility should be defined with 14 samples")
	}
}

func TestDynamicGammaWithoutBaseline(t *testing.T) {
	t.Parallel()

	cfg := testInventoryConfig()
	cfg.SigmaBaseline = 0
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m := NewManager(cfg, logger)

	if got := m.DynamicGamma("tok1"); got != cfg.GammaBase {
		t.Errorf("gamma = %v, want base %v when baseline absent", got, cfg.GammaBase)
	}
}

func TestDynamicGammaClamped(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	// Violent price path to force a huge σ estimate.
	prices := []float64{0.10, 0.90, 0.15, 0.85, 0.20, 0.80, 0.25, 0.75, 0.30, 0.70, 0.35, 0.65}
	for _, p := range prices {
		m.UpdateMarks(map[string]decimal.Decimal{"tok1": d(p)})
	}

	gamma := m.DynamicGamma("tok1")
	if gamma > m.cfg.GammaMax {
		t.Errorf("gamma = %v exceeds max %v", gamma, m.cfg.GammaMax)
	}
	if gamma < m.cfg.GammaMin {
		t.Errorf("gamma = %v below min %v", gamma, m.cfg.GammaMin)
	}
}

func TestInventorySkewSignFollowsPosition(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	mid := d(0.50)

	if !m.InventorySkew("tok1", mid, 24).IsZero() {
		t.Error("flat position should have zero skew")
	}

	m.RecordTrade("tok1", "mkt1", types.BUY, d(100), d(0.50))
	if skew := m.InventorySkew("tok1", mid, 24); !skew.IsPositive() {
		t.Errorf("long skew = %s, want positive", skew)
	}

	m.RecordTrade("tok1", "mkt1", types.SELL, d(300), d(0.50))
	if skew := m.InventorySkew("tok1", mid, 24); !skew.IsNegative() {
		t.Errorf("short skew = %s, want negative", skew)
	}
}

func TestInventorySkewScalesWithHorizon(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.RecordTrade("tok1", "mkt1", types.BUY, d(100), d(0.50))

	full := m.InventorySkew("tok1", d(0.50), 24)
	half := m.InventorySkew("tok1", d(0.50), 12)
	if !half.Mul(decimal.NewFromInt(2)).Equal(full) {
		t.Errorf("12h skew %s should be half of 24h skew %s", half, full)
	}

	// Horizon saturates at 24h.
	week := m.InventorySkew("tok1", d(0.50), 24*7)
	if !week.Equal(full) {
		t.Errorf("skew beyond 24h = %s, want saturated %s", week, full)
	}
}

func TestCheckLimitsPerMarket(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	ok, _ := m.CheckLimits("tok1", d(100), d(0.50))
	if !ok {
		t.Error("small trade should pass limits")
	}

	ok, reason := m.CheckLimits("tok1", d(20000), d(0.50))
	if ok {
		t.Error("10k notional should breach the 5k per-market cap")
	}
	if reason == "" {
		t.Error("expected a reason for the rejection")
	}
}

func TestCheckLimitsGross(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	// Spread existing exposure across markets so the per-market check
	// passes but gross accumulates.
	for i := 0; i < 11; i++ {
		asset := "tok" + string(rune('a'+i))
		m.RegisterAsset(asset, "mkt"+string(rune('a'+i)), types.Tick0001)
		m.RecordTrade(asset, "mkt"+string(rune('a'+i)), types.BUY, d(9000), d(0.50))
	}

	// Gross is now ~49.5k of the 50k cap.
	ok, _ := m.CheckLimits("tok1", d(4000), d(0.50))
	if ok {
		t.Error("trade pushing gross past 50k should be rejected")
	}
}

func TestFlattenProducesReversingIntent(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.RecordTrade("tok1", "mkt1", types.BUY, d(100), d(0.40))

	intent := m.Flatten("tok1", d(0.45))
	if intent == nil {
		t.Fatal("expected a flatten intent")
	}
	if intent.Side != types.SELL {
		t.Errorf("side = %s, want SELL for a long", intent.Side)
	}
	if !intent.Size.Equal(d(100)) {
		t.Errorf("size = %s, want 100", intent.Size)
	}
	if intent.Market != "mkt1" {
		t.Errorf("market = %s, want mkt1", intent.Market)
	}

	if m.Flatten("unknown", d(0.5)) != nil {
		t.Error("flatten of unknown asset should be nil")
	}
}

func TestPruneFlatRespectsGrace(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.RecordTrade("tok1", "mkt1", types.BUY, d(100), d(0.40))
	m.RecordTrade("tok1", "mkt1", types.SELL, d(100), d(0.45))

	if pruned := m.PruneFlat(time.Minute); len(pruned) != 0 {
		t.Error("freshly flat position should survive the grace window")
	}
	if pruned := m.PruneFlat(0); len(pruned) != 1 {
		t.Error("flat position past grace should be pruned")
	}
	if _, ok := m.Get("tok1"); ok {
		t.Error("pruned position should be gone")
	}
}

func TestUpdateMarksUnrealized(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.RecordTrade("tok1", "mkt1", types.BUY, d(100), d(0.40))
	m.UpdateMarks(map[string]decimal.Decimal{"tok1": d(0.46)})

	pos, _ := m.Get("tok1")
	if !pos.UnrealizedPnL.Equal(d(6)) {
		t.Errorf("unrealized = %s, want 6", pos.UnrealizedPnL)
	}

	realized, unrealized, posValue, gross := m.Totals()
	if !realized.IsZero() {
		t.Errorf("total realized = %s, want 0", realized)
	}
	if !unrealized.Equal(d(6)) {
		t.Errorf("total unrealized = %s, want 6", unrealized)
	}
	if !posValue.Equal(d(46)) {
		t.Errorf("position value = %s, want 46", posValue)
	}
	if !gross.Equal(d(40)) {
		t.Errorf("gross = %s, want 40", gross)
	}
}

func TestMarkoutAccumulation(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	m.RecordTrade("tok1", "mkt1", types.BUY, d(10), d(0.50))
	m.RecordMarkout("tok1", d(-0.10))
	m.RecordMarkout("tok1", d(-0.30))

	avg, count := m.MarkoutStats("tok1")
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if !avg.Equal(d(-0.20)) {
		t.Errorf("avg markout = %s, want -0.20", avg)
	}
}
