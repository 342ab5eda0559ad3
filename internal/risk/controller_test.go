package risk

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-arb/internal/config"
	"polymarket-arb/internal/events"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		InitialCapital:   100,
		MaxDrawdownPct:   0.05,
		MaxSpreadTicks:   50,
		HeartbeatTimeout: 30 * time.Second,
		LatencyKill:      500 * time.Millisecond,
		BreakerReset:     60 * time.Second,
		StaleThreshold:   500 * time.Millisecond,
	}
}

// fixedExposures returns canned inventory totals.
type fixedExposures struct {
	mu                   sync.Mutex
	realized, unrealized decimal.Decimal
	positionValue, gross decimal.Decimal
}

func (f *fixedExposures) Totals() (realized, unrealized, positionValue, gross decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.realized, f.unrealized, f.positionValue, f.gross
}

func newTestController() (*Controller, *fixedExposures, *events.Bus) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	exp := &fixedExposures{}
	bus := events.NewBus(8)
	return NewController(testRiskConfig(), exp, bus, logger), exp, bus
}

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestDrawdownKillSwitch(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController()

	var killReasons []string
	c.RegisterKillCallback(func(reason string) { killReasons = append(killReasons, reason) })

	// Equity at the initial $100 peak.
	c.UpdateEquity(d(100))
	if c.State() != Active {
		t.Fatalf("state = %s, want ACTIVE", c.State())
	}

	// $100.00 → $94.99 against a $100 peak: 5.01% ≥ 5%.
	c.UpdateEquity(d(94.99))

	if c.State() != KillSwitch {
		t.Fatalf("state = %s, want KILL_SWITCH", c.State())
	}
	if len(killReasons) != 1 {
		t.Errorf("kill callbacks = %d, want 1", len(killReasons))
	}
	if c.CanTrade() {
		t.Error("CanTrade must be false after kill")
	}
	if c.MarketTradable("any") {
		t.Error("no market is tradable after kill")
	}
}

func TestDrawdownJustUnderThreshold(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController()

	c.UpdateEquity(d(100))
	c.UpdateEquity(d(95.01)) // 4.99% drawdown

	if c.State() != Active {
		t.Errorf("state = %s, want ACTIVE at 4.99%% drawdown", c.State())
	}
}

func TestPeakEquityRatchets(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController()

	c.UpdateEquity(d(120))
	_, peak := c.Equity()
	if !peak.Equal(d(120)) {
		t.Errorf("peak = %s, want 120", peak)
	}

	// 5% off the $120 peak, not the $100 initial.
	c.UpdateEquity(d(113.9)) // 5.08% below 120
	if c.State() != KillSwitch {
		t.Errorf("state = %s, want KILL_SWITCH measured from the ratcheted peak", c.State())
	}
}

func TestSpreadSanityBreaker(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController()

	tick := d(0.001)

	var scopes []string
	c.RegisterBreakerCallback(func(scope, reason string) { scopes = append(scopes, scope) })

	// 60 ticks wide > 50 max.
	if c.CheckSpreadSanity("m1", d(0.40), d(0.46), tick) {
		t.Error("60-tick spread should fail sanity")
	}
	if len(scopes) != 1 || scopes[0] != "m1" {
		t.Errorf("breaker scopes = %v, want [m1]", scopes)
	}
	if c.MarketTradable("m1") {
		t.Error("m1 should be paused by the breaker")
	}
	if !c.MarketTradable("m2") {
		t.Error("other markets stay tradable under a market-scoped breaker")
	}
	if c.State() != Active {
		t.Errorf("global state = %s, want ACTIVE for a scoped breaker", c.State())
	}
}

func TestSpreadSanityCrossedAndZero(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController()
	tick := d(0.001)

	if c.CheckSpreadSanity("m1", d(0.50), d(0.50), tick) {
		t.Error("crossed/locked book should fail sanity")
	}
	if c.CheckSpreadSanity("m2", d(0), d(0.50), tick) {
		t.Error("zero bid should fail sanity")
	}
	if c.CheckSpreadSanity("m3", d(0.49), d(0.51), tick) != true {
		t.Error("20-tick spread should pass")
	}
}

func TestGlobalBreakerAutoResets(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := testRiskConfig()
	cfg.BreakerReset = 30 * time.Millisecond
	c := NewController(cfg, &fixedExposures{}, events.NewBus(8), logger)

	c.TriggerBreaker("", "test breach")
	if c.CanTrade() {
		t.Fatal("CanTrade must be false during the breaker")
	}

	time.Sleep(50 * time.Millisecond)
	if !c.CanTrade() {
		t.Error("breaker should auto-reset to ACTIVE after its timer")
	}
}

func TestStateEscalationIsMonotonic(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController()

	c.TriggerKill("first")
	if c.State() != KillSwitch {
		t.Fatalf("state = %s, want KILL_SWITCH", c.State())
	}

	// A breaker after a kill must not lower severity.
	c.TriggerBreaker("", "later breach")
	if c.State() != KillSwitch {
		t.Errorf("state = %s, breaker must not override kill", c.State())
	}

	// A second kill is idempotent.
	killCount := 0
	c.RegisterKillCallback(func(string) { killCount++ })
	c.TriggerKill("second")
	if killCount != 0 {
		t.Error("repeated kill must not re-run callbacks")
	}

	c.EnterLiquidation("flatten")
	if c.State() != Liquidation {
		t.Errorf("state = %s, want LIQUIDATION (upward is allowed)", c.State())
	}
}

func TestHeartbeatTimeoutKills(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController()

	stale := time.Now().Add(-31 * time.Second)
	c.RegisterFeed("book", func() time.Time { return stale })
	c.checkHeartbeats()

	if c.State() != KillSwitch {
		t.Errorf("state = %s, want KILL_SWITCH after 31s feed silence", c.State())
	}
}

func TestHeartbeatUnestablishedFeedIgnored(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController()

	c.RegisterFeed("book", func() time.Time { return time.Time{} })
	c.checkHeartbeats()

	if c.State() != Active {
		t.Errorf("state = %s, a feed that never connected must not kill", c.State())
	}
}

func TestCriticalEventEscalation(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController()

	c.handleEvent(events.Event{Kind: events.ProtocolInvariant, Market: "m1", Reason: "sum off"})
	if c.State() != Active {
		t.Errorf("protocol invariant should pause the market, not change global state")
	}
	if c.MarketTradable("m1") {
		t.Error("m1 should be paused")
	}

	c.handleEvent(events.Event{Kind: events.PartialExecution, Market: "m2", Reason: "1/3 legs"})
	if c.State() != KillSwitch {
		t.Errorf("state = %s, partial execution must kill", c.State())
	}
}

func TestLatencyBreachTripsBreaker(t *testing.T) {
	t.Parallel()
	c, _, bus := newTestController()

	c.RegisterLatencySource(func() (time.Duration, bool) {
		return 800 * time.Millisecond, true
	})
	c.checkLatency()

	select {
	case evt := <-bus.C():
		if evt.Kind != events.LatencyBreach {
			t.Errorf("event = %s, want LATENCY_BREACH", evt.Kind)
		}
		c.handleEvent(evt)
	default:
		t.Fatal("expected a latency breach event")
	}

	if c.State() != CircuitBreaker {
		t.Errorf("state = %s, want CIRCUIT_BREAKER", c.State())
	}
}

func TestSetPeakEquityNeverLowers(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestController()

	c.SetPeakEquity(d(150))
	_, peak := c.Equity()
	if !peak.Equal(d(150)) {
		t.Errorf("peak = %s, want 150", peak)
	}

	c.SetPeakEquity(d(120))
	_, peak = c.Equity()
	if !peak.Equal(d(150)) {
		t.Errorf("peak = %s, restoring a lower peak must not lower it", peak)
	}
}
