// Package risk enforces the global trading-state machine and its
// invariants: drawdown, connection health, spread sanity, and latency.
//
// States escalate monotonically:
//
//	ACTIVE < PAUSED < CIRCUIT_BREAKER < KILL_SWITCH < LIQUIDATION
//
// The only downward transition is CIRCUIT_BREAKER → ACTIVE after the
// breaker's reset timer elapses. KILL_SWITCH and above require operator
// intervention (a process restart after investigation).
//
// When a limit is breached the controller runs its registered cancel
// callbacks synchronously — cancel-all on kill, scope-limited cancels on a
// breaker — then refuses any new placement for the life of the state.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-arb/internal/config"
	"polymarket-arb/internal/events"
	"polymarket-arb/pkg/types"
)

// State is the bot-wide trading state.
type State int

const (
	Active State = iota
	Paused
	CircuitBreaker
	KillSwitch
	Liquidation
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Paused:
		return "PAUSED"
	case CircuitBreaker:
		return "CIRCUIT_BREAKER"
	case KillSwitch:
		return "KILL_SWITCH"
	case Liquidation:
		return "LIQUIDATION"
	}
	return "UNKNOWN"
}

// KillCallback cancels all resting orders when the kill switch fires.
type KillCallback func(reason string)

// BreakerCallback cancels orders in the affected scope. Scope is a market
// ID, or empty for all markets.
type BreakerCallback func(scope, reason string)

// Exposures is the narrow inventory view the controller needs for equity.
type Exposures interface {
	Totals() (realized, unrealized, positionValue, gross decimal.Decimal)
}

// FeedClock reports the last inbound message time for one feed channel.
type FeedClock func() time.Time

// LatencySource reports the recent average order round-trip.
type LatencySource func() (time.Duration, bool)

// Controller evaluates risk checks and owns the trading state.
type Controller struct {
	cfg       config.RiskConfig
	exposures Exposures
	bus       *events.Bus
	logger    *slog.Logger

	mu            sync.Mutex
	state         State
	stateReason   string
	breakerUntil  time.Time
	breakerCount  int
	marketsPaused map[string]time.Time // market → breaker expiry

	peakEquity decimal.Decimal
	equity     decimal.Decimal
	lastSnap   types.EquitySnapshot

	feeds   map[string]FeedClock
	latency LatencySource

	killCbs    []KillCallback
	breakerCbs []BreakerCallback
}

// NewController creates a risk controller in the ACTIVE state with peak
// equity seeded from initial capital.
func NewController(cfg config.RiskConfig, exposures Exposures, bus *events.Bus, logger *slog.Logger) *Controller {
	initial := decimal.NewFromFloat(cfg.InitialCapital)
	return &Controller{
		cfg:           cfg,
		exposures:     exposures,
		bus:           bus,
		logger:        logger.With("component", "risk"),
		state:         Active,
		marketsPaused: make(map[string]time.Time),
		peakEquity:    initial,
		equity:        initial,
		feeds:         make(map[string]FeedClock),
	}
}

// RegisterKillCallback adds a cancel-all hook for KILL_SWITCH.
func (c *Controller) RegisterKillCallback(fn KillCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killCbs = append(c.killCbs, fn)
}

// RegisterBreakerCallback adds a scoped-cancel hook for CIRCUIT_BREAKER.
func (c *Controller) RegisterBreakerCallback(fn BreakerCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakerCbs = append(c.breakerCbs, fn)
}

// RegisterFeed adds a feed whose silence triggers the heartbeat kill.
func (c *Controller) RegisterFeed(name string, clock FeedClock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feeds[name] = clock
}

// RegisterLatencySource wires the order round-trip monitor.
func (c *Controller) RegisterLatencySource(src LatencySource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency = src
}

// ————————————————————————————————————————————————————————————————————————
// State queries
// ————————————————————————————————————————————————————————————————————————

// State returns the current trading state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CanTrade reports whether new orders may be placed at all.
func (c *Controller) CanTrade() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeResetBreakerLocked()
	return c.state == Active
}

// MarketTradable reports whether a specific market accepts new orders,
// accounting for market-scoped breakers and health pauses.
func (c *Controller) MarketTradable(marketID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeResetBreakerLocked()
	if c.state != Active {
		return false
	}
	until, paused := c.marketsPaused[marketID]
	if paused && time.Now().Before(until) {
		return false
	}
	if paused {
		delete(c.marketsPaused, marketID)
	}
	return true
}

// Equity returns the latest equity snapshot and the running peak.
func (c *Controller) Equity() (types.EquitySnapshot, decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSnap, c.peakEquity
}

// SetPeakEquity seeds the peak from persisted state on restart. The peak
// never moves down.
func (c *Controller) SetPeakEquity(peak decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if peak.GreaterThan(c.peakEquity) {
		c.peakEquity = peak
	}
}

// ————————————————————————————————————————————————————————————————————————
// Checks
// ————————————————————————————————————————————————————————————————————————

// UpdateEquity recomputes equity from cash plus marked positions, advances
// the peak, and evaluates the drawdown kill.
func (c *Controller) UpdateEquity(cash decimal.Decimal) types.EquitySnapshot {
	realized, unrealized, positionValue, _ := c.exposures.Totals()

	snap := types.EquitySnapshot{
		At:            time.Now(),
		Cash:          cash,
		PositionValue: positionValue,
		UnrealizedPnL: unrealized,
		RealizedPnL:   realized,
		TotalEquity:   cash.Add(positionValue),
	}

	c.mu.Lock()
	c.lastSnap = snap
	c.equity = snap.TotalEquity
	if snap.TotalEquity.GreaterThan(c.peakEquity) {
		c.peakEquity = snap.TotalEquity
	}
	peak := c.peakEquity
	c.mu.Unlock()

	if peak.IsPositive() {
		drawdown := peak.Sub(snap.TotalEquity).Div(peak)
		if drawdown.GreaterThanOrEqual(decimal.NewFromFloat(c.cfg.MaxDrawdownPct)) {
			c.TriggerKill(fmt.Sprintf("drawdown %s%% from peak %s",
				drawdown.Mul(decimal.NewFromInt(100)).Round(2), peak))
		}
	}

	return snap
}

// CheckSpreadSanity validates a book's top of book. A crossed, empty, or
// absurdly wide book trips a market-scoped circuit breaker.
func (c *Controller) CheckSpreadSanity(marketID string, bid, ask, tick decimal.Decimal) bool {
	if !bid.IsPositive() || !ask.IsPositive() {
		c.TriggerBreaker(marketID, fmt.Sprintf("invalid prices: bid %s ask %s", bid, ask))
		return false
	}
	if bid.GreaterThanOrEqual(ask) {
		c.TriggerBreaker(marketID, fmt.Sprintf("crossed book: bid %s >= ask %s", bid, ask))
		return false
	}

	spreadTicks := ask.Sub(bid).Div(tick)
	if spreadTicks.GreaterThan(decimal.NewFromInt(int64(c.cfg.MaxSpreadTicks))) {
		c.TriggerBreaker(marketID, fmt.Sprintf("abnormal spread: %s ticks > %d",
			spreadTicks.Round(0), c.cfg.MaxSpreadTicks))
		return false
	}
	return true
}

// PauseMarket suppresses one market until the given time without touching
// the global state (protocol-invariant pauses).
func (c *Controller) PauseMarket(marketID string, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marketsPaused[marketID] = until
}

// ————————————————————————————————————————————————————————————————————————
// Escalation
// ————————————————————————————————————————————————————————————————————————

// TriggerKill escalates to KILL_SWITCH and runs cancel-all callbacks.
// Idempotent: repeated triggers while killed are ignored.
func (c *Controller) TriggerKill(reason string) {
	c.mu.Lock()
	if c.state >= KillSwitch {
		c.mu.Unlock()
		return
	}
	c.state = KillSwitch
	c.stateReason = reason
	cbs := c.killCbs
	snap := c.lastSnap
	peak := c.peakEquity
	c.mu.Unlock()

	c.logger.Error("KILL SWITCH",
		"reason", reason,
		"equity", snap.TotalEquity,
		"peak_equity", peak,
	)

	for _, fn := range cbs {
		fn(reason)
	}
}

// TriggerBreaker escalates to CIRCUIT_BREAKER (global when scope is empty,
// market-paused otherwise) and runs scoped cancel callbacks. Severity never
// decreases: a breaker while killed is a no-op.
func (c *Controller) TriggerBreaker(scope, reason string) {
	c.mu.Lock()
	if c.state >= KillSwitch {
		c.mu.Unlock()
		return
	}
	until := time.Now().Add(c.cfg.BreakerReset)
	if scope == "" {
		c.state = CircuitBreaker
		c.stateReason = reason
		c.breakerUntil = until
	} else {
		c.marketsPaused[scope] = until
	}
	c.breakerCount++
	cbs := c.breakerCbs
	c.mu.Unlock()

	c.logger.Warn("CIRCUIT BREAKER",
		"scope", scope,
		"reason", reason,
		"reset_at", until,
	)

	for _, fn := range cbs {
		fn(scope, reason)
	}
}

// EnterLiquidation marks the terminal flatten-everything state.
func (c *Controller) EnterLiquidation(reason string) {
	c.mu.Lock()
	if c.state >= Liquidation {
		c.mu.Unlock()
		return
	}
	c.state = Liquidation
	c.stateReason = reason
	c.mu.Unlock()

	c.logger.Error("LIQUIDATION", "reason", reason)
}

// maybeResetBreakerLocked clears an expired global breaker. The only
// downward state transition.
func (c *Controller) maybeResetBreakerLocked() {
	if c.state == CircuitBreaker && time.Now().After(c.breakerUntil) {
		c.state = Active
		c.stateReason = ""
		c.logger.Info("circuit breaker reset", "total_activations", c.breakerCount)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Monitor loop
// ————————————————————————————————————————————————————————————————————————

// Run evaluates time-based checks and consumes critical events. Blocks
// until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-c.bus.C():
			c.handleEvent(evt)
		case <-ticker.C:
			c.checkHeartbeats()
			c.checkLatency()
			c.mu.Lock()
			c.maybeResetBreakerLocked()
			c.mu.Unlock()
		}
	}
}

func (c *Controller) handleEvent(evt events.Event) {
	c.logger.Warn("critical event",
		"kind", evt.Kind, "market", evt.Market, "reason", evt.Reason)

	switch evt.Kind {
	case events.PartialExecution, events.AuthFailure:
		c.TriggerKill(fmt.Sprintf("%s: %s", evt.Kind, evt.Reason))
	case events.LatencyBreach:
		c.TriggerBreaker("", evt.Reason)
	case events.ProtocolInvariant:
		c.PauseMarket(evt.Market, time.Now().Add(c.cfg.BreakerReset))
	}
}

func (c *Controller) checkHeartbeats() {
	c.mu.Lock()
	feeds := make(map[string]FeedClock, len(c.feeds))
	for name, clock := range c.feeds {
		feeds[name] = clock
	}
	c.mu.Unlock()

	for name, clock := range feeds {
		last := clock()
		if last.IsZero() {
			continue // feed not yet established
		}
		if silence := time.Since(last); silence > c.cfg.HeartbeatTimeout {
			c.TriggerKill(fmt.Sprintf("feed %s silent for %s", name, silence.Round(time.Second)))
			return
		}
	}
}

func (c *Controller) checkLatency() {
	c.mu.Lock()
	src := c.latency
	c.mu.Unlock()

	if src == nil {
		return
	}
	if avg, ok := src(); ok && avg > c.cfg.LatencyKill {
		c.bus.Publish(events.LatencyBreach, "",
			fmt.Sprintf("order round-trip averaging %s > %s", avg.Round(time.Millisecond), c.cfg.LatencyKill))
	}
}
