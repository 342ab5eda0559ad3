// executor.go executes an Opportunity as an all-or-nothing basket.
//
// State machine:
//
//	PRE_FLIGHT → CONCURRENT_PLACEMENT → FILL_MONITORING → FILL_COMPLETION
//	                                                    ↘ ABORT
//
// PRE_FLIGHT re-validates everything against live books without placing a
// single order: opportunity age, per-leg ask drift and depth, risk state,
// exposure limits, and the basket-sum invariant. Any failure is terminal
// and position-free.
//
// CONCURRENT_PLACEMENT submits every leg in parallel as FOK limit orders at
// the opportunity's ask prices and joins before classification. The round
// is bounded by the placement deadline; legs still non-terminal at expiry
// are cancelled and counted as unfilled.
//
// A clean sweep (every leg filled at target size) completes the basket. A
// clean miss (nothing filled) costs nothing. Anything in between is an
// ABORT: pending legs are cancelled, filled legs are reversed at the best
// available bid — smallest notional first, to free gross exposure for a
// retry — and a PartialExecution critical event records the uneven legs
// for operator audit.
package arb

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polymarket-arb/internal/config"
	"polymarket-arb/internal/events"
	"polymarket-arb/internal/market"
	"polymarket-arb/pkg/types"
)

// Phase identifies where in the state machine an execution ended.
type Phase string

const (
	PreFlight           Phase = "PRE_FLIGHT"
	ConcurrentPlacement Phase = "CONCURRENT_PLACEMENT"
	FillMonitoring      Phase = "FILL_MONITORING"
	FillCompletion      Phase = "FILL_COMPLETION"
	Abort               Phase = "ABORT"
)

// ExchangeClient is the order surface the executor needs.
type ExchangeClient interface {
	PlaceOrder(ctx context.Context, intent types.OrderIntent) (*types.PlacedOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// RiskGate is the risk-controller surface the executor consults.
type RiskGate interface {
	CanTrade() bool
	MarketTradable(marketID string) bool
}

// LimitChecker is the inventory surface guarding exposure caps.
type LimitChecker interface {
	CheckLimits(asset string, deltaShares, price decimal.Decimal) (bool, string)
}

// LegResult records one leg's outcome.
type LegResult struct {
	Leg    Leg
	Order  *types.PlacedOrder // nil when placement errored outright
	Err    error
	Filled decimal.Decimal
}

// Result is the terminal outcome of one basket attempt.
type Result struct {
	Success      bool
	Phase        Phase
	Market       string
	Shares       decimal.Decimal // target shares per leg
	TotalCost    decimal.Decimal // collateral spent on filled legs
	Legs         []LegResult
	PartialLegs  []string            // assets whose fills diverged from target
	Reversals    []types.PlacedOrder // reversing orders submitted during ABORT
	Reason       string
	Elapsed      time.Duration
}

// Executor turns opportunities into baskets, one at a time. A new basket
// never begins until the previous one reaches a terminal state.
type Executor struct {
	cfg       config.ArbConfig
	client    ExchangeClient
	cache     *market.Cache
	risk      RiskGate
	limits    LimitChecker
	bus       *events.Bus
	staleness time.Duration
	logger    *slog.Logger

	runMu sync.Mutex // serializes basket attempts

	// busy marks markets with an in-flight basket so the quoting engine
	// can avoid trading against its own legs.
	busyMu sync.Mutex
	busy   map[string]time.Time
}

// NewExecutor wires the executor.
func NewExecutor(cfg config.ArbConfig, staleness time.Duration, client ExchangeClient, cache *market.Cache, risk RiskGate, limits LimitChecker, bus *events.Bus, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:       cfg,
		client:    client,
		cache:     cache,
		risk:      risk,
		limits:    limits,
		bus:       bus,
		staleness: staleness,
		logger:    logger.With("component", "arb_executor"),
		busy:      make(map[string]time.Time),
	}
}

// MarketBusy reports whether a basket is (or just was) working the market.
// The cooldown keeps the maker away while late fills drain in.
func (e *Executor) MarketBusy(marketID string, cooldown time.Duration) bool {
	e.busyMu.Lock()
	defer e.busyMu.Unlock()
	since, ok := e.busy[marketID]
	if !ok {
		return false
	}
	if since.IsZero() {
		return true // in flight
	}
	if time.Since(since) < cooldown {
		return true
	}
	delete(e.busy, marketID)
	return false
}

func (e *Executor) markBusy(marketID string) {
	e.busyMu.Lock()
	e.busy[marketID] = time.Time{}
	e.busyMu.Unlock()
}

func (e *Executor) markDone(marketID string) {
	e.busyMu.Lock()
	e.busy[marketID] = time.Now()
	e.busyMu.Unlock()
}

// Run consumes scanner passes and executes the best live opportunity of
// each. Blocks until ctx is cancelled.
func (e *Executor) Run(ctx context.Context, results <-chan []Opportunity) {
	for {
		select {
		case <-ctx.Done():
			return
		case opps := <-results:
			for i := range opps {
				opp := &opps[i]
				if opp.IsStale() {
					continue
				}
				res := e.Execute(ctx, opp, opp.MaxShares)
				e.logResult(res)
				break // one basket per pass; the next pass has fresher books
			}
		}
	}
}

func (e *Executor) logResult(res Result) {
	if res.Success {
		e.logger.Info("basket complete",
			"market", res.Market,
			"shares", res.Shares,
			"cost", res.TotalCost,
			"elapsed", res.Elapsed,
		)
		return
	}
	if res.Phase == Abort {
		e.logger.Error("basket aborted with uneven fills",
			"market", res.Market,
			"partial_legs", res.PartialLegs,
			"reversals", len(res.Reversals),
			"reason", res.Reason,
		)
		return
	}
	e.logger.Debug("basket not executed",
		"market", res.Market, "phase", res.Phase, "reason", res.Reason)
}

// Execute runs one basket attempt to a terminal state.
func (e *Executor) Execute(ctx context.Context, opp *Opportunity, shares decimal.Decimal) Result {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	start := time.Now()
	shares = types.QuantizeShares(shares)

	res := Result{
		Phase:  PreFlight,
		Market: opp.Market.ID,
		Shares: shares,
	}

	if reason, ok := e.preFlight(opp, shares); !ok {
		res.Reason = reason
		res.Elapsed = time.Since(start)
		return res
	}

	e.markBusy(opp.Market.ID)
	defer e.markDone(opp.Market.ID)

	res.Phase = ConcurrentPlacement
	legResults := e.placeLegs(ctx, opp, shares)
	res.Legs = legResults
	res.Phase = FillMonitoring

	filled, unfilled, partial := classify(legResults, shares)

	switch {
	case len(filled) == len(legResults) && len(partial) == 0:
		res.Phase = FillCompletion
		res.Success = true
		for _, lr := range filled {
			res.TotalCost = res.TotalCost.Add(lr.Filled.Mul(lr.Order.AvgFillPrice))
		}

	case len(filled) == 0 && len(partial) == 0:
		res.Reason = "no legs filled"

	default:
		res.Phase = Abort
		res.Reason = fmt.Sprintf("%d/%d legs filled, %d partial",
			len(filled), len(legResults), len(partial))

		for _, lr := range partial {
			res.PartialLegs = append(res.PartialLegs, lr.Leg.Asset)
		}
		for _, lr := range filled {
			res.TotalCost = res.TotalCost.Add(lr.Filled.Mul(lr.Order.AvgFillPrice))
		}

		e.cancelPending(ctx, unfilled)
		res.Reversals = e.reverseLegs(ctx, opp, append(filled, partial...))

		e.bus.Publish(events.PartialExecution, opp.Market.ID, res.Reason)
	}

	res.Elapsed = time.Since(start)
	return res
}

// preFlight validates the basket against live state. No orders are placed
// here; any failure is free.
func (e *Executor) preFlight(opp *Opportunity, shares decimal.Decimal) (string, bool) {
	if opp.IsStale() {
		return fmt.Sprintf("opportunity aged %s > %s", opp.Age().Round(time.Millisecond), opp.MaxAge), false
	}
	if !shares.IsPositive() {
		return "zero shares requested", false
	}
	if !e.risk.CanTrade() {
		return "risk state forbids trading", false
	}
	if !e.risk.MarketTradable(opp.Market.ID) {
		return "market paused by risk controller", false
	}

	slip := one.Add(decimal.NewFromFloat(e.cfg.MaxSlippagePct))
	depthNeed := shares.Mul(decimal.NewFromFloat(e.cfg.SafetyBuffer))
	liveSum := decimal.Zero

	for _, leg := range opp.Legs {
		if e.cache.IsStale(leg.Asset, e.staleness) {
			return fmt.Sprintf("leg %s snapshot stale", leg.Asset), false
		}
		snap, ok := e.cache.Get(leg.Asset)
		if !ok || !snap.BestAsk.IsPositive() {
			return fmt.Sprintf("leg %s has no ask", leg.Asset), false
		}
		if snap.BestAsk.GreaterThan(leg.AskPrice.Mul(slip)) {
			return fmt.Sprintf("leg %s slipped: %s > %s·(1+%.3f)",
				leg.Asset, snap.BestAsk, leg.AskPrice, e.cfg.MaxSlippagePct), false
		}
		if snap.AskSize.LessThan(depthNeed) {
			return fmt.Sprintf("leg %s depth %s < %s", leg.Asset, snap.AskSize, depthNeed), false
		}
		liveSum = liveSum.Add(snap.BestAsk)

		if ok, reason := e.limits.CheckLimits(leg.Asset, shares, leg.AskPrice); !ok {
			return "exposure: " + reason, false
		}
	}

	threshold := one.Sub(decimal.NewFromFloat(e.cfg.FeeBuffer))
	if normalizeSum(opp.Market.Type, len(opp.Legs), liveSum).GreaterThanOrEqual(threshold) {
		return "basket sum no longer clears the fee buffer", false
	}
	return "", true
}

// placeLegs submits every leg concurrently as FOK at the opportunity's ask
// prices and joins when each has a terminal placement response or the
// deadline expires.
func (e *Executor) placeLegs(ctx context.Context, opp *Opportunity, shares decimal.Decimal) []LegResult {
	deadline, cancel := context.WithTimeout(ctx, e.cfg.PlacementDeadline)
	defer cancel()

	results := make([]LegResult, len(opp.Legs))
	var wg sync.WaitGroup

	for i, leg := range opp.Legs {
		wg.Add(1)
		go func(i int, leg Leg) {
			defer wg.Done()

			intent := types.OrderIntent{
				Asset:       leg.Asset,
				Market:      opp.Market.ID,
				Side:        types.BUY,
				Size:        shares,
				LimitPrice:  types.QuantizePrice(leg.AskPrice, opp.Market.TickSize),
				TIF:         types.FOK,
				TickSize:    opp.Market.TickSize,
				ClientNonce: uuid.NewString(),
			}

			order, err := e.client.PlaceOrder(deadline, intent)
			lr := LegResult{Leg: leg, Order: order, Err: err}
			if order != nil {
				lr.Filled = order.FilledSize
			}
			results[i] = lr
		}(i, leg)
	}

	wg.Wait()
	return results
}

// classify splits leg results into fully filled, unfilled, and partial.
func classify(legs []LegResult, target decimal.Decimal) (filled, unfilled, partial []LegResult) {
	for _, lr := range legs {
		switch {
		case lr.Err != nil || lr.Order == nil:
			unfilled = append(unfilled, lr)
		case lr.Order.State == types.OrderFilled && lr.Filled.GreaterThanOrEqual(target):
			filled = append(filled, lr)
		case lr.Filled.IsPositive():
			partial = append(partial, lr)
		default:
			unfilled = append(unfilled, lr)
		}
	}
	return filled, unfilled, partial
}

// cancelPending best-effort cancels legs that may still be resting.
func (e *Executor) cancelPending(ctx context.Context, unfilled []LegResult) {
	for _, lr := range unfilled {
		if lr.Order == nil || lr.Order.OrderID == "" || lr.Order.State.Terminal() {
			continue
		}
		if err := e.client.CancelOrder(ctx, lr.Order.OrderID); err != nil {
			e.logger.Error("cancel pending leg failed",
				"order_id", lr.Order.OrderID, "error", err)
		}
	}
}

// reverseLegs unwinds executed legs at the best available bid, smallest
// notional first so gross exposure frees up fastest. The loss is bounded by
// the bid-ask spread on each leg. A reversal that cannot find any bid is
// reported and left to the operator.
func (e *Executor) reverseLegs(ctx context.Context, opp *Opportunity, executed []LegResult) []types.PlacedOrder {
	sort.Slice(executed, func(i, j int) bool {
		ni := executed[i].Filled.Mul(executed[i].Leg.AskPrice)
		nj := executed[j].Filled.Mul(executed[j].Leg.AskPrice)
		return ni.LessThan(nj)
	})

	var reversals []types.PlacedOrder
	for _, lr := range executed {
		if !lr.Filled.IsPositive() {
			continue
		}

		snap, ok := e.cache.Get(lr.Leg.Asset)
		if !ok || !snap.BestBid.IsPositive() {
			e.bus.Publish(events.PartialExecution, opp.Market.ID,
				fmt.Sprintf("no bid to reverse leg %s (%s shares held)", lr.Leg.Asset, lr.Filled))
			continue
		}

		price := snap.BestBid
		if snap.BidSize.LessThan(lr.Filled) {
			// Not enough at the top: rest one tick under the best bid so
			// the remainder still works off without chasing the book down.
			price = snap.BestBid.Sub(opp.Market.TickSize.Step())
		}

		intent := types.OrderIntent{
			Asset:       lr.Leg.Asset,
			Market:      opp.Market.ID,
			Side:        types.SELL,
			Size:        lr.Filled,
			LimitPrice:  types.QuantizePrice(price, opp.Market.TickSize),
			TIF:         types.GTC,
			TickSize:    opp.Market.TickSize,
			ClientNonce: uuid.NewString(),
		}

		order, err := e.client.PlaceOrder(ctx, intent)
		if err != nil {
			e.logger.Error("reversal placement failed",
				"asset", lr.Leg.Asset, "size", lr.Filled, "error", err)
			continue
		}
		reversals = append(reversals, *order)
	}
	return reversals
}
