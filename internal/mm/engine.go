// engine.go runs the quoting loop.
//
// Per market, the engine keeps the active bid/ask order IDs, the last
// quoted prices, a toxic-flow tracker, and pause state. Each cycle:
//
//  1. Fresh snapshot or cancel everything for the market.
//  2. Price-jump filter: |micro − mid|/mid beyond threshold pauses quoting.
//  3. Binary-sum sanity: a broken YES+NO ≈ 1 relation marks the market
//     unhealthy and raises a protocol-invariant event.
//  4. Reservation price r = mid − inventorySkew (γ scaled up under toxic
//     flow), half-spread δ widened by volatility and measured adverse
//     selection, both clamped to configured bounds.
//  5. bid = r − δ, ask = r + δ, clamped to [tick, 1 − tick], with
//     boundary hard-caps disabling one side near 0 and 1 and hysteresis
//     suppressing sub-threshold requotes to avoid book churn.
//  6. POST_ONLY placement; a would-cross rejection walks the price one
//     tick away from the mid and retries a bounded number of times.
//
// Fills arrive synchronously from the stream: the opposite quote is
// cancelled immediately (a racing fill on the other side at stale prices
// would double the exposure), the fill feeds the flow tracker and markout
// scheduler, and the market requotes.
package mm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polymarket-arb/internal/config"
	"polymarket-arb/internal/events"
	"polymarket-arb/internal/exchange"
	"polymarket-arb/internal/inventory"
	"polymarket-arb/internal/market"
	"polymarket-arb/pkg/types"
)

var one = decimal.NewFromInt(1)

// Client is the order surface the engine needs.
type Client interface {
	PlaceOrder(ctx context.Context, intent types.OrderIntent) (*types.PlacedOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelMarketOrders(ctx context.Context, marketID string) ([]string, error)
	CancelAll(ctx context.Context) ([]string, error)
}

// RiskGate is the risk-controller surface the engine consults.
type RiskGate interface {
	CanTrade() bool
	MarketTradable(marketID string) bool
	CheckSpreadSanity(marketID string, bid, ask, tick decimal.Decimal) bool
}

// BusyFunc reports whether another strategy is working a market right now;
// quoting into our own basket legs would be self-dealing.
type BusyFunc func(marketID string) bool

// marketState is the engine's mutable record for one market.
type marketState struct {
	mu   sync.Mutex
	info types.MarketInfo
	flow *FlowTracker

	bidOrderID string
	askOrderID string
	bidPrice   decimal.Decimal
	askPrice   decimal.Decimal

	lastMid     decimal.Decimal
	lastQuoteAt time.Time
	pausedUntil time.Time
}

// Engine quotes all configured markets.
type Engine struct {
	cfg    config.MMConfig
	client Client
	cache  *market.Cache
	inv    *inventory.Manager
	risk   RiskGate
	bus    *events.Bus
	busy   BusyFunc
	logger *slog.Logger

	markets map[string]*marketState // keyed by market ID

	allocMu    sync.RWMutex
	allocation decimal.Decimal // MM capital from the supervisor

	runCtx context.Context
}

// NewEngine creates the quoting engine over the given markets.
func NewEngine(cfg config.MMConfig, client Client, cache *market.Cache, inv *inventory.Manager, risk RiskGate, bus *events.Bus, busy BusyFunc, universe []types.MarketInfo, logger *slog.Logger) *Engine {
	markets := make(map[string]*marketState, len(universe))
	for _, info := range universe {
		markets[info.ID] = &marketState{
			info: info,
			flow: NewFlowTracker(cfg.ToxicWindow, cfg.ToxicFillCount, cfg.ToxicCooldown),
		}
	}
	if busy == nil {
		busy = func(string) bool { return false }
	}
	return &Engine{
		cfg:     cfg,
		client:  client,
		cache:   cache,
		inv:     inv,
		risk:    risk,
		bus:     bus,
		busy:    busy,
		markets: markets,
		logger:  logger.With("component", "mm"),
	}
}

// SetAllocation updates the capital the supervisor grants the engine.
// A zero allocation leaves the per-quote notional uncapped.
func (e *Engine) SetAllocation(usd decimal.Decimal) {
	e.allocMu.Lock()
	defer e.allocMu.Unlock()
	e.allocation = usd
}

func (e *Engine) getAllocation() decimal.Decimal {
	e.allocMu.RLock()
	defer e.allocMu.RUnlock()
	return e.allocation
}

// Run drives the quote cycle for every market. Blocks until ctx cancels,
// then pulls all quotes.
func (e *Engine) Run(ctx context.Context) {
	e.runCtx = ctx

	ticker := time.NewTicker(e.cfg.MinRequoteInterval)
	defer ticker.Stop()

	e.logger.Info("quoting started", "markets", len(e.markets))

	for {
		select {
		case <-ctx.Done():
			e.EmergencyCancelAll("shutdown")
			e.logger.Info("quoting stopped")
			return
		case <-ticker.C:
			for _, ms := range e.markets {
				e.quoteMarket(ctx, ms)
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Quote cycle
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) quoteMarket(ctx context.Context, ms *marketState) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	if now.Before(ms.pausedUntil) {
		return
	}
	if now.Sub(ms.lastQuoteAt) < e.cfg.MinRequoteInterval {
		return
	}
	ms.lastQuoteAt = now

	marketID := ms.info.ID
	if e.busy(marketID) {
		return
	}
	if !e.risk.CanTrade() || !e.risk.MarketTradable(marketID) {
		e.cancelQuotesLocked(ctx, ms, "risk state")
		return
	}

	asset := ms.info.YesAsset()
	if e.cache.IsStale(asset, e.cfg.StaleBookTimeout) {
		e.cancelQuotesLocked(ctx, ms, "stale book")
		return
	}
	snap, ok := e.cache.Get(asset)
	if !ok || !snap.HasBothSides() {
		e.cancelQuotesLocked(ctx, ms, "one-sided book")
		return
	}

	tick := ms.info.TickSize.Step()
	if !e.risk.CheckSpreadSanity(marketID, snap.BestBid, snap.BestAsk, tick) {
		e.cancelQuotesLocked(ctx, ms, "spread sanity")
		return
	}

	mid, micro := snap.Mid, snap.Micro

	// Price-jump filter: a micro price tearing away from the mid means the
	// book is about to reprice; quoting through it donates the move.
	if mid.IsPositive() {
		jump := micro.Sub(mid).Abs().Div(mid)
		if jump.GreaterThan(decimal.NewFromFloat(e.cfg.JumpFilterPct)) {
			ms.pausedUntil = now.Add(e.cfg.PauseDuration)
			e.cancelQuotesLocked(ctx, ms, "price jump")
			e.logger.Warn("price-jump pause",
				"market", ms.info.Slug, "mid", mid, "micro", micro)
			return
		}
	}

	if ms.info.Type == types.Binary && !e.binarySumHealthy(ms) {
		e.cancelQuotesLocked(ctx, ms, "binary sum unhealthy")
		return
	}

	toxic, pressured := ms.flow.Toxic()

	skew := e.inv.InventorySkew(asset, mid, e.cfg.TimeHorizonHours)
	if toxic {
		skew = skew.Mul(decimal.NewFromFloat(e.cfg.ToxicGammaFactor))
	}
	reservation := mid.Sub(skew)

	delta := e.halfSpread(asset)

	bid := reservation.Sub(delta)
	ask := reservation.Add(delta)

	bid = clampPrice(roundDown(bid, ms.info.TickSize), tick)
	ask = clampPrice(roundUp(ask, ms.info.TickSize), tick)
	if bid.GreaterThanOrEqual(ask) {
		bid = ask.Sub(tick)
		if bid.LessThan(tick) {
			bid = tick
		}
	}

	wantBid, wantAsk := true, true

	// Boundary hard-caps: near certainty there is nothing left to earn on
	// the capped side, only tail risk.
	if mid.GreaterThan(decimal.NewFromFloat(e.cfg.BoundaryHigh)) {
		wantBid = false
	}
	if mid.LessThan(decimal.NewFromFloat(e.cfg.BoundaryLow)) {
		wantAsk = false
	}

	// Toxic flow quotes one-sided, away from the pressured direction.
	if toxic {
		switch pressured {
		case types.SELL: // our asks are being swept
			wantAsk = false
		case types.BUY: // our bids are being hit
			wantBid = false
		}
	}

	size := e.quoteSize(mid)
	if !size.GreaterThanOrEqual(ms.info.MinOrderSize) || !size.IsPositive() {
		e.cancelQuotesLocked(ctx, ms, "size below minimum")
		return
	}

	if wantBid {
		if ok, reason := e.inv.CheckLimits(asset, size, bid); !ok {
			e.logger.Debug("bid blocked by limits", "market", ms.info.Slug, "reason", reason)
			wantBid = false
		}
	}
	if wantAsk {
		if ok, reason := e.inv.CheckLimits(asset, size.Neg(), ask); !ok {
			e.logger.Debug("ask blocked by limits", "market", ms.info.Slug, "reason", reason)
			wantAsk = false
		}
	}

	e.reconcileSideLocked(ctx, ms, types.BUY, wantBid, bid, size, mid)
	e.reconcileSideLocked(ctx, ms, types.SELL, wantAsk, ask, size, mid)

	ms.lastMid = mid
}

// halfSpread computes δ: base spread scaled by adverse-selection and
// volatility multipliers, clamped to the configured envelope.
func (e *Engine) halfSpread(asset string) decimal.Decimal {
	adverse := e.adverseMultiplier(asset)
	vol := e.volatilityMultiplier(asset)

	half := e.cfg.BaseSpread / 2 * adverse * vol
	half = math.Max(e.cfg.MinSpread/2, math.Min(e.cfg.MaxSpread/2, half))
	return decimal.NewFromFloat(half)
}

// adverseMultiplier widens the spread 1.5–2× when markouts show the flow
// is consistently informed. Below the sample floor it stays at 1.
func (e *Engine) adverseMultiplier(asset string) float64 {
	avg, count := e.inv.MarkoutStats(asset)
	if count < e.cfg.AdverseMinFills {
		return 1.0
	}
	floor := e.cfg.AdverseMarkoutFloor // negative
	if avg.InexactFloat64() >= floor {
		return 1.0
	}

	// Scale with how far past the floor the average markout sits.
	severity := avg.InexactFloat64() / floor // ≥ 1 when breaching
	return math.Min(2.0, 1.5+(severity-1.0)*0.25)
}

// volatilityMultiplier is σ_current/σ_baseline clamped to [1, 3].
func (e *Engine) volatilityMultiplier(asset string) float64 {
	sigma, ok := e.inv.Volatility(asset)
	if !ok {
		return 1.0
	}
	baseline := e.inv.SigmaBaseline()
	if baseline <= 0 {
		return 1.0
	}
	return math.Max(1.0, math.Min(3.0, sigma/baseline))
}

// quoteSize converts the per-quote notional target into shares, capped by
// the supervisor's allocation.
func (e *Engine) quoteSize(mid decimal.Decimal) decimal.Decimal {
	if !mid.IsPositive() {
		return decimal.Zero
	}
	notional := decimal.NewFromFloat(e.cfg.OrderSizeUSD)
	alloc := e.getAllocation()
	if alloc.IsPositive() && alloc.LessThan(notional) {
		notional = alloc
	}
	if !notional.IsPositive() {
		return decimal.Zero
	}
	return types.QuantizeShares(notional.Div(mid))
}

// reconcileSideLocked converges one side of the quote. Hysteresis: a
// resting order within hysteresisTicks of the new price is left alone.
func (e *Engine) reconcileSideLocked(ctx context.Context, ms *marketState, side types.Side, want bool, price, size, mid decimal.Decimal) {
	orderID, restingPrice := ms.bidOrderID, ms.bidPrice
	if side == types.SELL {
		orderID, restingPrice = ms.askOrderID, ms.askPrice
	}

	if !want {
		if orderID != "" {
			e.cancelOrderLocked(ctx, ms, side, orderID)
		}
		return
	}

	tick := ms.info.TickSize.Step()
	if orderID != "" {
		moved := price.Sub(restingPrice).Abs()
		threshold := tick.Mul(decimal.NewFromInt(int64(e.cfg.HysteresisTicks)))
		if moved.LessThan(threshold) {
			return // not worth the churn
		}
		e.cancelOrderLocked(ctx, ms, side, orderID)
	}

	placed := e.placeWithWalk(ctx, ms.info, side, price, size, mid)
	if placed == nil {
		return
	}

	if side == types.BUY {
		ms.bidOrderID = placed.OrderID
		ms.bidPrice = placed.Intent.LimitPrice
	} else {
		ms.askOrderID = placed.OrderID
		ms.askPrice = placed.Intent.LimitPrice
	}
}

// placeWithWalk submits a POST_ONLY order, stepping the price one tick away
// from the mid on each would-cross rejection, up to the retry limit.
func (e *Engine) placeWithWalk(ctx context.Context, info types.MarketInfo, side types.Side, price, size, mid decimal.Decimal) *types.PlacedOrder {
	tick := info.TickSize.Step()

	for attempt := 0; attempt <= e.cfg.WalkRetryLimit; attempt++ {
		intent := types.OrderIntent{
			Asset:       info.YesAsset(),
			Market:      info.ID,
			Side:        side,
			Size:        size,
			LimitPrice:  price,
			TIF:         types.PostOnly,
			TickSize:    info.TickSize,
			ClientNonce: uuid.NewString(),
		}

		placed, err := e.client.PlaceOrder(ctx, intent)
		if err == nil {
			if placed.State == types.OrderRejected {
				e.logger.Warn("quote rejected",
					"market", info.Slug, "side", side, "price", price)
				return nil
			}
			return placed
		}
		if !errors.Is(err, exchange.ErrPostOnlyWouldCross) {
			e.logger.Error("quote placement failed",
				"market", info.Slug, "side", side, "error", err)
			return nil
		}

		price = WalkQuote(side, price, tick)
		if !clampPrice(price, tick).Equal(price) {
			return nil // walked out of the valid range
		}
	}

	e.logger.Warn("quote kept crossing, giving up",
		"market", info.Slug, "side", side, "final_price", price)
	return nil
}

// WalkQuote steps a rejected post-only price one tick away from the mid:
// bids walk down, asks walk up. Pure function of the rejection side.
func WalkQuote(side types.Side, price, tick decimal.Decimal) decimal.Decimal {
	if side == types.BUY {
		return price.Sub(tick)
	}
	return price.Add(tick)
}

// binarySumHealthy verifies YES+NO mids sum to ≈ 1, publishing a
// protocol-invariant event when they do not.
func (e *Engine) binarySumHealthy(ms *marketState) bool {
	yes, okY := e.cache.Get(ms.info.YesAsset())
	no, okN := e.cache.Get(ms.info.NoAsset())
	if !okY || !okN || !yes.HasBothSides() || !no.HasBothSides() {
		return false
	}

	drift := yes.Mid.Add(no.Mid).Sub(one).Abs()
	if drift.GreaterThan(decimal.NewFromFloat(e.cfg.BinarySumTolerance)) {
		e.bus.Publish(events.ProtocolInvariant, ms.info.ID,
			fmt.Sprintf("binary sum drift %s", drift))
		return false
	}
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Fill handling
// ————————————————————————————————————————————————————————————————————————

// HandleFill is called synchronously from the stream's user dispatch for
// every fill. Inventory has already been updated (it registers first).
func (e *Engine) HandleFill(fill types.Fill) {
	ms, ok := e.markets[fill.Market]
	if !ok {
		return
	}

	ms.mu.Lock()
	// The opposite quote is now priced off a book that just traded through
	// us; cancel it before it gets picked off too.
	opposite := ms.askOrderID
	if fill.Side == types.SELL {
		opposite = ms.bidOrderID
	}
	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if opposite != "" {
		e.cancelOrderLocked(ctx, ms, fill.Side.Opposite(), opposite)
	}
	if fill.Side == types.BUY && fill.OrderID == ms.bidOrderID {
		ms.bidOrderID, ms.bidPrice = "", decimal.Zero
	}
	if fill.Side == types.SELL && fill.OrderID == ms.askOrderID {
		ms.askOrderID, ms.askPrice = "", decimal.Zero
	}
	ms.flow.Add(fill)
	ms.lastQuoteAt = time.Time{} // let the next cycle requote immediately
	ms.mu.Unlock()

	micro := decimal.Zero
	if snap, have := e.cache.Get(fill.Asset); have {
		micro = snap.Micro
	}

	e.inv.AddFillRecord(fill.Asset, inventory.FillRecord{
		At:          fill.At,
		Side:        fill.Side,
		Price:       fill.Price,
		MicroAtFill: micro,
		Size:        fill.Size,
	})

	e.scheduleMarkout(fill)

	e.logger.Info("fill",
		"market", ms.info.Slug,
		"side", fill.Side,
		"price", fill.Price,
		"size", fill.Size,
	)

	e.quoteMarket(ctx, ms)
}

// scheduleMarkout measures the fill's mark-to-market after the horizon:
// (micro_t+h − fillPrice) × signedSize. Persistent negative markouts are
// the adverse-selection signal that widens the spread.
func (e *Engine) scheduleMarkout(fill types.Fill) {
	time.AfterFunc(e.cfg.MarkoutHorizon, func() {
		snap, ok := e.cache.Get(fill.Asset)
		if !ok || !snap.Micro.IsPositive() {
			return
		}

		signed := fill.Size
		if fill.Side == types.SELL {
			signed = signed.Neg()
		}
		pnl := snap.Micro.Sub(fill.Price).Mul(signed)
		e.inv.RecordMarkout(fill.Asset, pnl)
	})
}

// HandleOrderEvent keeps the active-order records in sync with exchange
// lifecycle notifications.
func (e *Engine) HandleOrderEvent(evt types.WSOrderEvent) {
	ms, ok := e.markets[evt.Market]
	if !ok {
		return
	}

	if evt.Type != "CANCELLATION" {
		return
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.bidOrderID == evt.ID {
		ms.bidOrderID, ms.bidPrice = "", decimal.Zero
	}
	if ms.askOrderID == evt.ID {
		ms.askOrderID, ms.askPrice = "", decimal.Zero
	}
}

// ————————————————————————————————————————————————————————————————————————
// Cancels
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) cancelOrderLocked(ctx context.Context, ms *marketState, side types.Side, orderID string) {
	if err := e.client.CancelOrder(ctx, orderID); err != nil {
		e.logger.Error("cancel failed",
			"market", ms.info.Slug, "side", side, "order_id", orderID, "error", err)
	}
	if side == types.BUY {
		ms.bidOrderID, ms.bidPrice = "", decimal.Zero
	} else {
		ms.askOrderID, ms.askPrice = "", decimal.Zero
	}
}

func (e *Engine) cancelQuotesLocked(ctx context.Context, ms *marketState, reason string) {
	if ms.bidOrderID == "" && ms.askOrderID == "" {
		return
	}
	if _, err := e.client.CancelMarketOrders(ctx, ms.info.ID); err != nil {
		e.logger.Error("cancel market quotes failed",
			"market", ms.info.Slug, "reason", reason, "error", err)
		return
	}
	ms.bidOrderID, ms.bidPrice = "", decimal.Zero
	ms.askOrderID, ms.askPrice = "", decimal.Zero
	e.logger.Debug("quotes pulled", "market", ms.info.Slug, "reason", reason)
}

// CancelMarket pulls both quotes on one market. Used by the risk
// controller's breaker callback.
func (e *Engine) CancelMarket(marketID, reason string) {
	ms, ok := e.markets[marketID]
	if !ok {
		return
	}
	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	e.cancelQuotesLocked(ctx, ms, reason)
}

// EmergencyCancelAll pulls every resting order. Registered as the stream's
// disconnect handler (flash cancel) and the risk controller's kill hook,
// so it runs before any reconnect attempt and on every kill.
func (e *Engine) EmergencyCancelAll(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := e.client.CancelAll(ctx); err != nil {
		e.logger.Error("emergency cancel-all failed", "reason", reason, "error", err)
	}

	for _, ms := range e.markets {
		ms.mu.Lock()
		ms.bidOrderID, ms.bidPrice = "", decimal.Zero
		ms.askOrderID, ms.askPrice = "", decimal.Zero
		ms.mu.Unlock()
	}

	e.logger.Warn("emergency cancel-all", "reason", reason)
}

// ActiveOrderIDs returns every resting quote ID, for persistence.
func (e *Engine) ActiveOrderIDs() []string {
	var ids []string
	for _, ms := range e.markets {
		ms.mu.Lock()
		if ms.bidOrderID != "" {
			ids = append(ids, ms.bidOrderID)
		}
		if ms.askOrderID != "" {
			ids = append(ids, ms.askOrderID)
		}
		ms.mu.Unlock()
	}
	return ids
}

// ————————————————————————————————————————————————————————————————————————
// Price helpers
// ————————————————————————————————————————————————————————————————————————

func clampPrice(p, tick decimal.Decimal) decimal.Decimal {
	lo := tick
	hi := one.Sub(tick)
	if p.LessThan(lo) {
		return lo
	}
	if p.GreaterThan(hi) {
		return hi
	}
	return p
}

func roundDown(p decimal.Decimal, tick types.TickSize) decimal.Decimal {
	return p.Truncate(tick.Decimals())
}

func roundUp(p decimal.Decimal, tick types.TickSize) decimal.Decimal {
	truncated := p.Truncate(tick.Decimals())
	if truncated.LessThan(p) {
		return truncated.Add(tick.Step())
	}
	return truncated
}
