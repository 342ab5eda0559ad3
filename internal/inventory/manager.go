// Package inventory tracks positions, P&L, realized volatility, and the
// reservation-price skew used by the quoting engine.
//
// The model behind the skew:
//
//	skew = γ* × shares × σ² × min(T/24, 1) × mid
//
// where γ* is the volatility-scaled risk aversion, σ the annualized
// realized volatility from a rolling 1-hour window of log returns, and T
// the time horizon in hours. When long, the skew lowers quotes so the ask
// is more attractive to buyers; when short, it raises them.
//
// Average entry prices are kept quantized to the market tick. Sub-tick
// remainders accumulate in a dust ledger per position; once the ledger
// reaches a full tick it is folded back into the next average-entry
// computation, so cumulative rounding loss stays below one tick no matter
// how many fills a position sees.
package inventory

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-arb/internal/config"
	"polymarket-arb/pkg/types"
)

// FlatThreshold is the share tolerance below which a position counts as flat.
var FlatThreshold = decimal.NewFromFloat(0.01)

const (
	minVolSamples   = 10   // log-return samples required before σ is reported
	maxPriceSamples = 1000 // ring capacity per asset
)

// FillRecord is one execution retained for markout analysis.
type FillRecord struct {
	At          time.Time
	Side        types.Side
	Price       decimal.Decimal
	MicroAtFill decimal.Decimal
	Size        decimal.Decimal
}

// Position is the current holding in one asset. Shares > 0 is long,
// < 0 is short. Realized P&L moves only on position-reducing trades.
type Position struct {
	Asset           string          `json:"asset"`
	Market          string          `json:"market"`
	Shares          decimal.Decimal `json:"shares"`
	AvgEntry        decimal.Decimal `json:"avg_entry"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	Dust            decimal.Decimal `json:"dust"` // sub-tick rounding ledger, |dust| < tick
	FillCount       int             `json:"fill_count"`
	TotalMarkoutPnL decimal.Decimal `json:"total_markout_pnl"`
	MarkoutCount    int             `json:"markout_count"`
	LastUpdate      time.Time       `json:"last_update"`

	LastMark decimal.Decimal `json:"last_mark"`
	Fills    []FillRecord    `json:"-"` // markout ring, most recent last
}

// IsFlat reports whether the position is economically empty.
func (p *Position) IsFlat() bool {
	return p.Shares.Abs().LessThan(FlatThreshold)
}

// Notional returns |shares × avgEntry|.
func (p *Position) Notional() decimal.Decimal {
	return p.Shares.Mul(p.AvgEntry).Abs()
}

type pricePoint struct {
	at    time.Time
	price decimal.Decimal
}

// Manager owns all positions. A single mutex serializes trade recording and
// mark updates; no network calls happen while it is held.
type Manager struct {
	cfg    config.InventoryConfig
	logger *slog.Logger

	mu        sync.Mutex
	positions map[string]*Position // keyed by asset
	ticks     map[string]types.TickSize
	markets   map[string]string // asset → market ID
	seen      map[string]bool   // orderID+tradeID fill dedupe
	history   map[string][]pricePoint
}

// NewManager creates an inventory manager.
func NewManager(cfg config.InventoryConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger.With("component", "inventory"),
		positions: make(map[string]*Position),
		ticks:     make(map[string]types.TickSize),
		markets:   make(map[string]string),
		seen:      make(map[string]bool),
		history:   make(map[string][]pricePoint),
	}
}

// RegisterAsset declares an asset's market and tick size ahead of trading.
func (m *Manager) RegisterAsset(asset, marketID string, tick types.TickSize) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks[asset] = tick
	m.markets[asset] = marketID
}

func (m *Manager) tickFor(asset string) decimal.Decimal {
	if tick, ok := m.ticks[asset]; ok {
		return tick.Step()
	}
	return types.Tick0001.Step()
}

// ————————————————————————————————————————————————————————————————————————
// Trade recording
// ————————————————————————————————————————————————————————————————————————

// ApplyFill records a fill from the user stream. Fills are idempotent on
// OrderID+TradeID: a redelivered event leaves state unchanged.
func (m *Manager) ApplyFill(fill types.Fill) {
	key := fill.OrderID + "/" + fill.TradeID
	m.mu.Lock()
	if m.seen[key] {
		m.mu.Unlock()
		return
	}
	m.seen[key] = true
	m.mu.Unlock()

	m.RecordTrade(fill.Asset, fill.Market, fill.Side, fill.Size, fill.Price)
}

// RecordTrade updates the position for one execution.
//
// BUY opens or extends longs (or reduces shorts); SELL the reverse.
// On reducing trades P&L is realized against the average entry. A flip
// through zero resets the average entry to the flip price.
func (m *Manager) RecordTrade(asset, marketID string, side types.Side, shares, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[asset]
	if !ok {
		pos = &Position{Asset: asset, Market: marketID, AvgEntry: price}
		m.positions[asset] = pos
	}
	if pos.Market == "" {
		pos.Market = marketID
	}

	signed := shares
	if side == types.SELL {
		signed = shares.Neg()
	}

	old := pos.Shares
	newShares := old.Add(signed)

	switch {
	case old.IsZero() || old.Sign() == signed.Sign():
		// Opening or extending: share-weighted average of opening fills,
		// quantized to the tick with the remainder carried as dust.
		m.setWeightedEntryLocked(pos, asset, old, signed, price)

	case newShares.Sign() != 0 && newShares.Sign() != old.Sign():
		// Flip through zero: realize the closable part, reset entry.
		closed := old.Abs()
		pos.RealizedPnL = pos.RealizedPnL.Add(m.realized(old, closed, pos.AvgEntry, price))
		pos.AvgEntry = price
		pos.Dust = decimal.Zero

	default:
		// Pure reduction (possibly to exactly zero).
		closed := decimal.Min(shares, old.Abs())
		pos.RealizedPnL = pos.RealizedPnL.Add(m.realized(old, closed, pos.AvgEntry, price))
		if newShares.IsZero() {
			pos.AvgEntry = decimal.Zero
			pos.Dust = decimal.Zero
		}
	}

	pos.Shares = newShares
	pos.FillCount++
	pos.LastUpdate = time.Now()

	m.logger.Debug("trade recorded",
		"asset", asset, "side", side,
		"size", shares, "price", price,
		"shares", pos.Shares, "avg_entry", pos.AvgEntry,
		"realized", pos.RealizedPnL,
	)
}

// realized computes P&L for closing `closed` shares of a position that was
// previously `old` shares at `entry`, at execution price `price`.
func (m *Manager) realized(old, closed, entry, price decimal.Decimal) decimal.Decimal {
	if old.IsPositive() {
		return price.Sub(entry).Mul(closed) // closing a long
	}
	return entry.Sub(price).Mul(closed) // closing a short
}

// setWeightedEntryLocked recomputes the average entry as the share-weighted
// mean of opening fills, quantized toward zero to the tick. The sub-tick
// remainder joins the dust ledger; once the ledger holds a full tick it is
// folded back in, keeping |dust| < tick.
func (m *Manager) setWeightedEntryLocked(pos *Position, asset string, old, signed, price decimal.Decimal) {
	total := old.Add(signed)
	if total.IsZero() {
		pos.AvgEntry = decimal.Zero
		pos.Dust = decimal.Zero
		return
	}

	cost := pos.AvgEntry.Mul(old.Abs()).Add(price.Mul(signed.Abs()))
	raw := cost.Div(total.Abs())

	tick := m.tickFor(asset)
	tickDecimals := -tick.Exponent()

	quantized := raw.Truncate(tickDecimals)
	pos.Dust = pos.Dust.Add(raw.Sub(quantized))

	if pos.Dust.Abs().GreaterThanOrEqual(tick) {
		comp := pos.Dust.Div(tick).Truncate(0).Mul(tick)
		quantized = quantized.Add(comp)
		pos.Dust = pos.Dust.Sub(comp)
	}

	pos.AvgEntry = quantized
}

// AddFillRecord retains an execution for markout analysis, tagged with the
// micro price at fill time.
func (m *Manager) AddFillRecord(asset string, rec FillRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[asset]
	if !ok {
		return
	}
	pos.Fills = append(pos.Fills, rec)
	if len(pos.Fills) > 100 {
		pos.Fills = pos.Fills[len(pos.Fills)-100:]
	}
}

// RecordMarkout folds a measured markout P&L into the position's running
// adverse-selection statistics.
func (m *Manager) RecordMarkout(asset string, pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[asset]
	if !ok {
		return
	}
	pos.TotalMarkoutPnL = pos.TotalMarkoutPnL.Add(pnl)
	pos.MarkoutCount++
}

// MarkoutStats returns the per-fill average markout and the sample count.
func (m *Manager) MarkoutStats(asset string) (avg decimal.Decimal, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[asset]
	if !ok || pos.MarkoutCount == 0 {
		return decimal.Zero, 0
	}
	return pos.TotalMarkoutPnL.Div(decimal.NewFromInt(int64(pos.MarkoutCount))), pos.MarkoutCount
}

// ————————————————————————————————————————————————————————————————————————
// Marks & volatility
// ————————————————————————————————————————————————————————————————————————

// UpdateMarks recomputes unrealized P&L for all marked positions and
// appends each price to the volatility history ring.
func (m *Manager) UpdateMarks(prices map[string]decimal.Decimal) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for asset, price := range prices {
		if pos, ok := m.positions[asset]; ok {
			pos.LastMark = price
			pos.UnrealizedPnL = price.Sub(pos.AvgEntry).Mul(pos.Shares)
			if pos.IsFlat() {
				pos.UnrealizedPnL = decimal.Zero
			}
		}

		ring := append(m.history[asset], pricePoint{at: now, price: price})
		if len(ring) > maxPriceSamples {
			ring = ring[len(ring)-maxPriceSamples:]
		}
		m.history[asset] = ring
	}
}

// Volatility returns the annualized standard deviation of log returns over
// the configured window. ok is false with fewer than ten samples.
func (m *Manager) Volatility(asset string) (float64, bool) {
	m.mu.Lock()
	ring := m.history[asset]
	window := m.cfg.VolatilityWindow
	m.mu.Unlock()

	cutoff := time.Now().Add(-window)
	var prices []float64
	for _, pt := range ring {
		if pt.at.After(cutoff) && pt.price.IsPositive() {
			prices = append(prices, pt.price.InexactFloat64())
		}
	}
	if len(prices) < minVolSamples {
		return 0, false
	}

	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		returns = append(returns, math.Log(prices[i]/prices[i-1]))
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	// Annualize assuming roughly one sample per minute.
	const minutesPerYear = 365 * 24 * 60
	return math.Sqrt(variance) * math.Sqrt(minutesPerYear), true
}

// SigmaBaseline exposes the configured reference volatility.
func (m *Manager) SigmaBaseline() float64 {
	return m.cfg.SigmaBaseline
}

// DynamicGamma scales the base risk aversion with current volatility:
// γ* = γ_base · (1 + σ/σ_baseline), clamped to [γ_min, γ_max]. Without a
// baseline or a current estimate it reduces to γ_base.
func (m *Manager) DynamicGamma(asset string) float64 {
	sigma, ok := m.Volatility(asset)
	if !ok || m.cfg.SigmaBaseline <= 0 {
		return m.cfg.GammaBase
	}

	gamma := m.cfg.GammaBase * (1 + sigma/m.cfg.SigmaBaseline)
	if gamma < m.cfg.GammaMin {
		return m.cfg.GammaMin
	}
	if gamma > m.cfg.GammaMax {
		return m.cfg.GammaMax
	}
	return gamma
}

// InventorySkew returns the reservation-price offset in price units:
// γ*·shares·σ²·min(T/24, 1)·mid. The sign follows the position.
func (m *Manager) InventorySkew(asset string, mid decimal.Decimal, horizonHours float64) decimal.Decimal {
	m.mu.Lock()
	pos, ok := m.positions[asset]
	var shares decimal.Decimal
	if ok {
		shares = pos.Shares
	}
	m.mu.Unlock()

	if !ok || shares.Abs().LessThan(FlatThreshold) {
		return decimal.Zero
	}

	sigma, have := m.Volatility(asset)
	if !have {
		sigma = m.cfg.SigmaDefault
	}

	t := math.Min(horizonHours/24.0, 1.0)
	gamma := m.DynamicGamma(asset)
	scale := decimal.NewFromFloat(gamma * sigma * sigma).Mul(decimal.NewFromFloat(t))

	return scale.Mul(shares).Mul(mid)
}

// ————————————————————————————————————————————————————————————————————————
// Limits, views, liquidation
// ————————————————————————————————————————————————————————————————————————

// CheckLimits reports whether a proposed trade would violate position caps.
// deltaShares is signed (+ buy, − sell).
func (m *Manager) CheckLimits(asset string, deltaShares, price decimal.Decimal) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current decimal.Decimal
	if pos, ok := m.positions[asset]; ok {
		current = pos.Shares
	}

	newNotional := current.Add(deltaShares).Mul(price).Abs()
	perMarket := decimal.NewFromFloat(m.cfg.MaxPositionPerMarket)
	if newNotional.GreaterThan(perMarket) {
		return false, fmt.Sprintf("per-market limit: %s > %s", newNotional, perMarket)
	}

	gross := deltaShares.Mul(price).Abs()
	for _, pos := range m.positions {
		gross = gross.Add(pos.Notional())
	}
	maxGross := decimal.NewFromFloat(m.cfg.MaxGrossExposure)
	if gross.GreaterThan(maxGross) {
		return false, fmt.Sprintf("gross exposure limit: %s > %s", gross, maxGross)
	}

	return true, ""
}

// Get returns a copy of the position for an asset.
func (m *Manager) Get(asset string) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[asset]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Shares returns the signed share count for an asset (zero when flat).
func (m *Manager) Shares(asset string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos, ok := m.positions[asset]; ok {
		return pos.Shares
	}
	return decimal.Zero
}

// All returns copies of every position.
func (m *Manager) All() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out
}

// Restore installs a persisted position (start-up rehydration).
func (m *Manager) Restore(pos Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := pos
	m.positions[pos.Asset] = &cp
}

// Totals returns aggregate realized P&L, unrealized P&L, position value at
// last marks, and gross exposure.
func (m *Manager) Totals() (realized, unrealized, positionValue, gross decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pos := range m.positions {
		realized = realized.Add(pos.RealizedPnL)
		unrealized = unrealized.Add(pos.UnrealizedPnL)
		positionValue = positionValue.Add(pos.Shares.Mul(pos.LastMark))
		gross = gross.Add(pos.Notional())
	}
	return realized, unrealized, positionValue, gross
}

// PruneFlat removes positions that are flat and quiescent for the grace
// window. Their realized P&L has already been folded into Totals by the
// caller's accounting, so the records can go.
func (m *Manager) PruneFlat(grace time.Duration) []Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned []Position
	for asset, pos := range m.positions {
		if pos.IsFlat() && time.Since(pos.LastUpdate) > grace {
			pruned = append(pruned, *pos)
			delete(m.positions, asset)
		}
	}
	return pruned
}

// Flatten returns a synthetic liquidation intent for one position, or nil
// when there is nothing to close. It never submits orders.
func (m *Manager) Flatten(asset string, mark decimal.Decimal) *types.OrderIntent {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[asset]
	if !ok || pos.IsFlat() {
		return nil
	}

	side := types.SELL
	if pos.Shares.IsNegative() {
		side = types.BUY
	}

	tick := types.Tick0001
	if t, have := m.ticks[asset]; have {
		tick = t
	}

	m.logger.Warn("flatten requested",
		"asset", asset, "side", side, "shares", pos.Shares.Abs(), "mark", mark)

	return &types.OrderIntent{
		Asset:      asset,
		Market:     pos.Market,
		Side:       side,
		Size:       types.QuantizeShares(pos.Shares.Abs()),
		LimitPrice: types.QuantizePrice(mark, tick),
		TIF:        types.GTC,
		TickSize:   tick,
	}
}

// FlattenAll returns liquidation intents for every open position that has
// a mark available.
func (m *Manager) FlattenAll(marks map[string]decimal.Decimal) []types.OrderIntent {
	m.mu.Lock()
	assets := make([]string, 0, len(m.positions))
	for asset, pos := range m.positions {
		if !pos.IsFlat() {
			assets = append(assets, asset)
		}
	}
	m.mu.Unlock()

	var intents []types.OrderIntent
	for _, asset := range assets {
		mark, ok := marks[asset]
		if !ok {
			m.logger.Error("no mark available, cannot flatten", "asset", asset)
			continue
		}
		if intent := m.Flatten(asset, mark); intent != nil {
			intents = append(intents, *intent)
		}
	}
	return intents
}
