// Package arb detects and executes multi-outcome arbitrage baskets.
//
// The scanner walks the market universe on every pass and builds an
// Opportunity wherever the complete outcome set can be bought for less
// than its guaranteed payout:
//
//   - BINARY / MULTI: payout is $1 per share, so Σ best asks < 1 − feeBuffer.
//   - NEG_RISK: the basket buys every NO token. An N-outcome set pays N−1
//     (all NOs but one finish worth $1), which is the same economics as
//     selling exactly one YES. Prices are normalized to the canonical
//     all-YES basket — sum = Σ asks − (N−2) — so the uniform
//     sum < 1 − feeBuffer test applies to every market type.
//
// Opportunities are immutable once constructed and carry a discovery
// timestamp plus a max age; the executor re-validates both against live
// books immediately before placement.
package arb

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-arb/internal/config"
	"polymarket-arb/internal/market"
	"polymarket-arb/pkg/types"
)

// binarySumTolerance suppresses scanning on binary markets whose YES/NO
// mids have drifted apart — a sign of stale data, not of free money.
var binarySumTolerance = decimal.NewFromFloat(0.05)

var one = decimal.NewFromInt(1)

// Leg is one outcome of an opportunity at discovery time.
type Leg struct {
	Asset    string
	Name     string
	AskPrice decimal.Decimal
	AskDepth decimal.Decimal
}

// Opportunity is an executable arbitrage basket. Immutable after
// construction; invariant: SumPrices < 1 − feeBuffer at build time.
type Opportunity struct {
	Market            types.MarketInfo
	Legs              []Leg
	SumPrices         decimal.Decimal // normalized, all-YES basis
	GrossEdgePerShare decimal.Decimal // 1 − SumPrices
	NetEdgePerShare   decimal.Decimal // gross − taker fees across legs
	MaxShares         decimal.Decimal // depth-limited, safety-buffered
	DiscoveredAt      time.Time
	MaxAge            time.Duration
}

// Age returns time elapsed since discovery.
func (o *Opportunity) Age() time.Duration {
	return time.Since(o.DiscoveredAt)
}

// IsStale reports whether the opportunity has outlived its max age.
func (o *Opportunity) IsStale() bool {
	return o.Age() > o.MaxAge
}

// BasketNotional returns the total cost of buying MaxShares of every leg.
func (o *Opportunity) BasketNotional() decimal.Decimal {
	total := decimal.Zero
	for _, leg := range o.Legs {
		total = total.Add(leg.AskPrice.Mul(o.MaxShares))
	}
	return total
}

// Scanner builds opportunities from the market-state cache.
type Scanner struct {
	cfg       config.ArbConfig
	cache     *market.Cache
	universe  []types.MarketInfo
	staleness time.Duration
	logger    *slog.Logger
	resultCh  chan []Opportunity
}

// NewScanner creates a scanner over the given market universe.
func NewScanner(cfg config.ArbConfig, staleness time.Duration, cache *market.Cache, universe []types.MarketInfo, logger *slog.Logger) *Scanner {
	return &Scanner{
		cfg:       cfg,
		cache:     cache,
		universe:  universe,
		staleness: staleness,
		logger:    logger.With("component", "arb_scanner"),
		resultCh:  make(chan []Opportunity, 1),
	}
}

// Results returns the channel the executor loop reads from. Only the most
// recent pass is retained; an unread older pass is replaced.
func (s *Scanner) Results() <-chan []Opportunity {
	return s.resultCh
}

// Run scans on the configured interval. Blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opps := s.Scan()
			if len(opps) == 0 {
				continue
			}
			select {
			case s.resultCh <- opps:
			default:
				select {
				case <-s.resultCh:
				default:
				}
				s.resultCh <- opps
			}
		}
	}
}

// Scan runs one pass over the universe and returns opportunities sorted by
// net edge descending. Ties go to the smaller basket (less competition),
// then to earlier discovery.
func (s *Scanner) Scan() []Opportunity {
	var opps []Opportunity
	for _, mkt := range s.universe {
		if opp, ok := s.buildOpportunity(mkt); ok {
			opps = append(opps, opp)
		}
	}

	sort.SliceStable(opps, func(i, j int) bool {
		if !opps[i].NetEdgePerShare.Equal(opps[j].NetEdgePerShare) {
			return opps[i].NetEdgePerShare.GreaterThan(opps[j].NetEdgePerShare)
		}
		ni, nj := opps[i].BasketNotional(), opps[j].BasketNotional()
		if !ni.Equal(nj) {
			return ni.LessThan(nj)
		}
		return opps[i].DiscoveredAt.Before(opps[j].DiscoveredAt)
	})

	return opps
}

// buildOpportunity evaluates one market. Every outcome needs a fresh book
// with a positive ask and enough resting ask depth before prices are summed.
func (s *Scanner) buildOpportunity(mkt types.MarketInfo) (Opportunity, bool) {
	minDepth := decimal.NewFromFloat(s.cfg.MinDepthShares)

	legs := make([]Leg, 0, len(mkt.Outcomes))
	sumAsks := decimal.Zero
	minLegDepth := decimal.Zero

	for i, outcome := range mkt.Outcomes {
		if s.cache.IsStale(outcome.Asset, s.staleness) {
			return Opportunity{}, false
		}
		snap, ok := s.cache.Get(outcome.Asset)
		if !ok || !snap.BestAsk.IsPositive() {
			return Opportunity{}, false
		}
		if snap.AskSize.LessThan(minDepth) {
			return Opportunity{}, false
		}

		legs = append(legs, Leg{
			Asset:    outcome.Asset,
			Name:     outcome.Name,
			AskPrice: snap.BestAsk,
			AskDepth: snap.AskSize,
		})
		sumAsks = sumAsks.Add(snap.BestAsk)
		if i == 0 || snap.AskSize.LessThan(minLegDepth) {
			minLegDepth = snap.AskSize
		}
	}

	if mkt.Type == types.Binary && !s.binarySumHealthy(mkt) {
		return Opportunity{}, false
	}

	sumPrices := normalizeSum(mkt.Type, len(legs), sumAsks)

	threshold := one.Sub(decimal.NewFromFloat(s.cfg.FeeBuffer))
	if sumPrices.GreaterThanOrEqual(threshold) {
		return Opportunity{}, false
	}

	grossEdge := one.Sub(sumPrices)

	// Taker fee per leg on raw notional actually paid.
	feeRate := decimal.New(int64(mkt.TakerFeeBps), -4)
	netEdge := grossEdge.Sub(feeRate.Mul(sumAsks))

	// Depth shrinks between sight and action; size against a buffered view
	// of the thinnest leg, whole shares only.
	safety := decimal.NewFromFloat(s.cfg.SafetyBuffer)
	maxShares := minLegDepth.Div(safety).Truncate(0)
	if !maxShares.IsPositive() {
		return Opportunity{}, false
	}

	minProfit := decimal.NewFromFloat(s.cfg.MinProfitUSD)
	if grossEdge.Mul(maxShares).LessThanOrEqual(minProfit) {
		return Opportunity{}, false
	}

	s.logger.Debug("opportunity found",
		"market", mkt.Slug,
		"type", mkt.Type,
		"sum_prices", sumPrices,
		"net_edge", netEdge,
		"max_shares", maxShares,
	)

	return Opportunity{
		Market:            mkt,
		Legs:              legs,
		SumPrices:         sumPrices,
		GrossEdgePerShare: grossEdge,
		NetEdgePerShare:   netEdge,
		MaxShares:         maxShares,
		DiscoveredAt:      time.Now(),
		MaxAge:            s.cfg.MaxOpportunityAge,
	}, true
}

// normalizeSum maps a raw ask sum onto the all-YES basis where the basket
// pays $1. Neg-risk baskets pay N−1, so N−2 is subtracted.
func normalizeSum(mktType types.MarketType, legCount int, sumAsks decimal.Decimal) decimal.Decimal {
	if mktType == types.NegRisk {
		return sumAsks.Sub(decimal.NewFromInt(int64(legCount - 2)))
	}
	return sumAsks
}

// binarySumHealthy verifies priceYes + priceNo ≈ 1 on the mids. A broken
// relation means one side of the cache is stale, so the whole market is
// suppressed rather than traded against bad data.
func (s *Scanner) binarySumHealthy(mkt types.MarketInfo) bool {
	yes, okY := s.cache.Get(mkt.YesAsset())
	no, okN := s.cache.Get(mkt.NoAsset())
	if !okY || !okN || !yes.HasBothSides() || !no.HasBothSides() {
		return false
	}

	drift := yes.Mid.Add(no.Mid).Sub(one).Abs()
	if drift.GreaterThan(binarySumTolerance) {
		s.logger.Warn("binary sum unhealthy, suppressing market",
			"market", mkt.Slug, "drift", drift)
		return false
	}
	return true
}
