// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — sides, order intents,
// market metadata, order book snapshots, fills, and WebSocket event payloads.
// It has no dependencies on internal packages, so it can be imported by any
// layer. All prices and sizes are fixed-point decimals; binary floating point
// never crosses a package boundary.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// TimeInForce enumerates the supported order lifecycles.
type TimeInForce string

const (
	FOK      TimeInForce = "FOK"       // Fill-Or-Kill: cancelled immediately if not fully fillable
	GTC      TimeInForce = "GTC"       // Good-Til-Cancelled: stays on book until filled or cancelled
	PostOnly TimeInForce = "POST_ONLY" // rejected if it would cross the book (maker only)
)

// OrderState is the lifecycle state of a placed order.
type OrderState string

const (
	OrderNew       OrderState = "NEW"
	OrderPartial   OrderState = "PARTIAL"
	OrderFilled    OrderState = "FILLED"
	OrderCancelled OrderState = "CANCELLED"
	OrderRejected  OrderState = "REJECTED"
	OrderExpired   OrderState = "EXPIRED"
)

// Terminal reports whether the state can no longer change.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// MarketType classifies how a market's outcomes relate to one another.
//
//   - Binary: exactly two outcomes (YES/NO) with priceYes + priceNo ≈ 1.
//   - Multi: N mutually exclusive outcomes whose prices sum to ≈ 1.
//   - NegRisk: multi-outcome set where buying all NO tokens is equivalent
//     to selling exactly one YES; baskets must be normalized before pricing.
type MarketType string

const (
	Binary  MarketType = "BINARY"
	Multi   MarketType = "MULTI"
	NegRisk MarketType = "NEG_RISK"
)

// TickSize represents the price granularity for a market. The CLOB supports
// four tick sizes; each market has a fixed tick size that determines the
// minimum price increment and amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets (default here)
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int32 {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 3
	}
}

// Step returns the tick as a decimal, e.g. 0.001 for Tick0001.
func (t TickSize) Step() decimal.Decimal {
	return decimal.New(1, -t.Decimals())
}

// ShareDecimals is the rounding precision for share quantities.
const ShareDecimals int32 = 2

// QuantizePrice truncates a price toward zero to the market tick.
func QuantizePrice(p decimal.Decimal, tick TickSize) decimal.Decimal {
	return p.Truncate(tick.Decimals())
}

// QuantizeShares truncates a share quantity toward zero to the share step.
func QuantizeShares(s decimal.Decimal) decimal.Decimal {
	return s.Truncate(ShareDecimals)
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Outcome is one leg of a market: an asset (CLOB token) plus a display name.
type Outcome struct {
	Asset string // CLOB token ID
	Name  string // e.g. "Yes", "No", "Candidate A"
}

// MarketInfo is the internal representation of a tradeable market. A binary
// market has exactly two outcomes (YES first, NO second); multi-outcome and
// neg-risk markets carry one outcome per candidate.
type MarketInfo struct {
	ID       string     // condition ID (used for cancels + user subscriptions)
	Slug     string     // human-readable identifier
	Question string     // the prediction question
	Type     MarketType // BINARY, MULTI, or NEG_RISK

	Outcomes []Outcome

	TickSize     TickSize        // price granularity (determines rounding)
	MinOrderSize decimal.Decimal // minimum order size in shares
	EndDate      time.Time       // when the market is scheduled to resolve
	TakerFeeBps  int             // taker fee in basis points applied to notional
}

// YesAsset returns the first outcome's asset; for binary markets this is
// the YES token.
func (m MarketInfo) YesAsset() string {
	if len(m.Outcomes) == 0 {
		return ""
	}
	return m.Outcomes[0].Asset
}

// NoAsset returns the second outcome's asset; for binary markets this is
// the NO token.
func (m MarketInfo) NoAsset() string {
	if len(m.Outcomes) < 2 {
		return ""
	}
	return m.Outcomes[1].Asset
}

// AssetIDs returns all outcome token IDs in order.
func (m MarketInfo) AssetIDs() []string {
	ids := make([]string, len(m.Outcomes))
	for i, o := range m.Outcomes {
		ids[i] = o.Asset
	}
	return ids
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BookSnapshot is an immutable point-in-time view of one asset's order book.
// The publisher computes Mid and Micro before insertion so readers always
// see a consistent tuple. Seq must be strictly increasing per asset; the
// cache rejects regressions.
type BookSnapshot struct {
	Asset  string
	Market string // condition ID

	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	BidSize decimal.Decimal // size resting at the best bid
	AskSize decimal.Decimal // size resting at the best ask

	Bids []PriceLevel // sorted descending by price (best bid first)
	Asks []PriceLevel // sorted ascending by price (best ask first)

	Mid   decimal.Decimal // (bestBid + bestAsk) / 2
	Micro decimal.Decimal // (bidSize·bestAsk + askSize·bestBid) / (bidSize + askSize)

	Seq        uint64    // exchange sequence / timestamp, strictly increasing per asset
	ReceivedAt time.Time // local receipt time (monotonic clock)
}

// HasBothSides reports whether the snapshot carries a positive bid and ask.
func (b *BookSnapshot) HasBothSides() bool {
	return b.BestBid.IsPositive() && b.BestAsk.IsPositive()
}

// Age returns the elapsed time since the snapshot was received.
func (b *BookSnapshot) Age() time.Duration {
	return time.Since(b.ReceivedAt)
}

// AskDepthWithin sums ask size at or below the given limit price.
func (b *BookSnapshot) AskDepthWithin(limit decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range b.Asks {
		if lvl.Price.GreaterThan(limit) {
			break
		}
		total = total.Add(lvl.Size)
	}
	return total
}

// BidDepthWithin sums bid size at or above the given limit price.
func (b *BookSnapshot) BidDepthWithin(limit decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range b.Bids {
		if lvl.Price.LessThan(limit) {
			break
		}
		total = total.Add(lvl.Size)
	}
	return total
}

// ————————————————————————————————————————————————————————————————————————
// Orders & fills
// ————————————————————————————————————————————————————————————————————————

// OrderIntent is the high-level order representation produced by a strategy.
// The exchange client converts it to the wire format the CLOB API expects.
type OrderIntent struct {
	Asset       string
	Market      string // condition ID, used for routing fills back
	Side        Side
	Size        decimal.Decimal
	LimitPrice  decimal.Decimal
	TIF         TimeInForce
	TickSize    TickSize
	ClientNonce string // unique per intent, for idempotent replay detection
}

// Notional returns size × limit price.
func (o OrderIntent) Notional() decimal.Decimal {
	return o.Size.Mul(o.LimitPrice)
}

// PlacedOrder is the exchange's view of a submitted intent.
type PlacedOrder struct {
	OrderID      string
	Intent       OrderIntent
	PlacedAt     time.Time
	State        OrderState
	FilledSize   decimal.Decimal
	AvgFillPrice decimal.Decimal
}

// Fill is a single execution against one of our orders. OrderID+TradeID
// uniquely identify a fill; applying the same fill twice must be a no-op.
type Fill struct {
	OrderID    string
	TradeID    string
	Asset      string
	Market     string
	Side       Side
	Size       decimal.Decimal
	Price      decimal.Decimal
	FeeRateBps int
	At         time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Equity
// ————————————————————————————————————————————————————————————————————————

// EquitySnapshot captures account equity at a point in time. Peak equity is
// the running maximum of TotalEquity and drives drawdown detection.
type EquitySnapshot struct {
	At            time.Time
	Cash          decimal.Decimal
	PositionValue decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	TotalEquity   decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages on the streaming connection.
// Numeric fields arrive as strings to preserve decimal precision; the stream
// manager parses them into decimals at the boundary.

// WSLevel is a raw price level on the wire.
type WSLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// WSBookEvent is a full order book snapshot from the book channel.
// Replaces the entire local book for the given asset.
type WSBookEvent struct {
	EventType string    `json:"event_type"` // always "book"
	AssetID   string    `json:"asset_id"`
	Market    string    `json:"market"` // condition ID
	Timestamp string    `json:"timestamp"`
	Bids      []WSLevel `json:"bids"`
	Asks      []WSLevel `json:"asks"`
}

// WSTradeEvent is a fill notification from the authenticated user channel.
type WSTradeEvent struct {
	EventType  string `json:"event_type"` // always "trade"
	ID         string `json:"id"`         // trade ID
	OrderID    string `json:"order_id"`
	Market     string `json:"market"`   // condition ID
	AssetID    string `json:"asset_id"` // token ID that was traded
	Side       string `json:"side"`     // our side: "BUY" or "SELL"
	Size       string `json:"size"`
	Price      string `json:"price"`
	FeeRateBps string `json:"fee_rate_bps"`
	Timestamp  string `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle notification from the user channel.
type WSOrderEvent struct {
	EventType   string `json:"event_type"` // always "order"
	ID          string `json:"id"`         // order ID
	Market      string `json:"market"`
	AssetID     string `json:"asset_id"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	SizeMatched string `json:"size_matched"` // cumulative filled
	Timestamp   string `json:"timestamp"`
	Type        string `json:"type"` // "PLACEMENT", "UPDATE", "CANCELLATION"
}

// WSSubscribeMsg is the initial subscription message sent on connect.
// Auth is required because the single connection carries the user channel.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`
	Type     string   `json:"type"`                 // "market" or "user"
	Markets  []string `json:"markets,omitempty"`    // condition IDs (user channel)
	AssetIDs []string `json:"assets_ids,omitempty"` // token IDs (book channel)
}

// WSAuth contains the L2 API credentials for the user channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSUpdateMsg subscribes or unsubscribes channels after connect.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Markets   []string `json:"markets,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}
