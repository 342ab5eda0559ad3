// Package exchange implements the CLOB REST client, request signing, rate
// limiting, and the streaming connection.
//
// The REST client (Client) talks to the CLOB API for order management:
//   - PlaceOrder:         POST /order              — submit one signed order
//   - CancelOrder:        DELETE /order             — cancel a single order
//   - CancelAll:          DELETE /cancel-all         — emergency cancel everything
//   - CancelMarketOrders: DELETE /cancel-market-orders — cancel one market's orders
//   - GetOrderBook:       GET  /book               — fetch L2 book for a token
//   - GetBalance:         GET  /balance            — available collateral
//   - GetPositions:       GET  /positions          — on-chain position holdings
//
// Every live request is gated through the dual token-bucket limiter and
// retried on 5xx inside resty. Order, cancel and balance requests carry L2
// HMAC headers; the book and position reads are sent unsigned. On a signed
// request, a 401 triggers one credential rotation via the secret store
// before the error surfaces.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polymarket-arb/internal/config"
	"polymarket-arb/pkg/types"
)

// ErrPostOnlyWouldCross is returned when a POST_ONLY order is rejected
// because it would trade immediately. The caller decides how to walk the
// price; this is a result, not a fault.
var ErrPostOnlyWouldCross = errors.New("post-only order would cross the book")

// ErrAuth is returned when a request keeps failing authentication after a
// credential rotation attempt.
var ErrAuth = errors.New("authentication rejected after credential rotation")

const latencyWindow = 8 // round-trip samples kept for the risk controller

// ExchangePosition is the exchange's view of one holding, used for start-up
// reconciliation against persisted state.
type ExchangePosition struct {
	Asset    string          `json:"asset_id"`
	Market   string          `json:"market"`
	Shares   decimal.Decimal `json:"size"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// Client is the CLOB REST API client. It wraps a resty HTTP client with
// rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client
	auth   *Auth
	gate   *Gate
	dryRun bool
	logger *slog.Logger

	latMu      sync.Mutex
	latSamples []time.Duration
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, gate *Gate, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		gate:   gate,
		dryRun: cfg.DryRun,
		logger: logger.With("component", "exchange"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Wire formats
// ————————————————————————————————————————————————————————————————————————

// signedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal collateral units (1e6 = $1).
type signedOrder struct {
	Salt          string   `json:"salt"`
	Maker         string   `json:"maker"`
	Signer        string   `json:"signer"`
	Taker         string   `json:"taker"`
	TokenID       string   `json:"tokenId"`
	MakerAmount   *big.Int `json:"makerAmount"`
	TakerAmount   *big.Int `json:"takerAmount"`
	Side          string   `json:"side"`
	Expiration    string   `json:"expiration"`
	Nonce         string   `json:"nonce"`
	FeeRateBps    string   `json:"feeRateBps"`
	SignatureType int      `json:"signatureType"`
	Signature     string   `json:"signature"`
}

type orderPayload struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"`
	PostOnly  bool        `json:"postOnly,omitempty"`
}

type orderResponse struct {
	Success    bool   `json:"success"`
	ErrorMsg   string `json:"errorMsg"`
	OrderID    string `json:"orderID"`
	Status     string `json:"status"` // "live", "matched", "unmatched"
	SizeFilled string `json:"size_matched"`
}

type cancelResponse struct {
	Canceled []string `json:"canceled"`
}

type bookResponse struct {
	Market    string          `json:"market"`
	AssetID   string          `json:"asset_id"`
	Bids      []types.WSLevel `json:"bids"`
	Asks      []types.WSLevel `json:"asks"`
	Timestamp string          `json:"timestamp"`
}

type balanceResponse struct {
	Balance string `json:"balance"` // 6-decimal collateral units
}

// ————————————————————————————————————————————————————————————————————————
// Order management
// ————————————————————————————————————————————————————————————————————————

// PlaceOrder submits a single order and returns its placement result. For
// FOK intents the returned order is terminal: FILLED when fully matched,
// EXPIRED when killed unfilled. POST_ONLY rejections surface as
// ErrPostOnlyWouldCross so the quoting layer can walk the price.
func (c *Client) PlaceOrder(ctx context.Context, intent types.OrderIntent) (*types.PlacedOrder, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"asset", intent.Asset, "side", intent.Side,
			"price", intent.LimitPrice, "size", intent.Size, "tif", intent.TIF)
		return &types.PlacedOrder{
			OrderID:      "dry-run-" + intent.ClientNonce,
			Intent:       intent,
			PlacedAt:     time.Now(),
			State:        types.OrderFilled,
			FilledSize:   intent.Size,
			AvgFillPrice: intent.LimitPrice,
		}, nil
	}

	if err := c.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	payload := c.buildOrderPayload(intent)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	start := time.Now()
	var result orderResponse
	resp, err := c.doSigned(ctx, http.MethodPost, "/order", string(body), &result)
	c.recordLatency(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}

	placed := &types.PlacedOrder{
		OrderID:  result.OrderID,
		Intent:   intent,
		PlacedAt: start,
	}

	if !result.Success {
		if intent.TIF == types.PostOnly && isWouldCross(result.ErrorMsg) {
			return nil, ErrPostOnlyWouldCross
		}
		placed.State = types.OrderRejected
		c.logger.Warn("order rejected",
			"asset", intent.Asset, "side", intent.Side, "error", result.ErrorMsg)
		return placed, nil
	}

	switch result.Status {
	case "matched":
		placed.State = types.OrderFilled
		placed.FilledSize = intent.Size
		placed.AvgFillPrice = intent.LimitPrice
	case "live":
		placed.State = types.OrderNew
	case "unmatched":
		placed.State = types.OrderExpired
	default:
		placed.State = types.OrderNew
	}

	if result.SizeFilled != "" {
		if filled, perr := decimal.NewFromString(result.SizeFilled); perr == nil {
			placed.FilledSize = filled
			if filled.IsPositive() && filled.LessThan(intent.Size) {
				placed.State = types.OrderPartial
			}
		}
	}

	return placed, nil
}

// isWouldCross matches the API's post-only rejection message.
func isWouldCross(msg string) bool {
	return msg == "order crossed book" || msg == "post only order would cross"
}

// CancelOrder cancels a single order by ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return err
	}

	body := fmt.Sprintf(`{"orderID":%q}`, orderID)
	var result cancelResponse
	resp, err := c.doSigned(ctx, http.MethodDelete, "/order", body, &result)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// CancelAll cancels every open order across all markets.
func (c *Client) CancelAll(ctx context.Context) ([]string, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return nil, nil
	}
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var result cancelResponse
	resp, err := c.doSigned(ctx, http.MethodDelete, "/cancel-all", "", &result)
	if err != nil {
		return nil, fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return result.Canceled, nil
}

// CancelMarketOrders cancels all orders for a specific market.
func (c *Client) CancelMarketOrders(ctx context.Context, marketID string) ([]string, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel market orders", "market", marketID)
		return nil, nil
	}
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	body := fmt.Sprintf(`{"market":%q}`, marketID)
	var result cancelResponse
	resp, err := c.doSigned(ctx, http.MethodDelete, "/cancel-market-orders", body, &result)
	if err != nil {
		return nil, fmt.Errorf("cancel market orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel market orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Canceled, nil
}

// ————————————————————————————————————————————————————————————————————————
// Market data & account
// ————————————————————————————————————————————————————————————————————————

// GetOrderBook fetches the order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, asset string, depth int) (*types.WSBookEvent, error) {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var result bookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", asset).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}

	bids, asks := result.Bids, result.Asks
	if depth > 0 {
		if len(bids) > depth {
			bids = bids[:depth]
		}
		if len(asks) > depth {
			asks = asks[:depth]
		}
	}

	return &types.WSBookEvent{
		EventType: "book",
		AssetID:   result.AssetID,
		Market:    result.Market,
		Timestamp: result.Timestamp,
		Bids:      bids,
		Asks:      asks,
	}, nil
}

// GetBalance fetches the available collateral balance in dollars.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return decimal.Zero, err
	}

	var result balanceResponse
	resp, err := c.doSigned(ctx, http.MethodGet, "/balance", "", &result)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("get balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	raw, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", result.Balance, err)
	}
	return raw.Shift(-6), nil
}

// GetPositions fetches on-chain holdings for the given address.
func (c *Client) GetPositions(ctx context.Context, address string) ([]ExchangePosition, error) {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var result []ExchangePosition
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("user", address).
		SetResult(&result).
		Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// ————————————————————————————————————————————————————————————————————————
// Latency tracking
// ————————————————————————————————————————————————————————————————————————

func (c *Client) recordLatency(d time.Duration) {
	c.latMu.Lock()
	defer c.latMu.Unlock()
	c.latSamples = append(c.latSamples, d)
	if len(c.latSamples) > latencyWindow {
		c.latSamples = c.latSamples[len(c.latSamples)-latencyWindow:]
	}
}

// RecentLatency returns the average order round-trip over the sample window.
// ok is false until at least three samples exist.
func (c *Client) RecentLatency() (time.Duration, bool) {
	c.latMu.Lock()
	defer c.latMu.Unlock()
	if len(c.latSamples) < 3 {
		return 0, false
	}
	var total time.Duration
	for _, s := range c.latSamples {
		total += s
	}
	return total / time.Duration(len(c.latSamples)), true
}

// ————————————————————————————————————————————————————————————————————————
// Internals
// ————————————————————————————————————————————————————————————————————————

// doSigned executes an L2-signed request, retrying once with rotated
// credentials if the API rejects authentication.
func (c *Client) doSigned(ctx context.Context, method, path, body string, out interface{}) (*resty.Response, error) {
	resp, err := c.execSigned(ctx, method, path, body, out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusUnauthorized {
		return resp, nil
	}

	c.logger.Warn("auth rejected, rotating credentials", "path", path)
	if rerr := c.auth.Rotate(ctx); rerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, rerr)
	}

	resp, err = c.execSigned(ctx, method, path, body, out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, ErrAuth
	}
	return resp, nil
}

func (c *Client) execSigned(ctx context.Context, method, path, body string, out interface{}) (*resty.Response, error) {
	headers, err := c.auth.L2Headers(method, path, body)
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(out)
	if body != "" {
		req.SetBody(json.RawMessage(body))
	}
	return req.Execute(method, path)
}

// buildOrderPayload converts a high-level OrderIntent into the on-chain
// order plus metadata the REST API expects. Prices and sizes are quantized
// to the market tick before scaling to 6-decimal collateral units.
func (c *Client) buildOrderPayload(intent types.OrderIntent) orderPayload {
	tick := intent.TickSize
	if tick == "" {
		tick = types.Tick0001
	}

	price := types.QuantizePrice(intent.LimitPrice, tick)
	size := types.QuantizeShares(intent.Size)
	makerAmt, takerAmt := priceToAmounts(price, size, intent.Side)

	orderType := string(intent.TIF)
	postOnly := false
	if intent.TIF == types.PostOnly {
		orderType = string(types.GTC)
		postOnly = true
	}

	return orderPayload{
		Order: signedOrder{
			Salt:          intent.ClientNonce,
			Maker:         c.auth.FunderAddress().Hex(),
			Signer:        c.auth.Address().Hex(),
			Taker:         "0x0000000000000000000000000000000000000000",
			TokenID:       intent.Asset,
			MakerAmount:   makerAmt,
			TakerAmount:   takerAmt,
			Side:          string(intent.Side),
			Expiration:    "0",
			Nonce:         "0",
			FeeRateBps:    "0",
			SignatureType: c.auth.SignatureType(),
		},
		Owner:     c.auth.APIKey(),
		OrderType: orderType,
		PostOnly:  postOnly,
	}
}

// priceToAmounts converts a quantized price and size to makerAmount and
// takerAmount scaled to 6 decimals.
//
// For BUY:  maker gives size·price collateral, receives size tokens.
// For SELL: maker gives size tokens, receives size·price collateral.
func priceToAmounts(price, size decimal.Decimal, side types.Side) (makerAmt, takerAmt *big.Int) {
	cost := size.Mul(price).Shift(6).Truncate(0)
	shares := size.Shift(6).Truncate(0)

	switch side {
	case types.BUY:
		return cost.BigInt(), shares.BigInt()
	default:
		return shares.BigInt(), cost.BigInt()
	}
}
