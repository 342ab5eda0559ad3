// stream.go maintains the single authenticated streaming connection.
//
// One WebSocket delivers two logical channels:
//
//   - book: per-asset order-book snapshots. Parsed, derived prices computed,
//     and upserted into the market-state cache. Book events are latest-wins
//     per asset: under back-pressure an older unapplied snapshot for the
//     same asset is replaced, never queued behind.
//
//   - user: fills and order lifecycle events for the bot's wallet. Fills are
//     dispatched synchronously from the read loop and are never dropped —
//     a slow consumer blocks the producer rather than losing an execution.
//
// On any disconnect (transport error, heartbeat timeout, explicit close)
// the cache's disconnect handlers run BEFORE any reconnect attempt, giving
// strategies a flash-cancel window so they never quote blind through a gap.
// Reconnects use exponential backoff and resubscribe idempotently.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"polymarket-arb/internal/market"
	"polymarket-arb/pkg/types"
)

const (
	pingInterval     = 25 * time.Second // heartbeat cadence (must stay under 30s)
	readTimeout      = 60 * time.Second // silent server triggers reconnect
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// FillHandler consumes a fill synchronously from the stream read loop.
type FillHandler func(types.Fill)

// OrderEventHandler consumes order lifecycle events.
type OrderEventHandler func(types.WSOrderEvent)

// Stream manages the authenticated streaming connection, subscription
// tracking, message routing, and reconnection.
type Stream struct {
	url   string
	auth  *Auth
	cache *market.Cache

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu   sync.RWMutex
	assets  map[string]bool // book channel subscriptions (token IDs)
	markets map[string]bool // user channel subscriptions (condition IDs)

	handlerMu     sync.RWMutex
	fillHandlers  []FillHandler
	orderHandlers []OrderEventHandler

	inboundMu  sync.RWMutex
	lastBookAt time.Time
	lastUserAt time.Time

	// pending holds the newest unapplied snapshot per asset (latest-wins).
	pendingMu sync.Mutex
	pending   map[string]*types.BookSnapshot
	notify    chan struct{}

	logger *slog.Logger
}

// NewStream creates the stream manager. Run must be called to connect.
func NewStream(wsURL string, auth *Auth, cache *market.Cache, logger *slog.Logger) *Stream {
	return &Stream{
		url:     wsURL,
		auth:    auth,
		cache:   cache,
		assets:  make(map[string]bool),
		markets: make(map[string]bool),
		pending: make(map[string]*types.BookSnapshot),
		notify:  make(chan struct{}, 1),
		logger:  logger.With("component", "stream"),
	}
}

// RegisterFillHandler adds a synchronous fill consumer. Handlers run in
// registration order; register inventory before strategies so position
// state is current when a strategy reacts.
func (s *Stream) RegisterFillHandler(fn FillHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.fillHandlers = append(s.fillHandlers, fn)
}

// RegisterOrderHandler adds an order lifecycle consumer.
func (s *Stream) RegisterOrderHandler(fn OrderEventHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.orderHandlers = append(s.orderHandlers, fn)
}

// Subscribe adds assets (book channel) and markets (user channel) to the
// subscription set and pushes the delta on a live connection. The sets are
// also replayed in full on every reconnect.
func (s *Stream) Subscribe(assets, markets []string) error {
	s.subMu.Lock()
	for _, a := range assets {
		s.assets[a] = true
	}
	for _, m := range markets {
		s.markets[m] = true
	}
	s.subMu.Unlock()

	return s.writeJSON(types.WSUpdateMsg{
		Operation: "subscribe",
		AssetIDs:  assets,
		Markets:   markets,
	})
}

// Unsubscribe removes IDs from the subscription sets.
func (s *Stream) Unsubscribe(assets, markets []string) error {
	s.subMu.Lock()
	for _, a := range assets {
		delete(s.assets, a)
	}
	for _, m := range markets {
		delete(s.markets, m)
	}
	s.subMu.Unlock()

	return s.writeJSON(types.WSUpdateMsg{
		Operation: "unsubscribe",
		AssetIDs:  assets,
		Markets:   markets,
	})
}

// LastBookInbound returns when the book channel last delivered a message.
func (s *Stream) LastBookInbound() time.Time {
	s.inboundMu.RLock()
	defer s.inboundMu.RUnlock()
	return s.lastBookAt
}

// LastUserInbound returns when the user channel last delivered a message.
func (s *Stream) LastUserInbound() time.Time {
	s.inboundMu.RLock()
	defer s.inboundMu.RUnlock()
	return s.lastUserAt
}

// Run connects and maintains the stream with auto-reconnect. Blocks until
// ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	go s.applyLoop(ctx)

	backoff := time.Second
	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Flash-cancel hook: strategies cancel resting orders before we
		// go dark into the reconnect wait.
		s.cache.TriggerDisconnectHandlers()

		s.logger.Warn("stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("stream connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.dispatchMessage(msg)
	}
}

func (s *Stream) sendInitialSubscription() error {
	s.subMu.RLock()
	assets := make([]string, 0, len(s.assets))
	for id := range s.assets {
		assets = append(assets, id)
	}
	markets := make([]string, 0, len(s.markets))
	for id := range s.markets {
		markets = append(markets, id)
	}
	s.subMu.RUnlock()

	return s.writeJSON(types.WSSubscribeMsg{
		Auth:     s.auth.WSAuthPayload(),
		Type:     "user",
		Markets:  markets,
		AssetIDs: assets,
	})
}

func (s *Stream) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json stream message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var evt types.WSBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Error("unmarshal book event", "error", err)
			return
		}
		s.markInbound(&s.lastBookAt)
		s.enqueueBook(evt)

	case "trade":
		var evt types.WSTradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Error("unmarshal trade event", "error", err)
			return
		}
		s.markInbound(&s.lastUserAt)
		s.dispatchFill(evt)

	case "order":
		var evt types.WSOrderEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Error("unmarshal order event", "error", err)
			return
		}
		s.markInbound(&s.lastUserAt)
		s.handlerMu.RLock()
		handlers := s.orderHandlers
		s.handlerMu.RUnlock()
		for _, fn := range handlers {
			fn(evt)
		}

	case "heartbeat", "status":
		s.markInbound(&s.lastBookAt)
		s.markInbound(&s.lastUserAt)

	default:
		s.logger.Debug("unknown stream event type", "type", envelope.EventType)
	}
}

func (s *Stream) markInbound(field *time.Time) {
	s.inboundMu.Lock()
	*field = time.Now()
	s.inboundMu.Unlock()
}

// enqueueBook stages a snapshot for the apply loop. Only the newest
// snapshot per asset is retained under back-pressure.
func (s *Stream) enqueueBook(evt types.WSBookEvent) {
	snap, err := market.BuildSnapshot(evt)
	if err != nil {
		s.logger.Error("build snapshot", "asset", evt.AssetID, "error", err)
		return
	}

	s.pendingMu.Lock()
	s.pending[snap.Asset] = snap
	s.pendingMu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// applyLoop drains staged snapshots into the cache.
func (s *Stream) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}

		for {
			s.pendingMu.Lock()
			var snap *types.BookSnapshot
			for asset, staged := range s.pending {
				snap = staged
				delete(s.pending, asset)
				break
			}
			s.pendingMu.Unlock()

			if snap == nil {
				break
			}
			if !s.cache.Upsert(snap) {
				s.logger.Debug("rejected stale book update",
					"asset", snap.Asset, "seq", snap.Seq)
			}
		}
	}
}

// dispatchFill parses and fans a fill out to registered handlers. Runs on
// the read goroutine: fills block the producer instead of being dropped.
func (s *Stream) dispatchFill(evt types.WSTradeEvent) {
	fill, err := parseFill(evt)
	if err != nil {
		s.logger.Error("parse fill", "trade_id", evt.ID, "error", err)
		return
	}

	s.handlerMu.RLock()
	handlers := s.fillHandlers
	s.handlerMu.RUnlock()

	for _, fn := range handlers {
		fn(fill)
	}
}

func parseFill(evt types.WSTradeEvent) (types.Fill, error) {
	size, err := decimal.NewFromString(evt.Size)
	if err != nil {
		return types.Fill{}, fmt.Errorf("size %q: %w", evt.Size, err)
	}
	price, err := decimal.NewFromString(evt.Price)
	if err != nil {
		return types.Fill{}, fmt.Errorf("price %q: %w", evt.Price, err)
	}

	feeBps := 0
	if evt.FeeRateBps != "" {
		if v, perr := strconv.Atoi(evt.FeeRateBps); perr == nil {
			feeBps = v
		}
	}

	at := time.Now()
	if ms, perr := strconv.ParseInt(evt.Timestamp, 10, 64); perr == nil {
		at = time.UnixMilli(ms)
	}

	return types.Fill{
		OrderID:    evt.OrderID,
		TradeID:    evt.ID,
		Asset:      evt.AssetID,
		Market:     evt.Market,
		Side:       types.Side(evt.Side),
		Size:       size,
		Price:      price,
		FeeRateBps: feeBps,
		At:         at,
	}, nil
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Stream) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Stream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}
