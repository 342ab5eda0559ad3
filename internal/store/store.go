// Package store persists bot state across restarts as a single compact
// JSON document, written with atomic tmp+rename replacement so a crash
// mid-save never leaves a torn file.
//
// On start-up the persisted positions are reconciled against a fresh fetch
// from the exchange: any disagreement larger than one tick (or one share
// step) logs a checksum warning and the exchange's view wins — local state
// is a cache of reality, not the other way around.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-arb/internal/exchange"
	"polymarket-arb/internal/inventory"
)

// BotState is the persisted document.
type BotState struct {
	SavedAt      time.Time            `json:"saved_at"`
	Positions    []inventory.Position `json:"positions"`
	RealizedPnL  decimal.Decimal      `json:"realized_pnl"`
	PeakEquity   decimal.Decimal      `json:"peak_equity"`
	LastBookSeq  map[string]uint64    `json:"last_book_seq"`
	OpenOrderIDs []string             `json:"open_order_ids"`
}

// Store persists the bot state document.
type Store struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// Open creates a store backed by the given directory.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{
		path:   filepath.Join(dir, "state.json"),
		logger: logger.With("component", "store"),
	}, nil
}

// Save atomically persists the state document.
func (s *Store) Save(state BotState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.SavedAt = time.Now()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Load restores the state document. Returns nil, nil when no state exists
// (fresh start).
func (s *Store) Load() (*BotState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var state BotState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &state, nil
}

// Reconcile compares persisted positions against the exchange's view and
// returns the positions to install. Share or entry-price disagreements
// beyond one step log a checksum warning and take the exchange as truth;
// local-only bookkeeping (realized P&L, markout stats) is preserved where
// the position survives.
func (s *Store) Reconcile(persisted []inventory.Position, live []exchange.ExchangePosition, tick decimal.Decimal) []inventory.Position {
	shareStep := decimal.New(1, -2)

	liveByAsset := make(map[string]exchange.ExchangePosition, len(live))
	for _, lp := range live {
		liveByAsset[lp.Asset] = lp
	}

	out := make([]inventory.Position, 0, len(persisted))
	seen := make(map[string]bool, len(persisted))

	for _, pos := range persisted {
		seen[pos.Asset] = true
		lp, ok := liveByAsset[pos.Asset]
		if !ok {
			if !pos.IsFlat() {
				s.logger.Warn("checksum: persisted position missing on exchange, dropping",
					"asset", pos.Asset, "shares", pos.Shares)
			}
			continue
		}

		shareDiff := pos.Shares.Sub(lp.Shares).Abs()
		priceDiff := pos.AvgEntry.Sub(lp.AvgPrice).Abs()
		if shareDiff.GreaterThan(shareStep) || priceDiff.GreaterThan(tick) {
			s.logger.Warn("checksum: position disagrees with exchange, using exchange",
				"asset", pos.Asset,
				"local_shares", pos.Shares, "exchange_shares", lp.Shares,
				"local_entry", pos.AvgEntry, "exchange_entry", lp.AvgPrice,
			)
			pos.Shares = lp.Shares
			pos.AvgEntry = lp.AvgPrice
			pos.Dust = decimal.Zero
		}
		out = append(out, pos)
	}

	// Positions the exchange knows about that we never persisted.
	for _, lp := range live {
		if seen[lp.Asset] || !lp.Shares.Abs().GreaterThan(shareStep) {
			continue
		}
		s.logger.Warn("checksum: unknown exchange position adopted",
			"asset", lp.Asset, "shares", lp.Shares)
		out = append(out, inventory.Position{
			Asset:      lp.Asset,
			Market:     lp.Market,
			Shares:     lp.Shares,
			AvgEntry:   lp.AvgPrice,
			LastUpdate: time.Now(),
		})
	}

	return out
}
