// Package supervisor owns the top-level lifecycle: it constructs every
// component once, wires them together, allocates capital between the
// strategies, and drives the periodic bookkeeping loops (marks, equity,
// persistence). No process-wide mutable globals exist anywhere; everything
// is built here and passed by reference.
//
// Capital allocation:
//
//	mm      = min(cap_mm,  pct_mm  · equity)
//	arb     = min(cap_arb, pct_arb · equity)
//	reserve = pct_reserve · equity
//
// with pct_mm + pct_arb + pct_reserve ≤ 1 validated at start-up. A strategy
// is started only if its allocation at start-up clears its configured
// minimum; later allocation updates do not stop a running strategy.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polymarket-arb/internal/arb"
	"polymarket-arb/internal/config"
	"polymarket-arb/internal/events"
	"polymarket-arb/internal/exchange"
	"polymarket-arb/internal/inventory"
	"polymarket-arb/internal/market"
	"polymarket-arb/internal/mm"
	"polymarket-arb/internal/risk"
	"polymarket-arb/internal/secrets"
	"polymarket-arb/internal/store"
	"polymarket-arb/pkg/types"
)

// Supervisor wires and runs the trading core.
type Supervisor struct {
	cfg      config.Config
	universe []types.MarketInfo
	logger   *slog.Logger

	bus      *events.Bus
	cache    *market.Cache
	auth     *exchange.Auth
	client   *exchange.Client
	stream   *exchange.Stream
	inv      *inventory.Manager
	riskCtl  *risk.Controller
	scanner  *arb.Scanner
	executor *arb.Executor
	engine   *mm.Engine
	state    *store.Store

	cash   decimal.Decimal
	cashMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs and wires all components. The secret store is built from
// config; Vault deployments fail fast here when the path is unreadable.
func New(cfg config.Config, logger *slog.Logger) (*Supervisor, error) {
	universe, err := buildUniverse(cfg.Markets)
	if err != nil {
		return nil, err
	}

	secretStore, err := buildSecretStore(cfg)
	if err != nil {
		return nil, err
	}

	auth, err := exchange.NewAuth(cfg, secretStore)
	if err != nil {
		return nil, err
	}

	gate := exchange.NewGate(
		cfg.RateLimit.BurstCapacity, cfg.RateLimit.BurstRefillPerSec,
		cfg.RateLimit.SustainedCapacity, cfg.RateLimit.SustainedPerSec,
	)
	client := exchange.NewClient(cfg, auth, gate, logger)

	bus := events.NewBus(64)
	cache := market.NewCache()
	stream := exchange.NewStream(cfg.API.WSURL, auth, cache, logger)

	inv := inventory.NewManager(cfg.Inventory, logger)
	for _, mkt := range universe {
		for _, outcome := range mkt.Outcomes {
			inv.RegisterAsset(outcome.Asset, mkt.ID, mkt.TickSize)
		}
	}

	riskCtl := risk.NewController(cfg.Risk, inv, bus, logger)

	scanner := arb.NewScanner(cfg.Arb, cfg.Risk.StaleThreshold, cache, universe, logger)
	executor := arb.NewExecutor(cfg.Arb, cfg.Risk.StaleThreshold, client, cache, riskCtl, inv, bus, logger)

	busy := func(marketID string) bool {
		return executor.MarketBusy(marketID, cfg.Supervisor.SelfTradeCooldown)
	}
	engine := mm.NewEngine(cfg.MM, client, cache, inv, riskCtl, bus, busy, universe, logger)

	st, err := store.Open(cfg.Store.DataDir, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		cfg:      cfg,
		universe: universe,
		logger:   logger.With("component", "supervisor"),
		bus:      bus,
		cache:    cache,
		auth:     auth,
		client:   client,
		stream:   stream,
		inv:      inv,
		riskCtl:  riskCtl,
		scanner:  scanner,
		executor: executor,
		engine:   engine,
		state:    st,
		cash:     decimal.NewFromFloat(cfg.Risk.InitialCapital),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.wire()
	return s, nil
}

func buildSecretStore(cfg config.Config) (secrets.Store, error) {
	switch cfg.Secrets.Provider {
	case "vault":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return secrets.NewVaultStore(ctx, secrets.VaultConfig{
			Address: cfg.Secrets.VaultAddress,
			Token:   cfg.Secrets.VaultToken,
			Path:    cfg.Secrets.VaultPath,
		})
	default:
		return secrets.NewEnvStore(cfg.Wallet.PrivateKey, secrets.Credentials{
			ApiKey:     cfg.API.ApiKey,
			Secret:     cfg.API.Secret,
			Passphrase: cfg.API.Passphrase,
		}), nil
	}
}

// buildUniverse converts configured markets into the internal form.
func buildUniverse(markets []config.MarketConfig) ([]types.MarketInfo, error) {
	universe := make([]types.MarketInfo, 0, len(markets))
	for i, mc := range markets {
		outcomes := make([]types.Outcome, len(mc.Outcomes))
		for j, asset := range mc.Outcomes {
			name := ""
			if j < len(mc.OutcomeNames) {
				name = mc.OutcomeNames[j]
			}
			outcomes[j] = types.Outcome{Asset: asset, Name: name}
		}

		tick := types.TickSize(mc.TickSize)
		switch tick {
		case types.Tick01, types.Tick001, types.Tick0001, types.Tick00001:
		case "":
			tick = types.Tick0001
		default:
			return nil, fmt.Errorf("markets[%d]: unsupported tick size %q", i, mc.TickSize)
		}

		var endDate time.Time
		if mc.EndDate != "" {
			parsed, err := time.Parse(time.RFC3339, mc.EndDate)
			if err != nil {
				return nil, fmt.Errorf("markets[%d]: parse end_date: %w", i, err)
			}
			endDate = parsed
		}

		universe = append(universe, types.MarketInfo{
			ID:           mc.ID,
			Slug:         mc.Slug,
			Type:         types.MarketType(mc.Type),
			Outcomes:     outcomes,
			TickSize:     tick,
			MinOrderSize: decimal.NewFromFloat(mc.MinOrderSize),
			EndDate:      endDate,
			TakerFeeBps:  mc.TakerFeeBps,
		})
	}
	return universe, nil
}

// wire connects the cross-component hooks: fills into inventory before
// strategies, flash-cancel on disconnect, cancel hooks on kill/breaker,
// heartbeat clocks and the latency source into the risk controller.
func (s *Supervisor) wire() {
	s.stream.RegisterFillHandler(s.inv.ApplyFill)
	s.stream.RegisterFillHandler(s.engine.HandleFill)
	s.stream.RegisterOrderHandler(s.engine.HandleOrderEvent)

	s.cache.RegisterDisconnectHandler("mm-flash-cancel", func() {
		s.engine.EmergencyCancelAll("stream disconnect")
	})

	s.riskCtl.RegisterKillCallback(func(reason string) {
		s.engine.EmergencyCancelAll("kill switch: " + reason)
	})
	s.riskCtl.RegisterBreakerCallback(func(scope, reason string) {
		if scope == "" {
			s.engine.EmergencyCancelAll("circuit breaker: " + reason)
			return
		}
		s.engine.CancelMarket(scope, "circuit breaker: "+reason)
	})

	s.riskCtl.RegisterFeed("book", s.stream.LastBookInbound)
	s.riskCtl.RegisterFeed("user", s.stream.LastUserInbound)
	s.riskCtl.RegisterLatencySource(s.client.RecentLatency)
}

// Start rehydrates state and launches all loops.
func (s *Supervisor) Start() error {
	if err := s.rehydrate(); err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}

	s.spawn(func() {
		if err := s.stream.Run(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Error("stream terminated", "error", err)
		}
	})
	s.spawn(func() { s.riskCtl.Run(s.ctx) })

	// Subscribe the full universe before strategies come up.
	assets := make([]string, 0)
	marketIDs := make([]string, 0, len(s.universe))
	for _, mkt := range s.universe {
		assets = append(assets, mkt.AssetIDs()...)
		marketIDs = append(marketIDs, mkt.ID)
	}
	if err := s.stream.Subscribe(assets, marketIDs); err != nil {
		s.logger.Warn("initial subscribe deferred to connect", "error", err)
	}

	mmAlloc, arbAlloc := s.allocate()

	if s.cfg.Arb.Enabled && arbAlloc.GreaterThanOrEqual(decimal.NewFromFloat(s.cfg.Supervisor.MinAllocationArb)) {
		s.spawn(func() { s.scanner.Run(s.ctx) })
		s.spawn(func() { s.executor.Run(s.ctx, s.scanner.Results()) })
	} else {
		s.logger.Info("arbitrage disabled", "allocation", arbAlloc)
	}

	if s.cfg.MM.Enabled && mmAlloc.GreaterThanOrEqual(decimal.NewFromFloat(s.cfg.Supervisor.MinAllocationMM)) {
		s.engine.SetAllocation(mmAlloc)
		s.spawn(func() { s.engine.Run(s.ctx) })
	} else {
		s.logger.Info("market making disabled", "allocation", mmAlloc)
	}

	s.spawn(func() { s.bookkeepingLoop() })
	s.spawn(func() { s.persistenceLoop() })

	s.logger.Info("trading core started",
		"markets", len(s.universe),
		"mm_allocation", mmAlloc,
		"arb_allocation", arbAlloc,
		"dry_run", s.cfg.DryRun,
	)
	return nil
}

func (s *Supervisor) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Stop shuts down: stops loops, optionally cancels all resting orders as a
// safety net, and persists final state.
func (s *Supervisor) Stop() {
	s.logger.Info("shutting down...")
	s.cancel()
	s.wg.Wait()

	if s.cfg.Supervisor.CancelOnShutdown {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := s.client.CancelAll(ctx); err != nil {
			s.logger.Error("cancel-all on shutdown failed", "error", err)
		}
		cancel()
	}

	if err := s.persist(); err != nil {
		s.logger.Error("final persist failed", "error", err)
	}

	s.stream.Close()
	s.logger.Info("shutdown complete")
}

// allocate splits current equity between the strategies.
func (s *Supervisor) allocate() (mmAlloc, arbAlloc decimal.Decimal) {
	snap, _ := s.riskCtl.Equity()
	equity := snap.TotalEquity
	if !equity.IsPositive() {
		equity = decimal.NewFromFloat(s.cfg.Risk.InitialCapital)
	}

	mmAlloc = decimal.Min(
		decimal.NewFromFloat(s.cfg.Supervisor.CapMM),
		equity.Mul(decimal.NewFromFloat(s.cfg.Supervisor.PctMM)),
	)
	arbAlloc = decimal.Min(
		decimal.NewFromFloat(s.cfg.Supervisor.CapArb),
		equity.Mul(decimal.NewFromFloat(s.cfg.Supervisor.PctArb)),
	)
	return mmAlloc, arbAlloc
}

// ————————————————————————————————————————————————————————————————————————
// Rehydration
// ————————————————————————————————————————————————————————————————————————

// rehydrate loads persisted state, reconciles against the exchange, and
// installs the result.
func (s *Supervisor) rehydrate() error {
	persisted, err := s.state.Load()
	if err != nil {
		return err
	}
	if persisted == nil {
		s.logger.Info("no persisted state, fresh start")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	live, err := s.client.GetPositions(ctx, s.auth.FunderAddress().Hex())
	if err != nil {
		s.logger.Warn("position fetch failed, trusting persisted state", "error", err)
		live = nil
	}

	tick := types.Tick0001.Step()
	reconciled := s.state.Reconcile(persisted.Positions, live, tick)
	for _, pos := range reconciled {
		s.inv.Restore(pos)
	}

	s.riskCtl.SetPeakEquity(persisted.PeakEquity)
	for asset, seq := range persisted.LastBookSeq {
		s.cache.SeedSeq(asset, seq)
	}

	s.logger.Info("state rehydrated",
		"positions", len(reconciled),
		"peak_equity", persisted.PeakEquity,
		"outstanding_orders", len(persisted.OpenOrderIDs),
	)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Periodic loops
// ————————————————————————————————————————————————————————————————————————

// bookkeepingLoop refreshes marks, equity, allocations, and prunes flat
// positions. Balance is fetched on a slower cadence than marks.
func (s *Supervisor) bookkeepingLoop() {
	markTicker := time.NewTicker(2 * time.Second)
	balanceTicker := time.NewTicker(30 * time.Second)
	pruneTicker := time.NewTicker(5 * time.Minute)
	defer markTicker.Stop()
	defer balanceTicker.Stop()
	defer pruneTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-markTicker.C:
			marks := s.currentMarks()
			if len(marks) > 0 {
				s.inv.UpdateMarks(marks)
			}
			s.cashMu.RLock()
			cash := s.cash
			s.cashMu.RUnlock()
			s.riskCtl.UpdateEquity(cash)

			mmAlloc, _ := s.allocate()
			s.engine.SetAllocation(mmAlloc)

		case <-balanceTicker.C:
			ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
			balance, err := s.client.GetBalance(ctx)
			cancel()
			if err != nil {
				s.logger.Warn("balance refresh failed", "error", err)
				continue
			}
			s.cashMu.Lock()
			s.cash = balance
			s.cashMu.Unlock()

		case <-pruneTicker.C:
			for _, pos := range s.inv.PruneFlat(10 * time.Minute) {
				s.logger.Debug("flat position pruned", "asset", pos.Asset)
			}
		}
	}
}

// currentMarks builds asset → mid from the cache for all held positions.
func (s *Supervisor) currentMarks() map[string]decimal.Decimal {
	marks := make(map[string]decimal.Decimal)
	for _, mkt := range s.universe {
		for _, outcome := range mkt.Outcomes {
			if snap, ok := s.cache.Get(outcome.Asset); ok && snap.Mid.IsPositive() {
				marks[outcome.Asset] = snap.Mid
			}
		}
	}
	return marks
}

func (s *Supervisor) persistenceLoop() {
	ticker := time.NewTicker(s.cfg.Supervisor.PersistenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.persist(); err != nil {
				s.logger.Error("persist failed", "error", err)
			}
		}
	}
}

func (s *Supervisor) persist() error {
	realized, _, _, _ := s.inv.Totals()
	_, peak := s.riskCtl.Equity()

	lastSeq := make(map[string]uint64)
	for _, mkt := range s.universe {
		for _, outcome := range mkt.Outcomes {
			if seq := s.cache.LastSeq(outcome.Asset); seq > 0 {
				lastSeq[outcome.Asset] = seq
			}
		}
	}

	return s.state.Save(store.BotState{
		Positions:    s.inv.All(),
		RealizedPnL:  realized,
		PeakEquity:   peak,
		LastBookSeq:  lastSeq,
		OpenOrderIDs: s.engine.ActiveOrderIDs(),
	})
}

// FlattenAll emits liquidation intents for every open position and submits
// them. Used when the operator escalates to LIQUIDATION.
func (s *Supervisor) FlattenAll() {
	s.riskCtl.EnterLiquidation("operator flatten")

	intents := s.inv.FlattenAll(s.currentMarks())
	for _, intent := range intents {
		intent.ClientNonce = uuid.NewString()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := s.client.PlaceOrder(ctx, intent); err != nil {
			s.logger.Error("liquidation order failed",
				"asset", intent.Asset, "error", err)
		}
		cancel()
	}
}
