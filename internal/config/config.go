// Package config defines all configuration for the arbitrage and
// market-making bot. Config is loaded from a YAML file (default:
// configs/config.yaml) with sensitive fields overridable via ARB_*
// environment variables. Invalid values cause start-up failure.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	API        APIConfig        `mapstructure:"api"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Markets    []MarketConfig   `mapstructure:"markets"`
	Arb        ArbConfig        `mapstructure:"arb"`
	MM         MMConfig         `mapstructure:"mm"`
	Inventory  InventoryConfig  `mapstructure:"inventory"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// WalletConfig holds the wallet used for signing orders. PrivateKey may be
// left empty when the secret store provides it.
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds exchange endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, they come from the secret store.
type APIConfig struct {
	CLOBBaseURL string `mapstructure:"clob_base_url"`
	WSURL       string `mapstructure:"ws_url"`
	ApiKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
	Passphrase  string `mapstructure:"passphrase"`
}

// SecretsConfig selects where wallet keys and API credentials come from.
// Provider "env" reads ARB_* environment variables; "vault" reads a KV-v2
// secret from HashiCorp Vault and supports mid-run rotation.
type SecretsConfig struct {
	Provider     string `mapstructure:"provider"` // "env" or "vault"
	VaultAddress string `mapstructure:"vault_address"`
	VaultToken   string `mapstructure:"vault_token"`
	VaultPath    string `mapstructure:"vault_path"`
}

// MarketConfig declares one market in the trading universe.
type MarketConfig struct {
	ID           string   `mapstructure:"id"`   // condition ID
	Slug         string   `mapstructure:"slug"`
	Type         string   `mapstructure:"type"` // BINARY, MULTI, NEG_RISK
	Outcomes     []string `mapstructure:"outcomes"`      // token IDs, YES first for binary
	OutcomeNames []string `mapstructure:"outcome_names"` // parallel to Outcomes
	TickSize     string   `mapstructure:"tick_size"`     // "0.1" … "0.0001"
	MinOrderSize float64  `mapstructure:"min_order_size"`
	TakerFeeBps  int      `mapstructure:"taker_fee_bps"`
	EndDate      string   `mapstructure:"end_date"` // RFC3339, optional
}

// ArbConfig tunes the multi-outcome arbitrage scanner and atomic executor.
//
//   - FeeBuffer: baskets qualify only when Σ asks < 1 − FeeBuffer.
//   - MinDepthShares: every leg needs at least this much resting ask size.
//   - SafetyBuffer: depth divisor absorbing book decay between sight and action.
//   - MinProfitUSD: gross edge × shares must clear this to bother executing.
//   - MaxOpportunityAge: opportunities older than this are discarded unexecuted.
//   - MaxSlippagePct: pre-flight tolerance for ask drift since discovery.
//   - PlacementDeadline: hard deadline for the fill-monitoring window.
type ArbConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ScanInterval      time.Duration `mapstructure:"scan_interval"`
	FeeBuffer         float64       `mapstructure:"fee_buffer"`
	MinDepthShares    float64       `mapstructure:"min_depth_shares"`
	SafetyBuffer      float64       `mapstructure:"safety_buffer"`
	MinProfitUSD      float64       `mapstructure:"min_profit_usd"`
	MaxOpportunityAge time.Duration `mapstructure:"max_opportunity_age"`
	MaxSlippagePct    float64       `mapstructure:"max_slippage_pct"`
	PlacementDeadline time.Duration `mapstructure:"placement_deadline"`
}

// MMConfig tunes the market-making engine.
//
//   - BaseSpread: undisturbed full spread before multipliers.
//   - MinSpread/MaxSpread: clamp on the adjusted full spread.
//   - OrderSizeUSD: target notional per quote.
//   - MinRequoteInterval: floor between quote re-evaluations per market.
//   - HysteresisTicks: a resting quote is only replaced when the new price
//     moves by at least this many ticks.
//   - JumpFilterPct: |micro − mid|/mid above this pauses the market.
//   - PauseDuration: how long a jump-filter pause lasts.
//   - BinarySumTolerance: |priceYes + priceNo − 1| above this marks the
//     market unhealthy.
//   - Toxic flow: the last ToxicFillCount fills within ToxicWindow all on one
//     side scales gamma by ToxicGammaFactor and quotes one-sided for
//     ToxicCooldown.
//   - Adverse selection: with ≥ AdverseMinFills fills and average markout
//     below AdverseMarkoutFloor per fill, the spread widens by 1.5–2×.
//   - MarkoutHorizon: delay after a fill before its markout is measured.
type MMConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	BaseSpread          float64       `mapstructure:"base_spread"`
	MinSpread           float64       `mapstructure:"min_spread"`
	MaxSpread           float64       `mapstructure:"max_spread"`
	OrderSizeUSD        float64       `mapstructure:"order_size_usd"`
	MinRequoteInterval  time.Duration `mapstructure:"min_requote_interval"`
	HysteresisTicks     int           `mapstructure:"hysteresis_ticks"`
	JumpFilterPct       float64       `mapstructure:"jump_filter_pct"`
	PauseDuration       time.Duration `mapstructure:"pause_duration"`
	BinarySumTolerance  float64       `mapstructure:"binary_sum_tolerance"`
	BoundaryHigh        float64       `mapstructure:"boundary_high"` // mid above this disables BUY
	BoundaryLow         float64       `mapstructure:"boundary_low"`  // mid below this disables SELL
	ToxicFillCount      int           `mapstructure:"toxic_fill_count"`
	ToxicWindow         time.Duration `mapstructure:"toxic_window"`
	ToxicGammaFactor    float64       `mapstructure:"toxic_gamma_factor"`
	ToxicCooldown       time.Duration `mapstructure:"toxic_cooldown"`
	AdverseMinFills     int           `mapstructure:"adverse_min_fills"`
	AdverseMarkoutFloor float64       `mapstructure:"adverse_markout_floor"`
	MarkoutHorizon      time.Duration `mapstructure:"markout_horizon"`
	WalkRetryLimit      int           `mapstructure:"walk_retry_limit"` // post-only reject retries
	TimeHorizonHours    float64       `mapstructure:"time_horizon_hours"`
	StaleBookTimeout    time.Duration `mapstructure:"stale_book_timeout"`
}

// InventoryConfig tunes position tracking and the reservation-skew model.
//
//   - GammaBase: base risk aversion; scaled up with realized volatility and
//     clamped to [GammaMin, GammaMax].
//   - SigmaBaseline: reference volatility for the dynamic gamma ratio.
//   - SigmaDefault: fallback volatility when the estimator has no data.
type InventoryConfig struct {
	GammaBase            float64       `mapstructure:"gamma_base"`
	GammaMin             float64       `mapstructure:"gamma_min"`
	GammaMax             float64       `mapstructure:"gamma_max"`
	SigmaBaseline        float64       `mapstructure:"sigma_baseline"`
	SigmaDefault         float64       `mapstructure:"sigma_default"`
	VolatilityWindow     time.Duration `mapstructure:"volatility_window"`
	MaxGrossExposure     float64       `mapstructure:"max_gross_exposure"`
	MaxPositionPerMarket float64       `mapstructure:"max_position_per_market"`
}

// RiskConfig sets hard limits that escalate the trading state.
type RiskConfig struct {
	InitialCapital   float64       `mapstructure:"initial_capital"`
	MaxDrawdownPct   float64       `mapstructure:"max_drawdown_pct"`
	MaxSpreadTicks   int           `mapstructure:"max_spread_ticks"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	LatencyKill      time.Duration `mapstructure:"latency_kill"`
	BreakerReset     time.Duration `mapstructure:"breaker_reset"`
	StaleThreshold   time.Duration `mapstructure:"stale_threshold"`
}

// SupervisorConfig allocates capital between strategies and owns lifecycle
// tunables. PctMM + PctArb + PctReserve must not exceed 1.
type SupervisorConfig struct {
	PctMM               float64       `mapstructure:"pct_mm"`
	PctArb              float64       `mapstructure:"pct_arb"`
	PctReserve          float64       `mapstructure:"pct_reserve"`
	CapMM               float64       `mapstructure:"cap_mm"`
	CapArb              float64       `mapstructure:"cap_arb"`
	MinAllocationMM     float64       `mapstructure:"min_allocation_mm"`
	MinAllocationArb    float64       `mapstructure:"min_allocation_arb"`
	PersistenceInterval time.Duration `mapstructure:"persistence_interval"`
	CancelOnShutdown    bool          `mapstructure:"cancel_on_shutdown"`
	SelfTradeCooldown   time.Duration `mapstructure:"self_trade_cooldown"`
}

// RateLimitConfig shapes the dual token buckets gating outbound calls.
// The short bucket allows bursts; the long bucket enforces the sustained
// rate. The more restrictive of the two governs every call.
type RateLimitConfig struct {
	BurstCapacity     float64 `mapstructure:"burst_capacity"`
	BurstRefillPerSec float64 `mapstructure:"burst_refill_per_sec"`
	SustainedCapacity float64 `mapstructure:"sustained_capacity"`
	SustainedPerSec   float64 `mapstructure:"sustained_per_sec"`
}

// StoreConfig sets where bot state is persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_PRIVATE_KEY, ARB_API_KEY,
// ARB_API_SECRET, ARB_PASSPHRASE, ARB_VAULT_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("ARB_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("ARB_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("ARB_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("ARB_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if token := os.Getenv("ARB_VAULT_TOKEN"); token != "" {
		cfg.Secrets.VaultToken = token
	}
	if os.Getenv("ARB_DRY_RUN") == "true" || os.Getenv("ARB_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("secrets.provider", "env")

	v.SetDefault("arb.enabled", true)
	v.SetDefault("arb.scan_interval", "250ms")
	v.SetDefault("arb.fee_buffer", 0.008)
	v.SetDefault("arb.min_depth_shares", 10.0)
	v.SetDefault("arb.safety_buffer", 1.2)
	v.SetDefault("arb.min_profit_usd", 1.0)
	v.SetDefault("arb.max_opportunity_age", "500ms")
	v.SetDefault("arb.max_slippage_pct", 0.005)
	v.SetDefault("arb.placement_deadline", "2s")

	v.SetDefault("mm.enabled", true)
	v.SetDefault("mm.base_spread", 0.02)
	v.SetDefault("mm.min_spread", 0.004)
	v.SetDefault("mm.max_spread", 0.10)
	v.SetDefault("mm.order_size_usd", 50.0)
	v.SetDefault("mm.min_requote_interval", "200ms")
	v.SetDefault("mm.hysteresis_ticks", 5)
	v.SetDefault("mm.jump_filter_pct", 0.005)
	v.SetDefault("mm.pause_duration", "5s")
	v.SetDefault("mm.binary_sum_tolerance", 0.05)
	v.SetDefault("mm.boundary_high", 0.98)
	v.SetDefault("mm.boundary_low", 0.02)
	v.SetDefault("mm.toxic_fill_count", 3)
	v.SetDefault("mm.toxic_window", "10s")
	v.SetDefault("mm.toxic_gamma_factor", 1.5)
	v.SetDefault("mm.toxic_cooldown", "5m")
	v.SetDefault("mm.adverse_min_fills", 20)
	v.SetDefault("mm.adverse_markout_floor", -0.005)
	v.SetDefault("mm.markout_horizon", "5s")
	v.SetDefault("mm.walk_retry_limit", 3)
	v.SetDefault("mm.time_horizon_hours", 24.0)
	v.SetDefault("mm.stale_book_timeout", "500ms")

	v.SetDefault("inventory.gamma_base", 0.2)
	v.SetDefault("inventory.gamma_min", 0.05)
	v.SetDefault("inventory.gamma_max", 1.0)
	v.SetDefault("inventory.sigma_baseline", 0.05)
	v.SetDefault("inventory.sigma_default", 0.05)
	v.SetDefault("inventory.volatility_window", "1h")

	v.SetDefault("risk.max_drawdown_pct", 0.05)
	v.SetDefault("risk.max_spread_ticks", 50)
	v.SetDefault("risk.heartbeat_timeout", "30s")
	v.SetDefault("risk.latency_kill", "500ms")
	v.SetDefault("risk.breaker_reset", "60s")
	v.SetDefault("risk.stale_threshold", "500ms")

	v.SetDefault("supervisor.persistence_interval", "60s")
	v.SetDefault("supervisor.cancel_on_shutdown", true)
	v.SetDefault("supervisor.self_trade_cooldown", "5s")

	v.SetDefault("rate_limit.burst_capacity", 20)
	v.SetDefault("rate_limit.burst_refill_per_sec", 10)
	v.SetDefault("rate_limit.sustained_capacity", 300)
	v.SetDefault("rate_limit.sustained_per_sec", 5)

	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Secrets.Provider {
	case "env", "vault":
	default:
		return fmt.Errorf("secrets.provider must be \"env\" or \"vault\"")
	}
	if c.Secrets.Provider == "vault" {
		if c.Secrets.VaultAddress == "" || c.Secrets.VaultPath == "" {
			return fmt.Errorf("secrets.vault_address and secrets.vault_path are required for the vault provider")
		}
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.WSURL == "" {
		return fmt.Errorf("api.ws_url is required")
	}
	if len(c.Markets) == 0 {
		return fmt.Errorf("at least one market must be configured")
	}
	for i, m := range c.Markets {
		if m.ID == "" {
			return fmt.Errorf("markets[%d].id is required", i)
		}
		switch m.Type {
		case "BINARY", "MULTI", "NEG_RISK":
		default:
			return fmt.Errorf("markets[%d].type must be BINARY, MULTI, or NEG_RISK", i)
		}
		if m.Type == "BINARY" && len(m.Outcomes) != 2 {
			return fmt.Errorf("markets[%d]: binary markets need exactly 2 outcomes, got %d", i, len(m.Outcomes))
		}
		if m.Type != "BINARY" && len(m.Outcomes) < 2 {
			return fmt.Errorf("markets[%d]: multi-outcome markets need at least 2 outcomes", i)
		}
	}
	if c.Arb.FeeBuffer < 0 || c.Arb.FeeBuffer >= 1 {
		return fmt.Errorf("arb.fee_buffer must be in [0, 1)")
	}
	if c.Arb.SafetyBuffer < 1 {
		return fmt.Errorf("arb.safety_buffer must be >= 1")
	}
	if c.Arb.MaxSlippagePct < 0 {
		return fmt.Errorf("arb.max_slippage_pct must be >= 0")
	}
	if c.MM.MinSpread <= 0 || c.MM.MaxSpread < c.MM.MinSpread {
		return fmt.Errorf("mm spreads invalid: need 0 < min_spread <= max_spread")
	}
	if c.MM.OrderSizeUSD <= 0 {
		return fmt.Errorf("mm.order_size_usd must be > 0")
	}
	if c.MM.HysteresisTicks < 0 {
		return fmt.Errorf("mm.hysteresis_ticks must be >= 0")
	}
	if c.Inventory.GammaBase <= 0 {
		return fmt.Errorf("inventory.gamma_base must be > 0")
	}
	if c.Inventory.GammaMin > c.Inventory.GammaMax {
		return fmt.Errorf("inventory.gamma_min must be <= inventory.gamma_max")
	}
	if c.Inventory.MaxGrossExposure <= 0 {
		return fmt.Errorf("inventory.max_gross_exposure must be > 0")
	}
	if c.Inventory.MaxPositionPerMarket <= 0 {
		return fmt.Errorf("inventory.max_position_per_market must be > 0")
	}
	if c.Risk.InitialCapital <= 0 {
		return fmt.Errorf("risk.initial_capital must be > 0")
	}
	if c.Risk.MaxDrawdownPct <= 0 || c.Risk.MaxDrawdownPct >= 1 {
		return fmt.Errorf("risk.max_drawdown_pct must be in (0, 1)")
	}
	if c.Risk.MaxSpreadTicks <= 0 {
		return fmt.Errorf("risk.max_spread_ticks must be > 0")
	}
	if c.Risk.HeartbeatTimeout <= 0 || c.Risk.HeartbeatTimeout > 30*time.Second {
		return fmt.Errorf("risk.heartbeat_timeout must be in (0, 30s]")
	}
	if c.Risk.LatencyKill <= 0 {
		return fmt.Errorf("risk.latency_kill must be > 0")
	}
	if c.Risk.StaleThreshold <= 0 {
		return fmt.Errorf("risk.stale_threshold must be > 0")
	}
	if c.Supervisor.PctMM < 0 || c.Supervisor.PctArb < 0 || c.Supervisor.PctReserve < 0 {
		return fmt.Errorf("supervisor allocation percentages must be >= 0")
	}
	if sum := c.Supervisor.PctMM + c.Supervisor.PctArb + c.Supervisor.PctReserve; sum > 1.0+1e-9 {
		return fmt.Errorf("supervisor allocations sum to %.3f, must be <= 1", sum)
	}
	if c.RateLimit.BurstCapacity <= 0 || c.RateLimit.SustainedCapacity <= 0 {
		return fmt.Errorf("rate_limit capacities must be > 0")
	}
	if c.RateLimit.BurstRefillPerSec <= 0 || c.RateLimit.SustainedPerSec <= 0 {
		return fmt.Errorf("rate_limit refill rates must be > 0")
	}
	return nil
}
