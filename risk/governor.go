package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sage/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK GOVERNOR - Gatekeeper for consensus decisions
// ═══════════════════════════════════════════════════════════════════════════════
//
// Consensus proposes → Governor approves/rejects → Decision publishes
//
// This enforces ALL capital protection rules in ONE place. Checks
// short-circuit in a fixed order and every check emits a GateResult, so
// a rejection always carries the numeric margin that caused it.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Gate names, in evaluation order.
const (
	GateKillSwitch  = "kill_switch"
	GateEquityFloor = "equity_floor"
	GateLiquidation = "liquidation_distance"
	GateDrawdown    = "daily_drawdown"
	GatePosition    = "position_size"
	GateExposure    = "total_exposure"
)

// Config holds the governor thresholds.
type Config struct {
	EquityFloor        decimal.Decimal
	MarginRatioMin     float64
	MarginRatioWarn    float64
	DailyDrawdownLimit float64
	MaxPositionPct     float64
	MaxExposurePct     float64
	KillSwitchCooldown time.Duration
}

// DefaultConfig returns production thresholds.
func DefaultConfig() Config {
	return Config{
		EquityFloor:        decimal.NewFromInt(10_000),
		MarginRatioMin:     1.5,
		MarginRatioWarn:    2.25,
		DailyDrawdownLimit: 0.05,
		MaxPositionPct:     0.10,
		MaxExposurePct:     0.50,
		KillSwitchCooldown: 24 * time.Hour,
	}
}

// RiskState is the account picture refreshed from the venue.
type RiskState struct {
	AccountValue        decimal.Decimal `json:"account_value"`
	MarginUsed          decimal.Decimal `json:"margin_used"`
	MaintenanceMargin   decimal.Decimal `json:"maintenance_margin"`
	TotalExposure       decimal.Decimal `json:"total_exposure"`
	MarginRatio         float64         `json:"margin_ratio"`
	DailyPnL            decimal.Decimal `json:"daily_pnl"`
	DailyStartingEquity decimal.Decimal `json:"daily_starting_equity"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// DailyDrawdownPct is today's loss as a fraction of starting equity,
// zero when the day is flat or green.
func (s RiskState) DailyDrawdownPct() float64 {
	if s.DailyStartingEquity.Sign() <= 0 || s.DailyPnL.Sign() >= 0 {
		return 0
	}
	return s.DailyPnL.Neg().Div(s.DailyStartingEquity).InexactFloat64()
}

// Approval is the governor's verdict on a proposed position.
type Approval struct {
	Approved     bool               `json:"approved"`
	Gates        []types.GateResult `json:"gates"`
	RejectReason string             `json:"reject_reason,omitempty"`
}

// Governor holds the account risk state and the kill switch behind one
// lock. RunAllChecks is the only approval path.
type Governor struct {
	mu    sync.RWMutex
	cfg   Config
	kill  *KillSwitch
	state RiskState
}

func NewGovernor(cfg Config) *Governor {
	g := &Governor{
		cfg:  cfg,
		kill: NewKillSwitch(cfg.KillSwitchCooldown),
	}
	log.Info().
		Str("equity_floor", cfg.EquityFloor.StringFixed(0)).
		Float64("margin_ratio_min", cfg.MarginRatioMin).
		Str("daily_drawdown_limit", fmt.Sprintf("%.0f%%", cfg.DailyDrawdownLimit*100)).
		Str("max_position", fmt.Sprintf("%.0f%%", cfg.MaxPositionPct*100)).
		Str("max_exposure", fmt.Sprintf("%.0f%%", cfg.MaxExposurePct*100)).
		Dur("kill_cooldown", g.kill.cooldown).
		Msg("🛡️ Risk governor initialized")
	return g
}

// Refresh replaces the account state with a fresh venue read.
func (g *Governor) Refresh(state RiskState) {
	g.mu.Lock()
	g.state = state
	g.mu.Unlock()
}

// State returns a copy of the current account picture.
func (g *Governor) State() RiskState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Switch exposes the kill switch for operator surfaces.
func (g *Governor) Switch() *KillSwitch {
	return g.kill
}

// RunAllChecks evaluates every gate in order against the proposed
// notional. The first block short-circuits; the returned gates carry
// what each check measured either way.
func (g *Governor) RunAllChecks(proposedNotional decimal.Decimal, now time.Time) Approval {
	g.mu.RLock()
	state := g.state
	g.mu.RUnlock()

	gates := make([]types.GateResult, 0, 6)
	reject := func(gr types.GateResult) Approval {
		gates = append(gates, gr)
		log.Warn().
			Str("gate", gr.Name).
			Str("reason", gr.Detail).
			Msg("🚫 Decision blocked by risk governor")
		return Approval{Approved: false, Gates: gates, RejectReason: gr.Detail}
	}
	pass := func(gr types.GateResult) {
		gr.Passed = true
		gates = append(gates, gr)
	}

	// 1. Kill switch: latched means no trading, full stop
	if tripped, reason, _, _ := g.kill.Status(); tripped {
		detail := fmt.Sprintf("kill switch latched: %s", reason)
		if at := g.kill.ResetAvailableAt(); now.Before(at) {
			detail += fmt.Sprintf(", reset available in %s", at.Sub(now).Round(time.Minute))
		} else {
			detail += ", awaiting operator reset"
		}
		return reject(types.GateResult{Name: GateKillSwitch, Value: 1, Threshold: 0, Detail: detail})
	}
	pass(types.GateResult{Name: GateKillSwitch, Value: 0, Threshold: 0, Detail: "kill switch clear"})

	// 2. Equity floor: below it the account cannot absorb another stop-out
	account := state.AccountValue
	gr := types.GateResult{
		Name:      GateEquityFloor,
		Value:     account.InexactFloat64(),
		Threshold: g.cfg.EquityFloor.InexactFloat64(),
		Detail:    fmt.Sprintf("equity $%s, floor $%s", account.StringFixed(2), g.cfg.EquityFloor.StringFixed(2)),
	}
	if account.LessThan(g.cfg.EquityFloor) {
		return reject(gr)
	}
	pass(gr)

	// 3. Liquidation distance via margin ratio
	gr = types.GateResult{
		Name:      GateLiquidation,
		Value:     state.MarginRatio,
		Threshold: g.cfg.MarginRatioMin,
		Detail:    fmt.Sprintf("margin ratio %.2f, liquidation buffer %.2f", state.MarginRatio, g.cfg.MarginRatioMin),
	}
	if state.MarginUsed.Sign() > 0 {
		if state.MarginRatio < g.cfg.MarginRatioMin {
			return reject(gr)
		}
		if state.MarginRatio < g.cfg.MarginRatioWarn {
			log.Warn().
				Float64("margin_ratio", state.MarginRatio).
				Float64("warn_below", g.cfg.MarginRatioWarn).
				Msg("⚠️ Margin ratio inside warning band")
		}
	}
	pass(gr)

	// 4. Daily drawdown: breach trips the kill switch, not just this check
	dd := state.DailyDrawdownPct()
	gr = types.GateResult{
		Name:      GateDrawdown,
		Value:     dd,
		Threshold: g.cfg.DailyDrawdownLimit,
		Detail:    fmt.Sprintf("daily drawdown %.1f%%, limit %.1f%%", dd*100, g.cfg.DailyDrawdownLimit*100),
	}
	if dd > g.cfg.DailyDrawdownLimit {
		g.kill.Trip(fmt.Sprintf("daily drawdown %.1f%%", dd*100), now)
		return reject(gr)
	}
	pass(gr)

	// 5. Position size relative to equity
	posPct := 0.0
	if account.Sign() > 0 {
		posPct = proposedNotional.Div(account).InexactFloat64()
	}
	gr = types.GateResult{
		Name:      GatePosition,
		Value:     posPct,
		Threshold: g.cfg.MaxPositionPct,
		Detail:    fmt.Sprintf("position %.1f%% of equity, max %.1f%%", posPct*100, g.cfg.MaxPositionPct*100),
	}
	if posPct > g.cfg.MaxPositionPct {
		return reject(gr)
	}
	pass(gr)

	// 6. Total exposure including the proposal
	expPct := 0.0
	if account.Sign() > 0 {
		expPct = state.TotalExposure.Add(proposedNotional).Div(account).InexactFloat64()
	}
	gr = types.GateResult{
		Name:      GateExposure,
		Value:     expPct,
		Threshold: g.cfg.MaxExposurePct,
		Detail:    fmt.Sprintf("exposure %.1f%% of equity, max %.1f%%", expPct*100, g.cfg.MaxExposurePct*100),
	}
	if expPct > g.cfg.MaxExposurePct {
		return reject(gr)
	}
	pass(gr)

	log.Debug().
		Str("proposed", proposedNotional.StringFixed(2)).
		Str("equity", account.StringFixed(2)).
		Msg("✅ Decision approved by risk governor")
	return Approval{Approved: true, Gates: gates}
}
