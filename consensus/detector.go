package consensus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sage/providers"
	"github.com/web3guy0/sage/types"
)

// Gate names, in evaluation order.
const (
	GateMinTraders    = "min_traders"
	GateSupermajority = "supermajority"
	GateEffectiveK    = "effective_k"
	GateFreshness     = "freshness"
	GatePriceBand     = "price_band"
	GateATRValidity   = "atr_validity"
	GateEV            = "ev_gate"
)

// Config holds the detector thresholds plus the venue cost assumptions.
type Config struct {
	Venue         string
	MinTraders    int
	Supermajority float64
	MinEffectiveK float64
	FreshnessMax  time.Duration
	PriceBandATR  float64
	MinEVR        float64
	StrictATR     bool
	FeeBps        float64 // round trip
	SlippageBps   float64
}

// Venue cost assumptions for the EV gate, round-trip taker bps.
var venueCosts = map[string]struct{ fee, slip float64 }{
	"hyperliquid": {fee: 7.0, slip: 2.0},
	"bybit":       {fee: 11.0, slip: 3.0},
	"aster":       {fee: 11.0, slip: 4.0},
}

// DefaultConfig returns production thresholds for a venue.
func DefaultConfig(venue string) Config {
	venue = strings.ToLower(venue)
	costs, ok := venueCosts[venue]
	if !ok {
		costs = struct{ fee, slip float64 }{fee: 10.0, slip: 5.0}
	}
	return Config{
		Venue:         venue,
		MinTraders:    3,
		Supermajority: 0.70,
		MinEffectiveK: 2.0,
		FreshnessMax:  150 * time.Second,
		PriceBandATR:  0.25,
		MinEVR:        0.20,
		StrictATR:     false,
		FeeBps:        costs.fee,
		SlippageBps:   costs.slip,
	}
}

// Dependency surfaces, satisfied by the providers package.
type ATRSource interface {
	Get(ctx context.Context, asset string) providers.ATRData
}

type FundingSource interface {
	Get(ctx context.Context, asset string) providers.FundingData
}

type RegimeSource interface {
	Get(ctx context.Context, asset string) providers.Regime
}

type HoldTimeSource interface {
	EstimateHours(ctx context.Context, asset string, regime providers.Regime, venue string) float64
}

type CorrelationSource interface {
	GetWithDecay(a, b, venue string, now time.Time) float64
}

// Evaluation is the detector's verdict for one asset.
type Evaluation struct {
	Asset      string             `json:"asset"`
	Decision   *types.Decision    `json:"decision,omitempty"`
	Gates      []types.GateResult `json:"gates"`
	SkipReason string             `json:"skip_reason,omitempty"`
}

// Skipped reports whether the evaluation ended in a skip.
func (e Evaluation) Skipped() bool { return e.Decision == nil }

// Detector runs the consensus gate chain over per-asset votes.
type Detector struct {
	cfg     Config
	atr     ATRSource
	funding FundingSource
	hold    HoldTimeSource
	regime  RegimeSource
	corr    CorrelationSource
}

func NewDetector(cfg Config, atr ATRSource, funding FundingSource, hold HoldTimeSource, regime RegimeSource, corr CorrelationSource) *Detector {
	return &Detector{cfg: cfg, atr: atr, funding: funding, hold: hold, regime: regime, corr: corr}
}

// Evaluate runs the gates in order against the asset's votes. The first
// failing gate ends the evaluation with a skip carrying its numeric
// margin; a full pass yields a Decision.
func (d *Detector) Evaluate(ctx context.Context, asset string, votes []Vote, price decimal.Decimal, now time.Time) Evaluation {
	asset = strings.ToUpper(asset)
	ev := Evaluation{Asset: asset}

	fail := func(g types.GateResult) Evaluation {
		ev.Gates = append(ev.Gates, g)
		ev.SkipReason = "Skipped: " + g.Detail
		log.Debug().Str("asset", asset).Str("gate", g.Name).Str("reason", ev.SkipReason).Msg("consensus skip")
		return ev
	}
	pass := func(g types.GateResult) {
		g.Passed = true
		ev.Gates = append(ev.Gates, g)
	}

	// 1. enough traders voting at all
	g := types.GateResult{
		Name:      GateMinTraders,
		Value:     float64(len(votes)),
		Threshold: float64(d.cfg.MinTraders),
		Detail:    fmt.Sprintf("%d traders, need %d", len(votes), d.cfg.MinTraders),
	}
	if len(votes) < d.cfg.MinTraders {
		return fail(g)
	}
	pass(g)

	// 2. weighted supermajority behind one direction
	majority, agreement := majorityOf(votes)
	g = types.GateResult{
		Name:      GateSupermajority,
		Value:     agreement,
		Threshold: d.cfg.Supermajority,
		Detail:    fmt.Sprintf("%.0f%% agreement, need %.0f%%", agreement*100, d.cfg.Supermajority*100),
	}
	if agreement < d.cfg.Supermajority {
		return fail(g)
	}
	pass(g)

	contributors := contributorsOf(votes, majority)

	// 3. breadth after correlation discount
	weights := make([]float64, len(contributors))
	for i, v := range contributors {
		weights[i] = v.Weight
	}
	effK := providers.EffectiveK(weights, func(i, j int) float64 {
		return d.corr.GetWithDecay(contributors[i].Address, contributors[j].Address, d.cfg.Venue, now)
	})
	g = types.GateResult{
		Name:      GateEffectiveK,
		Value:     effK,
		Threshold: d.cfg.MinEffectiveK,
		Detail:    fmt.Sprintf("effective K %.1f, need %.1f", effK, d.cfg.MinEffectiveK),
	}
	if effK < d.cfg.MinEffectiveK {
		return fail(g)
	}
	pass(g)

	// 4. the oldest contributing signal must still be fresh
	staleness := 0.0
	for _, v := range contributors {
		if age := now.Sub(v.EntryTS).Seconds(); age > staleness {
			staleness = age
		}
	}
	maxAge := d.cfg.FreshnessMax.Seconds()
	g = types.GateResult{
		Name:      GateFreshness,
		Value:     staleness,
		Threshold: maxAge,
		Detail:    fmt.Sprintf("signal %.0fs stale, max %.0fs", staleness, maxAge),
	}
	if staleness > maxAge {
		return fail(g)
	}
	pass(g)

	// 5. current price must sit near the consensus entry
	atrData := d.atr.Get(ctx, asset)
	wvwap := weightedVWAP(contributors)
	absATR := atrData.AbsATR(price)
	drift := 0.0
	if absATR > 0 && atrData.Multiplier > 0 {
		drift = price.Sub(wvwap).Abs().InexactFloat64() / (absATR * atrData.Multiplier)
	}
	g = types.GateResult{
		Name:      GatePriceBand,
		Value:     drift,
		Threshold: d.cfg.PriceBandATR,
		Detail:    fmt.Sprintf("price %.2f ATR-multiples from consensus entry, max %.2f", drift, d.cfg.PriceBandATR),
	}
	if drift > d.cfg.PriceBandATR {
		return fail(g)
	}
	pass(g)

	// 6. strict mode refuses fallback volatility data
	fallbackATR := 0.0
	if atrData.Source == providers.ATRSourceFallback {
		fallbackATR = 1.0
	}
	g = types.GateResult{
		Name:      GateATRValidity,
		Value:     fallbackATR,
		Threshold: 0,
		Detail:    fmt.Sprintf("ATR source %s, strict mode requires live data", atrData.Source),
	}
	if d.cfg.StrictATR && fallbackATR > 0 {
		return fail(g)
	}
	pass(g)

	// 7. expected value after venue costs
	regime := providers.RegimeUnknown
	if d.regime != nil {
		regime = d.regime.Get(ctx, asset)
	}
	holdHours := d.hold.EstimateHours(ctx, asset, regime, d.cfg.Venue)
	funding := d.funding.Get(ctx, asset)
	fundingBps := funding.CostBps(majority, holdHours)

	stopFraction := atrData.StopFraction()
	stopBps := stopFraction * 10_000
	expectedMoveR := expectedMove(contributors)
	evR := expectedMoveR - (d.cfg.FeeBps+abs(fundingBps)+d.cfg.SlippageBps)/stopBps
	g = types.GateResult{
		Name:      GateEV,
		Value:     evR,
		Threshold: d.cfg.MinEVR,
		Detail:    fmt.Sprintf("EV %.2fR below %.2fR floor", evR, d.cfg.MinEVR),
	}
	if evR < d.cfg.MinEVR {
		return fail(g)
	}
	pass(g)

	addrs := make([]string, len(contributors))
	for i, v := range contributors {
		addrs[i] = v.Address
	}
	sort.Strings(addrs)

	ev.Decision = &types.Decision{
		ID:           uuid.NewString(),
		Asset:        asset,
		Direction:    majority,
		EntryRef:     wvwap,
		StopFraction: stopFraction,
		EffectiveK:   effK,
		EVR:          evR,
		Contributors: addrs,
		Gates:        ev.Gates,
		TS:           now,
	}
	log.Info().
		Str("asset", asset).
		Str("direction", string(majority)).
		Float64("eff_k", effK).
		Float64("ev_r", evR).
		Int("traders", len(contributors)).
		Msg("✅ consensus decision")
	return ev
}

// majorityOf returns the weighted majority direction and its agreement share.
func majorityOf(votes []Vote) (types.Direction, float64) {
	var long, short float64
	for _, v := range votes {
		if v.Direction == types.DirectionShort {
			short += v.Weight
		} else {
			long += v.Weight
		}
	}
	total := long + short
	if total <= 0 {
		return types.DirectionLong, 0
	}
	if short > long {
		return types.DirectionShort, short / total
	}
	return types.DirectionLong, long / total
}

func contributorsOf(votes []Vote, dir types.Direction) []Vote {
	out := make([]Vote, 0, len(votes))
	for _, v := range votes {
		if v.Direction == dir {
			out = append(out, v)
		}
	}
	return out
}

// weightedVWAP is the weight-averaged entry VWAP of the contributors.
func weightedVWAP(votes []Vote) decimal.Decimal {
	num := decimal.Zero
	den := decimal.Zero
	for _, v := range votes {
		w := decimal.NewFromFloat(v.Weight)
		num = num.Add(v.EntryVWAP.Mul(w))
		den = den.Add(w)
	}
	if den.Sign() <= 0 {
		return decimal.Zero
	}
	return num.Div(den)
}

// expectedMove is the weight-averaged posterior mean R of the
// contributors, floored at zero.
func expectedMove(votes []Vote) float64 {
	var num, den float64
	for _, v := range votes {
		num += v.Weight * v.PosteriorMean
		den += v.Weight
	}
	if den <= 0 {
		return 0
	}
	m := num / den
	if m < 0 {
		return 0
	}
	return m
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
