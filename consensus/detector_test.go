package consensus

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/sage/providers"
	"github.com/web3guy0/sage/types"
)

var detNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubATRSource struct{ data providers.ATRData }

func (s stubATRSource) Get(_ context.Context, _ string) providers.ATRData { return s.data }

type stubFundingSource struct{ data providers.FundingData }

func (s stubFundingSource) Get(_ context.Context, _ string) providers.FundingData { return s.data }

type stubRegimeSource struct{ regime providers.Regime }

func (s stubRegimeSource) Get(_ context.Context, _ string) providers.Regime { return s.regime }

type stubHoldSource struct{ hours float64 }

func (s stubHoldSource) EstimateHours(_ context.Context, _ string, _ providers.Regime, _ string) float64 {
	return s.hours
}

type stubCorrSource struct{ rho float64 }

func (s stubCorrSource) GetWithDecay(a, b, _ string, _ time.Time) float64 {
	if strings.EqualFold(a, b) {
		return 1
	}
	return s.rho
}

// liveATR is a healthy BTC estimate: absolute ATR 200 at price 50000 with
// the 2.0 multiplier, so the stop fraction is 0.8% (80 bps).
func liveATR() providers.ATRData {
	return providers.ATRData{
		Asset:           "BTC",
		ATR:             decimal.NewFromInt(200),
		ATRPct:          0.4,
		Price:           decimal.NewFromInt(50000),
		Multiplier:      2.0,
		StopDistancePct: 0.8,
		Timestamp:       detNow,
		Source:          providers.ATRSourceDB,
	}
}

func fallbackATR() providers.ATRData {
	return providers.ATRData{
		Asset:           "BTC",
		ATRPct:          0.4,
		Multiplier:      2.0,
		StopDistancePct: 0.8,
		Timestamp:       detNow,
		Source:          providers.ATRSourceFallback,
	}
}

// newTestDetector wires stubs so the venue cost side of the EV gate is a
// fixed 10 bps: 7 fee + 2 slippage + 1 funding over an 8 hour hold.
func newTestDetector(atr providers.ATRData, strict bool, rho float64) *Detector {
	cfg := DefaultConfig("hyperliquid")
	cfg.StrictATR = strict
	funding := providers.FundingData{
		Asset:         "BTC",
		Exchange:      "hyperliquid",
		RateBps:       1.0,
		IntervalHours: 8,
		Source:        providers.FundingSourceAPI,
	}
	return NewDetector(cfg,
		stubATRSource{data: atr},
		stubFundingSource{data: funding},
		stubHoldSource{hours: 8},
		stubRegimeSource{regime: providers.RegimeRanging},
		stubCorrSource{rho: rho},
	)
}

func vote(addr string, dir types.Direction, weight, mean float64, age time.Duration) Vote {
	return Vote{
		Address:       addr,
		Direction:     dir,
		EntryVWAP:     decimal.NewFromInt(50000),
		EntryTS:       detNow.Add(-age),
		Weight:        weight,
		PosteriorMean: mean,
	}
}

// balancedVotes clear every gate: four longs at weights summing to 0.95
// against one 0.05 short gives 95% agreement and, at rho 0.3, an
// effective K of about 2.10. The stale short must not trip freshness
// because it is not a contributor.
func balancedVotes() []Vote {
	return []Vote{
		vote("0xaaa", types.DirectionLong, 0.25, 0.5, 30*time.Second),
		vote("0xbbb", types.DirectionLong, 0.25, 0.5, 30*time.Second),
		vote("0xccc", types.DirectionLong, 0.25, 0.5, 30*time.Second),
		vote("0xddd", types.DirectionLong, 0.20, 0.5, 30*time.Second),
		vote("0xeee", types.DirectionShort, 0.05, 0.5, 500*time.Second),
	}
}

func TestEvaluatePassEmitsDecision(t *testing.T) {
	d := newTestDetector(liveATR(), false, 0.3)

	ev := d.Evaluate(context.Background(), "btc", balancedVotes(), decimal.NewFromInt(50000), detNow)

	require.False(t, ev.Skipped())
	require.NotNil(t, ev.Decision)
	dec := ev.Decision

	assert.Equal(t, "BTC", dec.Asset)
	assert.Equal(t, types.DirectionLong, dec.Direction)
	assert.NotEmpty(t, dec.ID)
	assert.True(t, dec.TS.Equal(detNow))

	// entry reference is the weight-averaged VWAP of the four longs
	assert.InDelta(t, 50000.0, dec.EntryRef.InexactFloat64(), 1e-6)
	assert.InDelta(t, 0.008, dec.StopFraction, 1e-12)

	// (0.95)^2 / (0.2275 + 2*0.3*0.3375) = 0.9025/0.43
	assert.InDelta(t, 2.0988, dec.EffectiveK, 0.001)

	// 0.5 expected move minus (7+1+2)/80 bps of cost
	assert.InDelta(t, 0.375, dec.EVR, 1e-9)

	// minority short never contributes
	assert.Equal(t, []string{"0xaaa", "0xbbb", "0xccc", "0xddd"}, dec.Contributors)

	require.Len(t, ev.Gates, 7)
	wantOrder := []string{
		GateMinTraders, GateSupermajority, GateEffectiveK,
		GateFreshness, GatePriceBand, GateATRValidity, GateEV,
	}
	for i, g := range ev.Gates {
		assert.Equal(t, wantOrder[i], g.Name)
		assert.True(t, g.Passed, g.Name)
	}
}

func TestEvaluateShortMajority(t *testing.T) {
	d := newTestDetector(liveATR(), false, 0.3)
	votes := []Vote{
		vote("0xaaa", types.DirectionShort, 0.25, 0.5, 30*time.Second),
		vote("0xbbb", types.DirectionShort, 0.25, 0.5, 30*time.Second),
		vote("0xccc", types.DirectionShort, 0.25, 0.5, 30*time.Second),
		vote("0xddd", types.DirectionShort, 0.20, 0.5, 30*time.Second),
		vote("0xeee", types.DirectionLong, 0.05, 0.5, 30*time.Second),
	}

	ev := d.Evaluate(context.Background(), "BTC", votes, decimal.NewFromInt(50000), detNow)

	require.NotNil(t, ev.Decision)
	assert.Equal(t, types.DirectionShort, ev.Decision.Direction)
	// shorts earn the 1 bps funding but the EV gate still charges it
	assert.InDelta(t, 0.375, ev.Decision.EVR, 1e-9)
}

func TestEvaluateMinTradersSkip(t *testing.T) {
	d := newTestDetector(liveATR(), false, 0.3)
	votes := []Vote{
		vote("0xaaa", types.DirectionLong, 0.5, 0.5, 30*time.Second),
		vote("0xbbb", types.DirectionLong, 0.5, 0.5, 30*time.Second),
	}

	ev := d.Evaluate(context.Background(), "BTC", votes, decimal.NewFromInt(50000), detNow)

	require.True(t, ev.Skipped())
	assert.Equal(t, "Skipped: 2 traders, need 3", ev.SkipReason)
	require.Len(t, ev.Gates, 1)
	assert.Equal(t, GateMinTraders, ev.Gates[0].Name)
	assert.False(t, ev.Gates[0].Passed)
}

func TestEvaluateSupermajoritySkip(t *testing.T) {
	d := newTestDetector(liveATR(), false, 0.3)
	votes := []Vote{
		vote("0xaaa", types.DirectionLong, 0.30, 0.5, 30*time.Second),
		vote("0xbbb", types.DirectionLong, 0.25, 0.5, 30*time.Second),
		vote("0xccc", types.DirectionShort, 0.25, 0.5, 30*time.Second),
		vote("0xddd", types.DirectionShort, 0.20, 0.5, 30*time.Second),
	}

	ev := d.Evaluate(context.Background(), "BTC", votes, decimal.NewFromInt(50000), detNow)

	require.True(t, ev.Skipped())
	assert.Equal(t, "Skipped: 55% agreement, need 70%", ev.SkipReason)
	require.Len(t, ev.Gates, 2)
	assert.Equal(t, GateSupermajority, ev.Gates[1].Name)
	assert.InDelta(t, 0.55, ev.Gates[1].Value, 1e-9)
}

func TestEvaluateEffectiveKSkip(t *testing.T) {
	// rho 0.9 collapses four voters to about one independent trader
	d := newTestDetector(liveATR(), false, 0.9)

	ev := d.Evaluate(context.Background(), "BTC", balancedVotes(), decimal.NewFromInt(50000), detNow)

	require.True(t, ev.Skipped())
	assert.Equal(t, "Skipped: effective K 1.1, need 2.0", ev.SkipReason)
	require.Len(t, ev.Gates, 3)
	last := ev.Gates[2]
	assert.Equal(t, GateEffectiveK, last.Name)
	assert.InDelta(t, 0.9025/0.835, last.Value, 0.001)
}

func TestEvaluateFreshnessSkip(t *testing.T) {
	d := newTestDetector(liveATR(), false, 0.3)
	votes := balancedVotes()
	votes[0].EntryTS = detNow.Add(-200 * time.Second)

	ev := d.Evaluate(context.Background(), "BTC", votes, decimal.NewFromInt(50000), detNow)

	require.True(t, ev.Skipped())
	assert.Equal(t, "Skipped: signal 200s stale, max 150s", ev.SkipReason)
	require.Len(t, ev.Gates, 4)
	last := ev.Gates[3]
	assert.Equal(t, GateFreshness, last.Name)
	assert.InDelta(t, 200.0, last.Value, 1e-9)
	assert.InDelta(t, 150.0, last.Threshold, 1e-9)
}

func TestEvaluatePriceBandSkip(t *testing.T) {
	d := newTestDetector(liveATR(), false, 0.3)

	// 200 away from the 50000 consensus entry is 0.5 ATR-multiples
	ev := d.Evaluate(context.Background(), "BTC", balancedVotes(), decimal.NewFromInt(50200), detNow)

	require.True(t, ev.Skipped())
	assert.Equal(t, "Skipped: price 0.50 ATR-multiples from consensus entry, max 0.25", ev.SkipReason)
	require.Len(t, ev.Gates, 5)
	last := ev.Gates[4]
	assert.Equal(t, GatePriceBand, last.Name)
	assert.InDelta(t, 0.5, last.Value, 1e-9)
}

func TestEvaluateStrictATRSkip(t *testing.T) {
	relaxed := newTestDetector(fallbackATR(), false, 0.3)
	ev := relaxed.Evaluate(context.Background(), "BTC", balancedVotes(), decimal.NewFromInt(50000), detNow)
	require.NotNil(t, ev.Decision, "fallback ATR passes when strict mode is off")

	strict := newTestDetector(fallbackATR(), true, 0.3)
	ev = strict.Evaluate(context.Background(), "BTC", balancedVotes(), decimal.NewFromInt(50000), detNow)

	require.True(t, ev.Skipped())
	assert.Equal(t, "Skipped: ATR source fallback, strict mode requires live data", ev.SkipReason)
	require.Len(t, ev.Gates, 6)
	assert.Equal(t, GateATRValidity, ev.Gates[5].Name)
}

func TestEvaluateEVSkip(t *testing.T) {
	d := newTestDetector(liveATR(), false, 0.3)
	votes := balancedVotes()
	for i := range votes {
		votes[i].PosteriorMean = 0.05
	}

	ev := d.Evaluate(context.Background(), "BTC", votes, decimal.NewFromInt(50000), detNow)

	require.True(t, ev.Skipped())
	assert.True(t, strings.HasPrefix(ev.SkipReason, "Skipped: EV "))
	require.Len(t, ev.Gates, 7)
	last := ev.Gates[6]
	assert.Equal(t, GateEV, last.Name)
	assert.False(t, last.Passed)
	assert.InDelta(t, 0.05-0.125, last.Value, 1e-9)
	for _, g := range ev.Gates[:6] {
		assert.True(t, g.Passed, g.Name)
	}
}

func TestEvaluateNegativePosteriorMeanFloorsAtZero(t *testing.T) {
	d := newTestDetector(liveATR(), false, 0.3)
	votes := balancedVotes()
	for i := range votes {
		votes[i].PosteriorMean = -1.5
	}

	ev := d.Evaluate(context.Background(), "BTC", votes, decimal.NewFromInt(50000), detNow)

	require.True(t, ev.Skipped())
	assert.InDelta(t, 0.0-0.125, ev.Gates[6].Value, 1e-9)
}

func TestEvaluateEntryRefIsWeightedVWAP(t *testing.T) {
	d := newTestDetector(liveATR(), false, 0.0)
	votes := []Vote{
		vote("0xaaa", types.DirectionLong, 0.40, 0.5, 10*time.Second),
		vote("0xbbb", types.DirectionLong, 0.30, 0.5, 10*time.Second),
		vote("0xccc", types.DirectionLong, 0.30, 0.5, 10*time.Second),
	}
	votes[2].EntryVWAP = decimal.NewFromInt(50100)

	ev := d.Evaluate(context.Background(), "BTC", votes, decimal.NewFromInt(50000), detNow)

	require.NotNil(t, ev.Decision)
	assert.InDelta(t, 50030.0, ev.Decision.EntryRef.InexactFloat64(), 1e-6)
}

func TestDefaultConfigVenueCosts(t *testing.T) {
	hl := DefaultConfig("Hyperliquid")
	assert.Equal(t, "hyperliquid", hl.Venue)
	assert.InDelta(t, 7.0, hl.FeeBps, 1e-9)
	assert.InDelta(t, 2.0, hl.SlippageBps, 1e-9)

	bybit := DefaultConfig("bybit")
	assert.InDelta(t, 11.0, bybit.FeeBps, 1e-9)
	assert.InDelta(t, 3.0, bybit.SlippageBps, 1e-9)

	unknown := DefaultConfig("dydx")
	assert.InDelta(t, 10.0, unknown.FeeBps, 1e-9)
	assert.InDelta(t, 5.0, unknown.SlippageBps, 1e-9)

	assert.Equal(t, 3, hl.MinTraders)
	assert.InDelta(t, 0.70, hl.Supermajority, 1e-9)
	assert.InDelta(t, 2.0, hl.MinEffectiveK, 1e-9)
	assert.Equal(t, 150*time.Second, hl.FreshnessMax)
	assert.InDelta(t, 0.25, hl.PriceBandATR, 1e-9)
	assert.InDelta(t, 0.20, hl.MinEVR, 1e-9)
}
