package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/sage/bus"
	"github.com/web3guy0/sage/consensus"
	"github.com/web3guy0/sage/episodes"
	"github.com/web3guy0/sage/internal/config"
	"github.com/web3guy0/sage/providers"
	"github.com/web3guy0/sage/risk"
	"github.com/web3guy0/sage/state"
	"github.com/web3guy0/sage/types"
	"github.com/web3guy0/sage/venue"
)

var engNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// stubVenue satisfies venue.Client with canned answers; orders are recorded.
type stubVenue struct {
	mark   decimal.Decimal
	orders []venue.OrderRequest
}

func (s *stubVenue) Name() string { return "hyperliquid" }

func (s *stubVenue) GetFunding(context.Context, string) (float64, *time.Time, error) {
	return 1.0, nil, nil
}

func (s *stubVenue) GetMarkPrice(context.Context, string) (decimal.Decimal, error) {
	return s.mark, nil
}

func (s *stubVenue) GetAccountState(context.Context, string) (venue.AccountState, error) {
	return venue.AccountState{AccountValue: decimal.NewFromInt(100_000)}, nil
}

func (s *stubVenue) PlaceOrder(_ context.Context, req venue.OrderRequest) (venue.OrderAck, error) {
	s.orders = append(s.orders, req)
	return venue.OrderAck{OrderID: "stub-1", Status: "simulated", Filled: req.Size, AvgPx: req.Price}, nil
}

func (s *stubVenue) StreamFills(ctx context.Context, _ []string) (<-chan types.Fill, error) {
	ch := make(chan types.Fill)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *stubVenue) FetchFills(context.Context, string, time.Time) ([]types.Fill, error) {
	return nil, nil
}

type stubATRSource struct{ data providers.ATRData }

func (s stubATRSource) Get(context.Context, string) providers.ATRData { return s.data }

type stubFundingSource struct{ data providers.FundingData }

func (s stubFundingSource) Get(context.Context, string) providers.FundingData { return s.data }

type stubRegimeSource struct{}

func (stubRegimeSource) Get(context.Context, string) providers.Regime { return providers.RegimeRanging }

type stubHoldSource struct{}

func (stubHoldSource) EstimateHours(context.Context, string, providers.Regime, string) float64 {
	return 8
}

type stubCorrSource struct{ rho float64 }

func (s stubCorrSource) GetWithDecay(a, b, _ string, _ time.Time) float64 {
	if a == b {
		return 1
	}
	return s.rho
}

func testConfig() *config.Config {
	return &config.Config{
		DryRun:              true,
		Venue:               "hyperliquid",
		WalletAddress:       "0xoperator",
		DefaultStopFraction: 0.02,
		EpisodeTimeout:      168 * time.Hour,
		MaxPositionPct:      0.10,
		FillSyncInterval:    time.Hour,
	}
}

func newTestEngine(t *testing.T, mark decimal.Decimal) (*Engine, *bus.MemoryBus, *stubVenue) {
	t.Helper()
	cfg := testConfig()

	atr := providers.ATRData{
		Asset:           "BTC",
		ATR:             decimal.NewFromInt(200),
		ATRPct:          0.4,
		Price:           mark,
		Multiplier:      2.0,
		StopDistancePct: 0.8,
		Timestamp:       engNow,
		Source:          providers.ATRSourceDB,
	}
	funding := providers.FundingData{
		Asset:         "BTC",
		Exchange:      "hyperliquid",
		RateBps:       1.0,
		IntervalHours: 8,
		Source:        providers.FundingSourceAPI,
	}
	detector := consensus.NewDetector(consensus.DefaultConfig("hyperliquid"),
		stubATRSource{data: atr},
		stubFundingSource{data: funding},
		stubHoldSource{},
		stubRegimeSource{},
		stubCorrSource{rho: 0.3},
	)

	mem := bus.NewMemoryBus()
	vn := &stubVenue{mark: mark}
	eng := NewEngine(Components{
		Cfg:      cfg,
		Bus:      mem,
		Venue:    vn,
		State:    state.NewStore(nil),
		Tracker:  episodes.NewTracker(cfg.DefaultStopFraction, cfg.EpisodeTimeout),
		Detector: detector,
		Governor: risk.NewGovernor(risk.DefaultConfig()),
	})
	return eng, mem, vn
}

func waitMessage(t *testing.T, ch <-chan bus.Message) bus.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus message")
		return bus.Message{}
	}
}

func fill(id, addr string, side types.Side, size, price float64, ts time.Time) types.Fill {
	return types.Fill{
		FillID:  id,
		Source:  "hyperliquid",
		Address: addr,
		Asset:   "BTC",
		Side:    side,
		Size:    decimal.NewFromFloat(size),
		Price:   decimal.NewFromFloat(price),
		TS:      ts,
	}
}

func TestClosedEpisodePublishesScore(t *testing.T) {
	eng, mem, _ := newTestEngine(t, decimal.NewFromInt(50000))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scores, err := mem.Subscribe(ctx, bus.SubjectScores)
	require.NoError(t, err)

	require.NoError(t, eng.Start(ctx))
	defer eng.Stop()

	eng.Dispatch(ctx, fill("f1", "0xabc", types.SideBuy, 1, 100_000, engNow))
	eng.Dispatch(ctx, fill("f2", "0xabc", types.SideSell, 1, 102_000, engNow.Add(time.Minute)))

	msg := waitMessage(t, scores)
	var ev types.ScoreEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))

	assert.Equal(t, "0xabc", ev.Address)
	assert.GreaterOrEqual(t, ev.Score, -1.0)
	assert.LessOrEqual(t, ev.Score, 1.0)
	assert.GreaterOrEqual(t, ev.Weight, 0.05)
	assert.LessOrEqual(t, ev.Weight, 1.0)
	assert.Equal(t, 1, ev.Rank)

	post, ok := eng.Posterior("0xabc")
	require.True(t, ok)
	assert.InDelta(t, 1.0, post.EffectiveSamples(), 1e-9) // one closed episode folded in

	stats := eng.GetStats()
	assert.Equal(t, 2, stats.Fills)
	assert.Equal(t, 1, stats.EpisodesClosed)
	assert.Equal(t, 0, stats.OpenEpisodes)
}

func TestDuplicateFillIsNoOp(t *testing.T) {
	eng, _, _ := newTestEngine(t, decimal.NewFromInt(50000))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop()

	f := fill("dup", "0xabc", types.SideBuy, 1, 100_000, engNow)
	eng.Dispatch(ctx, f)
	eng.Dispatch(ctx, f)

	require.Eventually(t, func() bool {
		return eng.GetStats().OpenEpisodes == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, eng.tracker.Position("0xabc", "BTC").Equal(decimal.NewFromInt(1)))
}

// warmAndOpen gives each address one winning closed episode (posterior
// mean 0.5, so the EV gate can clear) and then a fresh long at 50k.
func warmAndOpen(ctx context.Context, eng *Engine, addrs []string) {
	for i, addr := range addrs {
		eng.Dispatch(ctx, fill("warm-in-"+addr, addr, types.SideBuy, 1, 100_000, engNow.Add(-time.Hour)))
		eng.Dispatch(ctx, fill("warm-out-"+addr, addr, types.SideSell, 1, 102_000, engNow.Add(-time.Hour+time.Minute)))
		eng.Dispatch(ctx, fill("open-"+addr, addr, types.SideBuy, 1, 50_000, engNow.Add(time.Duration(i)*time.Second)))
	}
}

// Five healthy long voters at the consensus entry: every gate passes, the
// governor approves, and a decision lands on the bus.
func TestConsensusTickPublishesDecision(t *testing.T) {
	eng, mem, vn := newTestEngine(t, decimal.NewFromInt(50000))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	decisions, err := mem.Subscribe(ctx, bus.SubjectDecisions)
	require.NoError(t, err)

	require.NoError(t, eng.Start(ctx))
	defer eng.Stop()

	eng.governor.Refresh(risk.RiskState{
		AccountValue:        decimal.NewFromInt(100_000),
		DailyStartingEquity: decimal.NewFromInt(100_000),
		MarginRatio:         5.0,
		UpdatedAt:           engNow,
	})

	// Equal posterior-weighted voters keep effective K above 2 at rho 0.3.
	addrs := []string{"0xa1", "0xa2", "0xa3", "0xa4", "0xa5"}
	warmAndOpen(ctx, eng, addrs)
	require.Eventually(t, func() bool {
		return eng.GetStats().OpenEpisodes == len(addrs)
	}, 2*time.Second, 10*time.Millisecond)

	eng.consensusTick(ctx, engNow.Add(30*time.Second))

	msg := waitMessage(t, decisions)
	var d types.Decision
	require.NoError(t, json.Unmarshal(msg.Data, &d))

	assert.Equal(t, "BTC", d.Asset)
	assert.Equal(t, types.DirectionLong, d.Direction)
	assert.ElementsMatch(t, addrs, d.Contributors)
	assert.GreaterOrEqual(t, d.EffectiveK, 2.0)

	// Dry-run execution still goes through the venue adapter.
	require.Len(t, vn.orders, 1)
	assert.Equal(t, "BTC", vn.orders[0].Asset)
	assert.Equal(t, types.DirectionLong, vn.orders[0].Direction)

	assert.Equal(t, 1, eng.GetStats().Decisions)
	assert.NotNil(t, eng.LastDecision())
}

func TestTrippedKillSwitchBlocksDecisions(t *testing.T) {
	eng, mem, vn := newTestEngine(t, decimal.NewFromInt(50000))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	decisions, err := mem.Subscribe(ctx, bus.SubjectDecisions)
	require.NoError(t, err)

	require.NoError(t, eng.Start(ctx))
	defer eng.Stop()

	eng.governor.Refresh(risk.RiskState{
		AccountValue:        decimal.NewFromInt(100_000),
		DailyStartingEquity: decimal.NewFromInt(100_000),
		MarginRatio:         5.0,
		UpdatedAt:           engNow,
	})
	eng.governor.Switch().Trip("operator halt", engNow)

	warmAndOpen(ctx, eng, []string{"0xa1", "0xa2", "0xa3", "0xa4", "0xa5"})
	require.Eventually(t, func() bool {
		return eng.GetStats().OpenEpisodes == 5
	}, 2*time.Second, 10*time.Millisecond)

	eng.consensusTick(ctx, engNow.Add(30*time.Second))

	select {
	case msg := <-decisions:
		t.Fatalf("expected no decision, got %s", msg.Data)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Empty(t, vn.orders)
	assert.Equal(t, 0, eng.GetStats().Decisions)

	tripped, reason, _, _ := eng.KillStatus()
	assert.True(t, tripped)
	assert.Equal(t, "operator halt", reason)
}

func TestCandidateEventTracksAddress(t *testing.T) {
	eng, mem, _ := newTestEngine(t, decimal.NewFromInt(50000))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop()

	require.NoError(t, mem.Publish(ctx, bus.SubjectCandidates, types.CandidateEvent{
		Address: "0xNewTrader",
		Weight:  0.8,
		Rank:    3,
		TS:      engNow,
	}))

	require.Eventually(t, func() bool {
		return eng.state.IsTracked("0xNewTrader")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScoreSeedIsStable(t *testing.T) {
	ep := &episodes.Episode{Address: "0xabc", Asset: "BTC", ExitTS: engNow}
	assert.Equal(t, scoreSeed(ep), scoreSeed(ep))

	other := &episodes.Episode{Address: "0xabc", Asset: "BTC", ExitTS: engNow.Add(time.Second)}
	assert.NotEqual(t, scoreSeed(ep), scoreSeed(other))
}
