package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/sage/episodes"
	"github.com/web3guy0/sage/providers"
	"github.com/web3guy0/sage/snapshot"
	"github.com/web3guy0/sage/state"
	"github.com/web3guy0/sage/types"
)

var storeNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "sage_test.db"))
	require.NoError(t, err)
	return s
}

func closedEpisode(addr, asset string, entry, exit time.Time, r float64) *episodes.Episode {
	return &episodes.Episode{
		Address:       addr,
		Asset:         asset,
		Direction:     types.DirectionLong,
		EntryVWAP:     decimal.NewFromInt(50000),
		EntrySize:     decimal.NewFromFloat(0.5),
		EntryNotional: decimal.NewFromInt(25000),
		EntryTS:       entry,
		ExitVWAP:      decimal.NewFromInt(50500),
		ExitTS:        exit,
		StopFraction:  0.008,
		RealizedPnL:   decimal.NewFromInt(250),

		ResultR:          r,
		ResultRUnclamped: r,
		Status:           episodes.StatusClosed,
		ClosedReason:     episodes.CloseFullClose,
	}
}

func TestNewCreatesSchema(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["tracked_addresses"])
	assert.Equal(t, int64(0), stats["position_signals"])
	assert.Equal(t, int64(0), stats["marks_1m"])
	assert.Equal(t, int64(0), stats["trader_snapshots"])
}

func TestUpsertTrackedRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr := state.TrackedTrader{
		Address:   "0xAbC0000000000000000000000000000000000001",
		Source:    "leaderboard",
		Weight:    0.8,
		Rank:      3,
		Period:    "30d",
		AddedTS:   storeNow.Add(-48 * time.Hour),
		UpdatedTS: storeNow.Add(-time.Hour),
	}
	require.NoError(t, s.UpsertTracked(ctx, tr))

	// Same address again with fresher fields stays one row.
	tr.Weight = 0.9
	tr.Rank = 1
	tr.UpdatedTS = storeNow
	require.NoError(t, s.UpsertTracked(ctx, tr))

	rows, err := s.RecentTracked(ctx, storeNow.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "0xabc0000000000000000000000000000000000001", rows[0].Address)
	assert.Equal(t, 0.9, rows[0].Weight)
	assert.Equal(t, 1, rows[0].Rank)
	assert.Equal(t, "30d", rows[0].Period)
}

func TestRecentTrackedFiltersBySince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := state.TrackedTrader{Address: "0xold", Source: "manual", UpdatedTS: storeNow.Add(-30 * time.Hour)}
	fresh := state.TrackedTrader{Address: "0xfresh", Source: "manual", UpdatedTS: storeNow.Add(-time.Hour)}
	require.NoError(t, s.UpsertTracked(ctx, old))
	require.NoError(t, s.UpsertTracked(ctx, fresh))

	rows, err := s.RecentTracked(ctx, storeNow.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "0xfresh", rows[0].Address)
}

func TestArchiveEpisodeUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := storeNow.Add(-2 * time.Hour)
	ep := closedEpisode("0xAAA", "btc", entry, time.Time{}, 0)
	ep.Status = episodes.StatusOpen
	ep.ClosedReason = ""
	require.NoError(t, s.ArchiveEpisode(ctx, ep))

	// Re-archive after the close: same natural key, updated row.
	done := closedEpisode("0xAAA", "btc", entry, storeNow, 1.2)
	require.NoError(t, s.ArchiveEpisode(ctx, done))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["position_signals"])

	eps, err := s.ClosedEpisodes(ctx, "0xaaa", storeNow)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "BTC", eps[0].Asset)
	assert.Equal(t, 1.2, eps[0].R)
}

func TestClosedEpisodesOrderedAndCutoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	late := closedEpisode("0xaaa", "BTC", storeNow.Add(-3*time.Hour), storeNow.Add(-time.Hour), 0.5)
	early := closedEpisode("0xaaa", "ETH", storeNow.Add(-10*time.Hour), storeNow.Add(-8*time.Hour), -0.4)
	future := closedEpisode("0xaaa", "SOL", storeNow.Add(-time.Hour), storeNow.Add(time.Hour), 2.0)
	other := closedEpisode("0xbbb", "BTC", storeNow.Add(-5*time.Hour), storeNow.Add(-4*time.Hour), 1.0)
	for _, ep := range []*episodes.Episode{late, early, future, other} {
		require.NoError(t, s.ArchiveEpisode(ctx, ep))
	}

	eps, err := s.ClosedEpisodes(ctx, "0xaaa", storeNow)
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, "ETH", eps[0].Asset)
	assert.Equal(t, "BTC", eps[1].Asset)
}

func TestRealizedRWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	from := storeNow.Add(-48 * time.Hour)
	to := storeNow.Add(-24 * time.Hour)

	inWindow1 := closedEpisode("0xaaa", "BTC", from.Add(time.Hour), from.Add(2*time.Hour), 0.5)
	inWindow2 := closedEpisode("0xaaa", "ETH", from.Add(6*time.Hour), from.Add(7*time.Hour), -0.2)
	before := closedEpisode("0xaaa", "SOL", from.Add(-time.Hour), from.Add(time.Hour), 2.0)
	atEnd := closedEpisode("0xaaa", "DOGE", to, to.Add(time.Hour), 1.0) // [from, to) excludes to
	for _, ep := range []*episodes.Episode{inWindow2, inWindow1, before, atEnd} {
		require.NoError(t, s.ArchiveEpisode(ctx, ep))
	}

	rs, err := s.RealizedR(ctx, "0xAAA", from, to)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, -0.2}, rs)
}

func TestMedianHoldSecs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	holds := []time.Duration{time.Hour, 2 * time.Hour, 10 * time.Hour}
	for i, h := range holds {
		entry := storeNow.Add(-time.Duration(i+1) * 24 * time.Hour)
		ep := closedEpisode("0xaaa", "BTC", entry, entry.Add(h), 0.1)
		require.NoError(t, s.ArchiveEpisode(ctx, ep))
	}

	median, n, err := s.MedianHoldSecs(ctx, "btc", storeNow.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, float64(2*3600), median)

	// Even count averages the middle pair.
	ep := closedEpisode("0xbbb", "BTC", storeNow.Add(-5*24*time.Hour), storeNow.Add(-5*24*time.Hour).Add(4*time.Hour), 0.1)
	require.NoError(t, s.ArchiveEpisode(ctx, ep))
	median, n, err = s.MedianHoldSecs(ctx, "BTC", storeNow.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, float64(3*3600), median)

	median, n, err = s.MedianHoldSecs(ctx, "XRP", storeNow.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, median)
}

func TestDailyRSums(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	day1 := time.Date(2026, 2, 27, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 2, 28, 15, 0, 0, 0, time.UTC)

	a1 := closedEpisode("0xaaa", "BTC", day1.Add(-time.Hour), day1, 0.5)
	a2 := closedEpisode("0xaaa", "ETH", day1.Add(-2*time.Hour), day1.Add(time.Hour), 0.3)
	a3 := closedEpisode("0xaaa", "SOL", day2.Add(-time.Hour), day2, -0.4)
	b1 := closedEpisode("0xbbb", "BTC", day2.Add(-time.Hour), day2, 1.0)
	for _, ep := range []*episodes.Episode{a1, a2, a3, b1} {
		require.NoError(t, s.ArchiveEpisode(ctx, ep))
	}

	series, err := s.DailyRSums(ctx, day1.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.InDelta(t, 0.8, series["0xaaa"][20260227], 1e-9)
	assert.InDelta(t, -0.4, series["0xaaa"][20260228], 1e-9)
	assert.InDelta(t, 1.0, series["0xbbb"][20260228], 1e-9)
}

func TestCandlesUpsertAndRecentAscending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	atr := 210.0
	base := storeNow.Truncate(time.Minute)
	candles := []providers.Candle{
		{TS: base.Add(-2 * time.Minute), High: decimal.NewFromInt(50100), Low: decimal.NewFromInt(49900), Close: decimal.NewFromInt(50000)},
		{TS: base.Add(-1 * time.Minute), High: decimal.NewFromInt(50200), Low: decimal.NewFromInt(50000), Close: decimal.NewFromInt(50150), ATR14: &atr},
		{TS: base, High: decimal.NewFromInt(50300), Low: decimal.NewFromInt(50100), Close: decimal.NewFromInt(50250)},
	}
	require.NoError(t, s.SaveCandles(ctx, "btc", candles))

	// Rewriting the latest bar updates in place.
	revised := providers.Candle{TS: base, High: decimal.NewFromInt(50400), Low: decimal.NewFromInt(50100), Close: decimal.NewFromInt(50350)}
	require.NoError(t, s.SaveCandles(ctx, "BTC", []providers.Candle{revised}))

	got, err := s.RecentCandles(ctx, "BTC", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].TS.Before(got[1].TS))
	require.NotNil(t, got[0].ATR14)
	assert.Equal(t, 210.0, *got[0].ATR14)
	assert.True(t, got[1].Close.Equal(decimal.NewFromInt(50350)))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats["marks_1m"])
}

func TestSaveCandlesEmptyIsNoOp(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.SaveCandles(context.Background(), "BTC", nil))
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	date := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := 0.03
	rows := []snapshot.TraderSnapshot{
		{
			Address:          "0xaaa",
			SnapshotDate:     date,
			SelectionVersion: "v1.0",
			M:                0.4, Kappa: 12, Alpha: 7, Beta: 3.5,
			ThompsonDraw: 0.38, ThompsonSeed: 20260301123456,
			EpisodeCount: 11, AvgRGross: 0.5, AvgRNet: 0.42,
			SkillPValue:  &p,
			FDRQualified: true, IsPoolSelected: true,
			EventType: "active",
		},
		{
			Address:      "0xbbb",
			SnapshotDate: date,
			EventType:    "censored",
			CensorType:   "insufficient_data",
		},
	}
	require.NoError(t, s.SaveSnapshots(ctx, rows))

	ok, err := s.HasSnapshotFor(ctx, date.Add(12*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasSnapshotFor(ctx, date.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.SnapshotsOn(ctx, date.Add(6*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "0xaaa", got[0].Address)
	assert.Equal(t, 0.38, got[0].ThompsonDraw)
	require.NotNil(t, got[0].SkillPValue)
	assert.Equal(t, 0.03, *got[0].SkillPValue)
	assert.True(t, got[0].FDRQualified)
	assert.Equal(t, "censored", got[1].EventType)
	assert.Nil(t, got[1].SkillPValue)

	// Re-running the same date replaces rows instead of duplicating.
	rows[0].ThompsonDraw = 0.41
	require.NoError(t, s.SaveSnapshots(ctx, rows))
	got, err = s.SnapshotsOn(ctx, date)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0.41, got[0].ThompsonDraw)
}

func TestSnapshotsOnEmptyDate(t *testing.T) {
	s := newTestStore(t)
	got, err := s.SnapshotsOn(context.Background(), storeNow)
	require.NoError(t, err)
	assert.Empty(t, got)
}
