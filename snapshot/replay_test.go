package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	snaps map[string][]TraderSnapshot
	rs    map[string][]float64
}

func (s *stubSource) SnapshotsOn(ctx context.Context, date time.Time) ([]TraderSnapshot, error) {
	return s.snaps[date.Format("2006-01-02")], nil
}

func (s *stubSource) RealizedR(ctx context.Context, address string, from, to time.Time) ([]float64, error) {
	return s.rs[address], nil
}

func pv(p float64) *float64 { return &p }

func TestReplayWalkForward(t *testing.T) {
	d1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d2 := d1.Add(24 * time.Hour)
	d3 := d2.Add(24 * time.Hour) // no universe stored

	src := &stubSource{
		snaps: map[string][]TraderSnapshot{
			"2026-03-01": {
				{Address: "0xaaa", SkillPValue: pv(0.01), EventType: "active", AvgRGross: 1.0, AvgRNet: 0.75},
				{Address: "0xbbb", SkillPValue: pv(0.80), EventType: "active"},
			},
			"2026-03-02": {
				{Address: "0xccc", SkillPValue: pv(0.50), EventType: "active"},
				{Address: "0xddd", EventType: "death"},
			},
		},
		rs: map[string][]float64{
			"0xaaa": {1.0, 0.5},
		},
	}

	res, err := Replay(context.Background(), src, d1, d3, 0.10)
	require.NoError(t, err)

	require.Len(t, res.Periods, 2, "dates with no stored universe are skipped")

	p1 := res.Periods[0]
	assert.Equal(t, []string{"0xaaa"}, p1.Selected)
	assert.Equal(t, 2, p1.Episodes)
	assert.InDelta(t, 1.5, p1.GrossR, 1e-12)
	// per-episode cost = gross-net = 0.25, so net = 1.5 - 2*0.25
	assert.InDelta(t, 1.0, p1.NetR, 1e-12)

	p2 := res.Periods[1]
	assert.Empty(t, p2.Selected)
	assert.Equal(t, 1, p2.Deaths)

	assert.InDelta(t, 1.5, res.TotalGross, 1e-12)
	assert.InDelta(t, 1.0, res.TotalNet, 1e-12)
	assert.InDelta(t, 0.5, res.WinRate, 1e-12)
	// period nets {1.0, 0}: mean 0.5, sample std 0.7071
	assert.InDelta(t, 0.5/0.70710678, res.Sharpe, 1e-6)
	assert.Equal(t, 1, res.Deaths)
}

func TestReplaySkipsNonActiveSelections(t *testing.T) {
	d := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &stubSource{
		snaps: map[string][]TraderSnapshot{
			"2026-03-01": {
				{Address: "0xaaa", SkillPValue: pv(0.01), EventType: "censored"},
			},
		},
		rs: map[string][]float64{"0xaaa": {2.0}},
	}

	res, err := Replay(context.Background(), src, d, d, 0.10)
	require.NoError(t, err)
	require.Len(t, res.Periods, 1)
	assert.Empty(t, res.Periods[0].Selected)
	assert.Zero(t, res.TotalGross)
	assert.Equal(t, 1, res.Censored)
}

func TestReplayDeterministic(t *testing.T) {
	d := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &stubSource{
		snaps: map[string][]TraderSnapshot{
			"2026-03-01": {
				{Address: "0xaaa", SkillPValue: pv(0.02), EventType: "active", AvgRGross: 0.5, AvgRNet: 0.4},
			},
		},
		rs: map[string][]float64{"0xaaa": {0.3, -0.1, 0.8}},
	}

	first, err := Replay(context.Background(), src, d, d, 0.10)
	require.NoError(t, err)
	second, err := Replay(context.Background(), src, d, d, 0.10)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReplayRejectsInvertedRange(t *testing.T) {
	d := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := Replay(context.Background(), &stubSource{}, d, d.Add(-48*time.Hour), 0.10)
	assert.Error(t, err)
}
