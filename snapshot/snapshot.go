// Package snapshot runs the daily trader selection: skill p-values over
// closed episodes, seeded Thompson draws, BH-FDR qualification, and the
// walk-forward replay that re-scores past selections. Time is always an
// explicit parameter here; nothing reads the wall clock.
package snapshot

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sage/providers"
	"github.com/web3guy0/sage/scoring"
)

// Round-trip execution cost assumed when netting episode R, in bps of price.
const roundTripCostBps = 30.0

// Thresholds for the daily event classification.
const (
	deathDrawdownPct = 0.80
	censorInactive   = 30 * 24 * time.Hour
)

// SelectionVersion tags snapshot rows with the selection procedure in use.
const SelectionVersion = "bh-v1"

// EpisodeStat is the slice of a closed episode the snapshot math needs.
type EpisodeStat struct {
	Asset  string
	R      float64
	ExitTS time.Time
}

// TraderSnapshot is the immutable daily record for one tracked address.
type TraderSnapshot struct {
	Address          string    `json:"address"`
	SnapshotDate     time.Time `json:"snapshot_date"`
	SelectionVersion string    `json:"selection_version"`

	M     float64 `json:"m"`
	Kappa float64 `json:"kappa"`
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`

	ThompsonDraw float64 `json:"thompson_draw"`
	ThompsonSeed int64   `json:"thompson_seed"`

	EpisodeCount int      `json:"episode_count"`
	AvgRGross    float64  `json:"avg_r_gross"`
	AvgRNet      float64  `json:"avg_r_net"`
	SkillPValue  *float64 `json:"skill_p_value,omitempty"`

	FDRQualified         bool `json:"fdr_qualified"`
	IsLeaderboardScanned bool `json:"is_leaderboard_scanned"`
	IsPoolSelected       bool `json:"is_pool_selected"`

	EventType  string `json:"event_type"` // active | death | censored
	DeathType  string `json:"death_type,omitempty"`
	CensorType string `json:"censor_type,omitempty"`
}

// EpisodeSource supplies a trader's closed episodes up to a cutoff.
type EpisodeSource interface {
	ClosedEpisodes(ctx context.Context, address string, until time.Time) ([]EpisodeStat, error)
}

// Sink persists finished snapshot rows.
type Sink interface {
	SaveSnapshots(ctx context.Context, rows []TraderSnapshot) error
}

// ATRSource yields the volatility data used to net out execution cost.
type ATRSource interface {
	Get(ctx context.Context, asset string) providers.ATRData
}

// TraderInput is one tracked address entering the daily run.
type TraderInput struct {
	Address     string
	Posterior   *scoring.NIGPosterior
	Leaderboard bool
}

// Engine computes the daily snapshot and selection.
type Engine struct {
	episodes    EpisodeSource
	atr         ATRSource
	sink        Sink
	minEpisodes int
	alpha       float64
}

// NewEngine wires the snapshot engine. sink may be nil (rows are only
// returned, not persisted).
func NewEngine(episodes EpisodeSource, atr ATRSource, sink Sink, minEpisodes int, alpha float64) *Engine {
	return &Engine{
		episodes:    episodes,
		atr:         atr,
		sink:        sink,
		minEpisodes: minEpisodes,
		alpha:       alpha,
	}
}

// Run produces one snapshot row per trader for the given UTC date, applies
// BH selection across the universe, and persists the result.
func (e *Engine) Run(ctx context.Context, date time.Time, traders []TraderInput) ([]TraderSnapshot, error) {
	date = date.UTC().Truncate(24 * time.Hour)

	sorted := append([]TraderInput(nil), traders...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	rows := make([]TraderSnapshot, 0, len(sorted))
	for _, tr := range sorted {
		row, err := e.buildRow(ctx, date, tr)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", tr.Address, err)
		}
		rows = append(rows, row)
	}

	// BH across every row that produced a p-value
	pvals := make([]float64, 0, len(rows))
	backing := make([]int, 0, len(rows))
	for i := range rows {
		if rows[i].SkillPValue != nil {
			pvals = append(pvals, *rows[i].SkillPValue)
			backing = append(backing, i)
		}
	}
	for _, sel := range BHSelect(pvals, e.alpha) {
		row := &rows[backing[sel]]
		row.FDRQualified = true
		row.IsPoolSelected = row.EventType == "active"
	}

	if e.sink != nil {
		if err := e.sink.SaveSnapshots(ctx, rows); err != nil {
			return nil, fmt.Errorf("persist snapshots: %w", err)
		}
	}

	selected := 0
	for i := range rows {
		if rows[i].IsPoolSelected {
			selected++
		}
	}
	log.Info().
		Time("date", date).
		Int("traders", len(rows)).
		Int("with_pvalue", len(pvals)).
		Int("selected", selected).
		Msg("📸 daily snapshot complete")
	return rows, nil
}

func (e *Engine) buildRow(ctx context.Context, date time.Time, tr TraderInput) (TraderSnapshot, error) {
	post := tr.Posterior
	if post == nil {
		post = scoring.NewNIGPosterior()
	}

	stats, err := e.episodes.ClosedEpisodes(ctx, tr.Address, date.Add(24*time.Hour))
	if err != nil {
		return TraderSnapshot{}, err
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ExitTS.Before(stats[j].ExitTS) })

	rs := make([]float64, len(stats))
	for i := range stats {
		rs[i] = stats[i].R
	}

	seed := ThompsonSeed(date, tr.Address)
	row := TraderSnapshot{
		Address:              strings.ToLower(tr.Address),
		SnapshotDate:         date,
		SelectionVersion:     SelectionVersion,
		M:                    post.M,
		Kappa:                post.Kappa,
		Alpha:                post.Alpha,
		Beta:                 post.Beta,
		ThompsonDraw:         post.SampleSeeded(seed),
		ThompsonSeed:         seed,
		EpisodeCount:         len(stats),
		IsLeaderboardScanned: tr.Leaderboard,
	}

	if p, ok := scoring.SkillPValue(rs, e.minEpisodes); ok {
		row.SkillPValue = &p
	}

	row.AvgRGross = mean(rs)
	row.AvgRNet = row.AvgRGross - e.costR(ctx, stats)

	row.EventType, row.DeathType, row.CensorType = classify(date, stats)
	return row, nil
}

// costR converts a round-trip execution cost into R units against the
// trader's dominant asset: (price * cost_bps) / ATR.
func (e *Engine) costR(ctx context.Context, stats []EpisodeStat) float64 {
	if len(stats) == 0 || e.atr == nil {
		return 0
	}
	counts := map[string]int{}
	dominant := stats[0].Asset
	for _, s := range stats {
		counts[s.Asset]++
		if counts[s.Asset] > counts[dominant] || (counts[s.Asset] == counts[dominant] && s.Asset < dominant) {
			dominant = s.Asset
		}
	}
	data := e.atr.Get(ctx, dominant)
	price := data.Price.InexactFloat64()
	atr := data.ATR.InexactFloat64()
	if atr <= 0 || price <= 0 {
		return 0
	}
	return price * (roundTripCostBps / 10000) / atr
}

// classify decides the daily event: drawdown death beats inactivity
// censoring beats active.
func classify(date time.Time, stats []EpisodeStat) (event, deathType, censorType string) {
	if len(stats) == 0 {
		return "active", "", ""
	}

	cum, peak := 0.0, 0.0
	for _, s := range stats {
		cum += s.R
		if cum > peak {
			peak = cum
		}
	}
	if peak > 0 && (peak-cum)/peak > deathDrawdownPct {
		return "death", "drawdown", ""
	}

	last := stats[len(stats)-1].ExitTS
	if date.Sub(last) >= censorInactive {
		return "censored", "", "inactive"
	}
	return "active", "", ""
}

// ThompsonSeed derives the audited per-(date,address) sampler seed:
// date_int * 10^6 + fnv64(lower(address)) mod 10^6.
func ThompsonSeed(date time.Time, address string) int64 {
	d := date.UTC()
	dateInt := int64(d.Year())*10000 + int64(d.Month())*100 + int64(d.Day())
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(address)))
	return dateInt*1_000_000 + int64(h.Sum64()%1_000_000)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
