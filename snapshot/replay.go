package snapshot

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// replayWindow is how far forward each selection is evaluated.
const replayWindow = 7 * 24 * time.Hour

// Source supplies stored snapshots and realized episode R for replay.
type Source interface {
	SnapshotsOn(ctx context.Context, date time.Time) ([]TraderSnapshot, error)
	RealizedR(ctx context.Context, address string, from, to time.Time) ([]float64, error)
}

// PeriodResult is the outcome of one selection date.
type PeriodResult struct {
	Date     time.Time `json:"date"`
	Selected []string  `json:"selected"`
	Episodes int       `json:"episodes"`
	GrossR   float64   `json:"gross_r"`
	NetR     float64   `json:"net_r"`
	Deaths   int       `json:"deaths"`
	Censored int       `json:"censored"`
}

// ReplayResult aggregates a walk-forward run.
type ReplayResult struct {
	From       time.Time      `json:"from"`
	To         time.Time      `json:"to"`
	Periods    []PeriodResult `json:"periods"`
	TotalGross float64        `json:"total_gross"`
	TotalNet   float64        `json:"total_net"`
	WinRate    float64        `json:"win_rate"`
	Sharpe     float64        `json:"sharpe"`
	Deaths     int            `json:"deaths"`
	Censored   int            `json:"censored"`
}

// Replay re-applies the stored selection for every date in [start, end] and
// realizes each selection over the following seven days. It is strictly
// deterministic: selection reuses stored p-values and every figure derives
// from persisted rows.
func Replay(ctx context.Context, src Source, start, end time.Time, alpha float64) (*ReplayResult, error) {
	start = start.UTC().Truncate(24 * time.Hour)
	end = end.UTC().Truncate(24 * time.Hour)
	if end.Before(start) {
		return nil, fmt.Errorf("replay: end %s before start %s", end.Format("2006-01-02"), start.Format("2006-01-02"))
	}

	res := &ReplayResult{From: start, To: end}
	for d := start; !d.After(end); d = d.Add(24 * time.Hour) {
		rows, err := src.SnapshotsOn(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", d.Format("2006-01-02"), err)
		}
		if len(rows) == 0 {
			continue // no universe stored for this date
		}

		period := PeriodResult{Date: d}
		for i := range rows {
			switch rows[i].EventType {
			case "death":
				period.Deaths++
			case "censored":
				period.Censored++
			}
		}

		// identical selection procedure as the live engine
		pvals := make([]float64, 0, len(rows))
		backing := make([]int, 0, len(rows))
		for i := range rows {
			if rows[i].SkillPValue != nil {
				pvals = append(pvals, *rows[i].SkillPValue)
				backing = append(backing, i)
			}
		}
		for _, sel := range BHSelect(pvals, alpha) {
			row := rows[backing[sel]]
			if row.EventType != "active" {
				continue
			}
			period.Selected = append(period.Selected, row.Address)

			rs, err := src.RealizedR(ctx, row.Address, d, d.Add(replayWindow))
			if err != nil {
				return nil, fmt.Errorf("replay %s %s: %w", d.Format("2006-01-02"), row.Address, err)
			}
			costPerEpisode := row.AvgRGross - row.AvgRNet
			for _, r := range rs {
				period.GrossR += r
				period.NetR += r - costPerEpisode
			}
			period.Episodes += len(rs)
		}

		res.Periods = append(res.Periods, period)
		res.TotalGross += period.GrossR
		res.TotalNet += period.NetR
		res.Deaths += period.Deaths
		res.Censored += period.Censored
	}

	wins := 0
	nets := make([]float64, 0, len(res.Periods))
	for _, p := range res.Periods {
		nets = append(nets, p.NetR)
		if p.NetR > 0 {
			wins++
		}
	}
	if len(res.Periods) > 0 {
		res.WinRate = float64(wins) / float64(len(res.Periods))
	}
	res.Sharpe = sharpe(nets)

	log.Info().
		Time("from", start).
		Time("to", end).
		Int("periods", len(res.Periods)).
		Float64("total_net_r", res.TotalNet).
		Float64("sharpe", res.Sharpe).
		Msg("🔁 walk-forward replay complete")
	return res, nil
}

func sharpe(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	ss := 0.0
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	sd := math.Sqrt(ss / float64(len(xs)-1))
	if sd == 0 {
		return 0
	}
	return m / sd
}
