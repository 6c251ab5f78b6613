// Package consensus turns live open episodes into per-asset votes and
// detects weighted supermajority entries worth copying, gated by
// correlation-adjusted breadth, freshness, price drift and expected value.
package consensus

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/sage/episodes"
	"github.com/web3guy0/sage/scoring"
	"github.com/web3guy0/sage/types"
)

// notionalWeightCap normalizes the fallback vote weight: $100k of entry
// notional counts as full weight.
var notionalWeightCap = decimal.NewFromInt(100_000)

// Vote is one trader's live opinion on an asset, derived from their open
// episode.
type Vote struct {
	Address       string
	Direction     types.Direction
	EntryVWAP     decimal.Decimal
	EntryTS       time.Time
	Weight        float64
	PosteriorMean float64
}

// BuildVotes groups open episodes into per-asset votes. The canonical vote
// weight is posterior confidence kappa/(kappa+10) once the trader has at
// least one closed episode behind them; before that the entry notional
// stands in, capped at full weight.
func BuildVotes(open []episodes.Episode, posterior func(address string) (*scoring.NIGPosterior, bool)) map[string][]Vote {
	votes := make(map[string][]Vote)
	for i := range open {
		ep := &open[i]
		v := Vote{
			Address:   ep.Address,
			Direction: ep.Direction,
			EntryVWAP: ep.EntryVWAP,
			EntryTS:   ep.EntryTS,
		}
		if post, ok := posterior(ep.Address); ok && post.Kappa > scoring.PriorKappa {
			v.Weight = post.Weight()
			v.PosteriorMean = post.M
		} else {
			w := ep.EntryNotional.Div(notionalWeightCap)
			if w.GreaterThan(decimal.NewFromInt(1)) {
				w = decimal.NewFromInt(1)
			}
			v.Weight = w.InexactFloat64()
		}
		votes[ep.Asset] = append(votes[ep.Asset], v)
	}
	for asset := range votes {
		vs := votes[asset]
		sort.Slice(vs, func(i, j int) bool { return vs[i].Address < vs[j].Address })
	}
	return votes
}
