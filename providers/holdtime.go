package providers

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Regime is the market state used to scale hold-time expectations.
type Regime string

const (
	RegimeTrending Regime = "TRENDING"
	RegimeRanging  Regime = "RANGING"
	RegimeVolatile Regime = "VOLATILE"
	RegimeUnknown  Regime = "UNKNOWN"
)

const (
	holdCacheTTL     = 300 * time.Second
	holdLookback     = 30 * 24 * time.Hour
	holdMinEpisodes  = 10
	holdFallbackHrs  = 24.0
	holdQueryTimeout = time.Second
)

var regimeHoldMult = map[Regime]float64{
	RegimeTrending: 1.25,
	RegimeRanging:  1.0,
	RegimeVolatile: 0.75,
	RegimeUnknown:  1.0,
}

func venueHoldMult(venue string) float64 {
	if strings.ToLower(venue) == "hyperliquid" {
		return 1.0
	}
	return 0.85
}

// HoldStatsSource reads hold statistics from the closed-episode archive.
type HoldStatsSource interface {
	// MedianHoldSecs returns the median hold of closed episodes for the
	// asset since the given time, and the episode count.
	MedianHoldSecs(ctx context.Context, asset string, since time.Time) (float64, int, error)
}

// HoldTimeEstimator predicts how long a copied position will be held,
// which prices the funding leg of the EV gate.
type HoldTimeEstimator struct {
	stats HoldStatsSource
	cache *ttlCache[float64] // keyed asset|regime, stores base*regime hours
	now   func() time.Time
}

func NewHoldTimeEstimator(stats HoldStatsSource) *HoldTimeEstimator {
	return &HoldTimeEstimator{
		stats: stats,
		cache: newTTLCache[float64](holdCacheTTL),
		now:   time.Now,
	}
}

// EstimateHours returns expected hold hours for the asset under the given
// regime, already scaled for the target venue. The (asset, regime) base is
// cached; the venue multiplier applies on read.
func (h *HoldTimeEstimator) EstimateHours(ctx context.Context, asset string, regime Regime, venue string) float64 {
	asset = strings.ToUpper(asset)
	key := asset + "|" + string(regime)
	now := h.now()

	if base, ok := h.cache.get(key, now); ok {
		return base * venueHoldMult(venue)
	}

	base := holdFallbackHrs
	cacheable := true
	if h.stats != nil {
		qctx, cancel := context.WithTimeout(ctx, holdQueryTimeout)
		medianSecs, n, err := h.stats.MedianHoldSecs(qctx, asset, now.Add(-holdLookback))
		cancel()
		switch {
		case err != nil:
			// transient failure: serve the fallback but retry next call
			log.Warn().Err(err).Str("asset", asset).Msg("⚠️ hold-time query failed, using fallback")
			cacheable = false
		case n >= holdMinEpisodes && medianSecs > 0:
			base = medianSecs / 3600
		}
	}

	mult, ok := regimeHoldMult[regime]
	if !ok {
		mult = regimeHoldMult[RegimeUnknown]
	}
	scaled := base * mult
	if cacheable {
		h.cache.put(key, scaled, now)
	}
	return scaled * venueHoldMult(venue)
}
