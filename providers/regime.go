package providers

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	regimeWindow     = 60 // 1m candles
	regimeMinCandles = 30
	regimeCacheTTL   = 300 * time.Second

	// per-minute return vol above this is a volatile tape
	regimeHighVol = 0.0012
	// net drift beyond this many sigmas of accumulated noise is a trend
	regimeTrendSigmas = 2.0
)

// RegimeDetector classifies the current tape per asset from recent 1m
// candles: realized volatility first, then drift versus noise.
type RegimeDetector struct {
	candles CandleSource
	cache   *ttlCache[Regime]
	now     func() time.Time
}

func NewRegimeDetector(candles CandleSource) *RegimeDetector {
	return &RegimeDetector{
		candles: candles,
		cache:   newTTLCache[Regime](regimeCacheTTL),
		now:     time.Now,
	}
}

// Get returns the asset's regime, UNKNOWN when candles are missing or the
// store cannot serve. Unknown verdicts are not cached.
func (d *RegimeDetector) Get(ctx context.Context, asset string) Regime {
	asset = strings.ToUpper(asset)
	now := d.now()

	if hit, ok := d.cache.get(asset, now); ok {
		return hit
	}
	if d.candles == nil {
		return RegimeUnknown
	}

	qctx, cancel := context.WithTimeout(ctx, atrDBTimeout)
	defer cancel()
	candles, err := d.candles.RecentCandles(qctx, asset, regimeWindow)
	if err != nil {
		log.Warn().Err(err).Str("asset", asset).Msg("⚠️ regime candles unavailable")
		return RegimeUnknown
	}

	regime := Classify(candles)
	if regime != RegimeUnknown {
		d.cache.put(asset, regime, now)
	}
	return regime
}

// Classify maps a candle window onto a regime.
func Classify(candles []Candle) Regime {
	if len(candles) < regimeMinCandles {
		return RegimeUnknown
	}

	rets := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close.InexactFloat64()
		cur := candles[i].Close.InexactFloat64()
		if prev <= 0 {
			return RegimeUnknown
		}
		rets = append(rets, cur/prev-1)
	}

	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	ss := 0.0
	for _, r := range rets {
		ss += (r - mean) * (r - mean)
	}
	vol := math.Sqrt(ss / float64(len(rets)))

	if vol > regimeHighVol {
		return RegimeVolatile
	}

	first := candles[0].Close.InexactFloat64()
	last := candles[len(candles)-1].Close.InexactFloat64()
	if first <= 0 {
		return RegimeUnknown
	}
	drift := math.Abs(last/first - 1)
	noise := vol * math.Sqrt(float64(len(rets)))
	if noise > 0 && drift > regimeTrendSigmas*noise {
		return RegimeTrending
	}
	return RegimeRanging
}
