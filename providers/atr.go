package providers

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ATR sources, in order of preference.
const (
	ATRSourceDB         = "db"
	ATRSourceCalculated = "calculated"
	ATRSourceFallback   = "fallback"
)

const (
	atrPeriod     = 14
	atrMinCandles = atrPeriod + 5
	atrCacheTTL   = 60 * time.Second
	atrStaleAfter = 300 * time.Second
	atrDBTimeout  = time.Second
)

// Stop distance converted to a fraction is clamped into this band.
const (
	StopFractionMin = 0.001
	StopFractionMax = 0.10
)

var atrFallbackPct = map[string]float64{
	"BTC": 0.4,
	"ETH": 0.6,
}

const atrFallbackPctDefault = 0.5

var atrMultiplier = map[string]float64{
	"BTC": 2.0,
	"ETH": 1.5,
}

const atrMultiplierDefault = 1.5

// Candle is one 1-minute bar from the mark store. ATR14, when present, is
// the precomputed Wilder ATR as of that bar.
type Candle struct {
	TS    time.Time
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal
	ATR14 *float64
}

// CandleSource reads recent 1m candles, ascending by ts.
type CandleSource interface {
	RecentCandles(ctx context.Context, asset string, limit int) ([]Candle, error)
}

// ATRData is the provider's answer: the volatility estimate plus enough
// context for consumers to derive stops and judge freshness.
type ATRData struct {
	Asset           string          `json:"asset"`
	ATR             decimal.Decimal `json:"atr"`     // absolute, zero when unknown
	ATRPct          float64         `json:"atr_pct"` // percent of price
	Price           decimal.Decimal `json:"price"`
	Multiplier      float64         `json:"multiplier"`
	StopDistancePct float64         `json:"stop_distance_pct"`
	Timestamp       time.Time       `json:"timestamp"`
	Source          string          `json:"source"`
}

// IsStale reports whether the estimate should not gate live decisions:
// fallbacks always, anything else past the staleness threshold.
func (d ATRData) IsStale(now time.Time) bool {
	if d.Source == ATRSourceFallback {
		return true
	}
	return now.Sub(d.Timestamp) > atrStaleAfter
}

// StopFraction converts the stop distance into a clamped price fraction.
func (d ATRData) StopFraction() float64 {
	f := d.StopDistancePct / 100
	if f < StopFractionMin {
		return StopFractionMin
	}
	if f > StopFractionMax {
		return StopFractionMax
	}
	return f
}

// AbsATR resolves the absolute ATR against a reference price, covering
// fallback records that only know a percentage.
func (d ATRData) AbsATR(price decimal.Decimal) float64 {
	if d.ATR.Sign() > 0 {
		return d.ATR.InexactFloat64()
	}
	return price.InexactFloat64() * d.ATRPct / 100
}

// ATRProvider serves cached ATR estimates per asset. Results from the
// candle store are cached for a minute; fallbacks are never cached so a
// recovered store is picked up on the next call.
type ATRProvider struct {
	candles CandleSource
	cache   *ttlCache[ATRData]
	now     func() time.Time
}

func NewATRProvider(candles CandleSource) *ATRProvider {
	return &ATRProvider{
		candles: candles,
		cache:   newTTLCache[ATRData](atrCacheTTL),
		now:     time.Now,
	}
}

// Get returns the best available ATR estimate for the asset. It never
// fails: when the candle store cannot serve, the asset's fallback
// percentage is returned with Source=fallback.
func (p *ATRProvider) Get(ctx context.Context, asset string) ATRData {
	asset = strings.ToUpper(asset)
	now := p.now()

	if hit, ok := p.cache.get(asset, now); ok {
		return hit
	}

	data, ok := p.fetch(ctx, asset)
	if !ok {
		return p.fallback(asset, now)
	}
	p.cache.put(asset, data, now)
	return data
}

func (p *ATRProvider) fetch(ctx context.Context, asset string) (ATRData, bool) {
	if p.candles == nil {
		return ATRData{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, atrDBTimeout)
	defer cancel()

	candles, err := p.candles.RecentCandles(ctx, asset, atrMinCandles*4)
	if err != nil {
		log.Warn().Err(err).Str("asset", asset).Msg("⚠️ candle fetch failed, using ATR fallback")
		return ATRData{}, false
	}
	if len(candles) == 0 {
		return ATRData{}, false
	}

	newest := candles[len(candles)-1]
	price := newest.Close
	if price.Sign() <= 0 {
		return ATRData{}, false
	}

	if newest.ATR14 != nil && *newest.ATR14 > 0 {
		return p.build(asset, *newest.ATR14, price, newest.TS, ATRSourceDB), true
	}

	if atr, ok := WilderATR(candles, atrPeriod); ok && len(candles) >= atrMinCandles {
		return p.build(asset, atr, price, newest.TS, ATRSourceCalculated), true
	}
	return ATRData{}, false
}

func (p *ATRProvider) build(asset string, atr float64, price decimal.Decimal, ts time.Time, source string) ATRData {
	mult := multiplierFor(asset)
	pct := atr / price.InexactFloat64() * 100
	return ATRData{
		Asset:           asset,
		ATR:             decimal.NewFromFloat(atr),
		ATRPct:          pct,
		Price:           price,
		Multiplier:      mult,
		StopDistancePct: pct * mult,
		Timestamp:       ts,
		Source:          source,
	}
}

func (p *ATRProvider) fallback(asset string, now time.Time) ATRData {
	pct, ok := atrFallbackPct[asset]
	if !ok {
		pct = atrFallbackPctDefault
	}
	mult := multiplierFor(asset)
	return ATRData{
		Asset:           asset,
		ATRPct:          pct,
		Multiplier:      mult,
		StopDistancePct: pct * mult,
		Timestamp:       now,
		Source:          ATRSourceFallback,
	}
}

func multiplierFor(asset string) float64 {
	if m, ok := atrMultiplier[asset]; ok {
		return m
	}
	return atrMultiplierDefault
}

// WilderATR computes the average true range over 1m candles: TR seeded by
// the plain range on the first bar, the mean of the first period TRs as
// the initial ATR, then Wilder smoothing ATR = ((N-1)*ATR + TR)/N.
func WilderATR(candles []Candle, period int) (float64, bool) {
	if len(candles) < period+1 {
		return 0, false
	}

	trs := make([]float64, len(candles))
	for i, c := range candles {
		h, l := c.High.InexactFloat64(), c.Low.InexactFloat64()
		if i == 0 {
			trs[i] = h - l
			continue
		}
		prevClose := candles[i-1].Close.InexactFloat64()
		tr := h - l
		if v := abs(h - prevClose); v > tr {
			tr = v
		}
		if v := abs(l - prevClose); v > tr {
			tr = v
		}
		trs[i] = tr
	}

	atr := 0.0
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= float64(period)

	for _, tr := range trs[period:] {
		atr = (float64(period-1)*atr + tr) / float64(period)
	}
	return atr, true
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
