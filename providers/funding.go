package providers

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sage/types"
)

// Funding sources.
const (
	FundingSourceAPI    = "api"
	FundingSourceStatic = "static"
	FundingSourceCached = "cached"
)

const (
	fundingCacheTTL     = 300 * time.Second
	fundingFetchTimeout = 5 * time.Second
	fundingIntervalHrs  = 8.0
)

// Static per-venue defaults in bps per interval; the conservative fallback
// covers venues we have no book on.
var staticFundingBps = map[string]float64{
	"hyperliquid": 1.0,
	"bybit":       1.0,
	"aster":       1.0,
}

const fallbackFundingBps = 8.0

// FundingData is a funding rate observation for (venue, asset).
type FundingData struct {
	Asset           string     `json:"asset"`
	Exchange        string     `json:"exchange"`
	RateBps         float64    `json:"rate_bps"` // per interval, as quoted for longs
	IntervalHours   float64    `json:"interval_hours"`
	NextFundingTime *time.Time `json:"next_funding_time,omitempty"`
	Source          string     `json:"source"`
}

// CostBps is the signed funding cost in bps over a hold. Longs pay
// positive rates; shorts receive them.
func (f FundingData) CostBps(dir types.Direction, holdHours float64) float64 {
	cost := f.RateBps * holdHours / f.IntervalHours
	if dir == types.DirectionShort {
		return -cost
	}
	return cost
}

// FundingFetcher is the venue-side rate lookup.
type FundingFetcher interface {
	FundingRate(ctx context.Context, asset string) (rateBps float64, next *time.Time, err error)
}

// FundingProvider serves cached funding per (venue, asset), degrading from
// the venue API to static defaults.
type FundingProvider struct {
	venue   string
	fetcher FundingFetcher
	cache   *ttlCache[FundingData]
	now     func() time.Time
}

func NewFundingProvider(venue string, fetcher FundingFetcher) *FundingProvider {
	return &FundingProvider{
		venue:   strings.ToLower(venue),
		fetcher: fetcher,
		cache:   newTTLCache[FundingData](fundingCacheTTL),
		now:     time.Now,
	}
}

// Get returns funding for the asset on this provider's venue. Cache hits
// are marked Source=cached; fetch failures fall back to the static table
// and are not cached, so the API is retried on the next call.
func (p *FundingProvider) Get(ctx context.Context, asset string) FundingData {
	asset = strings.ToUpper(asset)
	now := p.now()

	if hit, ok := p.cache.get(asset, now); ok {
		hit.Source = FundingSourceCached
		return hit
	}

	if p.fetcher != nil {
		fctx, cancel := context.WithTimeout(ctx, fundingFetchTimeout)
		rate, next, err := p.fetcher.FundingRate(fctx, asset)
		cancel()
		if err == nil {
			data := FundingData{
				Asset:           asset,
				Exchange:        p.venue,
				RateBps:         rate,
				IntervalHours:   fundingIntervalHrs,
				NextFundingTime: next,
				Source:          FundingSourceAPI,
			}
			p.cache.put(asset, data, now)
			return data
		}
		log.Warn().Err(err).Str("venue", p.venue).Str("asset", asset).Msg("⚠️ funding fetch failed, using static rate")
	}

	rate, ok := staticFundingBps[p.venue]
	if !ok {
		rate = fallbackFundingBps
	}
	return FundingData{
		Asset:         asset,
		Exchange:      p.venue,
		RateBps:       rate,
		IntervalHours: fundingIntervalHrs,
		Source:        FundingSourceStatic,
	}
}
