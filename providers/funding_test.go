package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/sage/types"
)

type stubFunding struct {
	rate  float64
	err   error
	calls int
}

func (s *stubFunding) FundingRate(ctx context.Context, asset string) (float64, *time.Time, error) {
	s.calls++
	if s.err != nil {
		return 0, nil, s.err
	}
	next := now0.Add(2 * time.Hour)
	return s.rate, &next, nil
}

func TestFundingCostShortNegatesLong(t *testing.T) {
	f := FundingData{RateBps: 1.5, IntervalHours: 8}
	long := f.CostBps(types.DirectionLong, 36)
	short := f.CostBps(types.DirectionShort, 36)
	assert.InDelta(t, 1.5*36/8, long, 1e-12)
	assert.Equal(t, -long, short)
}

func TestFundingProviderAPIAndCache(t *testing.T) {
	fetcher := &stubFunding{rate: 2.5}
	p := NewFundingProvider("hyperliquid", fetcher)
	p.now = func() time.Time { return now0 }

	first := p.Get(context.Background(), "btc")
	assert.Equal(t, FundingSourceAPI, first.Source)
	assert.Equal(t, 2.5, first.RateBps)
	assert.Equal(t, "BTC", first.Asset)
	assert.Equal(t, "hyperliquid", first.Exchange)
	assert.NotNil(t, first.NextFundingTime)

	second := p.Get(context.Background(), "BTC")
	assert.Equal(t, FundingSourceCached, second.Source)
	assert.Equal(t, 2.5, second.RateBps)
	assert.Equal(t, 1, fetcher.calls)
}

func TestFundingProviderCacheExpiry(t *testing.T) {
	fetcher := &stubFunding{rate: 2.5}
	p := NewFundingProvider("hyperliquid", fetcher)

	current := now0
	p.now = func() time.Time { return current }

	p.Get(context.Background(), "BTC")
	current = current.Add(fundingCacheTTL + time.Second)
	refreshed := p.Get(context.Background(), "BTC")
	assert.Equal(t, FundingSourceAPI, refreshed.Source)
	assert.Equal(t, 2, fetcher.calls)
}

func TestFundingProviderStaticOnError(t *testing.T) {
	fetcher := &stubFunding{err: errors.New("venue down")}
	p := NewFundingProvider("hyperliquid", fetcher)
	p.now = func() time.Time { return now0 }

	data := p.Get(context.Background(), "BTC")
	assert.Equal(t, FundingSourceStatic, data.Source)
	assert.Equal(t, 1.0, data.RateBps)

	// errors are not cached, so the API is retried
	p.Get(context.Background(), "BTC")
	assert.Equal(t, 2, fetcher.calls)
}

func TestFundingProviderUnknownVenueFallback(t *testing.T) {
	p := NewFundingProvider("mysteryswap", nil)
	p.now = func() time.Time { return now0 }

	data := p.Get(context.Background(), "BTC")
	assert.Equal(t, FundingSourceStatic, data.Source)
	assert.Equal(t, 8.0, data.RateBps, "unknown venues get the conservative fallback")
	assert.Equal(t, 8.0, data.IntervalHours)
}
