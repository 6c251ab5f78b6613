package providers

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Venue-specific correlation priors: decayed estimates drift toward these.
const (
	corrPriorHyperliquid = 0.3
	corrPriorDefault     = 0.5
)

// minOverlapDays is the least shared history for a stored pair estimate.
const minOverlapDays = 5

type corrEntry struct {
	rho  float64
	asOf time.Time
}

// CorrelationProvider holds pairwise trader correlations with half-life
// decay toward a venue prior. Estimates load daily from the episode
// archive; between loads they age toward the prior.
type CorrelationProvider struct {
	mu           sync.RWMutex
	pairs        map[string]corrEntry
	halfLifeDays float64
}

func NewCorrelationProvider(halfLifeDays float64) *CorrelationProvider {
	if halfLifeDays <= 0 {
		halfLifeDays = 7
	}
	return &CorrelationProvider{
		pairs:        make(map[string]corrEntry),
		halfLifeDays: halfLifeDays,
	}
}

// LoadDaily recomputes pairwise correlations from per-trader daily R sums
// (date-int keyed). Pairs with under minOverlapDays shared days keep no
// stored value and fall back to the prior.
func (c *CorrelationProvider) LoadDaily(series map[string]map[int]float64, asOf time.Time) {
	addrs := make([]string, 0, len(series))
	for a := range series {
		addrs = append(addrs, strings.ToLower(a))
	}
	sort.Strings(addrs)

	next := make(map[string]corrEntry)
	for i := 0; i < len(addrs); i++ {
		for j := i + 1; j < len(addrs); j++ {
			x, y := alignSeries(series[addrs[i]], series[addrs[j]])
			if len(x) < minOverlapDays {
				continue
			}
			if rho, ok := Pearson(x, y); ok {
				next[pairKey(addrs[i], addrs[j])] = corrEntry{rho: rho, asOf: asOf}
			}
		}
	}

	c.mu.Lock()
	c.pairs = next
	c.mu.Unlock()
	log.Debug().Int("pairs", len(next)).Time("as_of", asOf).Msg("correlation matrix reloaded")
}

// GetWithDecay returns the pair correlation blended toward the venue prior
// by half-life decay over the estimate's age.
func (c *CorrelationProvider) GetWithDecay(a, b, venue string, now time.Time) float64 {
	prior := corrPriorDefault
	if strings.ToLower(venue) == "hyperliquid" {
		prior = corrPriorHyperliquid
	}
	if strings.EqualFold(a, b) {
		return 1
	}

	c.mu.RLock()
	entry, ok := c.pairs[pairKey(strings.ToLower(a), strings.ToLower(b))]
	c.mu.RUnlock()
	if !ok {
		return prior
	}

	ageDays := now.Sub(entry.asOf).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	factor := math.Pow(0.5, ageDays/c.halfLifeDays)
	return prior + (entry.rho-prior)*factor
}

// Pearson computes the sample correlation of two aligned series. ok=false
// when either side is degenerate (needs >=2 points and nonzero variance).
func Pearson(x, y []float64) (float64, bool) {
	n := len(x)
	if n != len(y) || n < 2 {
		return 0, false
	}
	mx, my := 0.0, 0.0
	for i := 0; i < n; i++ {
		mx += x[i]
		my += y[i]
	}
	mx /= float64(n)
	my /= float64(n)

	var sxy, sxx, syy float64
	for i := 0; i < n; i++ {
		dx, dy := x[i]-mx, y[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0, false
	}
	rho := sxy / math.Sqrt(sxx*syy)
	// numerical noise can push a hair past the bounds
	if rho > 1 {
		rho = 1
	}
	if rho < -1 {
		rho = -1
	}
	return rho, true
}

// EffectiveK is the count of statistically independent traders implied by
// weights and pairwise correlation: (Σw)² / (Σw² + 2·Σ_{i<j} wᵢwⱼρᵢⱼ).
// Fewer than two traders short-circuits to n; the result is capped at n.
func EffectiveK(weights []float64, rho func(i, j int) float64) float64 {
	n := len(weights)
	if n < 2 {
		return float64(n)
	}

	var sum, sumSq, cross float64
	for i, w := range weights {
		sum += w
		sumSq += w * w
		for j := i + 1; j < n; j++ {
			cross += w * weights[j] * rho(i, j)
		}
	}

	denom := sumSq + 2*cross
	if denom <= 0 {
		return float64(n)
	}
	k := (sum * sum) / denom
	if k > float64(n) {
		return float64(n)
	}
	return k
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func alignSeries(a, b map[int]float64) ([]float64, []float64) {
	days := make([]int, 0, len(a))
	for d := range a {
		if _, ok := b[d]; ok {
			days = append(days, d)
		}
	}
	sort.Ints(days)

	x := make([]float64, len(days))
	y := make([]float64, len(days))
	for i, d := range days {
		x[i] = a[d]
		y[i] = b[d]
	}
	return x, y
}
