// Package scoring maintains per-trader skill posteriors over episode
// R-multiples and draws Thompson samples from them. All updates are
// closed-form conjugate Normal-Inverse-Gamma steps; nothing here reads
// the clock or any global RNG, so replays are reproducible.
package scoring

import "math"

// Prior parameters for a fresh trader.
const (
	PriorM     = 0.0
	PriorKappa = 1.0
	PriorAlpha = 3.0
	PriorBeta  = 1.0
)

// Observations are winsorized into this band before updating.
const (
	WinsorMin = -3.0
	WinsorMax = 3.0
)

// weightShrink sets how quickly confidence weight approaches 1 with samples.
const weightShrink = 10.0

// NIGPosterior is a Normal-Inverse-Gamma posterior over the mean and
// variance of a trader's episode R.
type NIGPosterior struct {
	M     float64 `json:"m"`
	Kappa float64 `json:"kappa"`
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
}

// NewNIGPosterior returns the prior.
func NewNIGPosterior() *NIGPosterior {
	return &NIGPosterior{M: PriorM, Kappa: PriorKappa, Alpha: PriorAlpha, Beta: PriorBeta}
}

// Update folds one closed-episode R into the posterior.
func (p *NIGPosterior) Update(r float64) {
	x := Winsorize(r)
	kappaNext := p.Kappa + 1
	mNext := (p.Kappa*p.M + x) / kappaNext
	p.Alpha += 0.5
	p.Beta += (p.Kappa / (2 * kappaNext)) * (x - p.M) * (x - p.M)
	p.Kappa = kappaNext
	p.M = mNext
}

// EffectiveSamples is the number of observations folded in so far.
func (p *NIGPosterior) EffectiveSamples() float64 {
	return p.Kappa - 1
}

// MeanVariance is the posterior variance of the mean, +Inf when the
// posterior is too diffuse (alpha <= 1).
func (p *NIGPosterior) MeanVariance() float64 {
	if p.Alpha <= 1 {
		return math.Inf(1)
	}
	return p.Beta / (p.Kappa * (p.Alpha - 1))
}

// Weight maps confidence to [0,1): kappa/(kappa+10).
func (p *NIGPosterior) Weight() float64 {
	return p.Kappa / (p.Kappa + weightShrink)
}

// Clone returns an independent copy, used for read-only snapshot views.
func (p *NIGPosterior) Clone() *NIGPosterior {
	cp := *p
	return &cp
}

// Winsorize clamps an observation into [WinsorMin, WinsorMax].
func Winsorize(x float64) float64 {
	if x < WinsorMin {
		return WinsorMin
	}
	if x > WinsorMax {
		return WinsorMax
	}
	return x
}
