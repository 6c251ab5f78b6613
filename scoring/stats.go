package scoring

import "math"

// SkillPValue runs a one-sided t-test that the mean winsorized R exceeds
// zero. Returns ok=false with fewer than minN observations.
func SkillPValue(rs []float64, minN int) (float64, bool) {
	if len(rs) < minN {
		return 0, false
	}
	n := float64(len(rs))
	sum := 0.0
	for _, r := range rs {
		sum += Winsorize(r)
	}
	mean := sum / n

	ss := 0.0
	for _, r := range rs {
		d := Winsorize(r) - mean
		ss += d * d
	}
	variance := ss / (n - 1)

	if variance == 0 {
		// degenerate series: the verdict is certain either way
		if mean > 0 {
			return 0, true
		}
		return 1, true
	}

	t := mean / math.Sqrt(variance/n)
	return studentSurvival(t, n-1), true
}

// studentSurvival is P(T_df > t) for Student's t.
func studentSurvival(t, df float64) float64 {
	if math.IsInf(t, 1) {
		return 0
	}
	if math.IsInf(t, -1) {
		return 1
	}
	x := df / (df + t*t)
	tail := 0.5 * regIncBeta(df/2, 0.5, x)
	if t >= 0 {
		return tail
	}
	return 1 - tail
}

// regIncBeta is the regularized incomplete beta I_x(a,b), evaluated with
// Lentz's continued fraction on the rapidly-converging side.
func regIncBeta(a, b, x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	lga, _ := math.Lgamma(a)
	lgb, _ := math.Lgamma(b)
	lgab, _ := math.Lgamma(a + b)
	front := math.Exp(lgab - lga - lgb + a*math.Log(x) + b*math.Log(1-x))
	if x < (a+1)/(a+b+2) {
		return front * betaCF(a, b, x) / a
	}
	return 1 - front*betaCF(b, a, 1-x)/b
}

func betaCF(a, b, x float64) float64 {
	const (
		maxIter = 200
		eps     = 3e-14
		tiny    = 1e-30
	)
	qab := a + b
	qap := a + 1
	qam := a - 1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < tiny {
		d = tiny
	}
	d = 1 / d
	h := d
	for m := 1; m <= maxIter; m++ {
		m2 := float64(2 * m)
		aa := float64(m) * (b - float64(m)) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		h *= d * c
		aa = -(a + float64(m)) * (qab + float64(m)) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		del := d * c
		h *= del
		if math.Abs(del-1) < eps {
			break
		}
	}
	return h
}
