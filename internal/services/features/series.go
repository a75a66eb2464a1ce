package features

import (
	"math"
	"sort"
)

// EMA returns the exponential moving average of xs with the given period,
// seeded with the first value. It returns 0 for an empty series.
func EMA(xs []float64, period int) float64 {
	if len(xs) == 0 {
		return 0
	}
	if period < 1 {
		period = 1
	}
	alpha := 2.0 / float64(period+1)
	ema := xs[0]
	for _, x := range xs[1:] {
		ema = alpha*x + (1-alpha)*ema
	}
	return ema
}

// Median returns the median of xs without modifying it.
func Median(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// MinMax returns the smallest and largest values with their first indexes.
func MinMax(xs []float64) (lo float64, loIdx int, hi float64, hiIdx int) {
	if len(xs) == 0 {
		return 0, -1, 0, -1
	}
	lo, hi = xs[0], xs[0]
	for i, x := range xs {
		if x < lo {
			lo, loIdx = x, i
		}
		if x > hi {
			hi, hiIdx = x, i
		}
	}
	return lo, loIdx, hi, hiIdx
}

// Center subtracts the mean from every element.
func Center(xs []float64) []float64 {
	if len(xs) == 0 {
		return nil
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = x - mean
	}
	return out
}

// Resample linearly interpolates xs onto n evenly spaced points.
func Resample(xs []float64, n int) []float64 {
	if n <= 0 || len(xs) == 0 {
		return nil
	}
	if len(xs) == n {
		return append([]float64(nil), xs...)
	}
	out := make([]float64, n)
	if len(xs) == 1 || n == 1 {
		for i := range out {
			out[i] = xs[len(xs)-1]
		}
		return out
	}
	step := float64(len(xs)-1) / float64(n-1)
	for i := range out {
		pos := float64(i) * step
		lo := int(math.Floor(pos))
		if lo >= len(xs)-1 {
			out[i] = xs[len(xs)-1]
			continue
		}
		frac := pos - float64(lo)
		out[i] = xs[lo]*(1-frac) + xs[lo+1]*frac
	}
	return out
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 if
// either is a zero vector or lengths differ.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Clamp01 bounds v to [0, 1].
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
