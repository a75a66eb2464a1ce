package trap

import (
	"math"

	"OmegaBTC/internal/services/features"
)

// The shape detectors score the trailing price segment in [0,1]. Each one
// looks for an extreme inside the segment followed by a reversal that
// completes within ReversalBars samples.

func bullTrap(seg []float64, p Params) float64 {
	n := len(seg)
	if n < 3 {
		return 0
	}
	_, _, peak, peakIdx := features.MinMax(seg)
	if peakIdx == 0 || peakIdx == n-1 || n-1-peakIdx > p.ReversalBars {
		return 0
	}
	base, _, _, _ := features.MinMax(seg[:peakIdx+1])
	rise := peak - base
	if rise <= 0 || base <= 0 || rise/base < p.MinMove {
		return 0
	}
	last := seg[n-1]
	if last >= base {
		return 0
	}
	return 0.5 + 0.5*math.Min(1, (base-last)/rise)
}

func bearTrap(seg []float64, p Params) float64 {
	n := len(seg)
	if n < 3 {
		return 0
	}
	trough, troughIdx, _, _ := features.MinMax(seg)
	if troughIdx == 0 || troughIdx == n-1 || n-1-troughIdx > p.ReversalBars {
		return 0
	}
	_, _, top, _ := features.MinMax(seg[:troughIdx+1])
	drop := top - trough
	if drop <= 0 || top <= 0 || drop/top < p.MinMove {
		return 0
	}
	last := seg[n-1]
	if last <= top {
		return 0
	}
	return 0.5 + 0.5*math.Min(1, (last-top)/drop)
}

func fakePump(seg []float64, p Params) float64 {
	n := len(seg)
	if n < 3 {
		return 0
	}
	_, _, peak, peakIdx := features.MinMax(seg)
	if peakIdx == 0 || n-1-peakIdx > p.ReversalBars {
		return 0
	}
	base, baseIdx := lastExtreme(seg[:peakIdx], false)
	rise := peak - base
	if rise <= 0 || base <= 0 || rise/base < p.PumpMinMove {
		return 0
	}
	retrace := (peak - seg[n-1]) / rise
	if retrace < 0.75 {
		return 0
	}
	return math.Min(1, retrace) * speed(peakIdx-baseIdx, p.PumpBars)
}

func fakeDump(seg []float64, p Params) float64 {
	n := len(seg)
	if n < 3 {
		return 0
	}
	trough, troughIdx, _, _ := features.MinMax(seg)
	if troughIdx == 0 || n-1-troughIdx > p.ReversalBars {
		return 0
	}
	top, topIdx := lastExtreme(seg[:troughIdx], true)
	drop := top - trough
	if drop <= 0 || top <= 0 || drop/top < p.PumpMinMove {
		return 0
	}
	retrace := (seg[n-1] - trough) / drop
	if retrace < 0.75 {
		return 0
	}
	return math.Min(1, retrace) * speed(troughIdx-topIdx, p.PumpBars)
}

// lastExtreme returns the minimum (or maximum) of xs at its latest index.
func lastExtreme(xs []float64, high bool) (float64, int) {
	v, idx := xs[0], 0
	for i, x := range xs {
		if (high && x >= v) || (!high && x <= v) {
			v, idx = x, i
		}
	}
	return v, idx
}

// speed is 1 for moves completed within fast bars and decays linearly to 0
// at twice that length.
func speed(bars, fast int) float64 {
	if bars <= fast {
		return 1
	}
	return features.Clamp01(1 - float64(bars-fast)/float64(fast))
}

// liquidityGrab scores a single-sample wick beyond its neighbours after
// which price is back inside the prior range.
func liquidityGrab(seg []float64, p Params) float64 {
	n := len(seg)
	if n < 4 {
		return 0
	}
	lo, loIdx, hi, hiIdx := features.MinMax(seg)
	last := seg[n-1]
	best := 0.0

	if e := hiIdx; e >= 2 && e <= n-2 && n-1-e <= p.ReversalBars {
		excess := hi - math.Max(seg[e-1], seg[e+1])
		prior := seg[:e]
		pLo, _, pHi, _ := features.MinMax(prior)
		if excess > 0 && last >= pLo && last <= pHi {
			best = math.Max(best, consolidation(prior)*excess/(excess+pHi-pLo))
		}
	}
	if e := loIdx; e >= 2 && e <= n-2 && n-1-e <= p.ReversalBars {
		excess := math.Min(seg[e-1], seg[e+1]) - lo
		prior := seg[:e]
		pLo, _, pHi, _ := features.MinMax(prior)
		if excess > 0 && last >= pLo && last <= pHi {
			best = math.Max(best, consolidation(prior)*excess/(excess+pHi-pLo))
		}
	}
	return features.Clamp01(best)
}

// stopHunt scores a sweep beyond the prior range followed by recovery
// toward the opposite side of that range.
func stopHunt(seg []float64, p Params) float64 {
	n := len(seg)
	if n < 4 {
		return 0
	}
	lo, loIdx, hi, hiIdx := features.MinMax(seg)
	last := seg[n-1]
	best := 0.0

	if e := loIdx; e >= 2 && n-1-e <= p.ReversalBars {
		prior := seg[:e]
		pLo, _, pHi, _ := features.MinMax(prior)
		if lo < pLo {
			best = math.Max(best, consolidation(prior)*features.Clamp01((last-lo)/(pHi-lo)))
		}
	}
	if e := hiIdx; e >= 2 && n-1-e <= p.ReversalBars {
		prior := seg[:e]
		pLo, _, pHi, _ := features.MinMax(prior)
		if hi > pHi {
			best = math.Max(best, consolidation(prior)*features.Clamp01((hi-last)/(hi-pLo)))
		}
	}
	return best
}

// consolidation is 1 for a range-bound segment and 0 for one that trends
// end to end.
func consolidation(prior []float64) float64 {
	if len(prior) < 2 {
		return 0
	}
	lo, _, hi, _ := features.MinMax(prior)
	span := hi - lo
	if span == 0 {
		return 1
	}
	return features.Clamp01(1 - math.Abs(prior[len(prior)-1]-prior[0])/span)
}
