package trap

import (
	"fmt"
	"math"
	"time"

	"OmegaBTC/internal/domain/models"
	"OmegaBTC/internal/services/features"
)

// Inputs is everything one evaluation looks at.
type Inputs struct {
	Samples []Sample
	Fib     *models.FibonacciLevels
	Bid     float64
	Ask     float64
	HasBook bool
}

// Assessment is the scorer output for one evaluation. Kind is None unless
// Probability reached the confidence threshold.
type Assessment struct {
	Kind        models.TrapKind
	Best        models.TrapKind
	Probability float64
	Scores      map[models.TrapKind]float64
	Components  map[string]models.Component
	Price       float64
	PriceChange float64
	Window      time.Duration
	Qualifies   bool
}

// Scorer combines the heuristic components into per-kind scores.
type Scorer struct {
	p  Params
	ex exemplars
}

func NewScorer(p Params) (*Scorer, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("trap scorer: %w", err)
	}
	return &Scorer{p: p, ex: newExemplars()}, nil
}

func (s *Scorer) Params() Params { return s.p }

// Assess scores the window. Fewer than three samples yield a neutral
// assessment with zero probability.
func (s *Scorer) Assess(in Inputs) Assessment {
	a := Assessment{
		Kind:       models.TrapNone,
		Best:       models.TrapNone,
		Scores:     make(map[models.TrapKind]float64, len(models.TrapKinds)),
		Components: map[string]models.Component{},
	}
	n := len(in.Samples)
	if n == 0 {
		return a
	}
	prices := make([]float64, n)
	volumes := make([]float64, n)
	for i, smp := range in.Samples {
		prices[i] = smp.Price
		volumes[i] = smp.Volume
	}
	a.Price = prices[n-1]

	segStart := 0
	if n > s.p.PatternTicks {
		segStart = n - s.p.PatternTicks
	}
	seg := prices[segStart:]
	if seg[0] != 0 {
		a.PriceChange = (seg[len(seg)-1] - seg[0]) / seg[0]
	}
	a.Window = in.Samples[n-1].Time.Sub(in.Samples[segStart].Time)
	if n < 3 {
		return a
	}

	vol := s.volumeSpike(volumes)
	fib := fibProximity(a.Price, in.Fib, s.p.BandRatio)
	book := orderBook(in)
	trend := s.trendStrength(prices)

	matchStart := 0
	if n > s.p.MatchTicks {
		matchStart = n - s.p.MatchTicks
	}
	recent := prices[matchStart:]

	lo, _, hi, _ := features.MinMax(prices)
	flat := hi-lo <= s.p.FlatEpsilon*math.Max(math.Abs(hi), 1)

	w := s.p.Weights
	var best models.TrapKind
	bestScore := -1.0
	var bestComponents map[string]float64
	for _, kind := range models.TrapKinds {
		c := map[string]float64{
			ComponentPricePattern:       s.pattern(kind, seg),
			ComponentVolumeSpike:        vol,
			ComponentFibonacciProximity: fib,
			ComponentOrderBook:          book,
			ComponentMarketRegime:       regime(kind, trend),
			ComponentHistoricalMatch:    s.ex.match(recent, kind),
		}
		score := w.PricePattern*c[ComponentPricePattern] +
			w.VolumeSpike*c[ComponentVolumeSpike] +
			w.FibonacciProximity*c[ComponentFibonacciProximity] +
			w.OrderBookImbalance*c[ComponentOrderBook] +
			w.MarketRegime*c[ComponentMarketRegime] +
			w.HistoricalMatch*c[ComponentHistoricalMatch]
		score = features.Clamp01(score)
		if flat {
			score = math.Min(score, s.p.NeutralCap)
		}
		a.Scores[kind] = score
		if score > bestScore {
			best, bestScore, bestComponents = kind, score, c
		}
	}

	prob := bestScore
	a.Best = best
	a.Probability = prob
	for name, v := range bestComponents {
		a.Components[name] = models.Component{Value: v, Description: describe(name, best)}
	}
	if prob >= s.p.ConfidenceThreshold {
		a.Kind = best
		a.Qualifies = true
	}
	return a
}

func (s *Scorer) pattern(kind models.TrapKind, seg []float64) float64 {
	switch kind {
	case models.TrapBull:
		return bullTrap(seg, s.p)
	case models.TrapBear:
		return bearTrap(seg, s.p)
	case models.TrapFakePump:
		return fakePump(seg, s.p)
	case models.TrapFakeDump:
		return fakeDump(seg, s.p)
	case models.TrapLiquidityGrab:
		return liquidityGrab(seg, s.p)
	case models.TrapStopHunt:
		return stopHunt(seg, s.p)
	}
	return 0
}

// volumeSpike compares the largest recent volume to the window median and
// saturates at 3x.
func (s *Scorer) volumeSpike(volumes []float64) float64 {
	recent := volumes
	if k := s.p.ReversalBars + 1; len(volumes) > k {
		recent = volumes[len(volumes)-k:]
	}
	_, _, peak, _ := features.MinMax(recent)
	med := features.Median(volumes)
	if med <= 0 {
		if peak > 0 {
			return 1
		}
		return 0
	}
	return features.Clamp01((peak/med - 1) / 2)
}

// trendStrength is the short/long EMA spread scaled to [-1,1].
func (s *Scorer) trendStrength(prices []float64) float64 {
	long := features.EMA(prices, s.p.EMALong)
	if long == 0 {
		return 0
	}
	short := features.EMA(prices, s.p.EMAShort)
	v := (short - long) / long / s.p.RegimeScale
	return math.Max(-1, math.Min(1, v))
}

// regime favours traps that fade the prevailing trend and structural traps
// in ranging markets.
func regime(kind models.TrapKind, trend float64) float64 {
	switch kind {
	case models.TrapBull, models.TrapFakePump:
		return 0.5 - 0.5*trend
	case models.TrapBear, models.TrapFakeDump:
		return 0.5 + 0.5*trend
	default:
		return 1 - math.Abs(trend)
	}
}

func fibProximity(price float64, fib *models.FibonacciLevels, bandRatio float64) float64 {
	if fib == nil || len(fib.Levels) == 0 {
		return 0
	}
	dist := math.Inf(1)
	for _, lvl := range fib.Levels {
		v, _ := lvl.Float64()
		dist = math.Min(dist, math.Abs(price-v))
	}
	span, _ := fib.Range().Float64()
	band := bandRatio * span
	if band <= 0 {
		if dist == 0 {
			return 1
		}
		return 0
	}
	return 1 - math.Min(dist/band, 1)
}

func orderBook(in Inputs) float64 {
	if !in.HasBook || in.Bid+in.Ask <= 0 {
		return 0.5
	}
	return features.Clamp01(math.Abs(in.Bid-in.Ask) / (in.Bid + in.Ask))
}

func describe(component string, kind models.TrapKind) string {
	switch component {
	case ComponentPricePattern:
		return fmt.Sprintf("match of recent prices to the %s shape", kind)
	case ComponentVolumeSpike:
		return "recent peak volume against window median"
	case ComponentFibonacciProximity:
		return "closeness to the nearest Fibonacci level"
	case ComponentOrderBook:
		return "bid/ask depth imbalance"
	case ComponentMarketRegime:
		return "short/long EMA spread"
	case ComponentHistoricalMatch:
		return fmt.Sprintf("cosine similarity to the %s exemplar", kind)
	}
	return component
}
