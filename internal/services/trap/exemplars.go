package trap

import (
	"math"

	"OmegaBTC/internal/domain/models"
	"OmegaBTC/internal/services/features"
)

// exemplarPoints is the resolution every window is resampled to before
// comparison.
const exemplarPoints = 10

var rawExemplars = map[models.TrapKind][]float64{
	models.TrapBull:          {0, 1, 2, 3, 4, 5, 4, 2, 0, -1},
	models.TrapBear:          {0, -1, -2, -3, -4, -5, -4, -2, 0, 1},
	models.TrapFakePump:      {0, 0, 0, 0, 0, 5, 3, 1, 0, 0},
	models.TrapFakeDump:      {0, 0, 0, 0, 0, -5, -3, -1, 0, 0},
	models.TrapLiquidityGrab: {0, 0, 0, 0, 0, 0, 0, 0, -4, 0},
	models.TrapStopHunt:      {0, 0.5, 0, 0.5, 0, 0.5, 0, -3, 1, 1},
}

// structural kinds match in either direction.
func structural(k models.TrapKind) bool {
	return k == models.TrapLiquidityGrab || k == models.TrapStopHunt
}

type exemplars map[models.TrapKind][]float64

func newExemplars() exemplars {
	ex := make(exemplars, len(rawExemplars))
	for k, pts := range rawExemplars {
		ex[k] = features.Center(features.Resample(pts, exemplarPoints))
	}
	return ex
}

// match returns the cosine similarity of the centred window against the
// exemplar for kind, clipped to [0,1].
func (ex exemplars) match(window []float64, kind models.TrapKind) float64 {
	if len(window) < 3 {
		return 0
	}
	x := features.Center(features.Resample(window, exemplarPoints))
	cos := features.CosineSimilarity(x, ex[kind])
	if structural(kind) {
		return features.Clamp01(math.Abs(cos))
	}
	return features.Clamp01(cos)
}
