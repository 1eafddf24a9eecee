package cloud

import (
	"math"
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/unixpickle/model3d/model3d"
)

// PriorOptions configure the random initial cloud.
type PriorOptions struct {
	NumPoints int
	Radius    float32 // ball radius
	Opacity   float32 // initial activated opacity
	SHDegree  int
}

// NewFromPrior fills a ball with uniformly distributed primitives of
// near-gray color. Each primitive starts isotropic, sized by the mean
// distance to its three nearest neighbours.
func NewFromPrior(opts PriorOptions, rng *rand.Rand) *Cloud {
	c := New(opts.SHDegree, rng)
	if opts.NumPoints <= 0 {
		return c
	}
	rows := c.NewRows(opts.NumPoints)
	coords := make([]model3d.Coord3D, opts.NumPoints)
	for i := range coords {
		phi := rng.Float64() * 2 * math.Pi
		cosTheta := rng.Float64()*2 - 1
		theta := math.Acos(cosTheta)
		r := float64(opts.Radius) * math.Cbrt(rng.Float64())
		coords[i] = model3d.XYZ(
			r*math.Sin(theta)*math.Cos(phi),
			r*math.Sin(theta)*math.Sin(phi),
			r*math.Cos(theta),
		)
		rows.Cols[AttrPosition][3*i] = float32(coords[i].X)
		rows.Cols[AttrPosition][3*i+1] = float32(coords[i].Y)
		rows.Cols[AttrPosition][3*i+2] = float32(coords[i].Z)
		for ch := 0; ch < 3; ch++ {
			rows.Cols[AttrFeaturesDC][3*i+ch] = float32(rng.Float64() / 255)
		}
	}

	logScales := neighbourLogScales(coords)
	opacity := Logit(opts.Opacity)
	for i := 0; i < opts.NumPoints; i++ {
		for k := 0; k < 3; k++ {
			rows.Cols[AttrScale][3*i+k] = logScales[i]
		}
		rows.Cols[AttrRotation][4*i] = 1
		rows.Cols[AttrOpacity][i] = opacity
	}
	c.Grow(rows)
	return c
}

// neighbourLogScales returns log(sqrt(mean squared distance to the three
// nearest neighbours)) for every point.
func neighbourLogScales(coords []model3d.Coord3D) []float32 {
	out := make([]float32, len(coords))
	tree := model3d.NewCoordTree(coords)
	for i, p := range coords {
		var sum float64
		count := 0
		skippedSelf := false
		for _, q := range tree.KNN(4, p) {
			if q == p && !skippedSelf {
				skippedSelf = true
				continue
			}
			d := q.Dist(p)
			d *= d
			sum += d
			count++
			if count == 3 {
				break
			}
		}
		meanSq := 1e-7
		if count > 0 {
			meanSq = math.Max(sum/float64(count), 1e-7)
		}
		out[i] = math32.Log(float32(math.Sqrt(meanSq)))
	}
	return out
}
