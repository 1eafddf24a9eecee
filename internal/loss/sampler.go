package loss

import (
	"math/rand/v2"

	"github.com/chewxy/math32"

	"github.com/Faultbox/splatforge/internal/camera"
	"github.com/Faultbox/splatforge/pkg/math"
)

// Render resolutions of the coarse-to-fine schedule.
const (
	coarseResolution = 128
	mediumResolution = 256
	fineResolution   = 512
)

// RenderResolution returns the novel-view render size for a step ratio.
func RenderResolution(stepRatio float32) int {
	switch {
	case stepRatio < 0.3:
		return coarseResolution
	case stepRatio < 0.6:
		return mediumResolution
	default:
		return fineResolution
	}
}

// ElevationRange returns the inclusive range of elevation offsets sampled
// around base elevation e (degrees). The absolute elevation e+offset always
// reaches ±30 degrees and never passes ±80.
func ElevationRange(e float32) (lo, hi int) {
	ei := int(math32.Round(e))
	lo = max(min(-30, -30-ei), -80-ei)
	hi = min(max(30, 30-ei), 80-ei)
	return lo, hi
}

// NovelView is one randomly posed camera of a step.
type NovelView struct {
	Camera          camera.Camera
	ElevationOffset float32
	Azimuth         float32
	RadiusOffset    float32
	Background      [3]float32
}

// Sampler draws novel views around the object.
type Sampler struct {
	rng          *rand.Rand
	Elevation    float32 // base elevation, degrees
	Radius       float32
	FovY         float32 // radians
	Near, Far    float32
	BatchSize    int
	InvertBgProb float32
}

// NewSampler returns a sampler drawing from rng.
func NewSampler(rng *rand.Rand) *Sampler {
	return &Sampler{rng: rng, BatchSize: 1}
}

// Sample draws one batch of views for the given step ratio.
func (s *Sampler) Sample(stepRatio float32) []NovelView {
	size := RenderResolution(stepRatio)
	lo, hi := ElevationRange(s.Elevation)
	views := make([]NovelView, s.BatchSize)
	for i := range views {
		ver := float32(lo + s.rng.IntN(hi-lo+1))
		hor := float32(s.rng.IntN(360) - 180)
		pose := math.OrbitPose(s.Elevation+ver, hor, s.Radius, math.Vec3{})
		bg := [3]float32{1, 1, 1}
		if s.rng.Float32() < s.InvertBgProb {
			bg = [3]float32{}
		}
		views[i] = NovelView{
			Camera:          camera.New(pose, size, size, s.FovY, s.Near, s.Far),
			ElevationOffset: ver,
			Azimuth:         hor,
			Background:      bg,
		}
	}
	return views
}
