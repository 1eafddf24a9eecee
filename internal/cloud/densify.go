package cloud

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/Faultbox/splatforge/pkg/math"
)

// splitCount is the number of children a split primitive is replaced by.
const splitCount = 2

// DensifyReport summarizes one densify-and-prune pass.
type DensifyReport struct {
	Before int
	Cloned int
	Split  int
	Pruned int
	After  int
}

// AddDensificationStats records one render's screen-space gradients.
// screenGrad holds the x, y gradient of every primitive's projected centre.
// Only visible primitives are counted; their maximum screen radius is raised
// to the observed radius.
func (c *Cloud) AddDensificationStats(screenGrad []float32, visible []bool, radii []float32) {
	if len(screenGrad) != 2*c.n || len(visible) != c.n || len(radii) != c.n {
		panic(fmt.Sprintf("cloud: densification stats for %d/%d/%d rows, want %d",
			len(screenGrad)/2, len(visible), len(radii), c.n))
	}
	for i, vis := range visible {
		if !vis {
			continue
		}
		gx, gy := screenGrad[2*i], screenGrad[2*i+1]
		c.gradAccum[i] += math32.Sqrt(gx*gx + gy*gy)
		c.denom[i]++
		if radii[i] > c.maxRadii2D[i] {
			c.maxRadii2D[i] = radii[i]
		}
	}
}

// meanGrads returns the accumulated gradient norm per visible frame; rows
// never seen get zero.
func (c *Cloud) meanGrads() []float32 {
	out := make([]float32, c.n)
	for i := range out {
		if c.denom[i] > 0 {
			out[i] = c.gradAccum[i] / c.denom[i]
		}
	}
	return out
}

// maxScale returns the largest activated scale of primitive i.
func (c *Cloud) maxScale(i int) float32 {
	d := c.params[AttrScale].Data[3*i : 3*i+3]
	return math32.Exp(math32.Max(d[0], math32.Max(d[1], d[2])))
}

// DensifyAndPrune grows the cloud where the screen-space gradient is high,
// then shrinks it. Small primitives (max scale at most percent_dense times
// extent) are cloned, larger ones are split into two smaller children. The
// pass then prunes faint, oversized and, when maxScreenSize > 0, screen-large
// primitives, and resets the gradient statistics.
func (c *Cloud) DensifyAndPrune(gradThreshold, minOpacity, extent, maxScreenSize float32) DensifyReport {
	report := DensifyReport{Before: c.n}

	grads := c.meanGrads()
	cutoff := c.percentDense * extent
	var cloneIdx, splitIdx []int
	for i, g := range grads {
		if g <= gradThreshold {
			continue
		}
		if c.maxScale(i) <= cutoff {
			cloneIdx = append(cloneIdx, i)
		} else {
			splitIdx = append(splitIdx, i)
		}
	}

	c.Grow(c.Gather(cloneIdx))
	c.Grow(c.splitRows(splitIdx))
	if len(splitIdx) > 0 {
		keep := make([]bool, c.n)
		for i := range keep {
			keep[i] = true
		}
		for _, i := range splitIdx {
			keep[i] = false
		}
		c.Compact(keep)
	}
	report.Cloned = len(cloneIdx)
	report.Split = len(splitIdx)

	report.Pruned = c.Prune(minOpacity, extent, maxScreenSize)
	c.ResetStats()
	report.After = c.n
	return report
}

// splitRows samples splitCount children for each index. Children are drawn
// from the parent's own Gaussian and shrunk by 1/(0.8*splitCount).
func (c *Cloud) splitRows(idx []int) Rows {
	rows := c.Gather(repeatIndices(idx, splitCount))
	shrink := math32.Log(0.8 * splitCount)
	pos := rows.Cols[AttrPosition]
	scl := rows.Cols[AttrScale]
	for k, i := range repeatIndices(idx, splitCount) {
		s := c.Scale(i)
		sample := math.Vec3{
			X: float32(c.rng.NormFloat64()) * s.X,
			Y: float32(c.rng.NormFloat64()) * s.Y,
			Z: float32(c.rng.NormFloat64()) * s.Z,
		}
		offset := c.Rotation(i).Rotate(sample)
		pos[3*k] += offset.X
		pos[3*k+1] += offset.Y
		pos[3*k+2] += offset.Z
		for j := 0; j < 3; j++ {
			scl[3*k+j] -= shrink
		}
	}
	return rows
}

func repeatIndices(idx []int, times int) []int {
	out := make([]int, 0, len(idx)*times)
	for _, i := range idx {
		for t := 0; t < times; t++ {
			out = append(out, i)
		}
	}
	return out
}

// Prune removes primitives with opacity below minOpacity, with a world-space
// scale above extent, or, when maxScreenSize > 0, whose largest observed
// screen radius exceeds maxScreenSize. It returns the number removed.
func (c *Cloud) Prune(minOpacity, extent, maxScreenSize float32) int {
	keep := make([]bool, c.n)
	for i := range keep {
		faint := c.Opacity(i) < minOpacity
		big := c.maxScale(i) > extent
		screenBig := maxScreenSize > 0 && c.maxRadii2D[i] > maxScreenSize
		keep[i] = !(faint || big || screenBig)
	}
	return c.Compact(keep)
}

// ResetStats clears the densification statistics.
func (c *Cloud) ResetStats() {
	clear(c.gradAccum)
	clear(c.denom)
	clear(c.maxRadii2D)
}

// ResetOpacity clamps every opacity down to value and clears the opacity
// optimizer moments.
func (c *Cloud) ResetOpacity(value float32) {
	p := c.params[AttrOpacity]
	limit := Logit(value)
	for i, l := range p.Data {
		if l > limit {
			p.Data[i] = limit
		}
	}
	p.resetMoments()
}
