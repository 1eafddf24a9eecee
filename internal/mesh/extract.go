package mesh

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/unixpickle/model3d/model3d"
	"go.uber.org/zap"

	"github.com/Faultbox/splatforge/internal/cloud"
	"github.com/Faultbox/splatforge/internal/logger"
	"github.com/Faultbox/splatforge/pkg/math"
)

// ErrEmptySurface is returned when no grid point reaches the threshold.
var ErrEmptySurface = errors.New("mesh: density field has no surface at this threshold")

// Extractor turns a trained cloud into a surface mesh. A higher threshold
// gives a tighter surface.
type Extractor interface {
	Extract(c *cloud.Cloud, densityThreshold float32) (*Mesh, error)
}

// DensityExtractor samples the summed Gaussian density on a regular grid
// over [-Bound, Bound]^3 and runs marching cubes on it.
type DensityExtractor struct {
	Resolution int     // grid points per axis
	NumBlocks  int     // blocks per axis for primitive culling
	RelaxRatio float32 // block margin in block sizes
	Bound      float32
	SearchIter int // surface refinement steps
}

// NewDensityExtractor returns an extractor over [-1, 1]^3.
func NewDensityExtractor(resolution, numBlocks int, relaxRatio float32) *DensityExtractor {
	return &DensityExtractor{
		Resolution: resolution,
		NumBlocks:  numBlocks,
		RelaxRatio: relaxRatio,
		Bound:      1,
		SearchIter: 8,
	}
}

// gaussian is one primitive prepared for density queries.
type gaussian struct {
	mean    math.Vec3
	rotT    math.Mat3 // world to local
	invS    math.Vec3 // 1 / scale
	opacity float32
}

func (g *gaussian) density(p math.Vec3) float32 {
	d := g.rotT.MulVec(p.Sub(g.mean)).Mul(g.invS)
	return g.opacity * math32.Exp(-0.5*d.Dot(d))
}

// Field is a density grid.
type Field struct {
	Res       int
	Bound     float32
	Threshold float32
	Values    []float32 // x fastest
}

func (f *Field) at(i, j, k int) float32 {
	return f.Values[(k*f.Res+j)*f.Res+i]
}

// Sample returns the trilinearly interpolated density at p; outside the
// grid it is zero.
func (f *Field) Sample(p math.Vec3) float32 {
	step := 2 * f.Bound / float32(f.Res-1)
	gx := (p.X + f.Bound) / step
	gy := (p.Y + f.Bound) / step
	gz := (p.Z + f.Bound) / step
	last := float32(f.Res - 1)
	if gx < 0 || gy < 0 || gz < 0 || gx > last || gy > last || gz > last {
		return 0
	}
	i0 := min(int(gx), f.Res-2)
	j0 := min(int(gy), f.Res-2)
	k0 := min(int(gz), f.Res-2)
	tx, ty, tz := gx-float32(i0), gy-float32(j0), gz-float32(k0)
	lerp := func(a, b, t float32) float32 { return a + (b-a)*t }
	c00 := lerp(f.at(i0, j0, k0), f.at(i0+1, j0, k0), tx)
	c10 := lerp(f.at(i0, j0+1, k0), f.at(i0+1, j0+1, k0), tx)
	c01 := lerp(f.at(i0, j0, k0+1), f.at(i0+1, j0, k0+1), tx)
	c11 := lerp(f.at(i0, j0+1, k0+1), f.at(i0+1, j0+1, k0+1), tx)
	return lerp(lerp(c00, c10, ty), lerp(c01, c11, ty), tz)
}

// Min implements model3d.Solid.
func (f *Field) Min() model3d.Coord3D {
	b := float64(f.Bound)
	return model3d.XYZ(-b, -b, -b)
}

// Max implements model3d.Solid.
func (f *Field) Max() model3d.Coord3D {
	b := float64(f.Bound)
	return model3d.XYZ(b, b, b)
}

// Contains implements model3d.Solid.
func (f *Field) Contains(c model3d.Coord3D) bool {
	return f.Sample(math.Vec3{X: float32(c.X), Y: float32(c.Y), Z: float32(c.Z)}) > f.Threshold
}

// Density evaluates the cloud's density field on the grid, block by block,
// considering for each block only primitives whose centre lies within the
// block grown by RelaxRatio block sizes.
func (e *DensityExtractor) Density(c *cloud.Cloud) *Field {
	res := e.Resolution
	f := &Field{Res: res, Bound: e.Bound, Values: make([]float32, res*res*res)}
	gs := make([]gaussian, c.Len())
	for i := range gs {
		s := c.Scale(i)
		gs[i] = gaussian{
			mean:    c.Position(i),
			rotT:    c.Rotation(i).Mat3().Transpose(),
			invS:    math.Vec3{X: 1 / s.X, Y: 1 / s.Y, Z: 1 / s.Z},
			opacity: c.Opacity(i),
		}
	}

	blocks := max(1, e.NumBlocks)
	step := 2 * e.Bound / float32(res-1)
	blockSize := 2 * e.Bound / float32(blocks)
	margin := blockSize * e.RelaxRatio
	per := (res + blocks - 1) / blocks
	var near []int
	for bz := 0; bz < blocks; bz++ {
		for by := 0; by < blocks; by++ {
			for bx := 0; bx < blocks; bx++ {
				i0, j0, k0 := bx*per, by*per, bz*per
				i1, j1, k1 := min(i0+per, res), min(j0+per, res), min(k0+per, res)
				if i0 >= i1 || j0 >= j1 || k0 >= k1 {
					continue
				}
				lo := math.Vec3{X: -e.Bound + float32(i0)*step, Y: -e.Bound + float32(j0)*step, Z: -e.Bound + float32(k0)*step}
				hi := math.Vec3{X: -e.Bound + float32(i1-1)*step, Y: -e.Bound + float32(j1-1)*step, Z: -e.Bound + float32(k1-1)*step}
				near = near[:0]
				for gi := range gs {
					m := gs[gi].mean
					if m.X > lo.X-margin && m.X < hi.X+margin &&
						m.Y > lo.Y-margin && m.Y < hi.Y+margin &&
						m.Z > lo.Z-margin && m.Z < hi.Z+margin {
						near = append(near, gi)
					}
				}
				if len(near) == 0 {
					continue
				}
				for k := k0; k < k1; k++ {
					for j := j0; j < j1; j++ {
						for i := i0; i < i1; i++ {
							p := math.Vec3{X: -e.Bound + float32(i)*step, Y: -e.Bound + float32(j)*step, Z: -e.Bound + float32(k)*step}
							var sum float32
							for _, gi := range near {
								sum += gs[gi].density(p)
							}
							f.Values[(k*res+j)*res+i] = sum
						}
					}
				}
			}
		}
	}
	return f
}

// Extract implements Extractor.
func (e *DensityExtractor) Extract(c *cloud.Cloud, densityThreshold float32) (*Mesh, error) {
	if e.Resolution < 2 {
		return nil, fmt.Errorf("mesh: grid resolution %d", e.Resolution)
	}
	field := e.Density(c)
	field.Threshold = densityThreshold

	occupied := 0
	for _, v := range field.Values {
		if v > densityThreshold {
			occupied++
		}
	}
	if occupied == 0 {
		return nil, ErrEmptySurface
	}

	delta := float64(2*e.Bound) / float64(e.Resolution-1)
	surface := model3d.MarchingCubesSearch(field, delta, e.SearchIter)
	m := fromModel3D(surface)
	if len(m.F) == 0 {
		return nil, ErrEmptySurface
	}
	logger.Info("extracted mesh",
		zap.Int("vertices", len(m.V)),
		zap.Int("faces", len(m.F)),
		zap.Int("occupied_cells", occupied))
	return m, nil
}

// fromModel3D welds a triangle soup into an indexed mesh.
func fromModel3D(src *model3d.Mesh) *Mesh {
	m := &Mesh{}
	index := map[model3d.Coord3D]int32{}
	vertex := func(c model3d.Coord3D) int32 {
		if i, ok := index[c]; ok {
			return i
		}
		i := int32(len(m.V))
		index[c] = i
		m.V = append(m.V, math.Vec3{X: float32(c.X), Y: float32(c.Y), Z: float32(c.Z)})
		return i
	}
	for _, t := range src.TriangleSlice() {
		f := [3]int32{vertex(t[0]), vertex(t[1]), vertex(t[2])}
		if f[0] == f[1] || f[1] == f[2] || f[0] == f[2] {
			continue
		}
		m.F = append(m.F, f)
	}
	return m
}
