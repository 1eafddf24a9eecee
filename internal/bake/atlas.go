package bake

import (
	"github.com/unixpickle/model3d/model2d"

	"github.com/Faultbox/splatforge/pkg/math"
	"github.com/Faultbox/splatforge/pkg/raster"
)

// Atlas accumulates color per texel with a parallel count grid. A texel is
// valid when its count is positive.
type Atlas struct {
	W, H  int
	Color []float32 // rgb interleaved
	Count []float32
}

// NewAtlas returns an empty atlas.
func NewAtlas(w, h int) *Atlas {
	return &Atlas{W: w, H: h, Color: make([]float32, 3*w*h), Count: make([]float32, w*h)}
}

// Reset clears every texel.
func (a *Atlas) Reset() {
	clear(a.Color)
	clear(a.Count)
}

// Splat adds weight*rgb to the texel nearest uv, with uv clamped to [0, 1].
func (a *Atlas) Splat(uv math.Vec2, rgb [3]float32, weight float32) {
	u := min(max(uv.X, 0), 1)
	v := min(max(uv.Y, 0), 1)
	x := int(u*float32(a.W-1) + 0.5)
	y := int(v*float32(a.H-1) + 0.5)
	i := y*a.W + x
	a.Color[3*i] += weight * rgb[0]
	a.Color[3*i+1] += weight * rgb[1]
	a.Color[3*i+2] += weight * rgb[2]
	a.Count[i] += weight
}

// Merge adds view into a, but only on texels whose count is still below
// eps. Texels an earlier view already covered keep their value.
func (a *Atlas) Merge(view *Atlas, eps float32) {
	for i, c := range a.Count {
		if c >= eps {
			continue
		}
		a.Count[i] += view.Count[i]
		a.Color[3*i] += view.Color[3*i]
		a.Color[3*i+1] += view.Color[3*i+1]
		a.Color[3*i+2] += view.Color[3*i+2]
	}
}

// Normalize turns accumulated sums into colors. Valid texels end with a
// count of exactly one; holes stay at zero.
func (a *Atlas) Normalize() {
	for i, c := range a.Count {
		if c <= 0 {
			continue
		}
		a.Color[3*i] /= c
		a.Color[3*i+1] /= c
		a.Color[3*i+2] /= c
		a.Count[i] = 1
	}
}

// Valid returns the mask of texels with a positive count.
func (a *Atlas) Valid() []bool {
	mask := make([]bool, len(a.Count))
	for i, c := range a.Count {
		mask[i] = c > 0
	}
	return mask
}

// Inpaint fills holes within dilate texels of the valid region with the
// color of their nearest donor. Donors are the valid texels within erode
// texels of the region's border. It returns the number of filled texels.
func (a *Atlas) Inpaint(dilate, erode int) int {
	valid := a.Valid()
	frontier := Dilate(valid, a.W, a.H, dilate)
	interior := Erode(valid, a.W, a.H, erode)

	var donors []model2d.Coord
	donorIndex := map[model2d.Coord]int{}
	for i, ok := range valid {
		if ok && !interior[i] {
			c := model2d.XY(float64(i%a.W), float64(i/a.W))
			donors = append(donors, c)
			donorIndex[c] = i
		}
	}
	if len(donors) == 0 {
		return 0
	}
	tree := model2d.NewCoordTree(donors)

	filled := 0
	for i, f := range frontier {
		if !f || valid[i] {
			continue
		}
		near := tree.NearestNeighbor(model2d.XY(float64(i%a.W), float64(i/a.W)))
		src := donorIndex[near]
		copy(a.Color[3*i:3*i+3], a.Color[3*src:3*src+3])
		filled++
	}
	return filled
}

// Image returns the atlas colors as a 3 channel raster.
func (a *Atlas) Image() *raster.Image {
	img := raster.New(a.W, a.H, 3)
	for i := 0; i < a.W*a.H; i++ {
		for c := 0; c < 3; c++ {
			img.Pix[c*a.W*a.H+i] = a.Color[3*i+c]
		}
	}
	return img
}

// Dilate grows a mask by iterations steps of 4-connected neighbours.
func Dilate(mask []bool, w, h, iterations int) []bool {
	return morph(mask, w, h, iterations, true)
}

// Erode shrinks a mask by iterations steps of 4-connected neighbours.
// Texels outside the grid count as unset.
func Erode(mask []bool, w, h, iterations int) []bool {
	return morph(mask, w, h, iterations, false)
}

func morph(mask []bool, w, h, iterations int, grow bool) []bool {
	cur := append([]bool(nil), mask...)
	next := make([]bool, len(mask))
	for it := 0; it < iterations; it++ {
		changed := false
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := y*w + x
				n := [4]bool{
					x > 0 && cur[i-1],
					x < w-1 && cur[i+1],
					y > 0 && cur[i-w],
					y < h-1 && cur[i+w],
				}
				if grow {
					next[i] = cur[i] || n[0] || n[1] || n[2] || n[3]
				} else {
					next[i] = cur[i] && n[0] && n[1] && n[2] && n[3]
				}
				changed = changed || next[i] != cur[i]
			}
		}
		cur, next = next, cur
		if !changed {
			break
		}
	}
	return cur
}
