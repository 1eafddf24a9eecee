// Package mesh holds the triangle mesh produced from a trained cloud: the
// isosurface extractor, normal and UV generation, and the OBJ and PLY
// writers.
package mesh

import (
	"github.com/chewxy/math32"

	"github.com/Faultbox/splatforge/pkg/math"
	"github.com/Faultbox/splatforge/pkg/raster"
)

// Mesh is an indexed triangle mesh. Normals and UVs have their own index
// arrays, parallel to F.
type Mesh struct {
	V  []math.Vec3
	F  [][3]int32
	VN []math.Vec3
	FN [][3]int32
	VT []math.Vec2
	FT [][3]int32

	Albedo *raster.Image // baked texture, nil for geometry-only meshes
}

// faceNormal returns the unnormalized normal of face f; its length is twice
// the triangle area.
func (m *Mesh) faceNormal(f [3]int32) math.Vec3 {
	v0, v1, v2 := m.V[f[0]], m.V[f[1]], m.V[f[2]]
	return v1.Sub(v0).Cross(v2.Sub(v0))
}

// AutoNormal computes area-weighted vertex normals. Vertices touched only
// by degenerate faces get +Z.
func (m *Mesh) AutoNormal() {
	acc := make([]math.Vec3, len(m.V))
	for _, f := range m.F {
		n := m.faceNormal(f)
		for _, i := range f {
			acc[i] = acc[i].Add(n)
		}
	}
	for i, n := range acc {
		if n.Length() < 1e-20 {
			acc[i] = math.Vec3{Z: 1}
			continue
		}
		acc[i] = n.Normalize()
	}
	m.VN = acc
	m.FN = append([][3]int32(nil), m.F...)
}

// AutoUV lays every face out in its own chart. Faces are packed two per
// square cell of a regular grid, each cell inset by pad (in UV units of
// the cell) so that texels of neighbouring charts do not bleed.
func (m *Mesh) AutoUV(pad float32) {
	cells := (len(m.F) + 1) / 2
	n := int(math32.Ceil(math32.Sqrt(float32(cells))))
	if n == 0 {
		n = 1
	}
	size := 1 / float32(n)
	inset := pad * size

	m.VT = make([]math.Vec2, 0, 3*len(m.F))
	m.FT = make([][3]int32, len(m.F))
	for i := range m.F {
		cell := i / 2
		u0 := float32(cell%n) * size
		v0 := float32(cell/n) * size
		lo, hi := inset, size-inset
		var corners [3]math.Vec2
		if i%2 == 0 {
			// lower-left triangle, leaving a gap along the diagonal
			corners = [3]math.Vec2{{X: lo, Y: lo}, {X: hi - inset, Y: lo}, {X: lo, Y: hi - inset}}
		} else {
			corners = [3]math.Vec2{{X: hi, Y: lo + inset}, {X: hi, Y: hi}, {X: lo + inset, Y: hi}}
		}
		base := int32(len(m.VT))
		for _, c := range corners {
			m.VT = append(m.VT, math.Vec2{X: u0 + c.X, Y: v0 + c.Y})
		}
		m.FT[i] = [3]int32{base, base + 1, base + 2}
	}
}
