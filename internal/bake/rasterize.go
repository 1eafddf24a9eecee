package bake

import (
	"github.com/chewxy/math32"

	"github.com/Faultbox/splatforge/internal/camera"
	"github.com/Faultbox/splatforge/internal/mesh"
	"github.com/Faultbox/splatforge/pkg/math"
)

// Fragments are the per-pixel results of rasterizing a mesh.
type Fragments struct {
	W, H   int
	Face   []int32      // -1 where nothing was drawn
	Bary   [][3]float32 // perspective-correct barycentrics
	Depth  []float32
	UV     []math.Vec2
	Normal []math.Vec3 // unit world-space normal
}

// Covered reports whether pixel i shows the mesh.
func (fr *Fragments) Covered(i int) bool { return fr.Face[i] >= 0 }

// Rasterize draws m from cam with a depth buffer. Triangles of both
// windings are drawn; triangles crossing the near plane are dropped.
func Rasterize(m *mesh.Mesh, cam camera.Camera) *Fragments {
	w, h := cam.Width(), cam.Height()
	fr := &Fragments{
		W:     w,
		H:     h,
		Face:  make([]int32, w*h),
		Bary:  make([][3]float32, w*h),
		Depth: make([]float32, w*h),
	}
	for i := range fr.Face {
		fr.Face[i] = -1
		fr.Depth[i] = math32.Inf(1)
	}

	rot, trans := cam.WorldToImageFrame()
	fx, fy := cam.Focal()
	proj := make([]math.Vec3, len(m.V)) // pixel x, pixel y, depth
	for i, v := range m.V {
		q := rot.MulVec(v).Add(trans)
		proj[i] = math.Vec3{X: fx*q.X/q.Z + float32(w)/2, Y: fy*q.Y/q.Z + float32(h)/2, Z: q.Z}
	}

	for fi, f := range m.F {
		p0, p1, p2 := proj[f[0]], proj[f[1]], proj[f[2]]
		if p0.Z <= cam.Near() || p1.Z <= cam.Near() || p2.Z <= cam.Near() {
			continue
		}
		area := edge(p0, p1, p2.X, p2.Y)
		if math32.Abs(area) < 1e-12 {
			continue
		}
		x0 := max(0, int(math32.Floor(math32.Min(p0.X, math32.Min(p1.X, p2.X)))))
		x1 := min(w-1, int(math32.Ceil(math32.Max(p0.X, math32.Max(p1.X, p2.X)))))
		y0 := max(0, int(math32.Floor(math32.Min(p0.Y, math32.Min(p1.Y, p2.Y)))))
		y1 := min(h-1, int(math32.Ceil(math32.Max(p0.Y, math32.Max(p1.Y, p2.Y)))))
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				px, py := float32(x)+0.5, float32(y)+0.5
				b0 := edge(p1, p2, px, py) / area
				b1 := edge(p2, p0, px, py) / area
				b2 := 1 - b0 - b1
				if b0 < 0 || b1 < 0 || b2 < 0 {
					continue
				}
				// interpolate 1/z linearly in screen space
				w0, w1, w2 := b0/p0.Z, b1/p1.Z, b2/p2.Z
				depth := 1 / (w0 + w1 + w2)
				i := y*w + x
				if depth >= fr.Depth[i] {
					continue
				}
				fr.Depth[i] = depth
				fr.Face[i] = int32(fi)
				fr.Bary[i] = [3]float32{w0 * depth, w1 * depth, w2 * depth}
			}
		}
	}
	fr.interpolate(m)
	return fr
}

// edge is twice the signed area of (a, b, p).
func edge(a, b math.Vec3, px, py float32) float32 {
	return (b.X-a.X)*(py-a.Y) - (b.Y-a.Y)*(px-a.X)
}

// interpolate fills UV and Normal from the mesh attributes.
func (fr *Fragments) interpolate(m *mesh.Mesh) {
	fr.UV = make([]math.Vec2, len(fr.Face))
	fr.Normal = make([]math.Vec3, len(fr.Face))
	hasUV := len(m.FT) == len(m.F) && len(m.VT) > 0
	hasN := len(m.FN) == len(m.F) && len(m.VN) > 0
	for i, fi := range fr.Face {
		if fi < 0 {
			continue
		}
		b := fr.Bary[i]
		if hasUV {
			ft := m.FT[fi]
			var uv math.Vec2
			for k := 0; k < 3; k++ {
				uv = uv.Add(m.VT[ft[k]].Scale(b[k]))
			}
			fr.UV[i] = uv
		}
		if hasN {
			fn := m.FN[fi]
			var n math.Vec3
			for k := 0; k < 3; k++ {
				n = n.Add(m.VN[fn[k]].Scale(b[k]))
			}
			fr.Normal[i] = n.Normalize()
		}
	}
}
