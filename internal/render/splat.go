package render

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"github.com/chewxy/math32"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/splatforge/internal/camera"
	"github.com/Faultbox/splatforge/internal/cloud"
	"github.com/Faultbox/splatforge/pkg/math"
	"github.com/Faultbox/splatforge/pkg/raster"
)

const (
	minAlpha       = 1.0 / 255
	maxAlpha       = 0.99
	minTransmit    = 1e-4
	lowPassFilter  = 0.3
	frustumMargin  = 1.3
	defaultTile    = 16
	maxSHCoeffs    = 16
	radiusInSigmas = 3
)

// Splatter is the CPU reference renderer.
type Splatter struct {
	TileSize int
	Workers  int
}

// NewSplatter returns a renderer using every CPU for tile rasterization.
func NewSplatter() *Splatter {
	return &Splatter{TileSize: defaultTile, Workers: runtime.NumCPU()}
}

// splat is one primitive after projection.
type splat struct {
	mean    [2]float32 // pixel coordinates
	conic   [3]float32 // inverse 2D covariance a, b, c
	cov     [3]float32 // 2D covariance with low-pass, a, b, c
	depth   float32
	opacity float32
	color   [3]float32
	clamped [3]bool
	camPos  math.Vec3    // centre in the image frame
	jw      [2][3]float32 // projection Jacobian times view rotation
	scale   math.Vec3    // activated, modified
	rot     math.Mat3
	dir     math.Vec3 // unit view direction used for SH
}

// frame keeps what Backward needs from the forward pass.
type frame struct {
	n            int
	splats       []splat
	tiles        [][]int32 // primitive indices per tile, front to back
	tilesX       int
	tileSize     int
	finalT       []float32
	contributors []int32 // per pixel: list positions consumed
	background   [3]float32
	scaleMod     float32
	width        int
	height       int
	imageRot     math.Mat3
	fx, fy       float32
}

// Render rasterizes the cloud from cam.
func (s *Splatter) Render(ctx context.Context, c *cloud.Cloud, cam camera.Camera, opts Options) (*Output, error) {
	w, h := cam.Width(), cam.Height()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("render: invalid image size %dx%d", w, h)
	}
	tile := s.TileSize
	if tile <= 0 {
		tile = defaultTile
	}
	scaleMod := opts.ScaleModifier
	if scaleMod == 0 {
		scaleMod = 1
	}

	n := c.Len()
	out := &Output{
		Image:   raster.New(w, h, 3),
		Alpha:   raster.New(w, h, 1),
		Depth:   raster.New(w, h, 1),
		Visible: make([]bool, n),
		Radii:   make([]float32, n),
		Camera:  cam,
	}
	rot, trans := cam.WorldToImageFrame()
	fx, fy := cam.Focal()
	f := &frame{
		n:            n,
		splats:       make([]splat, n),
		tileSize:     tile,
		tilesX:       (w + tile - 1) / tile,
		finalT:       make([]float32, w*h),
		contributors: make([]int32, w*h),
		background:   opts.Background,
		scaleMod:     scaleMod,
		width:        w,
		height:       h,
		imageRot:     rot,
		fx:           fx,
		fy:           fy,
	}
	tilesY := (h + tile - 1) / tile
	f.tiles = make([][]int32, f.tilesX*tilesY)

	limX := frustumMargin * math32.Tan(cam.FovX()/2)
	limY := frustumMargin * math32.Tan(cam.FovY()/2)
	campos := cam.Position()
	for i := 0; i < n; i++ {
		sp := &f.splats[i]
		p := c.Position(i)
		q := rot.MulVec(p).Add(trans)
		if q.Z <= cam.Near() {
			continue
		}
		sp.camPos = q
		sp.depth = q.Z
		sp.scale = c.Scale(i).Scale(scaleMod)
		sp.rot = c.Rotation(i).Mat3()

		cx := math32.Min(limX, math32.Max(-limX, q.X/q.Z)) * q.Z
		cy := math32.Min(limY, math32.Max(-limY, q.Y/q.Z)) * q.Z
		j := [2][3]float32{
			{fx / q.Z, 0, -fx * cx / (q.Z * q.Z)},
			{0, fy / q.Z, -fy * cy / (q.Z * q.Z)},
		}
		for r := 0; r < 2; r++ {
			for k := 0; k < 3; k++ {
				sp.jw[r][k] = j[r][0]*rot[0][k] + j[r][1]*rot[1][k] + j[r][2]*rot[2][k]
			}
		}
		sigma := covariance3D(sp.scale, sp.rot)
		a, b, cc := projectCovariance(sp.jw, sigma)
		a += lowPassFilter
		cc += lowPassFilter
		det := a*cc - b*b
		if det <= 0 {
			continue
		}
		sp.cov = [3]float32{a, b, cc}
		sp.conic = [3]float32{cc / det, -b / det, a / det}
		mid := 0.5 * (a + cc)
		lambda := mid + math32.Sqrt(math32.Max(0.1, mid*mid-det))
		radius := math32.Ceil(radiusInSigmas * math32.Sqrt(lambda))
		sp.mean = [2]float32{fx*q.X/q.Z + float32(w)/2, fy*q.Y/q.Z + float32(h)/2}

		x0, y0, x1, y1, ok := f.tileRect(sp.mean, radius)
		if !ok {
			continue
		}
		sp.opacity = c.Opacity(i)
		sp.dir = p.Sub(campos).Normalize()
		sp.color, sp.clamped = evalColor(c, i, sp.dir)
		out.Visible[i] = true
		out.Radii[i] = radius
		for ty := y0; ty < y1; ty++ {
			for tx := x0; tx < x1; tx++ {
				t := ty*f.tilesX + tx
				f.tiles[t] = append(f.tiles[t], int32(i))
			}
		}
	}
	for _, list := range f.tiles {
		sort.SliceStable(list, func(a, b int) bool {
			return f.splats[list[a]].depth < f.splats[list[b]].depth
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	workers := s.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)
	for t := range f.tiles {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f.rasterizeTile(t, out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	out.frame = f
	return out, nil
}

// tileRect returns the tile range [x0, x1) x [y0, y1) touched by a circle.
func (f *frame) tileRect(mean [2]float32, radius float32) (x0, y0, x1, y1 int, ok bool) {
	tilesY := len(f.tiles) / f.tilesX
	ts := float32(f.tileSize)
	x0 = clampInt(int(math32.Floor((mean[0]-radius)/ts)), 0, f.tilesX)
	x1 = clampInt(int(math32.Floor((mean[0]+radius)/ts))+1, 0, f.tilesX)
	y0 = clampInt(int(math32.Floor((mean[1]-radius)/ts)), 0, tilesY)
	y1 = clampInt(int(math32.Floor((mean[1]+radius)/ts))+1, 0, tilesY)
	return x0, y0, x1, y1, x1 > x0 && y1 > y0
}

func (f *frame) tileBounds(t int) (px0, py0, px1, py1 int) {
	tx, ty := t%f.tilesX, t/f.tilesX
	px0, py0 = tx*f.tileSize, ty*f.tileSize
	px1 = min(px0+f.tileSize, f.width)
	py1 = min(py0+f.tileSize, f.height)
	return
}

// gaussianAt evaluates splat sp at a pixel centre. ok is false when the
// splat does not contribute there.
func (sp *splat) gaussianAt(px, py float32) (g, alpha, dx, dy float32, ok bool) {
	dx = sp.mean[0] - px
	dy = sp.mean[1] - py
	power := -0.5*(sp.conic[0]*dx*dx+sp.conic[2]*dy*dy) - sp.conic[1]*dx*dy
	if power > 0 {
		return 0, 0, dx, dy, false
	}
	g = math32.Exp(power)
	alpha = math32.Min(maxAlpha, sp.opacity*g)
	if alpha < minAlpha {
		return g, alpha, dx, dy, false
	}
	return g, alpha, dx, dy, true
}

func (f *frame) rasterizeTile(t int, out *Output) {
	list := f.tiles[t]
	px0, py0, px1, py1 := f.tileBounds(t)
	img, alphaImg, depthImg := out.Image, out.Alpha, out.Depth
	for py := py0; py < py1; py++ {
		for px := px0; px < px1; px++ {
			pix := py*f.width + px
			cx, cy := float32(px)+0.5, float32(py)+0.5
			transmit := float32(1)
			var rgb [3]float32
			var depth float32
			var used int32
			for k, idx := range list {
				sp := &f.splats[idx]
				_, alpha, _, _, ok := sp.gaussianAt(cx, cy)
				if !ok {
					continue
				}
				next := transmit * (1 - alpha)
				if next < minTransmit {
					break
				}
				w := alpha * transmit
				rgb[0] += sp.color[0] * w
				rgb[1] += sp.color[1] * w
				rgb[2] += sp.color[2] * w
				depth += sp.depth * w
				transmit = next
				used = int32(k + 1)
			}
			f.finalT[pix] = transmit
			f.contributors[pix] = used
			for ch := 0; ch < 3; ch++ {
				img.Pix[ch*f.width*f.height+pix] = rgb[ch] + transmit*f.background[ch]
			}
			alphaImg.Pix[pix] = 1 - transmit
			depthImg.Pix[pix] = depth
		}
	}
}

// covariance3D returns R S S R^T as (xx, xy, xz, yy, yz, zz).
func covariance3D(s math.Vec3, r math.Mat3) [6]float32 {
	s2 := [3]float32{s.X * s.X, s.Y * s.Y, s.Z * s.Z}
	var sigma [3][3]float32
	for a := 0; a < 3; a++ {
		for b := a; b < 3; b++ {
			var v float32
			for k := 0; k < 3; k++ {
				v += r[a][k] * r[b][k] * s2[k]
			}
			sigma[a][b] = v
		}
	}
	return [6]float32{sigma[0][0], sigma[0][1], sigma[0][2], sigma[1][1], sigma[1][2], sigma[2][2]}
}

// projectCovariance returns T Sigma T^T for a 2x3 T.
func projectCovariance(t [2][3]float32, s [6]float32) (a, b, c float32) {
	sigma := [3][3]float32{
		{s[0], s[1], s[2]},
		{s[1], s[3], s[4]},
		{s[2], s[4], s[5]},
	}
	var ts [2][3]float32
	for r := 0; r < 2; r++ {
		for k := 0; k < 3; k++ {
			ts[r][k] = t[r][0]*sigma[0][k] + t[r][1]*sigma[1][k] + t[r][2]*sigma[2][k]
		}
	}
	dot := func(u, v [3]float32) float32 { return u[0]*v[0] + u[1]*v[1] + u[2]*v[2] }
	return dot(ts[0], t[0]), dot(ts[0], t[1]), dot(ts[1], t[1])
}

// evalColor evaluates primitive i's SH color towards dir, clamping at zero.
func evalColor(c *cloud.Cloud, i int, dir math.Vec3) (rgb [3]float32, clamped [3]bool) {
	var basis [maxSHCoeffs]float32
	nb := shBasis(c.SHDegree(), dir, &basis)
	dc := c.Param(cloud.AttrFeaturesDC).Data[3*i : 3*i+3]
	rest := c.Param(cloud.AttrFeaturesRest).Data
	nr := nb - 1
	for ch := 0; ch < 3; ch++ {
		v := basis[0] * dc[ch]
		for k := 1; k < nb; k++ {
			v += basis[k] * rest[(i*nr+k-1)*3+ch]
		}
		v += 0.5
		if v < 0 {
			v = 0
			clamped[ch] = true
		}
		rgb[ch] = v
	}
	return rgb, clamped
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
