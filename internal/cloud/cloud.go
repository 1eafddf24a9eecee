// Package cloud stores the primitive cloud: per-primitive attribute columns,
// their gradients and optimizer moments, and the running statistics that
// drive densification. Only Grow and Compact change the primitive count and
// they change every array together.
package cloud

import (
	"fmt"
	"math/rand/v2"

	"github.com/chewxy/math32"

	"github.com/Faultbox/splatforge/pkg/math"
)

// Attr identifies a learnable attribute column.
type Attr int

// Attribute columns in storage order.
const (
	AttrPosition     Attr = iota // world xyz
	AttrFeaturesDC               // SH band 0, rgb
	AttrFeaturesRest             // SH bands 1..d, coefficient-major, rgb innermost
	AttrOpacity                  // logit
	AttrScale                    // log, per axis
	AttrRotation                 // quaternion w, x, y, z
	NumAttrs
)

var attrNames = [NumAttrs]string{"xyz", "f_dc", "f_rest", "opacity", "scaling", "rotation"}

func (a Attr) String() string {
	if a < 0 || a >= NumAttrs {
		return fmt.Sprintf("Attr(%d)", int(a))
	}
	return attrNames[a]
}

// Param is one learnable column with its gradient and Adam moments. All
// slices hold Len()*Width values.
type Param struct {
	Name  string
	Width int
	Data  []float32
	Grad  []float32
	LR    float32

	expAvg   []float32
	expAvgSq []float32
	step     int
}

// Cloud is the structure-of-arrays primitive store.
type Cloud struct {
	shDegree     int
	percentDense float32
	params       [NumAttrs]*Param

	// per-primitive statistics
	maxRadii2D []float32
	gradAccum  []float32
	denom      []float32

	n   int
	rng *rand.Rand
	lr  *positionSchedule
}

// New returns an empty cloud with spherical harmonics up to shDegree.
func New(shDegree int, rng *rand.Rand) *Cloud {
	c := &Cloud{shDegree: shDegree, percentDense: 0.01, rng: rng}
	for a := Attr(0); a < NumAttrs; a++ {
		c.params[a] = &Param{Name: attrNames[a], Width: attrWidth(a, shDegree)}
	}
	return c
}

// SetRand replaces the source split samples are drawn from.
func (c *Cloud) SetRand(rng *rand.Rand) { c.rng = rng }

func attrWidth(a Attr, shDegree int) int {
	switch a {
	case AttrPosition, AttrFeaturesDC, AttrScale:
		return 3
	case AttrFeaturesRest:
		return 3 * (NumSHCoeffs(shDegree) - 1)
	case AttrOpacity:
		return 1
	case AttrRotation:
		return 4
	}
	panic(fmt.Sprintf("cloud: unknown attribute %d", a))
}

// Len returns the number of primitives.
func (c *Cloud) Len() int { return c.n }

// SHDegree returns the spherical harmonics degree.
func (c *Cloud) SHDegree() int { return c.shDegree }

// SetPercentDense sets the fraction of the scene extent that separates
// cloning from splitting.
func (c *Cloud) SetPercentDense(p float32) { c.percentDense = p }

// Param returns one attribute column.
func (c *Cloud) Param(a Attr) *Param { return c.params[a] }

// Params returns all attribute columns in storage order.
func (c *Cloud) Params() []*Param { return c.params[:] }

// MaxRadii2D returns the running maximum screen radius per primitive.
func (c *Cloud) MaxRadii2D() []float32 { return c.maxRadii2D }

// Denom returns the visible-frame counter per primitive.
func (c *Cloud) Denom() []float32 { return c.denom }

// GradAccum returns the accumulated screen-space gradient norm per primitive.
func (c *Cloud) GradAccum() []float32 { return c.gradAccum }

// Position returns the world position of primitive i.
func (c *Cloud) Position(i int) math.Vec3 {
	d := c.params[AttrPosition].Data
	return math.Vec3{X: d[3*i], Y: d[3*i+1], Z: d[3*i+2]}
}

// Scale returns the activated (exponentiated) scale of primitive i.
func (c *Cloud) Scale(i int) math.Vec3 {
	d := c.params[AttrScale].Data
	return math.Vec3{X: math32.Exp(d[3*i]), Y: math32.Exp(d[3*i+1]), Z: math32.Exp(d[3*i+2])}
}

// Rotation returns the normalized orientation of primitive i.
func (c *Cloud) Rotation(i int) math.Quat {
	d := c.params[AttrRotation].Data
	return math.Quat{W: d[4*i], X: d[4*i+1], Y: d[4*i+2], Z: d[4*i+3]}.Normalize()
}

// Opacity returns the activated opacity of primitive i.
func (c *Cloud) Opacity(i int) float32 {
	return Sigmoid(c.params[AttrOpacity].Data[i])
}

// Rows is a batch of primitives laid out like the cloud's columns.
type Rows struct {
	N    int
	Cols [NumAttrs][]float32
}

// NewRows allocates n zeroed rows shaped for c.
func (c *Cloud) NewRows(n int) Rows {
	r := Rows{N: n}
	for a, p := range c.params {
		r.Cols[a] = make([]float32, n*p.Width)
	}
	return r
}

// Gather copies the attribute rows at the given indices.
func (c *Cloud) Gather(idx []int) Rows {
	r := c.NewRows(len(idx))
	for a, p := range c.params {
		w := p.Width
		for k, i := range idx {
			copy(r.Cols[a][k*w:(k+1)*w], p.Data[i*w:(i+1)*w])
		}
	}
	return r
}

// Grow appends rows. Gradients, optimizer moments and statistics of the new
// rows start at zero.
func (c *Cloud) Grow(rows Rows) {
	if rows.N == 0 {
		return
	}
	for a, p := range c.params {
		if len(rows.Cols[a]) != rows.N*p.Width {
			panic(fmt.Sprintf("cloud: grow %s with %d values, want %d", p.Name, len(rows.Cols[a]), rows.N*p.Width))
		}
	}
	for a, p := range c.params {
		extra := rows.N * p.Width
		p.Data = append(p.Data, rows.Cols[a]...)
		p.Grad = append(p.Grad, make([]float32, extra)...)
		p.expAvg = append(p.expAvg, make([]float32, extra)...)
		p.expAvgSq = append(p.expAvgSq, make([]float32, extra)...)
	}
	c.maxRadii2D = append(c.maxRadii2D, make([]float32, rows.N)...)
	c.gradAccum = append(c.gradAccum, make([]float32, rows.N)...)
	c.denom = append(c.denom, make([]float32, rows.N)...)
	c.n += rows.N
	c.checkConsistency()
}

// Compact keeps the rows whose keep flag is set, preserving order, and
// returns how many rows were removed.
func (c *Cloud) Compact(keep []bool) int {
	if len(keep) != c.n {
		panic(fmt.Sprintf("cloud: compact mask has %d entries, want %d", len(keep), c.n))
	}
	kept := 0
	for _, k := range keep {
		if k {
			kept++
		}
	}
	if kept == c.n {
		return 0
	}
	for _, p := range c.params {
		p.Data = compactColumn(p.Data, keep, p.Width)
		p.Grad = compactColumn(p.Grad, keep, p.Width)
		p.expAvg = compactColumn(p.expAvg, keep, p.Width)
		p.expAvgSq = compactColumn(p.expAvgSq, keep, p.Width)
	}
	c.maxRadii2D = compactColumn(c.maxRadii2D, keep, 1)
	c.gradAccum = compactColumn(c.gradAccum, keep, 1)
	c.denom = compactColumn(c.denom, keep, 1)
	removed := c.n - kept
	c.n = kept
	c.checkConsistency()
	return removed
}

func compactColumn(col []float32, keep []bool, width int) []float32 {
	out := col[:0]
	for i, k := range keep {
		if k {
			out = append(out, col[i*width:(i+1)*width]...)
		}
	}
	return out
}

// checkConsistency panics when any array disagrees with the row count.
// Such a cloud is corrupt and cannot be recovered.
func (c *Cloud) checkConsistency() {
	for _, p := range c.params {
		want := c.n * p.Width
		for _, col := range [][]float32{p.Data, p.Grad, p.expAvg, p.expAvgSq} {
			if len(col) != want {
				panic(fmt.Sprintf("cloud: column %q has %d values, want %d", p.Name, len(col), want))
			}
		}
	}
	for _, col := range [][]float32{c.maxRadii2D, c.gradAccum, c.denom} {
		if len(col) != c.n {
			panic(fmt.Sprintf("cloud: statistic has %d rows, want %d", len(col), c.n))
		}
	}
}

// ZeroGrad clears all gradients.
func (c *Cloud) ZeroGrad() {
	for _, p := range c.params {
		clear(p.Grad)
	}
}

// Sigmoid is the opacity activation.
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// Logit is the inverse of Sigmoid.
func Logit(p float32) float32 {
	return math32.Log(p / (1 - p))
}
