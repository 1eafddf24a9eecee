package render

import (
	"errors"
	"fmt"

	"github.com/Faultbox/splatforge/internal/cloud"
	"github.com/Faultbox/splatforge/pkg/math"
)

// ErrStaleOutput is returned when Backward gets an output that does not
// belong to the cloud it is asked to update.
var ErrStaleOutput = errors.New("render: output does not match cloud")

// splatGrad accumulates screen-space gradients of one primitive.
type splatGrad struct {
	mean    [2]float32
	conic   [3]float32 // A, B (off-diagonal), C
	opacity float32
	color   [3]float32
}

// Backward propagates grad through the compositing of out into c's
// attribute gradients. Gradients are added, not assigned.
func (s *Splatter) Backward(c *cloud.Cloud, out *Output, grad OutputGrad) error {
	f := out.frame
	if f == nil || f.n != c.Len() {
		return ErrStaleOutput
	}
	if grad.Image != nil {
		if err := out.Image.CheckShape(grad.Image); err != nil {
			return fmt.Errorf("render: image gradient: %w", err)
		}
	}
	if grad.Alpha != nil {
		if err := out.Alpha.CheckShape(grad.Alpha); err != nil {
			return fmt.Errorf("render: alpha gradient: %w", err)
		}
	}

	grads := make([]splatGrad, f.n)
	for t := range f.tiles {
		f.backwardTile(t, grad, grads)
	}

	out.ScreenGrad = make([]float32, 2*f.n)
	halfW, halfH := float32(f.width)/2, float32(f.height)/2
	for i := range grads {
		if !out.Visible[i] {
			continue
		}
		g := &grads[i]
		out.ScreenGrad[2*i] = g.mean[0] * halfW
		out.ScreenGrad[2*i+1] = g.mean[1] * halfH
		f.backwardSplat(c, i, g)
	}
	return nil
}

// backwardTile walks every pixel of tile t back to front, accumulating
// per-primitive screen-space gradients.
func (f *frame) backwardTile(t int, grad OutputGrad, grads []splatGrad) {
	list := f.tiles[t]
	px0, py0, px1, py1 := f.tileBounds(t)
	plane := f.width * f.height
	for py := py0; py < py1; py++ {
		for px := px0; px < px1; px++ {
			pix := py*f.width + px
			used := int(f.contributors[pix])
			if used == 0 {
				continue
			}
			var dpix [3]float32
			if grad.Image != nil {
				for ch := 0; ch < 3; ch++ {
					dpix[ch] = grad.Image.Pix[ch*plane+pix]
				}
			}
			var dA float32
			if grad.Alpha != nil {
				dA = grad.Alpha.Pix[pix]
			}
			finalT := f.finalT[pix]
			bgDot := f.background[0]*dpix[0] + f.background[1]*dpix[1] + f.background[2]*dpix[2]

			cx, cy := float32(px)+0.5, float32(py)+0.5
			transmit := finalT
			var accum, lastColor [3]float32
			var lastAlpha float32
			for k := used - 1; k >= 0; k-- {
				idx := list[k]
				sp := &f.splats[idx]
				g, alpha, dx, dy, ok := sp.gaussianAt(cx, cy)
				if !ok {
					continue
				}
				transmit /= 1 - alpha
				gr := &grads[idx]

				weight := alpha * transmit
				var dAlpha float32
				for ch := 0; ch < 3; ch++ {
					gr.color[ch] += weight * dpix[ch]
					accum[ch] = lastAlpha*lastColor[ch] + (1-lastAlpha)*accum[ch]
					lastColor[ch] = sp.color[ch]
					dAlpha += (sp.color[ch] - accum[ch]) * dpix[ch]
				}
				dAlpha *= transmit
				lastAlpha = alpha

				dAlpha += -finalT / (1 - alpha) * bgDot
				dAlpha += finalT / (1 - alpha) * dA

				if sp.opacity*g > maxAlpha {
					continue
				}
				gr.opacity += g * dAlpha
				dG := sp.opacity * dAlpha
				gdx, gdy := g*dx, g*dy
				// d = mean - pixel, so d(d)/d(mean) is the identity
				gr.mean[0] += dG * (-gdx*sp.conic[0] - gdy*sp.conic[1])
				gr.mean[1] += dG * (-gdy*sp.conic[2] - gdx*sp.conic[1])
				gr.conic[0] += -0.5 * gdx * dx * dG
				gr.conic[1] += -gdx * dy * dG
				gr.conic[2] += -0.5 * gdy * dy * dG
			}
		}
	}
}

// backwardSplat maps primitive i's screen-space gradients onto its
// attribute gradients.
func (f *frame) backwardSplat(c *cloud.Cloud, i int, g *splatGrad) {
	sp := &f.splats[i]

	// opacity through the sigmoid
	c.Param(cloud.AttrOpacity).Grad[i] += g.opacity * sp.opacity * (1 - sp.opacity)

	// color through the SH basis
	var basis [maxSHCoeffs]float32
	nb := shBasis(c.SHDegree(), sp.dir, &basis)
	dcGrad := c.Param(cloud.AttrFeaturesDC).Grad
	restGrad := c.Param(cloud.AttrFeaturesRest).Grad
	nr := nb - 1
	for ch := 0; ch < 3; ch++ {
		if sp.clamped[ch] {
			continue
		}
		dcGrad[3*i+ch] += basis[0] * g.color[ch]
		for k := 1; k < nb; k++ {
			restGrad[(i*nr+k-1)*3+ch] += basis[k] * g.color[ch]
		}
	}

	// conic to 2D covariance
	a, b, cc := sp.cov[0], sp.cov[1], sp.cov[2]
	det := a*cc - b*b
	inv2 := 1 / (det * det)
	gA, gB, gC := g.conic[0], g.conic[1], g.conic[2]
	da := (-cc*cc*gA + b*cc*gB - b*b*gC) * inv2
	db := (2*b*cc*gA - (a*cc+b*b)*gB + 2*a*b*gC) * inv2
	dc := (-b*b*gA + a*b*gB - a*a*gC) * inv2

	// 2D covariance to 3D covariance: dSigma_ij = da t0i t0j + db t0i t1j + dc t1i t1j
	t0, t1 := sp.jw[0], sp.jw[1]
	var dSigma [3][3]float32
	for r := 0; r < 3; r++ {
		for k := 0; k < 3; k++ {
			dSigma[r][k] = da*t0[r]*t0[k] + db*t0[r]*t1[k] + dc*t1[r]*t1[k]
		}
	}

	// Sigma = M M^T with M = R diag(s)
	s := sp.scale.Array()
	var m, dM [3][3]float32
	for r := 0; r < 3; r++ {
		for k := 0; k < 3; k++ {
			m[r][k] = sp.rot[r][k] * s[k]
		}
	}
	for r := 0; r < 3; r++ {
		for k := 0; k < 3; k++ {
			var v float32
			for j := 0; j < 3; j++ {
				v += (dSigma[r][j] + dSigma[j][r]) * m[j][k]
			}
			dM[r][k] = v
		}
	}
	scaleGrad := c.Param(cloud.AttrScale).Grad
	var dR math.Mat3
	for k := 0; k < 3; k++ {
		var ds float32
		for r := 0; r < 3; r++ {
			ds += dM[r][k] * sp.rot[r][k]
			dR[r][k] = dM[r][k] * s[k]
		}
		// log-scale parameterisation
		scaleGrad[3*i+k] += ds * s[k]
	}
	addRotationGrad(c, i, dR)

	// mean through the pinhole projection
	q := sp.camPos
	dq := math.Vec3{
		X: g.mean[0] * f.fx / q.Z,
		Y: g.mean[1] * f.fy / q.Z,
		Z: -(g.mean[0]*f.fx*q.X + g.mean[1]*f.fy*q.Y) / (q.Z * q.Z),
	}
	dp := f.imageRot.Transpose().MulVec(dq)
	posGrad := c.Param(cloud.AttrPosition).Grad
	posGrad[3*i] += dp.X
	posGrad[3*i+1] += dp.Y
	posGrad[3*i+2] += dp.Z
}

// addRotationGrad maps a rotation-matrix gradient onto the raw quaternion
// (w, x, y, z) of primitive i, including its normalization.
func addRotationGrad(c *cloud.Cloud, i int, g math.Mat3) {
	raw := c.Param(cloud.AttrRotation).Data[4*i : 4*i+4]
	q := math.Quat{W: raw[0], X: raw[1], Y: raw[2], Z: raw[3]}
	n := q.Length()
	if n < 1e-8 {
		return
	}
	u := q.Normalize()
	x, y, z, w := u.X, u.Y, u.Z, u.W

	gx := 2*y*(g[0][1]+g[1][0]) + 2*z*(g[0][2]+g[2][0]) + 2*w*(g[2][1]-g[1][2]) - 4*x*(g[1][1]+g[2][2])
	gy := 2*x*(g[0][1]+g[1][0]) + 2*z*(g[1][2]+g[2][1]) + 2*w*(g[0][2]-g[2][0]) - 4*y*(g[0][0]+g[2][2])
	gz := 2*x*(g[0][2]+g[2][0]) + 2*y*(g[1][2]+g[2][1]) + 2*w*(g[1][0]-g[0][1]) - 4*z*(g[0][0]+g[1][1])
	gw := 2*z*(g[1][0]-g[0][1]) + 2*y*(g[0][2]-g[2][0]) + 2*x*(g[2][1]-g[1][2])

	dot := gx*x + gy*y + gz*z + gw*w
	grad := c.Param(cloud.AttrRotation).Grad
	grad[4*i] += (gw - w*dot) / n
	grad[4*i+1] += (gx - x*dot) / n
	grad[4*i+2] += (gy - y*dot) / n
	grad[4*i+3] += (gz - z*dot) / n
}
