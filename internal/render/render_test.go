package render

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/splatforge/internal/camera"
	"github.com/Faultbox/splatforge/internal/cloud"
	"github.com/Faultbox/splatforge/pkg/math"
	"github.com/Faultbox/splatforge/pkg/raster"
)

type blob struct {
	pos     math.Vec3
	scale   float32
	opacity float32
	rgb     [3]float32
}

func testCloud(t *testing.T, blobs ...blob) *cloud.Cloud {
	t.Helper()
	c := cloud.New(0, rand.New(rand.NewPCG(3, 4)))
	rows := c.NewRows(len(blobs))
	for i, b := range blobs {
		p := b.pos.Array()
		copy(rows.Cols[cloud.AttrPosition][3*i:], p[:])
		for k := 0; k < 3; k++ {
			rows.Cols[cloud.AttrScale][3*i+k] = math32.Log(b.scale)
			rows.Cols[cloud.AttrFeaturesDC][3*i+k] = cloud.RGBToSH(b.rgb[k])
		}
		rows.Cols[cloud.AttrRotation][4*i] = 1
		rows.Cols[cloud.AttrOpacity][i] = cloud.Logit(b.opacity)
	}
	c.Grow(rows)
	return c
}

func frontCamera(size int) camera.Camera {
	pose := math.OrbitPose(0, 0, 2.5, math.Vec3{})
	return camera.New(pose, size, size, math.Radians(49.1), 0.01, 100)
}

func renderOnce(t *testing.T, c *cloud.Cloud, cam camera.Camera) *Output {
	t.Helper()
	out, err := NewSplatter().Render(context.Background(), c, cam, Options{})
	require.NoError(t, err)
	return out
}

func TestRenderSingleBlob(t *testing.T) {
	c := testCloud(t, blob{scale: 0.3, opacity: 0.9, rgb: [3]float32{1, 0, 0}})
	out := renderOnce(t, c, frontCamera(32))

	require.True(t, out.Visible[0])
	assert.Greater(t, out.Radii[0], float32(0))
	assert.InDelta(t, 0.9, out.Alpha.At(16, 16, 0), 0.05)
	assert.Greater(t, out.Image.At(16, 16, 0), float32(0.8))
	assert.Less(t, out.Image.At(16, 16, 1), float32(0.05))
	assert.InDelta(t, 0.9*2.5, out.Depth.At(16, 16, 0), 0.15)
	assert.Less(t, out.Alpha.At(0, 0, 0), float32(0.01))
}

func TestRenderBackground(t *testing.T) {
	c := testCloud(t, blob{pos: math.Vec3{Z: 5}, scale: 0.1, opacity: 0.9})
	out, err := NewSplatter().Render(context.Background(), c, frontCamera(16),
		Options{Background: [3]float32{1, 1, 1}})
	require.NoError(t, err)

	// the blob sits behind the camera
	assert.False(t, out.Visible[0])
	assert.Equal(t, float32(0), out.Radii[0])
	for _, v := range out.Image.Pix {
		assert.Equal(t, float32(1), v)
	}
	for _, v := range out.Alpha.Pix {
		assert.Equal(t, float32(0), v)
	}
}

func TestRenderDepthOrder(t *testing.T) {
	red := blob{pos: math.Vec3{Z: 0.5}, scale: 0.2, opacity: 0.99, rgb: [3]float32{1, 0, 0}}
	green := blob{pos: math.Vec3{Z: -0.5}, scale: 0.2, opacity: 0.99, rgb: [3]float32{0, 1, 0}}

	for _, c := range []*cloud.Cloud{testCloud(t, red, green), testCloud(t, green, red)} {
		out := renderOnce(t, c, frontCamera(32))
		assert.Greater(t, out.Image.At(16, 16, 0), float32(0.9))
		assert.Less(t, out.Image.At(16, 16, 1), float32(0.1))
	}
}

func TestRenderCancelled(t *testing.T) {
	c := testCloud(t, blob{scale: 0.1, opacity: 0.5})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSplatter().Render(ctx, c, frontCamera(32), Options{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackwardRejectsResizedCloud(t *testing.T) {
	c := testCloud(t, blob{scale: 0.1, opacity: 0.5})
	s := NewSplatter()
	out, err := s.Render(context.Background(), c, frontCamera(16), Options{})
	require.NoError(t, err)

	c.Grow(c.Gather([]int{0}))
	err = s.Backward(c, out, OutputGrad{Alpha: raster.Filled(16, 16, 1)})
	require.ErrorIs(t, err, ErrStaleOutput)
}

// weightedLoss is sum(w * image[ch]) + sum(alpha) with w growing along x.
func weightedLoss(out *Output, ch int) (float64, OutputGrad) {
	w, h := out.Image.W, out.Image.H
	grad := OutputGrad{Image: raster.New(w, h, 3), Alpha: raster.Filled(w, h, 1)}
	var loss float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			wt := float32(x+1) / float32(w)
			grad.Image.Set(x, y, ch, wt)
			loss += float64(wt*out.Image.At(x, y, ch)) + float64(out.Alpha.At(x, y, 0))
		}
	}
	return loss, grad
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	base := blob{pos: math.Vec3{X: 0.05, Y: -0.03}, scale: 0.2, opacity: 0.6, rgb: [3]float32{0.7, 0.4, 0.2}}
	cam := frontCamera(32)

	c := testCloud(t, base)
	s := NewSplatter()
	out, err := s.Render(context.Background(), c, cam, Options{})
	require.NoError(t, err)
	_, grad := weightedLoss(out, 0)
	require.NoError(t, s.Backward(c, out, grad))
	require.Len(t, out.ScreenGrad, 2)

	cases := []struct {
		name  string
		attr  cloud.Attr
		index int
		eps   float32
	}{
		{"opacity", cloud.AttrOpacity, 0, 5e-2},
		{"color", cloud.AttrFeaturesDC, 0, 1e-2},
		{"scale", cloud.AttrScale, 0, 5e-2},
		{"position x", cloud.AttrPosition, 0, 2e-2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			analytic := float64(c.Param(tc.attr).Grad[tc.index])
			eval := func(delta float32) float64 {
				probe := testCloud(t, base)
				probe.Param(tc.attr).Data[tc.index] += delta
				o, err := s.Render(context.Background(), probe, cam, Options{})
				require.NoError(t, err)
				l, _ := weightedLoss(o, 0)
				return l
			}
			numeric := (eval(tc.eps) - eval(-tc.eps)) / float64(2*tc.eps)
			require.NotZero(t, numeric)
			assert.InEpsilon(t, numeric, analytic, 0.15, "numeric %v analytic %v", numeric, analytic)
		})
	}
}

func TestScreenGradPointsTowardsBrighterWeights(t *testing.T) {
	c := testCloud(t, blob{scale: 0.1, opacity: 0.8, rgb: [3]float32{1, 1, 1}})
	s := NewSplatter()
	out, err := s.Render(context.Background(), c, frontCamera(32), Options{})
	require.NoError(t, err)

	_, grad := weightedLoss(out, 0)
	grad.Alpha = nil
	require.NoError(t, s.Backward(c, out, grad))
	// the loss grows when the blob moves right on screen
	assert.Greater(t, out.ScreenGrad[0], float32(0))
}
