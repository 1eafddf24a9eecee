package raster

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaneLayout(t *testing.T) {
	img := New(4, 3, 3)
	img.Set(1, 2, 2, 0.5)
	assert.Equal(t, float32(0.5), img.Plane(2)[2*4+1])
	assert.Equal(t, float32(0.5), img.At(1, 2, 2))
}

func TestFilled(t *testing.T) {
	img := Filled(2, 2, 1, 0.25)
	require.Equal(t, 2, img.C)
	for _, v := range img.Plane(1) {
		assert.Equal(t, float32(0.25), v)
	}
}

func TestFromImageRoundTrip(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{255, 0, 0, 255})
	src.SetNRGBA(1, 0, color.NRGBA{0, 128, 255, 0})

	img := FromImage(src)
	require.Equal(t, 4, img.C)
	assert.Equal(t, float32(1), img.At(0, 0, 0))
	assert.Equal(t, float32(0), img.At(1, 0, 3))

	back := img.ToNRGBA()
	assert.Equal(t, src.Pix, back.Pix)
}

func TestResizeConstant(t *testing.T) {
	img := Filled(8, 8, 1, 0.5, 0)
	out := img.Resize(4, 2)
	require.Equal(t, 4, out.W)
	require.Equal(t, 2, out.H)
	for _, v := range out.Plane(0) {
		assert.InDelta(t, 1, v, 0.01)
	}
	for _, v := range out.Plane(1) {
		assert.InDelta(t, 0.5, v, 0.01)
	}
	for _, v := range out.Plane(2) {
		assert.Equal(t, float32(0), v)
	}
}

func TestCheckShape(t *testing.T) {
	assert.NoError(t, New(2, 2, 3).CheckShape(New(2, 2, 3)))
	assert.Error(t, New(2, 2, 3).CheckShape(New(2, 2, 1)))
}

func TestCrop(t *testing.T) {
	m := New(4, 2, 2)
	for i := range m.Pix {
		m.Pix[i] = float32(i)
	}
	out := m.Crop(1, 1, 2, 1)
	require.Equal(t, 2, out.C)
	assert.Equal(t, []float32{5, 6, 13, 14}, out.Pix)
}
