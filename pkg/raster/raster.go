// Package raster holds planar float32 image buffers shared by the renderer,
// the loss terms, the texture baker and image I/O.
package raster

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/anthonynsimon/bild/transform"
	"github.com/chewxy/math32"
)

// ErrShape is returned when two images that must match do not.
var ErrShape = errors.New("raster: shape mismatch")

// Image is a planar (channel-major) float32 image: Pix[c*W*H + y*W + x].
type Image struct {
	W, H, C int
	Pix     []float32
}

// New allocates a zeroed image.
func New(w, h, c int) *Image {
	return &Image{W: w, H: h, C: c, Pix: make([]float32, w*h*c)}
}

// Filled allocates an image with every channel c set to values[c].
func Filled(w, h int, values ...float32) *Image {
	img := New(w, h, len(values))
	for c, v := range values {
		plane := img.Plane(c)
		for i := range plane {
			plane[i] = v
		}
	}
	return img
}

// Plane returns the backing slice of channel c.
func (m *Image) Plane(c int) []float32 {
	n := m.W * m.H
	return m.Pix[c*n : (c+1)*n]
}

// At returns channel c of pixel (x, y).
func (m *Image) At(x, y, c int) float32 {
	return m.Pix[c*m.W*m.H+y*m.W+x]
}

// Set writes channel c of pixel (x, y).
func (m *Image) Set(x, y, c int, v float32) {
	m.Pix[c*m.W*m.H+y*m.W+x] = v
}

// Clone returns a deep copy.
func (m *Image) Clone() *Image {
	out := &Image{W: m.W, H: m.H, C: m.C, Pix: make([]float32, len(m.Pix))}
	copy(out.Pix, m.Pix)
	return out
}

// SameShape reports whether two images have equal dimensions.
func (m *Image) SameShape(o *Image) bool {
	return m.W == o.W && m.H == o.H && m.C == o.C
}

// CheckShape returns an error when o does not match m.
func (m *Image) CheckShape(o *Image) error {
	if !m.SameShape(o) {
		return fmt.Errorf("%w: %dx%dx%d against %dx%dx%d", ErrShape, o.W, o.H, o.C, m.W, m.H, m.C)
	}
	return nil
}

// FromImage converts a decoded image into RGBA float planes in [0, 1].
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	out := New(b.Dx(), b.Dy(), 4)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			out.Set(x, y, 0, float32(c.R)/255)
			out.Set(x, y, 1, float32(c.G)/255)
			out.Set(x, y, 2, float32(c.B)/255)
			out.Set(x, y, 3, float32(c.A)/255)
		}
	}
	return out
}

// ToNRGBA converts a 1, 3 or 4 channel image to 8-bit, clamping to [0, 1].
// Single-channel images are written as gray.
func (m *Image) ToNRGBA() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, m.W, m.H))
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			var c color.NRGBA
			c.A = 255
			switch m.C {
			case 1:
				v := to8(m.At(x, y, 0))
				c.R, c.G, c.B = v, v, v
			default:
				c.R, c.G, c.B = to8(m.At(x, y, 0)), to8(m.At(x, y, 1)), to8(m.At(x, y, 2))
				if m.C >= 4 {
					c.A = to8(m.At(x, y, 3))
				}
			}
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}

// Resize resamples the image with a bilinear filter, four channels at a
// time. Values are quantized to 8 bits on the way through.
func (m *Image) Resize(w, h int) *Image {
	if m.W == w && m.H == h {
		return m.Clone()
	}
	out := New(w, h, m.C)
	for c0 := 0; c0 < m.C; c0 += 4 {
		src := image.NewNRGBA(image.Rect(0, 0, m.W, m.H))
		for y := 0; y < m.H; y++ {
			for x := 0; x < m.W; x++ {
				var px [4]uint8
				px[3] = 255
				for k := 0; k < 4 && c0+k < m.C; k++ {
					px[k] = to8(m.At(x, y, c0+k))
				}
				src.SetNRGBA(x, y, color.NRGBA{px[0], px[1], px[2], px[3]})
			}
		}
		dst := transform.Resize(nrgbaAsRGBA(src), w, h, transform.Linear)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				o := dst.PixOffset(x, y)
				for k := 0; k < 4 && c0+k < m.C; k++ {
					out.Set(x, y, c0+k, float32(dst.Pix[o+k])/255)
				}
			}
		}
	}
	return out
}

// nrgbaAsRGBA reinterprets straight-alpha pixels as an RGBA image so the
// resampler treats every channel as independent data.
func nrgbaAsRGBA(src *image.NRGBA) *image.RGBA {
	return &image.RGBA{Pix: src.Pix, Stride: src.Stride, Rect: src.Rect}
}

func to8(v float32) uint8 {
	if math32.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}

// Crop copies the w x h window whose top-left corner is (x0, y0).
func (m *Image) Crop(x0, y0, w, h int) *Image {
	out := New(w, h, m.C)
	for c := 0; c < m.C; c++ {
		for y := 0; y < h; y++ {
			src := c*m.W*m.H + (y0+y)*m.W + x0
			copy(out.Pix[c*w*h+y*w:c*w*h+(y+1)*w], m.Pix[src:src+w])
		}
	}
	return out
}
