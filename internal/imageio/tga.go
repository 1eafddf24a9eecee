package imageio

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

// ErrTGA is returned for TGA files the decoder cannot read.
var ErrTGA = errors.New("imageio: unsupported or corrupt TGA")

// TGA image types handled by DecodeTGA.
const (
	tgaTrueColor    = 2
	tgaTrueColorRLE = 10
	tgaHeaderSize   = 18
)

// tgaReader walks the pixel stream of a true-color TGA.
type tgaReader struct {
	data   []byte
	pos    int
	bpp    int
	width  int
	height int
	flip   bool // stored bottom-up
	img    *image.NRGBA
}

// pixel reads one BGR(A) pixel.
func (r *tgaReader) pixel() (color.NRGBA, bool) {
	if r.pos+r.bpp > len(r.data) {
		return color.NRGBA{}, false
	}
	p := r.data[r.pos : r.pos+r.bpp]
	r.pos += r.bpp
	c := color.NRGBA{R: p[2], G: p[1], B: p[0], A: 255}
	if r.bpp == 4 {
		c.A = p[3]
	}
	return c, true
}

func (r *tgaReader) set(i int, c color.NRGBA) {
	x, y := i%r.width, i/r.width
	if r.flip {
		y = r.height - 1 - y
	}
	r.img.SetNRGBA(x, y, c)
}

// DecodeTGA decodes an uncompressed or RLE true-color TGA with 24 or 32 bits
// per pixel. Alpha is kept straight.
func DecodeTGA(data []byte) (image.Image, error) {
	if len(data) < tgaHeaderSize {
		return nil, fmt.Errorf("%w: header truncated", ErrTGA)
	}
	idLength := int(data[0])
	colorMapType := data[1]
	imageType := data[2]
	width := int(data[12]) | int(data[13])<<8
	height := int(data[14]) | int(data[15])<<8
	bits := int(data[16])
	descriptor := data[17]

	if colorMapType != 0 {
		return nil, fmt.Errorf("%w: color-mapped", ErrTGA)
	}
	if imageType != tgaTrueColor && imageType != tgaTrueColorRLE {
		return nil, fmt.Errorf("%w: type %d", ErrTGA, imageType)
	}
	if bits != 24 && bits != 32 {
		return nil, fmt.Errorf("%w: %d bits per pixel", ErrTGA, bits)
	}
	offset := tgaHeaderSize + idLength
	if offset > len(data) {
		return nil, fmt.Errorf("%w: id field truncated", ErrTGA)
	}

	r := &tgaReader{
		data:   data[offset:],
		bpp:    bits / 8,
		width:  width,
		height: height,
		flip:   descriptor&0x20 == 0,
		img:    image.NewNRGBA(image.Rect(0, 0, width, height)),
	}
	total := width * height
	if imageType == tgaTrueColor {
		for i := 0; i < total; i++ {
			c, ok := r.pixel()
			if !ok {
				return nil, fmt.Errorf("%w: pixel data truncated", ErrTGA)
			}
			r.set(i, c)
		}
		return r.img, nil
	}

	for i := 0; i < total; {
		if r.pos >= len(r.data) {
			return nil, fmt.Errorf("%w: RLE stream truncated", ErrTGA)
		}
		packet := r.data[r.pos]
		r.pos++
		count := int(packet&0x7f) + 1
		if packet&0x80 != 0 {
			c, ok := r.pixel()
			if !ok {
				return nil, fmt.Errorf("%w: RLE stream truncated", ErrTGA)
			}
			for k := 0; k < count && i < total; k++ {
				r.set(i, c)
				i++
			}
			continue
		}
		for k := 0; k < count && i < total; k++ {
			c, ok := r.pixel()
			if !ok {
				return nil, fmt.Errorf("%w: RLE stream truncated", ErrTGA)
			}
			r.set(i, c)
			i++
		}
	}
	return r.img, nil
}
