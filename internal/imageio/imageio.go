// Package imageio loads reference images for training and writes texture
// atlases. References are resized, split into color and mask, and
// composited onto white.
package imageio

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/anthonynsimon/bild/imgio"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp" // registers the BMP decoder
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/Faultbox/splatforge/internal/logger"
	"github.com/Faultbox/splatforge/pkg/raster"
)

// SheetTiles is the number of square views in a multi-view sheet.
const SheetTiles = 16

// ErrSheetSize is returned when a multi-view sheet is not 16 square tiles
// side by side.
var ErrSheetSize = errors.New("imageio: sheet width must be 16 times its height")

// Reference is one training target.
type Reference struct {
	RGB  *raster.Image // 3 channels on white
	Mask *raster.Image // 1 channel foreground coverage
}

// Decode reads an image file. TGA is handled here, everything else goes
// through the registered image decoders.
func Decode(path string) (image.Image, error) {
	if strings.EqualFold(filepath.Ext(path), ".tga") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		img, err := DecodeTGA(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return img, nil
	}
	img, err := imgio.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return img, nil
}

// opaque reports whether img carries no transparency at all.
func opaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return false
}

// NewReference splits an RGBA raster into a white-composited color image and
// its mask, resizing to size x size first.
func NewReference(rgba *raster.Image, size int) *Reference {
	if size > 0 {
		rgba = rgba.Resize(size, size)
	}
	rgb := raster.New(rgba.W, rgba.H, 3)
	mask := raster.New(rgba.W, rgba.H, 1)
	copy(mask.Pix, rgba.Plane(3))
	for c := 0; c < 3; c++ {
		src, dst := rgba.Plane(c), rgb.Plane(c)
		for i, a := range mask.Pix {
			dst[i] = src[i]*a + (1 - a)
		}
	}
	return &Reference{RGB: rgb, Mask: mask}
}

// LoadReference loads the known-view image. Images without transparency get
// a full mask; background removal is not done here.
func LoadReference(path string, size int) (*Reference, error) {
	img, err := Decode(path)
	if err != nil {
		return nil, err
	}
	if opaque(img) {
		logger.Warn("reference image has no alpha, using a full mask", zap.String("path", path))
	}
	logger.Info("loaded reference image", zap.String("path", path),
		zap.Int("width", img.Bounds().Dx()), zap.Int("height", img.Bounds().Dy()))
	return NewReference(raster.FromImage(img), size), nil
}

// LoadSheet loads a multi-view sheet and returns its 16 tiles in order.
func LoadSheet(path string, size int) ([]*Reference, error) {
	img, err := Decode(path)
	if err != nil {
		return nil, err
	}
	sheet := raster.FromImage(img)
	return SplitSheet(sheet, size)
}

// SplitSheet cuts an RGBA sheet into its tiles.
func SplitSheet(sheet *raster.Image, size int) ([]*Reference, error) {
	tile := sheet.H
	if tile == 0 || sheet.W != SheetTiles*tile {
		return nil, fmt.Errorf("%w: got %dx%d", ErrSheetSize, sheet.W, sheet.H)
	}
	refs := make([]*Reference, SheetTiles)
	for i := range refs {
		refs[i] = NewReference(sheet.Crop(i*tile, 0, tile, tile), size)
	}
	return refs, nil
}

// CaptionPath returns the caption file paired with an "_rgba.png" image, or
// "" for other names.
func CaptionPath(path string) string {
	if !strings.HasSuffix(path, "_rgba.png") {
		return ""
	}
	return strings.TrimSuffix(path, "_rgba.png") + "_caption.txt"
}

// LoadCaption reads the caption paired with an image. A missing caption
// file is not an error. Files starting with a byte order mark may be UTF-16;
// anything else is read as UTF-8.
func LoadCaption(path string) (string, error) {
	p := CaptionPath(path)
	if p == "" {
		return "", nil
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read caption: %w", err)
	}
	text, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
	if err != nil {
		return "", fmt.Errorf("decode caption: %w", err)
	}
	logger.Info("loaded prompt", zap.String("path", p))
	return strings.TrimSpace(string(text)), nil
}

// SavePNG writes a 1, 3 or 4 channel image as PNG.
func SavePNG(path string, img *raster.Image) error {
	if err := imgio.Save(path, img.ToNRGBA(), imgio.PNGEncoder()); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
