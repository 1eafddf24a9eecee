package trainer

import (
	"context"
	"fmt"

	"github.com/Faultbox/splatforge/internal/config"
	"github.com/Faultbox/splatforge/internal/render"
	"github.com/Faultbox/splatforge/pkg/raster"
)

// RenderPreview renders the orbit camera in the current preview mode and
// clears the redraw flag. The result has three channels.
func (t *Trainer) RenderPreview(ctx context.Context) (*raster.Image, error) {
	if t.cloud == nil {
		return nil, fmt.Errorf("preview: %w", ErrNotPrepared)
	}
	v, _ := t.live.Snapshot()
	t.Orbit.FovY = v.FovY
	cc := t.cfg.Camera
	cam := t.Orbit.Camera(cc.Width, cc.Height, cc.Near, cc.Far)

	out, err := t.renderer.Render(ctx, t.cloud, cam, render.Options{
		Background:    white,
		ScaleModifier: v.ScaleModifier,
	})
	if err != nil {
		return nil, fmt.Errorf("preview: %w", err)
	}

	var img *raster.Image
	switch v.Mode {
	case config.ModeDepth:
		img = grayscale(normalized(out.Depth))
	case config.ModeAlpha:
		img = grayscale(out.Alpha)
	default:
		img = out.Image
		if v.Overlay && t.known != nil {
			blend(img, t.known.RGB.Resize(img.W, img.H), v.OverlayRatio)
		}
	}
	t.needsRedraw.Store(false)
	return img, nil
}

// normalized scales a single channel image into [0, 1] by its maximum.
func normalized(m *raster.Image) *raster.Image {
	out := m.Clone()
	var hi float32
	for _, p := range out.Pix {
		hi = max(hi, p)
	}
	if hi <= 0 {
		return out
	}
	for i := range out.Pix {
		out.Pix[i] /= hi
	}
	return out
}

// grayscale replicates a single channel into three.
func grayscale(m *raster.Image) *raster.Image {
	out := raster.New(m.W, m.H, 3)
	for c := 0; c < 3; c++ {
		copy(out.Plane(c), m.Plane(0))
	}
	return out
}

// blend mixes over into dst in place: dst = (1-ratio)*dst + ratio*over.
func blend(dst, over *raster.Image, ratio float32) {
	for i := range dst.Pix {
		dst.Pix[i] = (1-ratio)*dst.Pix[i] + ratio*over.Pix[i]
	}
}
