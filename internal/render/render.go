// Package render defines the differentiable renderer contract the training
// loop depends on and ships a CPU reference implementation, Splatter, that
// alpha-composites projected Gaussians front to back over screen tiles.
package render

import (
	"context"

	"github.com/Faultbox/splatforge/internal/camera"
	"github.com/Faultbox/splatforge/internal/cloud"
	"github.com/Faultbox/splatforge/pkg/raster"
)

// Options control one render.
type Options struct {
	Background    [3]float32
	ScaleModifier float32 // multiplies every primitive's scale; 0 means 1
}

// Output is the result of one render. ScreenGrad is filled by Backward with
// the loss gradient of every primitive's projected centre in normalized
// device units (x, y pairs).
type Output struct {
	Image      *raster.Image // 3 channels
	Alpha      *raster.Image // 1 channel, accumulated opacity
	Depth      *raster.Image // 1 channel, alpha-weighted depth
	Visible    []bool
	Radii      []float32 // screen radius in pixels, 0 when culled
	ScreenGrad []float32
	Camera     camera.Camera

	frame *frame
}

// OutputGrad carries the loss gradient with respect to a render. Either
// image may be nil.
type OutputGrad struct {
	Image *raster.Image
	Alpha *raster.Image
}

// Renderer produces images from a cloud and propagates image-space
// gradients back into the cloud's attribute gradients.
type Renderer interface {
	Render(ctx context.Context, c *cloud.Cloud, cam camera.Camera, opts Options) (*Output, error)
	// Backward accumulates into c's gradients and fills out.ScreenGrad. The
	// cloud must not have been resized since the render.
	Backward(c *cloud.Cloud, out *Output, grad OutputGrad) error
}
