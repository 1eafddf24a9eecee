// Package loss composes the per-step training objective from the
// known-view, multi-view and guidance terms, and produces the image-space
// gradients the renderer propagates back into the cloud.
package loss

import (
	"context"
	"fmt"

	"github.com/Faultbox/splatforge/internal/guidance"
	"github.com/Faultbox/splatforge/internal/imageio"
	"github.com/Faultbox/splatforge/internal/render"
	"github.com/Faultbox/splatforge/pkg/raster"
)

// Weights scale the loss terms.
type Weights struct {
	KnownView     float32
	KnownViewMask float32
	MultiView     float32
	MultiViewMask float32
	SD            float32
	Zero123       float32
}

// View pairs a render with the reference it is compared to.
type View struct {
	Out    *render.Output
	Target *imageio.Reference
}

// NovelBatch is the set of randomly posed renders scored by guidance.
type NovelBatch struct {
	Outs       []*render.Output
	Elevations []float32 // offsets from the base elevation, degrees
	Azimuths   []float32
	Radii      []float32
}

// Inputs are the renders of one step.
type Inputs struct {
	StepRatio float32
	Known     *View // nil when no known view was supplied
	MultiView []View
	Novel     *NovelBatch
}

// Terms breaks the loss down per source.
type Terms struct {
	Known     float32
	MultiView float32
	SD        float32
	Zero123   float32
}

// Gradient is the loss gradient for one render.
type Gradient struct {
	Out  *render.Output
	Grad render.OutputGrad
}

// Result is the composed loss of one step.
type Result struct {
	Loss  float32
	Terms Terms
	Grads []Gradient
}

// Composer evaluates the training objective.
type Composer struct {
	weights Weights
	sd      guidance.SD
	zero123 guidance.Zero123
}

// SDActive reports whether the text-guided term takes part for the given
// weight and prompt.
func SDActive(w Weights, prompt string) bool { return w.SD > 0 && prompt != "" }

// Zero123Active reports whether the image-guided term takes part for the
// given weight and conditioning image.
func Zero123Active(w Weights, hasImage bool) bool { return w.Zero123 > 0 && hasImage }

// NewComposer returns a composer. A nil model disables its term; callers
// pass models only for the terms that are active.
func NewComposer(w Weights, sd guidance.SD, zero123 guidance.Zero123) *Composer {
	return &Composer{weights: w, sd: sd, zero123: zero123}
}

// GuidanceEnabled reports whether any guidance term is active, and with it
// whether novel views need rendering.
func (c *Composer) GuidanceEnabled() bool {
	return (c.sd != nil && c.weights.SD > 0) || (c.zero123 != nil && c.weights.Zero123 > 0)
}

// Compose evaluates the loss and its gradients. Terms without data or
// without an active model contribute nothing.
func (c *Composer) Compose(ctx context.Context, in Inputs) (*Result, error) {
	r := in.StepRatio
	res := &Result{}
	grads := map[*render.Output]*render.OutputGrad{}
	gradFor := func(out *render.Output) *render.OutputGrad {
		g, ok := grads[out]
		if !ok {
			g = &render.OutputGrad{}
			grads[out] = g
			res.Grads = append(res.Grads, Gradient{Out: out})
		}
		return g
	}

	if in.Known != nil && c.weights.KnownView > 0 {
		l, err := viewLoss(*in.Known, c.weights.KnownView*r, c.weights.KnownViewMask, gradFor(in.Known.Out))
		if err != nil {
			return nil, fmt.Errorf("known view: %w", err)
		}
		res.Terms.Known = l
	}
	if c.weights.MultiView > 0 {
		for i, v := range in.MultiView {
			l, err := viewLoss(v, c.weights.MultiView*r, c.weights.MultiViewMask, gradFor(v.Out))
			if err != nil {
				return nil, fmt.Errorf("multi-view %d: %w", i, err)
			}
			res.Terms.MultiView += l
		}
	}

	if nb := in.Novel; nb != nil && len(nb.Outs) > 0 {
		images := make([]*raster.Image, len(nb.Outs))
		for i, out := range nb.Outs {
			images[i] = out.Image
		}
		if c.sd != nil && c.weights.SD > 0 {
			g, err := c.sd.TrainStep(ctx, images, r)
			if err != nil {
				return nil, fmt.Errorf("sd guidance: %w", err)
			}
			scale := c.weights.SD * r
			if err := addGuidance(nb.Outs, g, scale, gradFor); err != nil {
				return nil, fmt.Errorf("sd guidance: %w", err)
			}
			res.Terms.SD = scale * g.Loss
		}
		if c.zero123 != nil && c.weights.Zero123 > 0 {
			g, err := c.zero123.TrainStep(ctx, images, nb.Elevations, nb.Azimuths, nb.Radii, r)
			if err != nil {
				return nil, fmt.Errorf("zero123 guidance: %w", err)
			}
			scale := c.weights.Zero123 * r
			if err := addGuidance(nb.Outs, g, scale, gradFor); err != nil {
				return nil, fmt.Errorf("zero123 guidance: %w", err)
			}
			res.Terms.Zero123 = scale * g.Loss
		}
	}

	for i := range res.Grads {
		res.Grads[i].Grad = *grads[res.Grads[i].Out]
	}
	res.Loss = res.Terms.Known + res.Terms.MultiView + res.Terms.SD + res.Terms.Zero123
	return res, nil
}

// viewLoss returns scale*(mse(rgb) + maskWeight*mse(alpha)) and adds its
// gradient to g.
func viewLoss(v View, scale, maskWeight float32, g *render.OutputGrad) (float32, error) {
	if scale == 0 {
		return 0, nil
	}
	rgb, err := addMSE(v.Out.Image, v.Target.RGB, scale, &g.Image)
	if err != nil {
		return 0, err
	}
	var mask float32
	if maskWeight > 0 && v.Target.Mask != nil {
		mask, err = addMSE(v.Out.Alpha, v.Target.Mask, scale*maskWeight, &g.Alpha)
		if err != nil {
			return 0, err
		}
	}
	return scale * (rgb + maskWeight*mask), nil
}

// addMSE returns mean((x-y)^2) and adds scale times its gradient to *grad,
// allocating it on first use.
func addMSE(x, y *raster.Image, scale float32, grad **raster.Image) (float32, error) {
	if err := x.CheckShape(y); err != nil {
		return 0, err
	}
	n := len(x.Pix)
	if n == 0 {
		return 0, nil
	}
	if *grad == nil {
		*grad = raster.New(x.W, x.H, x.C)
	}
	g := (*grad).Pix
	var sum float64
	k := 2 * scale / float32(n)
	for i, v := range x.Pix {
		d := v - y.Pix[i]
		sum += float64(d * d)
		g[i] += k * d
	}
	return float32(sum / float64(n)), nil
}

func addGuidance(outs []*render.Output, res *guidance.Result, scale float32, gradFor func(*render.Output) *render.OutputGrad) error {
	if len(res.Grads) != len(outs) {
		return fmt.Errorf("%d gradients for %d renders", len(res.Grads), len(outs))
	}
	for i, out := range outs {
		src := res.Grads[i]
		if err := out.Image.CheckShape(src); err != nil {
			return err
		}
		g := gradFor(out)
		if g.Image == nil {
			g.Image = raster.New(out.Image.W, out.Image.H, out.Image.C)
		}
		for k, v := range src.Pix {
			g.Image.Pix[k] += scale * v
		}
	}
	return nil
}
