package trainer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/splatforge/internal/logger"
	"github.com/Faultbox/splatforge/internal/loss"
	"github.com/Faultbox/splatforge/internal/render"
)

// StepOnce runs one frame worth of iterations (steps_per_frame) and is the
// entry point of the interactive shell.
func (t *Trainer) StepOnce(ctx context.Context) (StepReport, error) {
	if !t.prepared {
		if err := t.Prepare(ctx); err != nil {
			return StepReport{}, err
		}
	}
	v, err := t.applyLive(ctx)
	if err != nil {
		return StepReport{}, err
	}
	return t.frame(ctx, max(1, v.StepsPerFrame))
}

// frame runs n iterations and reports on them.
func (t *Trainer) frame(ctx context.Context, n int) (StepReport, error) {
	start := time.Now()
	var (
		res *loss.Result
		err error
	)
	for i := 0; i < n; i++ {
		if res, err = t.iterate(ctx); err != nil {
			return StepReport{}, err
		}
	}
	report := StepReport{
		Step:       t.step,
		Loss:       res.Loss,
		Terms:      res.Terms,
		Elapsed:    time.Since(start),
		Primitives: t.cloud.Len(),
	}
	t.lastReport = report
	t.needsRedraw.Store(true)

	t.log.Debug("step",
		logger.Step(report.Step),
		zap.Float32("loss", report.Loss),
		zap.Duration("elapsed", report.Elapsed),
		zap.Int("primitives", report.Primitives))
	t.metrics.StepDone(report.Step, map[string]float32{
		"total":      res.Loss,
		"known":      res.Terms.Known,
		"multi_view": res.Terms.MultiView,
		"sd":         res.Terms.SD,
		"zero123":    res.Terms.Zero123,
	}, report.Primitives, report.Elapsed)
	return report, nil
}

// Train runs iterations until the step counter reaches iters, the context
// is cancelled or Stop is called, then applies the final prune.
// Cancellation is only observed between iterations.
func (t *Trainer) Train(ctx context.Context, iters int) error {
	if !t.prepared {
		if err := t.Prepare(ctx); err != nil {
			return err
		}
	}
	t.stop.Store(false)
	t.log.Info("training started", zap.Int("iters", iters), zap.Int("primitives", t.cloud.Len()))
	start := time.Now()
	for t.step < iters {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.stop.Load() {
			t.log.Info("training stopped", logger.Step(t.step))
			break
		}
		if _, err := t.applyLive(ctx); err != nil {
			return err
		}
		if _, err := t.frame(ctx, 1); err != nil {
			return err
		}
	}
	t.FinalPrune()
	t.log.Info("training finished",
		logger.Step(t.step),
		zap.Float32("loss", t.lastReport.Loss),
		zap.Int("primitives", t.cloud.Len()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// FinalPrune removes faint and oversized primitives before export.
func (t *Trainer) FinalPrune() int {
	d := t.cfg.Densify
	pruned := t.cloud.Prune(d.FinalMinOpacity, d.FinalExtent, d.FinalMaxScreenSize)
	t.log.Info("final prune", zap.Int("pruned", pruned), zap.Int("primitives", t.cloud.Len()))
	return pruned
}

// iterate is one optimization step.
func (t *Trainer) iterate(ctx context.Context) (*loss.Result, error) {
	t.step++
	ratio := min(1, float32(t.step)/float32(max(1, t.cfg.Training.Iters)))
	t.cloud.UpdateLearningRate(t.step)

	in := loss.Inputs{StepRatio: ratio}
	var last *render.Output

	if t.known != nil {
		out, err := t.renderer.Render(ctx, t.cloud, t.knownCam, render.Options{Background: white})
		if err != nil {
			return nil, fmt.Errorf("known view: %w", err)
		}
		in.Known = &loss.View{Out: out, Target: t.known}
		last = out
	}
	for i, cam := range t.mvCams {
		out, err := t.renderer.Render(ctx, t.cloud, cam, render.Options{Background: white})
		if err != nil {
			return nil, fmt.Errorf("multi-view %d: %w", i, err)
		}
		in.MultiView = append(in.MultiView, loss.View{Out: out, Target: t.mvRefs[i]})
		last = out
	}
	if t.composer.GuidanceEnabled() {
		views := t.sampler.Sample(ratio)
		nb := &loss.NovelBatch{}
		for _, v := range views {
			out, err := t.renderer.Render(ctx, t.cloud, v.Camera, render.Options{Background: v.Background})
			if err != nil {
				return nil, fmt.Errorf("novel view: %w", err)
			}
			nb.Outs = append(nb.Outs, out)
			nb.Elevations = append(nb.Elevations, v.ElevationOffset)
			nb.Azimuths = append(nb.Azimuths, v.Azimuth)
			nb.Radii = append(nb.Radii, v.RadiusOffset)
			last = out
		}
		in.Novel = nb
	}

	res, err := t.composer.Compose(ctx, in)
	if err != nil {
		return nil, err
	}
	for _, g := range res.Grads {
		if err := t.renderer.Backward(t.cloud, g.Out, g.Grad); err != nil {
			return nil, err
		}
	}
	t.cloud.OptimizerStep()
	t.cloud.ZeroGrad()

	t.densify(last)
	return res, nil
}

// densify runs the density schedule. Statistics come from the last render
// of the step only: the last novel view when guidance is on.
func (t *Trainer) densify(last *render.Output) {
	d := t.cfg.Densify
	if t.step < d.StartIter || t.step > d.EndIter {
		return
	}
	if last != nil && len(last.ScreenGrad) == 2*len(last.Visible) {
		t.cloud.AddDensificationStats(last.ScreenGrad, last.Visible, last.Radii)
	}
	if d.Interval > 0 && t.step%d.Interval == 0 {
		rep := t.cloud.DensifyAndPrune(d.GradThreshold, d.MinOpacity, d.Extent, d.MaxScreenSize)
		t.log.Info("densified",
			logger.Step(t.step),
			zap.Int("before", rep.Before),
			zap.Int("cloned", rep.Cloned),
			zap.Int("split", rep.Split),
			zap.Int("pruned", rep.Pruned),
			zap.Int("after", rep.After))
		t.metrics.Densified(rep.Cloned, rep.Split, rep.Pruned, rep.After)
	}
	if d.OpacityResetInterval > 0 && t.step%d.OpacityResetInterval == 0 {
		t.cloud.ResetOpacity(d.OpacityResetValue)
		t.log.Info("opacity reset", logger.Step(t.step))
	}
}
