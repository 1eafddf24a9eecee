package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Faultbox/splatforge/internal/config"
	"github.com/Faultbox/splatforge/internal/engine/input"
	"github.com/Faultbox/splatforge/internal/engine/renderer"
	"github.com/Faultbox/splatforge/internal/engine/window"
	"github.com/Faultbox/splatforge/internal/logger"
	"github.com/Faultbox/splatforge/internal/viewer"
)

// cmdView runs the interactive viewer on the main thread. Training starts
// paused; Space toggles it.
func cmdView(ctx context.Context, cfg *config.Config) error {
	s := newSession(cfg)
	defer s.close()
	if err := s.trainer.Prepare(ctx); err != nil {
		return err
	}
	go func() {
		if err := s.serveMetrics(ctx); err != nil {
			logger.Error("metrics endpoint", zap.Error(err))
		}
	}()

	win, err := window.New(window.Config{
		Title:  "splatforge",
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
		VSync:  cfg.Viewer.VSync,
	})
	if err != nil {
		return err
	}
	defer win.Close()

	rend, err := renderer.New(win.DrawableSize())
	if err != nil {
		return err
	}
	defer rend.Close()

	in := input.New()
	ctrl := viewer.NewController(s.trainer, s.trainer.Orbit, s.live)
	for !ctrl.Quit() && ctx.Err() == nil {
		in.Update()
		if in.Resized() {
			rend.Resize(win.DrawableSize())
		}
		for _, ev := range in.Events() {
			ctrl.Handle(ctx, ev)
		}

		img, err := ctrl.Frame(ctx)
		if err != nil {
			logger.Error("training paused", zap.Error(err))
		}
		if img != nil {
			rend.Upload(img)
			r := s.trainer.LastReport()
			win.SetTitle(fmt.Sprintf("splatforge  step %d  loss %.4f  %d primitives",
				r.Step, r.Loss, s.trainer.Cloud().Len()))
		}
		rend.Draw()
		win.SwapBuffers()
	}
	return nil
}
