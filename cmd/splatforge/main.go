// splatforge reconstructs a textured mesh from an image or a prompt by
// optimizing a cloud of Gaussian primitives.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/splatforge/internal/cloud"
	"github.com/Faultbox/splatforge/internal/config"
	"github.com/Faultbox/splatforge/internal/guidance"
	"github.com/Faultbox/splatforge/internal/logger"
	"github.com/Faultbox/splatforge/internal/metrics"
	"github.com/Faultbox/splatforge/internal/trainer"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var run func(ctx context.Context, cfg *config.Config) error
	switch command {
	case "train":
		run = cmdTrain
	case "export":
		run = cmdExport
	case "view":
		run = cmdView
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err := config.ParseFlags(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Sugar.Debugf("config: %+v", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error(command+" failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`splatforge - Gaussian splat reconstruction

Usage:
  splatforge <command> [options]

Commands:
  train                  Optimize a cloud, then save the model and a textured mesh
  export [modes...]      Export a checkpoint (--load) as model, geo or geo+tex
  view                   Open the interactive viewer

Examples:
  splatforge train --input data/anya_rgba.png --iters 500
  splatforge train --prompt "a ripe strawberry" --guidance ws://127.0.0.1:7860/guidance
  splatforge export --load logs/anya_model.ply geo+tex
  splatforge view --input data/anya_rgba.png`)
}

// session wires a trainer to its collaborators from the config.
type session struct {
	cfg     *config.Config
	live    *config.Live
	loader  *guidance.Loader
	metrics *metrics.Recorder
	trainer *trainer.Trainer
}

func newSession(cfg *config.Config) *session {
	s := &session{cfg: cfg, live: config.NewLive(cfg)}
	deps := trainer.Deps{}
	if cfg.Guidance.Endpoint != "" {
		s.loader = guidance.NewLoader(
			guidance.DialerFor(cfg.Guidance.Endpoint, cfg.Guidance.Timeout),
			cfg.Guidance.SDModel, cfg.Guidance.Zero123Model)
		deps.Models = s.loader
	}
	if cfg.Metrics.Listen != "" {
		s.metrics = metrics.NewRecorder()
		deps.Metrics = s.metrics
	}
	s.trainer = trainer.New(cfg, s.live, deps)
	return s
}

func (s *session) close() {
	if s.loader == nil {
		return
	}
	if err := s.loader.Close(); err != nil {
		logger.Warn("closing guidance session", zap.Error(err))
	}
}

// serveMetrics runs the metrics endpoint, if configured, until ctx ends.
func (s *session) serveMetrics(ctx context.Context) error {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.Serve(ctx, s.cfg.Metrics.Listen)
}

func cmdTrain(ctx context.Context, cfg *config.Config) error {
	if cfg.Viewer.Enabled {
		return cmdView(ctx, cfg)
	}
	s := newSession(cfg)
	defer s.close()

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.serveMetrics(gctx) })
	g.Go(func() error {
		defer cancel()
		if err := s.trainer.Train(gctx, cfg.Training.Iters); err != nil {
			return err
		}
		for _, mode := range []trainer.SaveMode{trainer.SaveModel, trainer.SaveGeoTex} {
			if _, err := s.trainer.Save(gctx, mode); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

func cmdExport(ctx context.Context, cfg *config.Config) error {
	if cfg.Training.Load == "" {
		return errors.New("export needs a checkpoint (--load)")
	}
	modes := []trainer.SaveMode{trainer.SaveGeoTex}
	if args := config.Args(); len(args) > 0 {
		modes = modes[:0]
		for _, a := range args {
			m, err := trainer.ParseSaveMode(a)
			if err != nil {
				return err
			}
			modes = append(modes, m)
		}
	}

	c, err := cloud.Load(cfg.Training.Load, nil)
	if err != nil {
		return err
	}
	logger.Info("loaded checkpoint", zap.String("path", cfg.Training.Load), zap.Int("primitives", c.Len()))

	s := newSession(cfg)
	defer s.close()
	s.trainer.SetCloud(c)
	for _, m := range modes {
		path, err := s.trainer.Save(ctx, m)
		if err != nil {
			return err
		}
		fmt.Println(path)
	}
	return nil
}
