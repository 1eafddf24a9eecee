// Package trainer drives the optimization of a primitive cloud: it renders
// the reference and novel views, composes the loss, propagates it back into
// the cloud and runs the densification schedule. It also owns the preview
// camera and the export paths used by the command line and the viewer.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/splatforge/internal/camera"
	"github.com/Faultbox/splatforge/internal/cloud"
	"github.com/Faultbox/splatforge/internal/config"
	"github.com/Faultbox/splatforge/internal/guidance"
	"github.com/Faultbox/splatforge/internal/imageio"
	"github.com/Faultbox/splatforge/internal/logger"
	"github.com/Faultbox/splatforge/internal/loss"
	"github.com/Faultbox/splatforge/internal/mesh"
	"github.com/Faultbox/splatforge/internal/metrics"
	"github.com/Faultbox/splatforge/internal/render"
	"github.com/Faultbox/splatforge/pkg/math"
)

var (
	// ErrNoObjective is returned when no loss term has data to train on.
	ErrNoObjective = errors.New("trainer: no loss term is active")
	// ErrRigMismatch is returned when the multi-view sheet and the pose
	// archive disagree on the number of views.
	ErrRigMismatch = errors.New("trainer: multi-view images and poses differ in count")
)

var white = [3]float32{1, 1, 1}

// Models hands out the guidance models. *guidance.Loader implements it.
type Models interface {
	SD(ctx context.Context) (guidance.SD, error)
	Zero123(ctx context.Context) (guidance.Zero123, error)
}

// Deps are the trainer's collaborators. Nil fields get defaults: the CPU
// splatter, the density extractor from the mesh config, no guidance and no
// metrics.
type Deps struct {
	Renderer  render.Renderer
	Extractor mesh.Extractor
	Models    Models
	Metrics   *metrics.Recorder
}

// StepReport summarizes one StepOnce call.
type StepReport struct {
	Step       int
	Loss       float32
	Terms      loss.Terms
	Elapsed    time.Duration
	Primitives int
}

// Trainer owns the cloud and everything needed to optimize it. Its methods
// must be called from a single goroutine, except Stop, NeedsRedraw,
// IsTraining and SetTraining.
type Trainer struct {
	cfg      *config.Config
	live     *config.Live
	renderer render.Renderer
	extract  mesh.Extractor
	models   Models
	metrics  *metrics.Recorder
	log      *zap.Logger

	rng     *rand.Rand
	rngSeed int64
	cloud   *cloud.Cloud
	step    int

	// prepared state
	prepared   bool
	liveSeen   uint64
	live0      config.LiveValues
	known      *imageio.Reference
	knownCam   camera.Camera
	mvRefs     []*imageio.Reference
	mvCams     []camera.Camera
	composer   *loss.Composer
	sampler    *loss.Sampler
	lastReport StepReport

	// Orbit is the preview camera the viewer steers.
	Orbit *camera.OrbitCamera

	needsRedraw atomic.Bool
	training    atomic.Bool
	stop        atomic.Bool
}

// New returns a trainer for cfg. Live parameters are read from live at the
// start of every step.
func New(cfg *config.Config, live *config.Live, deps Deps) *Trainer {
	t := &Trainer{
		cfg:      cfg,
		live:     live,
		renderer: deps.Renderer,
		extract:  deps.Extractor,
		models:   deps.Models,
		metrics:  deps.Metrics,
		log:      logger.Named("trainer"),
		Orbit:    camera.NewOrbitCamera(cfg.Camera.Radius, cfg.Camera.FovY),
	}
	if t.renderer == nil {
		t.renderer = render.NewSplatter()
	}
	if t.extract == nil {
		t.extract = mesh.NewDensityExtractor(cfg.Mesh.Resolution, cfg.Mesh.NumBlocks, cfg.Mesh.RelaxRatio)
	}
	t.Orbit.Elevation = cfg.Camera.Elevation
	t.needsRedraw.Store(true)
	return t
}

// Cloud returns the cloud being trained. It is nil before Prepare.
func (t *Trainer) Cloud() *cloud.Cloud { return t.cloud }

// SetCloud replaces the cloud and forces the next step to prepare again.
func (t *Trainer) SetCloud(c *cloud.Cloud) {
	t.cloud = c
	t.prepared = false
	t.needsRedraw.Store(true)
}

// Step returns the number of iterations run since the last Prepare.
func (t *Trainer) Step() int { return t.step }

// LastReport returns the report of the last StepOnce.
func (t *Trainer) LastReport() StepReport { return t.lastReport }

// NeedsRedraw reports whether the cloud changed since the last preview.
func (t *Trainer) NeedsRedraw() bool { return t.needsRedraw.Load() }

// MarkDirty asks for a new preview, e.g. after the camera moved.
func (t *Trainer) MarkDirty() { t.needsRedraw.Store(true) }

// IsTraining reports whether the interactive shell should keep stepping.
func (t *Trainer) IsTraining() bool { return t.training.Load() }

// SetTraining starts or pauses interactive training.
func (t *Trainer) SetTraining(on bool) { t.training.Store(on) }

// Stop makes Train return before its next iteration.
func (t *Trainer) Stop() { t.stop.Store(true) }

// Prepare resets the step counter and loads everything a step needs: the
// cloud (checkpoint or prior), the optimizer, the reference views and their
// cameras, and the guidance models. A guidance model that is needed but
// cannot be loaded is an error; training must not start without it.
func (t *Trainer) Prepare(ctx context.Context) error {
	t.prepared = false
	t.step = 0

	if err := t.adoptCaption(); err != nil {
		return err
	}
	values, version := t.live.Snapshot()
	t.seedRNG(values.Seed)

	if t.cloud == nil {
		c, err := t.initialCloud()
		if err != nil {
			return err
		}
		t.cloud = c
	}
	t.cloud.SetRand(t.rng)
	t.cloud.SetPercentDense(t.cfg.Densify.PercentDense)
	t.cloud.SetupOptimizer(t.learningRates())

	if err := t.loadReferences(); err != nil {
		return err
	}
	t.live0 = values
	if err := t.setupCameras(values); err != nil {
		return err
	}
	if err := t.setupGuidance(ctx, values); err != nil {
		return err
	}
	if t.known == nil && len(t.mvRefs) == 0 && !t.composer.GuidanceEnabled() {
		return ErrNoObjective
	}

	t.liveSeen = version
	t.prepared = true
	t.needsRedraw.Store(true)
	t.log.Info("training prepared",
		zap.Int("primitives", t.cloud.Len()),
		zap.Bool("known_view", t.known != nil),
		zap.Int("multi_view", len(t.mvRefs)),
		zap.Bool("guidance", t.composer.GuidanceEnabled()))
	return nil
}

// Restart drops the cloud, reseeds when the live seed changed, starts again
// from the prior and prepares.
func (t *Trainer) Restart(ctx context.Context) error {
	values, _ := t.live.Snapshot()
	t.seedRNG(values.Seed)
	t.cloud = cloud.NewFromPrior(t.priorOptions(), t.rng)
	t.log.Info("restarting from prior", zap.Int("primitives", t.cloud.Len()))
	return t.Prepare(ctx)
}

// seedRNG rebuilds the random source when seed differs from the one in use.
// The sampler draws from the old source, so it is dropped with it.
func (t *Trainer) seedRNG(seed int64) {
	if t.rng != nil && t.rngSeed == seed {
		return
	}
	s := uint64(seed)
	t.rng = rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))
	t.rngSeed = seed
	t.sampler = nil
	if t.cloud != nil {
		t.cloud.SetRand(t.rng)
	}
}

func (t *Trainer) priorOptions() cloud.PriorOptions {
	return cloud.PriorOptions{
		NumPoints: t.cfg.Training.NumPoints,
		Radius:    t.cfg.Training.InitRadius,
		Opacity:   t.cfg.Training.InitOpacity,
		SHDegree:  t.cfg.Training.SHDegree,
	}
}

func (t *Trainer) initialCloud() (*cloud.Cloud, error) {
	if path := t.cfg.Training.Load; path != "" {
		c, err := cloud.Load(path, t.rng)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		t.log.Info("loaded checkpoint", zap.String("path", path), zap.Int("primitives", c.Len()))
		return c, nil
	}
	return cloud.NewFromPrior(t.priorOptions(), t.rng), nil
}

func (t *Trainer) learningRates() cloud.LearningRates {
	o := t.cfg.Optimizer
	return cloud.LearningRates{
		PositionInit:      o.PositionLRInit,
		PositionFinal:     o.PositionLRFinal,
		PositionDelayMult: o.PositionLRDelayMult,
		PositionDelay:     o.PositionLRDelay,
		PositionMaxSteps:  o.PositionLRMaxSteps,
		Feature:           o.FeatureLR,
		Opacity:           o.OpacityLR,
		Scale:             o.ScalingLR,
		Rotation:          o.RotationLR,
	}
}

func (t *Trainer) weights() loss.Weights {
	l := t.cfg.Loss
	return loss.Weights{
		KnownView:     l.KnownView,
		KnownViewMask: l.KnownViewMask,
		MultiView:     l.MultiView,
		MultiViewMask: l.MultiViewMask,
		SD:            l.SD,
		Zero123:       l.Zero123,
	}
}

// adoptCaption uses the caption next to the input image as the prompt when
// no prompt was given.
func (t *Trainer) adoptCaption() error {
	input := t.cfg.Data.Input
	if input == "" {
		return nil
	}
	if prompt, _ := t.live.Get("prompt"); prompt != "" {
		return nil
	}
	caption, err := imageio.LoadCaption(input)
	if err != nil {
		return err
	}
	if caption == "" {
		return nil
	}
	return t.live.Set("prompt", caption)
}

func (t *Trainer) loadReferences() error {
	d := t.cfg.Data
	t.known, t.mvRefs = nil, nil
	if d.Input != "" {
		ref, err := imageio.LoadReference(d.Input, d.RefSize)
		if err != nil {
			return fmt.Errorf("load input: %w", err)
		}
		t.known = ref
	}
	if d.MultiView != "" {
		refs, err := imageio.LoadSheet(d.MultiView, d.RefSize)
		if err != nil {
			return fmt.Errorf("load multi-view sheet: %w", err)
		}
		t.mvRefs = refs
	}
	return nil
}

// setupCameras builds the known-view camera, the multi-view rig and the
// novel-view sampler from the live elevation and field of view.
func (t *Trainer) setupCameras(v config.LiveValues) error {
	cc := t.cfg.Camera
	size := t.cfg.Data.RefSize
	fovY := math.Radians(v.FovY)
	pose := math.OrbitPose(v.Elevation, 0, cc.Radius, math.Vec3{})
	t.knownCam = camera.New(pose, size, size, fovY, cc.Near, cc.Far)

	t.mvCams = nil
	if len(t.mvRefs) > 0 {
		if t.cfg.Data.Poses == "" {
			return fmt.Errorf("%w: sheet has %d views and no poses were given", ErrRigMismatch, len(t.mvRefs))
		}
		archive, err := camera.LoadArchive(t.cfg.Data.Poses)
		if err != nil {
			return fmt.Errorf("load poses: %w", err)
		}
		t.mvCams = archive.Rig(camera.RigOptions{
			Size:      size,
			FovY:      fovY,
			Radius:    cc.Radius,
			Elevation: v.Elevation,
			Near:      cc.Near,
			Far:       cc.Far,
		})
		if len(t.mvCams) != len(t.mvRefs) {
			return fmt.Errorf("%w: %d images, %d poses", ErrRigMismatch, len(t.mvRefs), len(t.mvCams))
		}
	}

	if t.sampler == nil {
		t.sampler = loss.NewSampler(t.rng)
	}
	t.sampler.Elevation = v.Elevation
	t.sampler.Radius = cc.Radius
	t.sampler.FovY = fovY
	t.sampler.Near, t.sampler.Far = cc.Near, cc.Far
	t.sampler.BatchSize = t.cfg.Training.BatchSize
	t.sampler.InvertBgProb = t.cfg.Training.InvertBgProb
	return nil
}

// setupGuidance decides which guidance terms take part, loads their models
// and computes the conditioning embeddings.
func (t *Trainer) setupGuidance(ctx context.Context, v config.LiveValues) error {
	w := t.weights()
	var (
		sd      guidance.SD
		zero123 guidance.Zero123
		err     error
	)
	if loss.SDActive(w, v.Prompt) {
		if sd, err = t.loadSD(ctx); err != nil {
			return err
		}
		if err := sd.TextEmbeds(ctx, v.Prompt, v.NegativePrompt); err != nil {
			return fmt.Errorf("text embeddings: %w", err)
		}
	} else if w.SD > 0 {
		t.log.Info("text guidance disabled: no prompt")
	}
	if loss.Zero123Active(w, t.known != nil) {
		if zero123, err = t.loadZero123(ctx); err != nil {
			return err
		}
		if err := zero123.ImageEmbeds(ctx, t.known.RGB); err != nil {
			return fmt.Errorf("image embeddings: %w", err)
		}
	} else if w.Zero123 > 0 {
		t.log.Info("image guidance disabled: no input image")
	}
	t.composer = loss.NewComposer(w, sd, zero123)
	return nil
}

func (t *Trainer) loadSD(ctx context.Context) (guidance.SD, error) {
	if t.models == nil {
		return nil, fmt.Errorf("%w: no guidance endpoint configured", guidance.ErrGuidanceUnavailable)
	}
	return t.models.SD(ctx)
}

func (t *Trainer) loadZero123(ctx context.Context) (guidance.Zero123, error) {
	if t.models == nil {
		return nil, fmt.Errorf("%w: no guidance endpoint configured", guidance.ErrGuidanceUnavailable)
	}
	return t.models.Zero123(ctx)
}

// applyLive picks up live parameter changes made since the last step.
func (t *Trainer) applyLive(ctx context.Context) (config.LiveValues, error) {
	v, version := t.live.Snapshot()
	if version == t.liveSeen {
		return v, nil
	}
	t.liveSeen = version
	if v.Seed != t.live0.Seed {
		t.seedRNG(v.Seed)
	}
	if t.sampler == nil || v.Elevation != t.live0.Elevation || v.FovY != t.live0.FovY {
		if err := t.setupCameras(v); err != nil {
			return v, err
		}
	}
	if v.Prompt != t.live0.Prompt || v.NegativePrompt != t.live0.NegativePrompt {
		if err := t.setupGuidance(ctx, v); err != nil {
			return v, err
		}
	}
	t.live0 = v
	return v, nil
}
