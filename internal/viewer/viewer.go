// Package viewer binds input events to the trainer's interactive entry
// points. It holds no window state; the SDL and OpenGL side lives in the
// engine packages and feeds events in.
package viewer

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/Faultbox/splatforge/internal/camera"
	"github.com/Faultbox/splatforge/internal/config"
	"github.com/Faultbox/splatforge/internal/logger"
	"github.com/Faultbox/splatforge/internal/trainer"
	"github.com/Faultbox/splatforge/pkg/raster"
)

// fovStep is the field of view change per bracket key, in degrees.
const fovStep = 5

// Kind is the type of an input event.
type Kind int

const (
	KindNone Kind = iota
	KindQuit
	KindKeyDown
	KindMouseDown
	KindMouseUp
	KindMouseMove
	KindWheel
)

// Button is a mouse button.
type Button int

const (
	ButtonNone Button = iota
	ButtonLeft
	ButtonMiddle
	ButtonRight
)

// Event is one input event, already translated from the windowing system.
// Key holds the lower-case key character, or "escape" and "space".
type Event struct {
	Kind   Kind
	Key    string
	Button Button
	X, Y   int
	Wheel  float32
}

// Trainer is what the viewer drives.
type Trainer interface {
	StepOnce(ctx context.Context) (trainer.StepReport, error)
	RenderPreview(ctx context.Context) (*raster.Image, error)
	NeedsRedraw() bool
	MarkDirty()
	IsTraining() bool
	SetTraining(on bool)
	Restart(ctx context.Context) error
	Save(ctx context.Context, mode trainer.SaveMode) (string, error)
}

// Controller turns events into trainer calls and camera moves.
type Controller struct {
	trainer Trainer
	orbit   *camera.OrbitCamera
	live    *config.Live
	log     *zap.Logger

	dragging Button
	lastX    int
	lastY    int
	quit     bool
}

// NewController returns a controller steering orbit and editing live.
func NewController(t Trainer, orbit *camera.OrbitCamera, live *config.Live) *Controller {
	return &Controller{trainer: t, orbit: orbit, live: live, log: logger.Named("viewer")}
}

// Quit reports whether the user asked to close the viewer.
func (c *Controller) Quit() bool { return c.quit }

// Handle applies one event. Errors from trainer actions are logged; the
// viewer keeps running.
func (c *Controller) Handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case KindQuit:
		c.quit = true
	case KindMouseDown:
		c.dragging = ev.Button
		c.lastX, c.lastY = ev.X, ev.Y
	case KindMouseUp:
		c.dragging = ButtonNone
	case KindMouseMove:
		dx, dy := float32(ev.X-c.lastX), float32(ev.Y-c.lastY)
		c.lastX, c.lastY = ev.X, ev.Y
		switch c.dragging {
		case ButtonLeft:
			c.orbit.HandleDrag(dx, dy)
		case ButtonMiddle:
			c.orbit.HandlePan(dx, dy)
		default:
			return
		}
		c.trainer.MarkDirty()
	case KindWheel:
		c.orbit.HandleZoom(ev.Wheel)
		c.trainer.MarkDirty()
	case KindKeyDown:
		c.key(ctx, ev.Key)
	}
}

func (c *Controller) key(ctx context.Context, key string) {
	switch key {
	case "escape":
		c.quit = true
	case "space":
		on := !c.trainer.IsTraining()
		c.trainer.SetTraining(on)
		c.log.Info("training toggled", zap.Bool("training", on))
	case "r":
		if err := c.trainer.Restart(ctx); err != nil {
			c.log.Error("restart failed", zap.Error(err))
		}
	case "1":
		c.set("mode", string(config.ModeImage))
	case "2":
		c.set("mode", string(config.ModeDepth))
	case "3":
		c.set("mode", string(config.ModeAlpha))
	case "o":
		on, _ := c.live.Get("overlay")
		c.set("overlay", strconv.FormatBool(on != "true"))
	case "m":
		c.save(ctx, trainer.SaveModel)
	case "g":
		c.save(ctx, trainer.SaveGeo)
	case "t":
		c.save(ctx, trainer.SaveGeoTex)
	case "[":
		c.nudgeFov(-fovStep)
	case "]":
		c.nudgeFov(fovStep)
	}
}

func (c *Controller) set(name, value string) {
	if err := c.live.Set(name, value); err != nil {
		c.log.Warn("rejected parameter", zap.String("name", name), zap.Error(err))
		return
	}
	c.trainer.MarkDirty()
}

func (c *Controller) nudgeFov(delta float32) {
	v, _ := c.live.Snapshot()
	fov := min(max(v.FovY+delta, 1), 179)
	c.set("fovy", strconv.FormatFloat(float64(fov), 'g', -1, 32))
}

func (c *Controller) save(ctx context.Context, mode trainer.SaveMode) {
	if _, err := c.trainer.Save(ctx, mode); err != nil {
		c.log.Error("save failed", zap.String("mode", string(mode)), zap.Error(err))
	}
}

// Frame runs one step when training is on and returns a new preview when
// one is needed, or nil when the last one is still current.
func (c *Controller) Frame(ctx context.Context) (*raster.Image, error) {
	if c.trainer.IsTraining() {
		if _, err := c.trainer.StepOnce(ctx); err != nil {
			c.trainer.SetTraining(false)
			return nil, err
		}
	}
	if !c.trainer.NeedsRedraw() {
		return nil, nil
	}
	return c.trainer.RenderPreview(ctx)
}
