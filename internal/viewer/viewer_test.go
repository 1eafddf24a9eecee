package viewer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/splatforge/internal/camera"
	"github.com/Faultbox/splatforge/internal/config"
	"github.com/Faultbox/splatforge/internal/trainer"
	"github.com/Faultbox/splatforge/pkg/raster"
)

type fakeTrainer struct {
	training bool
	dirty    bool
	steps    int
	previews int
	restarts int
	saves    []trainer.SaveMode
	stepErr  error
}

func (f *fakeTrainer) StepOnce(context.Context) (trainer.StepReport, error) {
	if f.stepErr != nil {
		return trainer.StepReport{}, f.stepErr
	}
	f.steps++
	f.dirty = true
	return trainer.StepReport{Step: f.steps}, nil
}

func (f *fakeTrainer) RenderPreview(context.Context) (*raster.Image, error) {
	f.previews++
	f.dirty = false
	return raster.New(2, 2, 3), nil
}

func (f *fakeTrainer) NeedsRedraw() bool { return f.dirty }
func (f *fakeTrainer) MarkDirty() { f.dirty = true }
func (f *fakeTrainer) IsTraining() bool { return f.training }
func (f *fakeTrainer) SetTraining(on bool) { f.training = on }
func (f *fakeTrainer) Restart(context.Context) error {
	f.restarts++
	return nil
}

func (f *fakeTrainer) Save(_ context.Context, mode trainer.SaveMode) (string, error) {
	f.saves = append(f.saves, mode)
	return string(mode), nil
}

func setup() (*Controller, *fakeTrainer, *camera.OrbitCamera, *config.Live) {
	cfg := config.Default()
	ft := &fakeTrainer{}
	orbit := camera.NewOrbitCamera(cfg.Camera.Radius, cfg.Camera.FovY)
	live := config.NewLive(cfg)
	return NewController(ft, orbit, live), ft, orbit, live
}

func press(c *Controller, key string) {
	c.Handle(context.Background(), Event{Kind: KindKeyDown, Key: key})
}

func TestKeyBindings(t *testing.T) {
	c, ft, _, live := setup()

	press(c, "space")
	assert.True(t, ft.training)
	press(c, "space")
	assert.False(t, ft.training)

	press(c, "r")
	assert.Equal(t, 1, ft.restarts)

	press(c, "2")
	mode, _ := live.Get("mode")
	assert.Equal(t, "depth", mode)
	press(c, "3")
	mode, _ = live.Get("mode")
	assert.Equal(t, "alpha", mode)
	press(c, "1")
	mode, _ = live.Get("mode")
	assert.Equal(t, "image", mode)

	press(c, "o")
	overlay, _ := live.Get("overlay")
	assert.Equal(t, "true", overlay)
	press(c, "o")
	overlay, _ = live.Get("overlay")
	assert.Equal(t, "false", overlay)

	press(c, "m")
	press(c, "g")
	press(c, "t")
	assert.Equal(t, []trainer.SaveMode{trainer.SaveModel, trainer.SaveGeo, trainer.SaveGeoTex}, ft.saves)

	assert.False(t, c.Quit())
	press(c, "escape")
	assert.True(t, c.Quit())
}

func TestFovKeysClamp(t *testing.T) {
	c, _, _, live := setup()
	press(c, "]")
	fov, _ := live.Get("fovy")
	assert.Equal(t, "54.1", fov)

	for i := 0; i < 40; i++ {
		press(c, "]")
	}
	fov, _ = live.Get("fovy")
	assert.Equal(t, "179", fov)
}

func TestMouseOrbitPanZoom(t *testing.T) {
	c, ft, orbit, _ := setup()
	ctx := context.Background()

	// moving without a button does nothing
	c.Handle(ctx, Event{Kind: KindMouseMove, X: 10, Y: 10})
	assert.Zero(t, orbit.Azimuth)
	assert.False(t, ft.dirty)

	c.Handle(ctx, Event{Kind: KindMouseDown, Button: ButtonLeft, X: 10, Y: 10})
	c.Handle(ctx, Event{Kind: KindMouseMove, X: 30, Y: 14})
	assert.InDelta(t, -20*orbit.DragSensitivity, orbit.Azimuth, 1e-5)
	assert.InDelta(t, 4*orbit.DragSensitivity, orbit.Elevation, 1e-5)
	assert.True(t, ft.dirty)
	c.Handle(ctx, Event{Kind: KindMouseUp, Button: ButtonLeft})

	c.Handle(ctx, Event{Kind: KindMouseDown, Button: ButtonMiddle, X: 0, Y: 0})
	c.Handle(ctx, Event{Kind: KindMouseMove, X: 50, Y: 0})
	assert.NotZero(t, orbit.Center.Length())
	c.Handle(ctx, Event{Kind: KindMouseUp, Button: ButtonMiddle})

	r := orbit.Radius
	c.Handle(ctx, Event{Kind: KindWheel, Wheel: 1})
	assert.Less(t, orbit.Radius, r)

	c.Handle(ctx, Event{Kind: KindQuit})
	assert.True(t, c.Quit())
}

func TestFrame(t *testing.T) {
	c, ft, _, _ := setup()
	ctx := context.Background()

	img, err := c.Frame(ctx)
	require.NoError(t, err)
	assert.Nil(t, img)
	assert.Zero(t, ft.steps)

	ft.training = true
	img, err = c.Frame(ctx)
	require.NoError(t, err)
	assert.NotNil(t, img)
	assert.Equal(t, 1, ft.steps)
	assert.Equal(t, 1, ft.previews)

	ft.stepErr = errors.New("boom")
	_, err = c.Frame(ctx)
	assert.Error(t, err)
	assert.False(t, ft.training)
}
