package trainer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Faultbox/splatforge/internal/bake"
	"github.com/Faultbox/splatforge/internal/camera"
	"github.com/Faultbox/splatforge/internal/config"
	"github.com/Faultbox/splatforge/internal/mesh"
	"github.com/Faultbox/splatforge/internal/render"
	"github.com/Faultbox/splatforge/pkg/math"
	"github.com/Faultbox/splatforge/pkg/raster"
)

// ErrNotPrepared is returned when an operation needs a cloud and none is
// loaded yet.
var ErrNotPrepared = errors.New("trainer: no cloud loaded")

// SaveMode selects what Save writes.
type SaveMode string

// Save modes.
const (
	SaveModel  SaveMode = "model"   // PLY checkpoint of the cloud
	SaveGeo    SaveMode = "geo"     // extracted mesh as PLY
	SaveGeoTex SaveMode = "geo+tex" // extracted mesh as OBJ with a baked texture
)

// ParseSaveMode validates a save mode name.
func ParseSaveMode(s string) (SaveMode, error) {
	switch m := SaveMode(s); m {
	case SaveModel, SaveGeo, SaveGeoTex:
		return m, nil
	}
	return "", fmt.Errorf("unknown save mode %q", s)
}

func (t *Trainer) outputStem() string {
	v, _ := t.live.Snapshot()
	return filepath.Join(t.cfg.Output.Dir, v.SavePath)
}

// OutputPath returns the file Save writes for mode.
func (t *Trainer) OutputPath(mode SaveMode) string {
	stem := t.outputStem()
	switch mode {
	case SaveModel:
		return stem + "_model.ply"
	case SaveGeo:
		return stem + "_mesh.ply"
	default:
		return stem + "_mesh.obj"
	}
}

// ConfigPath returns where SaveModel records the settings of the run.
func (t *Trainer) ConfigPath() string {
	return t.outputStem() + "_config.yaml"
}

// runConfig returns the config with the current live values folded in, so
// that loading it starts a run where this one stands.
func (t *Trainer) runConfig() *config.Config {
	v, _ := t.live.Snapshot()
	c := *t.cfg
	c.Data.Prompt = v.Prompt
	c.Data.NegativePrompt = v.NegativePrompt
	c.Data.Seed = v.Seed
	c.Camera.Elevation = v.Elevation
	c.Camera.FovY = v.FovY
	c.Training.StepsPerFrame = v.StepsPerFrame
	c.Output.SavePath = v.SavePath
	return &c
}

// Save exports the cloud in the given mode and returns the written path.
func (t *Trainer) Save(ctx context.Context, mode SaveMode) (string, error) {
	if t.cloud == nil {
		return "", fmt.Errorf("save %s: %w", mode, ErrNotPrepared)
	}
	path := t.OutputPath(mode)
	var err error
	switch mode {
	case SaveModel:
		if err = t.cloud.Save(path); err == nil {
			err = t.runConfig().SaveTo(t.ConfigPath())
		}
	case SaveGeo:
		var m *mesh.Mesh
		if m, err = t.ExtractMesh(); err == nil {
			err = m.SavePLY(path)
		}
	case SaveGeoTex:
		var m *mesh.Mesh
		if m, err = t.ExtractMesh(); err == nil {
			if err = t.Bake(ctx, m); err == nil {
				err = m.SaveOBJ(path)
			}
		}
	default:
		err = fmt.Errorf("unknown save mode %q", mode)
	}
	if err != nil {
		t.log.Error("save failed", zap.String("mode", string(mode)), zap.Error(err))
		return "", fmt.Errorf("save %s: %w", mode, err)
	}
	t.metrics.Saved(string(mode))
	t.log.Info("saved", zap.String("mode", string(mode)), zap.String("path", path))
	return path, nil
}

// ExtractMesh runs the isosurface extractor on the current cloud.
func (t *Trainer) ExtractMesh() (*mesh.Mesh, error) {
	m, err := t.extract.Extract(t.cloud, t.cfg.Mesh.DensityThreshold)
	if err != nil {
		return nil, err
	}
	t.log.Info("mesh extracted", zap.Int("vertices", len(m.V)), zap.Int("faces", len(m.F)))
	return m, nil
}

// Bake renders the cloud around m and writes the result into m.Albedo.
func (t *Trainer) Bake(ctx context.Context, m *mesh.Mesh) error {
	v, _ := t.live.Snapshot()
	b := t.cfg.Bake
	cc := t.cfg.Camera
	baker := bake.NewBaker(bake.Options{
		TextureSize:      b.TextureSize,
		RenderSize:       b.RenderSize,
		Radius:           cc.Radius,
		FovY:             math.Radians(v.FovY),
		Near:             cc.Near,
		Far:              cc.Far,
		ViewCosThreshold: b.ViewCosThreshold,
		CountEpsilon:     b.CountEpsilon,
		DilateIterations: b.DilateIterations,
		ErodeIterations:  b.ErodeIterations,
	})
	src := bake.ColorSourceFunc(func(ctx context.Context, cam camera.Camera) (*raster.Image, error) {
		out, err := t.renderer.Render(ctx, t.cloud, cam, render.Options{Background: white})
		if err != nil {
			return nil, err
		}
		return out.Image, nil
	})
	_, err := baker.Bake(ctx, m, src)
	return err
}
