package trainer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Faultbox/splatforge/internal/camera"
	"github.com/Faultbox/splatforge/internal/cloud"
	"github.com/Faultbox/splatforge/internal/config"
	"github.com/Faultbox/splatforge/internal/guidance"
	"github.com/Faultbox/splatforge/internal/imageio"
	"github.com/Faultbox/splatforge/internal/mesh"
	"github.com/Faultbox/splatforge/internal/render"
	"github.com/Faultbox/splatforge/pkg/math"
	"github.com/Faultbox/splatforge/pkg/raster"
)

type fakeSD struct {
	prompts []string
	ratios  []float32
}

func (f *fakeSD) TextEmbeds(_ context.Context, prompt, _ string) error {
	f.prompts = append(f.prompts, prompt)
	return nil
}

func (f *fakeSD) TrainStep(_ context.Context, images []*raster.Image, stepRatio float32) (*guidance.Result, error) {
	f.ratios = append(f.ratios, stepRatio)
	res := &guidance.Result{Loss: 1}
	for _, img := range images {
		// a horizontal ramp, so every primitive is pushed sideways
		g := raster.New(img.W, img.H, img.C)
		for i := range g.Pix {
			g.Pix[i] = 0.01 * float32(i%img.W) / float32(img.W)
		}
		res.Grads = append(res.Grads, g)
	}
	return res, nil
}

type fakeModels struct {
	sd      *fakeSD
	err     error
	sdLoads int
}

func (f *fakeModels) SD(context.Context) (guidance.SD, error) {
	f.sdLoads++
	if f.err != nil {
		return nil, f.err
	}
	return f.sd, nil
}

func (f *fakeModels) Zero123(context.Context) (guidance.Zero123, error) {
	return nil, guidance.ErrGuidanceUnavailable
}

// tracingRenderer returns blank renders in which only one primitive is
// visible: row k in the k-th render of the test.
type tracingRenderer struct{ calls int }

func (r *tracingRenderer) Render(_ context.Context, c *cloud.Cloud, cam camera.Camera, opts render.Options) (*render.Output, error) {
	k := r.calls
	r.calls++
	w, h := cam.Width(), cam.Height()
	out := &render.Output{
		Image:   raster.Filled(w, h, opts.Background[0], opts.Background[1], opts.Background[2]),
		Alpha:   raster.New(w, h, 1),
		Depth:   raster.New(w, h, 1),
		Visible: make([]bool, c.Len()),
		Radii:   make([]float32, c.Len()),
		Camera:  cam,
	}
	out.Visible[k] = true
	out.Radii[k] = float32(k + 1)
	return out, nil
}

func (r *tracingRenderer) Backward(c *cloud.Cloud, out *render.Output, _ render.OutputGrad) error {
	out.ScreenGrad = make([]float32, 2*c.Len())
	for i, vis := range out.Visible {
		if vis {
			out.ScreenGrad[2*i] = out.Radii[i]
		}
	}
	return nil
}

type fixedMesh struct{ m *mesh.Mesh }

func (f fixedMesh) Extract(*cloud.Cloud, float32) (*mesh.Mesh, error) { return f.m, nil }

// writeInput saves an opaque red reference image and returns its path.
func writeInput(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "object_rgba.png")
	require.NoError(t, imageio.SavePNG(path, raster.Filled(32, 32, 1, 0, 0, 1)))
	return path
}

// testConfig is a small setup: 100 primitives, a 32 pixel known view and a
// densification pass every second step.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Data.Input = writeInput(t, dir)
	cfg.Data.RefSize = 32
	cfg.Camera.Width, cfg.Camera.Height = 32, 32
	cfg.Training.NumPoints = 100
	cfg.Training.Iters = 10
	cfg.Training.StepsPerFrame = 1
	cfg.Loss = config.LossConfig{KnownView: 1, KnownViewMask: 1}
	cfg.Densify.StartIter = 1
	cfg.Densify.EndIter = 10
	cfg.Densify.Interval = 2
	cfg.Densify.OpacityResetInterval = 0
	cfg.Densify.GradThreshold = 1e-12
	cfg.Densify.MinOpacity = 0.001
	cfg.Densify.Extent = 0.5
	cfg.Bake.TextureSize = 16
	cfg.Bake.RenderSize = 32
	cfg.Output.Dir = filepath.Join(dir, "out")
	return cfg
}

func newTrainer(t *testing.T, cfg *config.Config, deps Deps) *Trainer {
	t.Helper()
	return New(cfg, config.NewLive(cfg), deps)
}

func TestDensifyIntervalGrowsCloud(t *testing.T) {
	tr := newTrainer(t, testConfig(t), Deps{})
	ctx := context.Background()
	require.NoError(t, tr.Prepare(ctx))
	require.Equal(t, 100, tr.Cloud().Len())

	_, err := tr.StepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, tr.Cloud().Len())

	report, err := tr.StepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Step)
	assert.Greater(t, tr.Cloud().Len(), 100)
	assert.Equal(t, tr.Cloud().Len(), report.Primitives)
	for i, d := range tr.Cloud().Denom() {
		require.Zero(t, d, "row %d", i)
	}
	assert.Greater(t, report.Loss, float32(0))
	assert.True(t, tr.NeedsRedraw())
}

func TestGuidanceDrivesDensification(t *testing.T) {
	cfg := testConfig(t)
	cfg.Data.Input = ""
	cfg.Data.Prompt = "a red apple"
	cfg.Loss = config.LossConfig{SD: 1}
	sd := &fakeSD{}
	models := &fakeModels{sd: sd}
	tr := newTrainer(t, cfg, Deps{Models: models})

	ctx := context.Background()
	require.NoError(t, tr.Prepare(ctx))
	assert.Equal(t, 1, models.sdLoads)
	assert.Equal(t, []string{"a red apple"}, sd.prompts)

	for i := 0; i < 2; i++ {
		_, err := tr.StepOnce(ctx)
		require.NoError(t, err)
	}
	assert.InDeltaSlice(t, []float32{0.1, 0.2}, sd.ratios, 1e-6)
	assert.Greater(t, tr.Cloud().Len(), 100)
}

func TestDensifyStatsComeFromLastNovelView(t *testing.T) {
	cfg := testConfig(t)
	cfg.Data.Prompt = "a red apple"
	cfg.Loss.SD = 1
	cfg.Training.BatchSize = 2
	cfg.Densify.Interval = 100
	r := &tracingRenderer{}
	tr := newTrainer(t, cfg, Deps{Renderer: r, Models: &fakeModels{sd: &fakeSD{}}})

	ctx := context.Background()
	_, err := tr.StepOnce(ctx)
	require.NoError(t, err)
	// known view, then two novel views
	require.Equal(t, 3, r.calls)

	c := tr.Cloud()
	for i := 0; i < c.Len(); i++ {
		if i == 2 {
			continue
		}
		require.Zero(t, c.Denom()[i], "row %d", i)
		require.Zero(t, c.MaxRadii2D()[i], "row %d", i)
	}
	assert.Equal(t, float32(1), c.Denom()[2])
	assert.Equal(t, float32(3), c.MaxRadii2D()[2])
	assert.InDelta(t, 3, c.GradAccum()[2], 1e-6)
}

func TestSeedChangeRestartsLikeFreshRun(t *testing.T) {
	ctx := context.Background()
	tr := newTrainer(t, testConfig(t), Deps{})
	require.NoError(t, tr.Prepare(ctx))
	require.NoError(t, tr.live.Set("seed", "42"))
	require.NoError(t, tr.Restart(ctx))

	cfg := testConfig(t)
	cfg.Data.Seed = 42
	fresh := newTrainer(t, cfg, Deps{})
	require.NoError(t, fresh.Prepare(ctx))

	require.Equal(t, fresh.Cloud().Len(), tr.Cloud().Len())
	for i := 0; i < tr.Cloud().Len(); i++ {
		require.Equal(t, fresh.Cloud().Position(i), tr.Cloud().Position(i), "row %d", i)
	}
}

func TestLiveSeedRebuildsSampler(t *testing.T) {
	cfg := testConfig(t)
	cfg.Data.Prompt = "a red apple"
	cfg.Loss.SD = 1
	tr := newTrainer(t, cfg, Deps{Models: &fakeModels{sd: &fakeSD{}}})

	ctx := context.Background()
	_, err := tr.StepOnce(ctx)
	require.NoError(t, err)
	before := tr.sampler
	require.NoError(t, tr.live.Set("seed", "7"))
	_, err = tr.StepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), tr.rngSeed)
	require.NotNil(t, tr.sampler)
	assert.NotSame(t, before, tr.sampler)
}

func TestRestartBeforePrepare(t *testing.T) {
	tr := newTrainer(t, testConfig(t), Deps{})
	require.NoError(t, tr.Restart(context.Background()))
	assert.Equal(t, 100, tr.Cloud().Len())
	assert.Equal(t, 0, tr.Step())
}

func TestPromptChangeReloadsEmbeddings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Data.Prompt = "a cat"
	cfg.Loss.SD = 1
	sd := &fakeSD{}
	cfgLive := config.NewLive(cfg)
	tr := New(cfg, cfgLive, Deps{Models: &fakeModels{sd: sd}})

	ctx := context.Background()
	_, err := tr.StepOnce(ctx)
	require.NoError(t, err)
	require.NoError(t, cfgLive.Set("prompt", "a dog"))
	_, err = tr.StepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a cat", "a dog"}, sd.prompts)
}

func TestPrepareFailsWithoutGuidanceModel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Data.Prompt = "a cat"
	cfg.Loss.SD = 1

	err := newTrainer(t, cfg, Deps{}).Prepare(context.Background())
	assert.ErrorIs(t, err, guidance.ErrGuidanceUnavailable)

	boom := errors.New("sidecar down")
	err = newTrainer(t, cfg, Deps{Models: &fakeModels{err: boom}}).Prepare(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestGuidanceWithoutPromptIsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Loss.SD = 1
	models := &fakeModels{sd: &fakeSD{}}
	tr := newTrainer(t, cfg, Deps{Models: models})

	require.NoError(t, tr.Prepare(context.Background()))
	assert.Zero(t, models.sdLoads)
	assert.False(t, tr.composer.GuidanceEnabled())
}

func TestCaptionBecomesPrompt(t *testing.T) {
	cfg := testConfig(t)
	caption := strings.TrimSuffix(cfg.Data.Input, "_rgba.png") + "_caption.txt"
	require.NoError(t, os.WriteFile(caption, []byte("a red square\n"), 0644))
	live := config.NewLive(cfg)

	require.NoError(t, New(cfg, live, Deps{}).Prepare(context.Background()))
	prompt, err := live.Get("prompt")
	require.NoError(t, err)
	assert.Equal(t, "a red square", prompt)
}

func TestNoObjective(t *testing.T) {
	cfg := testConfig(t)
	cfg.Data.Input = ""
	err := newTrainer(t, cfg, Deps{}).Prepare(context.Background())
	assert.ErrorIs(t, err, ErrNoObjective)
}

func TestMultiViewNeedsPoses(t *testing.T) {
	cfg := testConfig(t)
	sheet := filepath.Join(t.TempDir(), "sheet.png")
	require.NoError(t, imageio.SavePNG(sheet, raster.Filled(16*8, 8, 1, 1, 1, 1)))
	cfg.Data.MultiView = sheet

	err := newTrainer(t, cfg, Deps{}).Prepare(context.Background())
	assert.ErrorIs(t, err, ErrRigMismatch)
}

func TestTrainHonoursCancellation(t *testing.T) {
	tr := newTrainer(t, testConfig(t), Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, tr.Prepare(ctx))
	cancel()

	assert.ErrorIs(t, tr.Train(ctx, 5), context.Canceled)
	assert.Zero(t, tr.Step())
}

func TestTrainRunsToIterations(t *testing.T) {
	cfg := testConfig(t)
	cfg.Training.StepsPerFrame = 3
	tr := newTrainer(t, cfg, Deps{})
	require.NoError(t, tr.Train(context.Background(), 4))
	assert.Equal(t, 4, tr.Step())
}

func TestLiveElevationMovesKnownCamera(t *testing.T) {
	cfg := testConfig(t)
	live := config.NewLive(cfg)
	tr := New(cfg, live, Deps{})
	ctx := context.Background()
	require.NoError(t, tr.Prepare(ctx))
	assert.InDelta(t, 0, tr.knownCam.Position().Y, 1e-5)

	require.NoError(t, live.Set("elevation", "-30"))
	_, err := tr.StepOnce(ctx)
	require.NoError(t, err)
	assert.InDelta(t, cfg.Camera.Radius/2, tr.knownCam.Position().Y, 1e-4)
	assert.Equal(t, float32(-30), tr.sampler.Elevation)
}

func TestRenderPreviewModes(t *testing.T) {
	cfg := testConfig(t)
	live := config.NewLive(cfg)
	tr := New(cfg, live, Deps{})
	ctx := context.Background()

	_, err := tr.RenderPreview(ctx)
	assert.ErrorIs(t, err, ErrNotPrepared)

	require.NoError(t, tr.Prepare(ctx))
	for _, mode := range []string{"image", "depth", "alpha"} {
		require.NoError(t, live.Set("mode", mode))
		tr.MarkDirty()
		img, err := tr.RenderPreview(ctx)
		require.NoError(t, err, mode)
		assert.Equal(t, [3]int{32, 32, 3}, [3]int{img.W, img.H, img.C}, mode)
		assert.False(t, tr.NeedsRedraw(), mode)
		for _, p := range img.Pix {
			require.True(t, p >= 0 && p <= 1.0001, "%s pixel %v", mode, p)
		}
	}

	// a full overlay shows the input image
	require.NoError(t, live.Set("mode", "image"))
	require.NoError(t, live.Set("overlay", "true"))
	require.NoError(t, live.Set("overlay_ratio", "1"))
	img, err := tr.RenderPreview(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1, img.At(16, 16, 0), 1e-3)
	assert.InDelta(t, 0, img.At(16, 16, 1), 1e-3)
}

func TestSaveModes(t *testing.T) {
	cfg := testConfig(t)
	tri := &mesh.Mesh{
		V: []math.Vec3{{X: -0.5, Y: -0.5}, {X: 0.5, Y: -0.5}, {X: 0, Y: 0.5}},
		F: [][3]int32{{0, 1, 2}},
	}
	tr := newTrainer(t, cfg, Deps{Extractor: fixedMesh{tri}})
	ctx := context.Background()

	_, err := tr.Save(ctx, SaveModel)
	assert.ErrorIs(t, err, ErrNotPrepared)

	require.NoError(t, tr.Prepare(ctx))

	require.NoError(t, tr.live.Set("seed", "9"))
	path, err := tr.Save(ctx, SaveModel)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.Output.Dir, "model_model.ply"), path)
	data, err := os.ReadFile(filepath.Join(cfg.Output.Dir, "model_config.yaml"))
	require.NoError(t, err)
	saved := config.Default()
	require.NoError(t, yaml.Unmarshal(data, saved))
	assert.Equal(t, int64(9), saved.Data.Seed)
	assert.Equal(t, cfg.Training.Iters, saved.Training.Iters)
	assert.Equal(t, cfg.Data.Input, saved.Data.Input)
	loaded, err := cloud.Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, tr.Cloud().Len(), loaded.Len())

	path, err = tr.Save(ctx, SaveGeo)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.True(t, strings.HasSuffix(path, "_mesh.ply"))

	path, err = tr.Save(ctx, SaveGeoTex)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "_mesh.obj"))
	for _, name := range []string{"model_mesh.obj", "model_mesh.mtl", "model_mesh_albedo.png"} {
		assert.FileExists(t, filepath.Join(cfg.Output.Dir, name))
	}
	require.NotNil(t, tri.Albedo)
	assert.Equal(t, 16, tri.Albedo.W)
}

func TestParseSaveMode(t *testing.T) {
	for _, s := range []string{"model", "geo", "geo+tex"} {
		m, err := ParseSaveMode(s)
		require.NoError(t, err)
		assert.Equal(t, SaveMode(s), m)
	}
	_, err := ParseSaveMode("mesh")
	assert.Error(t, err)
}
