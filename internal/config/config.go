// Package config handles reconstruction settings: defaults, the YAML file,
// command-line overrides and the live parameters the viewer can change.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all reconstruction settings.
type Config struct {
	Data      DataConfig      `yaml:"data"`
	Camera    CameraConfig    `yaml:"camera"`
	Training  TrainingConfig  `yaml:"training"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Densify   DensifyConfig   `yaml:"densify"`
	Loss      LossConfig      `yaml:"loss"`
	Guidance  GuidanceConfig  `yaml:"guidance"`
	Mesh      MeshConfig      `yaml:"mesh"`
	Bake      BakeConfig      `yaml:"bake"`
	Output    OutputConfig    `yaml:"output"`
	Viewer    ViewerConfig    `yaml:"viewer"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DataConfig holds input paths and conditioning.
type DataConfig struct {
	Input          string `yaml:"input"`           // known view image (RGBA)
	MultiView      string `yaml:"multi_view"`      // 16-tile reference sheet
	Poses          string `yaml:"poses"`           // camera pose archive (YAML)
	Prompt         string `yaml:"prompt"`          // text conditioning
	NegativePrompt string `yaml:"negative_prompt"` // negative text conditioning
	RefSize        int    `yaml:"ref_size"`        // reference render size
	Seed           int64  `yaml:"seed"`
}

// CameraConfig holds the orbit camera shared by training and preview.
type CameraConfig struct {
	Radius    float32 `yaml:"radius"`
	FovY      float32 `yaml:"fovy"`      // degrees
	Elevation float32 `yaml:"elevation"` // degrees, negative looks down
	Near      float32 `yaml:"near"`
	Far       float32 `yaml:"far"`
	Width     int     `yaml:"width"`  // preview width
	Height    int     `yaml:"height"` // preview height
}

// TrainingConfig holds loop settings.
type TrainingConfig struct {
	Iters         int     `yaml:"iters"`
	BatchSize     int     `yaml:"batch_size"`      // novel views per iteration
	StepsPerFrame int     `yaml:"steps_per_frame"` // iterations per StepOnce
	InvertBgProb  float32 `yaml:"invert_bg_prob"`
	NumPoints     int     `yaml:"num_points"`
	SHDegree      int     `yaml:"sh_degree"`
	InitRadius    float32 `yaml:"init_radius"`
	InitOpacity   float32 `yaml:"init_opacity"`
	Load          string  `yaml:"load"` // checkpoint to start from
}

// OptimizerConfig holds per-attribute learning rates.
type OptimizerConfig struct {
	PositionLRInit      float32 `yaml:"position_lr_init"`
	PositionLRFinal     float32 `yaml:"position_lr_final"`
	PositionLRDelayMult float32 `yaml:"position_lr_delay_mult"`
	PositionLRDelay     int     `yaml:"position_lr_delay"`
	PositionLRMaxSteps  int     `yaml:"position_lr_max_steps"`
	FeatureLR           float32 `yaml:"feature_lr"`
	OpacityLR           float32 `yaml:"opacity_lr"`
	ScalingLR           float32 `yaml:"scaling_lr"`
	RotationLR          float32 `yaml:"rotation_lr"`
}

// DensifyConfig holds the adaptive density schedule.
type DensifyConfig struct {
	StartIter            int     `yaml:"start_iter"`
	EndIter              int     `yaml:"end_iter"`
	Interval             int     `yaml:"interval"`
	OpacityResetInterval int     `yaml:"opacity_reset_interval"`
	GradThreshold        float32 `yaml:"grad_threshold"`
	PercentDense         float32 `yaml:"percent_dense"`
	MinOpacity           float32 `yaml:"min_opacity"`
	Extent               float32 `yaml:"extent"`
	MaxScreenSize        float32 `yaml:"max_screen_size"` // pixels, 0 disables
	OpacityResetValue    float32 `yaml:"opacity_reset_value"`
	FinalMinOpacity      float32 `yaml:"final_min_opacity"`
	FinalExtent          float32 `yaml:"final_extent"`
	FinalMaxScreenSize   float32 `yaml:"final_max_screen_size"`
}

// LossConfig holds loss term weights.
type LossConfig struct {
	KnownView     float32 `yaml:"known_view"`
	KnownViewMask float32 `yaml:"known_view_mask"`
	MultiView     float32 `yaml:"multi_view"`
	MultiViewMask float32 `yaml:"multi_view_mask"`
	SD            float32 `yaml:"sd"`
	Zero123       float32 `yaml:"zero123"`
}

// GuidanceConfig holds the guidance sidecar connection.
type GuidanceConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Timeout      time.Duration `yaml:"timeout"`
	SDModel      string        `yaml:"sd_model"`
	Zero123Model string        `yaml:"zero123_model"`
}

// MeshConfig holds isosurface extraction settings.
type MeshConfig struct {
	Resolution       int     `yaml:"resolution"`
	DensityThreshold float32 `yaml:"density_threshold"`
	NumBlocks        int     `yaml:"num_blocks"`
	RelaxRatio       float32 `yaml:"relax_ratio"`
}

// BakeConfig holds texture baking settings.
type BakeConfig struct {
	TextureSize      int     `yaml:"texture_size"`
	RenderSize       int     `yaml:"render_size"`
	ViewCosThreshold float32 `yaml:"view_cos_threshold"`
	CountEpsilon     float32 `yaml:"count_epsilon"`
	DilateIterations int     `yaml:"dilate_iterations"`
	ErodeIterations  int     `yaml:"erode_iterations"`
}

// OutputConfig holds export paths.
type OutputConfig struct {
	Dir      string `yaml:"dir"`
	SavePath string `yaml:"save_path"` // file name stem
}

// ViewerConfig holds interactive window settings.
type ViewerConfig struct {
	Enabled bool `yaml:"enabled"`
	VSync   bool `yaml:"vsync"`
}

// MetricsConfig holds the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the endpoint
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			RefSize: 256,
			Seed:    0,
		},
		Camera: CameraConfig{
			Radius:    2.5,
			FovY:      49.1,
			Elevation: 0,
			Near:      0.01,
			Far:       100,
			Width:     800,
			Height:    800,
		},
		Training: TrainingConfig{
			Iters:         500,
			BatchSize:     1,
			StepsPerFrame: 1,
			InvertBgProb:  0.5,
			NumPoints:     5000,
			SHDegree:      0,
			InitRadius:    0.5,
			InitOpacity:   0.1,
		},
		Optimizer: OptimizerConfig{
			PositionLRInit:      0.001,
			PositionLRFinal:     0.00002,
			PositionLRDelayMult: 0.02,
			PositionLRMaxSteps:  500,
			FeatureLR:           0.01,
			OpacityLR:           0.05,
			ScalingLR:           0.005,
			RotationLR:          0.005,
		},
		Densify: DensifyConfig{
			StartIter:            100,
			EndIter:              3000,
			Interval:             100,
			OpacityResetInterval: 700,
			GradThreshold:        0.01,
			PercentDense:         0.01,
			MinOpacity:           0.01,
			Extent:               0.5,
			MaxScreenSize:        0,
			OpacityResetValue:    0.01,
			FinalMinOpacity:      0.01,
			FinalExtent:          1,
			FinalMaxScreenSize:   0,
		},
		Loss: LossConfig{
			KnownView:     100,
			KnownViewMask: 1,
			MultiView:     10,
			MultiViewMask: 1,
			SD:            0,
			Zero123:       1,
		},
		Guidance: GuidanceConfig{
			Endpoint:     "ws://127.0.0.1:7860/guidance",
			Timeout:      30 * time.Second,
			SDModel:      "stable-diffusion-2-1-base",
			Zero123Model: "zero123-xl",
		},
		Mesh: MeshConfig{
			Resolution:       128,
			DensityThreshold: 1,
			NumBlocks:        16,
			RelaxRatio:       1.5,
		},
		Bake: BakeConfig{
			TextureSize:      1024,
			RenderSize:       512,
			ViewCosThreshold: 0.5,
			CountEpsilon:     0.1,
			DilateIterations: 32,
			ErodeIterations:  3,
		},
		Output: OutputConfig{
			Dir:      "logs",
			SavePath: "model",
		},
		Viewer: ViewerConfig{
			Enabled: false,
			VSync:   true,
		},
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "",
		},
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Training.Iters <= 0:
		return fmt.Errorf("%w: training.iters must be positive", ErrInvalidConfig)
	case c.Training.BatchSize < 1:
		return fmt.Errorf("%w: training.batch_size must be positive", ErrInvalidConfig)
	case c.Training.StepsPerFrame <= 0:
		return fmt.Errorf("%w: training.steps_per_frame must be positive", ErrInvalidConfig)
	case c.Training.SHDegree < 0 || c.Training.SHDegree > 3:
		return fmt.Errorf("%w: training.sh_degree must be in [0, 3]", ErrInvalidConfig)
	case c.Training.InvertBgProb < 0 || c.Training.InvertBgProb > 1:
		return fmt.Errorf("%w: training.invert_bg_prob must be in [0, 1]", ErrInvalidConfig)
	case c.Data.RefSize <= 0:
		return fmt.Errorf("%w: data.ref_size must be positive", ErrInvalidConfig)
	case c.Camera.Radius <= 0 || c.Camera.Near <= 0 || c.Camera.Far <= c.Camera.Near:
		return fmt.Errorf("%w: camera radius and clip planes must be positive and ordered", ErrInvalidConfig)
	case c.Camera.FovY <= 0 || c.Camera.FovY >= 180:
		return fmt.Errorf("%w: camera.fovy must be in (0, 180)", ErrInvalidConfig)
	case c.Densify.Interval <= 0 || c.Densify.OpacityResetInterval <= 0:
		return fmt.Errorf("%w: densify intervals must be positive", ErrInvalidConfig)
	case c.Mesh.Resolution < 2 || c.Mesh.NumBlocks <= 0:
		return fmt.Errorf("%w: mesh.resolution must be at least 2 and num_blocks positive", ErrInvalidConfig)
	case c.Bake.TextureSize <= 0 || c.Bake.RenderSize <= 0:
		return fmt.Errorf("%w: bake sizes must be positive", ErrInvalidConfig)
	}
	return nil
}
