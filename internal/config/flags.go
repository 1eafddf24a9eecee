package config

import "flag"

var (
	flagConfig    = flag.String("config", "", "Path to config file")
	flagDebug     = flag.Bool("debug", false, "Enable debug logging")
	flagInput     = flag.String("input", "", "Known view image")
	flagMultiView = flag.String("mv", "", "16-tile multi-view reference sheet")
	flagPoses     = flag.String("poses", "", "Camera pose archive")
	flagPrompt    = flag.String("prompt", "", "Text prompt")
	flagLoad      = flag.String("load", "", "Checkpoint to start from")
	flagIters     = flag.Int("iters", 0, "Training iterations")
	flagOutDir    = flag.String("outdir", "", "Output directory")
	flagSavePath  = flag.String("save-path", "", "Output file name stem")
	flagGuidance  = flag.String("guidance", "", "Guidance sidecar websocket URL")
	flagMetrics   = flag.String("metrics", "", "Prometheus listen address")
	flagGUI       = flag.Bool("gui", false, "Open the interactive viewer")
)

// ParseFlags parses command-line flags. Call this early in main() with the
// arguments that follow the subcommand.
func ParseFlags(args []string) error {
	return flag.CommandLine.Parse(args)
}

// ConfigPath returns the explicit config path if provided via --config flag.
func ConfigPath() string {
	return *flagConfig
}

// Args returns the positional arguments left after flag parsing.
func Args() []string {
	return flag.Args()
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config) {
	if *flagDebug {
		cfg.Logging.Level = "debug"
	}
	if *flagInput != "" {
		cfg.Data.Input = *flagInput
	}
	if *flagMultiView != "" {
		cfg.Data.MultiView = *flagMultiView
	}
	if *flagPoses != "" {
		cfg.Data.Poses = *flagPoses
	}
	if *flagPrompt != "" {
		cfg.Data.Prompt = *flagPrompt
	}
	if *flagLoad != "" {
		cfg.Training.Load = *flagLoad
	}
	if *flagIters > 0 {
		cfg.Training.Iters = *flagIters
	}
	if *flagOutDir != "" {
		cfg.Output.Dir = *flagOutDir
	}
	if *flagSavePath != "" {
		cfg.Output.SavePath = *flagSavePath
	}
	if *flagGuidance != "" {
		cfg.Guidance.Endpoint = *flagGuidance
	}
	if *flagMetrics != "" {
		cfg.Metrics.Listen = *flagMetrics
	}
	if *flagGUI {
		cfg.Viewer.Enabled = true
	}
}
