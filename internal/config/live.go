package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

var (
	// ErrUnknownParam is returned when setting a name that is not registered.
	ErrUnknownParam = errors.New("unknown parameter")
	// ErrInvalidValue is returned when a value fails to parse or is out of range.
	ErrInvalidValue = errors.New("invalid parameter value")
)

// PreviewMode selects what the preview render shows.
type PreviewMode string

// Preview modes.
const (
	ModeImage PreviewMode = "image"
	ModeDepth PreviewMode = "depth"
	ModeAlpha PreviewMode = "alpha"
)

// LiveValues is the set of parameters that may change while training runs.
// The trainer reads a copy at the start of every step.
type LiveValues struct {
	Elevation      float32
	FovY           float32
	Prompt         string
	NegativePrompt string
	ScaleModifier  float32
	Overlay        bool
	OverlayRatio   float32
	Mode           PreviewMode
	SavePath       string
	StepsPerFrame  int
	Seed           int64
}

type liveField struct {
	set func(v *LiveValues, s string) error
	get func(v LiveValues) string
}

// Live is a registry of named, validated parameters. Each successful Set
// bumps the version so readers can tell a snapshot is stale.
type Live struct {
	mu      sync.Mutex
	values  LiveValues
	version uint64
	fields  map[string]liveField
}

// NewLive seeds the live parameters from the loaded config.
func NewLive(cfg *Config) *Live {
	l := &Live{
		values: LiveValues{
			Elevation:      cfg.Camera.Elevation,
			FovY:           cfg.Camera.FovY,
			Prompt:         cfg.Data.Prompt,
			NegativePrompt: cfg.Data.NegativePrompt,
			ScaleModifier:  1,
			OverlayRatio:   0.5,
			Mode:           ModeImage,
			SavePath:       cfg.Output.SavePath,
			StepsPerFrame:  cfg.Training.StepsPerFrame,
			Seed:           cfg.Data.Seed,
		},
	}
	l.fields = map[string]liveField{
		"elevation":       floatField(func(v *LiveValues) *float32 { return &v.Elevation }, -90, 90),
		"fovy":            floatField(func(v *LiveValues) *float32 { return &v.FovY }, 1, 179),
		"scale_modifier":  floatField(func(v *LiveValues) *float32 { return &v.ScaleModifier }, 0.01, 1),
		"overlay_ratio":   floatField(func(v *LiveValues) *float32 { return &v.OverlayRatio }, 0, 1),
		"prompt":          stringField(func(v *LiveValues) *string { return &v.Prompt }, true),
		"negative_prompt": stringField(func(v *LiveValues) *string { return &v.NegativePrompt }, true),
		"save_path":       stringField(func(v *LiveValues) *string { return &v.SavePath }, false),
		"steps_per_frame": intField(func(v *LiveValues) *int { return &v.StepsPerFrame }, 1, 100),
		"overlay": {
			set: func(v *LiveValues, s string) error {
				b, err := strconv.ParseBool(s)
				if err != nil {
					return fmt.Errorf("%w: %q is not a bool", ErrInvalidValue, s)
				}
				v.Overlay = b
				return nil
			},
			get: func(v LiveValues) string { return strconv.FormatBool(v.Overlay) },
		},
		"mode": {
			set: func(v *LiveValues, s string) error {
				switch m := PreviewMode(s); m {
				case ModeImage, ModeDepth, ModeAlpha:
					v.Mode = m
					return nil
				}
				return fmt.Errorf("%w: mode %q", ErrInvalidValue, s)
			},
			get: func(v LiveValues) string { return string(v.Mode) },
		},
		"seed": {
			set: func(v *LiveValues, s string) error {
				n, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, s)
				}
				v.Seed = n
				return nil
			},
			get: func(v LiveValues) string { return strconv.FormatInt(v.Seed, 10) },
		},
	}
	return l
}

// Set parses and stores a parameter. The stored values are untouched on
// error.
func (l *Live) Set(name, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.fields[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParam, name)
	}
	next := l.values
	if err := f.set(&next, value); err != nil {
		return fmt.Errorf("setting %s: %w", name, err)
	}
	l.values = next
	l.version++
	return nil
}

// Get returns the formatted value of a parameter.
func (l *Live) Get(name string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.fields[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownParam, name)
	}
	return f.get(l.values), nil
}

// Names returns the registered parameter names in sorted order.
func (l *Live) Names() []string {
	names := make([]string, 0, len(l.fields))
	for name := range l.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of the current values and their version.
func (l *Live) Snapshot() (LiveValues, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.values, l.version
}

func floatField(ptr func(*LiveValues) *float32, lo, hi float32) liveField {
	return liveField{
		set: func(v *LiveValues, s string) error {
			f, err := strconv.ParseFloat(s, 32)
			if err != nil {
				return fmt.Errorf("%w: %q is not a number", ErrInvalidValue, s)
			}
			if float32(f) < lo || float32(f) > hi {
				return fmt.Errorf("%w: %v outside [%v, %v]", ErrInvalidValue, f, lo, hi)
			}
			*ptr(v) = float32(f)
			return nil
		},
		get: func(v LiveValues) string {
			return strconv.FormatFloat(float64(*ptr(&v)), 'g', -1, 32)
		},
	}
}

func intField(ptr func(*LiveValues) *int, lo, hi int) liveField {
	return liveField{
		set: func(v *LiveValues, s string) error {
			n, err := strconv.Atoi(s)
			if err != nil {
				return fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, s)
			}
			if n < lo || n > hi {
				return fmt.Errorf("%w: %d outside [%d, %d]", ErrInvalidValue, n, lo, hi)
			}
			*ptr(v) = n
			return nil
		},
		get: func(v LiveValues) string { return strconv.Itoa(*ptr(&v)) },
	}
}

func stringField(ptr func(*LiveValues) *string, allowEmpty bool) liveField {
	return liveField{
		set: func(v *LiveValues, s string) error {
			if s == "" && !allowEmpty {
				return fmt.Errorf("%w: empty string", ErrInvalidValue)
			}
			*ptr(v) = s
			return nil
		},
		get: func(v LiveValues) string { return *ptr(&v) },
	}
}
