package config

import (
	"errors"
	"testing"
)

func TestLiveSet(t *testing.T) {
	live := NewLive(Default())

	tests := []struct {
		name    string
		value   string
		wantErr error
		check   func(LiveValues) bool
	}{
		{"elevation", "-30", nil, func(v LiveValues) bool { return v.Elevation == -30 }},
		{"elevation", "120", ErrInvalidValue, nil},
		{"fovy", "abc", ErrInvalidValue, nil},
		{"mode", "depth", nil, func(v LiveValues) bool { return v.Mode == ModeDepth }},
		{"mode", "normal", ErrInvalidValue, nil},
		{"prompt", "a red chair", nil, func(v LiveValues) bool { return v.Prompt == "a red chair" }},
		{"save_path", "", ErrInvalidValue, nil},
		{"steps_per_frame", "4", nil, func(v LiveValues) bool { return v.StepsPerFrame == 4 }},
		{"overlay", "true", nil, func(v LiveValues) bool { return v.Overlay }},
		{"seed", "7", nil, func(v LiveValues) bool { return v.Seed == 7 }},
		{"scale_modifier", "0", ErrInvalidValue, nil},
		{"scale_modifier", "0.5", nil, func(v LiveValues) bool { return v.ScaleModifier == 0.5 }},
		{"no_such_param", "1", ErrUnknownParam, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name+"="+tt.value, func(t *testing.T) {
			before, version := live.Snapshot()
			err := live.Set(tt.name, tt.value)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				after, afterVersion := live.Snapshot()
				if after != before || afterVersion != version {
					t.Error("failed Set must not change values")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			v, afterVersion := live.Snapshot()
			if !tt.check(v) {
				t.Errorf("value not applied: %+v", v)
			}
			if afterVersion != version+1 {
				t.Errorf("expected version %d, got %d", version+1, afterVersion)
			}
		})
	}
}

func TestLiveGet(t *testing.T) {
	cfg := Default()
	cfg.Camera.Elevation = 15
	live := NewLive(cfg)

	got, err := live.Get("elevation")
	if err != nil || got != "15" {
		t.Errorf("Get(elevation) = %q, %v", got, err)
	}
	if _, err := live.Get("bogus"); !errors.Is(err, ErrUnknownParam) {
		t.Errorf("expected ErrUnknownParam, got %v", err)
	}
	if len(live.Names()) != 11 {
		t.Errorf("expected 11 parameters, got %v", live.Names())
	}
}

func TestLiveSnapshotIsCopy(t *testing.T) {
	live := NewLive(Default())
	snap, _ := live.Snapshot()
	if err := live.Set("prompt", "changed"); err != nil {
		t.Fatal(err)
	}
	if snap.Prompt == "changed" {
		t.Error("snapshot must not observe later writes")
	}
}
