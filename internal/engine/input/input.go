// Package input translates SDL2 events into viewer events.
package input

import (
	"github.com/veandco/go-sdl2/sdl"

	"github.com/Faultbox/splatforge/internal/viewer"
)

// keyNames maps the scancodes the viewer binds to its key names.
var keyNames = map[sdl.Scancode]string{
	sdl.SCANCODE_ESCAPE:       "escape",
	sdl.SCANCODE_SPACE:        "space",
	sdl.SCANCODE_R:            "r",
	sdl.SCANCODE_1:            "1",
	sdl.SCANCODE_2:            "2",
	sdl.SCANCODE_3:            "3",
	sdl.SCANCODE_O:            "o",
	sdl.SCANCODE_M:            "m",
	sdl.SCANCODE_G:            "g",
	sdl.SCANCODE_T:            "t",
	sdl.SCANCODE_LEFTBRACKET:  "[",
	sdl.SCANCODE_RIGHTBRACKET: "]",
}

// Input collects the events of one frame.
type Input struct {
	events []viewer.Event
	resize bool
}

// New creates an input handler.
func New() *Input {
	return &Input{events: make([]viewer.Event, 0, 16)}
}

// Update polls SDL events and converts them. It returns true when the
// window was closed.
func (i *Input) Update() bool {
	i.events = i.events[:0]
	i.resize = false

	for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
		switch e := event.(type) {
		case *sdl.QuitEvent:
			i.events = append(i.events, viewer.Event{Kind: viewer.KindQuit})
			return true

		case *sdl.WindowEvent:
			if e.Event == sdl.WINDOWEVENT_RESIZED || e.Event == sdl.WINDOWEVENT_SIZE_CHANGED {
				i.resize = true
			}

		case *sdl.KeyboardEvent:
			if e.Type != sdl.KEYDOWN || e.Repeat != 0 {
				continue
			}
			if name, ok := keyNames[e.Keysym.Scancode]; ok {
				i.events = append(i.events, viewer.Event{Kind: viewer.KindKeyDown, Key: name})
			}

		case *sdl.MouseMotionEvent:
			i.events = append(i.events, viewer.Event{
				Kind: viewer.KindMouseMove,
				X:    int(e.X),
				Y:    int(e.Y),
			})

		case *sdl.MouseButtonEvent:
			kind := viewer.KindMouseDown
			if e.Type == sdl.MOUSEBUTTONUP {
				kind = viewer.KindMouseUp
			}
			i.events = append(i.events, viewer.Event{
				Kind:   kind,
				Button: button(e.Button),
				X:      int(e.X),
				Y:      int(e.Y),
			})

		case *sdl.MouseWheelEvent:
			i.events = append(i.events, viewer.Event{
				Kind:  viewer.KindWheel,
				Wheel: float32(e.Y),
			})
		}
	}
	return false
}

// Events returns the events from the last Update.
func (i *Input) Events() []viewer.Event {
	return i.events
}

// Resized reports whether the window size changed during the last Update.
func (i *Input) Resized() bool {
	return i.resize
}

func button(b uint8) viewer.Button {
	switch b {
	case sdl.BUTTON_LEFT:
		return viewer.ButtonLeft
	case sdl.BUTTON_MIDDLE:
		return viewer.ButtonMiddle
	case sdl.BUTTON_RIGHT:
		return viewer.ButtonRight
	}
	return viewer.ButtonNone
}
