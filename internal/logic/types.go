// Package logic contains the pure state machines of the scale: two-button
// gesture detection and weight stability detection.
// This package has NO external dependencies (no GPIO, load cell, network, OS,
// or time.Sleep). Time is always injectable via time.Time parameters.
package logic

import (
	"fmt"
	"time"
)

// ButtonEventType identifies a discrete button gesture.
type ButtonEventType uint8

const (
	EventNone ButtonEventType = iota
	EventBtn1Short
	EventBtn2Short
	EventBtn1Long
	EventBtn2Long
	EventBothLong
)

func (t ButtonEventType) String() string {
	switch t {
	case EventNone:
		return "NONE"
	case EventBtn1Short:
		return "BTN1_SHORT"
	case EventBtn2Short:
		return "BTN2_SHORT"
	case EventBtn1Long:
		return "BTN1_LONG"
	case EventBtn2Long:
		return "BTN2_LONG"
	case EventBothLong:
		return "BOTH_LONG"
	}
	return fmt.Sprintf("ButtonEventType(%d)", uint8(t))
}

// ButtonEvent is a gesture emitted by the GestureEngine.
type ButtonEvent struct {
	Type ButtonEventType
	Time time.Time
}

// Input is a single sample of both buttons.
type Input struct {
	B1   bool // true = pressed (already inverted for active-low wiring)
	B2   bool
	Time time.Time
}

// ButtonState tracks debounce and press timing for a single button.
type ButtonState struct {
	// Last raw level observed
	Raw bool
	// Debounced level
	Debounced bool
	// Time of the last raw transition; restarts the debounce window
	LastChange time.Time
	// Whether a press is being tracked
	Pressed bool
	// Time the current press started
	PressStart time.Time
}

// GestureConfig holds the gesture timing thresholds.
type GestureConfig struct {
	Debounce time.Duration // raw level must hold this long to be adopted
	ShortMin time.Duration // shorter presses are ignored
	Long     time.Duration // long press and two-button combo threshold
}

// Direction tells whether a stable weight change added or removed load.
type Direction string

const (
	DirectionAdd    Direction = "ADD"
	DirectionRemove Direction = "REMOVE"
)

// DetectState is the stability detector state.
type DetectState uint8

const (
	StateIdle DetectState = iota
	StateStabilizing
)

func (s DetectState) String() string {
	if s == StateStabilizing {
		return "STABILIZING"
	}
	return "IDLE"
}

// StabilityConfig holds the weight stability thresholds.
type StabilityConfig struct {
	Threshold float64       // minimum change from the last stable value that starts an episode
	Band      float64       // readings within ±Band of the candidate count as settled
	Dwell     time.Duration // continuous in-band time required before a value is accepted
}

// StableEvent is emitted once per stabilisation episode.
type StableEvent struct {
	Time      time.Time
	Value     float64
	Previous  float64
	Direction Direction
}

// Diff returns the weight change carried by the event.
func (e StableEvent) Diff() float64 {
	return e.Value - e.Previous
}
