package logic

import "time"

// GestureEngine debounces two buttons and turns presses into gestures.
type GestureEngine struct {
	cfg            GestureConfig
	b1             ButtonState
	b2             ButtonState
	started        bool
	bothLongFired  bool
	swallowSingles bool
}

// NewGestureEngine creates a gesture engine with the given thresholds.
func NewGestureEngine(cfg GestureConfig) *GestureEngine {
	return &GestureEngine{cfg: cfg}
}

// Process takes a new input sample and returns any gestures that completed.
// Events are ordered BTN1, BTN2, then BOTH_LONG when several complete on the
// same sample.
func (g *GestureEngine) Process(input Input) []ButtonEvent {
	now := input.Time
	if !g.started {
		// First sample becomes the debounced baseline. A button already held
		// at start counts as pressed from now.
		g.b1 = baseline(input.B1, now)
		g.b2 = baseline(input.B2, now)
		g.started = true
	}

	g.debounce(&g.b1, input.B1, now)
	g.debounce(&g.b2, input.B2, now)

	var events []ButtonEvent
	if t := g.track(&g.b1, EventBtn1Short, EventBtn1Long, now); t != EventNone {
		events = append(events, ButtonEvent{Type: t, Time: now})
	}
	if t := g.track(&g.b2, EventBtn2Short, EventBtn2Long, now); t != EventNone {
		events = append(events, ButtonEvent{Type: t, Time: now})
	}

	if g.b1.Debounced && g.b2.Debounced {
		since := g.b1.PressStart
		if g.b2.PressStart.After(since) {
			since = g.b2.PressStart
		}
		if !g.bothLongFired && now.Sub(since) >= g.cfg.Long {
			events = append(events, ButtonEvent{Type: EventBothLong, Time: now})
			g.bothLongFired = true
			g.swallowSingles = true
			// The combo consumed the held time; a later release must not
			// report it again as a long press.
			g.b1.PressStart = now
			g.b2.PressStart = now
		}
	} else {
		g.bothLongFired = false
		if !g.b1.Debounced && !g.b2.Debounced {
			g.swallowSingles = false
		}
	}

	return events
}

func baseline(raw bool, now time.Time) ButtonState {
	return ButtonState{
		Raw:        raw,
		Debounced:  raw,
		LastChange: now,
		Pressed:    raw,
		PressStart: now,
	}
}

// debounce restarts the window on every raw transition and adopts the raw
// level once it has held for the debounce duration.
func (g *GestureEngine) debounce(b *ButtonState, raw bool, now time.Time) {
	if raw != b.Raw {
		b.Raw = raw
		b.LastChange = now
	}
	if now.Sub(b.LastChange) >= g.cfg.Debounce {
		b.Debounced = raw
	}
}

// track updates press timing for one button and returns the gesture
// completed by a release, or EventNone.
func (g *GestureEngine) track(b *ButtonState, short, long ButtonEventType, now time.Time) ButtonEventType {
	if b.Debounced && !b.Pressed {
		b.Pressed = true
		b.PressStart = now
		return EventNone
	}
	if b.Debounced || !b.Pressed {
		return EventNone
	}

	b.Pressed = false
	if g.swallowSingles {
		return EventNone
	}
	held := now.Sub(b.PressStart)
	switch {
	case held >= g.cfg.Long:
		return long
	case held >= g.cfg.ShortMin:
		return short
	}
	return EventNone
}

// Debounced returns the current debounced levels of both buttons.
func (g *GestureEngine) Debounced() (b1, b2 bool) {
	return g.b1.Debounced, g.b2.Debounced
}

// Swallowing reports whether single-button gestures are currently suppressed
// because a two-button combo fired and the buttons have not both been released.
func (g *GestureEngine) Swallowing() bool {
	return g.swallowSingles
}
