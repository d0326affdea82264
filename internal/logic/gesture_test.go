package logic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const tick = 10 * time.Millisecond

var (
	t0         = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	gestureCfg = GestureConfig{Debounce: 30 * time.Millisecond, ShortMin: 50 * time.Millisecond, Long: 2000 * time.Millisecond}
)

// segment holds both raw levels for a span of ticks.
type segment struct {
	b1, b2 bool
	dur    time.Duration
}

// drive feeds the engine one sample per tick, starting at t0, and returns
// every event emitted along with the time after the last sample.
func drive(g *GestureEngine, segs ...segment) []ButtonEvent {
	var out []ButtonEvent
	now := t0
	for _, s := range segs {
		for end := now.Add(s.dur); now.Before(end); now = now.Add(tick) {
			out = append(out, g.Process(Input{B1: s.b1, B2: s.b2, Time: now})...)
		}
	}
	return out
}

func types(events []ButtonEvent) []ButtonEventType {
	var out []ButtonEventType
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestEventTypeString(t *testing.T) {
	cases := map[ButtonEventType]string{
		EventNone:           "NONE",
		EventBtn1Short:      "BTN1_SHORT",
		EventBtn2Short:      "BTN2_SHORT",
		EventBtn1Long:       "BTN1_LONG",
		EventBtn2Long:       "BTN2_LONG",
		EventBothLong:       "BOTH_LONG",
		ButtonEventType(99): "ButtonEventType(99)",
	}
	for typ, want := range cases {
		assert.Equal(t, want, typ.String())
	}
}

func TestShortPress(t *testing.T) {
	g := NewGestureEngine(gestureCfg)
	events := drive(g,
		segment{dur: 100 * time.Millisecond},
		segment{b1: true, dur: 200 * time.Millisecond},
		segment{dur: 100 * time.Millisecond},
	)
	require.Len(t, events, 1)
	assert.Equal(t, EventBtn1Short, events[0].Type)
	// raw release at 300ms, adopted after the 30ms window
	assert.Equal(t, t0.Add(330*time.Millisecond), events[0].Time)
}

func TestShortPressButton2(t *testing.T) {
	g := NewGestureEngine(gestureCfg)
	events := drive(g,
		segment{dur: 50 * time.Millisecond},
		segment{b2: true, dur: 150 * time.Millisecond},
		segment{dur: 100 * time.Millisecond},
	)
	assert.Equal(t, []ButtonEventType{EventBtn2Short}, types(events))
}

func TestPressBelowShortMinimumIgnored(t *testing.T) {
	g := NewGestureEngine(gestureCfg)
	// Debounced press lasts 40ms, under the 50ms minimum.
	events := drive(g,
		segment{dur: 100 * time.Millisecond},
		segment{b1: true, dur: 40 * time.Millisecond},
		segment{dur: 100 * time.Millisecond},
	)
	assert.Empty(t, events)
}

func TestGlitchShorterThanDebounceIgnored(t *testing.T) {
	g := NewGestureEngine(gestureCfg)
	events := drive(g,
		segment{dur: 100 * time.Millisecond},
		segment{b1: true, dur: 20 * time.Millisecond},
		segment{dur: 100 * time.Millisecond},
	)
	assert.Empty(t, events)
	b1, _ := g.Debounced()
	assert.False(t, b1)
}

func TestBounceRestartsDebounceWindow(t *testing.T) {
	g := NewGestureEngine(gestureCfg)
	now := t0
	g.Process(Input{Time: now})

	// Contact bounce: raw toggles every tick for 60ms.
	level := false
	for i := 0; i < 6; i++ {
		now = now.Add(tick)
		level = !level
		g.Process(Input{B1: level, Time: now})
		b1, _ := g.Debounced()
		assert.False(t, b1, "debounced level moved during bounce at %v", now.Sub(t0))
	}

	// Settles pressed; adopted only after a full window from the last change.
	settled := now.Add(tick)
	for now = settled; now.Sub(settled) < gestureCfg.Debounce; now = now.Add(tick) {
		g.Process(Input{B1: true, Time: now})
		b1, _ := g.Debounced()
		assert.False(t, b1)
	}
	g.Process(Input{B1: true, Time: now})
	b1, _ := g.Debounced()
	assert.True(t, b1)
}

func TestLongPress(t *testing.T) {
	g := NewGestureEngine(gestureCfg)
	events := drive(g,
		segment{dur: 100 * time.Millisecond},
		segment{b1: true, dur: 2100 * time.Millisecond},
		segment{dur: 100 * time.Millisecond},
	)
	assert.Equal(t, []ButtonEventType{EventBtn1Long}, types(events))
}

func TestLongPressFiresOnReleaseOnly(t *testing.T) {
	g := NewGestureEngine(gestureCfg)
	events := drive(g,
		segment{dur: 100 * time.Millisecond},
		segment{b2: true, dur: 5 * time.Second},
	)
	assert.Empty(t, events, "long press is reported on release")
}

func TestBothLong(t *testing.T) {
	g := NewGestureEngine(gestureCfg)
	events := drive(g,
		segment{dur: 100 * time.Millisecond},
		segment{b1: true, b2: true, dur: 5 * time.Second},
		segment{dur: 200 * time.Millisecond},
	)
	require.Equal(t, []ButtonEventType{EventBothLong}, types(events))
	// both debounced at 130ms, combo after 2000ms more
	assert.Equal(t, t0.Add(2130*time.Millisecond), events[0].Time)
	assert.False(t, g.Swallowing(), "swallow resets once both are released")
}

func TestBothLongStaggeredPress(t *testing.T) {
	g := NewGestureEngine(gestureCfg)
	events := drive(g,
		segment{dur: 100 * time.Millisecond},
		segment{b1: true, dur: 1500 * time.Millisecond},
		segment{b1: true, b2: true, dur: 1900 * time.Millisecond},
		segment{dur: 200 * time.Millisecond},
	)
	// b2 was down for less than the long threshold: no combo and
	// both releases count as single presses.
	assert.Equal(t, []ButtonEventType{EventBtn1Long, EventBtn2Short}, types(events))
}

func TestSwallowSinglesUntilBothReleased(t *testing.T) {
	g := NewGestureEngine(gestureCfg)
	events := drive(g,
		segment{dur: 100 * time.Millisecond},
		segment{b1: true, b2: true, dur: 2900 * time.Millisecond}, // combo fires at 2130ms
		segment{b2: true, dur: 500 * time.Millisecond},           // b1 released: swallowed
		segment{b1: true, b2: true, dur: 100 * time.Millisecond}, // b1 tapped while b2 held
		segment{b2: true, dur: 400 * time.Millisecond},           // tap release: swallowed
		segment{dur: 500 * time.Millisecond},                     // both released: swallow ends
		segment{b1: true, dur: 200 * time.Millisecond},
		segment{dur: 100 * time.Millisecond},
	)
	assert.Equal(t, []ButtonEventType{EventBothLong, EventBtn1Short}, types(events))
}

func TestBothLongFiresOncePerCoPress(t *testing.T) {
	g := NewGestureEngine(gestureCfg)
	events := drive(g,
		segment{dur: 100 * time.Millisecond},
		segment{b1: true, b2: true, dur: 10 * time.Second},
		segment{dur: 100 * time.Millisecond},
	)
	assert.Equal(t, []ButtonEventType{EventBothLong}, types(events))
}

func TestBothLongRearmsAfterPartialRelease(t *testing.T) {
	g := NewGestureEngine(gestureCfg)
	events := drive(g,
		segment{dur: 100 * time.Millisecond},
		segment{b1: true, b2: true, dur: 2900 * time.Millisecond},
		segment{b2: true, dur: 100 * time.Millisecond},
		segment{b1: true, b2: true, dur: 2500 * time.Millisecond},
		segment{dur: 100 * time.Millisecond},
	)
	// A new co-press episode fires again; singles stay swallowed throughout
	// because the buttons were never both released in between.
	assert.Equal(t, []ButtonEventType{EventBothLong, EventBothLong}, types(events))
}

func TestHeldAtFirstSample(t *testing.T) {
	g := NewGestureEngine(gestureCfg)
	events := drive(g,
		segment{b1: true, dur: 300 * time.Millisecond},
		segment{dur: 100 * time.Millisecond},
	)
	// Press counted from the first sample.
	assert.Equal(t, []ButtonEventType{EventBtn1Short}, types(events))
}

func TestSimultaneousShortPresses(t *testing.T) {
	g := NewGestureEngine(gestureCfg)
	events := drive(g,
		segment{dur: 100 * time.Millisecond},
		segment{b1: true, b2: true, dur: 300 * time.Millisecond},
		segment{dur: 100 * time.Millisecond},
	)
	assert.Equal(t, []ButtonEventType{EventBtn1Short, EventBtn2Short}, types(events))
}

// rawTrace draws a random two-button trace of segments at least minTicks long.
func rawTrace(t *rapid.T, minTicks int) []segment {
	n := rapid.IntRange(1, 12).Draw(t, "segments")
	segs := make([]segment, n)
	for i := range segs {
		segs[i] = segment{
			b1:  rapid.Bool().Draw(t, "b1"),
			b2:  rapid.Bool().Draw(t, "b2"),
			dur: time.Duration(rapid.IntRange(minTicks, 400).Draw(t, "ticks")) * tick,
		}
	}
	return segs
}

func TestPropertyDebounceDelaysRaw(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := NewGestureEngine(gestureCfg)
		// Levels held for more than the window are adopted exactly one window later.
		segs := rawTrace(t, int(gestureCfg.Debounce/tick)+1)

		var raw1, raw2 []bool
		for _, s := range segs {
			for i := time.Duration(0); i < s.dur; i += tick {
				raw1 = append(raw1, s.b1)
				raw2 = append(raw2, s.b2)
			}
		}
		lag := int(gestureCfg.Debounce / tick)
		for i := range raw1 {
			g.Process(Input{B1: raw1[i], B2: raw2[i], Time: t0.Add(time.Duration(i) * tick)})
			j := i - lag
			if j < 0 {
				j = 0
			}
			d1, d2 := g.Debounced()
			if d1 != raw1[j] || d2 != raw2[j] {
				t.Fatalf("tick %d: debounced (%v,%v), raw one window earlier (%v,%v)", i, d1, d2, raw1[j], raw2[j])
			}
		}
	})
}

func TestPropertyGestureExclusivity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := NewGestureEngine(gestureCfg)
		segs := rawTrace(t, 1)

		swallow := false
		coPress := false
		var coStart time.Time
		combos := 0
		check := func(last time.Time) {
			long := last.Sub(coStart) >= gestureCfg.Long
			if long && combos != 1 {
				t.Fatalf("co-press from %v to %v: %d BOTH_LONG, want 1", coStart, last, combos)
			}
			if !long && combos != 0 {
				t.Fatalf("co-press from %v to %v: %d BOTH_LONG, want 0", coStart, last, combos)
			}
		}

		now := t0
		var prev time.Time
		for _, s := range segs {
			for i := time.Duration(0); i < s.dur; i += tick {
				events := g.Process(Input{B1: s.b1, B2: s.b2, Time: now})
				d1, d2 := g.Debounced()

				for _, e := range events {
					if e.Type == EventBothLong {
						combos++
						continue
					}
					if swallow {
						t.Fatalf("%v emitted at %v while a combo is being swallowed", e.Type, now)
					}
				}

				both := d1 && d2
				switch {
				case both && !coPress:
					coPress, coStart, combos = true, now, 0
					for _, e := range events {
						if e.Type == EventBothLong {
							combos = 1
						}
					}
				case !both && coPress:
					coPress = false
					check(prev)
				}

				if combos > 0 && coPress {
					swallow = true
				}
				if !d1 && !d2 {
					swallow = false
				}
				prev = now
				now = now.Add(tick)
			}
		}
		if coPress {
			check(prev)
		}
	})
}
