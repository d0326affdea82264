// Package buttons samples the two front-panel buttons on a fixed tick and
// delivers gestures to a single consumer through a bounded queue.
package buttons

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	logger "github.com/sirupsen/logrus"

	"github.com/sweeney/smartscale/internal/gpio"
	"github.com/sweeney/smartscale/internal/logic"
)

// QueueSize is the capacity of the gesture queue.
const QueueSize = 8

// Queue is a bounded FIFO of gestures. Producers never block.
type Queue struct {
	ch chan logic.ButtonEvent
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{ch: make(chan logic.ButtonEvent, QueueSize)}
}

// Offer enqueues ev without blocking. It returns false and drops ev when the
// queue is full.
func (q *Queue) Offer(ev logic.ButtonEvent) bool {
	if ev.Type == logic.EventNone {
		return false
	}
	select {
	case q.ch <- ev:
		return true
	default:
		return false
	}
}

// Events returns the receive side for the single consumer.
func (q *Queue) Events() <-chan logic.ButtonEvent {
	return q.ch
}

// Next blocks until a gesture is available or ctx is done.
func (q *Queue) Next(ctx context.Context) (logic.ButtonEvent, bool) {
	select {
	case ev := <-q.ch:
		return ev, true
	case <-ctx.Done():
		return logic.ButtonEvent{}, false
	}
}

// Len returns the number of queued gestures.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Task runs the gesture engine against a button reader.
type Task struct {
	reader  gpio.Reader
	engine  *logic.GestureEngine
	queue   *Queue
	clock   clockwork.Clock
	log     *logger.Entry
	dropped func(logic.ButtonEvent)

	readErrs int
}

// NewTask creates a Task. dropped, if not nil, is called for every gesture
// the queue could not take.
func NewTask(reader gpio.Reader, cfg logic.GestureConfig, queue *Queue, clock clockwork.Clock, dropped func(logic.ButtonEvent)) *Task {
	return &Task{
		reader:  reader,
		engine:  logic.NewGestureEngine(cfg),
		queue:   queue,
		clock:   clock,
		log:     logger.WithField("component", "buttons"),
		dropped: dropped,
	}
}

// Step samples both buttons once and queues any completed gestures.
// A failed read skips the sample.
func (t *Task) Step() {
	b1, b2, err := t.reader.Read()
	if err != nil {
		// Log the first failure of a run, then stay quiet until reads recover.
		if t.readErrs == 0 {
			t.log.WithError(err).Warn("Button read failed")
		}
		t.readErrs++
		return
	}
	if t.readErrs > 0 {
		t.log.Infof("Button reads recovered after %d failures", t.readErrs)
		t.readErrs = 0
	}

	for _, ev := range t.engine.Process(logic.Input{B1: b1, B2: b2, Time: t.clock.Now()}) {
		t.log.Debugf("Gesture %s", ev.Type)
		if !t.queue.Offer(ev) && t.dropped != nil {
			t.dropped(ev)
		}
	}
}

// Run steps every tick until ctx is done.
func (t *Task) Run(ctx context.Context, tick time.Duration) {
	ticker := t.clock.NewTicker(tick)
	defer ticker.Stop()
	for {
		t.Step()
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// HeldAtBoot reports whether both buttons stay pressed for hold, sampling
// every poll. It returns false as soon as either button is released or a read
// fails.
func HeldAtBoot(ctx context.Context, reader gpio.Reader, clock clockwork.Clock, hold, poll time.Duration) bool {
	start := clock.Now()
	for {
		b1, b2, err := reader.Read()
		if err != nil || !b1 || !b2 {
			return false
		}
		if clock.Since(start) >= hold {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-clock.After(poll):
		}
	}
}
