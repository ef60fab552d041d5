// Package progress carries generation progress from the orchestrator to a
// single observer per run.
//
// Emission never blocks the producer. Discrete events (stage transitions,
// warnings, artifact completions, the final summary) are queued in order and
// are never dropped. Continuous percent ticks are coalesced: under observer
// backpressure only the most recent tick survives.
package progress

import (
	"sync"
	"time"
)

// EventType distinguishes discrete events from coalescable ticks.
type EventType int

const (
	// EventTick is a continuous percent update. Ticks may be coalesced.
	EventTick EventType = iota
	// EventStage marks a stage transition. Never dropped.
	EventStage
	// EventWarning carries a non-fatal problem. Never dropped.
	EventWarning
	// EventArtifact reports one completed artifact, payload holds its path.
	EventArtifact
	// EventSummary is the final counts event of a run. Never dropped.
	EventSummary
	// EventError reports a fatal run error. Never dropped.
	EventError
)

// String returns the lowercase name of the event type.
func (t EventType) String() string {
	switch t {
	case EventTick:
		return "tick"
	case EventStage:
		return "stage"
	case EventWarning:
		return "warning"
	case EventArtifact:
		return "artifact"
	case EventSummary:
		return "summary"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Stage identifies the phase of the run an event belongs to.
type Stage int

const (
	StageParse Stage = iota
	StagePrepare
	StageSynthesize
	StageComplete
)

// String returns the lowercase name of the stage.
func (s Stage) String() string {
	switch s {
	case StageParse:
		return "parse"
	case StagePrepare:
		return "prepare"
	case StageSynthesize:
		return "synthesize"
	case StageComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Event is one progress report. Percent is 0..100 across the whole run.
// Payload carries structured data for artifact and summary events.
type Event struct {
	Type    EventType
	Stage   Stage
	Message string
	Percent int
	Payload any
	Time    time.Time
}

// Emitter decouples event production from consumption. Producers call the
// Emit methods and are never blocked; a pump goroutine forwards events to the
// subscriber channel, preferring queued discrete events over the pending tick.
type Emitter struct {
	mu     sync.Mutex
	queue  []Event
	tick   *Event
	closed bool

	wake chan struct{}
	out  chan Event
}

// NewEmitter creates an emitter and starts its pump. The caller must Close it
// once the run is finished so the subscriber channel terminates.
func NewEmitter() *Emitter {
	e := &Emitter{
		wake: make(chan struct{}, 1),
		out:  make(chan Event, 16),
	}
	go e.pump()
	return e
}

// Events returns the subscriber channel. It is closed after Close once every
// queued event has been delivered.
func (e *Emitter) Events() <-chan Event {
	return e.out
}

// EmitTick publishes a continuous percent update. A tick not yet consumed is
// overwritten by the next one.
func (e *Emitter) EmitTick(stage Stage, message string, percent int) {
	ev := Event{Type: EventTick, Stage: stage, Message: message, Percent: percent, Time: time.Now()}
	e.mu.Lock()
	if !e.closed {
		e.tick = &ev
	}
	e.mu.Unlock()
	e.signal()
}

// EmitStage publishes a stage transition.
func (e *Emitter) EmitStage(stage Stage, message string, percent int) {
	e.enqueue(Event{Type: EventStage, Stage: stage, Message: message, Percent: percent})
}

// EmitWarning publishes a non-fatal problem report.
func (e *Emitter) EmitWarning(stage Stage, message string, percent int) {
	e.enqueue(Event{Type: EventWarning, Stage: stage, Message: message, Percent: percent})
}

// EmitArtifact publishes one completed artifact with its location as payload.
func (e *Emitter) EmitArtifact(message string, percent int, payload any) {
	e.enqueue(Event{Type: EventArtifact, Stage: StageSynthesize, Message: message, Percent: percent, Payload: payload})
}

// EmitSummary publishes the final counts event of a run.
func (e *Emitter) EmitSummary(message string, payload any) {
	e.enqueue(Event{Type: EventSummary, Stage: StageComplete, Message: message, Percent: 100, Payload: payload})
}

// EmitError publishes a fatal run error.
func (e *Emitter) EmitError(message string) {
	e.enqueue(Event{Type: EventError, Stage: StageComplete, Message: message, Percent: 100})
}

// Close stops accepting events. The pump drains what was already emitted,
// then closes the subscriber channel. Safe to call more than once.
func (e *Emitter) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.signal()
}

func (e *Emitter) enqueue(ev Event) {
	ev.Time = time.Now()
	e.mu.Lock()
	if !e.closed {
		e.queue = append(e.queue, ev)
	}
	e.mu.Unlock()
	e.signal()
}

func (e *Emitter) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// pump forwards events to the subscriber. Discrete events go first, in
// emission order; the coalesced tick follows when the queue is empty. The
// send to out may block on a slow observer, which stalls only this goroutine.
func (e *Emitter) pump() {
	defer close(e.out)
	for {
		e.mu.Lock()
		var (
			ev   Event
			have bool
		)
		switch {
		case len(e.queue) > 0:
			ev = e.queue[0]
			e.queue = e.queue[1:]
			have = true
		case e.tick != nil:
			ev = *e.tick
			e.tick = nil
			have = true
		}
		closed := e.closed
		e.mu.Unlock()

		if have {
			e.out <- ev
			continue
		}
		if closed {
			return
		}
		<-e.wake
	}
}
