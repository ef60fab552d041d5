package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// State is the process-wide residency value: which heavyweight engine, if
// any, currently holds resources.
type State int

const (
	StateNone State = iota
	StateText
	StateSynthesis
)

// String returns the lowercase name of the residency state.
func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateText:
		return "text"
	case StateSynthesis:
		return "synthesis"
	default:
		return "unknown"
	}
}

// Residency owns the loaded-engine handles and the state value. Both engines
// are too large to coexist in memory, so every transition unloads the other
// side first. One mutex is held across entire transitions: concurrent
// acquires, or a manual release arriving mid-run, serialize instead of
// interleaving with an in-flight load.
type Residency struct {
	mu     sync.Mutex
	state  State
	text   TextEngine
	synth  SynthesisEngine
	logger *zap.Logger
}

// NewResidency creates the manager for one resource pool.
func NewResidency(text TextEngine, synth SynthesisEngine, logger *zap.Logger) *Residency {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Residency{
		state:  StateNone,
		text:   text,
		synth:  synth,
		logger: logger,
	}
}

// State returns the current residency value. Blocks while a transition is in
// flight so callers never observe a half-made switch.
func (r *Residency) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Text returns the text engine handle. Callers must hold residency via
// AcquireText before invoking it.
func (r *Residency) Text() TextEngine {
	return r.text
}

// Synthesis returns the synthesis engine handle. Callers must hold residency
// via AcquireSynthesis before invoking it.
func (r *Residency) Synthesis() SynthesisEngine {
	return r.synth
}

// AcquireText makes the text engine resident. Already resident: no-op. The
// synthesis engine, if resident, is unloaded first. A load failure forces the
// state to None and is fatal to the calling run.
func (r *Residency) AcquireText(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateText {
		return nil
	}
	if r.state == StateSynthesis {
		r.unloadSynthesisLocked(ctx)
	}
	if err := r.text.Load(ctx); err != nil {
		r.unloadTextLocked(ctx)
		return fmt.Errorf("%w: text engine %s: %v", ErrLoadFailed, r.text.Name(), err)
	}
	r.state = StateText
	r.logger.Info("text engine resident", zap.String("engine", r.text.Name()))
	return nil
}

// AcquireSynthesis makes the synthesis engine resident, symmetric to
// AcquireText.
func (r *Residency) AcquireSynthesis(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateSynthesis {
		return nil
	}
	if r.state == StateText {
		r.unloadTextLocked(ctx)
	}
	if err := r.synth.Load(ctx); err != nil {
		r.unloadSynthesisLocked(ctx)
		return fmt.Errorf("%w: synthesis engine %s: %v", ErrLoadFailed, r.synth.Name(), err)
	}
	r.state = StateSynthesis
	r.logger.Info("synthesis engine resident", zap.String("engine", r.synth.Name()))
	return nil
}

// ReleaseAll unloads whichever engine is resident. Idempotent and safe to
// call at any point, including before any run has started; unload problems
// are logged, never raised.
func (r *Residency) ReleaseAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateText:
		r.unloadTextLocked(ctx)
	case StateSynthesis:
		r.unloadSynthesisLocked(ctx)
	}
}

// unloadTextLocked best-effort unloads the text engine and forces the state
// to None. Callers hold r.mu.
func (r *Residency) unloadTextLocked(ctx context.Context) {
	if err := r.text.Unload(ctx); err != nil {
		r.logger.Warn("text engine unload failed", zap.String("engine", r.text.Name()), zap.Error(err))
	}
	r.state = StateNone
}

func (r *Residency) unloadSynthesisLocked(ctx context.Context) {
	if err := r.synth.Unload(ctx); err != nil {
		r.logger.Warn("synthesis engine unload failed", zap.String("engine", r.synth.Name()), zap.Error(err))
	}
	r.state = StateNone
}
