package generation

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"dreamforge/internal/engine"
	"dreamforge/internal/progress"
)

// Handle is one in-flight generation. Events streams progress until the run
// finishes; Cancel requests cooperative cancellation; Wait blocks for the
// terminal result.
type Handle struct {
	emitter *progress.Emitter
	cancel  context.CancelFunc
	done    chan struct{}

	result *Result
	err    error
}

// Events returns the run's progress stream. It closes once the terminal
// summary has been delivered.
func (h *Handle) Events() <-chan progress.Event {
	return h.emitter.Events()
}

// Cancel requests cooperative cancellation. An in-flight synthesis call
// finishes; no further items start.
func (h *Handle) Cancel() {
	h.cancel()
}

// Wait blocks until the run ends and returns the terminal result.
func (h *Handle) Wait() (*Result, error) {
	<-h.done
	return h.result, h.err
}

// Service accepts generation requests, enforcing the single-run constraint.
// Cancellation and resource release stay available whatever the run state.
type Service struct {
	orch   *Orchestrator
	logger *zap.Logger

	mu     sync.Mutex
	active bool
}

// NewService wraps an orchestrator.
func NewService(orch *Orchestrator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{orch: orch, logger: logger}
}

// Start begins a run on its own goroutine. A second request while one is
// active is rejected with ErrBusy, never queued.
func (s *Service) Start(ctx context.Context, req Request) (*Handle, error) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.active = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		emitter: progress.NewEmitter(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		defer cancel()
		h.result, h.err = s.orch.Run(runCtx, req, h.emitter)
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}()
	return h, nil
}

// Status reports the orchestrator's lifecycle state.
func (s *Service) Status() Status {
	return s.orch.Status()
}

// Residency exposes the residency manager for state queries.
func (s *Service) Residency() *engine.Residency {
	return s.orch.deps.Residency
}

// ReleaseAll unloads whichever engine is resident. Always available, even
// mid-run: the release serializes with in-flight acquires.
func (s *Service) ReleaseAll(ctx context.Context) {
	s.orch.deps.Residency.ReleaseAll(ctx)
}
