package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTextEngine implements TextEngine with controllable failure modes. When
// other is set, Load records a violation if the other engine is resident at
// load time.
type fakeTextEngine struct {
	name      string
	loadErr   error
	unloadErr error

	loaded    atomic.Bool
	loadCalls atomic.Int32
	other     *fakeSynthesisEngine
	violation *atomic.Bool
	log       *transitionLog
}

func (f *fakeTextEngine) Name() string { return f.name }

func (f *fakeTextEngine) Load(ctx context.Context) error {
	f.loadCalls.Add(1)
	if f.other != nil && f.other.loaded.Load() && f.violation != nil {
		f.violation.Store(true)
	}
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded.Store(true)
	f.log.record("text.load")
	return nil
}

func (f *fakeTextEngine) Unload(ctx context.Context) error {
	f.loaded.Store(false)
	f.log.record("text.unload")
	return f.unloadErr
}

func (f *fakeTextEngine) Loaded() bool { return f.loaded.Load() }

func (f *fakeTextEngine) GenerateText(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return prompt, nil
}

func (f *fakeTextEngine) GenerateValues(ctx context.Context, variable, contextPrompt string, count int) ([]string, error) {
	return nil, nil
}

// fakeSynthesisEngine mirrors fakeTextEngine for the synthesis side.
type fakeSynthesisEngine struct {
	name      string
	loadErr   error
	unloadErr error

	loaded    atomic.Bool
	loadCalls atomic.Int32
	other     *fakeTextEngine
	violation *atomic.Bool
	log       *transitionLog
}

func (f *fakeSynthesisEngine) Name() string { return f.name }

func (f *fakeSynthesisEngine) Load(ctx context.Context) error {
	f.loadCalls.Add(1)
	if f.other != nil && f.other.loaded.Load() && f.violation != nil {
		f.violation.Store(true)
	}
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded.Store(true)
	f.log.record("synth.load")
	return nil
}

func (f *fakeSynthesisEngine) Unload(ctx context.Context) error {
	f.loaded.Store(false)
	f.log.record("synth.unload")
	return f.unloadErr
}

func (f *fakeSynthesisEngine) Loaded() bool { return f.loaded.Load() }

func (f *fakeSynthesisEngine) Synthesize(ctx context.Context, job SynthesisJob) (*SynthesisResult, error) {
	return &SynthesisResult{Image: []byte{0x1}, MimeType: "image/png", SeedUsed: job.Seed}, nil
}

type transitionLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *transitionLog) record(entry string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *transitionLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func newFakePair() (*fakeTextEngine, *fakeSynthesisEngine, *atomic.Bool, *transitionLog) {
	log := &transitionLog{}
	violation := &atomic.Bool{}
	text := &fakeTextEngine{name: "fake-text", violation: violation, log: log}
	synth := &fakeSynthesisEngine{name: "fake-synth", violation: violation, log: log}
	text.other = synth
	synth.other = text
	return text, synth, violation, log
}

func TestAcquireTextLoadsOnlyText(t *testing.T) {
	text, synth, _, _ := newFakePair()
	r := NewResidency(text, synth, nil)

	require.NoError(t, r.AcquireText(context.Background()))
	assert.Equal(t, StateText, r.State())
	assert.True(t, text.Loaded())
	assert.False(t, synth.Loaded())
}

func TestTransitionsUnloadBeforeLoading(t *testing.T) {
	text, synth, violation, log := newFakePair()
	r := NewResidency(text, synth, nil)
	ctx := context.Background()

	require.NoError(t, r.AcquireText(ctx))
	require.NoError(t, r.AcquireSynthesis(ctx))
	require.NoError(t, r.AcquireText(ctx))

	want := []string{
		"text.load",
		"text.unload", "synth.load",
		"synth.unload", "text.load",
	}
	assert.Equal(t, want, log.snapshot())
	assert.False(t, violation.Load(), "both engines were resident at once")
}

func TestAcquireIsNoOpWhenAlreadyResident(t *testing.T) {
	text, synth, _, _ := newFakePair()
	r := NewResidency(text, synth, nil)
	ctx := context.Background()

	require.NoError(t, r.AcquireText(ctx))
	require.NoError(t, r.AcquireText(ctx))
	require.NoError(t, r.AcquireText(ctx))

	assert.Equal(t, int32(1), text.loadCalls.Load())
}

func TestLoadFailureForcesReleaseAndWrapsSentinel(t *testing.T) {
	text, synth, _, _ := newFakePair()
	synth.loadErr = errors.New("out of vram")
	r := NewResidency(text, synth, nil)
	ctx := context.Background()

	require.NoError(t, r.AcquireText(ctx))
	err := r.AcquireSynthesis(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoadFailed)
	assert.Contains(t, err.Error(), "out of vram")
	assert.Equal(t, StateNone, r.State())
	assert.False(t, text.Loaded())
	assert.False(t, synth.Loaded())
}

func TestReleaseAllIsIdempotent(t *testing.T) {
	text, synth, _, _ := newFakePair()
	r := NewResidency(text, synth, nil)
	ctx := context.Background()

	r.ReleaseAll(ctx)
	assert.Equal(t, StateNone, r.State())

	require.NoError(t, r.AcquireSynthesis(ctx))
	r.ReleaseAll(ctx)
	r.ReleaseAll(ctx)
	assert.Equal(t, StateNone, r.State())
	assert.False(t, synth.Loaded())
}

func TestReleaseAllSwallowsUnloadErrors(t *testing.T) {
	text, synth, _, _ := newFakePair()
	text.unloadErr = errors.New("daemon went away")
	r := NewResidency(text, synth, nil)
	ctx := context.Background()

	require.NoError(t, r.AcquireText(ctx))
	r.ReleaseAll(ctx)

	assert.Equal(t, StateNone, r.State())
}

func TestNeverBothResidentUnderConcurrentChurn(t *testing.T) {
	text, synth, violation, _ := newFakePair()
	r := NewResidency(text, synth, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 50; i++ {
				switch rng.Intn(3) {
				case 0:
					_ = r.AcquireText(ctx)
				case 1:
					_ = r.AcquireSynthesis(ctx)
				default:
					r.ReleaseAll(ctx)
				}
			}
		}(int64(g))
	}
	wg.Wait()

	assert.False(t, violation.Load(), "both engines were resident at once")
	if text.Loaded() && synth.Loaded() {
		t.Fatal("both engines resident after churn")
	}
}

func TestStateStringIsStable(t *testing.T) {
	assert.Equal(t, "none", StateNone.String())
	assert.Equal(t, "text", StateText.String())
	assert.Equal(t, "synthesis", StateSynthesis.String())
}
