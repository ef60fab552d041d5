// Package generation runs the two-phase pipeline: resolve prompt text
// through the text engine, then render images through the synthesis engine,
// with a full engine release between the phases because the two never fit in
// memory together.
package generation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dreamforge/internal/artifact"
	"dreamforge/internal/engine"
	"dreamforge/internal/gallery"
	"dreamforge/internal/lexicon"
	"dreamforge/internal/progress"
	"dreamforge/internal/prompt"
)

// ErrBusy rejects a run request while another run is active. Requests are
// never queued: queueing would hide the memory-residency constraint from the
// caller.
var ErrBusy = errors.New("a generation run is already active")

// Defaults are run parameters applied when neither the prompt trailer nor
// the request sets them.
type Defaults struct {
	Count                int
	Width                int
	Height               int
	Steps                int
	EnhancementMaxTokens int
}

func (d Defaults) withFallbacks() Defaults {
	if d.Count < 1 {
		d.Count = 1
	}
	if d.Width < 1 {
		d.Width = 1024
	}
	if d.Height < 1 {
		d.Height = 1024
	}
	if d.Steps < 1 {
		d.Steps = 30
	}
	if d.EnhancementMaxTokens < 1 {
		d.EnhancementMaxTokens = 512
	}
	return d
}

// Deps bundles the collaborators one run drives. Ledger may be nil, which
// disables history recording.
type Deps struct {
	Library   *lexicon.Library
	Residency *engine.Residency
	Store     *artifact.Store
	Ledger    *gallery.Ledger
	Logger    *zap.Logger
}

// Orchestrator executes generation runs.
type Orchestrator struct {
	deps     Deps
	defaults Defaults
	mapper   progress.Mapper
	logger   *zap.Logger

	mu     sync.Mutex
	status Status
}

// New creates an orchestrator.
func New(deps Deps, defaults Defaults) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:     deps,
		defaults: defaults.withFallbacks(),
		mapper:   progress.NewMapper(0, 0),
		logger:   logger,
		status:   StatusIdle,
	}
}

// Status returns the current lifecycle state. Terminal states persist until
// the next run begins.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Orchestrator) setStatus(s Status) {
	o.mu.Lock()
	o.status = s
	o.mu.Unlock()
}

func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.status {
	case StatusPhase1, StatusPhase1Complete, StatusPhase2:
		return ErrBusy
	}
	o.status = StatusPhase1
	return nil
}

// plan is the request after precedence resolution: prompt trailer beats
// request fields beats defaults.
type plan struct {
	count    int
	width    int
	height   int
	steps    int
	baseSeed int64
	enhance  string
}

// resolvedItem is one Phase 1 output awaiting synthesis.
type resolvedItem struct {
	index  int
	prompt string
	seed   int64
	width  int
	height int
	steps  int
}

// Run executes one generation. It emits progress through emitter and closes
// it before returning; the returned Result is the terminal outcome. A
// non-nil error means the run failed as a whole (busy, engine load failure).
// Cancellation is not an error: it yields a partial Result with
// StatusCancelled.
func (o *Orchestrator) Run(ctx context.Context, req Request, emitter *progress.Emitter) (*Result, error) {
	if err := o.begin(); err != nil {
		return nil, err
	}
	defer emitter.Close()

	result := &Result{
		RunID:     uuid.NewString(),
		Template:  req.Template,
		StartedAt: time.Now().UTC(),
	}

	emitter.EmitStage(progress.StageParse, "parsing template", 0)
	parsed := prompt.Parse(req.Template)
	for _, w := range parsed.Warnings {
		emitter.EmitWarning(progress.StageParse, w, 0)
	}
	p := o.resolve(parsed, req)
	result.Requested = p.count
	result.BaseSeed = p.baseSeed
	emitter.EmitTick(progress.StageParse, "template parsed", o.mapper.ParseDone())

	o.recordRun(result, "running")
	o.logger.Info("generation run started",
		zap.String("run_id", result.RunID),
		zap.Int("count", p.count),
		zap.Int64("base_seed", p.baseSeed))

	emitter.EmitStage(progress.StagePrepare, "resolving prompts", o.mapper.ParseDone())
	items, err := o.phase1(ctx, parsed, p, emitter)

	// The memory fence. The text engine is never needed again this run, and
	// Phase 2 cannot acquire the synthesis engine while it is resident. The
	// release also runs on the failure and cancellation paths, with a fresh
	// context so unloads still go out after ctx is dead.
	o.releaseAll()

	if err != nil {
		return o.fail(result, emitter, err)
	}
	if ctx.Err() != nil {
		return o.cancelled(result, emitter)
	}
	o.setStatus(StatusPhase1Complete)
	emitter.EmitStage(progress.StageSynthesize, "prompts resolved, starting synthesis",
		o.mapper.Phase1(p.count, p.count))

	o.setStatus(StatusPhase2)
	err = o.phase2(ctx, result, req.Template, items, emitter)
	if err != nil {
		o.releaseAll()
		return o.fail(result, emitter, err)
	}
	if ctx.Err() != nil {
		o.releaseAll()
		return o.cancelled(result, emitter)
	}

	// Success leaves the synthesis engine resident for the next run; an
	// explicit release command is the idle unload.
	o.setStatus(StatusComplete)
	result.Status = StatusComplete
	result.FinishedAt = time.Now().UTC()
	o.recordRun(result, result.Status.String())

	emitter.EmitStage(progress.StageComplete, "run complete", 100)
	emitter.EmitSummary(fmt.Sprintf("%d of %d items succeeded, %d failed",
		len(result.Artifacts), result.Requested, len(result.Failures)), result.Summary())
	o.logger.Info("generation run complete",
		zap.String("run_id", result.RunID),
		zap.Int("succeeded", len(result.Artifacts)),
		zap.Int("failed", len(result.Failures)))
	return result, nil
}

// resolve applies parameter precedence and picks the base seed.
func (o *Orchestrator) resolve(parsed prompt.ParsedPrompt, req Request) plan {
	p := plan{
		count:  o.defaults.Count,
		width:  o.defaults.Width,
		height: o.defaults.Height,
		steps:  o.defaults.Steps,
	}
	seedSet := false

	if req.Count > 0 {
		p.count = req.Count
	}
	if req.Width > 0 {
		p.width = req.Width
	}
	if req.Height > 0 {
		p.height = req.Height
	}
	if req.Steps > 0 {
		p.steps = req.Steps
	}
	if req.Seed != nil {
		p.baseSeed = *req.Seed
		seedSet = true
	}

	ov := parsed.Overrides
	if ov.Count != nil {
		p.count = *ov.Count
	}
	if ov.Width != nil {
		p.width = *ov.Width
	}
	if ov.Height != nil {
		p.height = *ov.Height
	}
	if ov.Steps != nil {
		p.steps = *ov.Steps
	}
	if ov.Seed != nil {
		p.baseSeed = *ov.Seed
		seedSet = true
	}
	if !seedSet {
		p.baseSeed = time.Now().UnixNano()
	}
	if p.count < 1 {
		p.count = 1
	}

	p.enhance = parsed.Enhancement
	if p.enhance == "" {
		p.enhance = strings.TrimSpace(req.Enhance)
	}
	return p
}

// phase1 resolves every item's final prompt text. It returns early on
// engine load failure; cancellation is checked between items and surfaces
// through ctx, not the error.
func (o *Orchestrator) phase1(ctx context.Context, parsed prompt.ParsedPrompt, p plan, emitter *progress.Emitter) ([]resolvedItem, error) {
	rng := rand.New(rand.NewSource(p.baseSeed))
	gen := o.valueGenerator()

	items := make([]resolvedItem, 0, p.count)
	for i := 0; i < p.count; i++ {
		if ctx.Err() != nil {
			return items, nil
		}
		text, err := o.resolveItemText(ctx, parsed, p, rng, gen, emitter)
		if err != nil {
			return items, err
		}
		items = append(items, resolvedItem{
			index:  i,
			prompt: text,
			seed:   p.baseSeed + int64(i),
			width:  p.width,
			height: p.height,
			steps:  p.steps,
		})
		emitter.EmitTick(progress.StagePrepare,
			fmt.Sprintf("prompt %d/%d ready", i+1, p.count),
			o.mapper.Phase1(i+1, p.count))
	}
	return items, nil
}

// resolveItemText substitutes variables into one per-item copy of the base
// text, then applies the enhancement rewrite when an instruction is present.
func (o *Orchestrator) resolveItemText(ctx context.Context, parsed prompt.ParsedPrompt, p plan, rng *rand.Rand, gen lexicon.ValueGenerator, emitter *progress.Emitter) (string, error) {
	var loadErr error

	substituted := parsed.Substitute(func(ref prompt.VariableRef, occurrence int) (string, bool) {
		if loadErr != nil {
			return "", false
		}
		values, err := o.deps.Library.EnsureSize(ctx, ref.Name, p.count, parsed.Base, gen)
		if err != nil {
			if errors.Is(err, engine.ErrLoadFailed) {
				loadErr = err
				return "", false
			}
			emitter.EmitWarning(progress.StagePrepare,
				fmt.Sprintf("variable %q: %v", ref.Name, err), 0)
		}
		value, ok := lexicon.SelectValue(values, ref, rng)
		if !ok {
			emitter.EmitWarning(progress.StagePrepare,
				fmt.Sprintf("variable %q has no values, leaving token as-is", ref.Name), 0)
			return "", false
		}
		return value, true
	})
	if loadErr != nil {
		return "", loadErr
	}

	if p.enhance == "" {
		return substituted, nil
	}
	enhanced, err := o.enhance(ctx, substituted, p.enhance)
	if err != nil {
		if errors.Is(err, engine.ErrLoadFailed) {
			return "", err
		}
		emitter.EmitWarning(progress.StagePrepare,
			fmt.Sprintf("enhancement failed, keeping unenhanced prompt: %v", err), 0)
		return substituted, nil
	}
	return enhanced, nil
}

// enhance rewrites text guided by the instruction.
func (o *Orchestrator) enhance(ctx context.Context, text, instruction string) (string, error) {
	if err := o.deps.Residency.AcquireText(ctx); err != nil {
		return "", err
	}
	req := fmt.Sprintf(
		"Rewrite the following image generation prompt, guided by this instruction: %s\nPrompt: %s\nReply with the rewritten prompt only.",
		instruction, text)
	out, err := o.deps.Residency.Text().GenerateText(ctx, req, o.defaults.EnhancementMaxTokens)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("engine returned an empty rewrite")
	}
	return out, nil
}

// valueGenerator adapts the resident text engine to the library's expansion
// hook. The text engine is acquired lazily, on the first variable that
// actually needs generation.
func (o *Orchestrator) valueGenerator() lexicon.ValueGenerator {
	return func(ctx context.Context, name, contextPrompt string, count int) ([]string, error) {
		if err := o.deps.Residency.AcquireText(ctx); err != nil {
			return nil, err
		}
		return o.deps.Residency.Text().GenerateValues(ctx, name, contextPrompt, count)
	}
}

// phase2 synthesizes every resolved item in order. Per-item failures are
// recorded and the batch continues; only engine load failure aborts.
func (o *Orchestrator) phase2(ctx context.Context, result *Result, template string, items []resolvedItem, emitter *progress.Emitter) error {
	total := len(items)
	for n, item := range items {
		if ctx.Err() != nil {
			return nil
		}
		if err := o.deps.Residency.AcquireSynthesis(ctx); err != nil {
			return err
		}

		out, err := o.deps.Residency.Synthesis().Synthesize(ctx, engine.SynthesisJob{
			Prompt: item.prompt,
			Width:  item.width,
			Height: item.height,
			Seed:   item.seed,
			Steps:  item.steps,
		})
		percent := o.mapper.Phase2(n, total, 1.0)
		if err != nil {
			o.recordItemFailure(result, emitter, item, FailureSynthesis, err, percent)
			continue
		}

		saved, err := o.deps.Store.Save(out.Image, out.MimeType, artifact.Metadata{
			OriginalTemplate: template,
			FinalPrompt:      item.prompt,
			Seed:             out.SeedUsed,
			Width:            item.width,
			Height:           item.height,
			Steps:            item.steps,
			CreatedAt:        time.Now().UTC(),
		})
		if err != nil {
			o.recordItemFailure(result, emitter, item, FailureArtifact, err, percent)
			continue
		}

		info := ArtifactInfo{
			Index:        item.index,
			ImagePath:    saved.ImagePath,
			MetadataPath: saved.MetadataPath,
			Prompt:       item.prompt,
			Seed:         out.SeedUsed,
		}
		result.Artifacts = append(result.Artifacts, info)
		o.recordArtifact(result.RunID, item, info)
		emitter.EmitArtifact(fmt.Sprintf("item %d/%d saved: %s", n+1, total, saved.ImagePath),
			percent, info)
	}
	return nil
}

func (o *Orchestrator) recordItemFailure(result *Result, emitter *progress.Emitter, item resolvedItem, kind string, err error, percent int) {
	result.Failures = append(result.Failures, ItemFailure{
		Index:   item.index,
		Kind:    kind,
		Message: err.Error(),
	})
	emitter.EmitWarning(progress.StageSynthesize,
		fmt.Sprintf("item %d %s failed: %v", item.index, kind, err), percent)
	o.logger.Warn("batch item failed",
		zap.Int("index", item.index),
		zap.String("kind", kind),
		zap.Error(err))
}

func (o *Orchestrator) cancelled(result *Result, emitter *progress.Emitter) (*Result, error) {
	o.setStatus(StatusCancelled)
	result.Status = StatusCancelled
	result.FinishedAt = time.Now().UTC()
	o.recordRun(result, result.Status.String())
	emitter.EmitSummary(fmt.Sprintf("run cancelled: %d of %d items completed",
		len(result.Artifacts), result.Requested), result.Summary())
	o.logger.Info("generation run cancelled",
		zap.String("run_id", result.RunID),
		zap.Int("completed", len(result.Artifacts)))
	return result, nil
}

func (o *Orchestrator) fail(result *Result, emitter *progress.Emitter, err error) (*Result, error) {
	o.setStatus(StatusError)
	result.Status = StatusError
	result.FinishedAt = time.Now().UTC()
	o.recordRun(result, result.Status.String())
	emitter.EmitError(err.Error())
	emitter.EmitSummary("run failed: "+err.Error(), result.Summary())
	o.logger.Error("generation run failed",
		zap.String("run_id", result.RunID),
		zap.Error(err))
	return result, err
}

// releaseAll unloads both engines with a fresh context so the unload calls
// still go out when the run's context is already cancelled.
func (o *Orchestrator) releaseAll() {
	o.deps.Residency.ReleaseAll(context.Background())
}

// recordRun upserts the run row. Ledger problems are warned and ignored; the
// ledger never fails a run.
func (o *Orchestrator) recordRun(result *Result, status string) {
	if o.deps.Ledger == nil {
		return
	}
	err := o.deps.Ledger.RecordRun(gallery.Run{
		ID:         result.RunID,
		Template:   result.Template,
		BaseSeed:   result.BaseSeed,
		Requested:  result.Requested,
		Succeeded:  len(result.Artifacts),
		Failed:     len(result.Failures),
		Status:     status,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
	})
	if err != nil {
		o.logger.Warn("failed to record run in gallery", zap.Error(err))
	}
}

func (o *Orchestrator) recordArtifact(runID string, item resolvedItem, info ArtifactInfo) {
	if o.deps.Ledger == nil {
		return
	}
	err := o.deps.Ledger.RecordArtifact(gallery.Artifact{
		RunID:     runID,
		ItemIndex: item.index,
		Path:      info.ImagePath,
		Prompt:    item.prompt,
		Seed:      info.Seed,
		Width:     item.width,
		Height:    item.height,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		o.logger.Warn("failed to record artifact in gallery", zap.Error(err))
	}
}
