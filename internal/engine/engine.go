// Package engine defines the two heavyweight capability providers the
// orchestrator drives, their concrete backends, and the residency manager
// that guarantees at most one of them holds resources at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrLoadFailed marks engine load failures. A load failure is fatal to the
// run that triggered it, unlike generation errors, which degrade per item.
var ErrLoadFailed = errors.New("engine load failed")

// TextEngine prepares prompt text: free-form rewrites and structured value
// lists for the variable library. Implementations must tolerate being asked
// for structure and degrade to best-effort parsing when the model strays.
type TextEngine interface {
	Name() string
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
	Loaded() bool
	GenerateText(ctx context.Context, prompt string, maxTokens int) (string, error)
	GenerateValues(ctx context.Context, variable, contextPrompt string, count int) ([]string, error)
}

// SynthesisJob is one unit of image work.
type SynthesisJob struct {
	Prompt string
	Width  int
	Height int
	Seed   int64
	Steps  int
}

// SynthesisResult carries the produced image and the seed that actually drove
// the sampler.
type SynthesisResult struct {
	Image    []byte
	MimeType string
	SeedUsed int64
}

// SynthesisEngine renders one image per job.
type SynthesisEngine interface {
	Name() string
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
	Loaded() bool
	Synthesize(ctx context.Context, job SynthesisJob) (*SynthesisResult, error)
}

var (
	numberedPrefix = regexp.MustCompile(`^\d+[.)]\s*`)
	bulletPrefix   = regexp.MustCompile(`^[-*•]\s+`)
)

// parseValueList extracts up to count usable values from raw model output.
// Models asked for "one value per line" still wrap lists in code fences,
// number them, bullet them, or quote them; all of that is stripped. Lines
// that read like preamble ("Here are...", anything ending in ':') and blanks
// are dropped, as are duplicates.
func parseValueList(raw string, count int) []string {
	seen := make(map[string]struct{})
	var values []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		if strings.HasSuffix(line, ":") {
			continue
		}
		line = numberedPrefix.ReplaceAllString(line, "")
		line = bulletPrefix.ReplaceAllString(line, "")
		line = strings.Trim(line, `"'`)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		values = append(values, line)
		if count > 0 && len(values) >= count {
			break
		}
	}
	return values
}

// buildValuesPrompt phrases the expansion request so the reply parses as a
// plain list.
func buildValuesPrompt(variable, contextPrompt string, count int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate %d distinct short values for the template variable %q.\n", count, variable)
	if contextPrompt != "" {
		fmt.Fprintf(&b, "They will be substituted into this prompt: %s\n", contextPrompt)
	}
	b.WriteString("Reply with exactly one value per line. No numbering, no bullets, no commentary.")
	return b.String()
}
