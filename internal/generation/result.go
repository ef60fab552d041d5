package generation

import "time"

// Status is the run lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusPhase1
	StatusPhase1Complete
	StatusPhase2
	StatusComplete
	StatusCancelled
	StatusError
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPhase1:
		return "phase1"
	case StatusPhase1Complete:
		return "phase1_complete"
	case StatusPhase2:
		return "phase2"
	case StatusComplete:
		return "complete"
	case StatusCancelled:
		return "cancelled"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Request describes one generation run. Zero-valued fields fall back to
// configured defaults; parameters recognized in the prompt's trailing
// segment win over everything here.
type Request struct {
	Template string

	Count  int
	Width  int
	Height int
	Steps  int

	// Seed pins the base seed. Nil means a fresh random base seed unless the
	// prompt carries one.
	Seed *int64

	// Enhance is a request-level enhancement instruction. A prompt-level
	// instruction (after '>') takes precedence.
	Enhance string
}

// Failure kinds recorded per item.
const (
	FailureSynthesis = "synthesis"
	FailureArtifact  = "artifact"
)

// ItemFailure records why one batch item produced no artifact.
type ItemFailure struct {
	Index   int
	Kind    string
	Message string
}

// ArtifactInfo points at one saved artifact. It is also the payload of
// artifact progress events.
type ArtifactInfo struct {
	Index        int
	ImagePath    string
	MetadataPath string
	Prompt       string
	Seed         int64
}

// Summary is the payload of the final summary event.
type Summary struct {
	RunID     string
	Status    string
	Requested int
	Succeeded int
	Failed    int
}

// Result is the terminal outcome of one run.
type Result struct {
	RunID      string
	Status     Status
	Template   string
	BaseSeed   int64
	Requested  int
	Artifacts  []ArtifactInfo
	Failures   []ItemFailure
	StartedAt  time.Time
	FinishedAt time.Time
}

// Summary condenses the result for the final progress event.
func (r *Result) Summary() Summary {
	return Summary{
		RunID:     r.RunID,
		Status:    r.Status.String(),
		Requested: r.Requested,
		Succeeded: len(r.Artifacts),
		Failed:    len(r.Failures),
	}
}
