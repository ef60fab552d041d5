package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GenAISynthesisConfig configures the hosted Gemini image backend.
type GenAISynthesisConfig struct {
	APIKey string
	Model  string
}

// DefaultGenAISynthesisConfig returns production defaults.
func DefaultGenAISynthesisConfig() GenAISynthesisConfig {
	return GenAISynthesisConfig{
		Model: "gemini-2.5-flash-image",
	}
}

// GenAISynthesisEngine renders images through the Google GenAI SDK. The
// hosted model chooses its own output resolution; the requested pixel
// dimensions are recorded in metadata but only the local backend honors them
// exactly.
type GenAISynthesisEngine struct {
	cfg    GenAISynthesisConfig
	logger *zap.Logger

	mu     sync.Mutex
	client *genai.Client
}

// NewGenAISynthesisEngine creates the engine. Nothing is loaded yet.
func NewGenAISynthesisEngine(cfg GenAISynthesisConfig, logger *zap.Logger) *GenAISynthesisEngine {
	if cfg.Model == "" {
		cfg.Model = DefaultGenAISynthesisConfig().Model
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GenAISynthesisEngine{cfg: cfg, logger: logger}
}

// Name identifies the backend in logs and errors.
func (e *GenAISynthesisEngine) Name() string {
	return "genai/" + e.cfg.Model
}

// Load validates the configuration and builds the SDK client.
func (e *GenAISynthesisEngine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}
	if e.cfg.APIKey == "" {
		return fmt.Errorf("genai API key not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: e.cfg.APIKey,
	})
	if err != nil {
		return fmt.Errorf("creating genai client: %w", err)
	}
	e.client = client
	return nil
}

// Unload closes and drops the SDK client.
func (e *GenAISynthesisEngine) Unload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	if err != nil {
		return fmt.Errorf("closing genai client: %w", err)
	}
	return nil
}

// Loaded reports whether the engine is usable.
func (e *GenAISynthesisEngine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client != nil
}

// Synthesize renders one image for the job.
func (e *GenAISynthesisEngine) Synthesize(ctx context.Context, job SynthesisJob) (*SynthesisResult, error) {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("synthesis engine %s is not loaded", e.Name())
	}

	seed := int32(job.Seed)
	contents := []*genai.Content{
		genai.NewContentFromText(job.Prompt, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
		Seed:               &seed,
	}

	e.logger.Debug("genai synthesis request",
		zap.String("model", e.cfg.Model),
		zap.Int64("seed", job.Seed),
		zap.Int("width", job.Width),
		zap.Int("height", job.Height))

	resp, err := client.Models.GenerateContent(ctx, e.cfg.Model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("genai synthesis failed: %w", err)
	}
	image, mimeType, err := imageFromResponse(resp)
	if err != nil {
		return nil, err
	}
	return &SynthesisResult{Image: image, MimeType: mimeType, SeedUsed: job.Seed}, nil
}

// imageFromResponse picks the first inline image out of the first candidate.
// A non-STOP finish reason without image data usually means a safety block.
func imageFromResponse(resp *genai.GenerateContentResponse) ([]byte, string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, "", fmt.Errorf("no candidates returned")
	}
	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData.Data, part.InlineData.MIMEType, nil
			}
		}
	}
	if candidate.FinishReason != genai.FinishReasonUnspecified && candidate.FinishReason != genai.FinishReasonStop {
		return nil, "", fmt.Errorf("synthesis stopped early (finish reason: %s)", candidate.FinishReason)
	}
	return nil, "", fmt.Errorf("response contained no image data")
}
