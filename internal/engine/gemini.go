package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiTextConfig configures the hosted Gemini text backend.
type GeminiTextConfig struct {
	APIKey          string
	Model           string
	BaseURL         string
	MaxOutputTokens int
	Timeout         time.Duration
	MaxRetries      int
}

// DefaultGeminiTextConfig returns production defaults. The API key always
// comes from configuration or environment, never from code.
func DefaultGeminiTextConfig() GeminiTextConfig {
	return GeminiTextConfig{
		Model:           "gemini-2.5-flash",
		BaseURL:         defaultGeminiBaseURL,
		MaxOutputTokens: 4096,
		Timeout:         60 * time.Second,
		MaxRetries:      3,
	}
}

// GeminiTextEngine talks to the hosted Gemini generateContent endpoint over
// plain HTTP. Load is cheap for a hosted backend: it validates configuration
// and builds the client; the residency protocol still applies so the
// orchestrator treats every backend uniformly.
type GeminiTextEngine struct {
	cfg    GeminiTextConfig
	logger *zap.Logger

	mu          sync.Mutex
	client      *http.Client
	lastRequest time.Time
}

// NewGeminiTextEngine creates the engine. Nothing is loaded yet.
func NewGeminiTextEngine(cfg GeminiTextConfig, logger *zap.Logger) *GeminiTextEngine {
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiTextConfig().Model
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGeminiBaseURL
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = DefaultGeminiTextConfig().MaxOutputTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGeminiTextConfig().Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiTextEngine{cfg: cfg, logger: logger}
}

// Name identifies the backend in logs and errors.
func (e *GeminiTextEngine) Name() string {
	return "gemini/" + e.cfg.Model
}

// Load validates the configuration and prepares the HTTP client.
func (e *GeminiTextEngine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}
	if e.cfg.APIKey == "" {
		return fmt.Errorf("gemini API key not configured")
	}
	e.client = &http.Client{Timeout: e.cfg.Timeout}
	return nil
}

// Unload drops the client.
func (e *GeminiTextEngine) Unload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.client = nil
	return nil
}

// Loaded reports whether the engine is usable.
func (e *GeminiTextEngine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client != nil
}

// GenerateText rewrites or completes prompt, bounded by maxTokens.
func (e *GeminiTextEngine) GenerateText(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return e.complete(ctx, prompt, maxTokens)
}

// GenerateValues asks for count values for a template variable and parses
// the reply tolerantly.
func (e *GeminiTextEngine) GenerateValues(ctx context.Context, variable, contextPrompt string, count int) ([]string, error) {
	raw, err := e.complete(ctx, buildValuesPrompt(variable, contextPrompt, count), e.cfg.MaxOutputTokens)
	if err != nil {
		return nil, err
	}
	return parseValueList(raw, count), nil
}

// Gemini REST wire types, trimmed to the fields this engine touches.

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
			Role  string       `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// complete performs one generateContent call with rate limiting and a retry
// loop for rate-limit and transport errors.
func (e *GeminiTextEngine) complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return "", fmt.Errorf("text engine %s is not loaded", e.Name())
	}
	if maxTokens <= 0 {
		maxTokens = e.cfg.MaxOutputTokens
	}

	e.throttle()

	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     1.0,
			MaxOutputTokens: maxTokens,
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", e.cfg.BaseURL, e.cfg.Model, e.cfg.APIKey)

	started := time.Now()
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return "", fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("reading response: %w", err)
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("gemini request failed with status %d: %s", resp.StatusCode, string(body))
		}

		var parsed geminiResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", fmt.Errorf("parsing response: %w", err)
		}
		if parsed.Error != nil {
			return "", fmt.Errorf("gemini API error: %s", parsed.Error.Message)
		}
		if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
			return "", fmt.Errorf("no completion returned")
		}

		var out strings.Builder
		for _, part := range parsed.Candidates[0].Content.Parts {
			out.WriteString(part.Text)
		}
		text := strings.TrimSpace(out.String())
		e.logger.Debug("gemini completion",
			zap.Duration("elapsed", time.Since(started)),
			zap.Int("response_len", len(text)))
		return text, nil
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// throttle spaces requests at least 100ms apart.
func (e *GeminiTextEngine) throttle() {
	e.mu.Lock()
	elapsed := time.Since(e.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	e.lastRequest = time.Now()
	e.mu.Unlock()
}
