package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LocalConfig configures a backend served by a local inference daemon. The
// daemon holds model weights in RAM, which is what gives Load and Unload
// their literal memory-residency meaning on this backend.
type LocalConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DefaultLocalTextConfig returns defaults for a local text model daemon.
func DefaultLocalTextConfig() LocalConfig {
	return LocalConfig{
		BaseURL: "http://127.0.0.1:8085",
		Model:   "llama-3.1-8b-instruct",
		Timeout: 120 * time.Second,
	}
}

// DefaultLocalSynthesisConfig returns defaults for a local diffusion daemon.
func DefaultLocalSynthesisConfig() LocalConfig {
	return LocalConfig{
		BaseURL: "http://127.0.0.1:8086",
		Model:   "sdxl-base-1.0",
		Timeout: 10 * time.Minute,
	}
}

// daemonClient is the JSON-over-HTTP client shared by both local engines.
type daemonClient struct {
	baseURL string
	client  *http.Client
}

func newDaemonClient(baseURL string, timeout time.Duration) *daemonClient {
	return &daemonClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// post sends one JSON request and decodes the JSON reply into out when out
// is non-nil. Non-200 statuses become errors carrying the response body.
func (c *daemonClient) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("daemon request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("daemon returned status %d for %s: %s", resp.StatusCode, path, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return nil
}

// healthy reports whether the daemon answers its health endpoint.
func (c *daemonClient) healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type modelRequest struct {
	Model string `json:"model"`
}

func (c *daemonClient) loadModel(ctx context.Context, model string) error {
	return c.post(ctx, "/v1/models/load", modelRequest{Model: model}, nil)
}

func (c *daemonClient) unloadModel(ctx context.Context, model string) error {
	return c.post(ctx, "/v1/models/unload", modelRequest{Model: model}, nil)
}

// LocalTextEngine serves text preparation from a local daemon.
type LocalTextEngine struct {
	cfg    LocalConfig
	logger *zap.Logger

	mu     sync.Mutex
	client *daemonClient
}

// NewLocalTextEngine creates the engine. Nothing is loaded yet.
func NewLocalTextEngine(cfg LocalConfig, logger *zap.Logger) *LocalTextEngine {
	def := DefaultLocalTextConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalTextEngine{cfg: cfg, logger: logger}
}

// Name identifies the backend in logs and errors.
func (e *LocalTextEngine) Name() string {
	return "local/" + e.cfg.Model
}

// Load asks the daemon to bring the model into memory.
func (e *LocalTextEngine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}
	client := newDaemonClient(e.cfg.BaseURL, e.cfg.Timeout)
	if !client.healthy(ctx) {
		return fmt.Errorf("text daemon at %s is not reachable", e.cfg.BaseURL)
	}
	if err := client.loadModel(ctx, e.cfg.Model); err != nil {
		return fmt.Errorf("loading model %s: %w", e.cfg.Model, err)
	}
	e.client = client
	e.logger.Info("local text model loaded", zap.String("model", e.cfg.Model))
	return nil
}

// Unload asks the daemon to free the model. The daemon may hold the model
// from an earlier process, so the request goes out even without a prior Load
// in this one.
func (e *LocalTextEngine) Unload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	client := e.client
	e.client = nil
	if client == nil {
		client = newDaemonClient(e.cfg.BaseURL, e.cfg.Timeout)
		if !client.healthy(ctx) {
			return nil
		}
	}
	if err := client.unloadModel(ctx, e.cfg.Model); err != nil {
		return fmt.Errorf("unloading model %s: %w", e.cfg.Model, err)
	}
	return nil
}

// Loaded reports whether the engine is usable.
func (e *LocalTextEngine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client != nil
}

type textGenRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type textGenResponse struct {
	Text string `json:"text"`
}

// GenerateText rewrites or completes prompt, bounded by maxTokens.
func (e *LocalTextEngine) GenerateText(ctx context.Context, prompt string, maxTokens int) (string, error) {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return "", fmt.Errorf("text engine %s is not loaded", e.Name())
	}
	var resp textGenResponse
	err := client.post(ctx, "/v1/generate/text", textGenRequest{
		Model:     e.cfg.Model,
		Prompt:    prompt,
		MaxTokens: maxTokens,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// GenerateValues asks for count values for a template variable and parses
// the reply tolerantly.
func (e *LocalTextEngine) GenerateValues(ctx context.Context, variable, contextPrompt string, count int) ([]string, error) {
	raw, err := e.GenerateText(ctx, buildValuesPrompt(variable, contextPrompt, count), 0)
	if err != nil {
		return nil, err
	}
	return parseValueList(raw, count), nil
}

// LocalSynthesisEngine serves image synthesis from a local diffusion daemon.
type LocalSynthesisEngine struct {
	cfg    LocalConfig
	logger *zap.Logger

	mu     sync.Mutex
	client *daemonClient
}

// NewLocalSynthesisEngine creates the engine. Nothing is loaded yet.
func NewLocalSynthesisEngine(cfg LocalConfig, logger *zap.Logger) *LocalSynthesisEngine {
	def := DefaultLocalSynthesisConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalSynthesisEngine{cfg: cfg, logger: logger}
}

// Name identifies the backend in logs and errors.
func (e *LocalSynthesisEngine) Name() string {
	return "local/" + e.cfg.Model
}

// Load asks the daemon to bring the model into memory.
func (e *LocalSynthesisEngine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return nil
	}
	client := newDaemonClient(e.cfg.BaseURL, e.cfg.Timeout)
	if !client.healthy(ctx) {
		return fmt.Errorf("synthesis daemon at %s is not reachable", e.cfg.BaseURL)
	}
	if err := client.loadModel(ctx, e.cfg.Model); err != nil {
		return fmt.Errorf("loading model %s: %w", e.cfg.Model, err)
	}
	e.client = client
	e.logger.Info("local synthesis model loaded", zap.String("model", e.cfg.Model))
	return nil
}

// Unload asks the daemon to free the model.
func (e *LocalSynthesisEngine) Unload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	client := e.client
	e.client = nil
	if client == nil {
		client = newDaemonClient(e.cfg.BaseURL, e.cfg.Timeout)
		if !client.healthy(ctx) {
			return nil
		}
	}
	if err := client.unloadModel(ctx, e.cfg.Model); err != nil {
		return fmt.Errorf("unloading model %s: %w", e.cfg.Model, err)
	}
	return nil
}

// Loaded reports whether the engine is usable.
func (e *LocalSynthesisEngine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client != nil
}

type imageGenRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Seed   int64  `json:"seed"`
	Steps  int    `json:"steps,omitempty"`
}

type imageGenResponse struct {
	Image    string `json:"image"`
	MimeType string `json:"mime_type"`
	Seed     int64  `json:"seed"`
}

// Synthesize renders one image for the job. The image travels base64-encoded
// in the JSON reply.
func (e *LocalSynthesisEngine) Synthesize(ctx context.Context, job SynthesisJob) (*SynthesisResult, error) {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("synthesis engine %s is not loaded", e.Name())
	}

	var resp imageGenResponse
	err := client.post(ctx, "/v1/generate/image", imageGenRequest{
		Model:  e.cfg.Model,
		Prompt: job.Prompt,
		Width:  job.Width,
		Height: job.Height,
		Seed:   job.Seed,
		Steps:  job.Steps,
	}, &resp)
	if err != nil {
		return nil, err
	}

	image, err := base64.StdEncoding.DecodeString(resp.Image)
	if err != nil {
		return nil, fmt.Errorf("decoding image payload: %w", err)
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("daemon returned an empty image")
	}
	mimeType := resp.MimeType
	if mimeType == "" {
		mimeType = "image/png"
	}
	seedUsed := resp.Seed
	if seedUsed == 0 {
		seedUsed = job.Seed
	}
	return &SynthesisResult{Image: image, MimeType: mimeType, SeedUsed: seedUsed}, nil
}
