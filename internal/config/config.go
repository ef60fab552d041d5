// Package config loads and persists dreamforge configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for configuration when no flag is given.
const DefaultPath = "dreamforge.yaml"

// Config holds all dreamforge configuration.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Lexicon    LexiconConfig    `yaml:"lexicon"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Gallery    GalleryConfig    `yaml:"gallery"`
	Generation GenerationConfig `yaml:"generation"`

	TextEngine      TextEngineConfig      `yaml:"text_engine"`
	SynthesisEngine SynthesisEngineConfig `yaml:"synthesis_engine"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// LexiconConfig configures the variable library.
type LexiconConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// ArtifactsConfig configures artifact output.
type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
}

// GalleryConfig configures the run ledger.
type GalleryConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// GenerationConfig holds run defaults, applied when the prompt's trailer
// leaves them unset.
type GenerationConfig struct {
	DefaultCount  int `yaml:"default_count"`
	DefaultWidth  int `yaml:"default_width"`
	DefaultHeight int `yaml:"default_height"`
	DefaultSteps  int `yaml:"default_steps"`

	// Token cap for enhancement rewrites.
	EnhancementMaxTokens int `yaml:"enhancement_max_tokens"`
}

// TextEngineConfig selects and configures the text backend.
type TextEngineConfig struct {
	Backend    string `yaml:"backend"` // gemini, local
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

// SynthesisEngineConfig selects and configures the synthesis backend.
type SynthesisEngineConfig struct {
	Backend string `yaml:"backend"` // genai, local
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Lexicon: LexiconConfig{
			Dir:   "lexicon",
			Watch: true,
		},
		Artifacts: ArtifactsConfig{
			Dir: "artifacts",
		},
		Gallery: GalleryConfig{
			DatabasePath: filepath.Join("data", "gallery.db"),
		},
		Generation: GenerationConfig{
			DefaultCount:         1,
			DefaultWidth:         1024,
			DefaultHeight:        1024,
			DefaultSteps:         30,
			EnhancementMaxTokens: 512,
		},
		TextEngine: TextEngineConfig{
			Backend:    "gemini",
			Model:      "gemini-2.5-flash",
			Timeout:    "60s",
			MaxRetries: 3,
		},
		SynthesisEngine: SynthesisEngineConfig{
			Backend: "genai",
			Model:   "gemini-2.5-flash-image",
			Timeout: "10m",
		},
	}
}

// Load loads configuration from a YAML file. A missing file is not an error;
// defaults plus environment overrides apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		if c.TextEngine.APIKey == "" {
			c.TextEngine.APIKey = key
		}
		if c.SynthesisEngine.APIKey == "" {
			c.SynthesisEngine.APIKey = key
		}
	}
	if level := os.Getenv("DREAMFORGE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if dir := os.Getenv("DREAMFORGE_LEXICON_DIR"); dir != "" {
		c.Lexicon.Dir = dir
	}
	if dir := os.Getenv("DREAMFORGE_ARTIFACTS_DIR"); dir != "" {
		c.Artifacts.Dir = dir
	}
	if path := os.Getenv("DREAMFORGE_GALLERY_DB"); path != "" {
		c.Gallery.DatabasePath = path
	}
	if backend := os.Getenv("DREAMFORGE_TEXT_BACKEND"); backend != "" {
		c.TextEngine.Backend = backend
	}
	if backend := os.Getenv("DREAMFORGE_SYNTHESIS_BACKEND"); backend != "" {
		c.SynthesisEngine.Backend = backend
	}
}

// GetTextTimeout returns the text engine timeout as a duration.
func (c *Config) GetTextTimeout() time.Duration {
	d, err := time.ParseDuration(c.TextEngine.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetSynthesisTimeout returns the synthesis engine timeout as a duration.
func (c *Config) GetSynthesisTimeout() time.Duration {
	d, err := time.ParseDuration(c.SynthesisEngine.Timeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// ValidTextBackends lists the supported text backends.
var ValidTextBackends = []string{"gemini", "local"}

// ValidSynthesisBackends lists the supported synthesis backends.
var ValidSynthesisBackends = []string{"genai", "local"}

// Validate checks backend names and required credentials.
func (c *Config) Validate() error {
	if !contains(ValidTextBackends, c.TextEngine.Backend) {
		return fmt.Errorf("invalid text backend: %s (valid: %v)", c.TextEngine.Backend, ValidTextBackends)
	}
	if !contains(ValidSynthesisBackends, c.SynthesisEngine.Backend) {
		return fmt.Errorf("invalid synthesis backend: %s (valid: %v)", c.SynthesisEngine.Backend, ValidSynthesisBackends)
	}
	if c.TextEngine.Backend == "gemini" && c.TextEngine.APIKey == "" {
		return fmt.Errorf("text backend gemini requires an API key (set GEMINI_API_KEY)")
	}
	if c.SynthesisEngine.Backend == "genai" && c.SynthesisEngine.APIKey == "" {
		return fmt.Errorf("synthesis backend genai requires an API key (set GEMINI_API_KEY)")
	}
	if c.Generation.DefaultCount < 1 {
		return fmt.Errorf("default_count must be at least 1, got %d", c.Generation.DefaultCount)
	}
	if c.Generation.DefaultWidth < 1 || c.Generation.DefaultHeight < 1 {
		return fmt.Errorf("default dimensions must be positive, got %dx%d",
			c.Generation.DefaultWidth, c.Generation.DefaultHeight)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
