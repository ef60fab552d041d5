package engine

import (
	"fmt"

	"go.uber.org/zap"

	"dreamforge/internal/config"
)

// NewTextEngine builds the text backend named by the configuration.
func NewTextEngine(cfg *config.Config, logger *zap.Logger) (TextEngine, error) {
	switch cfg.TextEngine.Backend {
	case "gemini":
		return NewGeminiTextEngine(GeminiTextConfig{
			APIKey:     cfg.TextEngine.APIKey,
			Model:      cfg.TextEngine.Model,
			BaseURL:    cfg.TextEngine.BaseURL,
			Timeout:    cfg.GetTextTimeout(),
			MaxRetries: cfg.TextEngine.MaxRetries,
		}, logger), nil
	case "local":
		return NewLocalTextEngine(LocalConfig{
			BaseURL: cfg.TextEngine.BaseURL,
			Model:   cfg.TextEngine.Model,
			Timeout: cfg.GetTextTimeout(),
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown text engine backend %q", cfg.TextEngine.Backend)
	}
}

// NewSynthesisEngine builds the synthesis backend named by the configuration.
func NewSynthesisEngine(cfg *config.Config, logger *zap.Logger) (SynthesisEngine, error) {
	switch cfg.SynthesisEngine.Backend {
	case "genai":
		return NewGenAISynthesisEngine(GenAISynthesisConfig{
			APIKey: cfg.SynthesisEngine.APIKey,
			Model:  cfg.SynthesisEngine.Model,
		}, logger), nil
	case "local":
		return NewLocalSynthesisEngine(LocalConfig{
			BaseURL: cfg.SynthesisEngine.BaseURL,
			Model:   cfg.SynthesisEngine.Model,
			Timeout: cfg.GetSynthesisTimeout(),
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown synthesis engine backend %q", cfg.SynthesisEngine.Backend)
	}
}
