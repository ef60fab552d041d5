package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReturnsDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "lexicon", cfg.Lexicon.Dir)
	assert.Equal(t, "gemini", cfg.TextEngine.Backend)
	assert.Equal(t, "genai", cfg.SynthesisEngine.Backend)
	assert.Equal(t, 1, cfg.Generation.DefaultCount)
	assert.Equal(t, 1024, cfg.Generation.DefaultWidth)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dreamforge.yaml")
	content := `
logging:
  level: debug
lexicon:
  dir: /srv/lexicon
generation:
  default_count: 4
text_engine:
  backend: local
  base_url: http://127.0.0.1:9000
synthesis_engine:
  backend: local
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/srv/lexicon", cfg.Lexicon.Dir)
	assert.Equal(t, 4, cfg.Generation.DefaultCount)
	assert.Equal(t, "local", cfg.TextEngine.Backend)
	assert.Equal(t, "http://127.0.0.1:9000", cfg.TextEngine.BaseURL)

	// Untouched sections keep their defaults.
	assert.Equal(t, "artifacts", cfg.Artifacts.Dir)
	assert.Equal(t, 1024, cfg.Generation.DefaultHeight)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: [not a map"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-key")
	t.Setenv("DREAMFORGE_LOG_LEVEL", "warn")
	t.Setenv("DREAMFORGE_LEXICON_DIR", "/env/lexicon")
	t.Setenv("DREAMFORGE_GALLERY_DB", "/env/gallery.db")
	t.Setenv("DREAMFORGE_TEXT_BACKEND", "local")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.TextEngine.APIKey)
	assert.Equal(t, "env-key", cfg.SynthesisEngine.APIKey)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/env/lexicon", cfg.Lexicon.Dir)
	assert.Equal(t, "/env/gallery.db", cfg.Gallery.DatabasePath)
	assert.Equal(t, "local", cfg.TextEngine.Backend)
}

func TestEnvKeyDoesNotOverwriteExplicitKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-key")

	path := filepath.Join(t.TempDir(), "dreamforge.yaml")
	content := `
text_engine:
  api_key: file-key
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "file-key", cfg.TextEngine.APIKey)
	assert.Equal(t, "env-key", cfg.SynthesisEngine.APIKey)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dreamforge.yaml")

	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Generation.DefaultSteps = 50
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", loaded.Logging.Level)
	assert.Equal(t, 50, loaded.Generation.DefaultSteps)
}

func TestTimeoutHelpersFallBack(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 60*time.Second, cfg.GetTextTimeout())
	assert.Equal(t, 10*time.Minute, cfg.GetSynthesisTimeout())

	cfg.TextEngine.Timeout = "not a duration"
	cfg.SynthesisEngine.Timeout = ""
	assert.Equal(t, 60*time.Second, cfg.GetTextTimeout())
	assert.Equal(t, 10*time.Minute, cfg.GetSynthesisTimeout())

	cfg.TextEngine.Timeout = "90s"
	assert.Equal(t, 90*time.Second, cfg.GetTextTimeout())
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TextEngine.APIKey = "k"
	cfg.SynthesisEngine.APIKey = "k"
	require.NoError(t, cfg.Validate())

	missing := DefaultConfig()
	err := missing.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")

	bad := DefaultConfig()
	bad.TextEngine.Backend = "ollama"
	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid text backend")

	local := DefaultConfig()
	local.TextEngine.Backend = "local"
	local.SynthesisEngine.Backend = "local"
	require.NoError(t, local.Validate())

	zero := DefaultConfig()
	zero.TextEngine.Backend = "local"
	zero.SynthesisEngine.Backend = "local"
	zero.Generation.DefaultCount = 0
	require.Error(t, zero.Validate())
}
