package artifact

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var imageNamePattern = regexp.MustCompile(`^\d{8}T\d{6}_42_[0-9a-f]{8}\.png$`)

func testMetadata() Metadata {
	return Metadata{
		OriginalTemplate: "a __animal__ at dusk : x2,seed:42",
		FinalPrompt:      "a fox at dusk, cinematic lighting",
		Seed:             42,
		Width:            1216,
		Height:           832,
		Steps:            30,
		CreatedAt:        time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}
}

func TestSaveWritesImageAndSidecar(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, nil)
	require.NoError(t, err)

	saved, err := store.Save([]byte("png-bytes"), "image/png", testMetadata())
	require.NoError(t, err)

	assert.True(t, imageNamePattern.MatchString(filepath.Base(saved.ImagePath)),
		"unexpected image name %q", filepath.Base(saved.ImagePath))
	assert.Equal(t, saved.MetadataPath, MetadataPathFor(saved.ImagePath))

	image, err := os.ReadFile(saved.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), image)

	meta, err := ReadMetadata(saved.MetadataPath)
	require.NoError(t, err)
	assert.Equal(t, testMetadata(), meta)
}

func TestSaveStampsCreatedAtWhenMissing(t *testing.T) {
	store, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	meta := testMetadata()
	meta.CreatedAt = time.Time{}
	before := time.Now().UTC()

	saved, err := store.Save([]byte{0x1}, "image/png", meta)
	require.NoError(t, err)

	got, err := ReadMetadata(saved.MetadataPath)
	require.NoError(t, err)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.CreatedAt.Before(before.Truncate(time.Second)))
}

func TestSaveNamesNeverCollide(t *testing.T) {
	store, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	meta := testMetadata()
	first, err := store.Save([]byte{0x1}, "image/png", meta)
	require.NoError(t, err)
	second, err := store.Save([]byte{0x2}, "image/png", meta)
	require.NoError(t, err)

	assert.NotEqual(t, first.ImagePath, second.ImagePath)
	assert.NotEqual(t, first.MetadataPath, second.MetadataPath)
}

func TestSaveRejectsEmptyImage(t *testing.T) {
	store, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = store.Save(nil, "image/png", testMetadata())
	require.Error(t, err)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, nil)
	require.NoError(t, err)

	_, err = store.Save([]byte{0x1}, "image/png", testMetadata())
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasSuffix(entry.Name(), ".tmp"),
			"temp file left behind: %s", entry.Name())
	}
	assert.Len(t, entries, 2)
}

func TestExtensionMapping(t *testing.T) {
	tests := []struct {
		mime string
		want string
	}{
		{"image/png", "png"},
		{"image/jpeg", "jpg"},
		{"IMAGE/JPEG", "jpg"},
		{"image/webp", "webp"},
		{"", "png"},
		{"application/octet-stream", "bin"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extensionFor(tt.mime), "mime %q", tt.mime)
	}
}

func TestSidecarUsesStableFieldNames(t *testing.T) {
	store, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	saved, err := store.Save([]byte{0x1}, "image/png", testMetadata())
	require.NoError(t, err)

	raw, err := os.ReadFile(saved.MetadataPath)
	require.NoError(t, err)
	for _, field := range []string{
		`"originalTemplate"`, `"finalPrompt"`, `"seed"`,
		`"width"`, `"height"`, `"createdAt"`,
	} {
		assert.Contains(t, string(raw), field)
	}
}
