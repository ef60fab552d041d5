// Package artifact persists generated images and their reproduction metadata.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Metadata is the sidecar record written next to every image. It carries
// everything needed to reproduce the artifact.
type Metadata struct {
	OriginalTemplate string    `json:"originalTemplate"`
	FinalPrompt      string    `json:"finalPrompt"`
	Seed             int64     `json:"seed"`
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	Steps            int       `json:"steps,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Saved reports where one artifact landed.
type Saved struct {
	ImagePath    string
	MetadataPath string
}

// Store writes artifacts into a single directory. Both the image and its
// sidecar go through a temp file and an atomic rename so readers never see
// half a file.
type Store struct {
	dir    string
	logger *zap.Logger
}

// New creates the store, making the directory if needed.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the artifact directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes the image and its metadata sidecar. The base name is
// timestamp, seed, and a short random suffix, so concurrent runs and
// same-second saves never collide.
func (s *Store) Save(image []byte, mimeType string, meta Metadata) (*Saved, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("refusing to save an empty image")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	base := fmt.Sprintf("%s_%d_%s",
		meta.CreatedAt.UTC().Format("20060102T150405"),
		meta.Seed,
		uuid.NewString()[:8])
	imagePath := filepath.Join(s.dir, base+"."+extensionFor(mimeType))
	metaPath := filepath.Join(s.dir, base+".json")

	if err := writeAtomic(s.dir, imagePath, image); err != nil {
		return nil, fmt.Errorf("writing image: %w", err)
	}
	sidecar, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	if err := writeAtomic(s.dir, metaPath, append(sidecar, '\n')); err != nil {
		os.Remove(imagePath)
		return nil, fmt.Errorf("writing metadata: %w", err)
	}

	s.logger.Debug("artifact saved",
		zap.String("image", imagePath),
		zap.Int("bytes", len(image)))
	return &Saved{ImagePath: imagePath, MetadataPath: metaPath}, nil
}

// ReadMetadata loads one sidecar.
func ReadMetadata(path string) (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, fmt.Errorf("reading metadata: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("parsing metadata %s: %w", path, err)
	}
	return meta, nil
}

// MetadataPathFor maps an image path to its sidecar path.
func MetadataPathFor(imagePath string) string {
	ext := filepath.Ext(imagePath)
	return strings.TrimSuffix(imagePath, ext) + ".json"
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func extensionFor(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/png", "":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "bin"
	}
}
