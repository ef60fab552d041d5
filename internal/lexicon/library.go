// Package lexicon stores the variable library: named, ordered lists of plain
// text values backed by one file per variable. Lists load lazily, grow
// through unique appends, and persist atomically so a crash mid-write leaves
// either the old or the fully new file, never a partial one.
package lexicon

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"dreamforge/internal/prompt"
)

// ValueGenerator produces candidate values for a variable, usually backed by
// the text engine. Implementations may return fewer values than requested.
type ValueGenerator func(ctx context.Context, name, contextPrompt string, count int) ([]string, error)

var validName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// Library is the on-disk variable store. One <dir>/<name>.txt file per
// variable, one value per line.
type Library struct {
	dir    string
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string][]string
}

// New creates a Library over dir. The directory is created on first persist,
// not here, so a read-only use of an absent library stays side-effect free.
func New(dir string, logger *zap.Logger) *Library {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Library{
		dir:    dir,
		logger: logger,
		cache:  make(map[string][]string),
	}
}

// Dir returns the backing directory.
func (l *Library) Dir() string {
	return l.dir
}

// Resolve returns the ordered values for name, loading from disk on first
// access per process lifetime. Unknown or invalid names yield an empty list,
// never an error. The returned slice is the caller's to keep.
func (l *Library) Resolve(name string) []string {
	if !validName.MatchString(name) {
		return nil
	}

	l.mu.RLock()
	values, ok := l.cache[name]
	l.mu.RUnlock()
	if !ok {
		l.mu.Lock()
		values, ok = l.cache[name]
		if !ok {
			values = l.load(name)
			l.cache[name] = values
		}
		l.mu.Unlock()
	}

	out := make([]string, len(values))
	copy(out, values)
	return out
}

// EnsureSize guarantees a best effort toward at least minCount values for
// name. When the stored list is short it asks gen for minCount new values,
// appends the unique ones, and persists. A failing or underdelivering
// generator is not fatal: whatever is already stored comes back along with a
// non-nil advisory error describing what went wrong.
func (l *Library) EnsureSize(ctx context.Context, name string, minCount int, contextPrompt string, gen ValueGenerator) ([]string, error) {
	existing := l.Resolve(name)
	if minCount <= 0 || len(existing) >= minCount {
		return existing, nil
	}
	if !validName.MatchString(name) {
		return existing, fmt.Errorf("invalid variable name %q", name)
	}
	if gen == nil {
		return existing, fmt.Errorf("variable %q has %d of %d values and no generator is available", name, len(existing), minCount)
	}

	generated, err := gen(ctx, name, contextPrompt, minCount)
	if err != nil {
		return existing, fmt.Errorf("expanding variable %q: %w", name, err)
	}
	fresh := cleanValues(generated)
	if len(fresh) == 0 {
		return existing, fmt.Errorf("expanding variable %q: generator returned no usable values", name)
	}

	merged, added := appendUnique(existing, fresh)
	if added == 0 {
		return existing, nil
	}
	if err := l.store(name, merged); err != nil {
		// The values are still usable for this run even if the write failed.
		return merged, fmt.Errorf("persisting variable %q: %w", name, err)
	}
	l.logger.Debug("expanded variable",
		zap.String("name", name),
		zap.Int("added", added),
		zap.Int("total", len(merged)))
	return merged, nil
}

// Add appends values to name, skipping duplicates, and persists. Used by the
// manual library editing surface.
func (l *Library) Add(name string, values ...string) ([]string, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("invalid variable name %q", name)
	}
	fresh := cleanValues(values)
	if len(fresh) == 0 {
		return l.Resolve(name), fmt.Errorf("no usable values to add to %q", name)
	}
	merged, added := appendUnique(l.Resolve(name), fresh)
	if added == 0 {
		return merged, nil
	}
	if err := l.store(name, merged); err != nil {
		return merged, err
	}
	return merged, nil
}

// Names lists the variables present on disk, sorted.
func (l *Library) Names() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading lexicon dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".txt")
		if validName.MatchString(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Invalidate drops the cached values for name so the next Resolve rereads
// disk. Called by the watcher when a library file changes externally.
func (l *Library) Invalidate(name string) {
	l.mu.Lock()
	delete(l.cache, name)
	l.mu.Unlock()
}

// store persists values for name atomically and refreshes the cache.
func (l *Library) store(name string, values []string) error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("creating lexicon dir: %w", err)
	}

	tmp, err := os.CreateTemp(l.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	content := strings.Join(values, "\n") + "\n"
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, l.path(name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", l.path(name), err)
	}

	l.mu.Lock()
	stored := make([]string, len(values))
	copy(stored, values)
	l.cache[name] = stored
	l.mu.Unlock()
	return nil
}

func (l *Library) path(name string) string {
	return filepath.Join(l.dir, name+".txt")
}

// load reads a variable file. Any read problem means an empty list.
func (l *Library) load(name string) []string {
	data, err := os.ReadFile(l.path(name))
	if err != nil {
		return nil
	}
	var values []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			values = append(values, line)
		}
	}
	return values
}

// SelectValue applies the selection policy for one variable reference: an
// explicit index wraps modulo the list length, otherwise the run's seeded RNG
// picks uniformly. An empty list returns ok=false and the token stays
// literal.
func SelectValue(values []string, ref prompt.VariableRef, rng *rand.Rand) (string, bool) {
	if len(values) == 0 {
		return "", false
	}
	if ref.HasIndex {
		return values[ref.Index%len(values)], true
	}
	return values[rng.Intn(len(values))], true
}

// cleanValues trims, drops blanks, and dedupes while preserving order.
func cleanValues(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// appendUnique merges fresh values onto existing, preserving order and
// reporting how many were actually new.
func appendUnique(existing, fresh []string) ([]string, int) {
	seen := make(map[string]struct{}, len(existing))
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	merged := existing
	added := 0
	for _, v := range fresh {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		merged = append(merged, v)
		added++
	}
	return merged, added
}
