package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// RetentionState is what FileRetention records after each run: the
// logical images that must be kept and the run that decided it.
type RetentionState struct {
	RetainedIDs []string  `yaml:"retained_ids"`
	UpdatedAt   time.Time `yaml:"updated_at"`
}

// FileRetention persists the retained-id set to a YAML file for the
// catalog side to prune records and pick default images from.
type FileRetention struct {
	path   string
	now    func() time.Time
	logger *slog.Logger
}

// NewFileRetention writes state to path.
func NewFileRetention(path string, logger *slog.Logger) *FileRetention {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FileRetention{path: path, now: time.Now, logger: logger}
}

// Finalize replaces the state file atomically.
func (r *FileRetention) Finalize(ctx context.Context, retainedIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ids := slices.Clone(retainedIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	data, err := yaml.Marshal(RetentionState{RetainedIDs: ids, UpdatedAt: r.now().UTC()})
	if err != nil {
		return fmt.Errorf("retention: encoding state: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(r.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("retention: writing %s: %w", r.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("retention: writing %s: %w", r.path, err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("retention: publishing %s: %w", r.path, err)
	}
	r.logger.Info("retention state updated", "path", r.path, "retained", len(ids))
	return nil
}

// ReadRetentionState loads a file written by FileRetention.
func ReadRetentionState(path string) (RetentionState, error) {
	var st RetentionState
	data, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("retention: decoding %s: %w", path, err)
	}
	return st, nil
}

// RetentionFunc adapts a function to the retention collaborator.
type RetentionFunc func(ctx context.Context, retainedIDs []string) error

// Finalize calls f.
func (f RetentionFunc) Finalize(ctx context.Context, retainedIDs []string) error {
	return f(ctx, retainedIDs)
}
