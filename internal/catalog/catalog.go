// Package catalog provides the image-catalog and retention collaborators
// the orchestrator talks to: where the desired set comes from, and who
// is told which logical images to keep once a run has converged.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/imagesync/internal/artifact"
)

// Manifest is the on-disk form of a desired set. It is accepted as YAML
// or as JSON with comments.
type Manifest struct {
	Resources   []artifact.Resource `json:"resources" yaml:"resources"`
	RetainedIDs []string            `json:"retained_ids" yaml:"retained_ids"`
}

// FileCatalog reads the desired set from a manifest file. The file is
// re-read on every call so edits take effect on the next run.
type FileCatalog struct {
	path string
}

// NewFileCatalog returns a catalog backed by path.
func NewFileCatalog(path string) *FileCatalog {
	return &FileCatalog{path: path}
}

// Desired loads and validates the manifest.
func (c *FileCatalog) Desired(ctx context.Context) (artifact.DesiredSet, error) {
	if err := ctx.Err(); err != nil {
		return artifact.DesiredSet{}, err
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return artifact.DesiredSet{}, fmt.Errorf("catalog: reading %s: %w", c.path, err)
	}
	m, err := ParseManifest(filepath.Ext(c.path), data)
	if err != nil {
		return artifact.DesiredSet{}, fmt.Errorf("catalog: %s: %w", c.path, err)
	}
	set := artifact.DesiredSet{Resources: m.Resources, RetainedIDs: m.RetainedIDs}
	if err := set.Validate(); err != nil {
		return artifact.DesiredSet{}, fmt.Errorf("catalog: %s: %w", c.path, err)
	}
	return set, nil
}

// ParseManifest decodes data according to ext: ".json" and ".jsonc" are
// JSON with comments, anything else is YAML.
func ParseManifest(ext string, data []byte) (Manifest, error) {
	var m Manifest
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
			return m, fmt.Errorf("decoding JSON manifest: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &m); err != nil {
			return m, fmt.Errorf("decoding YAML manifest: %w", err)
		}
	}
	return m, nil
}

// Static is a catalog with a fixed desired set.
type Static artifact.DesiredSet

// Desired returns the fixed set.
func (s Static) Desired(context.Context) (artifact.DesiredSet, error) {
	return artifact.DesiredSet(s), nil
}
