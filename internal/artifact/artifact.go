// Package artifact defines the data model shared by the coordinator and
// the nodes: boot image artifacts, the sources they can be fetched from,
// and the desired set an orchestration run converges the fleet to.
package artifact

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/exp/slices"
)

// FingerprintLen is the length of the content hash prefix used as the
// identity of a sync task.
const FingerprintLen = 12

// Ref identifies an artifact on disk: its content hash plus the filename
// it is stored under. Two refs with different filenames are different
// artifacts even when the hashes match.
type Ref struct {
	SHA256   string `json:"sha256" yaml:"sha256" cbor:"sha256"`
	Filename string `json:"filename" yaml:"filename" cbor:"filename"`
}

// Fingerprint returns the short hash prefix used to key sync tasks.
func (r Ref) Fingerprint() string {
	return Fingerprint(r.SHA256)
}

func (r Ref) String() string {
	return r.Filename + "@" + Fingerprint(r.SHA256)
}

// Validate checks that the hash is a hex SHA-256 digest and that the
// filename is a plain name that cannot escape the store directory.
func (r Ref) Validate() error {
	var errs []error
	if len(r.SHA256) != 64 {
		errs = append(errs, fmt.Errorf("sha256 %q: want 64 hex characters, got %d", r.SHA256, len(r.SHA256)))
	} else if _, err := hex.DecodeString(r.SHA256); err != nil {
		errs = append(errs, fmt.Errorf("sha256 %q: %w", r.SHA256, err))
	}
	switch {
	case r.Filename == "":
		errs = append(errs, errors.New("filename is required"))
	case r.Filename != filepath.Base(r.Filename), r.Filename == ".", r.Filename == "..":
		errs = append(errs, fmt.Errorf("filename %q must be a plain file name", r.Filename))
	case strings.HasPrefix(r.Filename, "."):
		errs = append(errs, fmt.Errorf("filename %q must not be hidden", r.Filename))
	}
	return errors.Join(errs...)
}

// Fingerprint returns the first FingerprintLen characters of a hash.
func Fingerprint(sha256 string) string {
	if len(sha256) <= FingerprintLen {
		return sha256
	}
	return sha256[:FingerprintLen]
}

// Artifact is a single boot image file as declared by the image catalog.
type Artifact struct {
	Ref `yaml:",inline"`

	// Size is the declared total size in bytes. Zero means unknown.
	Size int64 `json:"size" yaml:"size" cbor:"size"`

	// LogicalIDs are opaque catalog ids, only used when reporting
	// progress back to the catalog.
	LogicalIDs []string `json:"logical_ids,omitempty" yaml:"logical_ids,omitempty" cbor:"logical_ids,omitempty"`

	// ExtractPaths are materialized from the committed file after every
	// successful download.
	ExtractPaths []string `json:"extract_paths,omitempty" yaml:"extract_paths,omitempty" cbor:"extract_paths,omitempty"`
}

// Resource pairs an artifact with the ordered list of URLs it may be
// fetched from.
type Resource struct {
	Artifact `yaml:",inline"`

	Sources []string `json:"sources" yaml:"sources" cbor:"sources"`
}

// Validate reports every problem with the resource at once.
func (r Resource) Validate() error {
	var errs []error
	if err := r.Ref.Validate(); err != nil {
		errs = append(errs, err)
	}
	if r.Size < 0 {
		errs = append(errs, fmt.Errorf("size %d is negative", r.Size))
	}
	if len(r.Sources) == 0 {
		errs = append(errs, errors.New("at least one source is required"))
	}
	for _, target := range r.ExtractPaths {
		if !filepath.IsAbs(target) {
			errs = append(errs, fmt.Errorf("extract path %q must be absolute", target))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("resource %s: %w", r.Ref, errors.Join(errs...))
}

// DesiredSet is the immutable snapshot an orchestration run works from.
type DesiredSet struct {
	Resources   []Resource `json:"resources" yaml:"resources" cbor:"resources"`
	RetainedIDs []string   `json:"retained_ids" yaml:"retained_ids" cbor:"retained_ids"`
}

// Validate checks every resource and rejects duplicate hashes and
// duplicate filenames. The fleet-wide dedup key is the hash fingerprint
// and a node stores one file per name, so either kind of duplicate
// would have two tasks fighting over the same work.
func (d DesiredSet) Validate() error {
	var errs []error
	seen := make(map[string]string, len(d.Resources))
	names := make(map[string]string, len(d.Resources))
	for _, res := range d.Resources {
		if err := res.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		fp := res.Fingerprint()
		if other, ok := seen[fp]; ok {
			errs = append(errs, fmt.Errorf("resources %s and %s share fingerprint %s", other, res.Ref, fp))
			continue
		}
		if other, ok := names[res.Filename]; ok {
			errs = append(errs, fmt.Errorf("resources %s and %s share filename %s", other, res.Ref, res.Filename))
			continue
		}
		seen[fp] = res.Ref.String()
		names[res.Filename] = res.Ref.String()
	}
	return errors.Join(errs...)
}

// TotalSize sums the declared sizes. The second result is false when any
// resource has an unknown size.
func (d DesiredSet) TotalSize() (int64, bool) {
	var total int64
	known := true
	for _, res := range d.Resources {
		if res.Size <= 0 {
			known = false
		}
		total += res.Size
	}
	return total, known
}

// Fingerprints returns the set of task fingerprints the desired set needs.
func (d DesiredSet) Fingerprints() map[string]struct{} {
	out := make(map[string]struct{}, len(d.Resources))
	for _, res := range d.Resources {
		out[res.Fingerprint()] = struct{}{}
	}
	return out
}

// Filenames returns the sorted on-disk names of every resource.
func (d DesiredSet) Filenames() []string {
	names := make([]string, 0, len(d.Resources))
	for _, res := range d.Resources {
		names = append(names, res.Filename)
	}
	slices.Sort(names)
	return slices.Compact(names)
}
