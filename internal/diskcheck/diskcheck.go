// Package diskcheck is the pre-flight free-space gate a node runs before
// an orchestration run admits downloads onto it.
package diskcheck

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

// Requirement states how much space a run needs. Exactly one field is
// set: TotalResourcesSize when every artifact size is known, otherwise
// MinFreeSpace as a floor.
type Requirement struct {
	MinFreeSpace       int64 `json:"min_free_space,omitempty"`
	TotalResourcesSize int64 `json:"total_resources_size,omitempty"`
}

// Validate enforces that exactly one requirement is given.
func (r Requirement) Validate() error {
	switch {
	case r.MinFreeSpace < 0 || r.TotalResourcesSize < 0:
		return errors.New("diskcheck: negative requirement")
	case r.MinFreeSpace > 0 && r.TotalResourcesSize > 0:
		return errors.New("diskcheck: only one of min_free_space and total_resources_size may be set")
	case r.MinFreeSpace == 0 && r.TotalResourcesSize == 0:
		return errors.New("diskcheck: one of min_free_space and total_resources_size is required")
	}
	return nil
}

// Required returns the byte count the node must exceed.
func (r Requirement) Required() int64 {
	if r.TotalResourcesSize > 0 {
		return r.TotalResourcesSize
	}
	return r.MinFreeSpace
}

// Result is the outcome of one check.
type Result struct {
	OK       bool   `json:"ok"`
	Free     int64  `json:"free"`
	Required int64  `json:"required"`
	Message  string `json:"message,omitempty"`
}

// UsageSource reports bytes already held by cached artifacts.
// *storage.Store implements it.
type UsageSource interface {
	Usage() (int64, error)
}

// FreeFunc returns the bytes available to unprivileged users on the
// filesystem holding path.
type FreeFunc func(path string) (int64, error)

// StatfsFree is the production FreeFunc.
func StatfsFree(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("diskcheck: statfs %s: %w", path, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

// Checker compares a requirement against the store's filesystem.
type Checker struct {
	path   string
	usage  UsageSource
	free   FreeFunc
	logger *slog.Logger
}

// New returns a Checker for the filesystem holding path. A nil free
// function selects StatfsFree.
func New(path string, usage UsageSource, free FreeFunc, logger *slog.Logger) *Checker {
	if free == nil {
		free = StatfsFree
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Checker{path: path, usage: usage, free: free, logger: logger}
}

// Check counts space occupied by cached artifacts as available, since
// refreshing an artifact that is already present is net-zero, and
// passes only when that total is strictly greater than required.
func (c *Checker) Check(req Requirement) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	free, err := c.free(c.path)
	if err != nil {
		return Result{}, err
	}
	if c.usage != nil {
		used, err := c.usage.Usage()
		if err != nil {
			return Result{}, fmt.Errorf("diskcheck: store usage: %w", err)
		}
		free += used
	}

	res := Result{Free: free, Required: req.Required()}
	res.OK = res.Free > res.Required
	if !res.OK {
		res.Message = fmt.Sprintf("%s available, %s required",
			humanize.IBytes(uint64(max(res.Free, 0))),
			humanize.IBytes(uint64(res.Required)))
		c.logger.Warn("insufficient disk space",
			"path", c.path,
			"free", res.Free,
			"required", res.Required,
		)
	}
	return res, nil
}
