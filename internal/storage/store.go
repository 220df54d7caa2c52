package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/dreamware/imagesync/internal/artifact"
)

var (
	// ErrOutOfSpace is returned when the filesystem holding the store is
	// full. It is never retried automatically.
	ErrOutOfSpace = errors.New("no space left on device")

	// ErrInvalidChecksum is returned by Commit when the bytes on disk do
	// not match the declared hash and size.
	ErrInvalidChecksum = errors.New("checksum mismatch")

	// ErrWriteBeyondEOF is returned when a source sends more bytes than
	// the artifact's declared size.
	ErrWriteBeyondEOF = errors.New("write beyond declared size")

	// ErrNotCommitted is returned when extracting an artifact that has
	// not been committed.
	ErrNotCommitted = errors.New("artifact not committed")
)

const (
	metaDir = ".meta"
	lockDir = ".locks"
)

// Handle is one artifact in a store. The download executor depends on
// this interface rather than on *LocalFile so failures can be injected.
type Handle interface {
	Artifact() artifact.Artifact
	TryLock() (bool, error)
	Unlock() error
	Valid() (bool, error)
	OpenPartial() (Partial, error)
	Commit() error
	Extract(target string) error
	Unlink() error
	// Size returns the number of bytes currently stored: the resume
	// offset for a partial artifact, the file size once committed.
	Size() int64
}

// Heartbeater is implemented by handles that can report liveness during
// long local work such as rehashing a multi-gigabyte image.
type Heartbeater interface {
	SetHeartbeat(hb func())
}

// beatWriter calls beat after every write that passes through it.
type beatWriter struct {
	w    io.Writer
	beat func()
}

func (b beatWriter) Write(p []byte) (int, error) {
	n, err := b.w.Write(p)
	if b.beat != nil {
		b.beat()
	}
	return n, err
}

// Partial is a positional writer over a pre-sized data file. Closing it
// without committing leaves the bytes and the offset in place.
type Partial interface {
	io.Writer
	// Offset is where the next Write lands.
	Offset() int64
	// Reset discards progress so the next Write lands at offset zero.
	Reset() error
	Close() error
}

// Entry describes an artifact found on disk.
type Entry struct {
	Filename  string `json:"filename"`
	SHA256    string `json:"sha256,omitempty"`
	Size      int64  `json:"size"`
	Committed bool   `json:"committed"`
}

// Store is the local artifact cache rooted at a directory.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates the store directories if needed.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("storage: root directory is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for _, dir := range []string{root, filepath.Join(root, metaDir), filepath.Join(root, lockDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: creating %s: %w", dir, err)
		}
	}
	return &Store{root: root, logger: logger}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// File returns a handle for the artifact. It does not touch the disk.
func (s *Store) File(a artifact.Artifact) Handle {
	return s.file(a)
}

func (s *Store) file(a artifact.Artifact) *LocalFile {
	return &LocalFile{store: s, art: a}
}

// List returns every data file in the store with its recorded state.
// Files without metadata are reported as uncommitted with an empty hash.
func (s *Store) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("storage: listing %s: %w", s.root, err)
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("storage: stat %s: %w", de.Name(), err)
		}
		entry := Entry{Filename: de.Name(), Size: info.Size()}
		if rec, err := s.readMeta(de.Name()); err == nil {
			entry.SHA256 = rec.SHA256
			entry.Committed = rec.Committed
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Lookup returns the entry for filename. The second result is false
// when no data file exists.
func (s *Store) Lookup(filename string) (Entry, bool, error) {
	if filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return Entry{}, false, nil
	}
	info, err := os.Stat(s.dataPath(filename))
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("storage: stat %s: %w", filename, err)
	}
	if info.IsDir() {
		return Entry{}, false, nil
	}
	entry := Entry{Filename: filename, Size: info.Size()}
	if rec, err := s.readMeta(filename); err == nil {
		entry.SHA256 = rec.SHA256
		entry.Committed = rec.Committed
	}
	return entry, true, nil
}

// Open opens a committed data file for reading.
func (s *Store) Open(filename string) (*os.File, Entry, error) {
	entry, ok, err := s.Lookup(filename)
	if err != nil {
		return nil, Entry{}, err
	}
	if !ok || !entry.Committed {
		return nil, Entry{}, fmt.Errorf("storage: %s: %w", filename, ErrNotCommitted)
	}
	f, err := os.Open(s.dataPath(filename))
	if err != nil {
		return nil, Entry{}, err
	}
	return f, entry, nil
}

// Usage returns the bytes occupied by artifact data files. Re-fetching
// an artifact that is already here is net-zero, so admission control
// counts this space as available.
func (s *Store) Usage() (int64, error) {
	entries, err := s.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total, nil
}

// Remove deletes a data file and its metadata by filename alone. It is
// used for stray files whose hash is unknown; prefer Handle.Unlink.
func (s *Store) Remove(filename string) error {
	if filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return fmt.Errorf("storage: refusing to remove %q", filename)
	}
	return s.removeFiles(filename)
}

func (s *Store) removeFiles(filename string) error {
	var errs []error
	for _, path := range []string{s.dataPath(filename), s.metaPath(filename)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("storage: removing %s: %w", filename, err)
	}
	return nil
}

func (s *Store) dataPath(filename string) string {
	return filepath.Join(s.root, filename)
}

func (s *Store) metaPath(filename string) string {
	return filepath.Join(s.root, metaDir, filename)
}

// lockPath is keyed by filename like the data file it guards, so two
// hashes declared under one name still exclude each other.
func (s *Store) lockPath(ref artifact.Ref) string {
	return filepath.Join(s.root, lockDir, ref.Filename)
}

// metaRecord is the sidecar describing a data file.
type metaRecord struct {
	SHA256    string `json:"sha256"`
	Size      int64  `json:"size"`
	Offset    int64  `json:"offset"`
	Committed bool   `json:"committed"`
	// ModTime is the data file's mtime when it was committed; a commit
	// record is only trusted while the data file is unchanged.
	ModTime int64 `json:"mod_time,omitempty"`
}

func (s *Store) readMeta(filename string) (metaRecord, error) {
	var rec metaRecord
	data, err := os.ReadFile(s.metaPath(filename))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("storage: decoding metadata for %s: %w", filename, err)
	}
	return rec, nil
}

// writeMeta replaces the sidecar atomically.
func (s *Store) writeMeta(filename string, rec metaRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Join(s.root, metaDir), "."+filename+".tmp-*")
	if err != nil {
		return classify(fmt.Errorf("storage: writing metadata for %s: %w", filename, err))
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return classify(fmt.Errorf("storage: writing metadata for %s: %w", filename, err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return classify(fmt.Errorf("storage: syncing metadata for %s: %w", filename, err))
	}
	if err := tmp.Close(); err != nil {
		return classify(err)
	}
	if err := os.Rename(tmpName, s.metaPath(filename)); err != nil {
		return fmt.Errorf("storage: publishing metadata for %s: %w", filename, err)
	}
	return nil
}

// IsOutOfSpace reports whether err is a full-disk or quota condition.
func IsOutOfSpace(err error) bool {
	return errors.Is(err, ErrOutOfSpace) || errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT)
}

// classify tags full-disk errors with ErrOutOfSpace.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrOutOfSpace) {
		return err
	}
	if IsOutOfSpace(err) {
		return fmt.Errorf("%w: %w", ErrOutOfSpace, err)
	}
	return err
}

func hashFile(path string, beat func()) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(beatWriter{w: h, beat: beat}, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
