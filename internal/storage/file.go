package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dreamware/imagesync/internal/artifact"
)

// LocalFile is a Handle backed by the store directory.
type LocalFile struct {
	store *Store
	art   artifact.Artifact

	mu        sync.Mutex
	lockFile  *os.File
	heartbeat func()
}

var (
	_ Handle      = (*LocalFile)(nil)
	_ Heartbeater = (*LocalFile)(nil)
)

// SetHeartbeat registers hb to be called while the handle hashes,
// syncs or extracts, which can take minutes for a large image.
func (f *LocalFile) SetHeartbeat(hb func()) {
	f.heartbeat = hb
}

func (f *LocalFile) beat() {
	if f.heartbeat != nil {
		f.heartbeat()
	}
}

// Artifact returns the artifact this handle was created for.
func (f *LocalFile) Artifact() artifact.Artifact { return f.art }

// TryLock attempts to take the artifact's exclusive lock without
// blocking. It returns false when another holder has it.
func (f *LocalFile) TryLock() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockFile != nil {
		return true, nil
	}

	lf, err := os.OpenFile(f.store.lockPath(f.art.Ref), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, classify(fmt.Errorf("storage: opening lock for %s: %w", f.art.Ref, err))
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lf.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("storage: locking %s: %w", f.art.Ref, err)
	}
	f.lockFile = lf
	return true, nil
}

// Unlock releases the lock. Releasing an unheld lock is a no-op.
func (f *LocalFile) Unlock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockFile == nil {
		return nil
	}
	lf := f.lockFile
	f.lockFile = nil
	unlockErr := unix.Flock(int(lf.Fd()), unix.LOCK_UN)
	closeErr := lf.Close()
	if err := errors.Join(unlockErr, closeErr); err != nil {
		return fmt.Errorf("storage: unlocking %s: %w", f.art.Ref, err)
	}
	return nil
}

// Valid reports whether the bytes on disk match the declared hash and
// size. A commit record whose mtime still matches the data file is
// trusted without rehashing.
func (f *LocalFile) Valid() (bool, error) {
	path := f.store.dataPath(f.art.Filename)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("storage: stat %s: %w", f.art.Ref, err)
	}
	if f.art.Size > 0 && info.Size() != f.art.Size {
		return false, nil
	}

	if rec, err := f.store.readMeta(f.art.Filename); err == nil &&
		rec.Committed && rec.SHA256 == f.art.SHA256 &&
		rec.Size == info.Size() && rec.ModTime == info.ModTime().UnixNano() {
		return true, nil
	}

	sum, n, err := hashFile(path, f.beat)
	if err != nil {
		return false, fmt.Errorf("storage: hashing %s: %w", f.art.Ref, err)
	}
	if f.art.Size > 0 && n != f.art.Size {
		return false, nil
	}
	return sum == f.art.SHA256, nil
}

// OpenPartial opens the data file for positional writes, pre-sizing it
// to the declared size. A previous attempt's offset is picked up from
// the metadata so the caller can resume.
func (f *LocalFile) OpenPartial() (Partial, error) {
	path := f.store.dataPath(f.art.Filename)
	data, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, classify(fmt.Errorf("storage: opening %s: %w", f.art.Ref, err))
	}

	var offset int64
	if rec, err := f.store.readMeta(f.art.Filename); err == nil &&
		rec.SHA256 == f.art.SHA256 && !rec.Committed && rec.Offset <= f.art.Size {
		offset = rec.Offset
	}

	if f.art.Size > 0 {
		if err := preallocate(data, f.art.Size); err != nil {
			data.Close()
			return nil, classify(fmt.Errorf("storage: allocating %d bytes for %s: %w", f.art.Size, f.art.Ref, err))
		}
	}

	p := &partialFile{file: f, data: data, offset: offset}
	if err := p.persist(); err != nil {
		data.Close()
		return nil, err
	}
	return p, nil
}

// preallocate reserves the full size so a full disk surfaces before the
// transfer starts rather than midway.
func preallocate(data *os.File, size int64) error {
	err := unix.Fallocate(int(data.Fd()), 0, 0, size)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		return data.Truncate(size)
	}
	return err
}

// Commit publishes the artifact as verified. It is idempotent and fails
// with ErrInvalidChecksum when the data does not validate.
func (f *LocalFile) Commit() error {
	ok, err := f.Valid()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("storage: committing %s: %w", f.art.Ref, ErrInvalidChecksum)
	}
	path := f.store.dataPath(f.art.Filename)
	data, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("storage: committing %s: %w", f.art.Ref, err)
	}
	f.beat()
	syncErr := data.Sync()
	data.Close()
	f.beat()
	if syncErr != nil {
		return fmt.Errorf("storage: syncing %s: %w", f.art.Ref, syncErr)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("storage: committing %s: %w", f.art.Ref, err)
	}
	return f.store.writeMeta(f.art.Filename, metaRecord{
		SHA256:    f.art.SHA256,
		Size:      info.Size(),
		Offset:    info.Size(),
		Committed: true,
		ModTime:   info.ModTime().UnixNano(),
	})
}

// Committed reports whether a commit record exists for this artifact.
func (f *LocalFile) Committed() bool {
	rec, err := f.store.readMeta(f.art.Filename)
	return err == nil && rec.Committed && rec.SHA256 == f.art.SHA256
}

// Unlink removes the data file and its metadata, partial or committed.
func (f *LocalFile) Unlink() error {
	return f.store.removeFiles(f.art.Filename)
}

// Size returns the stored byte count.
func (f *LocalFile) Size() int64 {
	rec, err := f.store.readMeta(f.art.Filename)
	if err == nil && rec.SHA256 == f.art.SHA256 {
		return rec.Offset
	}
	return 0
}

// partialFile tracks the write offset of an open data file. The offset
// is persisted on Close so an aborted transfer can resume.
type partialFile struct {
	file   *LocalFile
	data   *os.File
	offset int64
}

func (p *partialFile) Write(b []byte) (int, error) {
	size := p.file.art.Size
	if size > 0 && p.offset+int64(len(b)) > size {
		return 0, fmt.Errorf("storage: %s: %w (%d+%d > %d)",
			p.file.art.Ref, ErrWriteBeyondEOF, p.offset, len(b), size)
	}
	n, err := p.data.WriteAt(b, p.offset)
	p.offset += int64(n)
	if err != nil {
		return n, classify(fmt.Errorf("storage: writing %s: %w", p.file.art.Ref, err))
	}
	return n, nil
}

func (p *partialFile) Offset() int64 { return p.offset }

func (p *partialFile) Reset() error {
	p.offset = 0
	return p.persist()
}

func (p *partialFile) Close() error {
	if p.file.art.Size <= 0 {
		// Unknown size: drop any tail left by a longer earlier attempt.
		if err := p.data.Truncate(p.offset); err != nil {
			p.data.Close()
			return classify(fmt.Errorf("storage: truncating %s: %w", p.file.art.Ref, err))
		}
	}
	syncErr := p.data.Sync()
	closeErr := p.data.Close()
	if err := errors.Join(syncErr, closeErr); err != nil {
		return classify(fmt.Errorf("storage: closing %s: %w", p.file.art.Ref, err))
	}
	return p.persist()
}

func (p *partialFile) persist() error {
	return p.file.store.writeMeta(p.file.art.Filename, metaRecord{
		SHA256: p.file.art.SHA256,
		Size:   p.file.art.Size,
		Offset: p.offset,
	})
}
