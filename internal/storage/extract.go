package storage

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Format is the container format detected for an artifact.
type Format string

const (
	FormatRaw     Format = "raw"
	FormatTar     Format = "tar"
	FormatTarGzip Format = "tar+gzip"
	FormatTarZstd Format = "tar+zstd"
	FormatTarLZ4  Format = "tar+lz4"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// DetectFormat inspects the leading bytes of a file. Compressed streams are
// assumed to wrap a tarball; anything unrecognized is copied verbatim.
func DetectFormat(header []byte) Format {
	switch {
	case bytes.HasPrefix(header, gzipMagic):
		return FormatTarGzip
	case bytes.HasPrefix(header, zstdMagic):
		return FormatTarZstd
	case bytes.HasPrefix(header, lz4Magic):
		return FormatTarLZ4
	case len(header) >= 262 && string(header[257:262]) == "ustar":
		return FormatTar
	default:
		return FormatRaw
	}
}

// Extract materializes the committed artifact at target. Tarballs are
// unpacked into a directory, other files are copied. The previous
// contents of target are replaced atomically; a failure leaves them
// untouched and never rolls back the commit.
func (f *LocalFile) Extract(target string) error {
	if !f.Committed() {
		return fmt.Errorf("storage: extracting %s: %w", f.art.Ref, ErrNotCommitted)
	}
	src, err := os.Open(f.store.dataPath(f.art.Filename))
	if err != nil {
		return fmt.Errorf("storage: extracting %s: %w", f.art.Ref, err)
	}
	defer src.Close()

	br := bufio.NewReaderSize(src, 512)
	header, _ := br.Peek(512)
	format := DetectFormat(header)

	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return classify(fmt.Errorf("storage: extracting %s: %w", f.art.Ref, err))
	}

	if format == FormatRaw {
		err = copyInto(br, target, f.beat)
	} else {
		err = untarInto(br, format, target, f.beat)
	}
	if err != nil {
		return classify(fmt.Errorf("storage: extracting %s to %s (%s): %w", f.art.Ref, target, format, err))
	}
	f.store.logger.Debug("artifact extracted",
		"artifact", f.art.Ref.String(),
		"target", target,
		"format", string(format),
	)
	return nil
}

func copyInto(r io.Reader, target string, beat func()) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := io.Copy(beatWriter{w: tmp, beat: beat}, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	return os.Rename(tmpName, target)
}

func decompressor(r io.Reader, format Format) (io.Reader, func(), error) {
	switch format {
	case FormatTar:
		return r, func() {}, nil
	case FormatTarGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { zr.Close() }, nil
	case FormatTarZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	case FormatTarLZ4:
		return lz4.NewReader(r), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported format %q", format)
	}
}

func untarInto(r io.Reader, format Format, target string, beat func()) error {
	stream, closeStream, err := decompressor(r, format)
	if err != nil {
		return err
	}
	defer closeStream()

	tmpDir, err := os.MkdirTemp(filepath.Dir(target), "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := extractEntry(tr, hdr, tmpDir, beat); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(target); err != nil {
		return err
	}
	return os.Rename(tmpDir, target)
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, root string, beat func()) error {
	name := filepath.Clean(hdr.Name)
	if name == "." {
		return nil
	}
	if escapes(name) {
		return fmt.Errorf("tar entry %q escapes the extraction root", hdr.Name)
	}
	if err := rejectLinkedParents(root, name); err != nil {
		return fmt.Errorf("tar entry %q: %w", hdr.Name, err)
	}
	path := filepath.Join(root, name)
	mode := hdr.FileInfo().Mode().Perm()

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(path, mode|0o700)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := removeNonDir(path); err != nil {
			return err
		}
		out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(beatWriter{w: out, beat: beat}, tr); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := removeNonDir(path); err != nil {
			return err
		}
		return os.Symlink(hdr.Linkname, path)
	case tar.TypeLink:
		linkName := filepath.Clean(hdr.Linkname)
		if filepath.IsAbs(linkName) || escapes(linkName) {
			return fmt.Errorf("hard link %q escapes the extraction root", hdr.Linkname)
		}
		if err := rejectLinkedParents(root, linkName); err != nil {
			return fmt.Errorf("hard link %q: %w", hdr.Linkname, err)
		}
		if err := removeNonDir(path); err != nil {
			return err
		}
		return os.Link(filepath.Join(root, linkName), path)
	default:
		// Device nodes and fifos have no place in a boot image cache.
		return nil
	}
}

func escapes(name string) bool {
	return filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator))
}

// rejectLinkedParents fails when a directory between root and name is a
// symlink laid down by an earlier entry. Writing through it could land
// anywhere on the host.
func rejectLinkedParents(root, name string) error {
	dir := root
	for _, part := range strings.Split(filepath.Dir(name), string(filepath.Separator)) {
		if part == "." || part == "" {
			continue
		}
		dir = filepath.Join(dir, part)
		info, err := os.Lstat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("parent %q is a symlink", strings.TrimPrefix(dir, root+string(filepath.Separator)))
		}
	}
	return nil
}

// removeNonDir clears a file or symlink left at path by an earlier entry
// so the new entry replaces it instead of writing through it.
func removeNonDir(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", filepath.Base(path))
	}
	return os.Remove(path)
}
