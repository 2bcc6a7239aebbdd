// Package bundle unpacks submission archives and fingerprints them.
package bundle

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxExtractBytes caps the total uncompressed size of one bundle.
const DefaultMaxExtractBytes int64 = 512 << 20

// ErrCorrupt wraps every failure caused by the archive itself rather than by
// the destination filesystem.
var ErrCorrupt = errors.New("corrupt bundle")

// Extractor unpacks a bundle into a directory.
type Extractor struct {
	// MaxBytes bounds the total uncompressed size. Zero means
	// DefaultMaxExtractBytes.
	MaxBytes int64
}

// Extract unpacks the zip archive at src into dst, which must exist.
// Entries that would escape dst, symlinks, and archives larger than the cap
// are rejected with ErrCorrupt.
func (e Extractor) Extract(src, dst string) error {
	limit := e.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxExtractBytes
	}

	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrCorrupt, filepath.Base(src), err)
	}
	defer r.Close()

	root, err := filepath.Abs(dst)
	if err != nil {
		return fmt.Errorf("resolve destination: %w", err)
	}

	var written int64
	for _, f := range r.File {
		target, err := entryPath(root, f.Name)
		if err != nil {
			return err
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %q: %w", f.Name, err)
			}
			continue
		case mode&os.ModeSymlink != 0:
			return fmt.Errorf("%w: entry %q is a symlink", ErrCorrupt, f.Name)
		case !mode.IsRegular():
			return fmt.Errorf("%w: entry %q has unsupported type %s", ErrCorrupt, f.Name, mode.Type())
		}

		n, err := extractFile(f, target, limit-written)
		written += n
		if err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string, remaining int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create directory for %q: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: open entry %q: %v", ErrCorrupt, f.Name, err)
	}
	defer rc.Close()

	// Keep the executable bits; scripts in the bundle are run by the agent.
	perm := f.Mode().Perm() | 0o600
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, fmt.Errorf("create %q: %w", f.Name, err)
	}

	n, copyErr := io.Copy(out, io.LimitReader(rc, remaining+1))
	closeErr := out.Close()
	if copyErr != nil {
		return n, fmt.Errorf("%w: read entry %q: %v", ErrCorrupt, f.Name, copyErr)
	}
	if n > remaining {
		return n, fmt.Errorf("%w: uncompressed size exceeds limit", ErrCorrupt)
	}
	if closeErr != nil {
		return n, fmt.Errorf("close %q: %w", f.Name, closeErr)
	}
	return n, nil
}

// entryPath maps an archive entry name to a path under root, rejecting
// absolute names and ".." traversal.
func entryPath(root, name string) (string, error) {
	clean := filepath.FromSlash(name)
	if filepath.IsAbs(clean) || strings.HasPrefix(name, "/") || filepath.VolumeName(clean) != "" {
		return "", fmt.Errorf("%w: entry %q has an absolute path", ErrCorrupt, name)
	}
	target := filepath.Join(root, clean)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: entry %q escapes the workspace", ErrCorrupt, name)
	}
	return target, nil
}
