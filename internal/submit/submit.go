// Package submit places bundles into a course queue the way the watcher
// expects to receive them: copied under a hidden name, flushed, then renamed
// into place in one step.
package submit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrQueued is returned when a bundle with the same name is already waiting.
var ErrQueued = errors.New("a bundle with this name is already queued")

// ErrInvalidName is returned for names the watcher would never pick up.
var ErrInvalidName = errors.New("invalid bundle name")

// PartialName is the hidden name a bundle is copied under before it is
// published. The watcher ignores hidden entries.
func PartialName(name string) string {
	return "." + name + ".partial"
}

// File copies src into queueDir as name (the base name of src when empty)
// and returns the published path.
func File(queueDir, src, name string) (string, error) {
	if name == "" {
		name = filepath.Base(src)
	}
	if err := validateName(name); err != nil {
		return "", err
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open bundle: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", fmt.Errorf("stat bundle: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("bundle %s is not a regular file", src)
	}

	return Reader(queueDir, name, in)
}

// Reader publishes the contents of r into queueDir as name.
func Reader(queueDir, name string, r io.Reader) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}

	final := filepath.Join(queueDir, name)
	if _, err := os.Lstat(final); err == nil {
		return "", fmt.Errorf("%s: %w", name, ErrQueued)
	}

	partial := filepath.Join(queueDir, PartialName(name))
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("create partial bundle: %w", err)
	}
	published := false
	defer func() {
		if !published {
			_ = os.Remove(partial)
		}
	}()

	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("copy bundle: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("sync bundle: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close bundle: %w", err)
	}

	if err := os.Rename(partial, final); err != nil {
		return "", fmt.Errorf("publish bundle: %w", err)
	}
	published = true
	syncDir(queueDir)
	return final, nil
}

func validateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w %q", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w %q: hidden names are never picked up", ErrInvalidName, name)
	case strings.ContainsRune(name, filepath.Separator):
		return fmt.Errorf("%w %q: must not contain a path separator", ErrInvalidName, name)
	}
	return nil
}

// syncDir makes the rename durable. Failure only weakens crash safety.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
