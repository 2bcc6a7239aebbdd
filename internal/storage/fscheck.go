package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"fuse":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// RemoteFilesystemError reports a path that lives on a network mount.
type RemoteFilesystemError struct {
	Path    string
	FSType  string
	Purpose string
}

func (e *RemoteFilesystemError) Error() string {
	return fmt.Sprintf("%s path %q is on network filesystem %q", e.Purpose, e.Path, e.FSType)
}

// CheckLocalFilesystem ensures path (or its nearest existing parent) is on a
// local filesystem. SQLite needs local locking and inotify never sees writes
// made by other hosts, so both the history database and the queue directory
// go through this check. purpose names the path in the error.
func CheckLocalFilesystem(path, purpose string) error {
	return checkLocalFilesystemWithDetector(path, purpose, detectFilesystemType)
}

func checkLocalFilesystemWithDetector(path, purpose string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("%s path is empty", purpose)
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve %s path %q: %w", purpose, path, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}

	if isNetworkFilesystem(fsType) {
		return &RemoteFilesystemError{Path: path, FSType: fsType, Purpose: purpose}
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	_, found := networkFilesystems[normalized]
	return found
}
