package bundle

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Fingerprint returns "blake3:<hex>" for the file at path. Reprocessing the
// same bundle after a crash yields the same fingerprint in the job history.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash bundle: %w", err)
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil)), nil
}
