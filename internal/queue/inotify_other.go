//go:build !linux

package queue

import (
	"errors"
	"log/slog"
)

const inotifySupported = false

func openInotify(string, *slog.Logger) (Source, error) {
	return nil, errors.New("inotify is only available on linux")
}
