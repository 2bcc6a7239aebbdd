package workspace

import (
	"context"
	"time"
)

// Workspace is the private directory a single job is unpacked and tested in.
// It is never shared between jobs and never referenced after its job ends.
type Workspace struct {
	JobID string
	Dir   string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs workspace lifecycle under one unzip directory.
type Manager interface {
	// Create allocates a fresh, uniquely named workspace for jobID. label is
	// a human hint (usually the bundle stem) used as the directory prefix.
	Create(ctx context.Context, jobID, label string) (Workspace, error)

	// Remove deletes the workspace tree. Removing a missing workspace is not
	// an error.
	Remove(ws Workspace) error

	// Cleanup removes workspaces older than olderThan, typically left behind
	// by a crash. olderThan == 0 removes every workspace.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
