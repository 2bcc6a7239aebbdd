// Package inspect renders job history for the terminal.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mattjoyce/gradeq/internal/history"
)

// Store is the read side of the job history.
type Store interface {
	List(ctx context.Context, course string, limit int) ([]*history.Record, error)
	Get(ctx context.Context, jobID string) (*history.Record, error)
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	okStyle      = cellStyle.Foreground(lipgloss.Color("#00FF00"))
	runningStyle = cellStyle.Foreground(lipgloss.Color("#FFFF00"))
	failedStyle  = cellStyle.Foreground(lipgloss.Color("#FF0000"))
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#874BFD"))
)

const statusColumn = 2

// BuildTable renders the most recent jobs of course, newest first.
func BuildTable(ctx context.Context, store Store, course string, limit int) (string, error) {
	records, err := store.List(ctx, course, limit)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "No jobs recorded.\n", nil
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			shortID(r.ID),
			r.Bundle,
			string(r.Status),
			renderExitCode(r.ExitCode),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			renderDuration(r.Duration),
			renderError(r.LastError),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers("JOB", "BUNDLE", "STATUS", "EXIT", "STARTED", "DURATION", "ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == statusColumn && row >= 0 && row < len(records) {
				return statusStyle(records[row].Status)
			}
			return cellStyle
		})

	return t.String() + "\n", nil
}

// BuildJSON returns the same records as BuildTable as indented JSON.
func BuildJSON(ctx context.Context, store Store, course string, limit int) (string, error) {
	records, err := store.List(ctx, course, limit)
	if err != nil {
		return "", err
	}
	if records == nil {
		records = []*history.Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal history: %w", err)
	}
	return string(data), nil
}

// BuildJobReport renders one job in detail. Workspaces are normally gone by
// the time anyone looks; when one survives (a crash, or a cleanup failure)
// its files are listed.
func BuildJobReport(ctx context.Context, store Store, jobID string) (string, error) {
	if strings.TrimSpace(jobID) == "" {
		return "", fmt.Errorf("job id is required")
	}
	r, err := store.Get(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("job %q: %w", jobID, err)
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "Job ID      : %s\n", r.ID)
	fmt.Fprintf(&out, "Course      : %s\n", r.Course)
	fmt.Fprintf(&out, "Bundle      : %s\n", r.Bundle)
	fmt.Fprintf(&out, "Fingerprint : %s\n", renderUnset(r.Fingerprint, "<none>"))
	fmt.Fprintf(&out, "Status      : %s\n", r.Status)
	fmt.Fprintf(&out, "Exit code   : %s\n", renderExitCode(r.ExitCode))
	fmt.Fprintf(&out, "Started     : %s\n", r.StartedAt.Format(time.RFC3339))
	if r.CompletedAt != nil {
		fmt.Fprintf(&out, "Completed   : %s (%s)\n", r.CompletedAt.Format(time.RFC3339), renderDuration(r.Duration))
	} else {
		fmt.Fprintf(&out, "Completed   : <pending>\n")
	}
	if r.LastError != nil && *r.LastError != "" {
		fmt.Fprintf(&out, "Errors      :\n")
		for _, line := range strings.Split(*r.LastError, "; ") {
			fmt.Fprintf(&out, "  - %s\n", line)
		}
	}

	fmt.Fprintf(&out, "Workspace   : %s\n", renderUnset(r.Workspace, "<none>"))
	if r.Workspace != "" {
		artifacts, err := listArtifacts(r.Workspace)
		switch {
		case err != nil:
			fmt.Fprintf(&out, "Artifacts   : <unreadable: %v>\n", err)
		case artifacts == nil:
			fmt.Fprintf(&out, "Artifacts   : <removed>\n")
		case len(artifacts) == 0:
			fmt.Fprintf(&out, "Artifacts   : <none>\n")
		default:
			fmt.Fprintf(&out, "Artifacts   :\n")
			for _, a := range artifacts {
				fmt.Fprintf(&out, "  - %s\n", a)
			}
		}
	}
	return out.String(), nil
}

func statusStyle(s history.Status) lipgloss.Style {
	switch s {
	case history.StatusSucceeded:
		return okStyle
	case history.StatusRunning:
		return runningStyle
	default:
		return failedStyle
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func renderExitCode(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *code)
}

func renderDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).Round(time.Millisecond).String()
}

func renderError(msg *string) string {
	if msg == nil {
		return ""
	}
	const width = 48
	if len(*msg) > width {
		return (*msg)[:width-3] + "..."
	}
	return *msg
}

// listArtifacts returns nil (not empty) when the workspace no longer exists.
func listArtifacts(workspaceDir string) ([]string, error) {
	if _, err := os.Stat(workspaceDir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	artifacts := make([]string, 0)
	err := filepath.WalkDir(workspaceDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == workspaceDir || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(workspaceDir, path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(artifacts)
	return artifacts, nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
