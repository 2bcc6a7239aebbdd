package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/gradeq/internal/doctor"
	"github.com/mattjoyce/gradeq/internal/history"
	"github.com/mattjoyce/gradeq/internal/inspect"
	"github.com/mattjoyce/gradeq/internal/storage"
	"github.com/mattjoyce/gradeq/internal/submit"
)

func runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	configPath, courseID := courseFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	_, course, ok := loadCourse(*configPath, *courseID)
	if !ok {
		return 1
	}

	for _, dir := range course.RequiredDirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create %s: %v\n", dir, err)
			return 1
		}
		fmt.Printf("ready: %s\n", dir)
	}
	return 0
}

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath, courseID := courseFlags(fs)
	jsonOut := fs.Bool("json", false, "Output the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, course, ok := loadCourse(*configPath, *courseID)
	if !ok {
		return 1
	}

	r := doctor.New(cfg, course).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(r)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(r))
	}

	if !r.Valid {
		return 1
	}
	return 0
}

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	courseID := fs.String("course", "", "Only show jobs of this course")
	limit := fs.Int("limit", 20, "Maximum number of jobs to show")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "Usage: gradeq history [--course ID] [--limit N] [--json] [job-id]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if _, err := os.Stat(cfg.State.Path); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "No job history at %s\n", cfg.State.Path)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()
	store := history.New(db)

	var out string
	switch {
	case fs.NArg() == 1:
		out, err = inspect.BuildJobReport(ctx, store, fs.Arg(0))
	case *jsonOut:
		out, err = inspect.BuildJSON(ctx, store, *courseID, *limit)
		out += "\n"
	default:
		out, err = inspect.BuildTable(ctx, store, *courseID, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "History failed: %v\n", err)
		return 1
	}
	fmt.Print(out)
	return 0
}

func runSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	configPath, courseID := courseFlags(fs)
	name := fs.String("name", "", "Queue the bundle under this name (single bundle only)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: gradeq submit --course ID [--name NAME] bundle.zip...")
		return 1
	}
	if *name != "" && fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "--name can only be used with a single bundle")
		return 1
	}

	_, course, ok := loadCourse(*configPath, *courseID)
	if !ok {
		return 1
	}

	failed := 0
	for _, src := range fs.Args() {
		path, err := submit.File(course.QueueDir, src, *name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to submit %s: %v\n", src, err)
			failed++
			continue
		}
		fmt.Printf("queued: %s\n", path)
	}
	if failed > 0 {
		return 1
	}
	return 0
}
