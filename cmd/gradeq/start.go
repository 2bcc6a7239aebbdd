package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/gradeq/internal/api"
	"github.com/mattjoyce/gradeq/internal/auth"
	"github.com/mattjoyce/gradeq/internal/config"
	"github.com/mattjoyce/gradeq/internal/doctor"
	"github.com/mattjoyce/gradeq/internal/events"
	"github.com/mattjoyce/gradeq/internal/history"
	"github.com/mattjoyce/gradeq/internal/lock"
	"github.com/mattjoyce/gradeq/internal/log"
	"github.com/mattjoyce/gradeq/internal/notify"
	"github.com/mattjoyce/gradeq/internal/processor"
	"github.com/mattjoyce/gradeq/internal/queue"
	"github.com/mattjoyce/gradeq/internal/storage"
	"github.com/mattjoyce/gradeq/internal/supervisor"
	"github.com/mattjoyce/gradeq/internal/telemetry"
	"github.com/mattjoyce/gradeq/internal/upload"
	"github.com/mattjoyce/gradeq/internal/webhook"
	"github.com/mattjoyce/gradeq/internal/workspace"
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath, courseID := courseFlags(fs)
	stdinPath := fs.String("stdin", "", "Redirect standard input from this file")
	stdoutPath := fs.String("stdout", "", "Redirect standard output (and logs) to this file")
	stderrPath := fs.String("stderr", "", "Redirect standard error to this file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	restore, err := redirectStreams(*stdinPath, *stdoutPath, *stderrPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to redirect standard streams: %v\n", err)
		return 1
	}
	defer restore()

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat, nil)
	logger := log.WithComponent("main")

	course, err := cfg.Course(*courseID)
	if err != nil {
		logger.Error("cannot resolve course", "course", *courseID, "error", err)
		return 1
	}
	logger = logger.With("course", course.ID)
	logger.Info("gradeq starting", "version", version, "config", cfg.SourcePath, "root", course.Root)

	if !preflight(cfg, course, logger) {
		return 1
	}

	pidLock, err := lock.AcquirePIDLock(course.LockPath())
	if err != nil {
		logger.Error("failed to acquire PID lock (another manager may be serving this queue)", "path", course.LockPath(), "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	store := history.New(db)
	logger.Info("database opened", "path", cfg.State.Path)

	wsManager, err := workspace.NewFSManager(course.UnzipDir)
	if err != nil {
		logger.Error("failed to initialize workspace manager", "base_dir", course.UnzipDir, "error", err)
		return 1
	}
	if rep, err := wsManager.Cleanup(ctx, course.WorkspaceRetention); err != nil {
		logger.Warn("workspace cleanup failed", "error", err)
	} else if rep.DeletedDirs > 0 {
		logger.Info("removed stale workspaces", "count", rep.DeletedDirs)
	}

	uploader, err := upload.New(ctx, course, log.WithComponent("upload"))
	if err != nil {
		logger.Error("failed to configure uploader", "kind", course.Upload.Kind, "error", err)
		return 1
	}

	telemetry.Register()
	hub := events.NewHub(256)

	agent := supervisor.New(course.Agent, supervisor.Config{
		MaxRuntime:   cfg.Supervisor.MaxRuntime,
		PollInterval: cfg.Supervisor.PollInterval,
		KillGrace:    cfg.Supervisor.KillGrace,
	}, log.WithComponent("supervisor"))

	proc, err := processor.New(processor.Options{
		Course:     course,
		Workspaces: wsManager,
		Agent:      agent,
		Uploader:   uploader,
		History:    store,
		Events:     hub,
		Logger:     log.WithComponent("processor"),
		KillGrace:  cfg.Supervisor.KillGrace,
	})
	if err != nil {
		logger.Error("failed to build job processor", "error", err)
		return 1
	}

	// The source must exist before recovery lists the directory so that
	// bundles arriving in between are buffered rather than missed.
	source, err := queue.Open(cfg.Watch.Backend, course.QueueDir, cfg.Watch.Settle, log.WithComponent("watch"))
	if err != nil {
		logger.Error("failed to watch queue directory", "queue", course.QueueDir, "error", err)
		return 1
	}
	defer source.Close()

	watcher := queue.NewWatcher(course.ID, course.QueueDir, source,
		func(ctx context.Context, dir, name string) { proc.Process(ctx, dir, name) },
		hub, log.WithComponent("queue"))

	errCh := make(chan error, 3)

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Tokens))
		for _, t := range cfg.API.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		apiConfig := api.Config{Listen: cfg.API.Listen, Course: course.ID, Tokens: tokens}
		apiServer := api.New(apiConfig, store, watcher, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Intake.Enabled {
		intakeConfig, err := webhook.FromGlobalConfig(cfg.Intake)
		if err != nil {
			logger.Error("invalid intake configuration", "error", err)
			return 1
		}
		intake := webhook.New(intakeConfig, course.ID, course.QueueDir, hub, log.WithComponent("intake"))
		go func() {
			if err := intake.Start(ctx); err != nil {
				errCh <- fmt.Errorf("intake: %w", err)
			}
		}()
		logger.Info("bundle intake enabled", "listen", intakeConfig.Listen)
	}

	if cfg.Notify.Redis.Addr != "" {
		client, err := notify.NewClient(ctx, cfg.Notify.Redis)
		if err != nil {
			logger.Error("failed to connect to redis", "addr", cfg.Notify.Redis.Addr, "error", err)
			return 1
		}
		defer client.Close()
		ch, unsubscribe := hub.Subscribe()
		defer unsubscribe()
		fwd := notify.NewForwarder(client, cfg.Notify.Redis.Channel, course.ID, log.WithComponent("notify"))
		go fwd.Run(ctx, ch)
		logger.Info("forwarding events to redis", "addr", cfg.Notify.Redis.Addr, "channel", cfg.Notify.Redis.Channel)
	}

	if _, err := watcher.Recover(ctx); err != nil && ctx.Err() == nil {
		logger.Error("stale job recovery failed", "error", err)
		return 1
	}

	done := make(chan error, 1)
	go func() {
		done <- watcher.Run(ctx)
	}()

	logger.Info("gradeq running (press Ctrl+C to stop)")

	select {
	case err := <-done:
		if err != nil {
			logger.Error("queue watcher stopped", "error", err)
			return 1
		}
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		stop()
		<-done
		return 1
	case <-ctx.Done():
		logger.Info("received shutdown signal, finishing in-flight job")
		if err := <-done; err != nil && !errors.Is(err, queue.ErrSourceClosed) {
			logger.Error("queue watcher stopped", "error", err)
		}
	}

	logger.Info("gradeq stopped")
	return 0
}

// preflight runs the startup checks. Errors are fatal; warnings are logged.
func preflight(cfg *config.Config, course *config.Course, logger *slog.Logger) bool {
	r := doctor.New(cfg, course).Validate()
	for _, w := range r.Warnings {
		logger.Warn("preflight warning", "category", w.Category, "field", w.Field, "message", w.Message)
	}
	for _, e := range r.Errors {
		logger.Error("preflight check failed", "category", e.Category, "field", e.Field, "message", e.Message)
	}
	if !r.Valid {
		logger.Error(fmt.Sprintf("course %s is not ready; run `gradeq init --course %s` and `gradeq check --course %s`", course.ID, course.ID, course.ID))
	}
	return r.Valid
}

// redirectStreams reopens the standard streams on the given files. Empty
// paths leave a stream alone. The returned func restores the originals.
func redirectStreams(stdin, stdout, stderr string) (func(), error) {
	origIn, origOut, origErr := os.Stdin, os.Stdout, os.Stderr
	var opened []*os.File
	restore := func() {
		os.Stdin, os.Stdout, os.Stderr = origIn, origOut, origErr
		for _, f := range opened {
			_ = f.Close()
		}
	}

	open := func(path string, flag int) (*os.File, error) {
		f, err := os.OpenFile(path, flag, 0o644)
		if err != nil {
			return nil, err
		}
		opened = append(opened, f)
		return f, nil
	}

	const appendFlags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if stdin != "" {
		f, err := open(stdin, os.O_RDONLY)
		if err != nil {
			restore()
			return nil, fmt.Errorf("stdin: %w", err)
		}
		os.Stdin = f
	}
	if stdout != "" {
		f, err := open(stdout, appendFlags)
		if err != nil {
			restore()
			return nil, fmt.Errorf("stdout: %w", err)
		}
		os.Stdout = f
	}
	if stderr != "" {
		f, err := open(stderr, appendFlags)
		if err != nil {
			restore()
			return nil, fmt.Errorf("stderr: %w", err)
		}
		os.Stderr = f
	}
	return restore, nil
}
