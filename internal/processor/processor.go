// Package processor runs the per-job pipeline: allocate a workspace, unpack
// the bundle, fetch dependencies, supervise the agent, upload the results,
// and finally remove the workspace and the bundle.
//
// Every step failure is recorded as a *StepError on the job's Report and
// logged; none of them stops the pipeline from reaching cleanup, and none is
// returned to the caller. A panic inside a step is recovered as
// KindUnexpected. The bundle is unlinked last, so a crash at any earlier
// point leaves it in the queue for the next startup to recover.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/gradeq/internal/bundle"
	"github.com/mattjoyce/gradeq/internal/config"
	"github.com/mattjoyce/gradeq/internal/events"
	"github.com/mattjoyce/gradeq/internal/history"
	"github.com/mattjoyce/gradeq/internal/report"
	"github.com/mattjoyce/gradeq/internal/supervisor"
	"github.com/mattjoyce/gradeq/internal/telemetry"
	"github.com/mattjoyce/gradeq/internal/workspace"
)

// Extractor unpacks a bundle into a workspace directory.
type Extractor interface {
	Extract(src, dst string) error
}

// Agent runs the grading agent against a workspace.
type Agent interface {
	Run(ctx context.Context, workspace string, rec supervisor.Recorder) (supervisor.Result, error)
}

// History records job progress. *history.Store implements it.
type History interface {
	Begin(ctx context.Context, req history.BeginRequest) error
	SetWorkspace(ctx context.Context, jobID, dir string) error
	Complete(ctx context.Context, jobID string, c history.Completion) error
}

// Options are the collaborators of a Processor. Course, Workspaces, Agent
// and Uploader are required.
type Options struct {
	Course     *config.Course
	Workspaces workspace.Manager
	Extractor  Extractor
	Agent      Agent
	Uploader   report.Uploader
	History    History
	Events     events.Publisher
	Logger     *slog.Logger

	// KillGrace bounds how long a timed out downloader gets after SIGTERM.
	KillGrace time.Duration
}

// Processor handles one job at a time.
type Processor struct {
	course     *config.Course
	workspaces workspace.Manager
	extractor  Extractor
	agent      Agent
	reporter   *report.Reporter
	history    History
	events     events.Publisher
	logger     *slog.Logger
	killGrace  time.Duration
	newID      func() string
	now        func() time.Time
}

func New(opts Options) (*Processor, error) {
	if opts.Course == nil {
		return nil, errors.New("processor: course is required")
	}
	if opts.Workspaces == nil {
		return nil, errors.New("processor: workspace manager is required")
	}
	if opts.Agent == nil {
		return nil, errors.New("processor: agent is required")
	}
	if opts.Uploader == nil {
		return nil, errors.New("processor: uploader is required")
	}

	p := &Processor{
		course:     opts.Course,
		workspaces: opts.Workspaces,
		extractor:  opts.Extractor,
		agent:      opts.Agent,
		history:    opts.History,
		events:     opts.Events,
		logger:     opts.Logger,
		killGrace:  opts.KillGrace,
		newID:      uuid.NewString,
		now:        time.Now,
	}
	if p.extractor == nil {
		p.extractor = bundle.Extractor{}
	}
	if p.events == nil {
		p.events = events.Nop{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.killGrace <= 0 {
		p.killGrace = supervisor.DefaultKillGrace
	}
	p.reporter = report.NewReporter(opts.Uploader, p.logger)
	return p, nil
}

// Process runs the pipeline for the bundle queueDir/name. It always returns
// a report and never panics.
func (p *Processor) Process(ctx context.Context, queueDir, name string) *Report {
	job := Job{
		ID:       p.newID(),
		Course:   p.course.ID,
		QueueDir: queueDir,
		Name:     name,
		Path:     filepath.Join(queueDir, name),
	}
	logger := p.logger.With("job_id", job.ID, "bundle", name, "course", job.Course)
	rep := &Report{Job: job, Started: p.now()}

	telemetry.InFlight.Inc()
	defer telemetry.InFlight.Dec()

	if fp, err := bundle.Fingerprint(job.Path); err != nil {
		logger.Warn("cannot fingerprint bundle", "error", err)
	} else {
		job.Fingerprint = fp
		rep.Job.Fingerprint = fp
	}

	logger.Info("job started")
	p.recordBegin(ctx, job, logger)
	p.events.Publish(events.JobStarted, events.JobStartedData{
		JobID: job.ID, Course: job.Course, Bundle: job.Name, Fingerprint: job.Fingerprint,
	})

	var ws workspace.Workspace
	p.protect(rep, logger, func() { p.run(ctx, job, rep, &ws, logger) })
	p.protect(rep, logger, func() { p.cleanup(job, ws, rep, logger) })

	rep.Finished = p.now()
	rep.Status = rep.status()
	p.finish(ctx, rep, logger)
	return rep
}

// protect turns a panic in fn into a KindUnexpected step error.
func (p *Processor) protect(rep *Report, logger *slog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			rep.add(KindUnexpected, fmt.Errorf("panic: %v", r))
			logger.Error("unexpected failure while processing job", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (p *Processor) run(ctx context.Context, job Job, rep *Report, ws *workspace.Workspace, logger *slog.Logger) {
	created, err := p.workspaces.Create(ctx, job.ID, job.Name)
	if err != nil {
		p.fail(rep, logger, KindWorkspace, err)
		return
	}
	*ws = created
	rep.Workspace = created.Dir
	logger = logger.With("workspace", created.Dir)
	if p.history != nil {
		if err := p.history.SetWorkspace(ctx, job.ID, created.Dir); err != nil {
			logger.Warn("failed to record workspace", "error", err)
		}
	}

	markers := report.NewMarkers(created.Dir)

	logger.Debug("extracting bundle")
	if err := p.extractor.Extract(job.Path, created.Dir); err != nil {
		p.fail(rep, logger, KindExtract, err)
	}

	if !p.download(ctx, created.Dir, rep, markers, logger) {
		return
	}

	res, err := p.agent.Run(ctx, created.Dir, markers)
	if errors.Is(err, supervisor.ErrInterrupted) {
		rep.Interrupted = true
		logger.Warn("job interrupted during agent run")
		return
	}
	rep.Supervised = true
	rep.Result = res
	switch res.Outcome {
	case supervisor.StartFailure:
		p.fail(rep, logger, KindSupervise, res.StartErr)
	case supervisor.TimedOut:
		p.fail(rep, logger, KindSupervise, ErrAgentTimedOut)
	}

	if _, err := p.reporter.Upload(ctx, created.Dir); err != nil {
		// Results never left the host; keep the bundle so it is regraded.
		if ctx.Err() != nil {
			p.interrupted(rep, logger)
			return
		}
		p.fail(rep, logger, KindUpload, err)
	}
}

// download runs the dependency downloader, if the course has one. It
// reports false when the job was interrupted.
func (p *Processor) download(ctx context.Context, dir string, rep *Report, markers *report.Markers, logger *slog.Logger) bool {
	if p.course.Downloader != "" {
		logger.Debug("running dependency downloader", "downloader", p.course.Downloader)
		code, err := supervisor.RunHelper(ctx, p.course.Downloader, dir, p.course.DownloaderTimeout, p.killGrace, logger)
		switch {
		case errors.Is(err, supervisor.ErrInterrupted):
			return p.interrupted(rep, logger)
		case err != nil:
			p.fail(rep, logger, KindDownload, err)
			if derr := markers.Diagnostic(fmt.Sprintf("Could not download dependencies: %v", err)); derr != nil {
				logger.Error("failed to write diagnostic marker", "error", derr)
			}
		case code != 0:
			logger.Info("dependency downloader exited non-zero", "exit_code", code)
		}
	}
	if ctx.Err() != nil {
		return p.interrupted(rep, logger)
	}
	return true
}

func (p *Processor) interrupted(rep *Report, logger *slog.Logger) bool {
	rep.Interrupted = true
	logger.Warn("job interrupted")
	return false
}

// cleanup removes the workspace and then, unless the job was interrupted,
// the bundle. An interrupted job keeps its bundle for the next startup.
func (p *Processor) cleanup(job Job, ws workspace.Workspace, rep *Report, logger *slog.Logger) {
	if ws.Dir != "" {
		if err := p.workspaces.Remove(ws); err != nil {
			p.fail(rep, logger, KindCleanup, err)
		}
	}

	if rep.Interrupted {
		logger.Info("bundle left in queue for recovery")
		return
	}
	if err := os.Remove(job.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.fail(rep, logger, KindCleanup, fmt.Errorf("remove bundle: %w", err))
	}
}

func (p *Processor) fail(rep *Report, logger *slog.Logger, kind ErrorKind, err error) {
	se := rep.add(kind, err)
	telemetry.StepFailures.WithLabelValues(p.course.ID, string(kind)).Inc()
	logger.Error("job step failed", "kind", kind, "error", se.Err)
}

func (p *Processor) recordBegin(ctx context.Context, job Job, logger *slog.Logger) {
	if p.history == nil {
		return
	}
	err := p.history.Begin(ctx, history.BeginRequest{
		ID: job.ID, Course: job.Course, Bundle: job.Name, Fingerprint: job.Fingerprint,
	})
	if err != nil {
		logger.Warn("failed to record job start", "error", err)
	}
}

func (p *Processor) finish(ctx context.Context, rep *Report, logger *slog.Logger) {
	duration := rep.Finished.Sub(rep.Started)

	var exitCode *int
	if rep.Supervised && rep.Result.Outcome == supervisor.Completed {
		code := rep.Result.ExitCode
		exitCode = &code
	}

	if p.history != nil {
		// Shutdown cancels ctx; the terminal row is still worth writing.
		err := p.history.Complete(context.WithoutCancel(ctx), rep.Job.ID, history.Completion{
			Status: rep.Status, ExitCode: exitCode, LastError: rep.Summary(),
		})
		if err != nil {
			logger.Warn("failed to record job completion", "error", err)
		}
	}

	telemetry.JobsProcessed.WithLabelValues(rep.Job.Course, string(rep.Status)).Inc()
	if rep.Supervised {
		telemetry.AgentDuration.WithLabelValues(rep.Job.Course, rep.Result.Outcome.String()).
			Observe(rep.Result.Duration.Seconds())
	}

	errs := make([]string, 0, len(rep.Errors))
	for _, e := range rep.Errors {
		errs = append(errs, e.Error())
	}
	p.events.Publish(events.JobCompleted, events.JobCompletedData{
		JobID:      rep.Job.ID,
		Course:     rep.Job.Course,
		Bundle:     rep.Job.Name,
		Status:     string(rep.Status),
		ExitCode:   exitCode,
		DurationMS: duration.Milliseconds(),
		Errors:     errs,
	})

	logger.Info("job finished",
		"status", rep.Status,
		"outcome", rep.Result.Outcome.String(),
		"errors", len(rep.Errors),
		"duration", duration.Round(time.Millisecond),
	)
}
