package main

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/mattjoyce/gradeq/internal/history"
	"github.com/mattjoyce/gradeq/internal/storage"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

type fixture struct {
	dir        string
	configPath string
	root       string
	statePath  string
}

// writeFixture writes a config for course "so" rooted under a temp dir. The
// course directories are not created.
func writeFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		dir:        dir,
		configPath: filepath.Join(dir, "config.yaml"),
		root:       filepath.Join(dir, "so"),
		statePath:  filepath.Join(dir, "state", "gradeq.db"),
	}
	cfg := fmt.Sprintf(`service:
  log_level: info
  log_format: json
state:
  path: %s
supervisor:
  max_runtime: 10s
  poll_interval: 50ms
  kill_grace: 1s
courses:
  so:
    root: %s
    agent: run.sh
`, f.statePath, f.root)
	if err := os.WriteFile(f.configPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return f
}

func writeAgent(t *testing.T, f fixture, body string) {
	t.Helper()
	if err := os.MkdirAll(f.root, 0o755); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(filepath.Join(f.root, "run.sh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func writeBundle(t *testing.T, path string) {
	t.Helper()
	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(out)
	w, err := zw.Create("main.c")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("int main(void) { return 0; }\n")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"frobnicate"})
	})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") || !strings.Contains(stderr, "Commands:") {
		t.Fatalf("unexpected stderr:\n%s", stderr)
	}
}

func TestRunCLIRootVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef", "2026-02-01T10:00:00Z")

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--version"})
	})
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	for _, want := range []string{"gradeq 1.2.3", "commit: 0123456789ab", "built_at: 2026-02-01T10:00:00Z"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q:\n%s", want, stdout)
		}
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc", "2026-02-01T10:00:00+02:00")

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"--json"})
	})
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, stdout)
	}
	if info.Version != "1.2.3" || info.Commit != "abc" || info.BuildTime != "2026-02-01T08:00:00Z" {
		t.Fatalf("unexpected version info: %+v", info)
	}
}

func TestRunInitThenCheck(t *testing.T) {
	f := writeFixture(t)
	writeAgent(t, f, "exit 0")

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCheck([]string{"--config", f.configPath, "--course", "so"})
	})
	if code != 1 {
		t.Fatalf("check before init: exit code = %d, want 1", code)
	}
	if !strings.Contains(stdout, "gradeq init --course so") {
		t.Fatalf("check should point at init:\n%s", stdout)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runInit([]string{"--config", f.configPath, "--course", "so"})
	})
	if code != 0 {
		t.Fatalf("init: exit code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, filepath.Join(f.root, "queue")) {
		t.Fatalf("init output:\n%s", stdout)
	}
	for _, d := range []string{"queue", "tmpunzip"} {
		if info, err := os.Stat(filepath.Join(f.root, d)); err != nil || !info.IsDir() {
			t.Fatalf("%s not created: %v", d, err)
		}
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCheck([]string{"--config", f.configPath, "--course", "so", "--json"})
	})
	if code != 0 {
		t.Fatalf("check after init: exit code = %d\n%s", code, stdout)
	}
	var res struct {
		Valid  bool   `json:"valid"`
		Course string `json:"course"`
	}
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, stdout)
	}
	if !res.Valid || res.Course != "so" {
		t.Fatalf("unexpected check result: %+v", res)
	}
}

func TestRunCheckUnknownCourse(t *testing.T) {
	f := writeFixture(t)

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCheck([]string{"--config", f.configPath, "--course", "nope"})
	})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, `unknown course "nope"`) {
		t.Fatalf("unexpected stderr:\n%s", stderr)
	}
}

func TestRunSubmitQueuesBundles(t *testing.T) {
	f := writeFixture(t)
	if err := os.MkdirAll(filepath.Join(f.root, "queue"), 0o755); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(t.TempDir(), "hw1.zip")
	writeBundle(t, src)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runSubmit([]string{"--config", f.configPath, "--course", "so", src})
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "queued: "+filepath.Join(f.root, "queue", "hw1.zip")) {
		t.Fatalf("unexpected stdout:\n%s", stdout)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runSubmit([]string{"--config", f.configPath, "--course", "so", src})
	})
	if code != 1 || !strings.Contains(stderr, "already queued") {
		t.Fatalf("resubmitting a waiting bundle should fail: code=%d stderr=%s", code, stderr)
	}
}

func TestRunSubmitNameNeedsSingleBundle(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runSubmit([]string{"--name", "x.zip", "a.zip", "b.zip"})
	})
	if code != 1 || !strings.Contains(stderr, "single bundle") {
		t.Fatalf("code=%d stderr=%s", code, stderr)
	}
}

func TestRunHistory(t *testing.T) {
	f := writeFixture(t)

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runHistory([]string{"--config", f.configPath})
	})
	if code != 1 || !strings.Contains(stderr, "No job history") {
		t.Fatalf("missing database: code=%d stderr=%s", code, stderr)
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, f.statePath)
	if err != nil {
		t.Fatal(err)
	}
	s := history.New(db)
	if err := s.Begin(ctx, history.BeginRequest{ID: "job-1", Course: "so", Bundle: "hw1.zip"}); err != nil {
		t.Fatal(err)
	}
	zero := 0
	if err := s.Complete(ctx, "job-1", history.Completion{Status: history.StatusSucceeded, ExitCode: &zero}); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runHistory([]string{"--config", f.configPath, "--course", "so"})
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "hw1.zip") || !strings.Contains(stdout, "succeeded") {
		t.Fatalf("unexpected table:\n%s", stdout)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runHistory([]string{"--config", f.configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	var records []history.Record
	if err := json.Unmarshal([]byte(stdout), &records); err != nil || len(records) != 1 {
		t.Fatalf("json history: err=%v out=%s", err, stdout)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runHistory([]string{"--config", f.configPath, "job-1"})
	})
	if code != 0 || !strings.Contains(stdout, "Job ID      : job-1") {
		t.Fatalf("job report: code=%d out=%s", code, stdout)
	}
}

func TestRunStartRefusesUninitializedCourse(t *testing.T) {
	f := writeFixture(t)

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runStart([]string{"--config", f.configPath, "--course", "so"})
	})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stdout, "gradeq init --course so") {
		t.Fatalf("expected init hint in logs:\n%s", stdout)
	}
}

func TestRunStartRecoversStaleJobAndStopsOnSignal(t *testing.T) {
	f := writeFixture(t)
	writeAgent(t, f, "exit 0")
	queueDir := filepath.Join(f.root, "queue")
	for _, d := range []string{queueDir, filepath.Join(f.root, "tmpunzip")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	bundle := filepath.Join(queueDir, "hw1.zip")
	writeBundle(t, bundle)
	logPath := filepath.Join(f.dir, "gradeq.log")
	finished := make(chan struct{})

	go func() {
		deadline := time.Now().Add(15 * time.Second)
		for time.Now().Before(deadline) {
			if _, err := os.Stat(bundle); os.IsNotExist(err) {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		// Let the job reach its history row before shutting down.
		select {
		case <-finished:
		case <-time.After(200 * time.Millisecond):
			_ = syscall.Kill(syscall.Getpid(), syscall.SIGINT)
		}
	}()

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		defer close(finished)
		return runStart([]string{"--config", f.configPath, "--course", "so", "--stdout", logPath})
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr)
	}

	logs, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"recovering stale jobs", "job finished", "gradeq stopped"} {
		if !strings.Contains(string(logs), want) {
			t.Fatalf("log missing %q:\n%s", want, logs)
		}
	}

	entries, err := os.ReadDir(filepath.Join(f.root, "tmpunzip"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace left behind: %v", entries)
	}

	db, err := storage.OpenSQLite(context.Background(), f.statePath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	recs, err := history.New(db).List(context.Background(), "so", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Status != history.StatusSucceeded || recs[0].Bundle != "hw1.zip" {
		t.Fatalf("unexpected history: %+v", recs)
	}
}
