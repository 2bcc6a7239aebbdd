// Package supervisor runs the grading agent under a hard wall-clock deadline.
//
// A run moves through a small state machine:
//
//	NOT_STARTED -> START_FAILURE                 spawn failed, nothing to poll
//	NOT_STARTED -> RUNNING -> COMPLETED          exited strictly before the deadline
//	NOT_STARTED -> RUNNING -> TIMED_OUT          deadline reached while running
//
// A timed out agent is always signaled: SIGTERM to its process group, then
// SIGKILL once the kill grace expires, and the process is reaped before Run
// returns. No state is re-entered.
//
// The agent is waited on by a goroutine while the supervisor loop wakes on
// either that exit or a timer firing every poll interval (clamped to the time
// left before the deadline). At the deadline a pending exit is checked once
// more, so a process that has already exited is reported as COMPLETED and the
// timeout diagnostic is never written twice.
//
// Outcomes are recorded through a Recorder, which writes the grade and
// diagnostic markers of the job's workspace.
package supervisor
