// Package task owns the lifecycle of agent tasks.
//
// A task is backed by exactly one named terminal session. The Registry is an
// arena of task records keyed by task id with a per-record lock; the Launcher
// starts sessions; the Reconciler resolves a running task's terminal state
// from what the session runtime reports; the Relay injects follow-up prompts
// into live sessions. Manager composes the four.
//
// Status is reconciled lazily: a task whose session has ended keeps reporting
// "running" until something reads it (or the optional scanner sweeps it). The
// terminal transition itself happens at most once per task, and finished_at
// records when the end was observed, not when the process exited.
package task
