// Package engine executes workflow runs. Runs are created pending and
// queued; a queue worker claims each one, walks its step graph through the
// Executor and records every outcome as a checkpoint, so a paused, failed or
// timed-out run can continue where it stopped. Cancellation is cooperative:
// each run carries a context whose cause tells a user cancel, a superseding
// run and a workflow timeout apart.
package engine
