package buildmanager

import (
	"fmt"
	"strings"
	"syscall"
	"time"
)

// OutcomeKind classifies how a build run ended.
type OutcomeKind int

const (
	// OutcomeSuccess: the script exited with code 0.
	OutcomeSuccess OutcomeKind = iota

	// OutcomeNonZeroExit: the script ran to completion but exited non-zero.
	OutcomeNonZeroExit

	// OutcomeTimedOut: the watchdog fired and the script was killed.
	OutcomeTimedOut

	// OutcomeSpawnError: the script could not be started.
	OutcomeSpawnError

	// OutcomeFailed: the run failed for an internal reason, e.g. the logs
	// could not be reset or its output could not be read.
	OutcomeFailed
)

var outcomeKinds = []string{
	"success",
	"failed",
	"timed out",
	"spawn error",
	"internal error",
}

func (k OutcomeKind) String() string {
	if int(k) < 0 || int(k) >= len(outcomeKinds) {
		return "unknown"
	}

	return outcomeKinds[k]
}

// Outcome is the result of a single build run.
type Outcome struct {
	Kind OutcomeKind
	// ExitCode of the script, or -1 if it didn't exit normally.
	ExitCode int
	// Signal that terminated the script, if any.
	Signal syscall.Signal
	// Err describes why the run didn't succeed: ErrTimedOut,
	// *NonZeroExitError, *process.SpawnError or an internal error.
	Err error
	// Duration from lock acquisition to lock release.
	Duration time.Duration
}

// Report is the completion report of a build run.
type Report struct {
	Record  Record
	Outcome Outcome
	State   State
}

// String renders the report as the completion message sent to the requester.
func (r *Report) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Build    : %s %s\n", r.Record.Identity, r.Outcome.Kind)
	fmt.Fprintf(&b, "Exit code: %d\n", r.Outcome.ExitCode)

	if r.Outcome.Signal != 0 {
		fmt.Fprintf(&b, "Signal   : %s\n", r.Outcome.Signal)
	}

	if r.Outcome.Err != nil && r.Outcome.Kind != OutcomeNonZeroExit {
		fmt.Fprintf(&b, "Error    : %v\n", r.Outcome.Err)
	}

	fmt.Fprintf(&b, "Duration : %s\n", formatDuration(r.Outcome.Duration))
	fmt.Fprintf(&b, "User     : @%s", r.Record.Requester)

	return b.String()
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}

	return d.Round(time.Second).String()
}
