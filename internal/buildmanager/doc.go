// Package buildmanager orchestrates build jobs: external shell scripts run on
// behalf of a remote requester.
//
// A Lock guarantees that a given project identity has at most one build in
// flight. An Orchestrator acquires the Lock, spawns the build script, streams
// its stdout/stderr into the log store and to the requester as bounded
// progress chunks, and enforces a deadline with a Watchdog. Whatever the
// outcome, the Lock is released and a single completion report is sent.
package buildmanager
