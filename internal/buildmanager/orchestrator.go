package buildmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nixpig/buildworker/internal/buildmanager/output"
	"github.com/nixpig/buildworker/internal/buildmanager/process"
	"github.com/nixpig/buildworker/internal/logstore"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultShell   = "/bin/bash"
	DefaultScript  = "build.sh"
	DefaultTimeout = 15 * time.Minute
)

// Notifier delivers messages to the requester of a build. Notify may be
// called concurrently from the stdout and stderr drains. Delivery is best
// effort: errors are logged and otherwise ignored.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// NotifierFunc adapts a function to a Notifier.
type NotifierFunc func(ctx context.Context, msg string) error

func (f NotifierFunc) Notify(ctx context.Context, msg string) error {
	return f(ctx, msg)
}

// LogStore persists the output of the latest build of each identity.
type LogStore interface {
	Reset(identity string) error
	Append(identity string, stream logstore.Stream, p []byte) error
	Finalize(identity string, stream logstore.Stream, status string) error
}

// Spawner starts build scripts.
type Spawner interface {
	Spawn(c process.Command) (*process.Handle, error)
}

// Config of an Orchestrator. Zero values are replaced by defaults.
type Config struct {
	// ProjectsRoot contains one directory per identity. The build script of
	// an identity is run from <ProjectsRoot>/<identity>/scripts.
	ProjectsRoot string
	Shell        string
	Script       string
	Env          []string
	Timeout      time.Duration
	ChunkSize    int
	// PublicURL of the log server, announced to the requester when set.
	PublicURL string
}

// Request is a build request for an identity.
type Request struct {
	Identity  string
	Requester string
	Command   string
}

// Orchestrator runs builds: at most one per identity at a time, each bounded
// by a deadline, with output persisted and streamed to the requester.
type Orchestrator struct {
	config Config
	lock   *Lock
	store  LogStore
	runner Spawner
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	handles map[string]*process.Handle
	closed  bool
}

// NewOrchestrator creates an Orchestrator. The Lock is owned by the caller
// and may be shared with other readers, e.g. a status endpoint.
func NewOrchestrator(
	config Config,
	lock *Lock,
	store LogStore,
	runner Spawner,
	logger *slog.Logger,
) *Orchestrator {
	if config.Shell == "" {
		config.Shell = DefaultShell
	}

	if config.Script == "" {
		config.Script = DefaultScript
	}

	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	if config.ChunkSize <= 0 {
		config.ChunkSize = output.DefaultChunkSize
	}

	config.PublicURL = strings.TrimSuffix(config.PublicURL, "/")

	return &Orchestrator{
		config:  config,
		lock:    lock,
		store:   store,
		runner:  runner,
		logger:  logger,
		now:     time.Now,
		handles: make(map[string]*process.Handle),
	}
}

// Lock returns the Lock guarding identities.
func (o *Orchestrator) Lock() *Lock {
	return o.lock
}

// Run runs a build for req and blocks until it has ended.
//
// A request with an invalid identity returns ErrInvalidIdentity, and a request
// for an identity that is already being built returns an *AlreadyLockedError.
// Neither touches the logs or spawns anything. In every other case Run returns
// the completion report of the build and a nil error; failures of the build
// itself are described by the report's Outcome.
//
// The build is not cancelled with ctx. The only thing that stops a build
// early is the deadline.
func (o *Orchestrator) Run(
	ctx context.Context,
	req Request,
	n Notifier,
) (*Report, error) {
	ctx = context.WithoutCancel(ctx)

	log := o.logger.With(
		"identity", req.Identity,
		"requester", req.Requester,
		"command", req.Command,
	)

	var state AtomicState
	state.Store(StateIdle)

	o.transition(&state, StateValidating, log)

	if err := ValidateIdentity(req.Identity); err != nil {
		o.transition(&state, StateRejected, log)
		log.Warn("reject build", "err", err)
		o.notify(ctx, n, log, fmt.Sprintf("[ERROR] invalid project name: %q", req.Identity))

		return nil, err
	}

	if o.isClosed() {
		o.transition(&state, StateRejected, log)
		log.Info("reject build", "err", ErrShuttingDown)
		o.notify(ctx, n, log, "[INFO] the build server is shutting down, please try again later.")

		return nil, ErrShuttingDown
	}

	record, err := o.lock.TryAcquire(req.Identity, req.Requester, req.Command)
	if err != nil {
		o.transition(&state, StateRejected, log)

		var locked *AlreadyLockedError
		if errors.As(err, &locked) {
			log.Info("reject build", "held_by", locked.Record.Requester, "run_id", locked.Record.RunID)
			o.notify(ctx, n, log, fmt.Sprintf(
				"[INFO] %s is being built by @%s, please try again later.",
				req.Command,
				locked.Record.Requester,
			))
		}

		return nil, err
	}

	log = log.With("run_id", record.RunID)

	wd := &Watchdog{}

	var releasedAt time.Time
	release := sync.OnceFunc(func() {
		wd.Disarm()
		o.lock.Release(record.Identity, record.RunID)
		releasedAt = o.now()
	})
	defer release()

	outcome := o.execute(ctx, record, &state, wd, n, log)

	o.finalizeLogs(record.Identity, outcome, log)

	release()

	outcome.Duration = releasedAt.Sub(record.StartedAt)

	report := &Report{
		Record:  record,
		Outcome: outcome,
		State:   state.Load(),
	}

	log.Info(
		"build finished",
		"outcome", outcome.Kind,
		"exit_code", outcome.ExitCode,
		"duration", outcome.Duration,
		"err", outcome.Err,
	)

	o.notify(ctx, n, log, report.String())

	return report, nil
}

// Shutdown kills every build in flight and clears the Lock. Runs still in
// progress finish with their usual cleanup. Builds requested afterwards are
// rejected with ErrShuttingDown.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.closed = true
	handles := make([]*process.Handle, 0, len(o.handles))
	for _, h := range o.handles {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	for _, h := range handles {
		if err := h.Kill(); err != nil {
			// NOTE: Best effort; the process may already be gone.
			o.logger.Warn("kill build on shutdown", "pid", h.Pid(), "err", err)
		}
	}

	o.lock.Clear()
}

// execute runs the build with the lock held. It never panics and always
// leaves state terminal.
func (o *Orchestrator) execute(
	ctx context.Context,
	record Record,
	state *AtomicState,
	wd *Watchdog,
	n Notifier,
	log *slog.Logger,
) (outcome Outcome) {
	id := record.Identity

	defer func() {
		if r := recover(); r != nil {
			log.Error("build panicked", "panic", r)
			state.Store(StateFailed)
			outcome = Outcome{
				Kind:     OutcomeFailed,
				ExitCode: -1,
				Err:      fmt.Errorf("panic: %v", r),
			}
		}
	}()

	o.transition(state, StateSpawning, log)

	if err := o.store.Reset(id); err != nil {
		ioErr := &IOError{Op: "reset", Identity: id, Err: err}
		log.Error("reset build logs", "err", ioErr)
		o.transition(state, StateFailed, log)
		o.notify(ctx, n, log, fmt.Sprintf("[ERROR] build %s failed: cannot reset logs", id))

		return Outcome{Kind: OutcomeFailed, ExitCode: -1, Err: ioErr}
	}

	o.notify(ctx, n, log, fmt.Sprintf("[INFO] starting build %s...", id))

	if o.config.PublicURL != "" {
		for _, stream := range logstore.Streams {
			o.notify(ctx, n, log, fmt.Sprintf(
				"[INFO] log: %s/api/logs/staging/%s/%s",
				o.config.PublicURL,
				stream,
				id,
			))
		}
	}

	h, err := o.spawn(record)
	if err != nil {
		log.Error("spawn build", "err", err)
		o.transition(state, StateFailed, log)
		o.notify(ctx, n, log, fmt.Sprintf("[ERROR] build %s could not be started", id))

		return Outcome{Kind: OutcomeSpawnError, ExitCode: -1, Err: err}
	}

	if !o.track(id, h) {
		// Shutdown started after this run acquired the lock.
		if err := h.Kill(); err != nil {
			log.Error("kill build on shutdown", "pid", h.Pid(), "err", err)
		}
	}
	defer o.untrack(id)

	if err := wd.Arm(o.config.Timeout, func() {
		log.Warn("build timed out", "timeout", o.config.Timeout)
		o.notify(ctx, n, log, fmt.Sprintf(
			"[ERROR] build %s timed out after %s, stopping it",
			id,
			o.config.Timeout,
		))

		if err := h.Kill(); err != nil {
			log.Error("kill timed out build", "pid", h.Pid(), "err", err)
		}
	}); err != nil {
		// Unreachable with a fresh Watchdog, but never leave a process
		// running without a deadline.
		_ = h.Kill()
		h.Wait()
		o.transition(state, StateFailed, log)

		return Outcome{Kind: OutcomeFailed, ExitCode: -1, Err: err}
	}

	o.transition(state, StateStreaming, log)

	o.notify(ctx, n, log, fmt.Sprintf(
		"[INFO] build %s is being run by @%s, please wait...",
		id,
		record.Requester,
	))

	drainErr := o.drain(ctx, id, h, n, log)
	// The deadline passed while output was still open, whether held by the
	// script or by something it left running in the background.
	cut := wd.Fired()
	status := h.Wait()
	fired := wd.Disarm()

	switch {
	case fired && (cut || status.Signaled()):
		o.transition(state, StateTimedOut, log)

		return Outcome{
			Kind:     OutcomeTimedOut,
			ExitCode: status.ExitCode,
			Signal:   status.Signal,
			Err:      ErrTimedOut,
		}

	case drainErr != nil:
		log.Error("drain build output", "err", drainErr)
		o.transition(state, StateFailed, log)

		return Outcome{
			Kind:     OutcomeFailed,
			ExitCode: status.ExitCode,
			Signal:   status.Signal,
			Err:      drainErr,
		}

	case status.ExitCode == 0:
		o.transition(state, StateCompleting, log)

		return Outcome{Kind: OutcomeSuccess}

	default:
		o.transition(state, StateCompleting, log)

		return Outcome{
			Kind:     OutcomeNonZeroExit,
			ExitCode: status.ExitCode,
			Signal:   status.Signal,
			Err:      &NonZeroExitError{Code: status.ExitCode},
		}
	}
}

// spawn starts the build script of record's identity.
func (o *Orchestrator) spawn(record Record) (*process.Handle, error) {
	dir := filepath.Join(o.config.ProjectsRoot, record.Identity, "scripts")

	script := o.config.Script
	if !filepath.IsAbs(script) {
		script = filepath.Join(dir, script)
	}

	// The shell would happily start and fail on a missing script; treat that
	// as a failure to spawn.
	if _, err := os.Stat(script); err != nil {
		return nil, &process.SpawnError{Path: script, Dir: dir, Err: err}
	}

	return o.runner.Spawn(process.Command{
		Name: record.RunID,
		Path: o.config.Shell,
		Args: []string{o.config.Script},
		Dir:  dir,
		Env:  o.config.Env,
	})
}

// drain concurrently pumps stdout and stderr of h into the log store and, as
// chunks, to the requester. It returns once both streams have ended.
func (o *Orchestrator) drain(
	ctx context.Context,
	id string,
	h *process.Handle,
	n Notifier,
	log *slog.Logger,
) error {
	streams := []struct {
		stream logstore.Stream
		source io.ReadCloser
		prefix string
	}{
		{logstore.StreamOut, h.Stdout(), "[OUT]"},
		{logstore.StreamErr, h.Stderr(), "[ERR]"},
	}

	var g errgroup.Group

	for _, s := range streams {
		g.Go(func() error {
			var persistFailed bool

			persist := func(fragment []byte) {
				err := o.store.Append(id, s.stream, fragment)
				if err != nil && !persistFailed {
					// Log once per stream; the build carries on regardless.
					persistFailed = true
					log.Error(
						"persist build output",
						"stream", s.stream,
						"err", &IOError{Op: "append", Identity: id, Err: err},
					)
				}
			}

			chunker := output.NewChunker(o.config.ChunkSize, func(chunk []byte) {
				o.notify(ctx, n, log, s.prefix+"\n"+string(chunk))
			})

			if err := output.Pump(s.source, persist, chunker); err != nil {
				return fmt.Errorf("%s: %w", s.stream, err)
			}

			return nil
		})
	}

	return g.Wait()
}

// finalizeLogs appends the terminal marker to both logs. Errors that ended the
// run without a usable exit code are recorded in the err log first.
func (o *Orchestrator) finalizeLogs(id string, outcome Outcome, log *slog.Logger) {
	switch outcome.Kind {
	case OutcomeSpawnError, OutcomeFailed, OutcomeTimedOut:
		line := fmt.Sprintf("[ERROR] %v\n", outcome.Err)
		if err := o.store.Append(id, logstore.StreamErr, []byte(line)); err != nil {
			log.Error("record build error", "err", &IOError{Op: "append", Identity: id, Err: err})
		}
	}

	for _, stream := range logstore.Streams {
		if err := o.store.Finalize(id, stream, outcome.Kind.String()); err != nil {
			log.Error(
				"finalize build log",
				"stream", stream,
				"err", &IOError{Op: "finalize", Identity: id, Err: err},
			)
		}
	}
}

func (o *Orchestrator) notify(
	ctx context.Context,
	n Notifier,
	log *slog.Logger,
	msg string,
) {
	if n == nil {
		return
	}

	if err := n.Notify(ctx, msg); err != nil {
		log.Warn("notify requester", "err", &DeliveryError{Err: err})
	}
}

func (o *Orchestrator) transition(state *AtomicState, next State, log *slog.Logger) {
	from := state.Load()

	if err := state.Transition(next); err != nil {
		// NOTE: Indicates a bug in the run lifecycle. Force the state so that
		// the run still reaches a terminal state.
		log.Error("run state transition", "err", err)
		state.Store(next)

		return
	}

	log.Debug("run state transition", "from", from, "to", next)
}

// track registers h for Shutdown. It reports false if Shutdown has already
// started, in which case the caller must kill h itself.
func (o *Orchestrator) track(id string, h *process.Handle) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}

	o.handles[id] = h

	return true
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.closed
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	delete(o.handles, id)
	o.mu.Unlock()
}
