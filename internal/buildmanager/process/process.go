// Package process spawns build scripts and exposes their stdout and stderr as
// two independent streams, together with kill and exit status.
package process

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nixpig/buildworker/internal/buildmanager/cgroups"
)

// DefaultKillGrace is how long after a kill the output pipes are left open
// for the remaining output to be drained.
const DefaultKillGrace = 5 * time.Second

// Command describes a process to spawn.
type Command struct {
	// Name identifies the run, e.g. for naming its cgroup.
	Name string
	Path string
	Args []string
	Dir  string
	// Env is the environment of the process. Nil inherits the environment of
	// the current process.
	Env []string
}

// SpawnError is returned when a process could not be started. No process
// exists when it's returned.
type SpawnError struct {
	Path string
	Dir  string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s in %q: %v", e.Path, e.Dir, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Status is the exit status of a process.
type Status struct {
	// ExitCode is the exit code of the process, or -1 if it hasn't exited or
	// was terminated by a signal.
	ExitCode int
	// Signal that terminated the process, if any.
	Signal syscall.Signal
	// Interrupted reports whether Kill was called while the process was
	// running.
	Interrupted bool
}

// Signaled reports whether the process was terminated by a signal.
func (s Status) Signaled() bool {
	return s.Signal != 0
}

// Option configures a Runner.
type Option func(*Runner)

// WithKillGrace sets how long the output pipes are kept open after Kill.
func WithKillGrace(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.killGrace = d
		}
	}
}

// WithCgroup places every spawned process in its own cgroup under root with
// the given limits. Kill then kills the whole cgroup.
func WithCgroup(root string, limits *cgroups.ResourceLimits) Option {
	return func(r *Runner) {
		r.cgroupRoot = root
		r.limits = limits
	}
}

// Runner spawns processes.
type Runner struct {
	killGrace  time.Duration
	cgroupRoot string
	limits     *cgroups.ResourceLimits
}

// NewRunner creates a Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{killGrace: DefaultKillGrace}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Spawn starts c. Any failure to start, including a missing working directory
// or executable, is returned as a *SpawnError.
func (r *Runner) Spawn(c Command) (*Handle, error) {
	if c.Path == "" {
		return nil, &SpawnError{Dir: c.Dir, Err: errors.New("path is empty")}
	}

	if c.Dir != "" {
		info, err := os.Stat(c.Dir)
		if err != nil {
			return nil, &SpawnError{Path: c.Path, Dir: c.Dir, Err: err}
		}

		if !info.IsDir() {
			return nil, &SpawnError{
				Path: c.Path,
				Dir:  c.Dir,
				Err:  errors.New("not a directory"),
			}
		}
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env

	// Own process group, so that Kill reaches everything the script starts.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var cg *cgroups.Cgroup
	if r.cgroupRoot != "" {
		var err error

		cg, err = cgroups.CreateCgroup(r.cgroupRoot, c.Name, r.limits)
		if err != nil {
			return nil, &SpawnError{Path: c.Path, Dir: c.Dir, Err: err}
		}

		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = int(cg.FD().Fd())
	}

	h, err := r.start(cmd, cg)
	if err != nil {
		if cg != nil {
			cg.Destroy()
		}

		return nil, &SpawnError{Path: c.Path, Dir: c.Dir, Err: err}
	}

	return h, nil
}

func (r *Runner) start(cmd *exec.Cmd, cg *cgroups.Cgroup) (*Handle, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()

		return nil, err
	}

	// The child holds its own copies of the write ends; the streams end once
	// every process holding them has exited.
	stdoutW.Close()
	stderrW.Close()

	h := &Handle{
		cmd:       cmd,
		cgroup:    cg,
		stdout:    stdoutR,
		stderr:    stderrR,
		killGrace: r.killGrace,
		done:      make(chan struct{}),
	}

	h.state.Store(int32(handleRunning))

	go h.wait()

	return h, nil
}

type handleState int32

const (
	handleRunning handleState = iota + 1
	handleKilled
	handleExited
)

// Handle is a running (or finished) process.
type Handle struct {
	cmd          *exec.Cmd
	cgroup       *cgroups.Cgroup
	stdout       *os.File
	stderr       *os.File
	killGrace    time.Duration
	state        atomic.Int32
	interrupted  atomic.Bool
	processState atomic.Pointer[os.ProcessState]
	closeOnce    sync.Once

	// killRequested is set by the first Kill. It's separate from state as
	// the process may have exited while its descendants still run.
	killRequested atomic.Bool

	done chan struct{}
}

// Pid returns the process ID.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Stdout returns the stdout stream of the process. It ends once the process
// and every descendant holding it have exited, or after the kill grace period.
func (h *Handle) Stdout() io.ReadCloser {
	return h.stdout
}

// Stderr returns the stderr stream of the process, see Stdout.
func (h *Handle) Stderr() io.ReadCloser {
	return h.stderr
}

// Kill kills the process and all its descendants. It is idempotent and safe to
// call after the process has exited: descendants the process left behind are
// still killed, and the output streams are closed after the kill grace period
// whoever holds them.
func (h *Handle) Kill() error {
	if !h.killRequested.CompareAndSwap(false, true) {
		return nil
	}

	if h.state.CompareAndSwap(int32(handleRunning), int32(handleKilled)) {
		h.interrupted.Store(true)
	}

	// A descendant that escaped the kill could keep the pipes open forever.
	time.AfterFunc(h.killGrace, h.closeStreams)

	var err error
	if h.cgroup != nil && handleState(h.state.Load()) != handleExited {
		err = h.cgroup.Kill()
	} else {
		// The process group outlives its leader for as long as any member is
		// alive.
		err = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
	}

	if errors.Is(err, syscall.ESRCH) || errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return err
}

// Done returns a channel that is closed when the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process has exited and returns its status.
func (h *Handle) Wait() Status {
	<-h.done

	return h.Status()
}

// Status returns the current status of the process.
func (h *Handle) Status() Status {
	s := Status{
		ExitCode:    -1,
		Interrupted: h.interrupted.Load(),
	}

	ps := h.processState.Load()
	if ps == nil {
		return s
	}

	s.ExitCode = ps.ExitCode()

	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		s.Signal = ws.Signal()
	}

	return s
}

func (h *Handle) wait() {
	// Wait error is reflected in ProcessState.
	h.cmd.Wait()

	h.processState.Store(h.cmd.ProcessState)
	h.state.Store(int32(handleExited))

	if h.cgroup != nil {
		// Anything left behind by the script goes with the group.
		h.cgroup.Kill()
		h.cgroup.Destroy()
	}

	close(h.done)
}

func (h *Handle) closeStreams() {
	h.closeOnce.Do(func() {
		h.stdout.Close()
		h.stderr.Close()
	})
}
