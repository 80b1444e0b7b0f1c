package buildmanager

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidIdentity is returned for identities that are not safe to use
	// as a path segment or shell argument.
	ErrInvalidIdentity = errors.New("invalid project name")

	// ErrTimedOut is the outcome error of a build killed by the watchdog.
	ErrTimedOut = errors.New("build timed out")

	// ErrShuttingDown is returned for builds requested after Shutdown.
	ErrShuttingDown = errors.New("build server is shutting down")

	// ErrWatchdogArmed is returned when arming a watchdog that is already
	// armed or has already been used.
	ErrWatchdogArmed = errors.New("watchdog already armed")
)

// AlreadyLockedError is returned when a build is requested for an identity
// that already has a build in flight. It carries the record of the build
// holding the lock.
type AlreadyLockedError struct {
	Record Record
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf(
		"%s is already being built by %s since %s",
		e.Record.Identity,
		e.Record.Requester,
		e.Record.StartedAt.Format(time.DateTime),
	)
}

// NonZeroExitError is the outcome error of a build script that ran to
// completion but reported failure.
type NonZeroExitError struct {
	Code int
}

func (e *NonZeroExitError) Error() string {
	return fmt.Sprintf("build exited with code %d", e.Code)
}

// IOError is returned when persisting build output fails. It never prevents
// the lock from being released.
type IOError struct {
	Op       string
	Identity string
	Err      error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("log %s %s: %v", e.Op, e.Identity, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// DeliveryError is returned when a notification could not be sent to the
// requester. Delivery is best effort so it is only ever logged.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver notification: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// InvalidStateError is returned when attempting an invalid run state
// transition.
type InvalidStateError struct {
	from State
	to   State
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot go from %s to %s", e.from, e.to)
}

func NewInvalidStateError(from, to State) InvalidStateError {
	return InvalidStateError{from, to}
}
