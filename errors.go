package coproc

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrCancel is delivered into a task by Cancel. Unless handled, it
// unwinds the task; the task's result becomes ErrCancel and awaiters
// observe it as an error.
var ErrCancel = errors.New("task canceled")

// ErrTimeout is the default error delivered by Timeout when the
// deadline fires before the block completes.
var ErrTimeout = errors.New("timeout")

// ErrDeadlock is delivered to a task that suspends when no other task
// is runnable and the reactor holds no referenced watcher.
var ErrDeadlock = errors.New("deadlock: no runnable tasks and no pending watchers")

// ErrNotOwner is returned by Receive when called by a task other than
// the mailbox owner.
var ErrNotOwner = errors.New("mailbox receive from non-owner task")

// moveOn is delivered into a task by Stop and Interrupt. It is caught
// at the task's entry frame, which sets the task's result to value.
// Task code sees it only as the error returned by the interrupted
// suspending call; it never becomes a task result or reaches awaiters.
type moveOn struct {
	value any
}

func (*moveOn) Error() string { return "move on" }

// timeoutError is the unique injection created by each Timeout scope.
// Pointer identity distinguishes nested scopes; Is lets callers match
// the configured cause (or ErrTimeout) while the error is in flight.
type timeoutError struct {
	cause error
}

func (e *timeoutError) Error() string { return e.cause.Error() }

func (e *timeoutError) Is(target error) bool {
	return target == e.cause || target == ErrTimeout
}

func (e *timeoutError) Unwrap() error { return e.cause }

// ChildExit is the resume value of WaitChild: the reaped pid and its
// exit status.
type ChildExit struct {
	Pid    int
	Status int
}

// errno wraps a syscall failure with the failing operation name,
// keeping the unix.Errno matchable via errors.Is.
func errno(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}

// retryable reports whether a syscall error means the operation would
// block and should be retried after FD readiness.
func retryable(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
