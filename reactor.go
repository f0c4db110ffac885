package coproc

import "time"

// Reactor is the OS event multiplexer behind a scheduler. It turns FD
// readiness, timer expiry, child-process exits, and cross-thread
// signals into task resumptions, delivered through the ready callback
// it was constructed with.
//
// Registered watchers are referenced: their presence keeps the
// reactor alive for deadlock detection. The internal wakeup channel
// is unreferenced, so an otherwise idle reactor never blocks forever
// on its own plumbing.
type Reactor interface {
	// RegisterFD arms a one-shot readiness watcher for fd. write
	// selects write readiness, otherwise read readiness.
	RegisterFD(t *Task, fd int, write bool) (Watcher, error)

	// RegisterTimer arms a one-shot timer firing after d, resuming t
	// with val or err (an error injection is delivered prioritized).
	RegisterTimer(t *Task, d time.Duration, val any, err error) Watcher

	// RegisterChild arms a watcher resuming t with a ChildExit once
	// the child process pid terminates and is reaped.
	RegisterChild(t *Task, pid int) (Watcher, error)

	// RegisterAsync arms a watcher that resumes t when signaled,
	// possibly from another OS thread.
	RegisterAsync(t *Task) AsyncWatcher

	// Wakeup breaks a blocking Poll from another OS thread. It is
	// async-signal-safe.
	Wakeup()

	// Poll runs one reactor iteration. Blocking waits until at least
	// one event fires (or the nearest timer is due); non-blocking
	// drains ready events and returns.
	Poll(blocking bool) error

	// Refs reports the number of referenced watchers.
	Refs() int

	// Stats reports active watcher counts per kind.
	Stats() ReactorStats

	// Close releases reactor resources. Pending watchers are dropped.
	Close() error
}

// Watcher is a single live registration with the reactor. Cancel
// disarms it; it is idempotent and must be called on every exit path
// of the wait that created it.
type Watcher interface {
	Cancel()
}

// AsyncWatcher is a Watcher that can be fired from any OS thread.
type AsyncWatcher interface {
	Watcher

	// Signal resumes the waiting task with v. Safe to call from
	// another OS thread; at most one signal is delivered.
	Signal(v any)
}

// ReactorStats counts active watchers per kind.
type ReactorStats struct {
	IOWatchers    int
	Timers        int
	ChildWatchers int
	AsyncWatchers int
}

// readyFunc enqueues a task resumption into the owning scheduler.
type readyFunc func(t *Task, val any, err error, prio bool, src Watcher)
