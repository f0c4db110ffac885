// Package coproc provides a cooperative concurrency runtime: a
// per-thread scheduler of lightweight coprocesses multiplexed onto a
// single OS thread, driven by an I/O reactor that parks tasks on file
// descriptor readiness, timers, child-process exits, and cross-thread
// wakeups.
//
// Key components:
//
//   - Task: The core abstraction representing a coprocess. Tasks can
//     spawn child tasks, exchange messages through per-task
//     mailboxes, perform non-blocking I/O, and wait for each other's
//     results. A task terminates only after all of its children have
//     terminated.
//
//   - Scheduler: The per-thread driver. It picks the next runnable
//     task from a FIFO run queue, polls the reactor when idle, and
//     delivers resume values or injected errors at each task's
//     suspension point.
//
//   - Reactor: Interface for the OS event multiplexer. The Linux
//     implementation uses epoll with an eventfd wakeup channel, a
//     deadline-ordered timer queue, and pidfd-based child waits.
//
//   - Suspension primitives: Snooze, Suspend, Sleep, WaitIO,
//     Event.Wait, Timeout, MoveOnAfter, CancelAfter, TimerLoop.
//
//   - FD: Non-blocking I/O operations (read, write, send, recv,
//     accept, connect, writev, splice) that transparently suspend the
//     calling task until the underlying syscall can complete.
//
//   - Synchronization primitives: Mutex, WaitGroup, ErrGroup, and
//     SingleFlight for coordination between tasks on one scheduler.
package coproc
