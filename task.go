package coproc

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/eapache/queue"
	"github.com/rs/xid"
	"github.com/webriots/coro"
)

// Func is the body of a task. The returned value and error become the
// task's result. Errors injected at suspension points (cancellation,
// timeouts, deadlock) surface as returned errors from the suspending
// call; returning them terminates the task with that error.
type Func func(*Task) (any, error)

// State describes where a task is in its lifecycle.
type State int

const (
	Suspended State = iota
	Runnable
	Running
	Terminated
)

func (s State) String() string {
	switch s {
	case Suspended:
		return "suspended"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// resumeVal is what a suspended task receives when the scheduler
// switches back to it: a value, or an error to deliver at the
// suspension point.
type resumeVal struct {
	val any
	err error
}

// Task is a coprocess: a cooperatively scheduled unit of execution
// with its own stack, a mailbox, a result slot, and a position in the
// supervision tree. All methods must be called on the owning
// scheduler's thread unless documented otherwise.
type Task struct {
	id     xid.ID
	sched  *Scheduler
	parent *Task
	fn     Func

	resume  func(resumeVal) (struct{}, bool)
	cancel  func()
	suspend func() resumeVal

	state   State // Suspended, Running or Terminated; Runnable is derived
	queued  bool  // has a pending entry in the run queue
	started bool

	children []*Task // live children, in spawn order

	done bool // result slot finalized
	resV any
	resE error

	awaiters []*Task
	doneCBs  []func(any, error)

	mbox     *queue.Queue
	mailWait bool

	pcs []uintptr // call stack captured at the spawn site
}

func newTask(s *Scheduler, fn Func, parent *Task) *Task {
	t := &Task{
		id:     xid.New(),
		sched:  s,
		parent: parent,
		fn:     fn,
		mbox:   queue.New(),
	}

	resume, cancel := coro.New(
		func(yield func(struct{}) resumeVal, suspend func() resumeVal) (z struct{}) {
			t.suspend = suspend
			t.entry()
			return
		},
	)

	t.resume = resume
	t.cancel = cancel
	return t
}

// entry is the task's outermost frame. It maps the moveOn sentinel to
// a plain result and runs the structured-concurrency shutdown of live
// children before the coroutine returns to the scheduler.
func (t *Task) entry() {
	v, err := t.fn(t)

	var mo *moveOn
	if errors.As(err, &mo) {
		v, err = mo.value, nil
	}

	t.finalize(v, err)
	t.shutdownChildren()
}

func (t *Task) finalize(v any, err error) {
	if t.done {
		return
	}
	t.done = true
	t.resV = v
	t.resE = err
}

// shutdownChildren stops live children in reverse spawn order and
// waits for each to terminate. Injections delivered to this task
// while it waits here are dropped: shutdown runs to completion.
func (t *Task) shutdownChildren() {
	for len(t.children) > 0 {
		c := t.children[len(t.children)-1]
		c.Stop(nil)
		for c.state != Terminated {
			c.awaiters = append(c.awaiters, t)
			t.park()
			c.removeAwaiter(t)
		}
	}
}

// park suspends the task until the scheduler switches back to it,
// returning the delivered value or injected error.
func (t *Task) park() (any, error) {
	t.state = Suspended
	rv := t.suspend()
	t.state = Running
	return rv.val, rv.err
}

func (t *Task) removeAwaiter(a *Task) {
	for i, x := range t.awaiters {
		if x == a {
			t.awaiters = append(t.awaiters[:i], t.awaiters[i+1:]...)
			return
		}
	}
}

func (t *Task) removeChild(c *Task) {
	for i, x := range t.children {
		if x == c {
			t.children = append(t.children[:i], t.children[i+1:]...)
			return
		}
	}
}

// ID returns the task's stable identity.
func (t *Task) ID() string { return t.id.String() }

// Scheduler returns the scheduler this task runs on.
func (t *Task) Scheduler() *Scheduler { return t.sched }

// Parent returns the task that spawned this one; nil for the root.
func (t *Task) Parent() *Task { return t.parent }

// State returns the task's lifecycle state.
func (t *Task) State() State {
	if t.state == Suspended && t.queued {
		return Runnable
	}
	return t.state
}

// Alive reports whether the task has not yet terminated.
func (t *Task) Alive() bool { return t.state != Terminated }

// Result returns the task's outcome; both nil while it is alive.
func (t *Task) Result() (any, error) {
	if t.state != Terminated {
		return nil, nil
	}
	return t.resV, t.resE
}

// Spawn creates a child task running fn, schedules it at the back of
// the run queue, and returns its handle. The spawn-site call stack is
// captured for diagnostics.
func (t *Task) Spawn(fn Func) *Task {
	s := t.sched
	c := newTask(s, fn, t)

	var pcs [32]uintptr
	n := runtime.Callers(2, pcs[:])
	c.pcs = pcs[:n]

	t.children = append(t.children, c)
	s.schedule(c, nil, nil, false, nil)
	return c
}

// Await blocks the calling task until t terminates, then returns t's
// result. Multiple awaiters all observe the same outcome. An error
// injected into the caller while it waits is returned instead.
func (t *Task) Await() (any, error) {
	cur := t.sched.current
	if cur == nil {
		return nil, errors.New("await outside a running task")
	}
	if cur == t {
		return nil, errors.New("task cannot await itself")
	}

	if t.state == Terminated {
		return t.resV, t.resE
	}

	t.awaiters = append(t.awaiters, cur)
	v, err := cur.park()
	if t.state != Terminated {
		t.removeAwaiter(cur)
	}
	return v, err
}

// AwaitAll awaits every task in order and collects their values. On
// the first error it cancels the remaining tasks, waits for them to
// terminate, and returns that error. t must be the calling task.
func (t *Task) AwaitAll(tasks ...*Task) ([]any, error) {
	results := make([]any, len(tasks))
	for i, target := range tasks {
		v, err := target.Await()
		if err != nil {
			for _, rest := range tasks[i+1:] {
				rest.Cancel()
			}
			for _, rest := range tasks[i+1:] {
				_, _ = rest.Await()
			}
			return nil, err
		}
		results[i] = v
	}
	return results, nil
}

// Stop terminates the task without an error: a moveOn sentinel is
// injected at its next resume, unwinds it, and sets its result to v.
// Prioritized over ordinary scheduling. No-op on a terminated task.
func (t *Task) Stop(v any) {
	if t.state == Terminated {
		return
	}
	t.sched.schedule(t, nil, &moveOn{value: v}, true, nil)
}

// Interrupt is Stop under its traditional name.
func (t *Task) Interrupt(v any) { t.Stop(v) }

// Cancel injects ErrCancel at the task's next resume. Unless the task
// handles it, it terminates with ErrCancel and awaiters observe the
// error. Prioritized. No-op on a terminated task.
func (t *Task) Cancel() {
	if t.state == Terminated {
		return
	}
	t.sched.schedule(t, nil, ErrCancel, true, nil)
}

// Resume schedules the task at the back of the run queue with v as
// its resume value. Ignored if the task already has a pending entry
// or has terminated.
func (t *Task) Resume(v any) {
	if t.state == Terminated {
		return
	}
	t.sched.schedule(t, v, nil, false, nil)
}

// WhenDone registers cb to run after the task terminates, with its
// result. Callbacks run in scheduler context, must not suspend, and
// are not cancellable; a panic is reported to the error sink. If the
// task already terminated, cb runs immediately.
func (t *Task) WhenDone(cb func(any, error)) {
	if t.state == Terminated {
		t.sched.runDoneCB(cb, t.resV, t.resE)
		return
	}
	t.doneCBs = append(t.doneCBs, cb)
}

// Caller returns the call stack captured at the spawn site; empty for
// the root task.
func (t *Task) Caller() []string {
	if len(t.pcs) == 0 {
		return nil
	}
	frames := runtime.CallersFrames(t.pcs)
	var out []string
	for {
		f, more := frames.Next()
		out = append(out, fmt.Sprintf("%s:%d %s", f.File, f.Line, f.Function))
		if !more {
			break
		}
	}
	return out
}

// Location returns the innermost spawn-site frame, or the empty
// string for the root task.
func (t *Task) Location() string {
	if len(t.pcs) == 0 {
		return ""
	}
	f, _ := runtime.CallersFrames(t.pcs[:1]).Next()
	return fmt.Sprintf("%s:%d", f.File, f.Line)
}
