package coproc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"runtime/trace"
	"sync"
	"time"
)

const traceCategory = "coproc"

// TraceEvent identifies a scheduler lifecycle event delivered to the
// trace hook.
type TraceEvent int

const (
	TracePollEnter TraceEvent = iota
	TracePollLeave
	TraceSwitch
	TraceRun
	TraceTerminate
)

func (e TraceEvent) String() string {
	switch e {
	case TracePollEnter:
		return "poll-enter"
	case TracePollLeave:
		return "poll-leave"
	case TraceSwitch:
		return "switch"
	case TraceRun:
		return "run"
	case TraceTerminate:
		return "terminate"
	}
	return "unknown"
}

// Stats holds scheduler counters: task switches, reactor polls, and
// suspension/I/O operations.
type Stats struct {
	Switches uint64
	Polls    uint64
	Ops      uint64
}

// Scheduler drives one thread's tasks: it pops the next runnable task
// from the run queue, polls the reactor when idle, and delivers
// resume values or injected errors at each switch. A scheduler is
// single-threaded; only Wake and Event.Signal may be called from
// other OS threads.
type Scheduler struct {
	cfg     Config
	reactor Reactor
	runq    runQueue
	ctx     context.Context

	root    *Task
	current *Task
	lastRan *Task

	switches  uint64
	polls     uint64
	ops       uint64
	sincePoll int

	idleFunc   func()
	traceFunc  func(TraceEvent, *Task)
	errSink    func(error)
	lastIdleGC time.Time

	extmu sync.Mutex
	extq  []entry
}

// NewScheduler builds a scheduler with its platform reactor.
func NewScheduler(cfg Config) (*Scheduler, error) {
	cfg = cfg.sanitize()
	s := &Scheduler{
		cfg:     cfg,
		errSink: func(err error) { log.Printf("coproc: %v", err) },
	}
	r, err := newReactor(s.ready, cfg.MaxEvents)
	if err != nil {
		return nil, err
	}
	s.reactor = r
	return s, nil
}

// Run executes fn as the root task and drives the scheduler until it
// terminates, then cancels any leftover tasks, drains the run queue,
// and releases the reactor. It locks the calling goroutine to its OS
// thread for the duration. Returns the root task's result.
func (s *Scheduler) Run(fn Func) (any, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctx, tracer := trace.NewTask(context.Background(), "coproc-scheduler")
	defer tracer.End()
	s.ctx = ctx

	s.root = newTask(s, fn, nil)
	s.schedule(s.root, nil, nil, false, nil)
	s.loop()
	s.teardown()

	return s.root.resV, s.root.resE
}

// Run executes fn as the root task of a fresh scheduler with default
// configuration.
func Run(fn Func) (any, error) {
	s, err := NewScheduler(defaultConfig())
	if err != nil {
		return nil, err
	}
	return s.Run(fn)
}

// SetIdleFunc installs a callback invoked just before the reactor is
// about to block.
func (s *Scheduler) SetIdleFunc(fn func()) { s.idleFunc = fn }

// SetTraceFunc installs a hook receiving scheduler lifecycle events.
func (s *Scheduler) SetTraceFunc(fn func(TraceEvent, *Task)) { s.traceFunc = fn }

// SetErrorSink replaces the sink receiving reactor errors and
// when-done callback panics. The default logs them.
func (s *Scheduler) SetErrorSink(fn func(error)) { s.errSink = fn }

// Stats returns the scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{Switches: s.switches, Polls: s.polls, Ops: s.ops}
}

// ReactorStats returns active watcher counts from the reactor.
func (s *Scheduler) ReactorStats() ReactorStats { return s.reactor.Stats() }

// Current returns the task currently running on this scheduler, if
// any.
func (s *Scheduler) Current() *Task { return s.current }

// ready is the reactor's entry back into scheduling.
func (s *Scheduler) ready(t *Task, val any, err error, prio bool, src Watcher) {
	s.schedule(t, val, err, prio, src)
}

// schedule enqueues a resumption for t. Prioritized entries go to the
// front of the run queue and replace a pending entry; ordinary ones
// are dropped if the task is already queued.
func (s *Scheduler) schedule(t *Task, val any, err error, prio bool, src Watcher) {
	if t.state == Terminated {
		return
	}
	e := entry{task: t, val: val, err: err, src: src}
	if prio {
		s.runq.pushFront(e)
	} else {
		s.runq.pushBack(e)
	}
}

// Wake schedules t with resume value v from any OS thread, breaking a
// blocking reactor poll if necessary. This is the only cross-thread
// scheduling entry point.
func (s *Scheduler) Wake(t *Task, v any) {
	s.extmu.Lock()
	s.extq = append(s.extq, entry{task: t, val: v})
	s.extmu.Unlock()
	s.reactor.Wakeup()
}

func (s *Scheduler) drainExternal() {
	s.extmu.Lock()
	ext := s.extq
	s.extq = nil
	s.extmu.Unlock()

	for _, e := range ext {
		s.schedule(e.task, e.val, e.err, false, nil)
	}
}

func (s *Scheduler) externalPending() bool {
	s.extmu.Lock()
	defer s.extmu.Unlock()
	return len(s.extq) > 0
}

// cancelWatcher disarms a watcher and retracts any resumption it
// already enqueued for t. Called on every exit of every wait.
func (s *Scheduler) cancelWatcher(t *Task, w Watcher) {
	w.Cancel()
	s.runq.removeSrc(t, w)
}

// loop is the scheduler core. Each iteration delivers one resumption;
// when nothing is runnable it polls the reactor, and when nothing is
// pending anywhere it declares deadlock to the last switching task.
func (s *Scheduler) loop() {
	for {
		s.drainExternal()

		if s.sincePoll >= s.cfg.PollEverySwitches {
			s.poll(false)
		}

		e, ok := s.runq.popFront()
		if !ok {
			if s.reactor.Refs() == 0 && !s.externalPending() {
				// A signal may have fired and unreferenced its watcher
				// without having been collected yet.
				s.poll(false)
				if s.runq.len() > 0 {
					continue
				}
				t := s.lastRan
				if t == nil || t.state == Terminated {
					t = s.root
				}
				if t.state == Terminated {
					return
				}
				s.schedule(t, nil, ErrDeadlock, true, nil)
				continue
			}
			s.idle()
			s.poll(true)
			continue
		}

		t := e.task
		if t.state == Terminated {
			continue
		}

		s.switches++
		s.sincePoll++
		s.traceEvent(TraceSwitch, t)

		finished := s.deliver(t, e.val, e.err)
		s.lastRan = t
		if finished {
			s.complete(t)
			if t == s.root {
				return
			}
		}
	}
}

// deliver switches into t with a resume value or injected error,
// returning true once the task's coroutine has finished. An error
// injected before the task's first run terminates it without ever
// entering its function.
func (s *Scheduler) deliver(t *Task, val any, err error) bool {
	s.current = t
	defer func() { s.current = nil }()

	if !t.started {
		if err != nil {
			var mo *moveOn
			if errors.As(err, &mo) {
				t.finalize(mo.value, nil)
			} else {
				t.finalize(nil, err)
			}
			t.cancel()
			return true
		}
		t.started = true
	}

	t.state = Running
	s.traceEvent(TraceRun, t)
	_, alive := t.resume(resumeVal{val: val, err: err})
	return !alive
}

// complete finalizes a terminated task: removes it from its parent,
// runs when-done callbacks, wakes awaiters with the result, and
// forwards an orphaned error to the parent.
func (s *Scheduler) complete(t *Task) {
	t.state = Terminated
	s.runq.remove(t)
	s.traceEvent(TraceTerminate, t)

	if !t.done {
		t.finalize(nil, nil)
	}

	if p := t.parent; p != nil {
		p.removeChild(t)
	}

	for _, cb := range t.doneCBs {
		s.runDoneCB(cb, t.resV, t.resE)
	}
	t.doneCBs = nil

	awaiters := t.awaiters
	t.awaiters = nil
	for _, a := range awaiters {
		s.schedule(a, t.resV, t.resE, false, nil)
	}

	if t.resE != nil && len(awaiters) == 0 && t.parent != nil && t.parent.state != Terminated {
		// Orphaned error: surface it at the parent's next resume.
		s.schedule(t.parent, nil, t.resE, true, nil)
	}
}

func (s *Scheduler) runDoneCB(cb func(any, error), v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.errSink(fmt.Errorf("when-done callback panic: %v", p))
		}
	}()
	cb(v, err)
}

func (s *Scheduler) poll(blocking bool) {
	s.polls++
	s.sincePoll = 0
	s.traceEvent(TracePollEnter, s.lastRan)
	if err := s.reactor.Poll(blocking); err != nil {
		s.errSink(err)
	}
	s.traceEvent(TracePollLeave, s.lastRan)
}

func (s *Scheduler) idle() {
	if s.idleFunc != nil {
		s.idleFunc()
	}
	if p := s.cfg.IdleGCPeriod; p > 0 {
		now := time.Now()
		if now.Sub(s.lastIdleGC) >= p {
			s.lastIdleGC = now
			runtime.GC()
		}
	}
}

// teardown cancels tasks still queued after the root terminated,
// drains the run queue, and releases the reactor.
func (s *Scheduler) teardown() {
	for {
		e, ok := s.runq.popFront()
		if !ok {
			break
		}
		if t := e.task; t.state != Terminated {
			t.state = Terminated
			t.cancel()
		}
	}
	if err := s.reactor.Close(); err != nil {
		s.errSink(err)
	}
}

func (s *Scheduler) traceEvent(ev TraceEvent, t *Task) {
	if s.traceFunc != nil {
		s.traceFunc(ev, t)
	}
	if trace.IsEnabled() {
		if t != nil {
			trace.Logf(s.ctx, traceCategory, "%v %v", ev, t.ID())
		} else {
			trace.Logf(s.ctx, traceCategory, "%v", ev)
		}
	}
}
