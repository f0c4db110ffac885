package coproc

import (
	"errors"
	"sync"
	"time"
)

// Snooze yields the CPU to the end of the run queue and resumes after
// every task already queued has run. It is the fairness point: tight
// syscall loops call it between operations. Returns an error injected
// while yielded.
func (t *Task) Snooze() error {
	s := t.sched
	s.ops++
	s.schedule(t, nil, nil, false, nil)
	_, err := t.park()
	return err
}

// Suspend yields without rescheduling; the task resumes only when
// another task schedules it (Resume, Wake, or an injection). Send
// does not resume it: Send only wakes a task blocked in Receive.
// Returns the delivered resume value or injected error.
func (t *Task) Suspend() (any, error) {
	t.sched.ops++
	return t.park()
}

// Sleep suspends the task for at least d of monotonic time.
func (t *Task) Sleep(d time.Duration) error {
	s := t.sched
	s.ops++
	w := s.reactor.RegisterTimer(t, d, nil, nil)
	_, err := t.park()
	s.cancelWatcher(t, w)
	return err
}

// WaitIO suspends until fd is ready for reading (or writing, when
// write is true) without issuing a syscall. The FD registration is
// removed on every exit.
func (t *Task) WaitIO(fd int, write bool) error {
	s := t.sched
	s.ops++
	w, err := s.reactor.RegisterFD(t, fd, write)
	if err != nil {
		return err
	}
	_, err = t.park()
	s.cancelWatcher(t, w)
	return err
}

// WaitChild suspends until the child process pid exits and is reaped,
// returning its pid and exit status.
func (t *Task) WaitChild(pid int) (ChildExit, error) {
	s := t.sched
	s.ops++
	w, err := s.reactor.RegisterChild(t, pid)
	if err != nil {
		return ChildExit{}, err
	}
	v, err := t.park()
	s.cancelWatcher(t, w)
	if err != nil {
		return ChildExit{}, err
	}
	return v.(ChildExit), nil
}

// Timeout runs fn with a deadline. If d elapses first, cause
// (ErrTimeout when nil) is injected at fn's current suspension point
// and returned once it propagates out of fn. The timer is cancelled
// on every exit. Errors raised by fn itself pass through untouched;
// an identical sentinel injected by an enclosing Timeout scope is not
// confused with this one.
func (t *Task) Timeout(d time.Duration, cause error, fn func() (any, error)) (any, error) {
	if cause == nil {
		cause = ErrTimeout
	}
	s := t.sched
	s.ops++

	inj := &timeoutError{cause: cause}
	w := s.reactor.RegisterTimer(t, d, nil, inj)

	v, err := fn()
	s.cancelWatcher(t, w)

	if err != nil {
		var te *timeoutError
		if errors.As(err, &te) && te == inj {
			return nil, cause
		}
	}
	return v, err
}

// MoveOnAfter runs fn with a deadline; if d elapses first the block
// is abandoned and (v, nil) is returned instead of an error.
func (t *Task) MoveOnAfter(d time.Duration, v any, fn func() (any, error)) (any, error) {
	s := t.sched
	s.ops++

	inj := &timeoutError{cause: ErrTimeout}
	w := s.reactor.RegisterTimer(t, d, nil, inj)

	rv, err := fn()
	s.cancelWatcher(t, w)

	if err != nil {
		var te *timeoutError
		if errors.As(err, &te) && te == inj {
			return v, nil
		}
	}
	return rv, err
}

// CancelAfter runs fn with a deadline, injecting ErrCancel when it
// fires.
func (t *Task) CancelAfter(d time.Duration, fn func() (any, error)) (any, error) {
	return t.Timeout(d, ErrCancel, fn)
}

// TimerLoop invokes fn once per interval. Deadlines are anchored to a
// base time, so a slow fn does not accumulate drift; intervals the
// loop missed entirely collapse into one. The loop stops when fn
// returns an error or an error is injected.
func (t *Task) TimerLoop(interval time.Duration, fn func() error) error {
	if interval <= 0 {
		return errors.New("timer loop interval must be positive")
	}

	s := t.sched
	next := time.Now().Add(interval)
	for {
		s.ops++
		if d := time.Until(next); d > 0 {
			w := s.reactor.RegisterTimer(t, d, nil, nil)
			_, err := t.park()
			s.cancelWatcher(t, w)
			if err != nil {
				return err
			}
		}

		if err := fn(); err != nil {
			return err
		}

		next = next.Add(interval)
		for now := time.Now(); !next.After(now); {
			next = next.Add(interval)
		}
	}
}

// Event is a one-shot cross-task signal. Wait parks the calling task
// until some task calls Signal; a Signal with no waiter is latched
// and satisfies the next Wait. Signal is safe to call from another OS
// thread.
type Event struct {
	mu       sync.Mutex
	w        AsyncWatcher
	signaled bool
	val      any
}

// NewEvent returns a fresh event. The zero value is also ready to
// use.
func NewEvent() *Event { return new(Event) }

// Wait suspends t until the event is signaled, returning the signaled
// value. The async watcher is released on every exit.
func (e *Event) Wait(t *Task) (any, error) {
	s := t.sched
	s.ops++

	e.mu.Lock()
	if e.signaled {
		v := e.val
		e.signaled = false
		e.val = nil
		e.mu.Unlock()
		return v, nil
	}
	w := s.reactor.RegisterAsync(t)
	e.w = w
	e.mu.Unlock()

	v, err := t.park()

	e.mu.Lock()
	e.w = nil
	e.mu.Unlock()

	s.cancelWatcher(t, w)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Signal fires the event with v, resuming the waiting task if there
// is one. At most one waiter observes one signal.
func (e *Event) Signal(v any) {
	e.mu.Lock()
	w := e.w
	if w == nil {
		e.signaled = true
		e.val = v
		e.mu.Unlock()
		return
	}
	e.w = nil
	e.mu.Unlock()
	w.Signal(v)
}
