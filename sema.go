package coproc

import "github.com/gammazero/deque"

// sema parks tasks waiting for a resource. release hands the resource
// directly to the longest-waiting task, scheduling it at the back of
// the run queue. An error injected into a waiting task removes it
// from the queue.
type sema struct {
	noCopy noCopy
	v      uint32
	w      deque.Deque[*Task]
}

func (s *sema) acquire(t *Task) error {
	if s.v > 0 {
		s.v--
		return nil
	}

	s.w.PushBack(t)
	if _, err := t.park(); err != nil {
		s.remove(t)
		return err
	}
	return nil
}

// release grants the resource to the next waiter, returning it, or
// banks the resource when nobody waits.
func (s *sema) release() *Task {
	if s.w.Len() == 0 {
		s.v++
		return nil
	}

	t := s.w.PopFront()
	t.sched.schedule(t, nil, nil, false, nil)
	return t
}

func (s *sema) remove(t *Task) {
	for i := 0; i < s.w.Len(); i++ {
		if s.w.At(i) == t {
			s.w.Remove(i)
			return
		}
	}
}
