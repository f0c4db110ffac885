package coproc

import "github.com/gammazero/deque"

// entry is one pending resumption: the task plus the value or error
// to deliver at its suspension point. src links the entry to the
// watcher that produced it, so an abandoned watcher can retract a
// resumption it already enqueued.
type entry struct {
	task *Task
	val  any
	err  error
	src  Watcher
}

// runQueue is a FIFO of runnable tasks with priority front-insertion
// and removal by task identity. A task has at most one pending entry:
// pushBack on an already-queued task is ignored, pushFront replaces
// the pending entry and moves it to the front.
type runQueue struct {
	q deque.Deque[entry]
}

func (rq *runQueue) len() int { return rq.q.Len() }

func (rq *runQueue) pushBack(e entry) {
	if e.task.queued {
		return
	}
	e.task.queued = true
	rq.q.PushBack(e)
}

func (rq *runQueue) pushFront(e entry) {
	if e.task.queued {
		rq.remove(e.task)
	}
	e.task.queued = true
	rq.q.PushFront(e)
}

func (rq *runQueue) popFront() (entry, bool) {
	if rq.q.Len() == 0 {
		return entry{}, false
	}
	e := rq.q.PopFront()
	e.task.queued = false
	return e, true
}

// remove deletes the pending entry for task, if any. Idempotent.
func (rq *runQueue) remove(task *Task) {
	for i := 0; i < rq.q.Len(); i++ {
		if rq.q.At(i).task == task {
			rq.q.Remove(i)
			task.queued = false
			return
		}
	}
}

// removeSrc deletes the pending entry for task only if it was
// enqueued by src. Used by watcher cancellation to retract a
// resumption that fired before the waiting scope exited.
func (rq *runQueue) removeSrc(task *Task, src Watcher) {
	for i := 0; i < rq.q.Len(); i++ {
		if e := rq.q.At(i); e.task == task && e.src == src {
			rq.q.Remove(i)
			task.queued = false
			return
		}
	}
}

func (rq *runQueue) clear() {
	for rq.q.Len() > 0 {
		e := rq.q.PopFront()
		e.task.queued = false
	}
}
