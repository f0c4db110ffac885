package coproc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeWatcher struct{}

func (*fakeWatcher) Cancel() {}

func TestRunQueueFIFO(t *testing.T) {
	r := require.New(t)

	var rq runQueue
	t1, t2, t3 := new(Task), new(Task), new(Task)

	rq.pushBack(entry{task: t1, val: 1})
	rq.pushBack(entry{task: t2, val: 2})
	rq.pushBack(entry{task: t3, val: 3})

	e, ok := rq.popFront()
	r.True(ok)
	r.Same(t1, e.task)
	r.Equal(1, e.val)

	e, _ = rq.popFront()
	r.Same(t2, e.task)
	e, _ = rq.popFront()
	r.Same(t3, e.task)

	_, ok = rq.popFront()
	r.False(ok)
}

func TestRunQueueDedup(t *testing.T) {
	r := require.New(t)

	var rq runQueue
	t1 := new(Task)

	rq.pushBack(entry{task: t1, val: "first"})
	rq.pushBack(entry{task: t1, val: "second"})
	r.Equal(1, rq.len())

	e, _ := rq.popFront()
	r.Equal("first", e.val)
	r.False(t1.queued)
}

func TestRunQueuePriorityReplaces(t *testing.T) {
	r := require.New(t)

	var rq runQueue
	t1, t2 := new(Task), new(Task)

	rq.pushBack(entry{task: t1, val: "old"})
	rq.pushBack(entry{task: t2, val: "other"})
	rq.pushFront(entry{task: t1, err: ErrCancel})

	e, _ := rq.popFront()
	r.Same(t1, e.task)
	r.ErrorIs(e.err, ErrCancel)
	r.Equal(1, rq.len())
}

func TestRunQueueRemove(t *testing.T) {
	r := require.New(t)

	var rq runQueue
	t1, t2 := new(Task), new(Task)

	rq.pushBack(entry{task: t1})
	rq.pushBack(entry{task: t2})

	rq.remove(t1)
	r.Equal(1, rq.len())
	r.False(t1.queued)

	// Idempotent.
	rq.remove(t1)
	r.Equal(1, rq.len())

	e, _ := rq.popFront()
	r.Same(t2, e.task)
}

func TestRunQueueRemoveSrc(t *testing.T) {
	r := require.New(t)

	var rq runQueue
	t1 := new(Task)
	w := new(fakeWatcher)

	rq.pushBack(entry{task: t1, src: w})
	rq.removeSrc(t1, new(fakeWatcher))
	r.Equal(1, rq.len())

	rq.removeSrc(t1, w)
	r.Zero(rq.len())
	r.False(t1.queued)
}
