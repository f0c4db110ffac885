//go:build linux

package coproc

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMailboxOrder(t *testing.T) {
	r := require.New(t)

	var msgs []any
	_, err := Run(func(root *Task) (any, error) {
		worker := root.Spawn(func(w *Task) (any, error) {
			for {
				msg, err := w.Receive()
				if err != nil {
					return nil, err
				}
				msgs = append(msgs, msg)
			}
		})

		worker.Send(0)
		worker.Send(1)
		worker.Send(2)

		for i := 0; i < 3; i++ {
			if err := root.Snooze(); err != nil {
				return nil, err
			}
		}

		worker.Stop(nil)
		return worker.Await()
	})

	r.NoError(err)
	r.Equal([]any{0, 1, 2}, msgs)
}

func TestCancelMidSnooze(t *testing.T) {
	r := require.New(t)

	var result []int
	_, err := Run(func(root *Task) (any, error) {
		worker := root.Spawn(func(w *Task) (any, error) {
			result = append(result, 1)
			if err := w.Snooze(); err != nil {
				return nil, err
			}
			if err := w.Snooze(); err != nil {
				return nil, err
			}
			result = append(result, 2)
			return nil, nil
		})

		root.Spawn(func(c *Task) (any, error) {
			worker.Cancel()
			return nil, nil
		})

		v, err := worker.Await()
		r.ErrorIs(err, ErrCancel)
		r.Nil(v)

		r.False(worker.Alive())
		_, resErr := worker.Result()
		r.ErrorIs(resErr, ErrCancel)
		return nil, nil
	})

	r.NoError(err)
	r.Equal([]int{1}, result)
}

func TestInterruptReturnsValue(t *testing.T) {
	r := require.New(t)

	var result []int
	_, err := Run(func(root *Task) (any, error) {
		worker := root.Spawn(func(w *Task) (any, error) {
			result = append(result, 1)
			if err := w.Snooze(); err != nil {
				return nil, err
			}
			if err := w.Snooze(); err != nil {
				return nil, err
			}
			result = append(result, 2)
			return 3, nil
		})

		root.Spawn(func(c *Task) (any, error) {
			worker.Stop(42)
			return nil, nil
		})

		v, err := worker.Await()
		r.NoError(err)
		r.Equal(42, v)

		r.False(worker.Alive())
		resV, resErr := worker.Result()
		r.NoError(resErr)
		r.Equal(42, resV)
		return nil, nil
	})

	r.NoError(err)
	r.Equal([]int{1}, result)
}

func TestAwaitFanIn(t *testing.T) {
	r := require.New(t)

	_, err := Run(func(root *Task) (any, error) {
		mk := func(v string) Func {
			return func(w *Task) (any, error) {
				if err := w.Sleep(10 * time.Millisecond); err != nil {
					return nil, err
				}
				return v, nil
			}
		}

		t1 := root.Spawn(mk("foo"))
		t2 := root.Spawn(mk("bar"))
		t3 := root.Spawn(mk("baz"))

		vals, err := root.AwaitAll(t1, t2, t3)
		r.NoError(err)
		r.Equal([]any{"foo", "bar", "baz"}, vals)
		return nil, nil
	})

	r.NoError(err)
}

func TestOrphanErrorPropagation(t *testing.T) {
	r := require.New(t)

	_, err := Run(func(root *Task) (any, error) {
		root.Spawn(func(c *Task) (any, error) {
			if err := c.Snooze(); err != nil {
				return nil, err
			}
			return nil, errors.New("bar")
		})

		_, err := root.Suspend()
		r.Error(err)
		r.Equal("bar", err.Error())
		return nil, nil
	})

	r.NoError(err)
}

func TestTimeoutCleanup(t *testing.T) {
	r := require.New(t)

	_, err := Run(func(root *Task) (any, error) {
		_, err := root.Timeout(10*time.Millisecond, nil, func() (any, error) {
			return nil, root.Sleep(time.Second)
		})
		r.ErrorIs(err, ErrTimeout)

		stats := root.Scheduler().ReactorStats()
		r.Zero(stats.Timers)
		r.Zero(stats.IOWatchers)
		return nil, nil
	})

	r.NoError(err)
}

func TestSnoozeSoleTask(t *testing.T) {
	r := require.New(t)

	n := 0
	_, err := Run(func(root *Task) (any, error) {
		for i := 0; i < 10; i++ {
			if err := root.Snooze(); err != nil {
				return nil, err
			}
			n++
		}
		return nil, nil
	})

	r.NoError(err)
	r.Equal(10, n)
}

func TestSnoozeFairness(t *testing.T) {
	r := require.New(t)

	var order []int
	_, err := Run(func(root *Task) (any, error) {
		mk := func(id int) Func {
			return func(w *Task) (any, error) {
				for i := 0; i < 3; i++ {
					order = append(order, id)
					if err := w.Snooze(); err != nil {
						return nil, err
					}
				}
				return nil, nil
			}
		}

		t1 := root.Spawn(mk(1))
		t2 := root.Spawn(mk(2))
		_, err := root.AwaitAll(t1, t2)
		return nil, err
	})

	r.NoError(err)
	r.Equal([]int{1, 2, 1, 2, 1, 2}, order)
}

func TestSleepDuration(t *testing.T) {
	r := require.New(t)

	const d = 20 * time.Millisecond
	start := time.Now()
	_, err := Run(func(root *Task) (any, error) {
		return nil, root.Sleep(d)
	})

	r.NoError(err)
	r.GreaterOrEqual(time.Since(start), d)
}

func TestDeadlockDetection(t *testing.T) {
	r := require.New(t)

	_, err := Run(func(root *Task) (any, error) {
		_, err := root.Suspend()
		return nil, err
	})

	r.ErrorIs(err, ErrDeadlock)
}

func TestResumeDeliversValue(t *testing.T) {
	r := require.New(t)

	_, err := Run(func(root *Task) (any, error) {
		worker := root.Spawn(func(w *Task) (any, error) {
			return w.Suspend()
		})

		if err := root.Snooze(); err != nil {
			return nil, err
		}
		worker.Resume("ping")

		v, err := worker.Await()
		r.NoError(err)
		r.Equal("ping", v)
		return nil, nil
	})

	r.NoError(err)
}

func TestStructuredShutdown(t *testing.T) {
	r := require.New(t)

	_, err := Run(func(root *Task) (any, error) {
		var kids []*Task
		parent := root.Spawn(func(p *Task) (any, error) {
			sleeper := func(w *Task) (any, error) {
				return nil, w.Sleep(time.Hour)
			}
			kids = append(kids, p.Spawn(sleeper), p.Spawn(sleeper))
			if err := p.Snooze(); err != nil {
				return nil, err
			}
			return "done", nil
		})

		v, err := parent.Await()
		r.NoError(err)
		r.Equal("done", v)

		for _, k := range kids {
			r.False(k.Alive())
		}
		r.Zero(root.Scheduler().ReactorStats().Timers)
		return nil, nil
	})

	r.NoError(err)
}

func TestWhenDone(t *testing.T) {
	r := require.New(t)

	var got []any
	_, err := Run(func(root *Task) (any, error) {
		worker := root.Spawn(func(w *Task) (any, error) {
			return "result", nil
		})
		worker.WhenDone(func(v any, err error) {
			r.NoError(err)
			got = append(got, v)
		})

		if _, err := worker.Await(); err != nil {
			return nil, err
		}

		// Registration after termination runs immediately.
		worker.WhenDone(func(v any, err error) {
			got = append(got, v)
		})
		return nil, nil
	})

	r.NoError(err)
	r.Equal([]any{"result", "result"}, got)
}

func TestMultipleAwaitersSameOutcome(t *testing.T) {
	r := require.New(t)

	var seen []any
	_, err := Run(func(root *Task) (any, error) {
		worker := root.Spawn(func(w *Task) (any, error) {
			if err := w.Sleep(5 * time.Millisecond); err != nil {
				return nil, err
			}
			return 7, nil
		})

		awaiter := func(a *Task) (any, error) {
			v, err := worker.Await()
			if err != nil {
				return nil, err
			}
			seen = append(seen, v)
			return nil, nil
		}

		a1 := root.Spawn(awaiter)
		a2 := root.Spawn(awaiter)
		_, err := root.AwaitAll(a1, a2)
		return nil, err
	})

	r.NoError(err)
	r.Equal([]any{7, 7}, seen)
}

func TestEventCrossThreadSignal(t *testing.T) {
	r := require.New(t)

	ev := NewEvent()
	go func() {
		time.Sleep(10 * time.Millisecond)
		ev.Signal("ping")
	}()

	v, err := Run(func(root *Task) (any, error) {
		return ev.Wait(root)
	})

	r.NoError(err)
	r.Equal("ping", v)
}

func TestEventLatchedSignal(t *testing.T) {
	r := require.New(t)

	ev := NewEvent()
	ev.Signal(42)

	v, err := Run(func(root *Task) (any, error) {
		return ev.Wait(root)
	})

	r.NoError(err)
	r.Equal(42, v)
}

func TestTimerLoop(t *testing.T) {
	r := require.New(t)

	stop := errors.New("stop")
	const interval = 5 * time.Millisecond

	ticks := 0
	start := time.Now()
	_, err := Run(func(root *Task) (any, error) {
		err := root.TimerLoop(interval, func() error {
			ticks++
			if ticks == 3 {
				return stop
			}
			return nil
		})
		r.ErrorIs(err, stop)
		return nil, nil
	})

	r.NoError(err)
	r.Equal(3, ticks)
	r.GreaterOrEqual(time.Since(start), 3*interval)
}

func TestSchedulerStats(t *testing.T) {
	r := require.New(t)

	s, err := NewScheduler(LoadConfig(""))
	r.NoError(err)

	_, err = s.Run(func(root *Task) (any, error) {
		for i := 0; i < 5; i++ {
			if err := root.Snooze(); err != nil {
				return nil, err
			}
		}
		return nil, root.Sleep(time.Millisecond)
	})
	r.NoError(err)

	stats := s.Stats()
	r.GreaterOrEqual(stats.Switches, uint64(6))
	r.GreaterOrEqual(stats.Polls, uint64(1))
	r.GreaterOrEqual(stats.Ops, uint64(6))
}

func TestTraceHook(t *testing.T) {
	r := require.New(t)

	s, err := NewScheduler(LoadConfig(""))
	r.NoError(err)

	events := make(map[TraceEvent]int)
	s.SetTraceFunc(func(ev TraceEvent, _ *Task) {
		events[ev]++
	})

	_, err = s.Run(func(root *Task) (any, error) {
		return nil, root.Sleep(time.Millisecond)
	})
	r.NoError(err)

	r.Positive(events[TraceSwitch])
	r.Positive(events[TraceRun])
	r.Positive(events[TraceTerminate])
	r.Positive(events[TracePollEnter])
	r.Positive(events[TracePollLeave])
}

func TestSpawnDiagnostics(t *testing.T) {
	r := require.New(t)

	_, err := Run(func(root *Task) (any, error) {
		worker := root.Spawn(func(w *Task) (any, error) { return nil, nil })

		r.NotEmpty(worker.ID())
		r.NotEmpty(worker.Caller())
		r.Contains(worker.Location(), "scheduler_test.go")
		r.Equal(root, worker.Parent())

		_, err := worker.Await()
		return nil, err
	})

	r.NoError(err)
}
