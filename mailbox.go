package coproc

// Send appends msg to the task's mailbox and, if the task is blocked
// in Receive, makes it runnable. Messages are delivered in send
// order. Sending to a terminated task is a no-op.
func (t *Task) Send(msg any) {
	if t.state == Terminated {
		return
	}
	t.mbox.Add(msg)
	if t.mailWait {
		t.mailWait = false
		t.sched.schedule(t, nil, nil, false, nil)
	}
}

// Receive pops the next message from the task's mailbox, suspending
// until one arrives. Only the owning task may receive; other callers
// get ErrNotOwner. An error injected while waiting is returned.
func (t *Task) Receive() (any, error) {
	if t.sched.current != t {
		return nil, ErrNotOwner
	}

	t.sched.ops++
	for t.mbox.Length() == 0 {
		t.mailWait = true
		if _, err := t.park(); err != nil {
			t.mailWait = false
			return nil, err
		}
	}
	return t.mbox.Remove(), nil
}
