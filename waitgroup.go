package coproc

// WaitGroup waits for a collection of tasks to finish. Tasks call
// Add(1) when they start and Done when they finish; other tasks call
// Wait to suspend until the counter reaches zero.
type WaitGroup struct {
	noCopy noCopy
	v      int32
	w      uint32
	sema   sema
}

// Add adds delta to the counter. When the counter reaches zero, all
// waiting tasks are resumed. A negative counter panics.
func (wg *WaitGroup) Add(delta int) {
	wg.v += int32(delta)

	if wg.v < 0 {
		panic("coproc: negative WaitGroup counter")
	}

	if wg.w != 0 && delta > 0 && wg.v == int32(delta) {
		panic("coproc: WaitGroup misuse: Add called concurrently with Wait")
	}

	if wg.v > 0 || wg.w == 0 {
		return
	}

	for ; wg.w != 0; wg.w-- {
		wg.sema.release()
	}
}

// Done decrements the counter by one.
func (wg *WaitGroup) Done() {
	wg.Add(-1)
}

// Wait suspends task t until the counter is zero. An error injected
// while waiting is returned.
func (wg *WaitGroup) Wait(t *Task) error {
	if wg.v == 0 {
		return nil
	}

	wg.w++
	if err := wg.sema.acquire(t); err != nil {
		wg.w--
		return err
	}
	return nil
}
