package coproc

// Mutex provides mutual exclusion between tasks on one scheduler.
// Unlock hands the lock directly to the longest-waiting task, so a
// task that starts waiting first acquires first.
type Mutex struct {
	noCopy noCopy
	owner  *Task
	sema   sema
}

// Lock acquires the mutex for task t, suspending it while another
// task holds the lock. An error injected while waiting is returned
// and the lock is not acquired.
func (m *Mutex) Lock(t *Task) error {
	if m.owner == nil {
		m.owner = t
		return nil
	}

	if err := m.sema.acquire(t); err != nil {
		if m.owner == t {
			// Unlock handed the lock over before the error arrived;
			// pass it on so it is not left held.
			m.Unlock()
		}
		return err
	}
	m.owner = t
	return nil
}

// Unlock releases the mutex, handing it to the next waiting task if
// any.
func (m *Mutex) Unlock() {
	if m.sema.w.Len() == 0 {
		m.owner = nil
		return
	}
	m.owner = m.sema.release()
}

// WaitCount returns the number of tasks waiting to acquire the mutex.
func (m *Mutex) WaitCount() int {
	return m.sema.w.Len()
}
