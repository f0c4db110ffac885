//go:build linux

package coproc

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
	"golang.org/x/sys/unix"
)

// epollReactor multiplexes FD readiness, timers, child exits, and
// cross-thread signals over a single epoll instance. Timers live in a
// red-black tree ordered by deadline; the poll timeout is derived
// from the nearest deadline. Child waits use pidfd_open, so they work
// from any thread. A non-blocking eventfd serves as the wakeup
// channel and is not counted as a referenced watcher.
type epollReactor struct {
	epfd   int
	wakefd int
	ready  readyFunc
	events []unix.EpollEvent

	fds      map[int]*fdEntry
	timers   *redblacktree.Tree // timerKey -> *timerWatcher
	seq      uint64
	children map[int]*childWatcher // pidfd -> watcher

	// mu guards refs, counts, and the async fire list; Signal and
	// Wakeup may run on other OS threads, everything else is
	// scheduler-thread only.
	mu     sync.Mutex
	fired  []asyncFire
	counts ReactorStats
	refs   int
}

type timerKey struct {
	at  time.Time
	seq uint64
}

func timerCmp(a, b any) int {
	ka, kb := a.(timerKey), b.(timerKey)
	switch {
	case ka.at.Before(kb.at):
		return -1
	case ka.at.After(kb.at):
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	}
	return 0
}

type asyncFire struct {
	w   *asyncWatcher
	val any
}

func newReactor(ready readyFunc, maxEvents int) (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errno("epoll_create1", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, errno("eventfd", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, errno("epoll_ctl add wakeup", err)
	}

	return &epollReactor{
		epfd:     epfd,
		wakefd:   wakefd,
		ready:    ready,
		events:   make([]unix.EpollEvent, maxEvents),
		fds:      make(map[int]*fdEntry),
		timers:   redblacktree.NewWith(timerCmp),
		children: make(map[int]*childWatcher),
	}, nil
}

func (r *epollReactor) ref(kind *int) {
	r.mu.Lock()
	*kind++
	r.refs++
	r.mu.Unlock()
}

func (r *epollReactor) unref(kind *int) {
	r.mu.Lock()
	*kind--
	r.refs--
	r.mu.Unlock()
}

func (r *epollReactor) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

func (r *epollReactor) Stats() ReactorStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts
}

// fdEntry merges read and write interest for one descriptor into a
// single epoll registration.
type fdEntry struct {
	fd    int
	r, w  *fdWatcher
	armed uint32 // events currently registered with epoll
}

type fdWatcher struct {
	reactor *epollReactor
	task    *Task
	entry   *fdEntry
	write   bool
	active  bool
}

func (r *epollReactor) RegisterFD(t *Task, fd int, write bool) (Watcher, error) {
	e := r.fds[fd]
	if e == nil {
		e = &fdEntry{fd: fd}
		r.fds[fd] = e
	}

	w := &fdWatcher{reactor: r, task: t, entry: e, write: write, active: true}
	if write {
		e.w = w
	} else {
		e.r = w
	}

	if err := r.arm(e); err != nil {
		w.active = false
		if write {
			e.w = nil
		} else {
			e.r = nil
		}
		if e.r == nil && e.w == nil {
			delete(r.fds, fd)
		}
		return nil, err
	}

	r.ref(&r.counts.IOWatchers)
	return w, nil
}

// arm syncs the epoll registration for e with its watcher slots.
func (r *epollReactor) arm(e *fdEntry) error {
	var want uint32
	if e.r != nil {
		want |= unix.EPOLLIN
	}
	if e.w != nil {
		want |= unix.EPOLLOUT
	}
	if want == e.armed {
		return nil
	}

	var op int
	switch {
	case want == 0:
		op = unix.EPOLL_CTL_DEL
	case e.armed == 0:
		op = unix.EPOLL_CTL_ADD
	default:
		op = unix.EPOLL_CTL_MOD
	}

	ev := unix.EpollEvent{Events: want, Fd: int32(e.fd)}
	if err := unix.EpollCtl(r.epfd, op, e.fd, &ev); err != nil {
		return errno("epoll_ctl", err)
	}

	e.armed = want
	if want == 0 {
		delete(r.fds, e.fd)
	}
	return nil
}

func (w *fdWatcher) Cancel() {
	if !w.active {
		return
	}
	w.active = false

	e := w.entry
	if w.write {
		e.w = nil
	} else {
		e.r = nil
	}
	_ = w.reactor.arm(e)
	w.reactor.unref(&w.reactor.counts.IOWatchers)
}

type timerWatcher struct {
	reactor *epollReactor
	task    *Task
	key     timerKey
	val     any
	err     error
	active  bool
}

func (r *epollReactor) RegisterTimer(t *Task, d time.Duration, val any, err error) Watcher {
	r.seq++
	w := &timerWatcher{
		reactor: r,
		task:    t,
		key:     timerKey{at: time.Now().Add(d), seq: r.seq},
		val:     val,
		err:     err,
		active:  true,
	}
	r.timers.Put(w.key, w)
	r.ref(&r.counts.Timers)
	return w
}

func (w *timerWatcher) Cancel() {
	if !w.active {
		return
	}
	w.active = false
	w.reactor.timers.Remove(w.key)
	w.reactor.unref(&w.reactor.counts.Timers)
}

// nextTimeout converts the nearest timer deadline into an epoll
// timeout in milliseconds, rounding up so a timer is never polled
// before it is due. -1 means block indefinitely.
func (r *epollReactor) nextTimeout() int {
	node := r.timers.Left()
	if node == nil {
		return -1
	}
	d := time.Until(node.Key.(timerKey).at)
	if d <= 0 {
		return 0
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	const maxTimeout = 1 << 30
	if ms > maxTimeout {
		return maxTimeout
	}
	return int(ms)
}

func (r *epollReactor) expireTimers() {
	now := time.Now()
	for {
		node := r.timers.Left()
		if node == nil {
			break
		}
		key := node.Key.(timerKey)
		if key.at.After(now) {
			break
		}
		w := node.Value.(*timerWatcher)
		w.active = false
		r.timers.Remove(key)
		r.unref(&r.counts.Timers)
		r.ready(w.task, w.val, w.err, w.err != nil, w)
	}
}

type childWatcher struct {
	reactor *epollReactor
	task    *Task
	pid     int
	pidfd   int
	active  bool
}

func (r *epollReactor) RegisterChild(t *Task, pid int) (Watcher, error) {
	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return nil, errno("pidfd_open", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(pidfd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, pidfd, &ev); err != nil {
		unix.Close(pidfd)
		return nil, errno("epoll_ctl add pidfd", err)
	}

	w := &childWatcher{reactor: r, task: t, pid: pid, pidfd: pidfd, active: true}
	r.children[pidfd] = w
	r.ref(&r.counts.ChildWatchers)
	return w, nil
}

func (w *childWatcher) Cancel() {
	if !w.active {
		return
	}
	w.active = false
	r := w.reactor
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, w.pidfd, nil)
	unix.Close(w.pidfd)
	delete(r.children, w.pidfd)
	r.unref(&r.counts.ChildWatchers)
}

func (r *epollReactor) fireChild(w *childWatcher) {
	var ws unix.WaitStatus
	pid, err := unix.Wait4(w.pid, &ws, unix.WNOHANG, nil)

	task := w.task
	w.Cancel()

	if err != nil {
		r.ready(task, nil, errno("wait4", err), true, w)
		return
	}
	r.ready(task, ChildExit{Pid: pid, Status: ws.ExitStatus()}, nil, false, w)
}

type asyncWatcher struct {
	reactor *epollReactor
	task    *Task
	active  bool // guarded by reactor.mu
}

func (r *epollReactor) RegisterAsync(t *Task) AsyncWatcher {
	w := &asyncWatcher{reactor: r, task: t}
	r.mu.Lock()
	w.active = true
	r.counts.AsyncWatchers++
	r.refs++
	r.mu.Unlock()
	return w
}

func (w *asyncWatcher) Signal(v any) {
	r := w.reactor
	r.mu.Lock()
	if !w.active {
		r.mu.Unlock()
		return
	}
	w.active = false
	r.counts.AsyncWatchers--
	r.refs--
	r.fired = append(r.fired, asyncFire{w: w, val: v})
	r.mu.Unlock()
	r.Wakeup()
}

func (w *asyncWatcher) Cancel() {
	r := w.reactor
	r.mu.Lock()
	if w.active {
		w.active = false
		r.counts.AsyncWatchers--
		r.refs--
	} else {
		// Already signaled; retract the pending fire.
		for i, f := range r.fired {
			if f.w == w {
				r.fired = append(r.fired[:i], r.fired[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
}

func (r *epollReactor) drainAsync() {
	r.mu.Lock()
	fired := r.fired
	r.fired = nil
	r.mu.Unlock()

	for _, f := range fired {
		r.ready(f.w.task, f.val, nil, false, f.w)
	}
}

func (r *epollReactor) Wakeup() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(r.wakefd, buf[:])
}

func (r *epollReactor) drainWakeup() {
	var buf [8]byte
	_, _ = unix.Read(r.wakefd, buf[:])
}

func (r *epollReactor) Poll(blocking bool) error {
	timeout := 0
	if blocking {
		timeout = r.nextTimeout()
	}

	n, err := unix.EpollWait(r.epfd, r.events, timeout)
	if err != nil {
		if err != unix.EINTR {
			return errno("epoll_wait", err)
		}
		n = 0
	}

	for i := 0; i < n; i++ {
		ev := r.events[i]
		fd := int(ev.Fd)

		switch {
		case fd == r.wakefd:
			r.drainWakeup()

		case r.children[fd] != nil:
			r.fireChild(r.children[fd])

		default:
			r.fireFD(fd, ev.Events)
		}
	}

	r.expireTimers()
	r.drainAsync()
	return nil
}

// fireFD resumes the watchers whose readiness was reported and
// disarms them; readiness delivery is one-shot.
func (r *epollReactor) fireFD(fd int, events uint32) {
	e := r.fds[fd]
	if e == nil {
		return
	}

	hup := events&(unix.EPOLLERR|unix.EPOLLHUP) != 0

	if w := e.r; w != nil && (hup || events&unix.EPOLLIN != 0) {
		w.Cancel()
		r.ready(w.task, nil, nil, false, w)
	}
	if w := e.w; w != nil && (hup || events&unix.EPOLLOUT != 0) {
		w.Cancel()
		r.ready(w.task, nil, nil, false, w)
	}
}

func (r *epollReactor) Close() error {
	for pidfd := range r.children {
		w := r.children[pidfd]
		w.Cancel()
	}
	if err := unix.Close(r.wakefd); err != nil {
		return errno("close eventfd", err)
	}
	return unix.Close(r.epfd)
}
