//go:build unix

package coproc

import (
	"io"

	"golang.org/x/sys/unix"
)

// FD wraps a raw file descriptor for non-blocking task I/O. Every
// operation follows the same pattern: ensure the descriptor is
// non-blocking, attempt the syscall, and on EAGAIN park the task on
// reactor readiness before retrying. Between partial transfers the
// task snoozes, so one busy descriptor cannot starve the run queue.
//
// An FD is owned by the task that opened it; one concurrent reader
// and one concurrent writer are allowed, two readers are not.
type FD struct {
	fd       int
	nonblock bool
}

// NewFD wraps a raw descriptor.
func NewFD(fd int) *FD { return &FD{fd: fd} }

// Raw returns the underlying descriptor.
func (f *FD) Raw() int { return f.fd }

// Close closes the descriptor.
func (f *FD) Close() error {
	if err := unix.Close(f.fd); err != nil {
		return errno("close", err)
	}
	return nil
}

// ensureNonblock sets O_NONBLOCK once; idempotent.
func (f *FD) ensureNonblock() error {
	if f.nonblock {
		return nil
	}
	if err := unix.SetNonblock(f.fd, true); err != nil {
		return errno("set nonblock", err)
	}
	f.nonblock = true
	return nil
}

// Read performs one successful read into buf, suspending on EAGAIN.
// Returns io.EOF on a zero-byte read of a non-empty buffer.
func (f *FD) Read(t *Task, buf []byte) (int, error) {
	t.sched.ops++
	if err := f.ensureNonblock(); err != nil {
		return 0, err
	}

	for {
		n, err := unix.Read(f.fd, buf)
		switch {
		case err == nil:
			if n == 0 && len(buf) > 0 {
				return 0, io.EOF
			}
			return n, nil
		case retryable(err):
			if werr := t.WaitIO(f.fd, false); werr != nil {
				return 0, werr
			}
		case err == unix.EINTR:
		default:
			return 0, errno("read", err)
		}
	}
}

// ReadFull reads until buf is full or EOF, snoozing between partial
// reads. At EOF it returns the bytes read so far without error,
// except that EOF before any byte is io.EOF.
func (f *FD) ReadFull(t *Task, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(t, buf[total:])
		if err == io.EOF {
			if total == 0 {
				return 0, io.EOF
			}
			return total, nil
		}
		if err != nil {
			return total, err
		}
		total += n
		if total < len(buf) {
			if err := t.Snooze(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// Write writes all of buf, suspending on EAGAIN and snoozing between
// partial writes. Unless an error is injected, it completes the full
// buffer.
func (f *FD) Write(t *Task, buf []byte) (int, error) {
	return f.writeLoop(t, buf, true)
}

func (f *FD) writeLoop(t *Task, buf []byte, fair bool) (int, error) {
	t.sched.ops++
	if err := f.ensureNonblock(); err != nil {
		return 0, err
	}

	total := 0
	for total < len(buf) {
		n, err := unix.Write(f.fd, buf[total:])
		switch {
		case err == nil:
			total += n
			if total < len(buf) && fair {
				if serr := t.Snooze(); serr != nil {
					return total, serr
				}
			}
		case retryable(err):
			if werr := t.WaitIO(f.fd, true); werr != nil {
				return total, werr
			}
		case err == unix.EINTR:
		default:
			return total, errno("write", err)
		}
	}
	return total, nil
}

// Recv performs one successful socket receive into buf. Returns
// io.EOF on an orderly peer shutdown.
func (f *FD) Recv(t *Task, buf []byte) (int, error) {
	t.sched.ops++
	if err := f.ensureNonblock(); err != nil {
		return 0, err
	}

	for {
		n, _, err := unix.Recvfrom(f.fd, buf, 0)
		switch {
		case err == nil:
			if n == 0 && len(buf) > 0 {
				return 0, io.EOF
			}
			return n, nil
		case retryable(err):
			if werr := t.WaitIO(f.fd, false); werr != nil {
				return 0, werr
			}
		case err == unix.EINTR:
		default:
			return 0, errno("recv", err)
		}
	}
}

// Send sends all of buf on the socket, suspending on EAGAIN and
// snoozing between partial sends.
func (f *FD) Send(t *Task, buf []byte) (int, error) {
	return f.sendLoop(t, buf, true)
}

func (f *FD) sendLoop(t *Task, buf []byte, fair bool) (int, error) {
	t.sched.ops++
	if err := f.ensureNonblock(); err != nil {
		return 0, err
	}

	total := 0
	for total < len(buf) {
		n, err := unix.SendmsgN(f.fd, buf[total:], nil, nil, 0)
		switch {
		case err == nil:
			total += n
			if total < len(buf) && fair {
				if serr := t.Snooze(); serr != nil {
					return total, serr
				}
			}
		case retryable(err):
			if werr := t.WaitIO(f.fd, true); werr != nil {
				return total, werr
			}
		case err == unix.EINTR:
		default:
			return total, errno("send", err)
		}
	}
	return total, nil
}

// Accept waits for and accepts one connection on the listening
// socket, returning the connection FD (already non-blocking) and the
// peer address.
func (f *FD) Accept(t *Task) (*FD, unix.Sockaddr, error) {
	t.sched.ops++
	if err := f.ensureNonblock(); err != nil {
		return nil, nil, err
	}

	for {
		nfd, sa, err := unix.Accept4(f.fd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
		switch {
		case err == nil:
			return &FD{fd: nfd, nonblock: true}, sa, nil
		case retryable(err):
			if werr := t.WaitIO(f.fd, false); werr != nil {
				return nil, nil, werr
			}
		case err == unix.EINTR:
		default:
			return nil, nil, errno("accept", err)
		}
	}
}

// Connect starts a connection to sa and suspends until it completes,
// then reports the socket error, if any.
func (f *FD) Connect(t *Task, sa unix.Sockaddr) error {
	t.sched.ops++
	if err := f.ensureNonblock(); err != nil {
		return err
	}

	err := unix.Connect(f.fd, sa)
	for err == unix.EINTR {
		err = unix.Connect(f.fd, sa)
	}
	switch {
	case err == nil:
		return nil
	case err == unix.EINPROGRESS || err == unix.EALREADY:
	default:
		return errno("connect", err)
	}

	if werr := t.WaitIO(f.fd, true); werr != nil {
		return werr
	}

	soerr, err := unix.GetsockoptInt(f.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errno("getsockopt", err)
	}
	if soerr != 0 {
		return errno("connect", unix.Errno(soerr))
	}
	return nil
}

// Writev writes all buffers with vectored I/O, advancing across
// buffer boundaries on partial writes.
func (f *FD) Writev(t *Task, bufs [][]byte) (int, error) {
	t.sched.ops++
	if err := f.ensureNonblock(); err != nil {
		return 0, err
	}

	remaining := make([][]byte, len(bufs))
	copy(remaining, bufs)

	total := 0
	for len(remaining) > 0 {
		n, err := unix.Writev(f.fd, remaining)
		switch {
		case err == nil:
			total += n
			for n > 0 && len(remaining) > 0 {
				if n >= len(remaining[0]) {
					n -= len(remaining[0])
					remaining = remaining[1:]
				} else {
					remaining[0] = remaining[0][n:]
					n = 0
				}
			}
			if len(remaining) > 0 {
				if serr := t.Snooze(); serr != nil {
					return total, serr
				}
			}
		case retryable(err):
			if werr := t.WaitIO(f.fd, true); werr != nil {
				return total, werr
			}
		case err == unix.EINTR:
		default:
			return total, errno("writev", err)
		}
	}
	return total, nil
}

// ChainOp is one step of a Chain batch.
type ChainOp func(t *Task) (int, error)

// ChainWrite queues a full write of buf without fairness snoozes
// between partial progress.
func (f *FD) ChainWrite(buf []byte) ChainOp {
	return func(t *Task) (int, error) { return f.writeLoop(t, buf, false) }
}

// ChainSend queues a full socket send of buf without fairness
// snoozes.
func (f *FD) ChainSend(buf []byte) ChainOp {
	return func(t *Task) (int, error) { return f.sendLoop(t, buf, false) }
}

// Chain executes ops back-to-back without intermediate scheduling,
// failing fast on the first op that errors. Returns total bytes
// transferred.
func Chain(t *Task, ops ...ChainOp) (int, error) {
	total := 0
	for _, op := range ops {
		n, err := op(t)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ChunkWrapper produces the bytes wrapped around one chunk given the
// chunk's length.
type ChunkWrapper func(chunkLen int) []byte

// StaticChunk adapts a fixed buffer to a ChunkWrapper.
func StaticChunk(b []byte) ChunkWrapper {
	return func(int) []byte { return b }
}
