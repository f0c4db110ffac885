//go:build linux

package coproc

import (
	"golang.org/x/sys/unix"
)

// SpliceTo moves up to maxLen bytes from f to dst in kernel space.
// Returns 0 at EOF. On EAGAIN it first waits for f to become
// readable, then for dst to become writable.
func (f *FD) SpliceTo(t *Task, dst *FD, maxLen int) (int64, error) {
	t.sched.ops++
	if err := f.ensureNonblock(); err != nil {
		return 0, err
	}
	if err := dst.ensureNonblock(); err != nil {
		return 0, err
	}

	waitWrite := false
	for {
		n, err := unix.Splice(f.fd, nil, dst.fd, nil, maxLen, unix.SPLICE_F_MOVE)
		switch {
		case err == nil:
			return n, nil
		case retryable(err):
			if waitWrite {
				if werr := t.WaitIO(dst.fd, true); werr != nil {
					return 0, werr
				}
			} else {
				if werr := t.WaitIO(f.fd, false); werr != nil {
					return 0, werr
				}
			}
			waitWrite = !waitWrite
		case err == unix.EINTR:
		default:
			return 0, errno("splice", err)
		}
	}
}

// ChainSpliceTo queues a single kernel splice of up to maxLen bytes
// from f to dst for use in a Chain batch.
func (f *FD) ChainSpliceTo(dst *FD, maxLen int) ChainOp {
	return func(t *Task) (int, error) {
		n, err := f.SpliceTo(t, dst, maxLen)
		return int(n), err
	}
}

// spliceFull drains exactly want bytes from f to dst; used for the
// pipe leg of SpliceChunks where the byte count is known.
func (f *FD) spliceFull(t *Task, dst *FD, want int64) (int64, error) {
	var total int64
	for total < want {
		n, err := f.SpliceTo(t, dst, int(want-total))
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
	return total, nil
}

// SpliceChunks streams src to dst in chunks of up to chunkSize bytes,
// routed zero-copy through a pipe pair. prefix is written before the
// first chunk, postfix after the last; chunkPrefix and chunkPostfix
// wrap every chunk (either may be nil). Returns the total number of
// data bytes spliced.
func SpliceChunks(t *Task, src, dst *FD, prefix, postfix []byte, chunkPrefix, chunkPostfix ChunkWrapper, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = 64 << 10
	}

	var pipefds [2]int
	if err := unix.Pipe2(pipefds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return 0, errno("pipe2", err)
	}
	pr := &FD{fd: pipefds[0], nonblock: true}
	pw := &FD{fd: pipefds[1], nonblock: true}
	defer pr.Close()
	defer pw.Close()

	if len(prefix) > 0 {
		if _, err := dst.Write(t, prefix); err != nil {
			return 0, err
		}
	}

	var total int64
	for {
		n, err := src.SpliceTo(t, pw, chunkSize)
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}

		if chunkPrefix != nil {
			if _, err := dst.Write(t, chunkPrefix(int(n))); err != nil {
				return total, err
			}
		}
		if _, err := pr.spliceFull(t, dst, n); err != nil {
			return total, err
		}
		if chunkPostfix != nil {
			if _, err := dst.Write(t, chunkPostfix(int(n))); err != nil {
				return total, err
			}
		}

		total += n
		if err := t.Snooze(); err != nil {
			return total, err
		}
	}

	if len(postfix) > 0 {
		if _, err := dst.Write(t, postfix); err != nil {
			return total, err
		}
	}
	return total, nil
}
