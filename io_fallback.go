//go:build unix && !linux

package coproc

import "io"

// SpliceChunks streams src to dst in chunks of up to chunkSize bytes.
// Without kernel splice support the data is copied through a buffer.
// prefix is written before the first chunk, postfix after the last;
// chunkPrefix and chunkPostfix wrap every chunk (either may be nil).
// Returns the total number of data bytes copied.
func SpliceChunks(t *Task, src, dst *FD, prefix, postfix []byte, chunkPrefix, chunkPostfix ChunkWrapper, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = 64 << 10
	}

	if len(prefix) > 0 {
		if _, err := dst.Write(t, prefix); err != nil {
			return 0, err
		}
	}

	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, err := src.Read(t, buf)
		if err == io.EOF || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return total, err
		}

		if chunkPrefix != nil {
			if _, err := dst.Write(t, chunkPrefix(n)); err != nil {
				return total, err
			}
		}
		if _, err := dst.Write(t, buf[:n]); err != nil {
			return total, err
		}
		if chunkPostfix != nil {
			if _, err := dst.Write(t, chunkPostfix(n)); err != nil {
				return total, err
			}
		}

		total += int64(n)
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
