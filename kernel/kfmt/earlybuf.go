package kfmt

import "io"

// earlyBufferSize is the capacity of the early output buffer. It holds the
// boot banner, the driver probe messages and a memory map with room to
// spare; when it fills up the oldest bytes are overwritten.
const earlyBufferSize = 4096

// earlyBuffer keeps the output produced before a console is attached.
type earlyBuffer struct {
	data [earlyBufferSize]byte

	// written counts every byte stored in the buffer and replayed every
	// byte handed to a sink. Both only grow; positions in data are taken
	// modulo earlyBufferSize.
	written, replayed uint64
}

// Write stores p, overwriting the oldest bytes once the buffer is full.
func (b *earlyBuffer) Write(p []byte) (int, error) {
	for _, ch := range p {
		b.data[b.written%earlyBufferSize] = ch
		b.written++
	}
	return len(p), nil
}

// lost returns the number of bytes that were overwritten before they could
// be replayed.
func (b *earlyBuffer) lost() uint64 {
	if pending := b.written - b.replayed; pending > earlyBufferSize {
		return pending - earlyBufferSize
	}
	return 0
}

// WriteTo replays the pending bytes to w, oldest first, using at most two
// writes. Lost bytes are skipped.
func (b *earlyBuffer) WriteTo(w io.Writer) (int64, error) {
	b.replayed += b.lost()

	var total int64
	for b.replayed < b.written {
		start := b.replayed % earlyBufferSize
		end := start + (b.written - b.replayed)
		if end > earlyBufferSize {
			end = earlyBufferSize
		}

		n, err := w.Write(b.data[start:end])
		total += int64(n)
		b.replayed += uint64(n)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}

	return total, nil
}
