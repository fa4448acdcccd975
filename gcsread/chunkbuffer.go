package gcsread

import "io"

// chunkBuffer holds at most one undelivered server chunk plus a read offset
// into it (§3). When stream is non-nil the buffer is on the zero-copy path
// and stream must be released (Close'd) whenever the buffer is invalidated,
// to return pooled memory to the transport.
type chunkBuffer struct {
	bytes      []byte
	readOffset int
	stream     io.Closer
}

// remaining returns how many unconsumed bytes the buffer holds.
func (b *chunkBuffer) remaining() int {
	if b == nil {
		return 0
	}
	return len(b.bytes) - b.readOffset
}

// drain copies up to len(dst) unconsumed bytes into dst, advancing
// readOffset. It never blocks and never fails.
func (b *chunkBuffer) drain(dst []byte) int {
	if b == nil {
		return 0
	}
	n := copy(dst, b.bytes[b.readOffset:])
	b.readOffset += n
	return n
}

// exhausted reports whether every byte of the buffer has been delivered.
func (b *chunkBuffer) exhausted() bool {
	return b == nil || b.readOffset >= len(b.bytes)
}

// invalidate releases the buffer's pooled memory, if any, and clears it.
// Safe to call on a nil receiver and safe to call more than once.
func (b *chunkBuffer) invalidate() {
	if b == nil {
		return
	}
	if b.stream != nil {
		b.stream.Close()
		b.stream = nil
	}
	b.bytes = nil
	b.readOffset = 0
}
