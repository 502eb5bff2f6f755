package wire

// Buffer is an accumulating byte buffer with an explicit read cursor and a
// single mark. It supports the peek/commit discipline needed by restartable
// decoders: a decoder marks the buffer, consumes speculatively, and rewinds to
// the mark if it runs out of data mid-read.
//
// A mark is only valid until the next call to Feed, which may compact the
// underlying storage. Decoders must rewind (or abandon the mark) before
// returning control to the data pump.
type Buffer struct {
	// data is the underlying storage. Bytes before the read cursor have been
	// consumed but not yet discarded.
	data []byte
	// read is the read cursor.
	read int
	// mark is the marked read cursor position.
	mark int
}

// Feed appends data to the buffer, compacting consumed bytes first. The
// provided slice is copied and may be reused by the caller.
func (b *Buffer) Feed(p []byte) {
	// Discard consumed bytes. This invalidates any mark, so reset it to the
	// read cursor.
	if b.read > 0 {
		n := copy(b.data, b.data[b.read:])
		b.data = b.data[:n]
		b.read = 0
	}
	b.mark = 0

	// Append the new data.
	b.data = append(b.data, p...)
}

// Len returns the number of unconsumed bytes in the buffer.
func (b *Buffer) Len() int {
	return len(b.data) - b.read
}

// Mark records the current read cursor for a later Rewind.
func (b *Buffer) Mark() {
	b.mark = b.read
}

// Rewind restores the read cursor to the last mark.
func (b *Buffer) Rewind() {
	b.read = b.mark
}

// IndexOfByte returns the offset (relative to the read cursor) of the first
// occurrence of the specified delimiter within the first limit unconsumed
// bytes, or -1 if the delimiter does not occur there.
func (b *Buffer) IndexOfByte(delimiter byte, limit int) int {
	window := b.data[b.read:]
	if limit < len(window) {
		window = window[:limit]
	}
	for i, c := range window {
		if c == delimiter {
			return i
		}
	}
	return -1
}

// PeekByte returns the byte at the read cursor without consuming it. It
// returns false if the buffer is empty.
func (b *Buffer) PeekByte() (byte, bool) {
	if b.read >= len(b.data) {
		return 0, false
	}
	return b.data[b.read], true
}

// ReadByte consumes and returns the byte at the read cursor. It returns false
// if the buffer is empty.
func (b *Buffer) ReadByte() (byte, bool) {
	if b.read >= len(b.data) {
		return 0, false
	}
	c := b.data[b.read]
	b.read += 1
	return c, true
}

// Next consumes and returns the next n bytes. The returned slice aliases the
// buffer's storage and is only valid until the next call to Feed; callers that
// retain the bytes must copy them. It returns false (and consumes nothing) if
// fewer than n bytes are buffered.
func (b *Buffer) Next(n int) ([]byte, bool) {
	if b.Len() < n {
		return nil, false
	}
	result := b.data[b.read : b.read+n]
	b.read += n
	return result, true
}

// Skip consumes n bytes. It returns false (and consumes nothing) if fewer than
// n bytes are buffered.
func (b *Buffer) Skip(n int) bool {
	if b.Len() < n {
		return false
	}
	b.read += n
	return true
}

// Bytes returns the unconsumed bytes without consuming them. The returned
// slice aliases the buffer's storage and is only valid until the next call to
// Feed.
func (b *Buffer) Bytes() []byte {
	return b.data[b.read:]
}
