package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// NDXDone is the sentinel index indicating the end of a generator list. Its
// wire encoding is a single zero byte.
const NDXDone int32 = -1

const (
	// indexShortForm is the leading byte selecting the 3-byte index encoding.
	indexShortForm = 0xFF
	// indexLongForm is the leading byte selecting the 5-byte index encoding.
	indexLongForm = 0xFE
)

// ErrIndexProtocol indicates that a decoded index was negative without being
// the NDXDone sentinel. This is fatal for the session.
var ErrIndexProtocol = errors.New("negative index on wire")

// IndexReader decodes rsync's variable-length index encoding. Indexes are
// usually transmitted as single-byte deltas against the previously decoded
// index; 3-byte and 5-byte absolute forms cover the remaining range. The
// reader is restartable: when insufficient bytes are buffered it rewinds the
// buffer to where the call began and returns ErrShortData.
type IndexReader struct {
	// previous is the previously decoded index, the base for delta decoding.
	previous int32
}

// Read decodes a single index from the buffer.
func (r *IndexReader) Read(b *Buffer) (int32, error) {
	// Mark the buffer so that a short read can be rewound.
	b.Mark()

	// Read the leading byte, which selects the encoding.
	first, ok := b.ReadByte()
	if !ok {
		b.Rewind()
		return 0, ErrShortData
	}

	// A zero leading byte is the end-of-list sentinel.
	if first == 0 {
		return NDXDone, nil
	}

	// Decode the remaining forms.
	var index int32
	switch first {
	case indexShortForm:
		data, ok := b.Next(2)
		if !ok {
			b.Rewind()
			return 0, ErrShortData
		}
		index = int32(binary.LittleEndian.Uint16(data))
	case indexLongForm:
		data, ok := b.Next(4)
		if !ok {
			b.Rewind()
			return 0, ErrShortData
		}
		index = int32(binary.LittleEndian.Uint32(data))
		if index < 0 {
			return 0, ErrIndexProtocol
		}
	default:
		index = r.previous + int32(first)
	}

	// Record the decoded index as the new delta base.
	r.previous = index
	return index, nil
}

// IndexWriter encodes indexes in the inverse of IndexReader's decoding: a
// single-byte delta where the index is within (0, 0xFE) of the previously
// written index, a 3-byte form for values representable in 16 bits, and a
// 5-byte form otherwise.
type IndexWriter struct {
	// previous is the previously written index, the base for delta encoding.
	previous int32
}

// Append appends the encoding of the specified index to the provided slice and
// returns the result. Negative indexes other than NDXDone are rejected.
func (w *IndexWriter) Append(data []byte, index int32) ([]byte, error) {
	// Handle the end-of-list sentinel.
	if index == NDXDone {
		return append(data, 0), nil
	} else if index < 0 {
		return nil, ErrIndexProtocol
	}

	// Prefer the single-byte delta form.
	delta := index - w.previous
	w.previous = index
	if delta > 0 && delta < indexLongForm {
		return append(data, byte(delta)), nil
	}

	// Fall back to an absolute form sized to the value.
	if index <= 0xFFFF {
		data = append(data, indexShortForm)
		return binary.LittleEndian.AppendUint16(data, uint16(index)), nil
	}
	data = append(data, indexLongForm)
	return binary.LittleEndian.AppendUint32(data, uint32(index)), nil
}
