package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrShortData is a sentinel error indicating that a decoder needs more data
// before it can make progress. It is always returned with the buffer rewound
// to the position at which the decode attempt began.
var ErrShortData = errors.New("short data")

// ErrFramingOverflow indicates that a delimited token exceeded its size cap.
var ErrFramingOverflow = errors.New("delimited token exceeds size cap")

// DelineatedString scans the buffer for the specified delimiter within the
// first sizeCap unconsumed bytes. If the delimiter is found, the preceding
// bytes and the delimiter are consumed and the prefix is returned as a string.
// If the delimiter is not found and fewer than sizeCap bytes are buffered,
// ErrShortData is returned and nothing is consumed. If the delimiter is not
// found within the first sizeCap bytes of a sufficiently full buffer,
// ErrFramingOverflow is returned. The size cap is inclusive of the delimiter.
func DelineatedString(b *Buffer, sizeCap int, delimiter byte) (string, error) {
	// Search for the delimiter within the capped window.
	index := b.IndexOfByte(delimiter, sizeCap)
	if index < 0 {
		if b.Len() >= sizeCap {
			return "", ErrFramingOverflow
		}
		return "", ErrShortData
	}

	// Consume the token and the delimiter. Both reads are guaranteed to
	// succeed since the delimiter was found in the buffer.
	token, _ := b.Next(index)
	result := string(token)
	b.Skip(1)

	// Success.
	return result, nil
}

// ReadLEUint32 consumes four bytes from the buffer and decodes them as a
// little-endian unsigned 32-bit integer. The rsync wire protocol is
// little-endian throughout, unlike most network protocols, so all multi-byte
// reads must pass through here. It returns false (and consumes nothing) if
// fewer than four bytes are buffered.
func ReadLEUint32(b *Buffer) (uint32, bool) {
	data, ok := b.Next(4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(data), true
}

// AppendLEUint32 appends the little-endian encoding of the specified value to
// the provided slice and returns the result.
func AppendLEUint32(data []byte, value uint32) []byte {
	return binary.LittleEndian.AppendUint32(data, value)
}
