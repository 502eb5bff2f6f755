package wire

import (
	"github.com/mirrorpoint/mirrorpoint/pkg/logging"
)

// MessageType represents a multiplex channel tag.
type MessageType uint8

const (
	// MessageTypeData tags ordinary protocol data.
	MessageTypeData MessageType = 0
	// MessageTypeErrorXfer tags transfer errors.
	MessageTypeErrorXfer MessageType = 1
	// MessageTypeInfo tags informational messages.
	MessageTypeInfo MessageType = 2
	// MessageTypeError tags fatal errors.
	MessageTypeError MessageType = 3
)

const (
	// multiplexTagOffset is the offset added to tags in multiplex headers.
	multiplexTagOffset = 7
	// MaximumPayloadLength is the largest payload representable in a multiplex
	// header's 24-bit length field.
	MaximumPayloadLength = 1<<24 - 1
)

// MultiplexHeader computes the 4-byte multiplex header value for the specified
// tag and payload length: the tag (offset by 7) occupies the top byte and the
// length the low 24 bits. The header is transmitted little-endian.
func MultiplexHeader(tag MessageType, length int) uint32 {
	return uint32(length) | (uint32(tag)+multiplexTagOffset)<<24
}

// MultiplexDecoder unpacks the tag/length framing applied to the inbound
// stream once an rsync session completes argument transfer. Data payloads are
// passed downstream for further parsing; error and informational payloads
// produce log events and are otherwise dropped.
type MultiplexDecoder struct {
	// logger is the decoder's logger.
	logger *logging.Logger
}

// NewMultiplexDecoder creates a new multiplex decoder.
func NewMultiplexDecoder(logger *logging.Logger) *MultiplexDecoder {
	return &MultiplexDecoder{logger: logger}
}

// Decode drains as many complete frames as possible from the raw buffer,
// appending data payloads to the out buffer. It stops (with the raw buffer
// rewound to a frame boundary) when fewer than four header bytes are buffered
// or a declared payload has not fully arrived.
func (d *MultiplexDecoder) Decode(raw, out *Buffer) {
	for {
		// Read the next header, rewinding if it's incomplete.
		raw.Mark()
		header, ok := ReadLEUint32(raw)
		if !ok {
			raw.Rewind()
			return
		}
		tag := int(header>>24) - multiplexTagOffset
		length := int(header & 0xFFFFFF)

		// Read the payload, rewinding to the frame boundary if it hasn't fully
		// arrived.
		payload, ok := raw.Next(length)
		if !ok {
			raw.Rewind()
			return
		}

		// Route the payload by tag.
		switch MessageType(tag) {
		case MessageTypeData:
			out.Feed(payload)
		case MessageTypeErrorXfer:
			d.logger.Errorf("peer transfer error: %s", payload)
		case MessageTypeInfo:
			d.logger.Infof("peer: %s", payload)
		case MessageTypeError:
			d.logger.Errorf("peer error: %s", payload)
		default:
			d.logger.Debugf("dropping multiplex frame with tag %d (%d bytes)", tag, length)
		}
	}
}
