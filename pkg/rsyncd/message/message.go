package message

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/mirrorpoint/mirrorpoint/pkg/rsyncd/wire"
)

// Message is the interface implemented by all wire messages exchanged across
// the codec boundary.
type Message interface {
	// message is a marker method restricting the interface to this package's
	// types.
	message()
}

// Handshake carries a protocol version announcement.
type Handshake struct {
	// Major is the major protocol version.
	Major uint32
	// Minor is the minor protocol version.
	Minor uint32
}

// IncompatibleVersionError indicates a handshake whose version cannot be
// served. Its text is peer-visible.
type IncompatibleVersionError struct {
	// Announced is the peer's announced handshake line.
	Announced string
}

// Error implements error.
func (e *IncompatibleVersionError) Error() string {
	return fmt.Sprintf("incompatible version announcement %q", e.Announced)
}

// ParseHandshake parses a client version announcement of the form
// "@RSYNCD: <major>.<minor>".
func ParseHandshake(line string) (*Handshake, error) {
	version, ok := strings.CutPrefix(line, "@RSYNCD: ")
	if !ok {
		return nil, errors.New("protocol startup error")
	}
	majorText, minorText, ok := strings.Cut(version, ".")
	if !ok {
		return nil, &IncompatibleVersionError{Announced: line}
	}
	major, err := strconv.ParseUint(majorText, 10, 32)
	if err != nil {
		return nil, &IncompatibleVersionError{Announced: line}
	}
	minor, err := strconv.ParseUint(minorText, 10, 32)
	if err != nil {
		return nil, &IncompatibleVersionError{Announced: line}
	}
	return &Handshake{Major: uint32(major), Minor: uint32(minor)}, nil
}

// Command carries the module selection line.
type Command struct {
	// Name is the raw command text, usually a module name.
	Name string
}

// Arguments carries the completed argument list.
type Arguments struct {
	// Arguments are the received arguments, in arrival order.
	Arguments []string
}

// Filters carries the completed filter list.
type Filters struct {
	// Filters are the received filter rules, in arrival order. Filter
	// semantics are not interpreted here.
	Filters []string
}

// Generator carries a single generator request: a file index followed by a
// block checksum request for that file. The payload is accumulated across
// decoder invocations, so a Generator value may be held by the codec in a
// partially constructed state.
type Generator struct {
	// Index is the requested file's index in the transmitted file list.
	Index int32
	// payload is the accumulated checksum request.
	payload []byte
	// want is the total payload length, or -1 until the fixed header has
	// arrived and the length is known.
	want int
}

// NewGenerator creates a generator message for the specified index with an
// empty payload.
func NewGenerator(index int32) *Generator {
	return &Generator{Index: index, want: -1}
}

// generatorHeaderLength is the length of the fixed portion of a checksum
// request: four little-endian u32 values (block count, block length,
// strong-sum length, remainder length).
const generatorHeaderLength = 16

// ConstructWithBytes consumes bytes from the buffer into the payload. It
// returns true once the payload is complete. The checksum request's fixed
// header determines the total length: count blocks of (4 + strongLen) bytes
// each follow the header.
func (g *Generator) ConstructWithBytes(b *wire.Buffer) bool {
	// Accumulate the fixed header and derive the total length from it.
	if g.want < 0 {
		take := generatorHeaderLength - len(g.payload)
		if take > b.Len() {
			take = b.Len()
		}
		data, _ := b.Next(take)
		g.payload = append(g.payload, data...)
		if len(g.payload) < generatorHeaderLength {
			return false
		}
		count := binary.LittleEndian.Uint32(g.payload[0:4])
		strongLength := binary.LittleEndian.Uint32(g.payload[8:12])
		g.want = generatorHeaderLength + int(count)*(4+int(strongLength))
	}

	// Accumulate the block checksums.
	if remaining := g.want - len(g.payload); remaining > 0 {
		take := remaining
		if take > b.Len() {
			take = b.Len()
		}
		data, _ := b.Next(take)
		g.payload = append(g.payload, data...)
	}
	return len(g.payload) == g.want
}

// Payload returns the accumulated checksum request.
func (g *Generator) Payload() []byte {
	return g.payload
}

// BlockCount returns the block count from a completed checksum request.
func (g *Generator) BlockCount() uint32 {
	if len(g.payload) < generatorHeaderLength {
		return 0
	}
	return binary.LittleEndian.Uint32(g.payload[0:4])
}

// ListDone indicates the end of the generator's request list.
type ListDone struct{}

// Setup carries the session setup exchange: a compatibility flags byte and the
// checksum challenge seed.
type Setup struct {
	// Flags are the compatibility flags.
	Flags uint8
	// Seed is the checksum seed.
	Seed uint32
}

// Response carries response text transmitted verbatim (module listings,
// "@RSYNCD: OK", and similar).
type Response struct {
	// Text is the response text.
	Text string
}

// Protocol carries an opaque payload produced by the transfer encoding.
type Protocol struct {
	// Data is the payload.
	Data []byte
}

// Error carries a peer-visible error. When multiplexing, Code selects the
// multiplex tag; before multiplexing, the text is sent as an "@ERROR: " line.
type Error struct {
	// Code is the multiplex tag used once multiplexing is engaged.
	Code uint8
	// Text is the error text.
	Text string
}

func (*Handshake) message() {}
func (*Command) message()   {}
func (*Arguments) message() {}
func (*Filters) message()   {}
func (*Generator) message() {}
func (*ListDone) message()  {}
func (*Setup) message()     {}
func (*Response) message()  {}
func (*Protocol) message()  {}
func (*Error) message()     {}
