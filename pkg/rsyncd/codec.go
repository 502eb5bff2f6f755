package rsyncd

import (
	"fmt"
	"io"
	"net"

	"github.com/pkg/errors"

	"github.com/mirrorpoint/mirrorpoint/pkg/logging"
	"github.com/mirrorpoint/mirrorpoint/pkg/rsyncd/message"
	"github.com/mirrorpoint/mirrorpoint/pkg/rsyncd/wire"
)

// sessionState represents a position in the session's decode state machine.
type sessionState uint8

const (
	// stateHandshake expects the client's version announcement.
	stateHandshake sessionState = iota
	// stateCommand expects the module selection line.
	stateCommand
	// stateArguments expects NUL-terminated argument tokens.
	stateArguments
	// stateFilterList expects length-prefixed filter rules.
	stateFilterList
	// stateSendFiles expects generator requests.
	stateSendFiles
)

const (
	// handshakeSizeCap is the maximum handshake line length, delimiter
	// inclusive.
	handshakeSizeCap = 16
	// commandSizeCap is the maximum command line length, delimiter inclusive.
	commandSizeCap = 40
	// argumentSizeCap is the maximum argument token length, delimiter
	// inclusive.
	argumentSizeCap = 128
	// maximumArguments is the maximum number of argument tokens accepted.
	maximumArguments = 20
)

// ErrSessionClosed indicates that the session has terminated and that the
// connection should be (or has been) closed. Any peer-visible diagnostic has
// already been written by the time this error is returned.
var ErrSessionClosed = errors.New("session closed")

// SessionCodec converts between the rsync daemon byte stream and wire
// messages. It is duplex: Decode consumes inbound bytes into messages and
// Encode serializes outbound messages onto the connection. Decoding is
// state-driven and never blocks; when buffered input is insufficient to make
// progress it simply stops until more data is fed.
//
// A codec is owned by a single connection goroutine and requires no locking.
type SessionCodec struct {
	// writer is the outbound byte stream.
	writer io.Writer
	// logger is the session's logger.
	logger *logging.Logger
	// state is the current decode state.
	state sessionState
	// multiplexing indicates whether outbound framing is multiplexed. Inbound
	// framing engages separately, on entry into the filter list state.
	multiplexing bool
	// closed latches session termination. Once set, Decode is a no-op.
	closed bool
	// raw accumulates inbound bytes ahead of the multiplex decoder once it has
	// been engaged.
	raw wire.Buffer
	// in accumulates the bytes visible to the state machine.
	in wire.Buffer
	// demux is the inbound multiplex decoder, nil until engaged.
	demux *wire.MultiplexDecoder
	// indexReader decodes generator indexes.
	indexReader wire.IndexReader
	// generator is the partially constructed generator message, if any.
	generator *message.Generator
	// arguments accumulates argument tokens.
	arguments []string
	// filters accumulates filter rules.
	filters []string
}

// NewSessionCodec creates a session codec writing to the specified stream. The
// codec begins in the handshake state with multiplexing disengaged.
func NewSessionCodec(writer io.Writer, logger *logging.Logger) *SessionCodec {
	return &SessionCodec{
		writer: writer,
		logger: logger,
	}
}

// Multiplexing returns whether or not outbound multiplex framing is engaged.
func (c *SessionCodec) Multiplexing() bool {
	return c.multiplexing
}

// writeRaw writes a string to the connection without any framing. It is used
// for pre-multiplex diagnostics.
func (c *SessionCodec) writeRaw(text string) {
	if _, err := io.WriteString(c.writer, text); err != nil {
		c.logger.Debugf("unable to write diagnostic: %v", err)
	}
}

// fail writes a peer-visible "@ERROR: " diagnostic and latches the session
// closed.
func (c *SessionCodec) fail(diagnostic string) error {
	c.writeRaw("@ERROR: " + diagnostic + "\n")
	c.closed = true
	return ErrSessionClosed
}

// Decode feeds inbound bytes to the session state machine and returns the
// messages decoded so far, in arrival order. The result is independent of how
// the stream is chunked across calls. A terminal condition is reported as
// ErrSessionClosed after any peer-visible diagnostic has been written; the
// caller should close the connection. Subsequent calls on a closed codec are
// no-ops.
func (c *SessionCodec) Decode(data []byte) ([]message.Message, error) {
	// Treat post-close reads as no-ops.
	if c.closed {
		return nil, ErrSessionClosed
	}

	// Route the bytes through the multiplex decoder if it's engaged.
	if c.demux != nil {
		c.raw.Feed(data)
		c.demux.Decode(&c.raw, &c.in)
	} else {
		c.in.Feed(data)
	}

	// Run the state machine until it can no longer make progress.
	var out []message.Message
	for {
		progressed, err := c.step(&out)
		if err != nil {
			c.closed = true
			return out, err
		} else if !progressed {
			return out, nil
		}
	}
}

// step makes a single state machine transition attempt, appending any decoded
// message to out. It returns false when buffered input is insufficient.
func (c *SessionCodec) step(out *[]message.Message) (bool, error) {
	switch c.state {
	case stateHandshake:
		return c.stepHandshake(out)
	case stateCommand:
		return c.stepCommand(out)
	case stateArguments:
		return c.stepArguments(out)
	case stateFilterList:
		return c.stepFilterList(out)
	case stateSendFiles:
		return c.stepSendFiles(out)
	default:
		return false, errors.Errorf("session in impossible state %d", c.state)
	}
}

// stepHandshake processes the client's version announcement. The state always
// advances to the command state once an arrival has been processed, even on
// failure, to avoid wedging the session; failures close the connection anyway.
func (c *SessionCodec) stepHandshake(out *[]message.Message) (bool, error) {
	line, err := wire.DelineatedString(&c.in, handshakeSizeCap, '\n')
	if err == wire.ErrShortData {
		return false, nil
	}
	c.state = stateCommand
	if err == wire.ErrFramingOverflow {
		return false, c.fail("protocol startup error")
	}

	handshake, err := message.ParseHandshake(line)
	if err != nil {
		return false, c.fail(err.Error())
	}
	c.logger.Debugf("handshake received: %d.%d", handshake.Major, handshake.Minor)
	*out = append(*out, handshake)
	return true, nil
}

// stepCommand processes the module selection line.
func (c *SessionCodec) stepCommand(out *[]message.Message) (bool, error) {
	line, err := wire.DelineatedString(&c.in, commandSizeCap, '\n')
	if err == wire.ErrShortData {
		return false, nil
	}
	c.state = stateArguments
	if err == wire.ErrFramingOverflow {
		return false, c.fail("protocol startup error")
	}

	c.logger.Debugf("command received: %s", line)
	*out = append(*out, &message.Command{Name: line})
	return true, nil
}

// stepArguments processes NUL-terminated argument tokens. Outbound
// multiplexing engages as soon as this state is entered with data; inbound
// multiplex decoding engages only once the empty terminating token arrives.
func (c *SessionCodec) stepArguments(out *[]message.Message) (bool, error) {
	if c.in.Len() == 0 {
		return false, nil
	}
	c.multiplexing = true

	argument, err := wire.DelineatedString(&c.in, argumentSizeCap, 0)
	if err == wire.ErrShortData {
		return false, nil
	} else if err == wire.ErrFramingOverflow {
		return false, c.fail("argument too long")
	}

	if argument == "" {
		c.logger.Debugf("arguments received: %v", c.arguments)
		*out = append(*out, &message.Arguments{Arguments: c.arguments})

		// Engage multiplex decoding of input. Bytes already buffered beyond
		// the terminating token are multiplex-framed, so they shift into the
		// raw buffer and pass through the decoder.
		c.demux = wire.NewMultiplexDecoder(c.logger)
		remainder := append([]byte(nil), c.in.Bytes()...)
		c.in = wire.Buffer{}
		c.raw.Feed(remainder)
		c.demux.Decode(&c.raw, &c.in)
		c.logger.Debug("multiplexing mode engaged")

		c.state = stateFilterList
		return true, nil
	}

	c.arguments = append(c.arguments, argument)
	if len(c.arguments) > maximumArguments {
		return false, c.fail("argument list too long")
	}
	return true, nil
}

// stepFilterList processes length-prefixed filter rules. A zero length
// terminates the list. Filter semantics are not enforced here; rules pass
// upward untouched.
func (c *SessionCodec) stepFilterList(out *[]message.Message) (bool, error) {
	c.in.Mark()
	length, ok := wire.ReadLEUint32(&c.in)
	if !ok {
		c.in.Rewind()
		return false, nil
	}

	if length == 0 {
		*out = append(*out, &message.Filters{Filters: c.filters})
		c.state = stateSendFiles
		return true, nil
	}

	payload, ok := c.in.Next(int(length))
	if !ok {
		c.in.Rewind()
		return false, nil
	}
	filter := string(payload)
	c.logger.Debugf("received filter rule: %s", filter)
	c.filters = append(c.filters, filter)
	return true, nil
}

// stepSendFiles processes generator requests: an index (possibly the
// end-of-list sentinel) followed by a checksum request accumulated across
// calls.
func (c *SessionCodec) stepSendFiles(out *[]message.Message) (bool, error) {
	if c.generator == nil {
		index, err := c.indexReader.Read(&c.in)
		if err == wire.ErrShortData {
			return false, nil
		} else if err != nil {
			return false, errors.Wrap(err, "unable to read generator index")
		}

		if index == wire.NDXDone {
			*out = append(*out, &message.ListDone{})
			return true, nil
		}
		c.generator = message.NewGenerator(index)
	}

	if c.generator.ConstructWithBytes(&c.in) {
		*out = append(*out, c.generator)
		c.generator = nil
		return true, nil
	}
	return false, nil
}

// Encode serializes an outbound message onto the connection. When outbound
// multiplexing is engaged, data-bearing messages are prefixed with a 4-byte
// little-endian multiplex header; the header and payload are submitted as a
// vectored write rather than concatenated into a fresh allocation. Unknown
// message kinds are an error; the caller should close the connection.
func (c *SessionCodec) Encode(msg message.Message) error {
	switch m := msg.(type) {
	case *message.Handshake:
		return c.write(fmt.Appendf(nil, "@RSYNCD: %d.%d\n", m.Major, m.Minor))
	case *message.Setup:
		data := make([]byte, 0, 5)
		data = append(data, m.Flags)
		data = wire.AppendLEUint32(data, m.Seed)
		return c.write(data)
	case *message.Response:
		if c.multiplexing {
			return c.writeMultiplexed(wire.MessageTypeError, []byte(m.Text))
		}
		return c.write([]byte(m.Text))
	case *message.Protocol:
		if c.multiplexing {
			return c.writeMultiplexed(wire.MessageTypeData, m.Data)
		}
		return c.write(m.Data)
	case *message.Error:
		if c.multiplexing {
			return c.writeMultiplexed(wire.MessageType(m.Code), []byte(m.Text+"\n"))
		}
		return c.write([]byte("@ERROR: " + m.Text + "\n"))
	default:
		return errors.Errorf("unknown wire message type %T", msg)
	}
}

// write transmits raw bytes.
func (c *SessionCodec) write(data []byte) error {
	if _, err := c.writer.Write(data); err != nil {
		return errors.Wrap(err, "unable to write message")
	}
	return nil
}

// writeMultiplexed transmits a payload under multiplex framing, splitting it
// into multiple frames if it exceeds the 24-bit frame length limit.
func (c *SessionCodec) writeMultiplexed(tag wire.MessageType, payload []byte) error {
	for {
		frame := payload
		if len(frame) > wire.MaximumPayloadLength {
			frame = frame[:wire.MaximumPayloadLength]
		}
		payload = payload[len(frame):]

		header := wire.AppendLEUint32(make([]byte, 0, 4), wire.MultiplexHeader(tag, len(frame)))
		buffers := net.Buffers{header, frame}
		if _, err := buffers.WriteTo(c.writer); err != nil {
			return errors.Wrap(err, "unable to write multiplexed frame")
		}

		if len(payload) == 0 {
			return nil
		}
	}
}
