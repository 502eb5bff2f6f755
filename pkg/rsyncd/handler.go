package rsyncd

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mirrorpoint/mirrorpoint/pkg/logging"
	"github.com/mirrorpoint/mirrorpoint/pkg/protocol"
	"github.com/mirrorpoint/mirrorpoint/pkg/rsyncd/message"
	"github.com/mirrorpoint/mirrorpoint/pkg/rsyncd/wire"
)

const (
	// protocolMajor is the daemon's announced major protocol version.
	protocolMajor = 30
	// protocolMinor is the daemon's announced minor protocol version.
	protocolMinor = 0
	// minimumClientMajor is the oldest client major version served.
	minimumClientMajor = 27
	// maximumClientMajor is the newest client major version served.
	maximumClientMajor = 31
)

// errSessionComplete indicates that a session finished cleanly and that the
// connection should be closed without a diagnostic.
var errSessionComplete = errors.New("session complete")

// sessionHandler drives a single connection's protocol exchange above the
// codec: version negotiation, module selection, setup, file-list
// transmission, and the generator/sender loop over precomputed snapshot data.
type sessionHandler struct {
	// codec is the session's codec.
	codec *SessionCodec
	// modules maps module names to modules.
	modules map[string]protocol.Module
	// order lists modules in listing order.
	order []protocol.Module
	// logger is the session's logger.
	logger *logging.Logger
	// version is the negotiated protocol major version.
	version uint32
	// module is the selected module, nil until a command arrives.
	module protocol.Module
	// recursive indicates whether or not the client requested recursion.
	recursive bool
	// requestPath is the client's requested path within the module.
	requestPath string
	// list is the file list captured for this session. It remains valid even
	// if the module publishes a newer snapshot mid-session.
	list *protocol.FileList
}

// newSessionHandler creates a handler for a single session.
func newSessionHandler(codec *SessionCodec, modules []protocol.Module, logger *logging.Logger) *sessionHandler {
	byName := make(map[string]protocol.Module, len(modules))
	for _, module := range modules {
		byName[module.Name()] = module
	}
	return &sessionHandler{
		codec:   codec,
		modules: byName,
		order:   modules,
		logger:  logger,
	}
}

// Begin sends the daemon's greeting.
func (h *sessionHandler) Begin() error {
	return h.codec.Encode(&message.Handshake{Major: protocolMajor, Minor: protocolMinor})
}

// Handle processes a single decoded message. It returns errSessionComplete on
// clean session completion and other errors on terminal failures; in both
// cases the caller should close the connection.
func (h *sessionHandler) Handle(msg message.Message) error {
	switch m := msg.(type) {
	case *message.Handshake:
		return h.handleHandshake(m)
	case *message.Command:
		return h.handleCommand(m)
	case *message.Arguments:
		return h.handleArguments(m)
	case *message.Filters:
		return h.handleFilters(m)
	case *message.Generator:
		return h.handleGenerator(m)
	case *message.ListDone:
		return h.handleListDone(m)
	default:
		return errors.Errorf("unexpected message type %T", msg)
	}
}

// handleHandshake negotiates the protocol version.
func (h *sessionHandler) handleHandshake(m *message.Handshake) error {
	if m.Major < minimumClientMajor || m.Major > maximumClientMajor {
		h.codec.Encode(&message.Error{
			Code: uint8(wire.MessageTypeError),
			Text: fmt.Sprintf("protocol version %d is not supported", m.Major),
		})
		return ErrSessionClosed
	}
	h.version = m.Major
	if h.version > protocolMajor {
		h.version = protocolMajor
	}
	h.logger.Debugf("negotiated protocol version %d", h.version)
	return nil
}

// handleCommand resolves the module selection line. An empty command or
// "#list" requests the module listing.
func (h *sessionHandler) handleCommand(m *message.Command) error {
	name := strings.TrimSpace(m.Name)
	if name == "" || name == "#list" {
		var listing strings.Builder
		for _, module := range h.order {
			fmt.Fprintf(&listing, "%-15s\t%s\n", module.Name(), module.Description())
		}
		listing.WriteString("@RSYNCD: EXIT\n")
		if err := h.codec.Encode(&message.Response{Text: listing.String()}); err != nil {
			return err
		}
		return errSessionComplete
	}

	module, ok := h.modules[name]
	if !ok {
		h.codec.Encode(&message.Error{
			Code: uint8(wire.MessageTypeError),
			Text: fmt.Sprintf("unknown module '%s'", name),
		})
		return ErrSessionClosed
	}
	h.module = module
	return h.codec.Encode(&message.Response{Text: "@RSYNCD: OK\n"})
}

// handleArguments records the transfer request and sends the setup exchange.
func (h *sessionHandler) handleArguments(m *message.Arguments) error {
	if h.module == nil {
		return errors.New("arguments received before module selection")
	}

	// Extract the recursion flag and the requested path from the server-side
	// argument convention: option tokens, a lone dot, then the request path.
	h.requestPath = h.module.Name()
	for _, argument := range m.Arguments {
		if argument == "." || argument == "" {
			continue
		} else if strings.HasPrefix(argument, "--") {
			continue
		} else if strings.HasPrefix(argument, "-") {
			if strings.ContainsRune(argument, 'r') {
				h.recursive = true
			}
			continue
		}
		h.requestPath = argument
	}
	h.logger.Debugf("request for %s (recursive=%t)", h.requestPath, h.recursive)

	// Send the setup exchange: compatibility flags and the checksum seed. The
	// seed is emitted for the protocol's sake; this daemon performs no
	// credential checking.
	return h.codec.Encode(&message.Setup{Flags: 0, Seed: uint32(time.Now().Unix())})
}

// handleFilters resolves the requested path against the module and transmits
// the file list.
func (h *sessionHandler) handleFilters(m *message.Filters) error {
	if len(m.Filters) > 0 {
		h.logger.Debugf("ignoring %d filter rules", len(m.Filters))
	}

	list, err := h.module.FileList(h.requestPath, h.recursive)
	if err != nil {
		if protocol.IsNoSuchPath(err) {
			h.codec.Encode(&message.Error{
				Code: uint8(wire.MessageTypeError),
				Text: fmt.Sprintf("unknown path %q in module %q", h.requestPath, h.module.Name()),
			})
			return ErrSessionClosed
		}
		return errors.Wrap(err, "unable to resolve file list")
	}
	h.list = list

	h.logger.Debugf("sending file list for %s (%d entries)", list.Root(), list.Size())
	return h.codec.Encode(&message.Protocol{Data: EncodeFileList(list)})
}

// handleGenerator transmits the precomputed transfer payload for a requested
// file index.
func (h *sessionHandler) handleGenerator(m *message.Generator) error {
	if h.list == nil {
		return errors.New("generator request before file list")
	}

	file, ok := h.list.File(int(m.Index))
	if !ok {
		return errors.Errorf("generator index %d out of range", m.Index)
	}
	if file.IsDirectory() {
		h.logger.Debugf("ignoring generator request for directory %s", file.Name())
		return nil
	}
	return h.codec.Encode(&message.Protocol{Data: EncodeTransfer(m.Index, file)})
}

// handleListDone finishes the transfer phase: the end-of-phase markers are
// sent and the session completes.
func (h *sessionHandler) handleListDone(*message.ListDone) error {
	// The generator list has ended; echo the end-of-list sentinel for the
	// transfer and final phases.
	if err := h.codec.Encode(&message.Protocol{Data: []byte{0}}); err != nil {
		return err
	} else if err = h.codec.Encode(&message.Protocol{Data: []byte{0}}); err != nil {
		return err
	}
	return errSessionComplete
}
