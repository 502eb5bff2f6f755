package rsyncd

import (
	"context"
	"net"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/net/netutil"

	"github.com/mirrorpoint/mirrorpoint/pkg/logging"
	"github.com/mirrorpoint/mirrorpoint/pkg/protocol"
)

// readBufferSize is the size of the per-connection read buffer.
const readBufferSize = 32 * 1024

// Server is the rsync daemon's TCP front end. It implements suture.Service.
type Server struct {
	// listen is the TCP listen address.
	listen string
	// connectionLimit is the maximum number of concurrent connections.
	connectionLimit int
	// modules are the served modules, in listing order.
	modules []protocol.Module
	// logger is the server's logger.
	logger *logging.Logger
}

// NewServer creates a server serving the specified modules.
func NewServer(listen string, connectionLimit int, modules []protocol.Module, logger *logging.Logger) *Server {
	return &Server{
		listen:          listen,
		connectionLimit: connectionLimit,
		modules:         modules,
		logger:          logger,
	}
}

// Serve runs the accept loop until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	// Create the listener, bounded to the configured connection limit.
	listener, err := net.Listen("tcp", s.listen)
	if err != nil {
		return errors.Wrap(err, "unable to create listener")
	}
	limited := netutil.LimitListener(listener, s.connectionLimit)

	// Unblock the accept loop on cancellation.
	go func() {
		<-ctx.Done()
		limited.Close()
	}()

	s.logger.Infof("listening on %s (%d modules)", s.listen, len(s.modules))
	for {
		connection, err := limited.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "unable to accept connection")
		}
		go s.serveConnection(connection)
	}
}

// serveConnection drives a single connection: it pumps inbound bytes through
// the session codec and dispatches decoded messages to the session handler.
// All session state is confined to this goroutine.
func (s *Server) serveConnection(connection net.Conn) {
	defer connection.Close()

	// Create the session's logger, codec, and handler. Sessions are labeled
	// for log correlation.
	logger := s.logger.Sublogger(uuid.NewString()[:8])
	logger.Debugf("connection from %s", connection.RemoteAddr())
	codec := NewSessionCodec(connection, logger)
	handler := newSessionHandler(codec, s.modules, logger)

	// Send the daemon greeting.
	if err := handler.Begin(); err != nil {
		logger.Error(errors.Wrap(err, "unable to send greeting"))
		return
	}

	// Pump the connection.
	buffer := make([]byte, readBufferSize)
	for {
		n, err := connection.Read(buffer)
		if n > 0 {
			messages, decodeErr := codec.Decode(buffer[:n])
			for _, msg := range messages {
				if handleErr := handler.Handle(msg); handleErr == errSessionComplete {
					logger.Debug("session complete")
					return
				} else if handleErr != nil {
					if handleErr != ErrSessionClosed {
						logger.Error(errors.Wrap(handleErr, "session failed"))
					}
					return
				}
			}
			if decodeErr != nil {
				if decodeErr != ErrSessionClosed {
					logger.Error(errors.Wrap(decodeErr, "decode failed"))
				}
				return
			}
		}
		if err != nil {
			logger.Debugf("connection closed: %v", err)
			return
		}
	}
}
