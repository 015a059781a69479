package quic

import (
	"io"
	"net"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/goburrow/quic/transport"
)

// Server accepts inbound connections on one UDP socket: every datagram
// that does not match an existing connection's SCID and looks like a
// client Initial mints a fresh transport.Conn via transport.Accept.
type Server struct {
	config       *Config
	registration *Registration
	binding      *Binding
	worker       *Worker
	handler      Handler
	logger       *zap.Logger

	qlogLevel  logLevel
	qlogWriter io.Writer
}

// NewServer creates a Server from config, filling in any unset defaults.
func NewServer(config *Config) *Server {
	if config == nil {
		config = newDefaultConfig()
	} else {
		config.SetDefaults()
		if config.CIDLength == 0 {
			config.CIDLength = 8
		}
		if config.WorkerCount == 0 {
			config.WorkerCount = 1
		}
	}
	logger := zap.NewNop()
	return &Server{
		config:       config,
		logger:       logger,
		registration: newRegistration(config, logger),
	}
}

// SetHandler installs the Handler invoked with each connection's
// accumulated events after every drain round.
func (s *Server) SetHandler(h Handler) {
	s.handler = h
}

// SetLogger configures the operational log level and sink; see Client.SetLogger.
func (s *Server) SetLogger(level int, w io.Writer) {
	s.logger = newZapLogger(level, w)
	s.registration.logger = s.logger
	if s.binding != nil {
		s.binding.logger = s.logger
	}
	if s.worker != nil {
		s.worker.logger = s.logger
	}
	s.qlogLevel = logLevel(level)
	s.qlogWriter = w
}

// ListenAndServe opens a UDP socket on addr and starts accepting
// connections and draining them in the background.
func (s *Server) ListenAndServe(addr string) error {
	if err := s.config.validate(); err != nil {
		return err
	}
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return wrapError(err, "listen %s", addr)
	}
	s.binding = newBinding(pc, s.config, s.registration, s.logger, true)
	s.worker = newWorker(clockwork.NewRealClock(), s.binding, s.handler, s.logger)
	go s.binding.readLoop(s.accept)
	go s.worker.run(s.registration)
	return nil
}

// accept mints a new server connection for a datagram that did not match
// any existing SCID. Anything other than a long-header Initial is
// dropped rather than accepted, since only Initial legitimately creates
// connection state.
func (s *Server) accept(addr net.Addr, data []byte) *remoteConn {
	clientDCID, _, err := transport.DecodeHeader(data, s.config.CIDLength)
	if err != nil || len(clientDCID) == 0 {
		return nil
	}
	// Long header form bit set and long packet type 0 (Initial).
	if data[0]&0x80 == 0 || (data[0]>>4)&0x03 != 0 {
		return nil
	}
	scid, err := transport.GenerateCID(s.config.CIDLength)
	if err != nil {
		s.logger.Error("generate scid failed", zap.Error(err))
		return nil
	}
	conn, err := transport.Accept(scid, clientDCID, &s.config.Config)
	if err != nil {
		s.logger.Debug("accept failed", zap.Stringer("addr", addr), zap.Error(err))
		return nil
	}
	rc := newRemoteConn(conn, addr, s.binding.pc, s.registration)
	if s.qlogLevel >= levelDebug {
		attachLogger(rc, s.qlogWriter)
	}
	if err := s.registration.add(rc); err != nil {
		s.logger.Debug("registration add failed", zap.Error(err))
		return nil
	}
	return rc
}

// Close stops the background loops, closes the socket and waits for every
// connection to finish draining.
func (s *Server) Close() error {
	if s.worker != nil {
		s.worker.stop()
	}
	s.registration.shutdown()
	if s.binding != nil {
		return s.binding.close()
	}
	return nil
}
