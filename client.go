package quic

import (
	"io"
	"net"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/goburrow/quic/transport"
)

// Client manages outgoing connections sharing one UDP socket: Connect
// mints a fresh transport.Conn, registers it, and wakes the background
// Worker, which sends its first Initial packet, drives every connection's
// timers and delivers events to the Handler.
type Client struct {
	config       *Config
	registration *Registration
	binding      *Binding
	worker       *Worker
	handler      Handler
	logger       *zap.Logger

	qlogLevel  logLevel
	qlogWriter io.Writer
}

// NewClient creates a Client from config, filling in any unset defaults.
func NewClient(config *Config) *Client {
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
	return &Client{
		config:       config,
		logger:       logger,
		registration: newRegistration(config, logger),
	}
}

// SetHandler installs the Handler invoked with each connection's
// accumulated events after every drain round.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

// SetLogger configures the operational log level and sink; level follows
// the teacher's own 0=off..4=trace scale. Per-connection qlog export is
// attached automatically once level reaches levelDebug, matching the
// teacher's attachLogger gating.
func (c *Client) SetLogger(level int, w io.Writer) {
	c.logger = newZapLogger(level, w)
	c.registration.logger = c.logger
	if c.binding != nil {
		c.binding.logger = c.logger
	}
	if c.worker != nil {
		c.worker.logger = c.logger
	}
	c.qlogLevel = logLevel(level)
	c.qlogWriter = w
}

// ListenAndServe opens a UDP socket on addr and starts the background
// binding read loop and worker drain loop. A client typically listens on
// an ephemeral port ("0.0.0.0:0" or "[::]:0").
func (c *Client) ListenAndServe(addr string) error {
	if err := c.config.validate(); err != nil {
		return err
	}
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return wrapError(err, "listen %s", addr)
	}
	c.binding = newBinding(pc, c.config, c.registration, c.logger, false)
	c.worker = newWorker(clockwork.NewRealClock(), c.binding, c.handler, c.logger)
	go c.binding.readLoop(nil)
	go c.worker.run(c.registration)
	return nil
}

// Connect initiates a new connection to addr; its first Initial packet is
// produced and sent by the Worker on its next drain pass.
func (c *Client) Connect(addr string) error {
	if c.binding == nil {
		return errBadParameter("client is not listening: call ListenAndServe first")
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return wrapError(err, "resolve %s", addr)
	}
	scid, err := transport.GenerateCID(c.config.CIDLength)
	if err != nil {
		return wrapError(err, "generate scid")
	}
	conn, err := transport.Connect(scid, &c.config.Config)
	if err != nil {
		return wrapError(err, "connect %s", addr)
	}
	rc := newRemoteConn(conn, udpAddr, c.binding.pc, c.registration)
	if c.qlogLevel >= levelDebug {
		attachLogger(rc, c.qlogWriter)
	}
	if err := c.registration.add(rc); err != nil {
		return err
	}
	// Wake the worker to produce and send the first Initial packet rather
	// than flushing here: this caller's goroutine must never touch conn
	// directly once the connection is registered (spec.md Section 5).
	c.registration.wakeWorker()
	return nil
}

// Close stops the background loops, closes the socket and waits for every
// connection to finish draining.
func (c *Client) Close() error {
	if c.worker != nil {
		c.worker.stop()
	}
	c.registration.shutdown()
	if c.binding != nil {
		return c.binding.close()
	}
	return nil
}

// newZapLogger builds a *zap.Logger writing to w at the teacher's 0..4
// verbosity scale, mapped onto zap's level enum (trace has no zap
// equivalent, so it maps to Debug same as the teacher's own levelTrace
// falling through to its most verbose case).
func newZapLogger(level int, w io.Writer) *zap.Logger {
	if logLevel(level) <= levelOff || w == nil {
		return zap.NewNop()
	}
	var zapLevel zapcore.Level
	switch {
	case logLevel(level) >= levelDebug:
		zapLevel = zapcore.DebugLevel
	case logLevel(level) == levelInfo:
		zapLevel = zapcore.InfoLevel
	default:
		zapLevel = zapcore.ErrorLevel
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(w),
		zapLevel,
	)
	return zap.New(core)
}
