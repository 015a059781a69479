package quic

import (
	"net"

	"go.uber.org/zap"

	"github.com/goburrow/quic/transport"
)

// Binding owns one UDP socket and routes every inbound datagram to the
// remoteConn whose SCID matches the datagram's destination CID, or to a
// newly accepted connection on a server Binding when no match exists and
// the datagram looks like a client Initial (msquic's QUIC_BINDING).
type Binding struct {
	pc     net.PacketConn
	config *Config
	reg    *Registration
	logger *zap.Logger

	isServer bool
}

func newBinding(pc net.PacketConn, config *Config, reg *Registration, logger *zap.Logger, isServer bool) *Binding {
	return &Binding{pc: pc, config: config, reg: reg, logger: logger, isServer: isServer}
}

// readLoop blocks reading datagrams until the socket is closed, dispatching
// each to its connection (or accepting a new one) by queuing the raw
// datagram on that connection and waking the Worker, which decrypts and
// processes it on its next pass.
func (b *Binding) readLoop(accept func(addr net.Addr, buf []byte) *remoteConn) {
	buf := make([]byte, 65536)
	for {
		n, addr, err := b.pc.ReadFrom(buf)
		if err != nil {
			b.logger.Debug("binding read stopped", zap.Error(err))
			return
		}
		b.dispatch(addr, buf[:n], accept)
	}
}

func (b *Binding) dispatch(addr net.Addr, data []byte, accept func(addr net.Addr, buf []byte) *remoteConn) {
	dcid, _, err := transport.DecodeHeader(data, b.config.CIDLength)
	if err != nil {
		b.logger.Debug("dropped unparsable datagram", zap.Stringer("addr", addr), zap.Error(err))
		return
	}
	rc := b.reg.find(dcid)
	if rc == nil {
		if !b.isServer || accept == nil {
			b.logger.Debug("dropped datagram for unknown connection", zap.Stringer("addr", addr))
			return
		}
		rc = accept(addr, data)
		if rc == nil {
			return
		}
	}
	// Hand the datagram to the connection's receive queue rather than
	// calling WriteTo here: this read loop's goroutine must never touch a
	// Connection directly, only the Worker driving it may (spec.md
	// Section 5). buf is reused by the next ReadFrom, so it must be
	// copied before crossing to another goroutine.
	rc.conn.QueueRecvPackets(append([]byte(nil), data...), addr.String())
	b.reg.wakeWorker()
}

// send writes one outgoing datagram to addr through this binding's socket.
func (b *Binding) send(addr net.Addr, data []byte) error {
	_, err := b.pc.WriteTo(data, addr)
	return err
}

func (b *Binding) close() error {
	return b.pc.Close()
}
