package quic

import (
	"net"

	"github.com/goburrow/quic/transport"
)

// Conn is the application-facing handle to one QUIC connection, wrapping
// the synchronous transport.Conn with the remote address and stream
// helpers a Handler needs without reaching into the transport package.
type Conn interface {
	// RemoteAddr is the address of the connection's current active path.
	RemoteAddr() net.Addr
	// Stream opens (or returns an already-open) bidirectional or
	// unidirectional stream by ID.
	Stream(id uint64) *transport.Stream
	// Close begins an application-initiated immediate close.
	Close(errCode uint64, reason string) error
}

// remoteConn is a Registration's entry in its connection table: the
// transport.Conn driving protocol state, plus the address and write
// socket a Worker uses to actually move bytes and the scid the log
// package's attachLogger keys its prefix on.
type remoteConn struct {
	addr string // string form of the peer's current address, for logging
	scid []byte // this connection's own source CID (routing key)

	conn *transport.Conn
	pc   net.PacketConn // socket used to send datagrams back to udpAddr
	udpAddr net.Addr

	registration *Registration
}

func newRemoteConn(c *transport.Conn, udpAddr net.Addr, pc net.PacketConn, reg *Registration) *remoteConn {
	return &remoteConn{
		addr:         udpAddr.String(),
		scid:         c.SCID(),
		conn:         c,
		pc:           pc,
		udpAddr:      udpAddr,
		registration: reg,
	}
}

func (c *remoteConn) RemoteAddr() net.Addr {
	return c.udpAddr
}

func (c *remoteConn) Stream(id uint64) *transport.Stream {
	st, err := c.conn.Stream(id)
	if err != nil {
		return nil
	}
	return st
}

// Close schedules an application-initiated close. It must not touch conn
// state itself since an arbitrary caller goroutine may be the one invoking
// it; RequestClose hands the request to the owning worker's next drain
// round instead (spec.md Section 5).
func (c *remoteConn) Close(errCode uint64, reason string) error {
	c.conn.RequestClose(true, errCode, reason)
	c.registration.wakeWorker()
	return nil
}

// flush drains every packet the connection has queued to send, writing
// each directly to pc since a single recv can produce several outgoing
// packets (an ACK plus a retransmission, a Handshake flight, and so on).
func (c *remoteConn) flush(pc net.PacketConn) {
	buf := make([]byte, transport.MaxPacketSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil || n == 0 {
			return
		}
		if _, err := pc.WriteTo(buf[:n], c.udpAddr); err != nil {
			return
		}
	}
}
