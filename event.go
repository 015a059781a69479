package quic

import "github.com/goburrow/quic/transport"

// EventConnAccept and EventConnClose are outer-package names for the
// transport-level connection lifecycle events a Handler cares about most:
// EventConnAccept fires once per accepted/connected Conn, when its
// handshake completes, inside that drain round's batch of
// transport.Event, and EventConnClose fires
// once a connection has fully drained and its remoteConn is about to be
// removed from its Registration.
const (
	EventConnAccept = transport.EventConnected
	EventConnClose  = transport.EventShutdownComplete
)

// Handler processes the events a Conn accumulated during one drain round,
// mirroring quic-go style Serve(conn, events) callback shapes.
type Handler interface {
	Serve(c Conn, events []transport.Event)
}
