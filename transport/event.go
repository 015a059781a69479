package transport

// EventType identifies the kind of Event raised by a Connection. The
// application drains these via Conn.Events after each drain round (see
// the outer package's Serve loop, which mirrors the teacher's
// quic.Handler.Serve(c, events) contract).
type EventType uint8

// Event types surfaced to the application (spec.md Section 6).
const (
	// EventConnected fires once the handshake completes and the peer's
	// transport parameters have been accepted.
	EventConnected EventType = iota
	// EventShutdownInitiatedByPeer fires when a CONNECTION_CLOSE is received.
	EventShutdownInitiatedByPeer
	// EventShutdownInitiatedByTransport fires when this endpoint closes
	// the connection itself: for a transport error, or for a local
	// application close (Application is then set).
	EventShutdownInitiatedByTransport
	// EventShutdownComplete fires once both directions are closed (or a
	// silent/internal close completes) and the connection is ready to be freed.
	EventShutdownComplete
	// EventResumed names the server-side event for a client offering a
	// resumption ticket that validates successfully. Conn does not raise
	// it: the handshake in this package never processes tickets.
	EventResumed
	// EventResumptionTicketReceived names the client-side event for a
	// server-sent resumption ticket. Conn does not raise it.
	EventResumptionTicketReceived
	// EventPeerCertificateReceived names the event for the peer's
	// certificate chain being delivered by the Crypto module. Conn does
	// not raise it: the in-memory handshake exchanges no certificates.
	EventPeerCertificateReceived
	// EventPeerAddressChanged fires when a non-probing frame promotes a
	// new path to active.
	EventPeerAddressChanged
	// EventPeerNeedsStreams fires when the peer is blocked on the local
	// stream limit (STREAMS_BLOCKED received).
	EventPeerNeedsStreams
	// EventReliableResetNegotiated fires once both peers' transport
	// parameters agree on reliable RESET_STREAM support.
	EventReliableResetNegotiated
	// EventOneWayDelayNegotiated names the event for timestamp transport
	// parameters being confirmed on both sides. Conn does not raise it:
	// Parameters carries no timestamp transport parameters.
	EventOneWayDelayNegotiated
	// EventStream fires when a stream has new readable data, is
	// reset, stopped, or its send side completes.
	EventStream
	// EventDatagramReceived fires when an unreliable DATAGRAM frame
	// arrives outside any stream.
	EventDatagramReceived
)

// ShutdownCompleteFlags annotate an EventShutdownComplete event.
type ShutdownCompleteFlags struct {
	HandshakeCompleted      bool
	PeerAcknowledgedShutdown bool
	AppCloseInProgress      bool
}

// Event is a single application-visible notification raised by a
// Connection. Only the fields relevant to Type are populated.
type Event struct {
	Type EventType

	// Stream-related fields (EventStream and stream lifecycle events).
	StreamID  uint64
	ErrorCode uint64

	// Close-related fields.
	Status       Status
	Remote       bool
	Application  bool
	ReasonPhrase string
	Shutdown     ShutdownCompleteFlags

	// Path-related fields.
	LocalAddr  string
	RemoteAddr string

	// Resumption-related fields.
	Ticket []byte

	// Datagram-related fields.
	DatagramLength int
}

func newStreamRecvEvent(id uint64) Event {
	return Event{Type: EventStream, StreamID: id}
}

func newStreamResetEvent(id uint64, code uint64) Event {
	return Event{Type: EventStream, StreamID: id, ErrorCode: code}
}

func newStreamStopEvent(id uint64, code uint64) Event {
	return Event{Type: EventStream, StreamID: id, ErrorCode: code}
}

func newStreamCompleteEvent(id uint64) Event {
	return Event{Type: EventStream, StreamID: id}
}
