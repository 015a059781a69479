package transport

// EarlyDataState records the fate of 0-RTT data offered by a client,
// mirroring exactly the accept/reject/unknown tri-state the receive
// pipeline needs to gate 0-RTT processing: nothing finer-grained (no
// 0-RTT replay-window policy, no early-data size accounting) is in scope.
type EarlyDataState uint8

const (
	EarlyDataUnknown EarlyDataState = iota
	EarlyDataRejected
	EarlyDataAccepted
)

// TlsState summarizes the handshake's current cryptographic state for
// logging and for the application-visible EventPeerCertificateReceived.
type TlsState struct {
	CipherSuite      uint16
	NegotiatedALPN   string
	PeerCertificates [][]byte
}

// Crypto is the pluggable TLS 1.3 engine a Connection drives through the
// handshake. It is deliberately narrow: everything it needs to expose to
// the receive/send pipeline and nothing about how the handshake itself is
// implemented underneath.
type Crypto interface {
	Initialize(isClient bool, odcid []byte) error
	Reset()
	InitializeTls(params *Parameters) error
	ProcessFrame(space packetSpace, data []byte, offset uint64) error
	ProcessAppData(data []byte) error
	OnVersionChange(version uint32) error
	GenerateNewKeys() error
	UpdateKeyPhase() error
	DiscardKeys(space packetSpace)
	HandshakeConfirmed() bool
	EarlyDataState() EarlyDataState
	TlsState() TlsState
}

// inMemoryHandshake is a deterministic, in-process stand-in for a real
// TLS 1.3 engine: it exchanges each side's serialized transport
// parameters over the CRYPTO streams and declares the handshake complete
// once both have been received. It satisfies both handshakeStep (what
// tls.go drives) and Crypto (the pluggable surface other transports would
// implement with a real TLS 1.3 stack), so swapping in one later touches
// only the constructor calls in tls.go's init and reset.
type inMemoryHandshake struct {
	conn *Conn

	local *Parameters
	peer  *Parameters

	sentLocal bool
	done      bool

	earlyData EarlyDataState
	tlsState  TlsState
}

var _ handshakeStep = (*inMemoryHandshake)(nil)
var _ Crypto = (*inMemoryHandshake)(nil)

func newInMemoryHandshake(conn *Conn) *inMemoryHandshake {
	return &inMemoryHandshake{conn: conn, earlyData: EarlyDataUnknown}
}

func (h *inMemoryHandshake) setLocalParams(p *Parameters) {
	h.local = p
}

// run sends the local transport parameters (once) over the Initial CRYPTO
// stream and checks whether the peer's have arrived.
func (h *inMemoryHandshake) run() error {
	if h.conn == nil || h.local == nil {
		return nil
	}
	space := &h.conn.packetNumberSpaces[packetSpaceInitial]
	if !h.sentLocal {
		encoded := encodeParameters(h.local)
		if err := space.cryptoStream.send.push(encoded, 0, false); err != nil {
			return err
		}
		h.sentLocal = true
	}
	if h.peer == nil && len(space.cryptoStream.recv.data) > 0 {
		p, err := decodeParameters(space.cryptoStream.recv.data)
		if err != nil {
			return newError(cryptoError(handshakeFailureAlert), "transport parameters")
		}
		h.peer = p
		h.done = true
	}
	return nil
}

func (h *inMemoryHandshake) complete() bool { return h.done }

func (h *inMemoryHandshake) peerParams() *Parameters { return h.peer }

const handshakeFailureAlert uint8 = 40

// Crypto interface methods. The in-memory engine has no separate key
// schedule to manage beyond what initial_secrets.go derives per space, so
// most of these are no-ops that exist to satisfy and document the
// interface every real TLS binding must implement.
func (h *inMemoryHandshake) Initialize(isClient bool, odcid []byte) error { return nil }
func (h *inMemoryHandshake) Reset() {
	h.sentLocal = false
	h.done = false
	h.peer = nil
}
func (h *inMemoryHandshake) InitializeTls(params *Parameters) error {
	h.setLocalParams(params)
	return nil
}
func (h *inMemoryHandshake) ProcessFrame(space packetSpace, data []byte, offset uint64) error {
	return nil
}
func (h *inMemoryHandshake) ProcessAppData(data []byte) error { return nil }
func (h *inMemoryHandshake) OnVersionChange(version uint32) error { return nil }
func (h *inMemoryHandshake) GenerateNewKeys() error               { return nil }
func (h *inMemoryHandshake) UpdateKeyPhase() error                { return nil }
func (h *inMemoryHandshake) DiscardKeys(space packetSpace)        {}
func (h *inMemoryHandshake) HandshakeConfirmed() bool             { return h.done }
func (h *inMemoryHandshake) EarlyDataState() EarlyDataState       { return h.earlyData }
func (h *inMemoryHandshake) TlsState() TlsState                   { return h.tlsState }
