package transport

import "time"

// deferredPacketLimit bounds how many packets awaiting a not-yet-installed
// read key this connection buffers per packet-number space, so a peer
// racing ahead of the handshake cannot exhaust memory (RFC 9001 Section
// 4.1.4 discusses the same concern for 0-RTT/1-RTT arriving early).
const deferredPacketLimit = 16

// deferredPacket is a datagram that arrived before this space's read key
// was installed, held for replay once it is.
type deferredPacket struct {
	data []byte
	addr string
}

// packetAEAD holds the AEAD derived for one direction (client->server or
// server->client) at one encryption level; no header-protection key is
// kept, since header protection is not applied (see headerAEAD).
// A zero-value packetAEAD cannot encrypt or decrypt (used before keys for
// a space have been derived or after they have been dropped).
type packetAEAD struct {
	aead headerAEAD
}

func (a packetAEAD) valid() bool { return a.aead.suite != nil }

// packetNumberSpace holds everything that RFC 9000 Section 12.3 scopes per
// packet-number space: the keys for that encryption level, the next packet
// number to send, and the bookkeeping needed to build and process ACKs.
type packetNumberSpace struct {
	opener packetAEAD
	sealer packetAEAD

	nextPacketNumber uint64
	recvPacketNumbers map[uint64]bool

	ackElicited           bool
	firstPacketAcked      bool
	largestRecvPacketTime time.Time
	recvPacketNeedAck     *rangeSet

	cryptoStream cryptoBuffer

	// deferred holds packets received before this space's read key was
	// installed, bounded by deferredPacketLimit (spec.md Section 4.2).
	deferred []deferredPacket
}

func (s *packetNumberSpace) init() {
	s.recvPacketNumbers = make(map[uint64]bool)
	s.recvPacketNeedAck = newRangeSet()
	s.cryptoStream.init()
}

// reset clears per-handshake-attempt state (used after Retry or a version
// negotiation round trip forces a fresh Initial exchange) without touching
// keys, which the caller re-derives separately.
func (s *packetNumberSpace) reset() {
	s.nextPacketNumber = 0
	s.recvPacketNumbers = make(map[uint64]bool)
	s.ackElicited = false
	s.firstPacketAcked = false
	s.recvPacketNeedAck = newRangeSet()
	s.cryptoStream.init()
	s.deferred = nil
}

// drop discards keys and buffered crypto/ack state once a space is no
// longer needed (RFC 9001 Section 4.9).
func (s *packetNumberSpace) drop() {
	s.opener = packetAEAD{}
	s.sealer = packetAEAD{}
	s.recvPacketNumbers = nil
	s.recvPacketNeedAck = nil
	s.deferred = nil
}

func (s *packetNumberSpace) canDecrypt() bool { return s.opener.valid() }
func (s *packetNumberSpace) canEncrypt() bool { return s.sealer.valid() }

// ready reports whether this space has an ACK, or retransmittable crypto
// data, waiting to be sent.
func (s *packetNumberSpace) ready() bool {
	return s.ackElicited || s.cryptoStream.send.ready()
}

func (s *packetNumberSpace) isPacketReceived(pn uint64) bool {
	return s.recvPacketNumbers[pn]
}

func (s *packetNumberSpace) onPacketReceived(pn uint64, now time.Time) {
	s.recvPacketNumbers[pn] = true
	s.recvPacketNeedAck.addRange(pn, pn)
	if pn >= s.highestReceived() {
		s.largestRecvPacketTime = now
	}
}

func (s *packetNumberSpace) highestReceived() uint64 {
	var max uint64
	found := false
	for pn := range s.recvPacketNumbers {
		if !found || pn > max {
			max = pn
			found = true
		}
	}
	return max
}

// decryptPacket authenticates and decrypts the body of p in place and
// returns the plaintext payload plus the total length of the packet
// (header + payload + tag) consumed from b.
func (s *packetNumberSpace) decryptPacket(b []byte, p *packet) ([]byte, int, error) {
	if !s.canDecrypt() {
		return nil, 0, newError(InternalError, "no read key")
	}
	total := p.headerLen + p.payloadLen
	if total > len(b) {
		return nil, 0, errShortBuffer
	}
	header := b[:p.headerLen]
	body := b[p.headerLen:total]
	plain, err := s.opener.aead.open(p.packetNumber, header, body)
	if err != nil {
		return nil, 0, newError(ProtocolViolation, "decrypt failed")
	}
	return plain, total, nil
}

// encryptPacket seals the payload already written into b[p.headerLen:]
// (length p.payloadLen - overhead) in place.
func (s *packetNumberSpace) encryptPacket(b []byte, p *packet) {
	overhead := s.sealer.aead.Overhead()
	plainLen := p.payloadLen - overhead
	header := b[:p.headerLen]
	plain := b[p.headerLen : p.headerLen+plainLen]
	s.sealer.aead.seal(p.packetNumber, header, plain, b[p.headerLen:])
}
