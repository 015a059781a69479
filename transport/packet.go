package transport

import (
	"encoding/binary"
)

// Packet types carried in the long header form byte (RFC 9000 Section 17.2),
// plus the pseudo-types used internally for version negotiation and short
// header (1-RTT) packets.
type packetType uint8

const (
	packetTypeInitial packetType = iota
	packetTypeZeroRTT
	packetTypeHandshake
	packetTypeRetry
	packetTypeVersionNegotiation
	packetTypeShort
)

func (t packetType) String() string {
	switch t {
	case packetTypeInitial:
		return "initial"
	case packetTypeZeroRTT:
		return "0-RTT"
	case packetTypeHandshake:
		return "handshake"
	case packetTypeRetry:
		return "retry"
	case packetTypeVersionNegotiation:
		return "version_negotiation"
	case packetTypeShort:
		return "short"
	default:
		return "unknown"
	}
}

// packetSpace indexes the three packet-number spaces defined by RFC 9000
// Section 12.3: Initial, Handshake and Application (0-RTT and 1-RTT share
// the Application space).
type packetSpace uint8

const (
	packetSpaceInitial packetSpace = iota
	packetSpaceHandshake
	packetSpaceApplication
	packetSpaceCount
)

func (s packetSpace) String() string {
	switch s {
	case packetSpaceInitial:
		return "initial"
	case packetSpaceHandshake:
		return "handshake"
	case packetSpaceApplication:
		return "application"
	default:
		return "unknown"
	}
}

func packetTypeFromSpace(space packetSpace) packetType {
	switch space {
	case packetSpaceInitial:
		return packetTypeInitial
	case packetSpaceHandshake:
		return packetTypeHandshake
	default:
		return packetTypeShort
	}
}

// Size limits from RFC 9000 Section 14 and Section 8.1.
const (
	MaxCIDLength         = 20
	MinInitialPacketSize = 1200
	MaxPacketSize        = 65527
	minPayloadLength     = 4 // smallest packet number length plus sample for header protection
	retryIntegrityTagLen = 16
)

const longHeaderForm = 0x80
const fixedBit = 0x40

// packetHeader holds the fields common to both long and short headers.
type packetHeader struct {
	version uint32
	dcid    []byte
	scid    []byte
	dcil    uint8 // length of dcid expected when parsing a short header
}

// packet is a single QUIC packet, either freshly decoded or being built for
// sending.
type packet struct {
	typ          packetType
	header       packetHeader
	packetNumber uint64
	payloadLen   int // includes AEAD expansion when used for sending

	token             []byte   // Initial (both directions) and Retry
	supportedVersions []uint32 // Version Negotiation only

	headerLen int // bytes consumed decoding, or written encoding, the header
}

func (p *packet) String() string {
	return sprint(p.typ, " dcid=", p.header.dcid, " scid=", p.header.scid, " pn=", p.packetNumber)
}

// DecodeHeader parses just enough of a datagram to learn the connection
// IDs it carries, letting a listener route the datagram to the right
// Connection before any decryption key is available. shortDCIDLen is the
// fixed-length destination CID this endpoint assigns to connections it
// creates, needed because a short header never encodes its own length.
func DecodeHeader(b []byte, shortDCIDLen int) (dcid, scid []byte, err error) {
	var p packet
	p.header.dcil = uint8(shortDCIDLen)
	if _, err := p.decodeHeader(b); err != nil {
		return nil, nil, err
	}
	return p.header.dcid, p.header.scid, nil
}

// decodeHeader parses just enough of b to determine the packet type and
// connection IDs, without consuming the length-dependent body.
func (p *packet) decodeHeader(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	n := 1
	if b[0]&longHeaderForm == 0 {
		// Short header: 1-RTT packet, fixed-length DCID.
		p.typ = packetTypeShort
		if len(b) < n+int(p.header.dcil) {
			return 0, errShortBuffer
		}
		p.header.dcid = b[n : n+int(p.header.dcil)]
		n += int(p.header.dcil)
		p.headerLen = n
		return n, nil
	}
	if len(b) < n+4 {
		return 0, errShortBuffer
	}
	p.header.version = binary.BigEndian.Uint32(b[n:])
	n += 4
	if p.header.version == 0 {
		p.typ = packetTypeVersionNegotiation
	} else {
		switch (b[0] >> 4) & 0x03 {
		case 0:
			p.typ = packetTypeInitial
		case 1:
			p.typ = packetTypeZeroRTT
		case 2:
			p.typ = packetTypeHandshake
		case 3:
			p.typ = packetTypeRetry
		}
	}
	if len(b) < n+1 {
		return 0, errShortBuffer
	}
	dcil := int(b[n])
	n++
	if len(b) < n+dcil {
		return 0, errShortBuffer
	}
	p.header.dcid = b[n : n+dcil]
	n += dcil
	if len(b) < n+1 {
		return 0, errShortBuffer
	}
	scil := int(b[n])
	n++
	if len(b) < n+scil {
		return 0, errShortBuffer
	}
	p.header.scid = b[n : n+scil]
	n += scil
	p.headerLen = n
	return n, nil
}

// decodeBody parses the remainder of a long header packet: token (Initial),
// supported versions (Version Negotiation) or length + packet number, and
// returns the number of additional bytes consumed after decodeHeader.
func (p *packet) decodeBody(b []byte) (int, error) {
	n := p.headerLen
	switch p.typ {
	case packetTypeVersionNegotiation:
		for n+4 <= len(b) {
			p.supportedVersions = append(p.supportedVersions, binary.BigEndian.Uint32(b[n:]))
			n += 4
		}
		return n - p.headerLen, nil
	case packetTypeRetry:
		tokenLen := len(b) - n - retryIntegrityTagLen
		if tokenLen < 0 {
			return 0, newError(FrameEncodingError, "retry token")
		}
		p.token = b[n : n+tokenLen]
		n += tokenLen
		return n - p.headerLen, nil
	case packetTypeInitial:
		var tokenLen uint64
		m := getVarint(b[n:], &tokenLen)
		if m == 0 {
			return 0, errShortBuffer
		}
		n += m
		if uint64(len(b)-n) < tokenLen {
			return 0, errShortBuffer
		}
		p.token = b[n : n+int(tokenLen)]
		n += int(tokenLen)
		fallthrough
	case packetTypeZeroRTT, packetTypeHandshake:
		var length uint64
		m := getVarint(b[n:], &length)
		if m == 0 {
			return 0, errShortBuffer
		}
		n += m
		p.payloadLen = int(length)
	}
	return n - p.headerLen, nil
}

// encodedLen returns the number of bytes required to encode the header plus
// the reserved length field, assuming p.payloadLen has already been set to
// the final payload length (including AEAD expansion).
func (p *packet) encodedLen() int {
	if p.typ == packetTypeShort {
		return 1 + len(p.header.dcid) + varintLen(p.packetNumber)
	}
	n := 1 + 4 + 1 + len(p.header.dcid) + 1 + len(p.header.scid)
	switch p.typ {
	case packetTypeInitial:
		n += varintLen(uint64(len(p.token))) + len(p.token)
	}
	n += 2 /* reserve 2-byte length field, rewritten once payload length known */
	n += varintLen(p.packetNumber)
	return n
}

func (p *packet) encode(b []byte) (int, error) {
	if len(b) < p.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	if p.typ == packetTypeShort {
		b[n] = fixedBit
		n++
		n += copy(b[n:], p.header.dcid)
		n += putVarint(b[n:], p.packetNumber)
		p.headerLen = n
		return n, nil
	}
	b[n] = longHeaderForm | fixedBit | packetTypeFormBits(p.typ)<<4
	n++
	binary.BigEndian.PutUint32(b[n:], p.header.version)
	n += 4
	b[n] = byte(len(p.header.dcid))
	n++
	n += copy(b[n:], p.header.dcid)
	b[n] = byte(len(p.header.scid))
	n++
	n += copy(b[n:], p.header.scid)
	if p.typ == packetTypeInitial {
		n += putVarint(b[n:], uint64(len(p.token)))
		n += copy(b[n:], p.token)
	}
	// Length field always encoded as 2 bytes so it can be patched without
	// shifting the rest of the packet.
	length := uint64(p.payloadLen) + uint64(varintLen(p.packetNumber))
	b[n] = 0x40 | byte(length>>8)
	b[n+1] = byte(length)
	n += 2
	n += putVarint(b[n:], p.packetNumber)
	p.headerLen = n
	return n, nil
}

func packetTypeFormBits(typ packetType) byte {
	switch typ {
	case packetTypeInitial:
		return 0
	case packetTypeZeroRTT:
		return 1
	case packetTypeHandshake:
		return 2
	case packetTypeRetry:
		return 3
	default:
		return 0
	}
}

func versionSupported(v uint32) bool {
	return v == quicVersion1
}

const quicVersion1 uint32 = 0x00000001
