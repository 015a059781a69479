package transport

import "io"

// Frame type codes (RFC 9000 Section 19, plus registered extensions used
// by the transport parameters in params.go).
const (
	frameTypePadding        uint64 = 0x00
	frameTypePing           uint64 = 0x01
	frameTypeAck            uint64 = 0x02
	frameTypeAckECN         uint64 = 0x03
	frameTypeResetStream    uint64 = 0x04
	frameTypeStopSending    uint64 = 0x05
	frameTypeCrypto         uint64 = 0x06
	frameTypeNewToken       uint64 = 0x07
	frameTypeStream         uint64 = 0x08
	frameTypeStreamEnd      uint64 = 0x0f
	frameTypeMaxData        uint64 = 0x10
	frameTypeMaxStreamData  uint64 = 0x11
	frameTypeMaxStreamsBidi uint64 = 0x12
	frameTypeMaxStreamsUni  uint64 = 0x13
	frameTypeDataBlocked       uint64 = 0x14
	frameTypeStreamDataBlocked uint64 = 0x15
	frameTypeStreamsBlockedBidi uint64 = 0x16
	frameTypeStreamsBlockedUni  uint64 = 0x17
	frameTypeNewConnectionID    uint64 = 0x18
	frameTypeRetireConnectionID uint64 = 0x19
	frameTypePathChallenge      uint64 = 0x1a
	frameTypePathResponse       uint64 = 0x1b
	frameTypeConnectionClose    uint64 = 0x1c
	frameTypeApplicationClose   uint64 = 0x1d
	frameTypeHandshakeDone      uint64 = 0x1e
	// Extension frames (quic-transport-extensions draft registrations).
	frameTypeDatagram       uint64 = 0x30
	frameTypeDatagramLen    uint64 = 0x31
	frameTypeAckFrequency   uint64 = 0xaf
	frameTypeImmediateAck   uint64 = 0x1f
	frameTypeTimestamp      uint64 = 0x2ab
)

// frame is implemented by every decodable/encodable QUIC frame.
type frame interface {
	encodedLen() int
	encode(b []byte) (int, error)
}

func isFrameAckEliciting(typ uint64) bool {
	switch typ {
	case frameTypePadding, frameTypeAck, frameTypeAckECN, frameTypeConnectionClose, frameTypeApplicationClose:
		return false
	default:
		return true
	}
}

// isFrameProbingType reports whether a frame type is "probing" per RFC
// 9000 Section 9.3: a packet containing only probing frames never
// promotes the path it arrived on to active, since such frames can be
// (and are) sent on paths still under validation.
func isFrameProbingType(typ uint64) bool {
	switch typ {
	case frameTypePadding, frameTypePathChallenge, frameTypePathResponse, frameTypeNewConnectionID:
		return true
	default:
		return false
	}
}

// isFrameProbing reports whether a frame type is "probing": it may be
// sent on, and used to validate, a non-active path (RFC 9000 Section 9.1).
func isFrameProbing(typ uint64) bool {
	switch typ {
	case frameTypePathChallenge, frameTypePathResponse, frameTypeNewConnectionID, frameTypePadding:
		return true
	default:
		return false
	}
}

func encodeFrames(b []byte, frames []frame) (int, error) {
	n := 0
	for _, f := range frames {
		m, err := f.encode(b[n:])
		if err != nil {
			return 0, err
		}
		n += m
	}
	return n, nil
}

// paddingFrame occupies n bytes of zero padding.
type paddingFrame struct {
	length int
}

func newPaddingFrame(length int) *paddingFrame {
	return &paddingFrame{length: length}
}

func (s *paddingFrame) encodedLen() int { return s.length }

func (s *paddingFrame) encode(b []byte) (int, error) {
	if len(b) < s.length {
		return 0, errShortBuffer
	}
	for i := 0; i < s.length; i++ {
		b[i] = 0
	}
	return s.length, nil
}

func (s *paddingFrame) decode(b []byte) (int, error) {
	n := 0
	for n < len(b) && b[n] == byte(frameTypePadding) {
		n++
	}
	s.length = n
	if n == 0 {
		n = 1 // consume at least the leading type byte already matched by caller
	}
	return n, nil
}

// pingFrame carries no data; it exists solely to elicit an ACK.
type pingFrame struct{}

func (s *pingFrame) encodedLen() int { return 1 }

func (s *pingFrame) encode(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	b[0] = byte(frameTypePing)
	return 1, nil
}

// ackRange is a single contiguous gap-free range of acknowledged packet numbers.
type ackRange struct {
	gap      uint64
	ackRange uint64
}

// ackFrame acknowledges a set of received packet numbers.
type ackFrame struct {
	largestAck    uint64
	ackDelay      uint64
	firstAckRange uint64
	ranges        []ackRange
	ecnCounts     *ecnCounts
}

type ecnCounts struct {
	ect0, ect1, ce uint64
}

func newAckFrame(ackDelay uint64, set *rangeSet) *ackFrame {
	f := &ackFrame{ackDelay: ackDelay}
	if set == nil || set.empty() {
		return f
	}
	rs := set.sortedDescending()
	f.largestAck = rs[0].end
	f.firstAckRange = rs[0].end - rs[0].start
	for i := 1; i < len(rs); i++ {
		gap := rs[i-1].start - rs[i].end - 2
		f.ranges = append(f.ranges, ackRange{gap: gap, ackRange: rs[i].end - rs[i].start})
	}
	return f
}

func (s *ackFrame) encodedLen() int {
	n := 1 + varintLen(s.largestAck) + varintLen(s.ackDelay) + varintLen(uint64(len(s.ranges))) + varintLen(s.firstAckRange)
	for _, r := range s.ranges {
		n += varintLen(r.gap) + varintLen(r.ackRange)
	}
	return n
}

func (s *ackFrame) encode(b []byte) (int, error) {
	if len(b) < s.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	b[n] = byte(frameTypeAck)
	n++
	n += putVarint(b[n:], s.largestAck)
	n += putVarint(b[n:], s.ackDelay)
	n += putVarint(b[n:], uint64(len(s.ranges)))
	n += putVarint(b[n:], s.firstAckRange)
	for _, r := range s.ranges {
		n += putVarint(b[n:], r.gap)
		n += putVarint(b[n:], r.ackRange)
	}
	return n, nil
}

func (s *ackFrame) decode(b []byte) (int, error) {
	n := 1 // skip type byte (ACK or ACK_ECN, handled by caller)
	var count uint64
	fields := []*uint64{&s.largestAck, &s.ackDelay, &count, &s.firstAckRange}
	for _, f := range fields {
		m := getVarint(b[n:], f)
		if m == 0 {
			return 0, newError(FrameEncodingError, "ack")
		}
		n += m
	}
	s.ranges = s.ranges[:0]
	for i := uint64(0); i < count; i++ {
		var gap, rng uint64
		m := getVarint(b[n:], &gap)
		if m == 0 {
			return 0, newError(FrameEncodingError, "ack range gap")
		}
		n += m
		m = getVarint(b[n:], &rng)
		if m == 0 {
			return 0, newError(FrameEncodingError, "ack range")
		}
		n += m
		s.ranges = append(s.ranges, ackRange{gap: gap, ackRange: rng})
	}
	return n, nil
}

func (s *ackFrame) toRangeSet() *rangeSet {
	set := newRangeSet()
	largest := s.largestAck
	if s.firstAckRange > largest {
		return nil
	}
	set.addRange(largest-s.firstAckRange, largest)
	largest -= s.firstAckRange
	for _, r := range s.ranges {
		if largest < r.gap+2 {
			return nil
		}
		largest -= r.gap + 2
		if r.ackRange > largest {
			return nil
		}
		set.addRange(largest-r.ackRange, largest)
		largest -= r.ackRange
	}
	return set
}

func (s *ackFrame) String() string {
	return "ack"
}

// resetStreamFrame abruptly terminates the send side of a stream.
type resetStreamFrame struct {
	streamID  uint64
	errorCode uint64
	finalSize uint64
}

func newResetStreamFrame(id, code, finalSize uint64) *resetStreamFrame {
	return &resetStreamFrame{streamID: id, errorCode: code, finalSize: finalSize}
}

func (s *resetStreamFrame) encodedLen() int {
	return 1 + varintLen(s.streamID) + varintLen(s.errorCode) + varintLen(s.finalSize)
}

func (s *resetStreamFrame) encode(b []byte) (int, error) {
	if len(b) < s.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	b[n] = byte(frameTypeResetStream)
	n++
	n += putVarint(b[n:], s.streamID)
	n += putVarint(b[n:], s.errorCode)
	n += putVarint(b[n:], s.finalSize)
	return n, nil
}

func (s *resetStreamFrame) decode(b []byte) (int, error) {
	n := 1
	for _, f := range []*uint64{&s.streamID, &s.errorCode, &s.finalSize} {
		m := getVarint(b[n:], f)
		if m == 0 {
			return 0, newError(FrameEncodingError, "reset_stream")
		}
		n += m
	}
	return n, nil
}

// stopSendingFrame asks a peer to stop sending on a stream.
type stopSendingFrame struct {
	streamID  uint64
	errorCode uint64
}

func newStopSendingFrame(id, code uint64) *stopSendingFrame {
	return &stopSendingFrame{streamID: id, errorCode: code}
}

func (s *stopSendingFrame) encodedLen() int {
	return 1 + varintLen(s.streamID) + varintLen(s.errorCode)
}

func (s *stopSendingFrame) encode(b []byte) (int, error) {
	if len(b) < s.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	b[n] = byte(frameTypeStopSending)
	n++
	n += putVarint(b[n:], s.streamID)
	n += putVarint(b[n:], s.errorCode)
	return n, nil
}

func (s *stopSendingFrame) decode(b []byte) (int, error) {
	n := 1
	for _, f := range []*uint64{&s.streamID, &s.errorCode} {
		m := getVarint(b[n:], f)
		if m == 0 {
			return 0, newError(FrameEncodingError, "stop_sending")
		}
		n += m
	}
	return n, nil
}

// cryptoFrame carries a chunk of the TLS handshake byte stream.
type cryptoFrame struct {
	offset uint64
	data   []byte
}

func newCryptoFrame(data []byte, offset uint64) *cryptoFrame {
	return &cryptoFrame{data: data, offset: offset}
}

const maxCryptoFrameOverhead = 1 + 8 + 8 // type + offset varint + length varint (worst case)

func (s *cryptoFrame) encodedLen() int {
	return 1 + varintLen(s.offset) + varintLen(uint64(len(s.data))) + len(s.data)
}

func (s *cryptoFrame) encode(b []byte) (int, error) {
	if len(b) < s.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	b[n] = byte(frameTypeCrypto)
	n++
	n += putVarint(b[n:], s.offset)
	n += putVarint(b[n:], uint64(len(s.data)))
	n += copy(b[n:], s.data)
	return n, nil
}

func (s *cryptoFrame) decode(b []byte) (int, error) {
	n := 1
	var length uint64
	m := getVarint(b[n:], &s.offset)
	if m == 0 {
		return 0, newError(FrameEncodingError, "crypto offset")
	}
	n += m
	m = getVarint(b[n:], &length)
	if m == 0 {
		return 0, newError(FrameEncodingError, "crypto length")
	}
	n += m
	if uint64(len(b)-n) < length {
		return 0, io.ErrUnexpectedEOF
	}
	s.data = b[n : n+int(length)]
	n += int(length)
	return n, nil
}

// newTokenFrame carries an address-validation token for future connections.
type newTokenFrame struct {
	token []byte
}

func newNewTokenFrame(token []byte) *newTokenFrame {
	return &newTokenFrame{token: token}
}

func (s *newTokenFrame) encodedLen() int {
	return 1 + varintLen(uint64(len(s.token))) + len(s.token)
}

func (s *newTokenFrame) encode(b []byte) (int, error) {
	if len(b) < s.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	b[n] = byte(frameTypeNewToken)
	n++
	n += putVarint(b[n:], uint64(len(s.token)))
	n += copy(b[n:], s.token)
	return n, nil
}

func (s *newTokenFrame) decode(b []byte) (int, error) {
	n := 1
	var length uint64
	m := getVarint(b[n:], &length)
	if m == 0 {
		return 0, newError(FrameEncodingError, "new_token")
	}
	n += m
	if uint64(len(b)-n) < length {
		return 0, io.ErrUnexpectedEOF
	}
	s.token = b[n : n+int(length)]
	n += int(length)
	return n, nil
}

// streamFrame carries application data for a stream.
type streamFrame struct {
	streamID uint64
	offset   uint64
	data     []byte
	fin      bool
}

const maxStreamFrameOverhead = 1 + 8 + 8 + 8

func newStreamFrame(id uint64, data []byte, offset uint64, fin bool) *streamFrame {
	return &streamFrame{streamID: id, data: data, offset: offset, fin: fin}
}

func (s *streamFrame) encodedLen() int {
	return 1 + varintLen(s.streamID) + varintLen(s.offset) + varintLen(uint64(len(s.data))) + len(s.data)
}

func (s *streamFrame) encode(b []byte) (int, error) {
	if len(b) < s.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	typ := frameTypeStream | 0x04 /* OFF */ | 0x02 /* LEN */
	if s.fin {
		typ |= 0x01
	}
	b[n] = byte(typ)
	n++
	n += putVarint(b[n:], s.streamID)
	n += putVarint(b[n:], s.offset)
	n += putVarint(b[n:], uint64(len(s.data)))
	n += copy(b[n:], s.data)
	return n, nil
}

func (s *streamFrame) decode(b []byte) (int, error) {
	typ := b[0]
	n := 1
	m := getVarint(b[n:], &s.streamID)
	if m == 0 {
		return 0, newError(FrameEncodingError, "stream id")
	}
	n += m
	if typ&0x04 != 0 {
		m = getVarint(b[n:], &s.offset)
		if m == 0 {
			return 0, newError(FrameEncodingError, "stream offset")
		}
		n += m
	} else {
		s.offset = 0
	}
	if typ&0x02 != 0 {
		var length uint64
		m = getVarint(b[n:], &length)
		if m == 0 {
			return 0, newError(FrameEncodingError, "stream length")
		}
		n += m
		if uint64(len(b)-n) < length {
			return 0, io.ErrUnexpectedEOF
		}
		s.data = b[n : n+int(length)]
		n += int(length)
	} else {
		s.data = b[n:]
		n = len(b)
	}
	s.fin = typ&0x01 != 0
	return n, nil
}

// maxDataFrame raises the connection-level flow-control limit.
type maxDataFrame struct {
	maximumData uint64
}

func newMaxDataFrame(max uint64) *maxDataFrame { return &maxDataFrame{maximumData: max} }

func (s *maxDataFrame) encodedLen() int { return 1 + varintLen(s.maximumData) }

func (s *maxDataFrame) encode(b []byte) (int, error) {
	if len(b) < s.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	b[n] = byte(frameTypeMaxData)
	n++
	n += putVarint(b[n:], s.maximumData)
	return n, nil
}

func (s *maxDataFrame) decode(b []byte) (int, error) {
	n := 1
	m := getVarint(b[n:], &s.maximumData)
	if m == 0 {
		return 0, newError(FrameEncodingError, "max_data")
	}
	return n + m, nil
}

// maxStreamDataFrame raises a per-stream flow-control limit.
type maxStreamDataFrame struct {
	streamID    uint64
	maximumData uint64
}

func newMaxStreamDataFrame(id, max uint64) *maxStreamDataFrame {
	return &maxStreamDataFrame{streamID: id, maximumData: max}
}

func (s *maxStreamDataFrame) encodedLen() int {
	return 1 + varintLen(s.streamID) + varintLen(s.maximumData)
}

func (s *maxStreamDataFrame) encode(b []byte) (int, error) {
	if len(b) < s.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	b[n] = byte(frameTypeMaxStreamData)
	n++
	n += putVarint(b[n:], s.streamID)
	n += putVarint(b[n:], s.maximumData)
	return n, nil
}

func (s *maxStreamDataFrame) decode(b []byte) (int, error) {
	n := 1
	for _, f := range []*uint64{&s.streamID, &s.maximumData} {
		m := getVarint(b[n:], f)
		if m == 0 {
			return 0, newError(FrameEncodingError, "max_stream_data")
		}
		n += m
	}
	return n, nil
}

// maxStreamsFrame raises the peer's stream-count limit for one directionality.
type maxStreamsFrame struct {
	maximumStreams uint64
	bidi           bool
}

func newMaxStreamsFrame(max uint64, bidi bool) *maxStreamsFrame {
	return &maxStreamsFrame{maximumStreams: max, bidi: bidi}
}

func (s *maxStreamsFrame) encodedLen() int { return 1 + varintLen(s.maximumStreams) }

func (s *maxStreamsFrame) encode(b []byte) (int, error) {
	if len(b) < s.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	if s.bidi {
		b[n] = byte(frameTypeMaxStreamsBidi)
	} else {
		b[n] = byte(frameTypeMaxStreamsUni)
	}
	n++
	n += putVarint(b[n:], s.maximumStreams)
	return n, nil
}

func (s *maxStreamsFrame) decode(b []byte) (int, error) {
	s.bidi = b[0] == byte(frameTypeMaxStreamsBidi)
	n := 1
	m := getVarint(b[n:], &s.maximumStreams)
	if m == 0 {
		return 0, newError(FrameEncodingError, "max_streams")
	}
	return n + m, nil
}

// dataBlockedFrame informs the peer that the sender is connection flow-control blocked.
type dataBlockedFrame struct {
	dataLimit uint64
}

func newDataBlockedFrame(limit uint64) *dataBlockedFrame { return &dataBlockedFrame{dataLimit: limit} }

func (s *dataBlockedFrame) encodedLen() int { return 1 + varintLen(s.dataLimit) }

func (s *dataBlockedFrame) encode(b []byte) (int, error) {
	if len(b) < s.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	b[n] = byte(frameTypeDataBlocked)
	n++
	n += putVarint(b[n:], s.dataLimit)
	return n, nil
}

func (s *dataBlockedFrame) decode(b []byte) (int, error) {
	n := 1
	m := getVarint(b[n:], &s.dataLimit)
	if m == 0 {
		return 0, newError(FrameEncodingError, "data_blocked")
	}
	return n + m, nil
}

// streamDataBlockedFrame informs the peer that the sender is stream flow-control blocked.
type streamDataBlockedFrame struct {
	streamID  uint64
	dataLimit uint64
}

func newStreamDataBlockedFrame(id, limit uint64) *streamDataBlockedFrame {
	return &streamDataBlockedFrame{streamID: id, dataLimit: limit}
}

func (s *streamDataBlockedFrame) encodedLen() int {
	return 1 + varintLen(s.streamID) + varintLen(s.dataLimit)
}

func (s *streamDataBlockedFrame) encode(b []byte) (int, error) {
	if len(b) < s.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	b[n] = byte(frameTypeStreamDataBlocked)
	n++
	n += putVarint(b[n:], s.streamID)
	n += putVarint(b[n:], s.dataLimit)
	return n, nil
}

func (s *streamDataBlockedFrame) decode(b []byte) (int, error) {
	n := 1
	for _, f := range []*uint64{&s.streamID, &s.dataLimit} {
		m := getVarint(b[n:], f)
		if m == 0 {
			return 0, newError(FrameEncodingError, "stream_data_blocked")
		}
		n += m
	}
	return n, nil
}

// streamsBlockedFrame informs the peer that the sender is blocked on its stream-count limit.
type streamsBlockedFrame struct {
	streamLimit uint64
	bidi        bool
}

func newStreamsBlockedFrame(limit uint64, bidi bool) *streamsBlockedFrame {
	return &streamsBlockedFrame{streamLimit: limit, bidi: bidi}
}

func (s *streamsBlockedFrame) encodedLen() int { return 1 + varintLen(s.streamLimit) }

func (s *streamsBlockedFrame) encode(b []byte) (int, error) {
	if len(b) < s.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	if s.bidi {
		b[n] = byte(frameTypeStreamsBlockedBidi)
	} else {
		b[n] = byte(frameTypeStreamsBlockedUni)
	}
	n++
	n += putVarint(b[n:], s.streamLimit)
	return n, nil
}

func (s *streamsBlockedFrame) decode(b []byte) (int, error) {
	s.bidi = b[0] == byte(frameTypeStreamsBlockedBidi)
	n := 1
	m := getVarint(b[n:], &s.streamLimit)
	if m == 0 {
		return 0, newError(FrameEncodingError, "streams_blocked")
	}
	return n + m, nil
}

// newConnectionIDFrame offers the peer a new connection ID to use as a destination.
type newConnectionIDFrame struct {
	sequenceNumber uint64
	retirePriorTo  uint64
	connectionID   []byte
	resetToken     [16]byte
}

func (s *newConnectionIDFrame) encodedLen() int {
	return 1 + varintLen(s.sequenceNumber) + varintLen(s.retirePriorTo) + 1 + len(s.connectionID) + 16
}

func (s *newConnectionIDFrame) encode(b []byte) (int, error) {
	if len(b) < s.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	b[n] = byte(frameTypeNewConnectionID)
	n++
	n += putVarint(b[n:], s.sequenceNumber)
	n += putVarint(b[n:], s.retirePriorTo)
	b[n] = byte(len(s.connectionID))
	n++
	n += copy(b[n:], s.connectionID)
	n += copy(b[n:], s.resetToken[:])
	return n, nil
}

func (s *newConnectionIDFrame) decode(b []byte) (int, error) {
	n := 1
	for _, f := range []*uint64{&s.sequenceNumber, &s.retirePriorTo} {
		m := getVarint(b[n:], f)
		if m == 0 {
			return 0, newError(FrameEncodingError, "new_connection_id")
		}
		n += m
	}
	if n >= len(b) {
		return 0, io.ErrUnexpectedEOF
	}
	cidLen := int(b[n])
	n++
	if cidLen > MaxCIDLength || len(b)-n < cidLen+16 {
		return 0, newError(FrameEncodingError, "new_connection_id cid")
	}
	s.connectionID = append([]byte(nil), b[n:n+cidLen]...)
	n += cidLen
	copy(s.resetToken[:], b[n:n+16])
	n += 16
	return n, nil
}

// retireConnectionIDFrame asks the peer to stop using a sequence-numbered source CID.
type retireConnectionIDFrame struct {
	sequenceNumber uint64
}

func (s *retireConnectionIDFrame) encodedLen() int { return 1 + varintLen(s.sequenceNumber) }

func (s *retireConnectionIDFrame) encode(b []byte) (int, error) {
	if len(b) < s.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	b[n] = byte(frameTypeRetireConnectionID)
	n++
	n += putVarint(b[n:], s.sequenceNumber)
	return n, nil
}

func (s *retireConnectionIDFrame) decode(b []byte) (int, error) {
	n := 1
	m := getVarint(b[n:], &s.sequenceNumber)
	if m == 0 {
		return 0, newError(FrameEncodingError, "retire_connection_id")
	}
	return n + m, nil
}

// pathChallengeFrame / pathResponseFrame carry an 8-byte payload used to
// validate ownership of a path.
type pathChallengeFrame struct {
	data [8]byte
}

func (s *pathChallengeFrame) encodedLen() int { return 1 + 8 }

func (s *pathChallengeFrame) encode(b []byte) (int, error) {
	if len(b) < 9 {
		return 0, errShortBuffer
	}
	b[0] = byte(frameTypePathChallenge)
	copy(b[1:9], s.data[:])
	return 9, nil
}

func (s *pathChallengeFrame) decode(b []byte) (int, error) {
	if len(b) < 9 {
		return 0, io.ErrUnexpectedEOF
	}
	copy(s.data[:], b[1:9])
	return 9, nil
}

type pathResponseFrame struct {
	data [8]byte
}

func (s *pathResponseFrame) encodedLen() int { return 1 + 8 }

func (s *pathResponseFrame) encode(b []byte) (int, error) {
	if len(b) < 9 {
		return 0, errShortBuffer
	}
	b[0] = byte(frameTypePathResponse)
	copy(b[1:9], s.data[:])
	return 9, nil
}

func (s *pathResponseFrame) decode(b []byte) (int, error) {
	if len(b) < 9 {
		return 0, io.ErrUnexpectedEOF
	}
	copy(s.data[:], b[1:9])
	return 9, nil
}

// connectionCloseFrame signals that the sender is closing the connection.
type connectionCloseFrame struct {
	application  bool
	errorCode    uint64
	frameType    uint64
	reasonPhrase []byte
}

func newConnectionCloseFrame(errorCode, frameType uint64, reason []byte, application bool) *connectionCloseFrame {
	return &connectionCloseFrame{errorCode: errorCode, frameType: frameType, reasonPhrase: reason, application: application}
}

func (s *connectionCloseFrame) encodedLen() int {
	n := 1 + varintLen(s.errorCode)
	if !s.application {
		n += varintLen(s.frameType)
	}
	n += varintLen(uint64(len(s.reasonPhrase))) + len(s.reasonPhrase)
	return n
}

func (s *connectionCloseFrame) encode(b []byte) (int, error) {
	if len(b) < s.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	if s.application {
		b[n] = byte(frameTypeApplicationClose)
	} else {
		b[n] = byte(frameTypeConnectionClose)
	}
	n++
	n += putVarint(b[n:], s.errorCode)
	if !s.application {
		n += putVarint(b[n:], s.frameType)
	}
	n += putVarint(b[n:], uint64(len(s.reasonPhrase)))
	n += copy(b[n:], s.reasonPhrase)
	return n, nil
}

func (s *connectionCloseFrame) decode(b []byte) (int, error) {
	s.application = b[0] == byte(frameTypeApplicationClose)
	n := 1
	m := getVarint(b[n:], &s.errorCode)
	if m == 0 {
		return 0, newError(FrameEncodingError, "connection_close code")
	}
	n += m
	if !s.application {
		m = getVarint(b[n:], &s.frameType)
		if m == 0 {
			return 0, newError(FrameEncodingError, "connection_close frame type")
		}
		n += m
	}
	var length uint64
	m = getVarint(b[n:], &length)
	if m == 0 {
		return 0, newError(FrameEncodingError, "connection_close reason length")
	}
	n += m
	if uint64(len(b)-n) < length {
		return 0, io.ErrUnexpectedEOF
	}
	s.reasonPhrase = b[n : n+int(length)]
	n += int(length)
	return n, nil
}

func (s *connectionCloseFrame) String() string {
	return string(s.reasonPhrase)
}

// handshakeDoneFrame tells the client that the server has confirmed the handshake.
type handshakeDoneFrame struct{}

func (s *handshakeDoneFrame) encodedLen() int { return 1 }

func (s *handshakeDoneFrame) encode(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	b[0] = byte(frameTypeHandshakeDone)
	return 1, nil
}

func (s *handshakeDoneFrame) decode(b []byte) (int, error) { return 1, nil }

// datagramFrame carries unreliable, unordered application data (RFC 9221).
type datagramFrame struct {
	data []byte
}

func (s *datagramFrame) encodedLen() int {
	return 1 + varintLen(uint64(len(s.data))) + len(s.data)
}

func (s *datagramFrame) encode(b []byte) (int, error) {
	if len(b) < s.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	b[n] = byte(frameTypeDatagramLen)
	n++
	n += putVarint(b[n:], uint64(len(s.data)))
	n += copy(b[n:], s.data)
	return n, nil
}

func (s *datagramFrame) decode(b []byte) (int, error) {
	typ := b[0]
	n := 1
	if typ == byte(frameTypeDatagramLen) {
		var length uint64
		m := getVarint(b[n:], &length)
		if m == 0 {
			return 0, newError(FrameEncodingError, "datagram length")
		}
		n += m
		if uint64(len(b)-n) < length {
			return 0, io.ErrUnexpectedEOF
		}
		s.data = b[n : n+int(length)]
		n += int(length)
	} else {
		s.data = b[n:]
		n = len(b)
	}
	return n, nil
}

// ackFrequencyFrame negotiates how often ACKs should be sent (draft extension).
type ackFrequencyFrame struct {
	sequenceNumber uint64
	ackElicitingThreshold uint64
	requestedMaxAckDelay  uint64
	reorderThreshold      uint64
}

func (s *ackFrequencyFrame) encodedLen() int {
	return 1 + varintLen(s.sequenceNumber) + varintLen(s.ackElicitingThreshold) +
		varintLen(s.requestedMaxAckDelay) + varintLen(s.reorderThreshold)
}

func (s *ackFrequencyFrame) encode(b []byte) (int, error) {
	if len(b) < s.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	b[n] = byte(frameTypeAckFrequency)
	n++
	n += putVarint(b[n:], s.sequenceNumber)
	n += putVarint(b[n:], s.ackElicitingThreshold)
	n += putVarint(b[n:], s.requestedMaxAckDelay)
	n += putVarint(b[n:], s.reorderThreshold)
	return n, nil
}

func (s *ackFrequencyFrame) decode(b []byte) (int, error) {
	n := 1
	for _, f := range []*uint64{&s.sequenceNumber, &s.ackElicitingThreshold, &s.requestedMaxAckDelay, &s.reorderThreshold} {
		m := getVarint(b[n:], f)
		if m == 0 {
			return 0, newError(FrameEncodingError, "ack_frequency")
		}
		n += m
	}
	return n, nil
}

// immediateAckFrame asks the peer to send an ACK immediately (draft extension).
type immediateAckFrame struct{}

func (s *immediateAckFrame) encodedLen() int { return 1 }

func (s *immediateAckFrame) encode(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	b[0] = byte(frameTypeImmediateAck)
	return 1, nil
}

func (s *immediateAckFrame) decode(b []byte) (int, error) { return 1, nil }

// timestampFrame carries a sender timestamp used for one-way-delay estimation.
type timestampFrame struct {
	timestamp uint64
}

func (s *timestampFrame) encodedLen() int { return 1 + varintLen(s.timestamp) }

func (s *timestampFrame) encode(b []byte) (int, error) {
	if len(b) < s.encodedLen() {
		return 0, errShortBuffer
	}
	n := 0
	n += putVarint(b[n:], frameTypeTimestamp)
	n += putVarint(b[n:], s.timestamp)
	return n, nil
}

func (s *timestampFrame) decode(b []byte) (int, error) {
	n := getVarintLen(b)
	var typ uint64
	m := getVarint(b, &typ)
	if m == 0 {
		return 0, newError(FrameEncodingError, "timestamp type")
	}
	n = m
	m = getVarint(b[n:], &s.timestamp)
	if m == 0 {
		return 0, newError(FrameEncodingError, "timestamp")
	}
	return n + m, nil
}
