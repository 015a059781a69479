package transport

import "crypto/rand"

// quicCidMaxCollisionRetry bounds how many attempts this endpoint makes at
// generating a fresh connection ID that does not collide with one already
// in its own tables (microsoft/msquic's QUIC_CID_MAX_COLLISION_RETRY).
const quicCidMaxCollisionRetry = 8

// sourceCID is one connection ID this endpoint has told the peer to use as
// a destination, together with its sequence number and optional stateless
// reset token.
type sourceCID struct {
	sequenceNumber uint64
	cid            []byte
	resetToken     [16]byte
	retired        bool
}

// destCID is one connection ID the peer has told this endpoint to use as a
// destination (received via a packet's SCID or a NEW_CONNECTION_ID frame).
type destCID struct {
	sequenceNumber uint64
	cid            []byte
	resetToken     [16]byte
	retired        bool
}

// cidManager owns the source and destination CID tables for one
// Connection: the source table is a sequence-numbered list this endpoint
// assigns and retires; the destination table mirrors what the peer has
// assigned, kept in arrival order.
type cidManager struct {
	source []sourceCID
	dest   []destCID

	nextSourceSeq uint64
	retirePriorTo uint64 // lowest dest CID sequence number still valid

	retiredDestCount int
	activeLimit      uint64
}

func (m *cidManager) init(activeLimit uint64) {
	m.activeLimit = activeLimit
}

func (m *cidManager) addSourceCID(cid []byte, resetToken [16]byte) sourceCID {
	c := sourceCID{sequenceNumber: m.nextSourceSeq, cid: cid, resetToken: resetToken}
	m.source = append(m.source, c)
	m.nextSourceSeq++
	return c
}

// retireSourceCID marks a source CID as retired once the peer's
// RETIRE_CONNECTION_ID frame confirms it is no longer in use.
func (m *cidManager) retireSourceCID(seq uint64) {
	for i := range m.source {
		if m.source[i].sequenceNumber == seq {
			m.source[i].retired = true
			return
		}
	}
}

func (m *cidManager) addDestCID(seq uint64, cid []byte, resetToken [16]byte) {
	for _, d := range m.dest {
		if d.sequenceNumber == seq {
			return // already known, NEW_CONNECTION_ID frames may be retransmitted
		}
	}
	m.dest = append(m.dest, destCID{sequenceNumber: seq, cid: cid, resetToken: resetToken})
}

func (m *cidManager) activeDestCID() []byte {
	for _, d := range m.dest {
		if !d.retired {
			return d.cid
		}
	}
	return nil
}

// applyRetirePriorTo retires every destination CID with a sequence number
// below newRetirePriorTo, but only after finding a replacement for the one
// that is the active path's assigned CID — mirroring
// QuicConnOnRetirePriorToUpdated's ordering exactly: find replacement
// first, then mark retired, never the reverse. If no unused CID remains to
// replace the active one, the connection has no viable path and the
// caller must abort rather than silently proceed with no destination CID.
func (m *cidManager) applyRetirePriorTo(newRetirePriorTo uint64) ([]byte, error) {
	if newRetirePriorTo <= m.retirePriorTo {
		return nil, nil
	}
	activeBefore := m.activeDestCID()
	activeRetiring := false
	for _, d := range m.dest {
		if !d.retired && d.sequenceNumber < newRetirePriorTo && equalCID(d.cid, activeBefore) {
			activeRetiring = true
		}
	}
	var replacement []byte
	if activeRetiring {
		for _, d := range m.dest {
			if !d.retired && d.sequenceNumber >= newRetirePriorTo {
				replacement = d.cid
				break
			}
		}
		if replacement == nil {
			return nil, newError(NoViablePath, "no replacement connection id before retiring active path")
		}
	}
	for i := range m.dest {
		if !m.dest[i].retired && m.dest[i].sequenceNumber < newRetirePriorTo {
			m.dest[i].retired = true
			m.retiredDestCount++
		}
	}
	m.retirePriorTo = newRetirePriorTo
	if m.retiredDestCount > 8*int(m.activeLimit) {
		return nil, newError(ConnectionIDLimitError, "too many retired destination connection ids")
	}
	return replacement, nil
}

func equalCID(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// GenerateCID produces a fresh random connection ID of the given length,
// for a registration minting SCIDs for newly accepted connections.
func GenerateCID(length int) ([]byte, error) {
	return generateCID(length, nil)
}

// generateCID produces a fresh random connection ID, retrying on
// collision with any CID already present in existing, for at most
// quicCidMaxCollisionRetry attempts in total before giving up.
func generateCID(length int, existing [][]byte) ([]byte, error) {
	for attempt := 0; attempt < quicCidMaxCollisionRetry; attempt++ {
		cid := make([]byte, length)
		if _, err := rand.Read(cid); err != nil {
			return nil, err
		}
		collision := false
		for _, e := range existing {
			if equalCID(cid, e) {
				collision = true
				break
			}
		}
		if !collision {
			return cid, nil
		}
	}
	return nil, newError(InternalError, "connection id generation exhausted retries")
}
