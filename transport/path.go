package transport

import "time"

// quicMaxPathCount bounds how many simultaneous paths a connection will
// track at once (microsoft/msquic's QUIC_MAX_PATH_COUNT); beyond this the
// oldest non-active path is evicted to make room for a new one.
const quicMaxPathCount = 4

// quicAmplificationRatio is the anti-amplification multiplier applied to
// an unvalidated path (RFC 9000 Section 8): this endpoint may send no more
// than quicAmplificationRatio times what it has received on that path
// until the path is validated.
const quicAmplificationRatio = 3

// path tracks per-network-path state: its addresses, whether it has been
// validated (via PATH_CHALLENGE/PATH_RESPONSE or by virtue of being the
// handshake path), and its anti-amplification allowance.
type path struct {
	localAddr, remoteAddr string

	validated bool
	allowance uint64 // bytes this endpoint may still send before receiving more

	challengeSent    [8]byte
	challengePending bool

	// owd smooths the one-way-delay signal with the same EWMA rttEstimator
	// uses for RTT; phaseShift/phaseShiftSet hold the clock-offset
	// calibration against the peer's TIMESTAMP frames described in
	// spec.md Section 4.7, recalibrated by Conn.updateOneWayDelay
	// whenever a new minimum RTT is observed on this path.
	owd           rttEstimator
	phaseShift    time.Duration
	phaseShiftSet bool
}

// creditAllowance is called by Conn.postProcessPath for every received
// packet on this path that decrypted and whose frames were processed
// without error; a packet that fails before that point is not credited.
func (p *path) creditAllowance(datagramLen int) {
	if p.validated {
		return
	}
	p.allowance += uint64(quicAmplificationRatio * datagramLen)
}

// canSend reports whether n more bytes may be sent on this path without
// exceeding the anti-amplification limit.
func (p *path) canSend(n int) bool {
	return p.validated || uint64(n) <= p.allowance
}

func (p *path) debitAllowance(n int) {
	if p.validated {
		return
	}
	if uint64(n) > p.allowance {
		p.allowance = 0
		return
	}
	p.allowance -= uint64(n)
}

// pathSet holds every path a connection currently knows about, bounded to
// quicMaxPathCount entries.
type pathSet struct {
	paths  []*path
	active int
}

func (s *pathSet) init(localAddr, remoteAddr string) {
	s.paths = []*path{{localAddr: localAddr, remoteAddr: remoteAddr}}
	s.active = 0
}

func (s *pathSet) activePath() *path {
	if len(s.paths) == 0 {
		return nil
	}
	return s.paths[s.active]
}

// findOrAdd returns the path matching remoteAddr, creating one (evicting
// the oldest non-active entry if at capacity) when it is new.
func (s *pathSet) findOrAdd(localAddr, remoteAddr string) *path {
	for _, p := range s.paths {
		if p.remoteAddr == remoteAddr {
			return p
		}
	}
	if len(s.paths) >= quicMaxPathCount {
		for i, p := range s.paths {
			if i != s.active {
				s.paths = append(s.paths[:i], s.paths[i+1:]...)
				break
			}
		}
	}
	p := &path{localAddr: localAddr, remoteAddr: remoteAddr}
	s.paths = append(s.paths, p)
	return p
}

// promote makes p the active path, used once a non-probing frame arrives
// from it (RFC 9000 Section 9.3).
func (s *pathSet) promote(p *path) {
	for i, candidate := range s.paths {
		if candidate == p {
			s.active = i
			return
		}
	}
}
