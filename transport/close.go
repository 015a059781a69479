package transport

import "time"

// quicCloseProbeTimeoutCount is the number of probe-timeout intervals the
// draining period lasts before a closing connection is considered fully
// drained (microsoft/msquic's QUIC_CLOSE_PTO_COUNT).
const quicCloseProbeTimeoutCount = 3

// tryClose begins the immediate-close sequence: it records the close
// reason (wire-facing for a transport error, application-facing for one
// raised by the app), transitions to draining, and arms the draining
// timer for quicCloseProbeTimeoutCount PTOs, after which the connection
// is considered fully drained and may be freed (RFC 9000 Section 10.2).
// This mirrors QuicConnTryClose's shape without msquic's separate
// "silent" vs "send CONNECTION_CLOSE" branches collapsed into one path,
// since s.closeFrame already decides that for us in conn.go's send path.
func (s *Conn) tryClose(app bool, errCode uint64, frameType uint64, reason string, now time.Time) {
	if s.isDraining() || s.closeFrame != nil {
		return
	}
	s.closeFrame = &connectionCloseFrame{
		application:  app,
		errorCode:    errCode,
		frameType:    frameType,
		reasonPhrase: []byte(reason),
	}
	s.state = stateDraining
	s.setDraining(now)
	status := statusForErrorCode(ErrorCode(errCode))
	if app {
		status = StatusNoError
		if errCode != 0 {
			status = StatusAborted
		}
	}
	s.addEvent(Event{
		Type:        EventShutdownInitiatedByTransport,
		Status:      status,
		Application: app,
		ErrorCode:   errCode,
		ReasonPhrase: reason,
	})
}

// onDrainComplete is called once the draining timer expires; it raises the
// terminal ShutdownComplete event the application waits on before freeing
// the connection.
func (s *Conn) onDrainComplete(peerAcked bool) {
	s.addEvent(Event{
		Type: EventShutdownComplete,
		Shutdown: ShutdownCompleteFlags{
			HandshakeCompleted:       s.state >= stateActive || s.handshakeConfirmed,
			PeerAcknowledgedShutdown: peerAcked,
			AppCloseInProgress:       s.closeFrame != nil && s.closeFrame.application,
		},
	})
}
