package quic

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/goburrow/quic/transport"
)

// workerTick is how often a Worker sweeps its registration for expired
// timers. Connections are otherwise driven entirely by incoming
// datagrams; this tick only matters for idle/keep-alive/loss-detection
// timers firing with no new data arriving to trigger them.
const workerTick = 25 * time.Millisecond

// Worker drains one Registration's connections on a clock-driven tick and
// on demand whenever Registration.wakeWorker signals that a connection has
// queued work between ticks: for any connection whose Timeout has elapsed
// it schedules an OpTimerExpired operation, runs DrainOperations, then
// flushes whatever the connection now has queued to send. clockwork.Clock
// makes this loop's pacing swappable for a FakeClock in tests instead of
// sleeping.
type Worker struct {
	clock   clockwork.Clock
	logger  *zap.Logger
	binding *Binding
	handler Handler

	done chan struct{}
}

func newWorker(clock clockwork.Clock, binding *Binding, handler Handler, logger *zap.Logger) *Worker {
	return &Worker{
		clock:   clock,
		binding: binding,
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (w *Worker) run(reg *Registration) {
	ticker := w.clock.NewTicker(workerTick)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.Chan():
			w.tick(reg)
		case <-reg.wake:
			w.tick(reg)
		}
	}
}

func (w *Worker) stop() {
	close(w.done)
}

func (w *Worker) tick(reg *Registration) {
	reg.mu.RLock()
	conns := make([]*remoteConn, 0, len(reg.conns))
	for _, c := range reg.conns {
		conns = append(conns, c)
	}
	reg.mu.RUnlock()

	now := w.clock.Now()
	for _, rc := range conns {
		w.driveConn(rc, now)
	}
}

// driveConn is the single place that calls into a Connection's WriteTo,
// Read, Timeout, DrainOperations and Events: every other goroutine hands
// work to this connection via its operation queue (QueueRecvPackets,
// RequestClose) instead of calling those methods directly, so this is the
// one thread draining it at a time (spec.md Section 5). It arms
// OpTimerExpired if the connection's timer has elapsed, then always drains
// the operation queue (an API call or inbound datagram may have queued
// work with no timer involved), delivers accumulated events to the
// handler, flushes any resulting outbound packets, and finally retires the
// connection from its registration once it reaches ShutdownComplete.
func (w *Worker) driveConn(rc *remoteConn, now time.Time) {
	// Timeout reports 0 once a deadline has passed and -1 when disarmed.
	if d := rc.conn.Timeout(); d == 0 {
		rc.conn.EnqueuePriority(transport.OpTimerExpired, nil)
	}
	rc.conn.DrainOperations(w.binding.config.MaxOperationsPerDrain, now)
	if w.handler != nil {
		var events []transport.Event
		events = rc.conn.Events(events)
		if len(events) > 0 {
			w.handler.Serve(rc, events)
		}
	}
	rc.flush(rc.pc)
	if rc.conn.IsClosed() {
		rc.registration.remove(rc)
	}
}
