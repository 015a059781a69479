package transport

import "sync"

// operationType identifies why a Connection was scheduled to run a drain
// round, mirroring the operation kinds a worker's queue can carry.
type operationType uint8

// Operation kinds a worker schedules on a Connection. The type itself
// stays unexported; these constants are the only way to name a value of
// it from outside the package, which is enough to call Enqueue/
// EnqueuePriority without ever spelling operationType.
const (
	OpAPICall operationType = iota
	OpFlushRecv
	OpFlushSend
	OpFlushStreamRecv
	OpTimerExpired
	OpUnreachable
	OpRouteCompletion
	OpTraceRundown
)

// Aliases kept for readability inside this package.
const (
	opAPICall         = OpAPICall
	opFlushRecv       = OpFlushRecv
	opFlushSend       = OpFlushSend
	opFlushStreamRecv = OpFlushStreamRecv
	opTimerExpired    = OpTimerExpired
	opUnreachable     = OpUnreachable
	opRouteCompletion = OpRouteCompletion
	opTraceRundown    = OpTraceRundown
)

// operation is one unit of scheduled work for a Connection's drain loop.
type operation struct {
	typ  operationType
	data []byte
}

// operationQueue is the single-threaded cooperative scheduling primitive a
// Connection's owning Worker drains from: a FIFO queue for ordinary work
// plus a priority queue for work that must run before anything FIFO
// (timer expirations, API calls the application is blocked on). A
// preallocated backup operation guarantees a connection can always be
// scheduled for at least a shutdown attempt even under allocation
// failure, since appending to backup never allocates.
type operationQueue struct {
	mu       sync.Mutex
	fifo     []operation
	priority []operation
	backup   operation
	hasBackup bool
}

func (q *operationQueue) init() {
	q.backup = operation{typ: opUnreachable}
}

func (q *operationQueue) enqueue(op operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fifo = append(q.fifo, op)
}

func (q *operationQueue) enqueuePriority(op operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.priority = append(q.priority, op)
}

// enqueueBackup schedules the preallocated backup operation exactly once;
// subsequent calls before it is drained are no-ops, since its only purpose
// is guaranteeing forward progress toward shutdown, not carrying data.
func (q *operationQueue) enqueueBackup() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hasBackup = true
}

// drain pops up to max operations (priority first, then FIFO), invoking fn
// for each, and reports whether work remains so the caller can re-enqueue
// this connection on its worker rather than starve other connections.
func (q *operationQueue) drain(max int, fn func(operation)) (more bool) {
	q.mu.Lock()
	var batch []operation
	n := 0
	for n < max && len(q.priority) > 0 {
		batch = append(batch, q.priority[0])
		q.priority = q.priority[1:]
		n++
	}
	for n < max && len(q.fifo) > 0 {
		batch = append(batch, q.fifo[0])
		q.fifo = q.fifo[1:]
		n++
	}
	if n < max && q.hasBackup {
		batch = append(batch, q.backup)
		q.hasBackup = false
		n++
	}
	more = len(q.priority) > 0 || len(q.fifo) > 0 || q.hasBackup
	q.mu.Unlock()

	for _, op := range batch {
		fn(op)
	}
	return more
}

func (q *operationQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo) == 0 && len(q.priority) == 0 && !q.hasBackup
}
