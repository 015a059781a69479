package quic

import (
	"encoding/hex"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/goburrow/quic/transport"
)

// Registration owns every connection sharing one Binding: the routing
// table keyed by local (source) connection ID, and the Rundown wait
// group a clean shutdown blocks on until every connection has drained to
// ShutdownComplete. Named after msquic's QUIC_REGISTRATION, the object
// that groups connections for shutdown and statistics purposes.
type Registration struct {
	// ID correlates this registration's connections in logs across a
	// fleet of workers the way msquic's registration GUID does.
	ID uuid.UUID

	mu    sync.RWMutex
	conns map[string]*remoteConn

	rundown sync.WaitGroup

	// wake signals the worker to run an extra tick between timer ticks,
	// for a connection that just had work queued by an API call or an
	// inbound datagram rather than a timer firing.
	wake chan struct{}

	logger *zap.Logger
	stats  prometheus.Collector

	config *Config
}

func newRegistration(config *Config, logger *zap.Logger) *Registration {
	id, err := uuid.NewRandom()
	if err != nil {
		id = uuid.Nil
	}
	r := &Registration{
		ID:     id,
		conns:  make(map[string]*remoteConn),
		wake:   make(chan struct{}, 1),
		logger: logger,
		config: config,
	}
	r.stats = transport.NewStatsCollector(r.connections)
	return r
}

// wakeWorker requests an extra drain pass from the worker driving this
// registration's connections. Safe to call from any goroutine; never
// blocks (a pending wake is enough to trigger the next pass).
func (r *Registration) wakeWorker() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Registration) cidKey(cid []byte) string {
	return hex.EncodeToString(cid)
}

// add registers a freshly created connection under its own SCID and
// increments Rundown, returning an error if MaxConnections is exceeded or
// the SCID is already in use (should never happen given GenerateCID's
// collision retries, but checked defensively since a colliding SCID would
// silently steal another connection's traffic).
func (r *Registration) add(c *remoteConn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.config.MaxConnections > 0 && len(r.conns) >= r.config.MaxConnections {
		return errLimitExceeded("registration %s: max connections (%d) reached", r.ID, r.config.MaxConnections)
	}
	key := r.cidKey(c.scid)
	if _, exists := r.conns[key]; exists {
		return errAlreadyExists("registration %s: connection with scid %x already registered", r.ID, c.scid)
	}
	r.conns[key] = c
	r.rundown.Add(1)
	r.logger.Debug("connection registered", zap.String("scid", key), zap.Int("total", len(r.conns)))
	return nil
}

func (r *Registration) find(cid []byte) *remoteConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[r.cidKey(cid)]
}

// remove unregisters c and releases its Rundown slot; called once a
// connection reaches ShutdownComplete.
func (r *Registration) remove(c *remoteConn) {
	r.mu.Lock()
	key := r.cidKey(c.scid)
	if _, exists := r.conns[key]; !exists {
		r.mu.Unlock()
		return
	}
	delete(r.conns, key)
	r.mu.Unlock()
	r.logger.Debug("connection unregistered", zap.String("scid", key))
	r.rundown.Done()
}

// addCID registers an additional SCID (from a NEW_CONNECTION_ID the local
// endpoint issued) as an alias for an already-registered connection.
func (r *Registration) addCID(cid []byte, c *remoteConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[r.cidKey(cid)] = c
}

// connections returns a snapshot of every registered connection's
// Statistics, for stats.go's prometheus collector.
func (r *Registration) connections() []*transport.Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*transport.Statistics, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.conn.Stats())
	}
	return out
}

// shutdown waits for every registered connection to finish draining.
func (r *Registration) shutdown() {
	r.rundown.Wait()
}

// Collector returns the prometheus.Collector exporting this registration's
// aggregate connection statistics, for an application to register with
// its own prometheus.Registry.
func (r *Registration) Collector() prometheus.Collector {
	return r.stats
}
