package quic

import (
	"crypto/tls"
	"time"

	"github.com/goburrow/quic/transport"
)

// Config configures a Client or Server: the embedded transport.Config
// carries everything a single Connection needs (version, transport
// parameters, TLS), while the fields declared here are operational knobs
// that apply to the whole registration of connections sharing a socket.
type Config struct {
	transport.Config

	// CIDLength is the length, in bytes, of source connection IDs this
	// endpoint mints for accepted/initiated connections. Short-header
	// packets carry no explicit CID length, so a Binding must know it
	// ahead of time to route a datagram before a Connection exists.
	CIDLength int

	// WorkerCount must be positive (validate rejects anything else).
	// Client and Server start exactly one Worker per Registration whatever
	// its value; connections are not spread across several workers.
	WorkerCount int

	// MaxConnections bounds how many connections a server Registration
	// will accept concurrently; zero means unbounded.
	MaxConnections int

	// HandshakeTimeout is set to 10s by newDefaultConfig. Nothing in this
	// module reads it, so a connection's handshake is not bounded by it.
	HandshakeTimeout time.Duration
}

func newDefaultConfig() *Config {
	c := &Config{
		CIDLength:        8,
		WorkerCount:      1,
		HandshakeTimeout: 10 * time.Second,
	}
	c.Config.TLS = &tls.Config{}
	c.Config.SetDefaults()
	return c
}

// validate reports a trace-wrapped error for any configuration mistake
// that would otherwise surface later as a confusing nil-pointer panic or
// silent misbehavior deep in a worker goroutine.
func (c *Config) validate() error {
	if c.CIDLength <= 0 || c.CIDLength > transport.MaxCIDLength {
		return errBadParameter("cid length must be in (0, %d], got %d", transport.MaxCIDLength, c.CIDLength)
	}
	if c.WorkerCount <= 0 {
		return errBadParameter("worker count must be positive, got %d", c.WorkerCount)
	}
	if c.Config.TLS == nil {
		return errBadParameter("tls config is required")
	}
	return nil
}
