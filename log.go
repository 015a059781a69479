package quic

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/goburrow/quic/transport"
)

// logLevel keeps the teacher's own 0..4 verbosity scale; SetLogger takes
// a plain int at this scale so cmd/quince's "-v" flag needs no changes.
// Operational logging above this (Registration/Worker/Binding) goes
// through zap instead (see client.go's newZapLogger); this scale now
// only gates the per-connection qlog export attachLogger wires up.
type logLevel int

// Log levels
const (
	levelOff logLevel = iota
	levelError
	levelInfo
	levelDebug
	levelTrace
)

// attachLogger wires a connection's qlog-style structured event stream to
// w, called once per accepted/initiated connection when the configured
// level reaches levelDebug. Unlike the operational log, this stays a
// plain callback rather than zap: it is a data export path (one line per
// packet/frame), not an operator-facing log.
func attachLogger(c *remoteConn, w io.Writer) {
	if w == nil {
		return
	}
	tl := transactionLogger{
		writer: w,
		prefix: fmt.Sprintf("addr=%s cid=%x", c.addr, c.scid),
	}
	c.conn.OnLogEvent(tl.logEvent)
}

func detachLogger(c *remoteConn) {
	c.conn.OnLogEvent(nil)
}

type transactionLogger struct {
	writer io.Writer
	prefix string
}

func (s *transactionLogger) logEvent(e transport.LogEvent) {
	s.writer.Write(formatLogEvent(e, s.prefix))
}

func formatLogEvent(e transport.LogEvent, prefix string) []byte {
	b := bytes.Buffer{}
	b.WriteString(e.Time.Format(time.RFC3339))
	b.WriteString("   ") // extra indentation for transport-level events
	b.WriteString(e.Type)
	if prefix != "" {
		b.WriteString(" ")
		b.WriteString(prefix)
	}
	for _, f := range e.Fields {
		b.WriteString(" ")
		b.WriteString(f.String())
	}
	b.WriteString("\n")
	return b.Bytes()
}
