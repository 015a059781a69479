package quic

import (
	"github.com/gravitational/trace"
)

// Internal errors never travel on the wire: they report misconfiguration,
// registration/binding setup failures and similar mistakes an operator
// makes wiring the library up, as opposed to transport.Error, which is
// the closed taxonomy CONNECTION_CLOSE frames carry. trace gives these a
// stack trace and a stable kind without growing a second wire taxonomy.

func errBadParameter(format string, args ...interface{}) error {
	return trace.BadParameter(format, args...)
}

func errAlreadyExists(format string, args ...interface{}) error {
	return trace.AlreadyExists(format, args...)
}

func errLimitExceeded(format string, args ...interface{}) error {
	return trace.LimitExceeded(format, args...)
}

func wrapError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return trace.Wrap(err, format, args...)
}
