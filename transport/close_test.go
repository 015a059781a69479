package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClientConn(t *testing.T) *Conn {
	t.Helper()
	cfg := &Config{}
	c, err := Connect([]byte{1, 2, 3, 4}, cfg)
	require.NoError(t, err)
	return c
}

func TestTryCloseTransportErrorSetsCloseFrameAndDrains(t *testing.T) {
	c := newTestClientConn(t)
	now := time.Now()

	c.tryClose(false, uint64(ProtocolViolation), 0, "bad frame", now)

	require.NotNil(t, c.closeFrame)
	assert.False(t, c.closeFrame.application)
	assert.Equal(t, uint64(ProtocolViolation), c.closeFrame.errorCode)
	assert.True(t, c.isDraining())

	require.NotEmpty(t, c.events)
	last := c.events[len(c.events)-1]
	assert.Equal(t, EventShutdownInitiatedByTransport, last.Type)
	assert.Equal(t, StatusProtocolError, last.Status)
}

func TestTryCloseApplicationErrorStatus(t *testing.T) {
	c := newTestClientConn(t)
	now := time.Now()

	c.tryClose(true, 42, 0, "bye", now)

	require.NotEmpty(t, c.events)
	last := c.events[len(c.events)-1]
	assert.Equal(t, StatusAborted, last.Status)
	assert.True(t, last.Application)
}

func TestTryCloseIsIdempotentOnceDraining(t *testing.T) {
	c := newTestClientConn(t)
	now := time.Now()

	c.tryClose(false, uint64(InternalError), 0, "first", now)
	firstFrame := c.closeFrame
	c.tryClose(false, uint64(FlowControlError), 0, "second", now)

	assert.Same(t, firstFrame, c.closeFrame, "a second tryClose must not replace the first close reason")
}

func TestOnDrainCompleteReportsHandshakeAndAppFlags(t *testing.T) {
	c := newTestClientConn(t)
	now := time.Now()
	c.tryClose(true, 0, 0, "", now)

	c.onDrainComplete(true)

	require.NotEmpty(t, c.events)
	last := c.events[len(c.events)-1]
	require.Equal(t, EventShutdownComplete, last.Type)
	assert.True(t, last.Shutdown.PeerAcknowledgedShutdown)
	assert.True(t, last.Shutdown.AppCloseInProgress)
}
