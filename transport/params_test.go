package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParametersRoundTrip(t *testing.T) {
	p := &Parameters{
		OriginalDestinationCID:         []byte{1, 2, 3, 4},
		MaxIdleTimeout:                 30 * time.Second,
		StatelessResetToken:            []byte("0123456789abcdef"),
		MaxUDPPayloadSize:              1452,
		InitialMaxData:                 1 << 20,
		InitialMaxStreamDataBidiLocal:  1 << 16,
		InitialMaxStreamDataBidiRemote: 1 << 16,
		InitialMaxStreamDataUni:        1 << 15,
		InitialMaxStreamsBidi:          100,
		InitialMaxStreamsUni:           10,
		AckDelayExponent:               6,
		MaxAckDelay:                    20000,
		DisableActiveMigration:         true,
		ActiveConnectionIDLimit:        4,
		InitialSourceCID:               []byte{5, 6, 7, 8},
		RetrySourceCID:                 []byte{9, 9},
		MaxDatagramFrameSize:           1200,
		GreaseQuicBit:                  true,
		MinAckDelay:                    5000,
		AckFrequencySupported:          true,
		ReliableReset:                  true,
		Disable1RTTEncryption:         false,
	}

	encoded := encodeParameters(p)
	got, err := decodeParameters(encoded)
	require.NoError(t, err)

	assert.Equal(t, p.OriginalDestinationCID, got.OriginalDestinationCID)
	assert.Equal(t, p.MaxIdleTimeout, got.MaxIdleTimeout)
	assert.Equal(t, p.StatelessResetToken, got.StatelessResetToken)
	assert.Equal(t, p.MaxUDPPayloadSize, got.MaxUDPPayloadSize)
	assert.Equal(t, p.InitialMaxData, got.InitialMaxData)
	assert.Equal(t, p.InitialMaxStreamDataBidiLocal, got.InitialMaxStreamDataBidiLocal)
	assert.Equal(t, p.InitialMaxStreamDataBidiRemote, got.InitialMaxStreamDataBidiRemote)
	assert.Equal(t, p.InitialMaxStreamDataUni, got.InitialMaxStreamDataUni)
	assert.Equal(t, p.InitialMaxStreamsBidi, got.InitialMaxStreamsBidi)
	assert.Equal(t, p.InitialMaxStreamsUni, got.InitialMaxStreamsUni)
	assert.Equal(t, p.AckDelayExponent, got.AckDelayExponent)
	assert.Equal(t, p.MaxAckDelay, got.MaxAckDelay)
	assert.Equal(t, p.DisableActiveMigration, got.DisableActiveMigration)
	assert.Equal(t, p.ActiveConnectionIDLimit, got.ActiveConnectionIDLimit)
	assert.Equal(t, p.InitialSourceCID, got.InitialSourceCID)
	assert.Equal(t, p.RetrySourceCID, got.RetrySourceCID)
	assert.Equal(t, p.MaxDatagramFrameSize, got.MaxDatagramFrameSize)
	assert.True(t, got.GreaseQuicBit)
	assert.Equal(t, p.MinAckDelay, got.MinAckDelay)
	assert.True(t, got.AckFrequencySupported)
	assert.True(t, got.ReliableReset)
	assert.False(t, got.Disable1RTTEncryption)
}

func TestParametersRoundTripZeroFlagsStripped(t *testing.T) {
	p := &Parameters{
		AckDelayExponent: defaultAckDelayExponent,
		MaxAckDelay:      defaultMaxAckDelay,
	}
	encoded := encodeParameters(p)
	got, err := decodeParameters(encoded)
	require.NoError(t, err)
	assert.False(t, got.GreaseQuicBit)
	assert.False(t, got.DisableActiveMigration)
	assert.False(t, got.AckFrequencySupported)
	assert.False(t, got.ReliableReset)
	assert.Zero(t, got.MaxDatagramFrameSize)
}

func TestDecodeParametersRejectsAckDelayExponentOverLimit(t *testing.T) {
	var b []byte
	b = appendVarint(b, paramAckDelayExponent)
	b = appendVarint(b, 1)
	b = appendVarint(b, 21)

	_, err := decodeParameters(b)
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, TransportParameterError, perr.Kind)
}

func TestDecodeParametersRejectsMinAckDelayAboveMax(t *testing.T) {
	var b []byte
	b = appendVarint(b, paramMaxAckDelay)
	b = appendVarint(b, uint64(varintLen(1000)))
	b = appendVarint(b, 1000)
	b = appendVarint(b, paramMinAckDelay)
	b = appendVarint(b, uint64(varintLen(5000)))
	b = appendVarint(b, 5000)

	_, err := decodeParameters(b)
	require.Error(t, err)
}

func TestDecodeParametersRejectsMaxUDPPayloadSizeOutOfRange(t *testing.T) {
	tooSmall := func() []byte {
		var b []byte
		b = appendVarint(b, paramMaxUDPPayloadSize)
		b = appendVarint(b, uint64(varintLen(1199)))
		b = appendVarint(b, 1199)
		return b
	}()
	_, err := decodeParameters(tooSmall)
	require.Error(t, err)

	tooBig := func() []byte {
		var b []byte
		b = appendVarint(b, paramMaxUDPPayloadSize)
		b = appendVarint(b, uint64(varintLen(65528)))
		b = appendVarint(b, 65528)
		return b
	}()
	_, err = decodeParameters(tooBig)
	require.Error(t, err)
}

func TestDecodeParametersRejectsDuplicate(t *testing.T) {
	var b []byte
	b = appendVarint(b, paramInitialMaxData)
	b = appendVarint(b, uint64(varintLen(10)))
	b = appendVarint(b, 10)
	b = appendVarint(b, paramInitialMaxData)
	b = appendVarint(b, uint64(varintLen(20)))
	b = appendVarint(b, 20)

	_, err := decodeParameters(b)
	require.Error(t, err)
}
