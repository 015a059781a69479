package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCidManagerSourceSequenceNumbersMonotonic(t *testing.T) {
	var m cidManager
	m.init(4)

	a := m.addSourceCID([]byte{1}, [16]byte{})
	b := m.addSourceCID([]byte{2}, [16]byte{})
	c := m.addSourceCID([]byte{3}, [16]byte{})

	assert.Equal(t, uint64(0), a.sequenceNumber)
	assert.Equal(t, uint64(1), b.sequenceNumber)
	assert.Equal(t, uint64(2), c.sequenceNumber)
	require.Len(t, m.source, 3)
}

func TestCidManagerRetireSourceCID(t *testing.T) {
	var m cidManager
	m.init(4)
	m.addSourceCID([]byte{1}, [16]byte{})
	m.addSourceCID([]byte{2}, [16]byte{})

	m.retireSourceCID(1)

	assert.False(t, m.source[0].retired)
	assert.True(t, m.source[1].retired)
}

func TestCidManagerActiveDestCIDSkipsRetired(t *testing.T) {
	var m cidManager
	m.init(4)
	m.addDestCID(0, []byte{0xaa}, [16]byte{})
	m.addDestCID(1, []byte{0xbb}, [16]byte{})

	assert.True(t, equalCID(m.activeDestCID(), []byte{0xaa}))

	m.dest[0].retired = true
	assert.True(t, equalCID(m.activeDestCID(), []byte{0xbb}))
}

func TestApplyRetirePriorToRetiresBelowThreshold(t *testing.T) {
	var m cidManager
	m.init(4)
	m.addDestCID(0, []byte{0}, [16]byte{})
	m.addDestCID(1, []byte{1}, [16]byte{})
	m.addDestCID(2, []byte{2}, [16]byte{})

	replacement, err := m.applyRetirePriorTo(2)
	require.NoError(t, err)
	assert.True(t, equalCID(replacement, []byte{2}), "the active CID (sequence 0) is retiring, so sequence 2 replaces it")

	assert.True(t, m.dest[0].retired)
	assert.True(t, m.dest[1].retired)
	assert.False(t, m.dest[2].retired)
	assert.Equal(t, 2, m.retiredDestCount)
}

func TestApplyRetirePriorToReplacesActiveCID(t *testing.T) {
	var m cidManager
	m.init(4)
	m.addDestCID(0, []byte{0}, [16]byte{}) // active path uses sequence 0
	m.addDestCID(1, []byte{1}, [16]byte{})

	replacement, err := m.applyRetirePriorTo(1)
	require.NoError(t, err)
	assert.True(t, equalCID(replacement, []byte{1}))
	assert.True(t, m.dest[0].retired)
}

func TestApplyRetirePriorToNoReplacementAborts(t *testing.T) {
	var m cidManager
	m.init(4)
	m.addDestCID(0, []byte{0}, [16]byte{}) // sole CID is the active one

	_, err := m.applyRetirePriorTo(1)
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, NoViablePath, perr.Kind)
}

func TestApplyRetirePriorToOverLimitIsFatal(t *testing.T) {
	var m cidManager
	m.init(1) // activeLimit = 1, so 8*1 = 8 retirements tolerated

	for seq := uint64(0); seq < 10; seq++ {
		m.addDestCID(seq, []byte{byte(seq)}, [16]byte{})
	}

	var lastErr error
	for seq := uint64(1); seq <= 10; seq++ {
		_, err := m.applyRetirePriorTo(seq)
		if err != nil {
			lastErr = err
			break
		}
	}
	require.Error(t, lastErr)
	var perr *Error
	require.ErrorAs(t, lastErr, &perr)
	assert.Equal(t, ConnectionIDLimitError, perr.Kind)
}

func TestGenerateCIDAvoidsCollisions(t *testing.T) {
	existing := [][]byte{{1, 2, 3, 4}}
	cid, err := generateCID(4, existing)
	require.NoError(t, err)
	assert.Len(t, cid, 4)
	assert.False(t, equalCID(cid, existing[0]))
}
