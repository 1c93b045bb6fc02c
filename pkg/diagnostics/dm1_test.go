package diagnostics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	j1939 "github.com/go-j1939/j1939"
)

type capturingSender struct {
	pgn      j1939.ParameterGroupNumber
	priority uint8
	src      uint8
	data     []byte
}

func (s *capturingSender) SendPGN(pgn j1939.ParameterGroupNumber, priority, src uint8, data []byte) error {
	s.pgn = pgn
	s.priority = priority
	s.src = src
	s.data = append([]byte(nil), data...)
	return nil
}

// TestDm1SendReceiveRoundTrip covers spec §8 scenario S5: a DM1 carrying two
// DTCs sent by one Dm1 is parsed back into the same lamp status and DTC list
// by another.
func TestDm1SendReceiveRoundTrip(t *testing.T) {
	sender := &capturingSender{}
	tx := New(sender, 0x00)

	lamps := j1939.LampStatus{ProtectLamp: j1939.LampOn, RedStopLamp: j1939.LampOn}
	dtcs := []j1939.DTC{
		{SPN: 524287, FMI: 31, OC: 1, CM: 0},
		{SPN: 1569, FMI: 2, OC: 3, CM: 0},
	}
	tx.SetData(dtcs, lamps)
	require.NoError(t, tx.Send())

	assert.Equal(t, j1939.PGNFromValue(j1939.PGNDM01), sender.pgn)
	assert.Equal(t, uint8(7), sender.priority, "more than 8 bytes of payload raises priority to 7")
	assert.Len(t, sender.data, 2+4*2)

	var gotSrc uint8
	var gotLamps j1939.LampStatus
	var gotDTCs []j1939.DTC
	rx := New(nil, 0x01)
	rx.Subscribe(func(sourceAddress uint8, timestamp float64, dtcList []j1939.DTC, lampStatus j1939.LampStatus) {
		gotSrc = sourceAddress
		gotLamps = lampStatus
		gotDTCs = dtcList
	})
	rx.Receive(0x00, 0, sender.data)

	assert.Equal(t, uint8(0x00), gotSrc)
	assert.Equal(t, lamps, gotLamps)
	assert.Equal(t, dtcs, gotDTCs)
}

func TestDm1SingleDTCUsesPriority6(t *testing.T) {
	sender := &capturingSender{}
	tx := New(sender, 0x10)
	tx.SetData([]j1939.DTC{{SPN: 100, FMI: 1, OC: 1}}, j1939.LampStatus{})
	require.NoError(t, tx.Send())
	assert.Equal(t, uint8(6), sender.priority)
	assert.Len(t, sender.data, 6)
}

func TestDm1ReceiveRejectsShortFrame(t *testing.T) {
	rx := New(nil, 0x01)
	var called bool
	rx.Subscribe(func(sourceAddress uint8, timestamp float64, dtcs []j1939.DTC, lamps j1939.LampStatus) {
		called = true
	})
	rx.Receive(0x00, 0, []byte{0, 0, 0})
	assert.False(t, called)
}

func TestDm1ReceiveSkipsAllZeroFillerDTCs(t *testing.T) {
	sender := &capturingSender{}
	tx := New(sender, 0x10)
	tx.SetData([]j1939.DTC{{SPN: 100, FMI: 1, OC: 1}}, j1939.LampStatus{})
	require.NoError(t, tx.Send())
	padded := append(append([]byte(nil), sender.data...), 0, 0, 0, 0)

	var gotDTCs []j1939.DTC
	rx := New(nil, 0x01)
	rx.Subscribe(func(sourceAddress uint8, timestamp float64, dtcs []j1939.DTC, lamps j1939.LampStatus) {
		gotDTCs = dtcs
	})
	rx.Receive(0x00, 0, padded)
	assert.Len(t, gotDTCs, 1)
}
