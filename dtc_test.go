package j1939

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestDTCPackUnpackRoundTrips covers spec property 3: for every DTC with
// spn<=0x7FFFF, fmi<=0x1F, oc<=0x7F and cm=0, dtc_unpack(dtc_pack(x)) == x.
func TestDTCPackUnpackRoundTrips(t *testing.T) {
	cases := []DTC{
		{SPN: 0, FMI: 0, OC: 0},
		{SPN: 0x7FFFF, FMI: 0x1F, OC: 0x7F},
		{SPN: 0xFFFF, FMI: 4, OC: 12},
		{SPN: 0x70000, FMI: 31, OC: 127},
		{SPN: 1234, FMI: 2, OC: 1},
	}
	for _, d := range cases {
		got := UnpackDTC(PackDTC(d))
		assert.Equal(t, d, got)
	}
}

func TestLampStatusPackUnpackRoundTrips(t *testing.T) {
	cases := []LampStatus{
		{},
		{ProtectLamp: LampOn, AmberWarningLamp: LampSlowFlash, RedStopLamp: LampFastFlash, MalfunctionIndicator: LampNA},
		{ProtectLamp: LampOff, AmberWarningLamp: LampOff, RedStopLamp: LampOn, MalfunctionIndicator: LampOn},
	}
	for _, s := range cases {
		b := PackLampStatus(s)
		got := UnpackLampStatus(b[0], b[1])
		assert.Equal(t, s, got)
	}
}

// TestLampBitPositions locks in the pair-per-lamp Open Question decision
// (spec §9): lamp bits 0/2/4/6 of byte 0 correspond to pl/awl/rsl/mil.
func TestLampBitPositions(t *testing.T) {
	b := PackLampStatus(LampStatus{MalfunctionIndicator: LampOn})
	assert.Equal(t, byte(1<<6), b[0])

	b = PackLampStatus(LampStatus{ProtectLamp: LampOn})
	assert.Equal(t, byte(1), b[0])
}
