package j1939

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNamePackUnpackRoundTrips covers spec property 2: for every legal NAME
// field vector, name_unpack(name_pack(x)) == x, and byte 0 is value & 0xFF.
func TestNamePackUnpackRoundTrips(t *testing.T) {
	vectors := []NameFields{
		{},
		{
			ArbitraryAddressCapable: true,
			IndustryGroup:           IndustryGroupOnHighway,
			VehicleSystemInstance:   0xF,
			VehicleSystem:           0x7F,
			Function:                0xFF,
			FunctionInstance:        0x1F,
			EcuInstance:             0x7,
			ManufacturerCode:        0x7FF,
			IdentityNumber:          0x1FFFFF,
		},
		{
			ArbitraryAddressCapable: false,
			IndustryGroup:           IndustryGroupIndustrial,
			VehicleSystemInstance:   1,
			VehicleSystem:           2,
			Function:                3,
			FunctionInstance:        4,
			EcuInstance:             5,
			ManufacturerCode:        1234,
			IdentityNumber:          987654,
		},
	}

	for _, f := range vectors {
		n, err := NewName(f)
		require.NoError(t, err)

		got := NameFromValue(n.Value())
		assert.Equal(t, f, got.Fields())

		b := n.Bytes()
		assert.Equal(t, byte(n.Value()&0xFF), b[0])

		fromBytes, err := NameFromBytes(b[:])
		require.NoError(t, err)
		assert.Equal(t, n.Value(), fromBytes.Value())
	}
}

func TestNewNameRejectsOutOfRangeFields(t *testing.T) {
	_, err := NewName(NameFields{IndustryGroup: 8})
	assert.Error(t, err)

	_, err = NewName(NameFields{ManufacturerCode: 1 << 11})
	assert.Error(t, err)
}

func TestNameFromBytesRejectsWrongLength(t *testing.T) {
	_, err := NameFromBytes(make([]byte, 7))
	assert.Error(t, err)
}
