package j1939

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestEncodeDecodeCanIDRoundTrips covers spec property 1: for every legal
// (priority, pgn, sa), decode(encode(x)) == x and bit 31 stays clear.
func TestEncodeDecodeCanIDRoundTrips(t *testing.T) {
	priorities := []uint8{0, 1, 3, 6, 7}
	pgns := []uint32{0, 0xDF00, 0xFEB0, 0xEA00, 0xEE00, 0x3FFFF}
	sources := []uint8{0, 1, 0x90, 0xFE, 0xFF}

	for _, p := range priorities {
		for _, pgn := range pgns {
			for _, sa := range sources {
				id := EncodeCanID(p, pgn, sa)
				assert.Zero(t, id&(1<<31), "bit 31 must stay clear")
				got := DecodeCanID(id)
				assert.Equal(t, p, got.Priority)
				assert.Equal(t, pgn, got.PGN)
				assert.Equal(t, sa, got.Source)
				assert.Equal(t, id, got.CanID())
			}
		}
	}
}

func TestPGNValueRoundTrips(t *testing.T) {
	cases := []ParameterGroupNumber{
		NewPGN(0, 0xDF, 0x00),
		NewPGN(0, 0xEE, 0xFF),
		NewPGN(1, 0xFE, 0xB0),
		NewPGN(0, 239, 0x9B),
		NewPGN(0, 240, 0x00),
	}
	for _, pgn := range cases {
		got := PGNFromValue(pgn.Value())
		assert.Equal(t, pgn, got)
	}
}

func TestPGNIsPDU1PDU2Boundary(t *testing.T) {
	assert.True(t, NewPGN(0, 239, 0x9B).IsPDU1())
	assert.False(t, NewPGN(0, 239, 0x9B).IsPDU2())
	assert.True(t, NewPGN(0, 240, 0x00).IsPDU2())
	assert.False(t, NewPGN(0, 240, 0x00).IsPDU1())
}
