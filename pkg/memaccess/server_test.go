package memaccess

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	j1939 "github.com/go-j1939/j1939"
)

// router wires a Query and a Server together in-process, dispatching each
// SendPGN by PGN and originating address the way two CAs on the same bus
// would see each other's frames.
type router struct {
	query                *Query
	server               *Server
	querySrc, serverSrc  uint8
}

func (r *router) SendPGN(pgn j1939.ParameterGroupNumber, priority, src uint8, data []byte) error {
	switch pgn.Value() {
	case j1939.PGNDM14:
		if src == r.querySrc {
			r.server.HandleDM14(src, data)
		}
	case j1939.PGNDM15:
		if src == r.serverSrc {
			r.query.HandleDM15(src, data)
		}
	case j1939.PGNDM16:
		if src == r.querySrc {
			r.server.HandleDM16(src, data)
		} else if src == r.serverSrc {
			r.query.HandleDM16(src, data)
		}
	}
	return nil
}

func newWiredPair(t *testing.T) (*Query, *Server, *router) {
	t.Helper()
	r := &router{querySrc: 0x10, serverSrc: 0x20}
	q := NewQuery(r, r.querySrc)
	s := NewServer(r, r.serverSrc)
	r.query = q
	r.server = s
	return q, s, r
}

// TestQueryServerReadWithSeedKey covers spec §8 scenario S4: a DM14 read
// that requires a seed/key challenge before the device returns data.
func TestQueryServerReadWithSeedKey(t *testing.T) {
	q, s, _ := newWiredPair(t)

	s.SetSeedKeyValidFunction(func(seed, key uint16) bool { return key == seed^0xFFFF })
	s.SetSeedGenerator(func() uint16 { return 0xA55A })
	wantData := []byte{1, 2, 3, 4}
	s.SetProceedFunction(func(address uint32, objectCount int, direct bool, command Command) []byte {
		assert.Equal(t, CommandRead, command)
		return wantData
	})
	q.SetSeedKeyAlgorithm(func(seed uint16) uint16 { return seed ^ 0xFFFF })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := q.Read(ctx, 0x20, 0x1000, len(wantData))
	require.NoError(t, err)
	assert.Equal(t, wantData, got)
}

// TestQueryServerWriteWithSeedKey covers the write-side counterpart: data
// flows client->server and the server only acknowledges once its own
// operation-complete DM15 round trip finishes.
func TestQueryServerWriteWithSeedKey(t *testing.T) {
	q, s, _ := newWiredPair(t)

	s.SetSeedKeyValidFunction(func(seed, key uint16) bool { return key == seed^0xFFFF })
	s.SetSeedGenerator(func() uint16 { return 0xA55A })
	var gotAddress uint32
	var proceedCalled bool
	s.SetProceedFunction(func(address uint32, objectCount int, direct bool, command Command) []byte {
		assert.Equal(t, CommandWrite, command)
		gotAddress = address
		proceedCalled = true
		return nil
	})
	q.SetSeedKeyAlgorithm(func(seed uint16) uint16 { return seed ^ 0xFFFF })

	writeData := []byte{0xAA, 0xBB, 0xCC}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := q.Write(ctx, 0x20, 0x2000, writeData)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2000), gotAddress)
	assert.True(t, proceedCalled)
}

// TestQueryServerRejectsWrongKey covers the negative path: a bad key
// produces a DM15 operation-failed status and the query surfaces it as an
// error rather than hanging.
func TestQueryServerRejectsWrongKey(t *testing.T) {
	q, s, _ := newWiredPair(t)

	s.SetSeedKeyValidFunction(func(seed, key uint16) bool { return false })
	s.SetSeedGenerator(func() uint16 { return 0xA55A })
	q.SetSeedKeyAlgorithm(func(seed uint16) uint16 { return seed ^ 0xFFFF })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := q.Read(ctx, 0x20, 0x1000, 4)
	assert.Error(t, err)
}

// TestServerBusyRespondsWhileTransactionInFlight covers the review fix for
// HandleDM14: a second DM14 from a different source address while a
// transaction is in flight gets BUSY (error 0x2) without disturbing the
// first transaction's state.
func TestServerBusyRespondsWhileTransactionInFlight(t *testing.T) {
	_, s, r := newWiredPair(t)

	s.SetSeedGenerator(func() uint16 { return 0xA55A })

	var dm15Frames [][]byte
	_ = r
	s.sender = senderFunc(func(pgn j1939.ParameterGroupNumber, priority, src uint8, data []byte) error {
		if pgn.Value() == j1939.PGNDM15 {
			dm15Frames = append(dm15Frames, append([]byte(nil), data...))
		}
		return nil
	})

	firstData := []byte{4, 1<<1 | 1, 0x00, 0x10, 0x00, 0x00, 0xFF, 0xFF}
	s.HandleDM14(0x30, firstData)
	require.Equal(t, serverWaitForKey, s.state)
	require.Equal(t, uint8(0x30), s.srcPeer)
	require.Len(t, dm15Frames, 1, "the seed reply to the first request")

	secondData := []byte{4, 1<<1 | 1, 0x00, 0x20, 0x00, 0x00, 0xFF, 0xFF}
	s.HandleDM14(0x40, secondData)

	assert.Equal(t, serverWaitForKey, s.state, "busy reply must not disturb the in-flight transaction")
	assert.Equal(t, uint8(0x30), s.srcPeer)
	require.Len(t, dm15Frames, 2, "a second, busy reply for the second request")

	busy := dm15Frames[1]
	status := Dm15Status((busy[1] >> 1) & 0x7)
	errCode := uint32(busy[2]) | uint32(busy[3])<<8 | uint32(busy[4])<<16
	assert.Equal(t, Dm15OperationFailed, status)
	assert.Equal(t, uint32(0x2), errCode)
}

type senderFunc func(pgn j1939.ParameterGroupNumber, priority, src uint8, data []byte) error

func (f senderFunc) SendPGN(pgn j1939.ParameterGroupNumber, priority, src uint8, data []byte) error {
	return f(pgn, priority, src, data)
}
