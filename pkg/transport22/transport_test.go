package transport22

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	j1939 "github.com/go-j1939/j1939"
)

type multiPgNotification struct {
	priority uint8
	pgn      uint32
	src, dst uint8
	data     []byte
}

type multiPgSpy struct {
	got []multiPgNotification
}

func (s *multiPgSpy) handle(priority uint8, pgn uint32, sourceAddress, destAddress uint8, timestamp float64, data []byte) {
	s.got = append(s.got, multiPgNotification{priority, pgn, sourceAddress, destAddress, append([]byte(nil), data...)})
}

type sentFrame struct {
	canID uint32
	data  []byte
}

// TestScenarioS6MultiPGBatchingUnderTimeLimit covers spec §8 property 8 and
// literal scenario S6: two small PGs sent with a shared time_limit collapse
// into a single Multi-PG frame carrying both C-PGs, flushed once the
// accumulation deadline passes.
func TestScenarioS6MultiPGBatchingUnderTimeLimit(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var frames []sentFrame
	e := New(func(canID uint32, data []byte) error {
		frames = append(frames, sentFrame{canID, append([]byte(nil), data...)})
		return nil
	}, nil, nil, Options{Clock: func() time.Time { return now }})

	pgnA := j1939.NewPGN(0, 0xFE, 0x01)
	pgnB := j1939.NewPGN(0, 0xFE, 0x02)
	dataA := []byte{0xA1, 0xA2, 0xA3}
	dataB := []byte{0xB1, 0xB2}

	require.NoError(t, e.SendPGN(pgnA, 6, 0x10, dataA, 10*time.Millisecond))
	require.NoError(t, e.SendPGN(pgnB, 7, 0x10, dataB, 10*time.Millisecond))
	assert.Empty(t, frames, "both C-PGs must be buffered, not sent immediately")

	now = now.Add(11 * time.Millisecond)
	e.Tick(now)

	require.Len(t, frames, 1, "the two buffered C-PGs must flush as a single frame")

	mid := j1939.DecodeCanID(frames[0].canID)
	assert.Equal(t, uint8(6), mid.Priority, "frame priority is the minimum of the packed C-PGs' priorities")
	assert.Equal(t, j1939.PGNMultiPG|uint32(j1939.AddressGlobal), mid.PGN)
	assert.Equal(t, uint8(0x10), mid.Source)

	spy := &multiPgSpy{}
	e2 := New(nil, spy.handle, nil, Options{})
	e2.HandleMultiPG(mid.Priority, mid.Source, uint8(mid.PGN&0xFF), frames[0].data, 0)

	require.Len(t, spy.got, 2, "both C-PGs must be delivered in order")
	assert.Equal(t, pgnA.Value(), spy.got[0].pgn)
	assert.Equal(t, dataA, spy.got[0].data)
	assert.Equal(t, pgnB.Value(), spy.got[1].pgn)
	assert.Equal(t, dataB, spy.got[1].data)
}

// TestSendPGNWithoutTimeLimitSendsImmediately covers the time_limit == 0
// default (spec §4.3): each SendPGN call produces its own frame with no
// batching.
func TestSendPGNWithoutTimeLimitSendsImmediately(t *testing.T) {
	var frames [][]byte
	e := New(func(canID uint32, data []byte) error {
		frames = append(frames, append([]byte(nil), data...))
		return nil
	}, nil, nil, Options{})

	pgnA := j1939.NewPGN(0, 0xFE, 0x01)
	pgnB := j1939.NewPGN(0, 0xFE, 0x02)

	require.NoError(t, e.SendPGN(pgnA, 6, 0x10, []byte{1, 2, 3}, 0))
	require.NoError(t, e.SendPGN(pgnB, 6, 0x10, []byte{4, 5, 6}, 0))

	assert.Len(t, frames, 2, "time_limit == 0 must send each C-PG in its own frame")
}

// TestMultiPGBucketsAreKeyedBySourceDestination covers the accumulation
// buffer's keying: two C-PGs from different source addresses must not be
// packed together even when buffered in the same Tick window.
func TestMultiPGBucketsAreKeyedBySourceDestination(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var frames []sentFrame
	e := New(func(canID uint32, data []byte) error {
		frames = append(frames, sentFrame{canID, append([]byte(nil), data...)})
		return nil
	}, nil, nil, Options{Clock: func() time.Time { return now }})

	pgn := j1939.NewPGN(0, 0xFE, 0x01)
	require.NoError(t, e.SendPGN(pgn, 6, 0x10, []byte{1, 2}, 10*time.Millisecond))
	require.NoError(t, e.SendPGN(pgn, 6, 0x11, []byte{3, 4}, 10*time.Millisecond))

	now = now.Add(11 * time.Millisecond)
	e.Tick(now)

	require.Len(t, frames, 2, "C-PGs from different source addresses must flush as separate frames")
	srcs := map[uint8]bool{}
	for _, f := range frames {
		srcs[j1939.DecodeCanID(f.canID).Source] = true
	}
	assert.Len(t, srcs, 2)
}
