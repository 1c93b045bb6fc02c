package transport21

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	j1939 "github.com/go-j1939/j1939"
)

type inboundFrame struct {
	canID uint32
	data  []byte
}

type wiredNotify struct {
	got   bool
	pgn   uint32
	src   uint8
	dst   uint8
	data  []byte
}

func (w *wiredNotify) handle(priority uint8, pgn uint32, sourceAddress, destAddress uint8, timestamp float64, data []byte) {
	w.got = true
	w.pgn = pgn
	w.src = sourceAddress
	w.dst = destAddress
	w.data = append([]byte(nil), data...)
}

// route decodes a raw classical frame and dispatches it to the receiving
// Engine's TP.CM or TP.DT handler, the way ecu.go's onFrame does for the
// TP.CM/TP.DT PGN family.
func route(to *Engine, canID uint32, data []byte) {
	mid := j1939.DecodeCanID(canID)
	family := mid.PGN &^ 0xFF
	dst := uint8(mid.PGN & 0xFF)
	switch family {
	case j1939.PGNTpCm &^ 0xFF:
		to.HandleTpCm(mid.Priority, mid.Source, dst, data, 0)
	case j1939.PGNDataTransfer &^ 0xFF:
		to.HandleTpDt(mid.Source, dst, data, 0)
	}
}

// TestScenarioS1PeerToPeerRTSCTSReassembly covers spec §8 scenario S1: a
// 20-byte peer-to-peer send splits into RTS/CTS/3xDT/EOM-ACK and reassembles
// byte-for-byte on the other side.
func TestScenarioS1PeerToPeerRTSCTSReassembly(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var sender, receiver *Engine
	var frames []inboundFrame

	sender = New(func(canID uint32, data []byte) error {
		frames = append(frames, inboundFrame{canID, append([]byte(nil), data...)})
		route(receiver, canID, data)
		return nil
	}, nil, nil, Options{MaxCmdtPackets: 0xFF, Clock: func() time.Time { return now }})

	rxNotify := &wiredNotify{}
	receiver = New(func(canID uint32, data []byte) error {
		route(sender, canID, data)
		return nil
	}, rxNotify.handle, nil, Options{MaxCmdtPackets: 0xFF, Clock: func() time.Time { return now }})

	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i + 1)
	}

	pgn := j1939.NewPGN(0, 0xDF, 0x9B)
	require.NoError(t, sender.SendPGN(pgn, 6, 0x90, data))

	for i := 0; i < 20 && !rxNotify.got; i++ {
		now = now.Add(10 * time.Millisecond)
		sender.Tick(now)
		receiver.Tick(now)
	}

	require.True(t, rxNotify.got, "receiver never reassembled the payload")
	assert.Equal(t, data, rxNotify.data)
	assert.Equal(t, uint8(0x90), rxNotify.src)
	assert.Equal(t, uint8(0x9B), rxNotify.dst)
	assert.Equal(t, uint32(0xDF00), rxNotify.pgn)

	var rtsCount, ctsCount, dtCount, eomAckCount int
	for _, f := range frames {
		mid := j1939.DecodeCanID(f.canID)
		family := mid.PGN &^ 0xFF
		switch {
		case family == j1939.PGNTpCm&^0xFF && f.data[0] == ctrlRTS:
			rtsCount++
		case family == j1939.PGNTpCm&^0xFF && f.data[0] == ctrlCTS:
			ctsCount++
		case family == j1939.PGNTpCm&^0xFF && f.data[0] == ctrlEOMAck:
			eomAckCount++
		case family == j1939.PGNDataTransfer&^0xFF:
			dtCount++
		}
	}
	assert.Equal(t, 1, rtsCount)
	assert.GreaterOrEqual(t, ctsCount, 1)
	assert.Equal(t, 3, dtCount, "ceil(20/7) == 3 DT frames")
	assert.Equal(t, 1, eomAckCount)
}

// TestScenarioS2BroadcastBAMReassembly covers spec §8 scenario S2: a
// 20-byte broadcast sends one BAM plus 3 sequenced TP.DT frames with no
// CTS/EOM-ACK handshake, and PduSpecific stays 0xFF (global) on every
// frame, not 0x00.
func TestScenarioS2BroadcastBAMReassembly(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var sender, receiver *Engine
	var frames []inboundFrame

	sender = New(func(canID uint32, data []byte) error {
		frames = append(frames, inboundFrame{canID, append([]byte(nil), data...)})
		route(receiver, canID, data)
		return nil
	}, nil, nil, Options{MaxCmdtPackets: 0xFF, MinBamDtInterval: time.Millisecond, Clock: func() time.Time { return now }})

	rxNotify := &wiredNotify{}
	receiver = New(nil, rxNotify.handle, nil, Options{MaxCmdtPackets: 0xFF, Clock: func() time.Time { return now }})

	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(0xB0 + i)
	}

	pgn := j1939.NewPGN(0, 0xFE, 0xB0)
	require.NoError(t, sender.SendPGN(pgn, 6, 0x90, data))

	for i := 0; i < 20 && !rxNotify.got; i++ {
		now = now.Add(10 * time.Millisecond)
		sender.Tick(now)
	}

	require.True(t, rxNotify.got, "receiver never reassembled the broadcast payload")
	assert.Equal(t, data, rxNotify.data)
	assert.Equal(t, uint8(0x90), rxNotify.src)
	assert.Equal(t, j1939.AddressGlobal, rxNotify.dst)
	assert.Equal(t, uint32(0xFEB0), rxNotify.pgn)

	require.NotEmpty(t, frames)
	for _, f := range frames {
		mid := j1939.DecodeCanID(f.canID)
		assert.Equal(t, uint8(0xFF), uint8(mid.PGN&0xFF), "BAM frames must carry PS=0xFF on the wire")
	}

	var bamCount, dtCount int
	for _, f := range frames {
		mid := j1939.DecodeCanID(f.canID)
		family := mid.PGN &^ 0xFF
		switch {
		case family == j1939.PGNTpCm&^0xFF && f.data[0] == ctrlBAM:
			bamCount++
		case family == j1939.PGNDataTransfer&^0xFF:
			dtCount++
		}
	}
	assert.Equal(t, 1, bamCount)
	assert.Equal(t, 3, dtCount)
}
