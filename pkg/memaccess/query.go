// Package memaccess implements the DM14-DM18 memory-access challenge/
// response protocol (spec §4.7, component C7): a Query (client) side that
// issues read/write requests and a Server side that answers them, unified
// behind a MemoryAccess facade so one CA can be originator and responder at
// once. Grounded on original_source/j1939/Dm14Query.py,
// original_source/j1939/Dm14Server.py and
// original_source/j1939/memory_access.py.
package memaccess

import (
	"context"
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	j1939 "github.com/go-j1939/j1939"
)

// Command is the DM14 command field (spec §4.7).
type Command uint8

const (
	CommandErase              Command = 0
	CommandRead               Command = 1
	CommandWrite              Command = 2
	CommandStatusRequest      Command = 3
	CommandOperationCompleted Command = 4
	CommandOperationFailed    Command = 5
	CommandBootLoad           Command = 6
	CommandEDCPGeneration     Command = 7
)

// Dm15Status is the DM15 status field.
type Dm15Status uint8

const (
	Dm15Proceed            Dm15Status = 0
	Dm15Busy               Dm15Status = 1
	Dm15OperationComplete  Dm15Status = 4
	Dm15OperationFailed    Dm15Status = 5
)

type queryState uint8

const (
	queryIdle queryState = iota
	queryWaitForSeed
	queryWaitForDM16
	queryWaitForOperComplete
)

// Sender is the subset of the CA-facing send surface Query needs.
type Sender interface {
	SendPGN(pgn j1939.ParameterGroupNumber, priority, src uint8, data []byte) error
}

// Query drives one DM14 read/write transaction as the originating client.
// Grounded on Dm14Query.py; its queue.Queue blocking get is replaced with a
// buffered channel read under a context deadline.
type Query struct {
	sender Sender
	src    uint8

	state        queryState
	dest         uint8
	address      uint32
	objectCount  int
	direct       bool
	command      Command
	writeData    []byte

	seedFromKey func(seed uint16) uint16

	result chan queryResult
}

type queryResult struct {
	data []byte
	err  error
}

// NewQuery builds a Query for a CA transmitting from src.
func NewQuery(sender Sender, src uint8) *Query {
	return &Query{sender: sender, src: src, result: make(chan queryResult, 1)}
}

// SetSeedKeyAlgorithm installs the function used to turn a device-issued
// seed into the key this Query answers with.
func (q *Query) SetSeedKeyAlgorithm(fn func(seed uint16) uint16) {
	q.seedFromKey = fn
}

// Read issues a DM14 read request for objectCount bytes at address on
// dest, blocking until the device responds or ctx is done.
func (q *Query) Read(ctx context.Context, dest uint8, address uint32, objectCount int) ([]byte, error) {
	q.dest = dest
	q.address = address
	q.objectCount = objectCount
	q.direct = objectCount <= 9
	q.command = CommandRead
	q.state = queryWaitForSeed
	if err := q.sendDM14(0xFFFF); err != nil {
		return nil, err
	}
	return q.wait(ctx)
}

// Write issues a DM14 write request of data at address on dest, blocking
// until the device acknowledges completion or ctx is done.
func (q *Query) Write(ctx context.Context, dest uint8, address uint32, data []byte) error {
	q.dest = dest
	q.address = address
	q.objectCount = len(data)
	q.direct = len(data) <= 9
	q.command = CommandWrite
	q.writeData = data
	q.state = queryWaitForSeed
	if err := q.sendDM14(0xFFFF); err != nil {
		return err
	}
	_, err := q.wait(ctx)
	return err
}

func (q *Query) wait(ctx context.Context) ([]byte, error) {
	select {
	case r := <-q.result:
		return r.data, r.err
	case <-ctx.Done():
		q.state = queryIdle
		return nil, fmt.Errorf("memaccess: query: %w", ctx.Err())
	}
}

func (q *Query) sendDM14(keyOrUserLevel uint16) error {
	var pointer [4]byte
	binary.LittleEndian.PutUint32(pointer[:], q.address)

	data := make([]byte, 0, 8)
	data = append(data, byte(q.objectCount&0xFF))
	directBit := uint8(0)
	if q.direct {
		directBit = 1
	}
	data = append(data, byte((uint32(q.objectCount>>3)&0xE0))|directBit<<4|uint8(q.command)<<1|1)
	data = append(data, pointer[:]...)
	data = append(data, byte(keyOrUserLevel&0xFF), byte(keyOrUserLevel>>8))

	return q.sender.SendPGN(j1939.PGNFromValue(j1939.PGNDM14), 6, q.src, data)
}

func (q *Query) sendDM16() error {
	data := make([]byte, 0, 1+len(q.writeData))
	byteCount := len(q.writeData)
	if byteCount > 7 {
		data = append(data, 0xFF)
	} else {
		data = append(data, byte(byteCount))
	}
	data = append(data, q.writeData...)
	return q.sender.SendPGN(j1939.PGNFromValue(j1939.PGNDM16), 6, q.src, data)
}

// HandleDM15 processes an inbound DM15 status frame addressed from our
// current transaction's dest. Mirrors Dm14Query._parse_dm15.
func (q *Query) HandleDM15(sourceAddress uint8, data []byte) {
	if sourceAddress != q.dest || len(data) < 8 || q.state == queryIdle {
		return
	}
	status := Dm15Status((data[1] >> 1) & 0x7)
	if status == Dm15Busy || status == Dm15OperationFailed {
		errCode := uint32(data[2]) | uint32(data[3])<<8 | uint32(data[4])<<16
		edcp := data[5]
		q.state = queryIdle
		q.deliver(nil, fmt.Errorf("memaccess: device 0x%02X error 0x%06X edcp 0x%02X", sourceAddress, errCode, edcp))
		return
	}

	// Checked before the seed/length branch below: a write's completion
	// DM15 carries the same seed=0xFFFF/length=objectCount encoding as its
	// proceed DM15, since both leave those fields at their "no seed
	// pending" values. Only q.state tells them apart.
	if q.state == queryWaitForOperComplete {
		q.state = queryIdle
		q.sendOperationComplete()
		q.deliver(nil, nil)
		return
	}

	seed := uint16(data[6]) | uint16(data[7])<<8
	length := int(data[0]) + int(data[1]&0xE0)<<3

	if seed == 0xFFFF && length == q.objectCount {
		if q.command == CommandWrite {
			q.state = queryWaitForOperComplete
			if err := q.sendDM16(); err != nil {
				q.deliver(nil, err)
			}
		} else {
			q.state = queryWaitForDM16
		}
		return
	}

	if q.seedFromKey == nil {
		q.deliver(nil, fmt.Errorf("memaccess: seed requested but no seed-key algorithm configured"))
		return
	}
	if err := q.sendDM14(q.seedFromKey(seed)); err != nil {
		q.deliver(nil, err)
	}
}

// HandleDM16 processes an inbound DM16 data frame during a read
// transaction.
func (q *Query) HandleDM16(sourceAddress uint8, data []byte) {
	if sourceAddress != q.dest || q.state != queryWaitForDM16 || len(data) < 1 {
		return
	}
	q.state = queryIdle
	q.sendOperationComplete()
	q.deliver(append([]byte(nil), data[1:]...), nil)
}

func (q *Query) sendOperationComplete() {
	q.objectCount = 1
	q.command = CommandOperationCompleted
	if err := q.sendDM14(0xFFFF); err != nil {
		log.WithError(err).Warn("memaccess: failed to send operation-complete")
	}
}

func (q *Query) deliver(data []byte, err error) {
	select {
	case q.result <- queryResult{data: data, err: err}:
	default:
	}
}
