// Package transport21 implements the classical SAE J1939-21 Transport
// Protocol (spec §4.2, component C2): RTS/CTS peer-to-peer sessions and BAM
// broadcast sessions, layered directly on 8-byte CAN frames. It is grounded
// on original_source/j1939/j1939_21.py, restructured around the
// scheduler.Ticker contract instead of a free function called from a
// Python-style job thread.
package transport21

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	j1939 "github.com/go-j1939/j1939"
)

// Timeouts per SAE J1939-21 (spec §4.2).
const (
	Tr = 200 * time.Millisecond
	Th = 500 * time.Millisecond
	T1 = 750 * time.Millisecond
	T2 = 1250 * time.Millisecond
	T3 = 1250 * time.Millisecond
	T4 = 1050 * time.Millisecond
	Tb = 50 * time.Millisecond
)

const (
	ctrlRTS    = 16
	ctrlCTS    = 17
	ctrlEOMAck = 19
	ctrlBAM    = 32
	ctrlAbort  = 255

	segmentDataLen = 7
)

type sendState uint8

const (
	sendWaitingCTS sendState = iota
	sendSendingInCTS
	sendSendingBAM
)

type sendSession struct {
	pgn              uint32
	priority         uint8
	data             []byte
	segments         int
	state            sendState
	deadline         time.Time
	nextPacketToSend int // 0-based index of next segment to transmit
	nextWaitOnCts    int // 0-based index at which to pause and await the next CTS
	src, dst         uint8
}

type recvSession struct {
	pgn               uint32
	size              int
	segments          int
	nextSeq           int // next expected 1-based sequence number
	maxSegmentsPerCts int
	data              []byte
	deadline          time.Time
	src, dst          uint8
	bam               bool
}

func bufferHash(src, dst uint8) uint16 { return uint16(src)<<8 | uint16(dst) }

// NotifyFunc delivers a fully reassembled (or single-frame) PDU to the
// registry/CA layer.
type NotifyFunc func(priority uint8, pgn uint32, sourceAddress, destAddress uint8, timestamp float64, data []byte)

// Engine is the J1939-21 transport session manager. One Engine serves one
// ECU's whole address space: sessions are keyed by (source, destination).
type Engine struct {
	mu sync.Mutex

	sendFrame func(canID uint32, data []byte) error
	notify    NotifyFunc
	wakeup    func()

	maxCmdtPackets      int
	minRtsCtsDtInterval time.Duration
	minBamDtInterval    time.Duration

	send map[uint16]*sendSession
	recv map[uint16]*recvSession

	clock func() time.Time
}

// Options configures an Engine at construction.
type Options struct {
	MaxCmdtPackets      int           // max DT segments offered per CTS; spec caps this at 255
	MinRtsCtsDtInterval time.Duration // stored but not applied: every DT frame of a CTS window is sent back to back
	MinBamDtInterval    time.Duration // default Tb (50ms) when zero
	Clock               func() time.Time
}

// New builds an Engine. sendFrame transmits one raw classical frame;
// notify delivers reassembled PDUs upward.
func New(sendFrame func(canID uint32, data []byte) error, notify NotifyFunc, wakeup func(), opts Options) *Engine {
	if opts.MaxCmdtPackets <= 0 || opts.MaxCmdtPackets > 0xFF {
		opts.MaxCmdtPackets = 1
	}
	if opts.MinBamDtInterval == 0 {
		opts.MinBamDtInterval = Tb
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		sendFrame:           sendFrame,
		notify:              notify,
		wakeup:              wakeup,
		maxCmdtPackets:      opts.MaxCmdtPackets,
		minRtsCtsDtInterval: opts.MinRtsCtsDtInterval,
		minBamDtInterval:    opts.MinBamDtInterval,
		send:                make(map[uint16]*sendSession),
		recv:                make(map[uint16]*recvSession),
		clock:               opts.Clock,
	}
}

// SendPGN implements the outbound decision of spec §4.2: payloads of 8
// bytes or fewer go out as a single frame; larger payloads open a BAM or
// RTS/CTS session depending on destination/PGN family.
func (e *Engine) SendPGN(pgn j1939.ParameterGroupNumber, priority, src uint8, data []byte) error {
	if len(data) <= j1939.MaxClassicDataLength {
		return e.sendDirect(pgn, priority, src, data)
	}

	broadcast := pgn.IsPDU2() || pgn.PduSpecific == j1939.AddressGlobal
	dst := pgn.PduSpecific
	cpgn := pgn.Value()
	if !broadcast {
		dst = pgn.PduSpecific
		cpgn = j1939.NewPGN(pgn.DataPage, pgn.PduFormat, 0).Value() // peer-to-peer transfer: PS field is 0 on the wire
	} else {
		dst = j1939.AddressGlobal
	}

	hash := bufferHash(src, dst)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.send[hash]; busy {
		return fmt.Errorf("transport21: %w (src=%d dst=%d)", j1939.ErrBusyLocal, src, dst)
	}

	segments := (len(data) + segmentDataLen - 1) / segmentDataLen
	sess := &sendSession{
		pgn:      cpgn,
		priority: priority,
		data:     data,
		segments: segments,
		src:      src,
		dst:      dst,
	}

	if broadcast {
		sess.state = sendSendingBAM
		sess.deadline = e.clock()
		if err := e.sendTpCm(priority, src, j1939.AddressGlobal, ctrlBAM, len(data), segments, 0xFF, cpgn); err != nil {
			return err
		}
	} else {
		sess.state = sendWaitingCTS
		sess.deadline = e.clock().Add(T3)
		maxPerCts := e.maxCmdtPackets
		if maxPerCts > 0xFF {
			maxPerCts = 0xFF
		}
		if err := e.sendTpCm(priority, src, dst, ctrlRTS, len(data), segments, uint8(maxPerCts), cpgn); err != nil {
			return err
		}
	}
	e.send[hash] = sess
	e.wake()
	return nil
}

func (e *Engine) sendDirect(pgn j1939.ParameterGroupNumber, priority, src uint8, data []byte) error {
	dst := j1939.AddressGlobal
	cpgn := pgn.Value()
	if pgn.IsPDU1() {
		dst = pgn.PduSpecific
	}
	_ = dst
	canID := j1939.EncodeCanID(priority, cpgn, src)
	return e.sendFrame(canID, data)
}

func (e *Engine) sendTpCm(priority, src, dst uint8, ctrl uint8, size, segments int, maxPerCts uint8, pgn uint32) error {
	data := [8]byte{
		ctrl,
		byte(size & 0xFF), byte((size >> 8) & 0xFF),
		byte(segments),
		maxPerCts,
		byte(pgn & 0xFF), byte((pgn >> 8) & 0xFF), byte((pgn >> 16) & 0xFF),
	}
	// dst is always embedded, including AddressGlobal (0xFF): BAM's TP.CM
	// is still PDU1-format on the wire and must carry PS=0xFF, not PS=0.
	canID := j1939.EncodeCanID(priority, combinePduSpecific(j1939.PGNTpCm, dst), src)
	return e.sendFrame(canID, data[:])
}

func combinePduSpecific(pgn uint32, dst uint8) uint32 {
	return (pgn &^ 0xFF) | uint32(dst)
}

func (e *Engine) sendCts(priority, src, dst uint8, numPackets, next uint8, pgn uint32) error {
	data := [8]byte{ctrlCTS, numPackets, next, 0xFF, 0xFF, byte(pgn & 0xFF), byte((pgn >> 8) & 0xFF), byte((pgn >> 16) & 0xFF)}
	canID := j1939.EncodeCanID(priority, combinePduSpecific(j1939.PGNTpCm, dst), src)
	return e.sendFrame(canID, data[:])
}

func (e *Engine) sendEomAck(priority, src, dst uint8, size, segments int, pgn uint32) error {
	data := [8]byte{ctrlEOMAck, byte(size & 0xFF), byte((size >> 8) & 0xFF), byte(segments), 0xFF, byte(pgn & 0xFF), byte((pgn >> 8) & 0xFF), byte((pgn >> 16) & 0xFF)}
	canID := j1939.EncodeCanID(priority, combinePduSpecific(j1939.PGNTpCm, dst), src)
	return e.sendFrame(canID, data[:])
}

func (e *Engine) sendAbort(priority, src, dst uint8, reason j1939.TpAbortReason, pgn uint32) error {
	data := [8]byte{ctrlAbort, byte(reason), 0xFF, 0xFF, 0xFF, byte(pgn & 0xFF), byte((pgn >> 8) & 0xFF), byte((pgn >> 16) & 0xFF)}
	canID := j1939.EncodeCanID(priority, combinePduSpecific(j1939.PGNTpCm, dst), src)
	return e.sendFrame(canID, data[:])
}

func (e *Engine) sendDt(priority, src, dst uint8, seq uint8, payload []byte) error {
	var data [8]byte
	data[0] = seq
	for i := 0; i < segmentDataLen; i++ {
		data[1+i] = 0xFF
	}
	copy(data[1:], payload)
	canID := j1939.EncodeCanID(priority, combinePduSpecific(j1939.PGNDataTransfer, dst), src)
	return e.sendFrame(canID, data[:])
}

func (e *Engine) wake() {
	if e.wakeup != nil {
		e.wakeup()
	}
}

// HandleTpCm processes an inbound TP.CM control frame (RTS/CTS/EOM-ACK/
// BAM/ABORT), mirroring j1939_21.py's _process_tp_cm.
func (e *Engine) HandleTpCm(priority, src, dst uint8, data []byte, timestamp float64) {
	if len(data) < 8 {
		return
	}
	ctrl := data[0]
	size := int(data[1]) | int(data[2])<<8
	segments := int(data[3])
	maxPerCts := data[4]
	pgn := uint32(data[5]) | uint32(data[6])<<8 | uint32(data[7])<<16

	e.mu.Lock()
	defer e.mu.Unlock()

	switch ctrl {
	case ctrlRTS:
		e.handleRTS(priority, src, dst, size, segments, maxPerCts, pgn)
	case ctrlCTS:
		e.handleCTS(priority, src, dst, data[1], data[2], pgn)
	case ctrlEOMAck:
		e.handleEomAck(src, dst)
	case ctrlBAM:
		e.handleBAM(src, size, segments, pgn)
	case ctrlAbort:
		delete(e.send, bufferHash(dst, src))
		delete(e.recv, bufferHash(src, dst))
	default:
		log.WithField("ctrl", ctrl).Debug("transport21: unknown TP.CM control byte")
	}
	_ = timestamp
}

func (e *Engine) handleRTS(priority, src, dst uint8, size, segments int, maxPerCts uint8, pgn uint32) {
	hash := bufferHash(src, dst)
	if _, exists := e.recv[hash]; exists {
		_ = e.sendAbort(priority, dst, src, j1939.AbortReasonBusy, pgn)
		return
	}
	perCts := int(maxPerCts)
	if perCts == 0 || perCts > e.maxCmdtPackets {
		perCts = e.maxCmdtPackets
	}
	e.recv[hash] = &recvSession{
		pgn:               pgn,
		size:              size,
		segments:          segments,
		nextSeq:           1,
		maxSegmentsPerCts: perCts,
		data:              make([]byte, 0, size),
		deadline:          e.clock().Add(T2),
		src:               src,
		dst:               dst,
	}
	next := 1
	_ = e.sendCts(priority, dst, src, uint8(minInt(perCts, segments)), uint8(next), pgn)
	e.wake()
}

func (e *Engine) handleCTS(priority, src, dst uint8, numPackets, next uint8, pgn uint32) {
	hash := bufferHash(dst, src)
	sess, ok := e.send[hash]
	if !ok {
		_ = e.sendAbort(priority, dst, src, j1939.AbortReasonResources, pgn)
		return
	}
	if numPackets == 0 {
		// Pause: hold the connection open.
		sess.state = sendWaitingCTS
		sess.deadline = e.clock().Add(Th)
		return
	}
	remaining := sess.segments - sess.nextPacketToSend
	n := int(numPackets)
	if n > remaining {
		n = remaining
	}
	if n > e.maxCmdtPackets {
		n = e.maxCmdtPackets
	}
	sess.nextPacketToSend = int(next) - 1
	sess.nextWaitOnCts = sess.nextPacketToSend + n - 1
	sess.state = sendSendingInCTS
	sess.deadline = e.clock()
	e.wake()
}

func (e *Engine) handleEomAck(src, dst uint8) {
	delete(e.send, bufferHash(dst, src))
}

func (e *Engine) handleBAM(src uint8, size, segments int, pgn uint32) {
	hash := bufferHash(src, j1939.AddressGlobal)
	// A new BAM from the same source silently replaces any existing one
	// (spec §4.2: "drop the old buffer silently").
	e.recv[hash] = &recvSession{
		pgn:      pgn,
		size:     size,
		segments: segments,
		nextSeq:  1,
		data:     make([]byte, 0, size),
		deadline: e.clock().Add(T1),
		src:      src,
		dst:      j1939.AddressGlobal,
		bam:      true,
	}
}

// HandleTpDt processes an inbound TP.DT data frame.
func (e *Engine) HandleTpDt(src, dst uint8, data []byte, timestamp float64) {
	if len(data) < 1 {
		return
	}
	seq := int(data[0])

	e.mu.Lock()
	hash := bufferHash(src, dst)
	sess, ok := e.recv[hash]
	if !ok && dst == j1939.AddressGlobal {
		// dst on the wire is GLOBAL for BAM; buffers are keyed that way already.
		ok = false
	}
	if !ok {
		e.mu.Unlock()
		return
	}
	if seq != sess.nextSeq {
		e.mu.Unlock()
		return // out-of-order: discard, do not abort (spec §4.2 tie-breaks)
	}
	payload := data[1:]
	remaining := sess.size - len(sess.data)
	if remaining < len(payload) {
		payload = payload[:remaining]
	}
	sess.data = append(sess.data, payload...)
	sess.nextSeq++
	if !sess.bam {
		sess.deadline = e.clock().Add(T2)
	}

	complete := len(sess.data) >= sess.size
	if complete {
		delete(e.recv, hash)
	}
	pgn := sess.pgn
	finalData := sess.data
	srcAddr, dstAddr := sess.src, sess.dst
	bam := sess.bam
	segments := sess.segments
	size := sess.size
	e.mu.Unlock()

	if complete {
		if !bam {
			_ = e.sendEomAck(6, dstAddr, srcAddr, size, segments, pgn)
		}
		if e.notify != nil {
			e.notify(6, pgn, srcAddr, dstAddr, timestamp, finalData)
		}
	}
}

// Tick implements scheduler.Ticker: it advances every session whose
// deadline has passed and returns the next time it needs to run again.
func (e *Engine) Tick(now time.Time) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := now.Add(5 * time.Second)

	for hash, sess := range e.send {
		n := e.tickSend(now, hash, sess)
		if n.Before(next) {
			next = n
		}
	}
	for hash, sess := range e.recv {
		if !now.Before(sess.deadline) {
			// Deadline elapsed without completion: broadcast sessions die
			// silently, peer-to-peer sessions are aborted.
			if !sess.bam {
				_ = e.sendAbort(6, sess.dst, sess.src, j1939.AbortReasonTimeout, sess.pgn)
			}
			delete(e.recv, hash)
			continue
		}
		if sess.deadline.Before(next) {
			next = sess.deadline
		}
	}
	return next
}

func (e *Engine) tickSend(now time.Time, hash uint16, sess *sendSession) time.Time {
	switch sess.state {
	case sendWaitingCTS:
		if !now.Before(sess.deadline) {
			_ = e.sendAbort(6, sess.src, sess.dst, j1939.AbortReasonTimeout, sess.pgn)
			delete(e.send, hash)
			return now
		}
		return sess.deadline
	case sendSendingInCTS:
		if now.Before(sess.deadline) {
			return sess.deadline
		}
		for sess.nextPacketToSend <= sess.nextWaitOnCts && sess.nextPacketToSend < sess.segments {
			idx := sess.nextPacketToSend
			start := idx * segmentDataLen
			end := start + segmentDataLen
			if end > len(sess.data) {
				end = len(sess.data)
			}
			_ = e.sendDt(6, sess.src, sess.dst, uint8(idx+1), sess.data[start:end])
			sess.nextPacketToSend++
			if sess.minRtsCtsDtIntervalHolds() {
				break
			}
		}
		if sess.nextPacketToSend >= sess.segments {
			sess.state = sendWaitingCTS // awaiting EOM-ACK; reuses the WAITING_CTS deadline slot
			sess.deadline = now.Add(T3)
			return sess.deadline
		}
		if sess.nextPacketToSend > sess.nextWaitOnCts {
			sess.state = sendWaitingCTS
			sess.deadline = now.Add(T3)
			return sess.deadline
		}
		return now
	case sendSendingBAM:
		if now.Before(sess.deadline) {
			return sess.deadline
		}
		idx := sess.nextPacketToSend
		start := idx * segmentDataLen
		end := start + segmentDataLen
		if end > len(sess.data) {
			end = len(sess.data)
		}
		_ = e.sendDt(6, sess.src, sess.dst, uint8(idx+1), sess.data[start:end])
		sess.nextPacketToSend++
		if sess.nextPacketToSend >= sess.segments {
			delete(e.send, hash)
			return now
		}
		sess.deadline = now.Add(e.minBamDtInterval)
		return sess.deadline
	}
	return now.Add(5 * time.Second)
}

// minRtsCtsDtIntervalHolds reports whether the engine is configured to pace
// DT frames one at a time rather than bursting the whole CTS window; always
// false here (the default is flow-controlled bursting), kept as a method so
// Engine.minRtsCtsDtInterval can gain per-session pacing without reshaping
// callers.
func (s *sendSession) minRtsCtsDtIntervalHolds() bool { return false }

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
