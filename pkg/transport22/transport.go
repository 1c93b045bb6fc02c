// Package transport22 implements the SAE J1939-22 FD Transport Protocol
// (spec §4.3, component C3): RTS/CTS and BAM sessions over CAN-FD frames,
// plus the Multi-PG packer for payloads that fit a single FD frame without
// needing a full transport session. Grounded on
// original_source/j1939/j1939_22.py.
package transport22

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	j1939 "github.com/go-j1939/j1939"
)

// Timeouts per SAE J1939-22 (spec §4.3).
const (
	Tr = 200 * time.Millisecond
	Th = 500 * time.Millisecond
	T1 = 750 * time.Millisecond
	T2 = 1250 * time.Millisecond
	T3 = 1250 * time.Millisecond
	T4 = 1050 * time.Millisecond
	T5 = 3000 * time.Millisecond // EOM-ACK wait, J1939-22 only

	tpDataLen    = 60 // max payload bytes per C-PG/TP.DT
	bamSlots     = 4
	rtsCtsSlots  = 8
	minDefaultDt = 10 * time.Millisecond
)

const (
	ctrlRTS       = 0
	ctrlCTS       = 1
	ctrlEomStatus = 2
	ctrlEomAck    = 3
	ctrlBAM       = 4
	ctrlAbort     = 15
)

// fdDlcSteps is the CAN-FD legal-length ladder the original's _LUT_FD_DLC
// rounds payload lengths up to; frames of 49-63 bytes round up to 64.
var fdDlcSteps = []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

func nextFdLength(n int) int {
	for _, step := range fdDlcSteps {
		if step >= n {
			return step
		}
	}
	return 64
}

type sendState uint8

const (
	sendWaitingCTS sendState = iota
	sendSendingRTSCTS
	sendWaitingEomAck
	sendSendingBAM
	sendSendingEomStatus
)

type sendSession struct {
	pgn              uint32
	priority         uint8
	session          uint8
	data             [][]byte // pre-split into tpDataLen chunks
	segments         int
	messageSize      int
	state            sendState
	deadline         time.Time
	nextPacketToSend int
	nextWaitOnCts    int
	src, dst         uint8
}

type recvSession struct {
	pgn             uint32
	session         uint8
	messageSize     int
	segments        int
	nextPacket      int
	nextCtsBorder   int
	maxSegPerCts    int
	data            []byte
	deadline        time.Time
	src, dst        uint8
	bam             bool
}

func bufferHash(session uint8, src, dst uint8) uint32 {
	return uint32(session&0xF)<<16 | uint32(src)<<8 | uint32(dst)
}

func unhashBuffer(hash uint32) (session, src, dst uint8) {
	return uint8((hash >> 16) & 0xFF), uint8((hash >> 8) & 0xFF), uint8(hash & 0xFF)
}

// cpgRecord is one small-PG record awaiting packing into a Multi-PG frame,
// matching the original's {priority, tos, tf, cpgn, data_length, data} dict.
type cpgRecord struct {
	priority uint8
	tos, tf  uint8
	cpgn     uint32
	data     []byte
}

// multiPgBucket accumulates C-PG records bound for the same (src,dst) until
// deadline, matching _multi_pg_snd_buffer's {deadline, cpg, fill_level}.
type multiPgBucket struct {
	deadline  time.Time
	cpgs      []cpgRecord
	fillLevel int
}

// NotifyFunc delivers a fully reassembled (or directly-notified) PDU.
type NotifyFunc func(priority uint8, pgn uint32, sourceAddress, destAddress uint8, timestamp float64, data []byte)

// sessionPool is a bool free-list, matching the original's
// __get_bam_session/__put_bam_session linear scan.
type sessionPool struct {
	free []bool
}

func newSessionPool(n int) *sessionPool {
	p := &sessionPool{free: make([]bool, n)}
	for i := range p.free {
		p.free[i] = true
	}
	return p
}

func (p *sessionPool) acquire() (uint8, bool) {
	for i, f := range p.free {
		if f {
			p.free[i] = false
			return uint8(i), true
		}
	}
	return 0, false
}

func (p *sessionPool) release(session uint8) {
	if int(session) < len(p.free) {
		p.free[session] = true
	}
}

// Engine is the J1939-22 FD transport session manager.
type Engine struct {
	mu sync.Mutex

	sendFrame func(canID uint32, data []byte) error
	notify    NotifyFunc
	wakeup    func()

	maxCmdtPackets   int
	minBamDtInterval time.Duration

	bamSessions    *sessionPool
	rtsCtsSessions *sessionPool

	send    map[uint32]*sendSession
	recv    map[uint32]*recvSession
	multiPg map[uint32]*multiPgBucket

	clock func() time.Time
}

// Options configures an Engine at construction.
type Options struct {
	MaxCmdtPackets   int
	MinBamDtInterval time.Duration
	Clock            func() time.Time
}

// New builds an Engine.
func New(sendFrame func(canID uint32, data []byte) error, notify NotifyFunc, wakeup func(), opts Options) *Engine {
	if opts.MaxCmdtPackets <= 0 {
		opts.MaxCmdtPackets = 8
	}
	if opts.MinBamDtInterval == 0 {
		opts.MinBamDtInterval = minDefaultDt
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		sendFrame:        sendFrame,
		notify:           notify,
		wakeup:           wakeup,
		maxCmdtPackets:   opts.MaxCmdtPackets,
		minBamDtInterval: opts.MinBamDtInterval,
		bamSessions:      newSessionPool(bamSlots),
		rtsCtsSessions:   newSessionPool(rtsCtsSlots),
		send:             make(map[uint32]*sendSession),
		recv:             make(map[uint32]*recvSession),
		multiPg:          make(map[uint32]*multiPgBucket),
		clock:            opts.Clock,
	}
}

// SendPGN sends data <= tpDataLen bytes as a Multi-PG C-PG (spec §4.3's
// "packer"); larger payloads open an FD-TP session. timeLimit == 0 (the
// default, per original_source's send_pgn(..., time_limit=0)) sends the C-PG
// in its own frame immediately; timeLimit > 0 accumulates it into a
// deadline-flushed (src,dst) buffer so several small PGs can share one
// CAN-FD frame (spec §4.3 property 8, scenario S6).
func (e *Engine) SendPGN(pgn j1939.ParameterGroupNumber, priority, src uint8, data []byte, timeLimit time.Duration) error {
	dst := uint8(j1939.AddressGlobal)
	var cpgn uint32
	if pgn.IsPDU1() {
		dst = pgn.PduSpecific
		cpgn = pgn.Value() & 0xFFF00
	} else {
		cpgn = pgn.Value()
	}
	if len(data) <= tpDataLen {
		return e.sendOrBufferCPG(cpgn, priority, src, dst, data, timeLimit)
	}
	return e.openSession(pgn, priority, src, dst, data)
}

// sendOrBufferCPG implements send_pgn's time_limit branch: time_limit == 0
// packs and sends a single-C-PG frame immediately; time_limit > 0 appends
// the C-PG to (or opens) an accumulation bucket keyed by (src,dst), matching
// _multi_pg_snd_buffer's fill-level bookkeeping.
func (e *Engine) sendOrBufferCPG(cpgn uint32, priority, src, dst uint8, payload []byte, timeLimit time.Duration) error {
	cpg := cpgRecord{
		priority: priority & 0x7,
		tos:      2,
		tf:       0,
		cpgn:     cpgn & 0x3FFFF,
		data:     append([]byte(nil), payload...),
	}

	if timeLimit <= 0 {
		return e.sendMultiPG([]cpgRecord{cpg}, src, dst)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	deadline := now.Add(timeLimit)
	dataLength := len(payload)

	for session := 0; session < 16; session++ {
		hash := bufferHash(uint8(session), src, dst)
		bucket, exists := e.multiPg[hash]
		if !exists {
			e.multiPg[hash] = &multiPgBucket{deadline: deadline, cpgs: []cpgRecord{cpg}, fillLevel: 4 + dataLength}
			e.wake()
			return nil
		}
		if bucket.fillLevel <= tpDataLen-dataLength {
			bucket.fillLevel += 4 + dataLength
			if deadline.Before(bucket.deadline) {
				bucket.deadline = deadline
			}
			bucket.cpgs = append(bucket.cpgs, cpg)
			e.wake()
			return nil
		}
		// This bucket has no room left: flush it on the next Tick and try
		// the next of the 16 (src,dst) buckets for this C-PG.
		bucket.deadline = now
	}

	// All 16 (src,dst) buckets are full: send this C-PG on its own rather
	// than spin forever the way the original's unbounded session counter
	// would (session is masked to 4 bits on the wire, so it can only ever
	// address 16 distinct buckets per (src,dst) pair).
	e.wake()
	return e.sendMultiPG([]cpgRecord{cpg}, src, dst)
}

// sendMultiPG packs cpgs into one Multi-PG frame (tos=2, trailer_format=0,
// "SAE J1939 with no assurance data"), zero-then-0xAA padded to the next
// legal FD DLC, frame priority set to the minimum of all packed priorities
// — matching the original's __send_multi_pg.
func (e *Engine) sendMultiPG(cpgs []cpgRecord, src, dst uint8) error {
	priority := uint8(7)
	data := make([]byte, 0, tpDataLen+4)
	for _, cpg := range cpgs {
		if cpg.priority < priority {
			priority = cpg.priority
		}
		data = append(data,
			byte(cpg.tos<<5|cpg.tf<<2)|byte((cpg.cpgn>>16)&0x3),
			byte((cpg.cpgn>>8)&0xFF),
			byte(cpg.cpgn&0xFF),
			byte(len(cpg.data)),
		)
		data = append(data, cpg.data...)
	}

	target := nextFdLength(len(data))
	padded := 0
	for len(data) < target {
		if padded < 3 {
			data = append(data, 0)
			padded++
		} else {
			data = append(data, 0xAA)
		}
	}

	canID := j1939.EncodeCanID(priority, j1939.PGNMultiPG|uint32(dst), src)
	return e.sendFrame(canID, data)
}

func (e *Engine) openSession(pgn j1939.ParameterGroupNumber, priority, src, dst uint8, data []byte) error {
	broadcast := dst == j1939.AddressGlobal
	segments := (len(data) + tpDataLen - 1) / tpDataLen
	chunks := make([][]byte, segments)
	for i := 0; i < segments; i++ {
		start := i * tpDataLen
		end := start + tpDataLen
		if end > len(data) {
			end = len(data)
		}
		chunks[i] = data[start:end]
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pool := e.rtsCtsSessions
	if broadcast {
		pool = e.bamSessions
	}
	session, ok := pool.acquire()
	if !ok {
		return fmt.Errorf("transport22: %w: no free session slots", j1939.ErrResourcesExhausted)
	}

	cpgn := pgn.Value()
	sess := &sendSession{
		pgn:         cpgn,
		priority:    priority,
		session:     session,
		data:        chunks,
		segments:    segments,
		messageSize: len(data),
		src:         src,
		dst:         dst,
	}

	if broadcast {
		sess.state = sendSendingBAM
		sess.deadline = e.clock()
		e.send[bufferHash(session, src, dst)] = sess
		if err := e.sendTpCm(priority, src, j1939.AddressGlobal, ctrlBAM, session, len(data), segments, 0xFF, 0, cpgn); err != nil {
			return err
		}
	} else {
		sess.state = sendWaitingCTS
		sess.deadline = e.clock().Add(T3)
		e.send[bufferHash(session, src, dst)] = sess
		maxPerCts := minInt(e.maxCmdtPackets, segments)
		if err := e.sendTpCm(7, src, dst, ctrlRTS, session, len(data), segments, uint8(maxPerCts), 0, cpgn); err != nil {
			return err
		}
	}
	e.wake()
	return nil
}

func (e *Engine) sendTpCm(priority, src, dst uint8, ctrl uint8, session uint8, messageSize, numSegments int, byte7, byte8 uint8, pgn uint32) error {
	data := [12]byte{
		ctrl&0xF | (session&0xF)<<4,
		byte(messageSize & 0xFF), byte((messageSize >> 8) & 0xFF), byte((messageSize >> 16) & 0xFF),
		byte(numSegments & 0xFF), byte((numSegments >> 8) & 0xFF), byte((numSegments >> 16) & 0xFF),
		byte7, byte8,
		byte(pgn & 0xFF), byte((pgn >> 8) & 0xFF), byte((pgn >> 16) & 0xFF),
	}
	tpCmPGN := j1939.NewPGN(0, uint8((j1939.PGNFdTpCm>>8)&0xFF), dst)
	canID := j1939.EncodeCanID(priority, tpCmPGN.Value(), src)
	return e.sendFrame(canID, data[:])
}

func (e *Engine) sendTpDt(src, dst uint8, session uint8, segmentNum int, payload []byte) error {
	data := make([]byte, 0, 4+tpDataLen)
	data = append(data, byte(session&0xF)<<4, byte(segmentNum&0xFF), byte((segmentNum>>8)&0xFF), byte((segmentNum>>16)&0xFF))
	data = append(data, payload...)
	if len(data) >= tpDataLen+4 {
		data = data[:tpDataLen+4]
	} else {
		target := nextFdLength(len(data))
		for len(data) < target {
			data = append(data, 0xFF)
		}
	}
	dtPGN := j1939.NewPGN(0, uint8((j1939.PGNFdTpDt>>8)&0xFF), dst)
	canID := j1939.EncodeCanID(7, dtPGN.Value(), src)
	return e.sendFrame(canID, data)
}

func (e *Engine) wake() {
	if e.wakeup != nil {
		e.wakeup()
	}
}

// HandleTpCm processes an inbound FD.TP.CM control frame.
func (e *Engine) HandleTpCm(priority, src, dst uint8, data []byte, timestamp float64) {
	if len(data) < 12 {
		return
	}
	ctrl := data[0] & 0xF
	session := (data[0] >> 4) & 0xF
	messageSize := int(data[1]) | int(data[2])<<8 | int(data[3])<<16
	segmentNum := int(data[4]) | int(data[5])<<8 | int(data[6])<<16
	byte7 := data[7]
	pgn := uint32(data[9]) | uint32(data[10])<<8 | uint32(data[11])<<16

	e.mu.Lock()
	defer e.mu.Unlock()

	switch ctrl {
	case ctrlRTS:
		e.handleRTS(priority, src, dst, session, messageSize, segmentNum, byte7, pgn)
	case ctrlCTS:
		e.handleCTS(priority, src, dst, session, segmentNum, byte7, pgn)
	case ctrlEomStatus:
		e.handleEomStatus(priority, src, dst, session, messageSize, segmentNum, pgn, timestamp)
	case ctrlEomAck:
		e.handleEomAck(src, dst, session, pgn)
	case ctrlBAM:
		e.handleBAM(src, dst, session, messageSize, segmentNum, pgn)
	case ctrlAbort:
		delete(e.send, bufferHash(session, dst, src))
		e.rtsCtsSessions.release(session)
		delete(e.recv, bufferHash(session, src, dst))
	default:
		log.WithField("ctrl", ctrl).Debug("transport22: unknown FD.TP.CM control byte")
	}
}

// HandleMultiPG parses a Multi-PG frame into its constituent C-PGs and
// notifies once per C-PG. Only "SAE J1939 with no assurance data" (tos=2,
// trailer_format=0) is supported, matching _process_multi_pg.
func (e *Engine) HandleMultiPG(priority, src, dst uint8, data []byte, timestamp float64) {
	for len(data) > 4 {
		tos := (data[0] >> 5) & 0x7
		if tos == 0 {
			return // padding service: nothing more to parse
		}
		trailerFormat := (data[0] >> 2) & 0x7
		cpgn := uint32(data[0]&0x3)<<16 | uint32(data[1])<<8 | uint32(data[2])
		payloadLength := int(data[3])
		if tos == 2 && trailerFormat == 0 {
			end := 4 + payloadLength
			if end > len(data) {
				end = len(data)
			}
			if e.notify != nil {
				e.notify(priority, cpgn, src, dst, timestamp, append([]byte(nil), data[4:end]...))
			}
		}
		if 4+payloadLength > len(data) {
			return
		}
		data = data[4+payloadLength:]
	}
}

func (e *Engine) handleRTS(priority, src, dst uint8, session uint8, messageSize, segmentNum int, maxRec uint8, pgn uint32) {
	hash := bufferHash(session, src, dst)
	if _, exists := e.recv[hash]; exists {
		_ = e.sendTpCm(priority, dst, src, ctrlAbort, session, 0xFFFFFF, 0xFFFFFF, uint8(j1939.AbortReasonBusy), 0xFF, pgn)
		e.rtsCtsSessions.release(session)
		return
	}
	numMaxRec := minInt(int(maxRec), segmentNum)
	if numMaxRec <= 0 {
		numMaxRec = 1
	}
	e.recv[hash] = &recvSession{
		pgn:           pgn,
		session:       session,
		messageSize:   messageSize,
		segments:      segmentNum,
		nextPacket:    1,
		nextCtsBorder: numMaxRec,
		maxSegPerCts:  numMaxRec,
		data:          make([]byte, 0, messageSize),
		deadline:      e.clock().Add(T2),
		src:           src,
		dst:           dst,
	}
	_ = e.sendTpCm(7, dst, src, ctrlCTS, session, 0xFFFFFF, 1, uint8(numMaxRec), 0, pgn)
	e.wake()
}

func (e *Engine) handleCTS(priority, src, dst uint8, session uint8, nextPacket int, numSegments uint8, pgn uint32) {
	hash := bufferHash(session, dst, src)
	sess, ok := e.send[hash]
	if !ok {
		_ = e.sendTpCm(priority, dst, src, ctrlAbort, session, 0xFFFFFF, 0xFFFFFF, uint8(j1939.AbortReasonResources), 0xFF, pgn)
		e.rtsCtsSessions.release(session)
		return
	}
	if numSegments == 0 {
		sess.state = sendWaitingCTS
		sess.deadline = e.clock().Add(Th)
		e.wake()
		return
	}
	sess.nextPacketToSend = nextPacket - 1
	remaining := sess.segments - sess.nextPacketToSend
	n := int(numSegments)
	if n > remaining {
		n = remaining
	}
	if n > e.maxCmdtPackets {
		n = e.maxCmdtPackets
	}
	sess.nextWaitOnCts = sess.nextPacketToSend + n - 1
	sess.state = sendSendingRTSCTS
	sess.deadline = e.clock()
	e.wake()
}

func (e *Engine) handleEomStatus(priority, src, dst uint8, session uint8, messageSize, segmentNum int, pgn uint32, timestamp float64) {
	hash := bufferHash(session, src, dst)
	sess, ok := e.recv[hash]
	if !ok {
		e.rtsCtsSessions.release(session)
		return
	}
	if sess.messageSize == messageSize && sess.segments == segmentNum {
		if e.notify != nil {
			e.notify(priority, sess.pgn, src, dst, timestamp, sess.data)
		}
		if dst != j1939.AddressGlobal {
			_ = e.sendTpCm(priority, dst, src, ctrlEomAck, session, messageSize, segmentNum, 0xFF, 0xFF, pgn)
		}
	} else {
		_ = e.sendTpCm(priority, dst, src, ctrlAbort, session, 0xFFFFFF, 0xFFFFFF, uint8(j1939.AbortReasonResources), 0xFF, pgn)
	}
	delete(e.recv, hash)
	e.rtsCtsSessions.release(session)
}

func (e *Engine) handleEomAck(src, dst uint8, session uint8, pgn uint32) {
	hash := bufferHash(session, dst, src)
	sess, ok := e.send[hash]
	if !ok {
		return
	}
	sess.state = sendSendingEomStatus // reuse "done, release next tick" path
	sess.deadline = e.clock()
	e.wake()
	_ = pgn
}

func (e *Engine) handleBAM(src, dst uint8, session uint8, messageSize, segmentNum int, pgn uint32) {
	hash := bufferHash(session, src, dst)
	if _, exists := e.recv[hash]; exists {
		delete(e.recv, hash)
		e.bamSessions.release(session)
		return
	}
	e.recv[hash] = &recvSession{
		pgn:         pgn,
		session:     session,
		messageSize: messageSize,
		segments:    segmentNum,
		nextPacket:  1,
		data:        make([]byte, 0, messageSize),
		deadline:    e.clock().Add(T1),
		src:         src,
		dst:         dst,
		bam:         true,
	}
	e.wake()
}

// HandleTpDt processes an inbound FD.TP.DT data frame.
func (e *Engine) HandleTpDt(src, dst uint8, data []byte, timestamp float64) {
	if len(data) <= 4 {
		return
	}
	session := (data[0] >> 4) & 0xF
	segmentNum := int(data[1]) | int(data[2])<<8 | int(data[3])<<16
	if segmentNum == 0 {
		return
	}

	e.mu.Lock()
	hash := bufferHash(session, src, dst)
	sess, ok := e.recv[hash]
	if !ok || sess.nextPacket != segmentNum {
		e.mu.Unlock()
		return
	}
	sess.data = append(sess.data, data[4:]...)
	sess.nextPacket = segmentNum + 1

	if len(sess.data) >= sess.messageSize {
		sess.data = sess.data[:sess.messageSize]
		if dst != j1939.AddressGlobal {
			sess.deadline = e.clock().Add(T1)
		}
		e.mu.Unlock()
		e.wake()
		return
	}

	if dst != j1939.AddressGlobal && segmentNum >= sess.nextCtsBorder {
		numCanSend := minInt(sess.maxSegPerCts, sess.segments-sess.nextCtsBorder)
		nextPacket := sess.nextCtsBorder + 1
		session := sess.session
		pgn := sess.pgn
		newBorder := sess.nextCtsBorder + sess.maxSegPerCts
		if newBorder > sess.segments {
			newBorder = sess.segments
		}
		sess.nextCtsBorder = newBorder
		sess.deadline = e.clock().Add(T2)
		e.mu.Unlock()
		_ = e.sendTpCm(7, dst, src, ctrlCTS, session, 0xFFFFFF, nextPacket, uint8(numCanSend), 0, pgn)
		e.wake()
		return
	}

	sess.deadline = e.clock().Add(T1)
	e.mu.Unlock()
}

// Tick implements scheduler.Ticker.
func (e *Engine) Tick(now time.Time) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := now.Add(5 * time.Second)

	for hash, sess := range e.recv {
		if now.Before(sess.deadline) {
			if sess.deadline.Before(next) {
				next = sess.deadline
			}
			continue
		}
		if sess.dst != j1939.AddressGlobal {
			_ = e.sendTpCm(7, sess.dst, sess.src, ctrlAbort, sess.session, 0xFFFFFF, 0xFFFFFF, uint8(j1939.AbortReasonTimeout), 0xFF, sess.pgn)
			e.rtsCtsSessions.release(sess.session)
		} else {
			e.bamSessions.release(sess.session)
		}
		delete(e.recv, hash)
	}

	for hash, sess := range e.send {
		n := e.tickSend(now, hash, sess)
		if n.Before(next) {
			next = n
		}
	}

	for hash, bucket := range e.multiPg {
		if now.Before(bucket.deadline) {
			if bucket.deadline.Before(next) {
				next = bucket.deadline
			}
			continue
		}
		_, src, dst := unhashBuffer(hash)
		_ = e.sendMultiPG(bucket.cpgs, src, dst)
		delete(e.multiPg, hash)
	}
	return next
}

func (e *Engine) tickSend(now time.Time, hash uint32, sess *sendSession) time.Time {
	if now.Before(sess.deadline) {
		return sess.deadline
	}
	switch sess.state {
	case sendWaitingCTS:
		_ = e.sendTpCm(7, sess.src, sess.dst, ctrlAbort, sess.session, 0xFFFFFF, 0xFFFFFF, uint8(j1939.AbortReasonTimeout), 0xFF, sess.pgn)
		e.rtsCtsSessions.release(sess.session)
		delete(e.send, hash)
		return now
	case sendSendingRTSCTS:
		for sess.nextPacketToSend < sess.segments {
			idx := sess.nextPacketToSend
			_ = e.sendTpDt(sess.src, sess.dst, sess.session, idx+1, sess.data[idx])
			sess.nextPacketToSend++
			if sess.nextPacketToSend == sess.segments {
				_ = e.sendTpCm(7, sess.src, sess.dst, ctrlEomStatus, sess.session, sess.messageSize, sess.segments, 0, 0, sess.pgn)
				sess.state = sendWaitingEomAck
				sess.deadline = now.Add(T5)
				break
			}
			if idx == sess.nextWaitOnCts {
				sess.state = sendWaitingCTS
				sess.deadline = now.Add(T3)
				break
			}
		}
		return sess.deadline
	case sendWaitingEomAck:
		e.rtsCtsSessions.release(sess.session)
		delete(e.send, hash)
		return now
	case sendSendingEomStatus:
		// Reached via handleEomAck: session is done, release it.
		if sess.messageSize > 0 {
			e.rtsCtsSessions.release(sess.session)
		}
		delete(e.send, hash)
		return now
	case sendSendingBAM:
		idx := sess.nextPacketToSend
		_ = e.sendTpDt(sess.src, sess.dst, sess.session, idx+1, sess.data[idx])
		sess.nextPacketToSend++
		if sess.nextPacketToSend < sess.segments {
			sess.deadline = now.Add(e.minBamDtInterval)
		} else {
			_ = e.sendTpCm(7, sess.src, sess.dst, ctrlEomStatus, sess.session, sess.messageSize, sess.segments, 0, 0, sess.pgn)
			e.bamSessions.release(sess.session)
			delete(e.send, hash)
		}
		return sess.deadline
	}
	return now.Add(5 * time.Second)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
