// Package ecu is the top assembly layer (mirrors the teacher's
// pkg/network.Network): it wires the root BusManager, the scheduler, the
// subscription registry, the selected transport engine and every
// ControllerApplication into one running stack. Grounded on
// original_source/j1939/electronic_control_unit.py.
package ecu

import (
	"context"
	"log/slog"
	"sync"
	"time"

	j1939 "github.com/go-j1939/j1939"
	"github.com/go-j1939/j1939/pkg/scheduler"
	"github.com/go-j1939/j1939/pkg/subscription"
	"github.com/go-j1939/j1939/pkg/transport21"
	"github.com/go-j1939/j1939/pkg/transport22"
)

// Version selects which data-link-layer transport an Ecu runs: the
// classical J1939-21 Transport Protocol over CAN 2.0B, or the J1939-22 FD
// Transport Protocol over CAN-FD. Exactly one is active per Ecu, matching
// original_source's `__init__` choosing `J1939_21` or `J1939_22`.
type Version uint8

const (
	VersionJ1939_21 Version = iota
	VersionJ1939_22
)

// Ecu is one node's J1939 stack: one bus connection, one scheduler
// goroutine, one subscription registry, one transport engine, and the set
// of ControllerApplications it hosts.
type Ecu struct {
	logger  *slog.Logger
	version Version

	bus       *j1939.BusManager
	scheduler *scheduler.Scheduler
	registry  *subscription.Registry

	t21 *transport21.Engine
	t22 *transport22.Engine

	mu  sync.Mutex
	cas []*ControllerApplication

	cancel context.CancelFunc
}

// Options configures an Ecu at construction.
type Options struct {
	Version              Version
	Logger               *slog.Logger
	MaxCmdtPackets       int
	MinBamDtIntervalMs   int
}

// New builds an Ecu bound to bus, not yet connected.
func New(bus j1939.Bus, opts Options) *Ecu {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Ecu{
		logger:  opts.Logger,
		version: opts.Version,
	}
	e.bus = j1939.NewBusManager(bus, e.onFrame, opts.Logger)
	e.scheduler = scheduler.New(opts.Logger, nil)
	e.registry = subscription.New(opts.Logger)

	minBamDtInterval := time.Duration(opts.MinBamDtIntervalMs) * time.Millisecond

	switch opts.Version {
	case VersionJ1939_22:
		e.t22 = transport22.New(e.bus.SendFD, e.notifyReassembled, e.scheduler.Wakeup, transport22.Options{
			MaxCmdtPackets:   opts.MaxCmdtPackets,
			MinBamDtInterval: minBamDtInterval,
		})
		e.scheduler.RegisterTicker(e.t22)
	default:
		e.t21 = transport21.New(e.bus.SendRaw, e.notifyReassembled, e.scheduler.Wakeup, transport21.Options{
			MaxCmdtPackets:   opts.MaxCmdtPackets,
			MinBamDtInterval: minBamDtInterval,
		})
		e.scheduler.RegisterTicker(e.t21)
	}
	return e
}

// Connect opens the underlying bus and starts the scheduler goroutine.
func (e *Ecu) Connect(ctx context.Context, args ...any) error {
	if err := e.bus.Connect(args...); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.scheduler.Run(runCtx)
	return nil
}

// Disconnect stops the scheduler goroutine and closes the bus.
func (e *Ecu) Disconnect() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.bus.Disconnect()
}

// AddCA registers ca with this Ecu, starting its address-claim sequence on
// the next scheduler tick.
func (e *Ecu) AddCA(ca *ControllerApplication) {
	e.mu.Lock()
	e.cas = append(e.cas, ca)
	e.mu.Unlock()
	ca.attach(e)
}

// RemoveCA unregisters ca.
func (e *Ecu) RemoveCA(ca *ControllerApplication) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, c := range e.cas {
		if c == ca {
			e.cas = append(e.cas[:i:i], e.cas[i+1:]...)
			return
		}
	}
}

// Subscribe registers cb with the subscription registry (spec §4.6).
func (e *Ecu) Subscribe(filter subscription.Filter, cb subscription.Callback) func() {
	h := e.registry.Subscribe(filter, cb)
	return h.Unsubscribe
}

// Scheduler exposes the scheduler for CA timer registration.
func (e *Ecu) Scheduler() *scheduler.Scheduler { return e.scheduler }

// SendPGN sends data from src immediately: directly if it fits one frame,
// or via the active transport engine's session machinery otherwise.
// Equivalent to SendPGNDeadline with timeLimit == 0.
func (e *Ecu) SendPGN(pgn j1939.ParameterGroupNumber, priority, src uint8, data []byte) error {
	return e.SendPGNDeadline(pgn, priority, src, data, 0)
}

// SendPGNDeadline is the full send_pgn(..., time_limit=0) surface spec §6
// names: on J1939-22, a timeLimit > 0 lets this call's C-PG (if it fits the
// Multi-PG packer) be batched with other C-PGs bound for the same (src,dst)
// into one CAN-FD frame, flushed once timeLimit elapses or the buffer fills
// (spec §4.3 property 8, scenario S6). J1939-21 has no Multi-PG packer, so
// timeLimit is accepted but has no effect there, matching the original
// leaving data_length > DataLength.TP and J1939-21 sends unaffected by the
// parameter entirely.
func (e *Ecu) SendPGNDeadline(pgn j1939.ParameterGroupNumber, priority, src uint8, data []byte, timeLimit time.Duration) error {
	if e.t22 != nil {
		return e.t22.SendPGN(pgn, priority, src, data, timeLimit)
	}
	return e.t21.SendPGN(pgn, priority, src, data)
}

// sendAddressClaimed emits an Address-Claimed frame with name as payload.
// Used by each ControllerApplication's addressclaim.Sender adapter.
func (e *Ecu) sendAddressClaimed(name j1939.Name, sourceAddress uint8) error {
	b := name.Bytes()
	canID := j1939.EncodeCanID(6, j1939.PGNAddressClaim|uint32(j1939.AddressGlobal), sourceAddress)
	return e.bus.SendRaw(canID, b[:])
}

func (e *Ecu) isMessageAcceptable(dest uint8) bool {
	if dest == j1939.AddressGlobal {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ca := range e.cas {
		if ca.MessageAcceptable(dest) {
			return true
		}
	}
	return false
}

// onFrame is the BusManager's inbound callback: decode and route one raw
// frame, mirroring notify()'s dispatch tree (both J1939-21 and J1939-22
// variants, selected by which transport engine is active).
func (e *Ecu) onFrame(frame j1939.Frame) {
	e.notify(frame.ID, frame.Data, 0)
}

func (e *Ecu) notify(canID uint32, data []byte, timestamp float64) {
	mid := j1939.DecodeCanID(canID)
	pgn := j1939.PGNFromValue(mid.PGN)
	destAddress := pgn.PduSpecific
	pgnFamily := mid.PGN &^ 0xFF

	// The acceptability gate only applies to PDU1 frames: PduSpecific there
	// is a destination address, but for PDU2 frames it is a group
	// extension (part of the PGN itself), so every PDU2 frame is a
	// broadcast nothing should gate on.
	if pgn.IsPDU1() && destAddress != j1939.AddressGlobal && !e.isMessageAcceptable(destAddress) {
		return
	}

	switch pgnFamily {
	case j1939.PGNAddressClaim:
		e.dispatchAddressClaim(mid.Source, data)
	case j1939.PGNRequest:
		e.dispatchRequest(mid.Priority, destAddress, mid.Source, data, timestamp)
	case j1939.PGNTpCm:
		if e.t21 != nil {
			e.t21.HandleTpCm(mid.Priority, mid.Source, destAddress, data, timestamp)
		}
	case j1939.PGNDataTransfer:
		if e.t21 != nil {
			e.t21.HandleTpDt(mid.Source, destAddress, data, timestamp)
		}
	case j1939.PGNFdTpCm:
		if e.t22 != nil {
			e.t22.HandleTpCm(mid.Priority, mid.Source, destAddress, data, timestamp)
		}
	case j1939.PGNFdTpDt:
		if e.t22 != nil {
			e.t22.HandleTpDt(mid.Source, destAddress, data, timestamp)
		}
	case j1939.PGNMultiPG:
		if e.t22 != nil {
			e.t22.HandleMultiPG(mid.Priority, mid.Source, destAddress, data, timestamp)
		}
	default:
		if pgn.IsPDU2() {
			e.registry.Dispatch(mid.Priority, mid.PGN, mid.Source, j1939.AddressGlobal, timestamp, data)
		} else {
			e.registry.Dispatch(mid.Priority, mid.PGN, mid.Source, destAddress, timestamp, data)
		}
	}
}

// notifyReassembled is the transport engines' NotifyFunc: deliver a
// reassembled (or single-frame) PDU to the subscription registry.
func (e *Ecu) notifyReassembled(priority uint8, pgn uint32, sourceAddress, destAddress uint8, timestamp float64, data []byte) {
	e.registry.Dispatch(priority, pgn, sourceAddress, destAddress, timestamp, data)
}

func (e *Ecu) dispatchAddressClaim(sourceAddress uint8, data []byte) {
	if len(data) != 8 {
		return
	}
	name, err := j1939.NameFromBytes(data)
	if err != nil {
		e.logger.Warn("ecu: malformed address-claim payload", "error", err)
		return
	}
	e.mu.Lock()
	cas := append([]*ControllerApplication(nil), e.cas...)
	e.mu.Unlock()
	for _, ca := range cas {
		ca.claim.ProcessAddressClaimed(sourceAddress, name.Value())
	}
}

func (e *Ecu) dispatchRequest(priority uint8, destAddress, sourceAddress uint8, data []byte, timestamp float64) {
	if len(data) < 3 {
		return
	}
	requestedPGN := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16
	e.mu.Lock()
	cas := append([]*ControllerApplication(nil), e.cas...)
	e.mu.Unlock()
	for _, ca := range cas {
		if ca.MessageAcceptable(destAddress) {
			ca.handleRequest(requestedPGN, sourceAddress, timestamp)
		}
	}
}
