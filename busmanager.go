package j1939

import (
	"log/slog"
	"sync"
)

// BusManager wraps the driver Bus: it serialises transmits behind a mutex
// (spec §5: "writes are serialised by a transmit mutex") and forwards every
// inbound frame to a single upcall, mirroring the original implementation's
// MessageListener -> ElectronicControlUnit.notify path. Unlike the
// CANopen-derived teacher (which fans a frame out to per-COB-ID
// subscribers at this layer), J1939 routing happens one level up by
// decoded PGN, not by raw CAN id, so this layer stays a thin, serialised
// gateway to the driver.
type BusManager struct {
	logger *slog.Logger

	mu  sync.Mutex
	bus Bus

	onFrame func(Frame)
}

// NewBusManager wraps bus. onFrame is invoked for every frame the driver
// delivers through Subscribe; it must not block.
func NewBusManager(bus Bus, onFrame func(Frame), logger *slog.Logger) *BusManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusManager{bus: bus, onFrame: onFrame, logger: logger}
}

// Handle implements FrameListener; it is registered with the driver on
// Connect.
func (bm *BusManager) Handle(frame Frame) {
	if bm.onFrame != nil {
		bm.onFrame(frame)
	}
}

// Connect opens the underlying driver and registers this manager as its
// sole listener.
func (bm *BusManager) Connect(args ...any) error {
	bm.mu.Lock()
	bus := bm.bus
	bm.mu.Unlock()
	if bus == nil {
		return ErrNotConnected
	}
	if err := bus.Connect(args...); err != nil {
		return err
	}
	return bus.Subscribe(bm)
}

// Disconnect tears down the underlying driver.
func (bm *BusManager) Disconnect() error {
	bm.mu.Lock()
	bus := bm.bus
	bm.mu.Unlock()
	if bus == nil {
		return nil
	}
	return bus.Disconnect()
}

// Send transmits a raw frame, serialised against every other Send call so
// the driver is only ever invoked from one goroutine at a time even when a
// scheduler-driven retransmit races an application-driven send_pgn.
func (bm *BusManager) Send(frame Frame) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if bm.bus == nil {
		return ErrNotConnected
	}
	if err := bm.bus.Send(frame); err != nil {
		bm.logger.Warn("driver send failed", "err", err, "can_id", frame.ID)
		return err
	}
	return nil
}

// SendRaw builds and sends a classical (non-FD) frame from a CAN id and up
// to 8 data bytes.
func (bm *BusManager) SendRaw(canID uint32, data []byte) error {
	return bm.Send(Frame{ID: canID, Data: data})
}

// SendFD builds and sends an FD frame.
func (bm *BusManager) SendFD(canID uint32, data []byte) error {
	return bm.Send(Frame{ID: canID, FD: true, Data: data})
}
