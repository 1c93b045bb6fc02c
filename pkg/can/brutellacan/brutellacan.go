// Package brutellacan adapts github.com/brutella/can's SocketCAN binding to
// this repository's can.Bus contract, for callers who want a ready
// SocketCAN-capable driver without writing their own. Grounded on the
// teacher go.mod's declared (if unused by the teacher's own code) dependency
// on brutella/can, wired here into a real component per SPEC_FULL.md §3.
package brutellacan

import (
	"fmt"
	"log/slog"
	"sync"

	brutella "github.com/brutella/can"

	j1939 "github.com/go-j1939/j1939"
	"github.com/go-j1939/j1939/pkg/can"
)

func init() {
	can.RegisterInterface("brutellacan", func(channel string, _ int) (can.Bus, error) {
		return New(channel, nil), nil
	})
}

// Bus wraps a brutella/can.Bus, translating 29-bit extended frames both
// ways. Classical (non-FD) only: brutella/can has no CAN-FD support, so FD
// frames (transport22, Multi-PG) cannot be sent or received through this
// driver — callers that need J1939-22 must use a different Bus
// implementation.
type Bus struct {
	logger  *slog.Logger
	channel string

	mu       sync.Mutex
	inner    *brutella.Bus
	listener can.FrameListener
}

// New constructs an unconnected Bus bound to a SocketCAN channel name
// (e.g. "can0"). logger defaults to slog.Default().
func New(channel string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{channel: channel, logger: logger}
}

// Connect opens the underlying SocketCAN interface.
func (b *Bus) Connect(args ...any) error {
	inner, err := brutella.NewBusForInterfaceWithName(b.channel)
	if err != nil {
		return fmt.Errorf("brutellacan: %w", err)
	}
	b.mu.Lock()
	b.inner = inner
	b.mu.Unlock()

	inner.SubscribeFunc(func(frm brutella.Frame) {
		b.mu.Lock()
		l := b.listener
		b.mu.Unlock()
		if l == nil {
			return
		}
		l.Handle(can.Frame{
			ID:   frm.ID,
			FD:   false,
			Data: append([]byte(nil), frm.Data[:frm.Length]...),
		})
	})

	go func() {
		if err := inner.ConnectAndPublish(); err != nil {
			b.logger.Error("brutellacan: connection closed", "error", err)
		}
	}()
	return nil
}

// Disconnect closes the underlying SocketCAN interface.
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	inner := b.inner
	b.mu.Unlock()
	if inner == nil {
		return nil
	}
	return inner.Disconnect()
}

// Send transmits a classical (non-FD) frame.
func (b *Bus) Send(frame can.Frame) error {
	if frame.FD {
		return fmt.Errorf("brutellacan: CAN-FD frames are not supported by this driver")
	}
	if len(frame.Data) > 8 {
		return fmt.Errorf("brutellacan: %w: classical payload exceeds 8 bytes", j1939.ErrBadLength)
	}
	var data [8]byte
	copy(data[:], frame.Data)

	b.mu.Lock()
	inner := b.inner
	b.mu.Unlock()
	if inner == nil {
		return fmt.Errorf("brutellacan: not connected")
	}
	return inner.Publish(brutella.Frame{
		ID:     frame.ID | 0x80000000, // extended-frame flag per brutella/can's convention
		Length: uint8(len(frame.Data)),
		Data:   data,
	})
}

// Subscribe registers the single frame listener for this bus.
func (b *Bus) Subscribe(listener can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	return nil
}
