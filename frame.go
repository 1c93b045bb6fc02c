// Package j1939 implements the SAE J1939 higher-layer protocol stack:
// transport protocols (classical and FD), address-claim, memory-access and
// diagnostic messaging, atop a pluggable CAN/CAN-FD driver.
package j1939

// A Frame is a single CAN or CAN-FD frame, always carrying a 29-bit
// extended identifier. Classical frames hold up to 8 data bytes; FD frames
// up to 64, with FD set to indicate the bitrate-switched FD format.
type Frame struct {
	ID   uint32
	FD   bool
	Data []byte
}

// MaxClassicDataLength is the largest payload a classical CAN frame carries.
const MaxClassicDataLength = 8

// FrameListener receives every frame handed up by the driver. Handle must
// not block: the driver's read path is shared by every subscriber.
type FrameListener interface {
	Handle(frame Frame)
}

// Bus is the driver contract this library consumes (spec §6). Implementors
// translate to/from the physical or virtual medium; this library never owns
// the physical bus.
type Bus interface {
	Connect(...any) error
	Disconnect() error
	// Send transmits frame. The frame's FD field selects CAN-FD framing.
	// Must not block the caller indefinitely.
	Send(frame Frame) error
	// Subscribe registers the single listener that receives every
	// extended, non-error, non-remote frame read from the bus.
	Subscribe(listener FrameListener) error
}
