// Package virtual provides an in-memory loopback CAN bus for tests and
// scenario-style exercises of the transport/address-claim state machines
// (spec §8 S1-S6). Grounded on the teacher's pkg/can/virtual.Bus, but
// simplified from its TCP broker (dial a shared server, serialize frames
// over the wire) down to a process-local hub: every Bus instance obtained
// from the same Network shares an in-memory fan-out instead of a socket,
// since nothing here needs to cross process boundaries.
package virtual

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-j1939/j1939/pkg/can"
)

func init() {
	// Registered under a network name of "" by default consumers create
	// their own Network and call NewBus directly; RegisterInterface exists
	// for parity with pkg/can's driver-registry pattern and teacher
	// pkg/can/virtual's own init().
	can.RegisterInterface("virtual", func(channel string, _ int) (can.Bus, error) {
		return Default().NewBus(channel)
	})
}

var (
	defaultOnce sync.Once
	defaultNet  *Network
)

// Default returns a process-wide Network, for the common case of one
// virtual bus shared by every caller in a test binary.
func Default() *Network {
	defaultOnce.Do(func() { defaultNet = NewNetwork() })
	return defaultNet
}

// Network is an in-memory broker: every Bus created from the same Network
// and channel name observes every other bus's Send calls.
type Network struct {
	mu      sync.Mutex
	logger  *slog.Logger
	members map[string][]*Bus
}

// NewNetwork creates an empty broker.
func NewNetwork() *Network {
	return &Network{logger: slog.Default(), members: make(map[string][]*Bus)}
}

// NewBus creates a Bus on the given channel. Two buses on the same channel
// from the same Network see each other's frames; different channels are
// isolated.
func (n *Network) NewBus(channel string) (can.Bus, error) {
	if channel == "" {
		return nil, fmt.Errorf("virtual: channel name required")
	}
	return &Bus{network: n, channel: channel}, nil
}

// Bus is one endpoint on a Network channel.
type Bus struct {
	network *Network
	channel string

	mu         sync.Mutex
	listener   can.FrameListener
	connected  bool
	receiveOwn bool
}

// Connect registers this bus on its channel. Optional args: a bool enabling
// receive-of-own-frames (default false), matching the teacher's
// variadic-args Connect contract.
func (b *Bus) Connect(args ...any) error {
	for _, a := range args {
		if v, ok := a.(bool); ok {
			b.receiveOwn = v
		}
	}
	b.network.mu.Lock()
	defer b.network.mu.Unlock()
	b.network.members[b.channel] = append(b.network.members[b.channel], b)
	b.connected = true
	return nil
}

// Disconnect removes this bus from its channel.
func (b *Bus) Disconnect() error {
	b.network.mu.Lock()
	defer b.network.mu.Unlock()
	peers := b.network.members[b.channel]
	for i, p := range peers {
		if p == b {
			b.network.members[b.channel] = append(peers[:i:i], peers[i+1:]...)
			break
		}
	}
	b.connected = false
	return nil
}

// Send fans the frame out to every other bus connected to this channel
// (and to itself too, if receiveOwn was set at Connect time).
func (b *Bus) Send(frame can.Frame) error {
	if !b.connected {
		return fmt.Errorf("virtual: bus not connected")
	}
	b.network.mu.Lock()
	peers := append([]*Bus(nil), b.network.members[b.channel]...)
	b.network.mu.Unlock()

	for _, p := range peers {
		if p == b && !b.receiveOwn {
			continue
		}
		p.mu.Lock()
		l := p.listener
		p.mu.Unlock()
		if l != nil {
			l.Handle(frame)
		}
	}
	return nil
}

// Subscribe registers the single frame listener for this bus endpoint.
func (b *Bus) Subscribe(listener can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	return nil
}
