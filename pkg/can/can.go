// Package can re-exports the root package's driver contract and adds a
// named-driver registry, mirroring the teacher's pkg/can/bus.go and
// pkg/can/register.go split, kept self-consistent (the teacher pack itself
// mixes references to canopen.Bus and can.Bus across those two files; this
// package picks one and sticks to it: everything here is an alias of the
// root j1939 types, never a duplicate redefinition).
package can

import (
	"fmt"
	"sync"

	j1939 "github.com/go-j1939/j1939"
)

// Frame, FrameListener and Bus are the root package's driver contract,
// re-exported here so driver packages (pkg/can/virtual, pkg/can/brutellacan)
// depend on pkg/can instead of reaching into the root package directly.
type (
	Frame         = j1939.Frame
	FrameListener = j1939.FrameListener
	Bus           = j1939.Bus
)

// NewBusFunc constructs a Bus for a named interface/channel combination.
type NewBusFunc func(channel string, bitrate int) (Bus, error)

var (
	registryMu sync.Mutex
	registry   = map[string]NewBusFunc{}
)

// RegisterInterface makes a driver available under name for NewBus, the
// way the teacher's pkg/can/register.go does for "socketcan"/"virtualcan".
func RegisterInterface(name string, fn NewBusFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = fn
}

// NewBus looks up a registered driver by interface name and constructs it.
func NewBus(canInterface, channel string, bitrate int) (Bus, error) {
	registryMu.Lock()
	fn, ok := registry[canInterface]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("can: no driver registered for interface %q", canInterface)
	}
	return fn(channel, bitrate)
}
