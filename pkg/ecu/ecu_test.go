package ecu

import (
	"context"
	"testing"
	"time"

	j1939 "github.com/go-j1939/j1939"
	"github.com/go-j1939/j1939/pkg/addressclaim"
	"github.com/go-j1939/j1939/pkg/can/virtual"
	"github.com/go-j1939/j1939/pkg/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEcu(t *testing.T, net *virtual.Network, channel string) *Ecu {
	t.Helper()
	bus, err := net.NewBus(channel)
	require.NoError(t, err)
	e := New(bus, Options{Version: VersionJ1939_21})
	require.NoError(t, e.Connect(context.Background()))
	t.Cleanup(func() { _ = e.Disconnect() })
	return e
}

func TestAddressClaimBypassedCAAcceptsGlobalAndOwnAddress(t *testing.T) {
	net := virtual.NewNetwork()
	e := newTestEcu(t, net, "claim-bypass")

	name, err := j1939.NewName(j1939.NameFields{IdentityNumber: 1})
	require.NoError(t, err)
	ca := NewBypassed(name, false, 0x27)
	e.AddCA(ca)

	assert.Equal(t, uint8(0x27), ca.DeviceAddress())
	assert.True(t, ca.MessageAcceptable(j1939.AddressGlobal))
	assert.True(t, ca.MessageAcceptable(0x27))
	assert.False(t, ca.MessageAcceptable(0x28))
}

func TestAddressClaimContentionLowerNameWins(t *testing.T) {
	net := virtual.NewNetwork()
	eLow := newTestEcu(t, net, "claim-contend")
	eHigh := newTestEcu(t, net, "claim-contend")

	lowName, err := j1939.NewName(j1939.NameFields{IdentityNumber: 1})
	require.NoError(t, err)
	highName, err := j1939.NewName(j1939.NameFields{IdentityNumber: 2})
	require.NoError(t, err)

	addr := uint8(0x80)
	caLow := New(lowName, true, &addr)
	caHigh := New(highName, true, &addr)

	eLow.AddCA(caLow)
	eHigh.AddCA(caHigh)

	caLow.Start()
	caHigh.Start()
	time.Sleep(addressclaim.ProcessPeriod() + 250*time.Millisecond)

	assert.Equal(t, uint8(0x80), caLow.DeviceAddress())
	assert.NotEqual(t, uint8(0x80), caHigh.DeviceAddress())
}

func TestSendPGNDirectSingleFrameRoundTrips(t *testing.T) {
	net := virtual.NewNetwork()
	eSend := newTestEcu(t, net, "direct")
	eRecv := newTestEcu(t, net, "direct")

	addrSend, addrRecv := uint8(0x10), uint8(0x20)
	caSend := NewBypassed(mustName(t, 10), false, addrSend)
	caRecv := NewBypassed(mustName(t, 20), false, addrRecv)
	eSend.AddCA(caSend)
	eRecv.AddCA(caRecv)

	received := make(chan []byte, 1)
	eRecv.Subscribe(subscription.Predicate(caRecv.MessageAcceptable), func(_ uint8, pgn uint32, sourceAddress uint8, _ float64, data []byte) {
		if pgn == 0xFF00 {
			received <- data
		}
	})

	pgn := j1939.NewPGN(0, 0xFF, 0x00)
	err := caSend.SendPGN(pgn, 6, addrSend, []byte{1, 2, 3, 4})
	require.NoError(t, err)

	select {
	case data := <-received:
		assert.Equal(t, []byte{1, 2, 3, 4}, data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for direct PGN delivery")
	}
}

func mustName(t *testing.T, identity uint32) j1939.Name {
	t.Helper()
	name, err := j1939.NewName(j1939.NameFields{IdentityNumber: identity})
	require.NoError(t, err)
	return name
}
