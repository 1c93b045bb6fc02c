// Package addressclaim implements the per-CA NAME contention state machine
// (spec §4.4, component C4), grounded on
// original_source/j1939/controller_application.py's
// _process_claim_async/_process_addressclaim pair.
package addressclaim

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// State is the address-claim state a Controller Application occupies.
type State uint8

const (
	StateNone State = iota
	StateWaitVeto
	StateNormal
	StateCannotClaim
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateWaitVeto:
		return "WAIT_VETO"
	case StateNormal:
		return "NORMAL"
	case StateCannotClaim:
		return "CANNOT_CLAIM"
	default:
		return "UNKNOWN"
	}
}

// Timeouts per spec §4.4.
const (
	VetoTimeout            = 250 * time.Millisecond
	RequestForClaimTimeout = 1250 * time.Millisecond
	processPeriod          = 500 * time.Millisecond
)

const (
	AddressNull   uint8 = 254
	AddressGlobal uint8 = 255
)

// NameValue abstracts j1939.Name.Value() to avoid an import cycle; callers
// pass the raw 64-bit NAME value.
type NameValue = uint64

// Sender emits an Address-Claimed (or Cannot-Claim, when address ==
// AddressNull) frame with our NAME as payload, source address as given.
type Sender interface {
	SendAddressClaimed(sourceAddress uint8) error
}

// Machine runs one CA's address-claim state machine. It holds no reference
// to a scheduler; the owner is responsible for calling ProcessClaimAsync
// periodically (every 500ms. as original_source does) after Start.
type Machine struct {
	mu sync.Mutex

	name                    NameValue
	arbitraryAddressCapable bool
	sender                  Sender

	preferredAddress *uint8
	announcedAddress uint8
	deviceAddress    uint8
	state            State
}

// New builds a Machine for a CA with the given NAME value and capability
// flag. preferredAddress is nil when the CA has no address preference (it
// will never start a claim on its own).
func New(name NameValue, arbitraryAddressCapable bool, preferredAddress *uint8, sender Sender) *Machine {
	return &Machine{
		name:                    name,
		arbitraryAddressCapable: arbitraryAddressCapable,
		sender:                  sender,
		preferredAddress:        preferredAddress,
		announcedAddress:        AddressNull,
		deviceAddress:           AddressNull,
		state:                   StateNone,
	}
}

// NewBypassed short-circuits construction straight into NORMAL with
// the given address, for tests or deterministic deployments (spec §4.4).
func NewBypassed(name NameValue, arbitraryAddressCapable bool, address uint8, sender Sender) *Machine {
	m := New(name, arbitraryAddressCapable, &address, sender)
	m.announcedAddress = address
	m.deviceAddress = address
	m.state = StateNormal
	return m
}

// State returns the current address-claim state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// DeviceAddress returns the claimed address, or AddressNull when not in
// NORMAL state.
func (m *Machine) DeviceAddress() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateNormal {
		return AddressNull
	}
	return m.deviceAddress
}

// ProcessPeriod is the interval the owner should re-invoke ProcessClaimAsync
// at, matching original_source's `ca.add_timer(0.5, ...)`.
func ProcessPeriod() time.Duration { return processPeriod }

// ProcessClaimAsync drives the NONE -> WAIT_VETO -> NORMAL progression. It
// is meant to be called from a periodic timer (500ms) the way the original
// drives `_process_claim_async` from `ecu.add_timer`.
func (m *Machine) ProcessClaimAsync() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateNone:
		if m.preferredAddress == nil {
			return
		}
		m.announcedAddress = *m.preferredAddress
		m.emitClaim(m.announcedAddress)
		if m.announcedAddress > 127 && m.announcedAddress < 248 {
			m.state = StateWaitVeto
		} else {
			// Addresses 0..127 and 248..253 are not contended and start
			// immediately.
			m.deviceAddress = m.announcedAddress
			m.state = StateNormal
		}
	case StateWaitVeto:
		// No veto arrived within the window: the claim stands.
		m.deviceAddress = m.announcedAddress
		m.state = StateNormal
	case StateNormal, StateCannotClaim:
		// nothing to do
	}
}

// ProcessAddressClaimed handles an inbound Address-Claimed PDU from another
// source, resolving contention per spec §4.4: the lower NAME value wins.
func (m *Machine) ProcessAddressClaimed(sourceAddress uint8, contenderName NameValue) {
	m.mu.Lock()
	defer m.mu.Unlock()

	awaiting := (m.state == StateNormal && sourceAddress == m.deviceAddress) ||
		(m.state == StateWaitVeto && sourceAddress == m.announcedAddress)
	if !awaiting {
		return
	}

	if m.name > contenderName {
		// We lose: release the address.
		m.deviceAddress = AddressNull
		if !m.arbitraryAddressCapable {
			log.WithField("source", sourceAddress).Error("address claim lost and not arbitrary-capable, cannot claim")
			m.state = StateCannotClaim
			m.emitClaim(AddressNull)
			return
		}
		m.announcedAddress++
		log.WithField("next_address", m.announcedAddress).Info("address claim lost, trying next address")
		m.emitClaim(m.announcedAddress)
		m.state = StateWaitVeto
		return
	}

	// We win: repeat our claim so the contender backs off.
	if m.state == StateNormal {
		m.emitClaim(m.deviceAddress)
	} else {
		m.emitClaim(m.announcedAddress)
	}
}

// ReclaimCurrent resends the current claim (or, once CANNOT_CLAIM, a
// Cannot-Claim frame) without altering state. Used to answer a PGN-request
// for Address-Claimed (spec §4.4: "respond with current claim").
func (m *Machine) ReclaimCurrent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateNormal:
		m.emitClaim(m.deviceAddress)
	case StateCannotClaim:
		m.emitClaim(AddressNull)
	}
}

// MessageAcceptable reports whether this CA would accept a PDU addressed to
// dest (spec: CA.message_acceptable).
func (m *Machine) MessageAcceptable(dest uint8) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateNormal {
		return false
	}
	return dest == AddressGlobal || dest == m.deviceAddress
}

func (m *Machine) emitClaim(sourceAddress uint8) {
	if m.sender == nil {
		return
	}
	if err := m.sender.SendAddressClaimed(sourceAddress); err != nil {
		log.WithError(err).Warn("failed to send address-claimed frame")
	}
}
