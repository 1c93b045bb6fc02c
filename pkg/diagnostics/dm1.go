// Package diagnostics implements the cyclic/clear diagnostic PGNs (spec
// §4.8, component C8): DM1 (active DTC broadcast), DM11 (clear-all
// request/acknowledge) and DM22 (individual DTC clear). Grounded on
// original_source/j1939/diagnostic_messages.py.
package diagnostics

import (
	log "github.com/sirupsen/logrus"

	j1939 "github.com/go-j1939/j1939"
)

// Sender is the subset of the CA-facing send surface DM1/DM11/DM22 need.
type Sender interface {
	SendPGN(pgn j1939.ParameterGroupNumber, priority, src uint8, data []byte) error
}

// Dm1 implements the DM1 active-DTC message (spec §4.8). A Dm1 delivers
// other CAs' DM1 broadcasts to its Subscribe callbacks and sends its own
// DM1 once per Send call. It has no unsubscribe and runs no cyclic send
// timer of its own.
type Dm1 struct {
	sender Sender
	src    uint8

	dtcs   []j1939.DTC
	lamps  j1939.LampStatus

	subscribers []func(sourceAddress uint8, timestamp float64, dtcs []j1939.DTC, lamps j1939.LampStatus)
}

// New builds a Dm1 for a CA transmitting from src.
func New(sender Sender, src uint8) *Dm1 {
	return &Dm1{sender: sender, src: src}
}

// SetData replaces the DTC list and lamp status this Dm1 broadcasts on its
// next Send.
func (d *Dm1) SetData(dtcs []j1939.DTC, lamps j1939.LampStatus) {
	d.dtcs = dtcs
	d.lamps = lamps
}

// Subscribe registers cb to be notified of every inbound DM1 from any CA.
func (d *Dm1) Subscribe(cb func(sourceAddress uint8, timestamp float64, dtcs []j1939.DTC, lamps j1939.LampStatus)) {
	d.subscribers = append(d.subscribers, cb)
}

// Send builds and transmits one DM1 frame per the current DTC/lamp state
// (spec §4.8, wire layout: 2 lamp bytes + 4 bytes per DTC). Priority is 6
// for payloads that fit 8 bytes, 7 otherwise (more than one DTC reported),
// matching original_source's Dm1._send.
func (d *Dm1) Send() error {
	lampBytes := j1939.PackLampStatus(d.lamps)
	data := make([]byte, 0, 2+4*len(d.dtcs))
	data = append(data, lampBytes[:]...)
	for _, dtc := range d.dtcs {
		raw := j1939.PackDTC(dtc)
		data = append(data, byte(raw), byte(raw>>8), byte(raw>>16), byte(raw>>24))
	}
	priority := uint8(6)
	if len(data) > 8 {
		priority = 7
	}
	return d.sender.SendPGN(j1939.PGNFromValue(j1939.PGNDM01), priority, d.src, data)
}

// Receive parses an inbound DM1 PDU (own-PGN filtered by the caller) and
// notifies subscribers, mirroring _parse_dm1_receive_data's two validation
// rules: a frame shorter than 6 bytes is malformed, and a non-padded frame
// whose DTC section isn't a multiple of 4 bytes is malformed.
func (d *Dm1) Receive(sourceAddress uint8, timestamp float64, data []byte) {
	if len(data) < 6 {
		log.WithField("length", len(data)).Warn("dm1: frame too short")
		return
	}
	dtcSection := data[2:]
	if len(data) != 8 && len(dtcSection)%4 != 0 {
		log.WithField("length", len(data)).Warn("dm1: malformed dtc section length")
		return
	}
	lamps := j1939.UnpackLampStatus(data[0], data[1])

	n := len(dtcSection) / 4
	dtcs := make([]j1939.DTC, 0, n)
	for i := 0; i < n; i++ {
		b := dtcSection[i*4 : i*4+4]
		raw := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		dtc := j1939.UnpackDTC(raw)
		if dtc.SPN == 0 && dtc.FMI == 0 && dtc.OC == 0 && dtc.CM == 0 {
			continue // all-zero filler entry, not a real DTC
		}
		dtcs = append(dtcs, dtc)
	}
	for _, cb := range d.subscribers {
		cb(sourceAddress, timestamp, dtcs, lamps)
	}
}
