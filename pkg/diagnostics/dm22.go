package diagnostics

import j1939 "github.com/go-j1939/j1939"

// DtcClrCtrl is the DM22 control byte (spec §4.8), grounded on
// original_source's Dm22.DTC_CLR_CTRL enum.
type DtcClrCtrl uint8

const (
	ClrCtrlPreviouslyActiveRequest DtcClrCtrl = 1
	ClrCtrlPreviouslyActiveAck     DtcClrCtrl = 2
	ClrCtrlPreviouslyActiveNack    DtcClrCtrl = 3
	ClrCtrlActiveRequest           DtcClrCtrl = 17
	ClrCtrlActiveAck               DtcClrCtrl = 18
	ClrCtrlActiveNack              DtcClrCtrl = 19
)

// DtcClrCtrlSpecific is the NACK reason byte, grounded on original_source's
// Dm22.DTC_CLR_CTRL_SPECIFIC enum. This is the full previously-active vs.
// active distinction SPEC_FULL.md §4 calls out as a supplemented feature:
// the spec's distillation only sketches the DM22 payload layout.
type DtcClrCtrlSpecific uint8

const (
	ClrSpecificGeneralNack      DtcClrCtrlSpecific = 0
	ClrSpecificAccessDenied     DtcClrCtrlSpecific = 1
	ClrSpecificDtcUnknown       DtcClrCtrlSpecific = 2
	ClrSpecificDtcPaNotActive   DtcClrCtrlSpecific = 3
	ClrSpecificDtcActNotActive  DtcClrCtrlSpecific = 4
)

// Dm22 implements individual (per-DTC) clear-control requests and their
// acknowledgements.
type Dm22 struct {
	requester Requester
	src       uint8

	subscribers []func(sourceAddress uint8, ctrl DtcClrCtrl, specific DtcClrCtrlSpecific, fmi uint8, spn uint32)
}

// NewDm22 builds a Dm22 for a CA transmitting/receiving from src.
func NewDm22(requester Requester, src uint8) *Dm22 {
	return &Dm22{requester: requester, src: src}
}

// RequestClearActiveDTC asks destination to clear one active DTC,
// identified by spn/fmi.
func (d *Dm22) RequestClearActiveDTC(destination uint8, spn uint32, fmi uint8) error {
	return d.sendRequest(ClrCtrlActiveRequest, destination, fmi, spn)
}

// RequestClearPreviouslyActiveDTC asks destination to clear one
// previously-active DTC, identified by spn/fmi.
func (d *Dm22) RequestClearPreviouslyActiveDTC(destination uint8, spn uint32, fmi uint8) error {
	return d.sendRequest(ClrCtrlPreviouslyActiveRequest, destination, fmi, spn)
}

// sendRequest lays out the 8-byte DM22 payload exactly per
// original_source's Dm22._send_request: control byte, 0xFF filler, then
// SPN/FMI packed into the last 3 bytes.
func (d *Dm22) sendRequest(ctrl DtcClrCtrl, destination uint8, fmi uint8, spn uint32) error {
	data := [8]byte{byte(ctrl), 0xFF, 0xFF, 0xFF, 0xFF,
		byte(spn & 0xFF),
		byte((spn >> 8) & 0xFF),
		byte(((spn>>11)&0xE0) | uint32(fmi&0x1F)),
	}
	return d.requester.SendPGN(j1939.PGNFromValue(j1939.PGNDM22), 6, d.src, data[:])
}

// Receive parses an inbound DM22 frame and notifies subscribers.
func (d *Dm22) Receive(sourceAddress uint8, data []byte) {
	if len(data) < 8 {
		return
	}
	ctrl := DtcClrCtrl(data[0])
	specific := DtcClrCtrlSpecific(data[1])
	spn := uint32(data[5]) | uint32(data[6])<<8 | uint32(data[7]&0xE0)<<11
	fmi := data[7] & 0x1F
	for _, cb := range d.subscribers {
		cb(sourceAddress, ctrl, specific, fmi, spn)
	}
}

// Subscribe registers cb to be notified of every inbound DM22 frame.
func (d *Dm22) Subscribe(cb func(sourceAddress uint8, ctrl DtcClrCtrl, specific DtcClrCtrlSpecific, fmi uint8, spn uint32)) {
	d.subscribers = append(d.subscribers, cb)
}
