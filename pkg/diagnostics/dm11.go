package diagnostics

import j1939 "github.com/go-j1939/j1939"

// Requester is the subset of the CA-facing surface DM11/DM22 need to issue
// a request and later be told about the PGN-request acknowledgement,
// mirroring original_source's ca.subscribe_request/subscribe_acknowledge.
type Requester interface {
	Sender
	SendRequest(pgn j1939.ParameterGroupNumber, priority, src, dst uint8) error
}

// Dm11 implements the "clear/reset active DTCs" request (spec §4.8),
// grounded on original_source's Dm11 class: a thin wrapper issuing a
// PGN-request for PGNDM11 and dispatching the resulting acknowledgement
// (ACK/NACK) PGN-request response to subscribers.
type Dm11 struct {
	requester Requester
	src       uint8

	requestSubscribers     []func(sourceAddress uint8)
	acknowledgeSubscribers []func(sourceAddress uint8, accepted bool)
}

// NewDm11 builds a Dm11 for a CA transmitting/receiving from src.
func NewDm11(requester Requester, src uint8) *Dm11 {
	return &Dm11{requester: requester, src: src}
}

// RequestClearAll sends a PGN-request for DM11 to destination, asking it to
// clear all active DTCs.
func (d *Dm11) RequestClearAll(destination uint8) error {
	return d.requester.SendRequest(j1939.PGNFromValue(j1939.PGNDM11), 6, d.src, destination)
}

// SubscribeRequestClearAll registers cb to be notified when a peer requests
// that WE clear all active DTCs.
func (d *Dm11) SubscribeRequestClearAll(cb func(sourceAddress uint8)) {
	d.requestSubscribers = append(d.requestSubscribers, cb)
}

// SubscribeAcknowledgeClearAll registers cb to be notified of the
// accept/reject response to a RequestClearAll we issued.
func (d *Dm11) SubscribeAcknowledgeClearAll(cb func(sourceAddress uint8, accepted bool)) {
	d.acknowledgeSubscribers = append(d.acknowledgeSubscribers, cb)
}

// OnRequest delivers a PGN-request targeting PGNDM11 from sourceAddress to
// every SubscribeRequestClearAll callback. ControllerApplication does not
// call it.
func (d *Dm11) OnRequest(sourceAddress uint8) {
	for _, cb := range d.requestSubscribers {
		cb(sourceAddress)
	}
}

// OnAcknowledge delivers an Acknowledgement of a RequestClearAll from
// sourceAddress to every SubscribeAcknowledgeClearAll callback.
// ControllerApplication does not call it.
func (d *Dm11) OnAcknowledge(sourceAddress uint8, accepted bool) {
	for _, cb := range d.acknowledgeSubscribers {
		cb(sourceAddress, accepted)
	}
}
