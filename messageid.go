package j1939

// MessageId is the decoded form of a 29-bit CAN identifier: priority, raw
// PGN field (data_page | pdu_format | pdu_specific, 18 bits) and source
// address. EncodeCanID/DecodeCanID are bijective for the legal ranges
// documented in spec §8 property 1.
type MessageId struct {
	Priority uint8
	PGN      uint32
	Source   uint8
}

// EncodeCanID packs priority, a raw PGN value (ParameterGroupNumber.Value())
// and a source address into a 29-bit extended CAN identifier. Bit 31 (and
// bit 32) of the returned value are always clear.
func EncodeCanID(priority uint8, pgn uint32, source uint8) uint32 {
	return (uint32(priority&0x7) << 26) | ((pgn & 0x3FFFF) << 8) | uint32(source)
}

// DecodeCanID reverses EncodeCanID.
func DecodeCanID(canID uint32) MessageId {
	return MessageId{
		Priority: uint8((canID >> 26) & 0x7),
		PGN:      (canID >> 8) & 0x3FFFF,
		Source:   uint8(canID & 0xFF),
	}
}

// CanID re-encodes the MessageId.
func (m MessageId) CanID() uint32 {
	return EncodeCanID(m.Priority, m.PGN, m.Source)
}
