package j1939

// Address holds the two reserved J1939 source/destination addresses.
const (
	AddressNull   uint8 = 254
	AddressGlobal uint8 = 255
)

// Well-known Parameter Group Numbers (SAE J1939-21/71/73). Treated as
// opaque constants per spec §1 — this is not a complete SPN/PGN dictionary.
const (
	PGNMultiPG      uint32 = 9472  // 0x2500 - FEFF Multi-PG small-PG wrapper (J1939-22)
	PGNFdTpCm       uint32 = 19712 // 0x4D00
	PGNFdTpDt       uint32 = 19968 // 0x4E00
	PGNRequest      uint32 = 59904 // 0xEA00
	PGNAddressClaim uint32 = 60928 // 0xEE00
	PGNDataTransfer uint32 = 60160 // 0xEB00
	PGNTpCm         uint32 = 60416 // 0xEC00

	PGNDM01 uint32 = 65226 // active DTCs
	PGNDM02 uint32 = 65227
	PGNDM03 uint32 = 65228
	PGNDM04 uint32 = 65229
	PGNDM05 uint32 = 65230
	PGNDM06 uint32 = 65231
	PGNDM07 uint32 = 58112
	PGNDM08 uint32 = 65232
	PGNDM10 uint32 = 65234
	PGNDM11 uint32 = 65235 // clear/reset active DTCs
	PGNDM12 uint32 = 65236
	PGNDM13 uint32 = 57088
	PGNDM14 uint32 = 55552 // memory access request
	PGNDM15 uint32 = 55296 // memory access status
	PGNDM16 uint32 = 55040 // memory access data
	PGNDM17 uint32 = 54784
	PGNDM18 uint32 = 54272
	PGNDM22 uint32 = 49920 // individual clear of active/previously active DTC
)

// ParameterGroupNumber is the {data_page, pdu_format, pdu_specific} tuple
// described in spec §3. A pdu_format <= 239 is PDU1 (peer-to-peer, the
// pdu_specific field carries the destination address); >= 240 is PDU2
// (broadcast, pdu_specific is a group extension).
type ParameterGroupNumber struct {
	DataPage     uint8
	PduFormat    uint8
	PduSpecific  uint8
}

// NewPGN masks each field to its declared width.
func NewPGN(dataPage, pduFormat, pduSpecific uint8) ParameterGroupNumber {
	return ParameterGroupNumber{
		DataPage:    dataPage & 0x01,
		PduFormat:   pduFormat,
		PduSpecific: pduSpecific,
	}
}

// IsPDU1 indicates peer-to-peer addressing (destination in PduSpecific).
func (p ParameterGroupNumber) IsPDU1() bool { return p.PduFormat <= 239 }

// IsPDU2 indicates broadcast addressing (group extension in PduSpecific).
func (p ParameterGroupNumber) IsPDU2() bool { return p.PduFormat >= 240 }

// Value packs the tuple into its 17-bit numeric form (data_page<<16 |
// pdu_format<<8 | pdu_specific), as carried by well-known PGN constants.
func (p ParameterGroupNumber) Value() uint32 {
	return uint32(p.DataPage)<<16 | uint32(p.PduFormat)<<8 | uint32(p.PduSpecific)
}

// PGNFromValue splits a raw numeric PGN value back into its tuple form.
func PGNFromValue(value uint32) ParameterGroupNumber {
	return ParameterGroupNumber{
		DataPage:    uint8((value >> 16) & 0x01),
		PduFormat:   uint8((value >> 8) & 0xFF),
		PduSpecific: uint8(value & 0xFF),
	}
}

// PGNIsPDU1 and PGNIsPDU2 are the free-function forms spec §4.1 names
// (encode_can_id / pgn_is_pdu1 / pgn_is_pdu2).
func PGNIsPDU1(pgn uint32) bool { return PGNFromValue(pgn).IsPDU1() }
func PGNIsPDU2(pgn uint32) bool { return PGNFromValue(pgn).IsPDU2() }
