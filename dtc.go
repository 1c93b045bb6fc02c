package j1939

// DTC is a 32-bit bit-packed J1939 Diagnostic Trouble Code: {SPN:19,
// FMI:5, OC:7, CM:1}. Only conversion mode 0 is supported; an unpacked DTC
// with CM != 0 is still returned, with the caller expected to log it (spec
// §4.1).
type DTC struct {
	SPN uint32 // Suspect Parameter Number, 19 bits
	FMI uint8  // Failure Mode Identifier, 5 bits
	OC  uint8  // Occurrence Count, 7 bits
	CM  uint8  // Conversion Mode, 1 bit; 0 is the only supported mode
}

// PackDTC encodes {spn, fmi, oc} (cm implicitly 0) into the 32-bit wire
// form. The low 16 bits of SPN occupy bits 0-15; SPN bits 16-18 are folded
// into bits 5-7 of the third byte (word bits 21-23).
func PackDTC(d DTC) uint32 {
	return (d.SPN & 0xFFFF) |
		((d.SPN & 0x70000) << 5) |
		(uint32(d.FMI&0x1F) << 16) |
		(uint32(d.OC&0x7F) << 24)
}

// UnpackDTC reverses PackDTC. A non-zero CM is returned as-is; callers
// should log it as a non-fatal condition (spec §4.1: deprecated SPN
// conversion modes are not supported).
func UnpackDTC(raw uint32) DTC {
	return DTC{
		SPN: (raw & 0xFFFF) | ((raw >> 5) & 0x70000),
		FMI: uint8((raw >> 16) & 0x1F),
		OC:  uint8((raw >> 24) & 0x7F),
		CM:  uint8((raw >> 31) & 0x01),
	}
}

// DtcLamp is the DM1 lamp-status encoding: four lamps (protect, amber
// warning, red stop, malfunction indicator), each a 2-bit lamp state plus a
// 2-bit flash state.
type DtcLamp uint8

const (
	LampOff       DtcLamp = 0
	LampOn        DtcLamp = 1
	LampSlowFlash DtcLamp = 2
	LampFastFlash DtcLamp = 3
	LampNA        DtcLamp = 4
)

// lampFlashPair returns the (lamp, flash) 2-bit pair for a DtcLamp value,
// per the pair-per-lamp variant selected for the DM1 lamp-bit Open
// Question (spec §9): OFF=(0,3) ON=(1,3) SLOW=(1,0) FAST=(1,1)
// NA=(3,3).
func lampFlashPair(status DtcLamp) (lamp, flash uint8) {
	switch status {
	case LampOn:
		return 1, 3
	case LampSlowFlash:
		return 1, 0
	case LampFastFlash:
		return 1, 1
	case LampNA:
		return 3, 3
	default:
		return 0, 3
	}
}

func lampStatusFromPair(lamp, flash uint8) DtcLamp {
	switch lamp {
	case 0:
		return LampOff
	case 1:
		switch flash {
		case 0:
			return LampSlowFlash
		case 1:
			return LampFastFlash
		case 3:
			return LampOn
		}
	}
	return LampNA
}

// LampStatus is the {pl, awl, rsl, mil} tuple carried by DM1 byte 0 (lamp
// states) and byte 1 (flash states), one 2-bit field per lamp at bit
// position idx*2.
type LampStatus struct {
	ProtectLamp          DtcLamp
	AmberWarningLamp     DtcLamp
	RedStopLamp          DtcLamp
	MalfunctionIndicator DtcLamp
}

// PackLampStatus encodes the four lamps into DM1's first two bytes.
func PackLampStatus(s LampStatus) [2]byte {
	lamps := [4]DtcLamp{s.ProtectLamp, s.AmberWarningLamp, s.RedStopLamp, s.MalfunctionIndicator}
	var out [2]byte
	for idx, status := range lamps {
		lamp, flash := lampFlashPair(status)
		out[0] |= lamp << uint(idx*2)
		out[1] |= flash << uint(idx*2)
	}
	return out
}

// UnpackLampStatus decodes DM1's first two bytes into the four lamp states.
func UnpackLampStatus(b0, b1 byte) LampStatus {
	get := func(idx int) DtcLamp {
		lamp := (b0 >> uint(idx*2)) & 0x3
		flash := (b1 >> uint(idx*2)) & 0x3
		return lampStatusFromPair(lamp, flash)
	}
	return LampStatus{
		ProtectLamp:          get(0),
		AmberWarningLamp:     get(1),
		RedStopLamp:          get(2),
		MalfunctionIndicator: get(3),
	}
}
