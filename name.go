package j1939

import "fmt"

// Industry group values for NAME.IndustryGroup (SAE J1939-81).
const (
	IndustryGroupGlobal                  = 0
	IndustryGroupOnHighway               = 1
	IndustryGroupAgriculturalAndForestry = 2
	IndustryGroupConstruction            = 3
	IndustryGroupMarine                  = 4
	IndustryGroupIndustrial              = 5
)

// NameFields holds the individual fields a Name is built from.
type NameFields struct {
	ArbitraryAddressCapable bool
	IndustryGroup           uint8
	VehicleSystemInstance   uint8
	VehicleSystem           uint8
	Function                uint8
	FunctionInstance        uint8
	EcuInstance             uint8
	ManufacturerCode        uint16
	IdentityNumber          uint32
}

// Name is the 64-bit NAME that identifies a Controller Application.
// Names are totally ordered by Value: the lower value wins an address
// contention (§4.4). A Name is immutable once constructed.
type Name struct {
	fields NameFields
	value  uint64
}

func rangeCheck(name string, v uint64, bits int) error {
	if v > (1<<uint(bits))-1 {
		return fmt.Errorf("%s: %w (max %d bits)", name, ErrBadField, bits)
	}
	return nil
}

// NewName builds a Name from its individual fields, range-checking each one
// against its declared bit width.
func NewName(f NameFields) (Name, error) {
	if err := rangeCheck("industry_group", uint64(f.IndustryGroup), 3); err != nil {
		return Name{}, err
	}
	if err := rangeCheck("vehicle_system_instance", uint64(f.VehicleSystemInstance), 4); err != nil {
		return Name{}, err
	}
	if err := rangeCheck("vehicle_system", uint64(f.VehicleSystem), 7); err != nil {
		return Name{}, err
	}
	if err := rangeCheck("function_instance", uint64(f.FunctionInstance), 5); err != nil {
		return Name{}, err
	}
	if err := rangeCheck("ecu_instance", uint64(f.EcuInstance), 3); err != nil {
		return Name{}, err
	}
	if err := rangeCheck("manufacturer_code", uint64(f.ManufacturerCode), 11); err != nil {
		return Name{}, err
	}
	if err := rangeCheck("identity_number", uint64(f.IdentityNumber), 21); err != nil {
		return Name{}, err
	}
	var value uint64
	value |= uint64(f.IdentityNumber)
	value |= uint64(f.ManufacturerCode) << 21
	value |= uint64(f.EcuInstance) << 32
	value |= uint64(f.FunctionInstance) << 35
	value |= uint64(f.Function) << 40
	// bit 48 is reserved, always 0
	value |= uint64(f.VehicleSystem) << 49
	value |= uint64(f.VehicleSystemInstance) << 56
	value |= uint64(f.IndustryGroup) << 60
	if f.ArbitraryAddressCapable {
		value |= 1 << 63
	}
	return Name{fields: f, value: value}, nil
}

// NameFromValue unpacks a raw 64-bit NAME value.
func NameFromValue(value uint64) Name {
	f := NameFields{
		ArbitraryAddressCapable: (value>>63)&1 != 0,
		IndustryGroup:           uint8((value >> 60) & 0x7),
		VehicleSystemInstance:   uint8((value >> 56) & 0xF),
		VehicleSystem:           uint8((value >> 49) & 0x7F),
		Function:                uint8((value >> 40) & 0xFF),
		FunctionInstance:        uint8((value >> 35) & 0x1F),
		EcuInstance:             uint8((value >> 32) & 0x7),
		ManufacturerCode:        uint16((value >> 21) & 0x7FF),
		IdentityNumber:          uint32(value & 0x1FFFFF),
	}
	return Name{fields: f, value: value}
}

// NameFromBytes unpacks a NAME from its 8-byte little-endian wire form.
func NameFromBytes(b []byte) (Name, error) {
	if len(b) != 8 {
		return Name{}, fmt.Errorf("NAME: %w: want 8 bytes, got %d", ErrBadLength, len(b))
	}
	var value uint64
	for i := 7; i >= 0; i-- {
		value = value<<8 | uint64(b[i])
	}
	return NameFromValue(value), nil
}

// Value returns the raw 64-bit NAME value. NAMEs are compared by this value:
// the lower value wins address contention.
func (n Name) Value() uint64 { return n.value }

// Fields returns the decoded field vector.
func (n Name) Fields() NameFields { return n.fields }

// Bytes returns the little-endian 8-byte wire representation; byte 0 is
// value & 0xFF.
func (n Name) Bytes() [8]byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(n.value >> (8 * uint(i)))
	}
	return b
}

// ArbitraryAddressCapable reports whether this CA can retry with another
// address when it loses a contention, per §4.4.
func (n Name) ArbitraryAddressCapable() bool { return n.fields.ArbitraryAddressCapable }
