package classic

import (
	"errors"
	"fmt"

	"github.com/oo-developer/cardreader/keys"
)

// ErrInvalidAccessBits marks a trailer whose redundant access bit copies
// disagree. Such a trailer is never used for permission decisions.
var ErrInvalidAccessBits = errors.New("invalid access bits")

// TrailerSlot is the access condition slot of the sector trailer.
const TrailerSlot = 3

// AccessBits holds the decoded access conditions of one sector.
// C1, C2 and C3 carry one bit per slot (bit n is slot n).
type AccessBits struct {
	raw        [4]byte
	C1, C2, C3 byte
}

// DecodeAccessBits decodes bytes 6..9 of a sector trailer. The general
// purpose byte is kept but not validated.
func DecodeAccessBits(raw []byte) (AccessBits, error) {
	if len(raw) != 4 {
		return AccessBits{}, fmt.Errorf("%w: expected 4 bytes, got %d", ErrInvalidAccessBits, len(raw))
	}
	inverted := uint16(raw[0]) | uint16(raw[1]&0x0f)<<8
	direct := uint16(raw[1]>>4) | uint16(raw[2])<<4
	if inverted != ^direct&0x0fff {
		return AccessBits{}, fmt.Errorf("%w: % x", ErrInvalidAccessBits, raw)
	}
	a := AccessBits{
		C1: raw[1] >> 4,
		C2: raw[2] & 0x0f,
		C3: raw[2] >> 4,
	}
	copy(a.raw[:], raw)
	return a, nil
}

// EncodeAccessBits builds the 4 access bytes for the given per-slot
// conditions (each 0..7, C1 as the most significant bit).
func EncodeAccessBits(conditions [4]byte, gpb byte) [4]byte {
	var c1, c2, c3 byte
	for slot, c := range conditions {
		c1 |= (c >> 2 & 1) << slot
		c2 |= (c >> 1 & 1) << slot
		c3 |= (c & 1) << slot
	}
	return [4]byte{
		^(c1 | c2<<4),
		c1<<4 | ^c3&0x0f,
		c3<<4 | c2,
		gpb,
	}
}

// Bytes returns the raw access bytes the value was decoded from.
func (a AccessBits) Bytes() [4]byte {
	return a.raw
}

// Condition returns the 3-bit access condition for slot.
func (a AccessBits) Condition(slot int) byte {
	return (a.C1>>slot&1)<<2 | (a.C2>>slot&1)<<1 | a.C3>>slot&1
}

// IsDataBlockReadable reports whether a data block in slot can be read
// after authenticating with keyType.
func (a AccessBits) IsDataBlockReadable(slot int, keyType keys.KeyType) bool {
	switch a.Condition(slot) {
	case 0, 1, 2, 4, 6:
		return true
	case 3, 5:
		return keyType == keys.KeyTypeB
	default:
		return false
	}
}

// IsKeyBReadable reports whether Key B is readable data rather than a secret.
func (a AccessBits) IsKeyBReadable() bool {
	return a.Condition(TrailerSlot) <= 2
}

// MaskTrailer returns a copy of a 16-byte trailer with Key A zeroed, and
// Key B zeroed unless it is readable. The access bytes are left untouched.
func (a AccessBits) MaskTrailer(block []byte) []byte {
	out := make([]byte, BlockSize)
	copy(out[6:10], block[6:10])
	if a.IsKeyBReadable() {
		copy(out[10:], block[10:BlockSize])
	}
	return out
}

// SlotForBlock maps a sector relative block offset to its access condition
// slot. Sectors with 16 blocks share one slot between groups of 5 blocks.
func SlotForBlock(offset, blocksInSector int) int {
	if blocksInSector == 16 {
		if offset == 15 {
			return TrailerSlot
		}
		return offset / 5
	}
	return offset
}

func (a AccessBits) String() string {
	return fmt.Sprintf("%d%d%d%d", a.Condition(0), a.Condition(1), a.Condition(2), a.Condition(3))
}
