package obd

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// SupportedPids is a decoded "PIDs supported" block.
//
// Bits is kept with PID Base+1 in bit 0 and PID Base+32 (the continuation
// flag) in bit 31. On the wire the same block is sent MSB-first as in
// SAE J1979 (byte A bit 7 is PID Base+1), see WireBytes/FromWire.
type SupportedPids struct {
	Base uint8
	Bits uint32
}

// EncodeBitmask packs pids into a block relative to base. Every pid must lie
// in (base, base+32].
func EncodeBitmask(base uint8, pids []uint8) (SupportedPids, error) {
	m := SupportedPids{Base: base}
	for _, p := range pids {
		off := int(p) - int(base)
		if off < 1 || off > 32 {
			return SupportedPids{}, fmt.Errorf("%w: %02X not in block %02X", ErrInvalidPid, p, base)
		}
		m.Bits |= 1 << uint(off-1)
	}
	return m, nil
}

// DecodeBitmask lists the PIDs set in bits relative to base, ascending.
// The continuation PID (base+32) is included when set.
func DecodeBitmask(base uint8, raw uint32) []uint8 {
	var out []uint8
	for i := 0; i < 32; i++ {
		if raw&(1<<uint(i)) == 0 {
			continue
		}
		p := int(base) + i + 1
		if p > 0xFF {
			break
		}
		out = append(out, uint8(p))
	}
	return out
}

// Pids returns the supported PIDs in the block, continuation flag included.
func (m SupportedPids) Pids() []uint8 { return DecodeBitmask(m.Base, m.Bits) }

// Supported returns the PIDs in the block with the continuation PID removed.
func (m SupportedPids) Supported() []uint8 {
	all := m.Pids()
	out := all[:0:0]
	for _, p := range all {
		if int(p) != int(m.Base)+32 {
			out = append(out, p)
		}
	}
	return out
}

// HasNext reports whether the next 32-PID block is available.
func (m SupportedPids) HasNext() bool { return m.Bits&(1<<31) != 0 }

// Has reports whether pid is set in the block.
func (m SupportedPids) Has(pid uint8) bool {
	off := int(pid) - int(m.Base)
	return off >= 1 && off <= 32 && m.Bits&(1<<uint(off-1)) != 0
}

// WireBytes returns the four data bytes as sent by an ECU.
func (m SupportedPids) WireBytes() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, bits.Reverse32(m.Bits))
	return b
}

// SupportedPidsFromWire parses the four data bytes of a bitmask response.
func SupportedPidsFromWire(base uint8, data []byte) (SupportedPids, error) {
	if len(data) < 4 {
		return SupportedPids{}, fmt.Errorf("%w: bitmask needs 4 bytes, got %d", ErrLengthMismatch, len(data))
	}
	return SupportedPids{Base: base, Bits: bits.Reverse32(binary.BigEndian.Uint32(data))}, nil
}

// BlockBase returns the bitmask PID whose block contains pid.
func BlockBase(pid uint8) uint8 {
	if pid == 0 {
		return 0
	}
	return uint8((int(pid) - 1) / 32 * 32)
}

func (m SupportedPids) String() string {
	return fmt.Sprintf("pids[%02X]=%08X", m.Base, m.Bits)
}
