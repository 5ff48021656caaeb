package obd

import (
	"fmt"
)

// VinLength is the length of a vehicle identification number.
const VinLength = 17

const (
	firstFrame       = 0x10
	consecutiveFrame = 0x20

	firstFrameChars       = 3
	consecutiveFrameChars = 7
)

// VinFrameCount is the number of CAN frames carrying a VIN.
func VinFrameCount() int {
	rest := VinLength - firstFrameChars
	return 1 + (rest+consecutiveFrameChars-1)/consecutiveFrameChars
}

// EncodeVinFrames splits vin into the frames an ECU sends for Mode 9 PID 2:
//
//	10 14 49 02 01 v0 v1 v2
//	21 v3 .. v9
//	22 v10 .. v16
func EncodeVinFrames(vin string) ([][8]byte, error) {
	if len(vin) != VinLength {
		return nil, fmt.Errorf("%w: vin %q must be %d characters", ErrCodec, vin, VinLength)
	}
	frames := make([][8]byte, 0, VinFrameCount())

	var f [8]byte
	// Total length covers service, pid, item count and the characters.
	f[0] = firstFrame
	f[1] = byte(3 + VinLength)
	f[2] = ModeVehicleInfo | responseFlag
	f[3] = PidVin
	f[4] = 0x01
	copy(f[5:], vin[:firstFrameChars])
	frames = append(frames, f)

	rest := vin[firstFrameChars:]
	for seq := 1; len(rest) > 0; seq++ {
		var c [8]byte
		c[0] = consecutiveFrame | byte(seq&0x0F)
		n := copy(c[1:], rest)
		rest = rest[n:]
		frames = append(frames, c)
	}
	return frames, nil
}

// VinAssembler collects the frames of a multi-frame VIN response. The number
// of frames to expect comes from a preceding Mode 9 PID 1 query. One
// assembler serves one request; call Reset before reusing it.
type VinAssembler struct {
	expected int
	next     int
	buf      []byte
}

// NewVinAssembler returns an assembler that completes after count frames.
func NewVinAssembler(count int) *VinAssembler {
	return &VinAssembler{expected: count, buf: make([]byte, 0, VinLength)}
}

// Reset discards any partial VIN.
func (a *VinAssembler) Reset() {
	a.next = 0
	a.buf = a.buf[:0]
}

// PushFrame derives the sequence index from the frame's control byte and
// pushes it.
func (a *VinAssembler) PushFrame(data []byte) (string, bool, error) {
	if len(data) == 0 {
		return "", false, fmt.Errorf("%w: empty vin frame", ErrProtocol)
	}
	switch data[0] & 0xF0 {
	case firstFrame:
		return a.Push(0, data)
	case consecutiveFrame:
		seq := int(data[0] & 0x0F)
		// Sequence numbers wrap after 0x2F; resolve against the expected slot.
		if seq == 0 {
			seq = 16
		}
		return a.Push(seq, data)
	default:
		return "", false, fmt.Errorf("%w: unexpected vin frame control byte %02X", ErrProtocol, data[0])
	}
}

// Push adds fragment seq (0-based, in arrival order). It returns the VIN and
// true once the expected number of fragments has been consumed. A fragment
// that is not the next one in sequence is an ErrOutOfOrder error and leaves
// the assembler reset.
func (a *VinAssembler) Push(seq int, frag []byte) (string, bool, error) {
	if a.expected <= 0 {
		return "", false, fmt.Errorf("%w: vin message count unknown", ErrProtocol)
	}
	if seq != a.next {
		want := a.next
		a.Reset()
		return "", false, fmt.Errorf("%w: got fragment %d, want %d", ErrOutOfOrder, seq, want)
	}

	if seq == 0 {
		if len(frag) < 5+firstFrameChars {
			a.Reset()
			return "", false, fmt.Errorf("%w: first vin frame has %d bytes", ErrLengthMismatch, len(frag))
		}
		if frag[0]&0xF0 != firstFrame || frag[2] != ModeVehicleInfo|responseFlag || frag[3] != PidVin {
			a.Reset()
			return "", false, fmt.Errorf("%w: bad vin header % X", ErrProtocol, frag[:5])
		}
		a.buf = append(a.buf, frag[5:5+firstFrameChars]...)
	} else {
		if len(frag) < 2 {
			a.Reset()
			return "", false, fmt.Errorf("%w: vin frame %d has %d bytes", ErrLengthMismatch, seq, len(frag))
		}
		if frag[0] != consecutiveFrame|byte(seq&0x0F) {
			a.Reset()
			return "", false, fmt.Errorf("%w: vin frame %d has control byte %02X", ErrOutOfOrder, seq, frag[0])
		}
		end := 1 + consecutiveFrameChars
		if end > len(frag) {
			end = len(frag)
		}
		a.buf = append(a.buf, frag[1:end]...)
	}
	a.next++

	if a.next < a.expected {
		return "", false, nil
	}
	if len(a.buf) < VinLength {
		got := len(a.buf)
		a.Reset()
		return "", false, fmt.Errorf("%w: vin has %d characters after %d frames", ErrProtocol, got, a.expected)
	}
	vin := string(a.buf[:VinLength])
	a.Reset()
	return vin, true, nil
}
