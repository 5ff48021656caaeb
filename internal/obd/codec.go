package obd

import (
	"fmt"
	"math"
	"time"
)

// Field names used by the request/response frame layout.
const (
	FieldLength   = "length"
	FieldRequest  = "request"
	FieldResponse = "response"
	FieldService  = "service"

	requestDirection  = 0
	responseDirection = 4
)

// MuxField is the name of the PID multiplex field for a service.
func MuxField(mode uint8) string { return fmt.Sprintf("PID_S%X", mode) }

// Fields is a named-field view of one CAN frame.
type Fields map[string]uint64

// Request is an encoded OBD2 query.
type Request struct {
	Mode    uint8
	PID     uint8
	Fields  Fields
	Command string // ELM327 form, e.g. "010D"
}

// Codec converts between OBD2 payloads and Signals using a Catalog. It holds
// no I/O state and is safe for concurrent use.
type Codec struct {
	catalog *Catalog
	now     func() time.Time
}

// NewCodec returns a codec backed by catalog.
func NewCodec(catalog *Catalog) *Codec {
	return &Codec{catalog: catalog, now: time.Now}
}

// Catalog returns the codec's PID catalog.
func (c *Codec) Catalog() *Catalog { return c.catalog }

// EncodeRequest builds the request for (mode, pid).
func (c *Codec) EncodeRequest(mode, pid uint8) (Request, error) {
	if mode == 0 || mode > 0x0F {
		return Request{}, fmt.Errorf("%w: mode %02X", ErrInvalidPid, mode)
	}
	return Request{
		Mode: mode,
		PID:  pid,
		Fields: Fields{
			FieldLength:   2,
			FieldRequest:  requestDirection,
			FieldService:  uint64(mode),
			MuxField(mode): uint64(pid),
		},
		Command: fmt.Sprintf("%02X%02X", mode, pid),
	}, nil
}

// DecodeResponse decodes a single-frame response payload starting at the
// service byte (e.g. 41 0D 32).
func (c *Codec) DecodeResponse(modeHint uint8, payload []byte) (Signal, error) {
	if len(payload) < 2 {
		return Signal{}, fmt.Errorf("%w: payload has %d bytes", ErrLengthMismatch, len(payload))
	}
	if payload[0] == 0x7F {
		return Signal{}, fmt.Errorf("%w: negative response % X", ErrProtocol, payload)
	}
	if payload[0] != modeHint|responseFlag {
		return Signal{}, fmt.Errorf("%w: got service %02X for mode %02X", ErrModeMismatch, payload[0], modeHint)
	}
	pid := payload[1]
	def, ok := c.catalog.Lookup(modeHint, pid)
	if !ok {
		return Signal{}, fmt.Errorf("%w: mode %02X pid %02X", ErrUnknownPid, modeHint, pid)
	}
	if def.Kind == KindVin {
		return Signal{}, fmt.Errorf("%w: %s", ErrNeedsMoreFrames, def.Name)
	}
	if len(payload) < int(def.ByteLength) {
		return Signal{}, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrLengthMismatch, def.Name, def.ByteLength, len(payload))
	}
	return c.decode(def, payload[2:def.ByteLength])
}

// DecodeValue decodes the data bytes of (mode, pid), with the service and PID
// header already removed.
func (c *Codec) DecodeValue(mode, pid uint8, data []byte) (Signal, error) {
	def, ok := c.catalog.Lookup(mode, pid)
	if !ok {
		return Signal{}, fmt.Errorf("%w: mode %02X pid %02X", ErrUnknownPid, mode, pid)
	}
	if def.Kind == KindVin {
		return c.VinSignal(trimVinData(data))
	}
	if len(data) < def.DataLength() {
		return Signal{}, fmt.Errorf("%w: %s needs %d data bytes, got %d", ErrLengthMismatch, def.Name, def.DataLength(), len(data))
	}
	return c.decode(def, data[:def.DataLength()])
}

// VinSignal wraps an assembled VIN.
func (c *Codec) VinSignal(vin string) (Signal, error) {
	def, ok := c.catalog.ByName(NameVin)
	if !ok {
		return Signal{}, fmt.Errorf("%w: %s", ErrUnknownPid, NameVin)
	}
	if len(vin) != VinLength {
		return Signal{}, fmt.Errorf("%w: vin %q has %d characters", ErrLengthMismatch, vin, len(vin))
	}
	return Signal{
		Mode:      def.Mode,
		PID:       def.PID,
		Name:      def.Name,
		Kind:      KindVin,
		Raw:       []byte(vin),
		Vin:       vin,
		Timestamp: c.now(),
	}, nil
}

func (c *Codec) decode(def PidDefinition, data []byte) (Signal, error) {
	raw := make([]byte, len(data))
	copy(raw, data)
	s := Signal{
		Mode:      def.Mode,
		PID:       def.PID,
		Name:      def.Name,
		Kind:      def.Kind,
		Raw:       raw,
		Unit:      def.Unit,
		Timestamp: c.now(),
	}
	switch def.Kind {
	case KindRawInt:
		s.Value = def.Offset + def.Scale*float64(beUint(raw))
	case KindBitmask:
		m, err := SupportedPidsFromWire(def.PID, raw)
		if err != nil {
			return Signal{}, err
		}
		s.Pids = &m
	case KindStatus:
		st := decodeMonitorStatus(raw)
		s.Status = &st
	}
	return s, nil
}

// EncodeValue converts a physical value into the data bytes of def.
// Values outside the representable range are clamped.
func (c *Codec) EncodeValue(def PidDefinition, value float64) ([]byte, error) {
	if def.Kind != KindRawInt {
		return nil, fmt.Errorf("%w: %s is not numeric", ErrCodec, def.Name)
	}
	scale := def.Scale
	if scale == 0 {
		scale = 1
	}
	n := def.DataLength()
	limit := math.Pow(2, float64(8*n)) - 1
	raw := math.Round((value - def.Offset) / scale)
	if raw < 0 {
		raw = 0
	}
	if raw > limit {
		raw = limit
	}
	return putBeUint(uint64(raw), n), nil
}

// RawValue returns the data bytes of def as an unsigned integer.
func RawValue(data []byte) uint64 { return beUint(data) }

func beUint(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func putBeUint(v uint64, n int) []byte {
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// trimVinData drops the item-count byte some adapters leave in front of the
// characters.
func trimVinData(data []byte) string {
	if len(data) == VinLength+1 {
		data = data[1:]
	}
	return string(data)
}
