package obd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default message names and arbitration IDs (functional request, first ECU).
const (
	DefaultRequestName  = "OBD2_REQUEST"
	DefaultResponseName = "OBD2_ECU_RESPONSE"
	DefaultRequestID    = 0x7DF
	DefaultResponseID   = 0x7E8
)

// Message names one frame layout and the arbitration ID it travels on.
type Message struct {
	Name     string `yaml:"name" json:"name"`
	FrameID  uint32 `yaml:"frame_id" json:"frameId"`
	Extended bool   `yaml:"extended" json:"extended"`
}

// Schema maps named fields to and from the 8 data bytes of an OBD2 CAN frame:
//
//	byte 0    length of the payload that follows
//	byte 1    direction (high nibble: 0 request, 4 response) | service
//	byte 2    PID (field PID_S<service>)
//	byte 3..  value, named after the catalog entry, big-endian
//
// Bitmask values are carried with PID base+1 in bit 0, like SupportedPids.Bits.
type Schema struct {
	Request  Message `yaml:"request" json:"request"`
	Response Message `yaml:"response" json:"response"`

	catalog *Catalog
}

// DefaultSchema returns the standard 11-bit OBD2 schema.
func DefaultSchema(catalog *Catalog) *Schema {
	return &Schema{
		Request:  Message{Name: DefaultRequestName, FrameID: DefaultRequestID},
		Response: Message{Name: DefaultResponseName, FrameID: DefaultResponseID},
		catalog:  catalog,
	}
}

// LoadSchema reads a YAML schema file. Missing fields keep their defaults;
// an empty path returns DefaultSchema.
func LoadSchema(path string, catalog *Catalog) (*Schema, error) {
	s := DefaultSchema(catalog)
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("obd: read schema: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("obd: parse schema %s: %w", path, err)
	}
	if s.Request.FrameID == s.Response.FrameID {
		return nil, fmt.Errorf("obd: schema %s: request and response share frame id %X", path, s.Request.FrameID)
	}
	return s, nil
}

// Rename overrides the message names, e.g. from environment configuration.
// Empty names are ignored.
func (s *Schema) Rename(request, response string) {
	if request != "" {
		s.Request.Name = request
	}
	if response != "" {
		s.Response.Name = response
	}
}

// Message returns the message with the given name.
func (s *Schema) Message(name string) (Message, bool) {
	switch name {
	case s.Request.Name:
		return s.Request, true
	case s.Response.Name:
		return s.Response, true
	}
	return Message{}, false
}

// Encode packs fields into frame data for the named message.
func (s *Schema) Encode(name string, f Fields) ([8]byte, error) {
	var data [8]byte
	msg, ok := s.Message(name)
	if !ok {
		return data, fmt.Errorf("%w: unknown message %q", ErrCodec, name)
	}
	mode := uint8(f[FieldService])
	pid, ok := f[MuxField(mode)]
	if !ok {
		return data, fmt.Errorf("%w: %s: missing %s", ErrCodec, name, MuxField(mode))
	}

	direction := uint64(requestDirection)
	if msg == s.Response {
		direction = responseDirection
		if v, ok := f[FieldResponse]; ok {
			direction = v
		}
	}
	data[1] = byte(direction<<4) | mode&0x0F
	data[2] = uint8(pid)

	if msg == s.Request {
		data[0] = 2
		return data, nil
	}

	def, ok := s.catalog.Lookup(mode, uint8(pid))
	if !ok {
		return data, fmt.Errorf("%w: mode %02X pid %02X", ErrUnknownPid, mode, pid)
	}
	if def.ByteLength > 7 {
		return data, fmt.Errorf("%w: %s does not fit a single frame", ErrLengthMismatch, def.Name)
	}
	raw := f[def.Name]
	var value []byte
	if def.Kind == KindBitmask {
		value = SupportedPids{Base: def.PID, Bits: uint32(raw)}.WireBytes()
	} else {
		value = putBeUint(raw, def.DataLength())
	}
	data[0] = def.ByteLength
	copy(data[3:], value)
	return data, nil
}

// Decode unpacks frame data received on frameID. A request yields the
// "request" field, a response the "response" field plus the value field.
func (s *Schema) Decode(frameID uint32, data []byte) (Fields, error) {
	var msg Message
	switch frameID {
	case s.Request.FrameID:
		msg = s.Request
	case s.Response.FrameID:
		msg = s.Response
	default:
		return nil, fmt.Errorf("%w: no message for frame id %X", ErrCodec, frameID)
	}
	if len(data) < 3 {
		return nil, fmt.Errorf("%w: %s: %d bytes", ErrLengthMismatch, msg.Name, len(data))
	}

	length := data[0]
	direction := data[1] >> 4
	mode := data[1] & 0x0F
	pid := data[2]
	f := Fields{
		FieldLength:    uint64(length),
		FieldService:   uint64(mode),
		MuxField(mode): uint64(pid),
	}
	if msg == s.Request {
		if direction != requestDirection {
			return nil, fmt.Errorf("%w: request frame with direction %d", ErrProtocol, direction)
		}
		f[FieldRequest] = uint64(direction)
		return f, nil
	}

	if direction != responseDirection {
		return nil, fmt.Errorf("%w: response frame with direction %d", ErrProtocol, direction)
	}
	f[FieldResponse] = uint64(direction)
	def, ok := s.catalog.Lookup(mode, pid)
	if !ok || def.Kind == KindVin || def.ByteLength > 7 {
		return f, nil
	}
	end := 1 + int(def.ByteLength)
	if len(data) < end {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrLengthMismatch, def.Name, end, len(data))
	}
	value := data[3:end]
	if def.Kind == KindBitmask {
		m, err := SupportedPidsFromWire(def.PID, value)
		if err != nil {
			return nil, err
		}
		f[def.Name] = uint64(m.Bits)
	} else {
		f[def.Name] = beUint(value)
	}
	return f, nil
}
