package obd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequest(t *testing.T) {
	c := NewCodec(DefaultCatalog())
	req, err := c.EncodeRequest(0x01, 0x0D)
	require.NoError(t, err)
	assert.Equal(t, "010D", req.Command)
	assert.Equal(t, uint64(0), req.Fields[FieldRequest])
	assert.Equal(t, uint64(1), req.Fields[FieldService])
	assert.Equal(t, uint64(0x0D), req.Fields["PID_S1"])

	_, err = c.EncodeRequest(0x00, 0x0D)
	assert.ErrorIs(t, err, ErrInvalidPid)
}

func TestDecodeResponseRawInt(t *testing.T) {
	c := NewCodec(DefaultCatalog())

	s, err := c.DecodeResponse(0x01, []byte{0x41, 0x0C, 0x1A, 0xF8})
	require.NoError(t, err)
	assert.Equal(t, NameEngineSpeed, s.Name)
	assert.InDelta(t, 1726.0, s.Value, 1e-9)
	assert.Equal(t, "rpm", s.Unit)

	s, err = c.DecodeResponse(0x01, []byte{0x41, 0x5C, 0x3C})
	require.NoError(t, err)
	assert.InDelta(t, 20.0, s.Value, 1e-9)
}

func TestDecodeResponseBitmask(t *testing.T) {
	c := NewCodec(DefaultCatalog())
	m, err := EncodeBitmask(0x20, []uint8{0x21, 0x40})
	require.NoError(t, err)

	payload := append([]byte{0x41, 0x20}, m.WireBytes()...)
	s, err := c.DecodeResponse(0x01, payload)
	require.NoError(t, err)
	require.NotNil(t, s.Pids)
	assert.Equal(t, []uint8{0x21}, s.Pids.Supported())
	assert.True(t, s.Pids.HasNext())
}

func TestDecodeResponseStatus(t *testing.T) {
	c := NewCodec(DefaultCatalog())
	s, err := c.DecodeResponse(0x01, []byte{0x41, 0x01, 0x83, 0x08, 0x00, 0x00})
	require.NoError(t, err)
	require.NotNil(t, s.Status)
	assert.True(t, s.Status.MIL)
	assert.Equal(t, uint8(3), s.Status.DTCCount)
	assert.True(t, s.Status.CompressionIgnition)
}

func TestDecodeResponseErrors(t *testing.T) {
	c := NewCodec(DefaultCatalog())

	_, err := c.DecodeResponse(0x01, []byte{0x49, 0x0D, 0x32})
	assert.ErrorIs(t, err, ErrModeMismatch)
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = c.DecodeResponse(0x01, []byte{0x41, 0x0C, 0x1A})
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, err = c.DecodeResponse(0x01, []byte{0x41, 0x7E, 0x00})
	assert.ErrorIs(t, err, ErrUnknownPid)
	assert.ErrorIs(t, err, ErrCodec)

	_, err = c.DecodeResponse(0x09, []byte{0x49, 0x02, 0x01, 0x31})
	assert.ErrorIs(t, err, ErrNeedsMoreFrames)

	_, err = c.DecodeResponse(0x01, []byte{0x7F, 0x01, 0x12})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeValue(t *testing.T) {
	c := NewCodec(DefaultCatalog())
	s, err := c.DecodeValue(0x01, 0x0D, []byte{0x32})
	require.NoError(t, err)
	assert.InDelta(t, 50.0, s.Value, 1e-9)
	assert.Equal(t, []byte{0x32}, s.Raw)
	assert.Equal(t, Key{Mode: 1, PID: 0x0D}, s.Key())
	assert.Equal(t, "VEHICLE_SPEED=50 kph", s.String())
}

func TestEncodeValue(t *testing.T) {
	cat := DefaultCatalog()
	c := NewCodec(cat)

	def, _ := cat.ByName(NameEngineSpeed)
	b, err := c.EncodeValue(def, 1726)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1A, 0xF8}, b)

	def, _ = cat.ByName(NameOilTemp)
	b, err = c.EncodeValue(def, 20)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x3C}, b)

	b, err = c.EncodeValue(def, 1000)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF}, b)

	def, _ = cat.ByName(NameVin)
	_, err = c.EncodeValue(def, 1)
	assert.ErrorIs(t, err, ErrCodec)
}

func TestCatalogLookup(t *testing.T) {
	cat := DefaultCatalog()
	def, ok := cat.Lookup(0x01, 0x00)
	require.True(t, ok)
	assert.Equal(t, "S1_PIDS_01_20", def.Name)
	assert.True(t, def.IsBitmask())

	def, ok = cat.ByName("S1_PIDS_C1_E0")
	require.True(t, ok)
	assert.Equal(t, uint8(0xC0), def.PID)

	// The last block covers E1..FF.
	def, ok = cat.Lookup(ModeCurrentData, 0xE0)
	require.True(t, ok)
	assert.Equal(t, "S1_PIDS_E1_100", def.Name)
	assert.True(t, def.IsBitmask())

	_, err := NewCatalog([]PidDefinition{
		{Mode: 1, PID: 1, ByteLength: 3, Name: "A"},
		{Mode: 1, PID: 1, ByteLength: 3, Name: "B"},
	})
	assert.Error(t, err)
}
