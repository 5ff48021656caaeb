package obd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVin = "1OBDIISIMULATORXX"

func TestEncodeVinFrames(t *testing.T) {
	frames, err := EncodeVinFrames(testVin)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, [8]byte{0x10, 0x14, 0x49, 0x02, 0x01, '1', 'O', 'B'}, frames[0])
	assert.Equal(t, byte(0x21), frames[1][0])
	assert.Equal(t, "DIISIMU", string(frames[1][1:]))
	assert.Equal(t, byte(0x22), frames[2][0])
	assert.Equal(t, "LATORXX", string(frames[2][1:]))

	_, err = EncodeVinFrames("SHORT")
	assert.ErrorIs(t, err, ErrCodec)
}

func TestVinAssemblerInOrder(t *testing.T) {
	frames, err := EncodeVinFrames(testVin)
	require.NoError(t, err)

	a := NewVinAssembler(3)
	for i, f := range frames {
		vin, done, err := a.PushFrame(f[:])
		require.NoError(t, err)
		if i < len(frames)-1 {
			assert.False(t, done)
			continue
		}
		assert.True(t, done)
		assert.Equal(t, testVin, vin)
		assert.Len(t, vin, VinLength)
	}
}

func TestVinAssemblerOutOfOrder(t *testing.T) {
	frames, err := EncodeVinFrames(testVin)
	require.NoError(t, err)

	a := NewVinAssembler(3)
	_, _, err = a.PushFrame(frames[0][:])
	require.NoError(t, err)
	_, _, err = a.PushFrame(frames[2][:])
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.ErrorIs(t, err, ErrProtocol)

	// The assembler is reset and accepts a fresh sequence.
	for _, f := range frames {
		_, _, err = a.PushFrame(f[:])
		require.NoError(t, err)
	}
}

func TestVinAssemblerDuplicate(t *testing.T) {
	frames, err := EncodeVinFrames(testVin)
	require.NoError(t, err)

	a := NewVinAssembler(3)
	_, _, err = a.Push(0, frames[0][:])
	require.NoError(t, err)
	_, _, err = a.Push(0, frames[0][:])
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestVinAssemblerNeedsCount(t *testing.T) {
	a := NewVinAssembler(0)
	_, _, err := a.PushFrame([]byte{0x10, 0x14, 0x49, 0x02, 0x01, 'A', 'B', 'C'})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestVinAssemblerShortCount(t *testing.T) {
	frames, err := EncodeVinFrames(testVin)
	require.NoError(t, err)

	a := NewVinAssembler(2)
	_, _, err = a.PushFrame(frames[0][:])
	require.NoError(t, err)
	_, done, err := a.PushFrame(frames[1][:])
	assert.False(t, done)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestVinSignal(t *testing.T) {
	c := NewCodec(DefaultCatalog())
	s, err := c.VinSignal(testVin)
	require.NoError(t, err)
	assert.Equal(t, NameVin, s.Name)
	assert.Equal(t, testVin, s.Text())

	_, err = c.VinSignal("123")
	assert.ErrorIs(t, err, ErrLengthMismatch)
}
