package obd

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var examplePids = []uint8{1, 2, 5, 8, 12, 14, 16, 17, 18, 19, 20, 21, 24, 25, 26, 27, 28, 29, 30, 32}

func TestDecodeBitmaskExample(t *testing.T) {
	assert.Equal(t, examplePids, DecodeBitmask(0x00, 0xBF9FA893))
}

func TestEncodeBitmaskExample(t *testing.T) {
	m, err := EncodeBitmask(0x00, examplePids)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xBF9FA893), m.Bits)
	assert.True(t, m.HasNext())
	assert.NotContains(t, m.Supported(), uint8(32))
	assert.Contains(t, m.Pids(), uint8(32))
}

func TestBitmaskRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, base := range []uint8{0x00, 0x20, 0x40, 0x60, 0x80, 0xA0, 0xC0} {
		for i := 0; i < 50; i++ {
			var pids []uint8
			for n := rng.Intn(40); n > 0; n-- {
				pids = append(pids, base+uint8(rng.Intn(32))+1)
			}
			m, err := EncodeBitmask(base, pids)
			require.NoError(t, err)
			assert.Equal(t, sortedUnique(pids), DecodeBitmask(base, m.Bits), "base %02X", base)
		}
	}
}

func TestLastBlockStopsAtFF(t *testing.T) {
	pids := DecodeBitmask(0xE0, 0xFFFFFFFF)
	require.Len(t, pids, 31)
	assert.Equal(t, uint8(0xE1), pids[0])
	assert.Equal(t, uint8(0xFF), pids[30])
}

func TestEncodeBitmaskRejectsOutOfBlock(t *testing.T) {
	_, err := EncodeBitmask(0x20, []uint8{0x20})
	assert.ErrorIs(t, err, ErrInvalidPid)
	_, err = EncodeBitmask(0x20, []uint8{0x41})
	assert.ErrorIs(t, err, ErrCodec)
}

func TestBitmaskWireOrder(t *testing.T) {
	// Only PID 01 supported: SAE J1979 puts it in bit 7 of byte A.
	m, err := EncodeBitmask(0x00, []uint8{0x01})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80, 0x00, 0x00, 0x00}, m.WireBytes())

	back, err := SupportedPidsFromWire(0x00, []byte{0xBE, 0x1F, 0xA8, 0x13})
	require.NoError(t, err)
	assert.True(t, back.Has(0x01))
	assert.True(t, back.Has(0x0C))
	assert.True(t, back.Has(0x0D))
	assert.False(t, back.Has(0x02))
	assert.True(t, back.HasNext())
}

func TestBlockBase(t *testing.T) {
	assert.Equal(t, uint8(0x00), BlockBase(0x01))
	assert.Equal(t, uint8(0x00), BlockBase(0x20))
	assert.Equal(t, uint8(0x20), BlockBase(0x21))
	assert.Equal(t, uint8(0x40), BlockBase(0x5C))
}

func sortedUnique(pids []uint8) []uint8 {
	seen := make(map[uint8]struct{}, len(pids))
	var out []uint8
	for _, p := range pids {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
