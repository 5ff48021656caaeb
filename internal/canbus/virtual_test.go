package canbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdsim/internal/obd"
)

func TestVirtualBusDelivery(t *testing.T) {
	v := NewVirtualBus()
	a, b, c := v.Attach(), v.Attach(), v.Attach()
	defer a.Close()
	defer b.Close()
	defer c.Close()

	f := NewFrame(0x7DF, false, [8]byte{0x02, 0x01, 0x0D})
	require.NoError(t, a.Send(f))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, p := range []*VirtualPort{b, c} {
		got, err := p.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint32(0x7DF), FrameID(got))
		assert.Equal(t, []byte{0x02, 0x01, 0x0D, 0, 0, 0, 0, 0}, Payload(got))
	}

	// The sender does not hear itself.
	short, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	_, err := a.Receive(short)
	assert.ErrorIs(t, err, obd.ErrTimeout)
}

func TestVirtualPortClose(t *testing.T) {
	v := NewVirtualBus()
	a := v.Attach()
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.ErrorIs(t, a.Send(NewFrame(0x100, false, [8]byte{})), ErrClosed)
	_, err := a.Receive(context.Background())
	assert.ErrorIs(t, err, obd.ErrTransport)
}

func TestExtendedFrameID(t *testing.T) {
	f := NewFrame(0x18DAF110, true, [8]byte{})
	assert.NotEqual(t, uint32(0x18DAF110), f.ID)
	assert.Equal(t, uint32(0x18DAF110), FrameID(f))
	assert.True(t, IsExtended(f))

	std := NewFrame(0x7E8, false, [8]byte{})
	assert.False(t, IsExtended(std))
	assert.Equal(t, uint32(0x7E8), FrameID(std))
}
