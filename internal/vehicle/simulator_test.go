package vehicle

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdsim/internal/canbus"
	"github.com/shaunagostinho/obdsim/internal/obd"
)

func newSimulator(t *testing.T, bus canbus.Bus) (*Simulator, *obd.Schema) {
	t.Helper()
	cat := obd.DefaultCatalog()
	schema := obd.DefaultSchema(cat)
	sim, err := New(bus, schema, obd.NewCodec(cat), Config{}, zerolog.Nop())
	require.NoError(t, err)
	return sim, schema
}

func TestNewRejectsBadVin(t *testing.T) {
	cat := obd.DefaultCatalog()
	_, err := New(nil, obd.DefaultSchema(cat), obd.NewCodec(cat), Config{Vin: "TOOSHORT"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestBuildResponseBitmask(t *testing.T) {
	sim, _ := newSimulator(t, nil)

	frames, err := sim.BuildResponse(obd.ModeCurrentData, 0x00)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	data := frames[0]
	assert.Equal(t, []byte{6, 0x41, 0x00}, data[:3])

	m, err := obd.SupportedPidsFromWire(0x00, data[3:7])
	require.NoError(t, err)
	assert.Equal(t, []uint8{0x0C, 0x0D}, m.Supported())
	assert.True(t, m.HasNext())

	frames, err = sim.BuildResponse(obd.ModeCurrentData, 0xC0)
	require.NoError(t, err)
	m, err = obd.SupportedPidsFromWire(0xC0, frames[0][3:7])
	require.NoError(t, err)
	assert.Equal(t, []uint8{0xE0}, m.Supported())
	assert.True(t, m.HasNext())

	// The last block, E1..FF, has no continuation.
	frames, err = sim.BuildResponse(obd.ModeCurrentData, 0xE0)
	require.NoError(t, err)
	m, err = obd.SupportedPidsFromWire(0xE0, frames[0][3:7])
	require.NoError(t, err)
	assert.Empty(t, m.Pids())
	assert.False(t, m.HasNext())
}

func TestBuildResponseFollowsTable(t *testing.T) {
	sim, _ := newSimulator(t, nil)
	require.NoError(t, sim.Set(obd.NameEngineLoad, 50))

	frames, err := sim.BuildResponse(obd.ModeCurrentData, 0x00)
	require.NoError(t, err)
	m, err := obd.SupportedPidsFromWire(0x00, frames[0][3:7])
	require.NoError(t, err)
	assert.Equal(t, []uint8{0x04, 0x0C, 0x0D}, m.Supported())

	frames, err = sim.BuildResponse(obd.ModeCurrentData, 0x40)
	require.NoError(t, err)
	m, err = obd.SupportedPidsFromWire(0x40, frames[0][3:7])
	require.NoError(t, err)
	assert.Equal(t, []uint8{0x5C}, m.Supported())
}

func TestBuildResponseValue(t *testing.T) {
	sim, _ := newSimulator(t, nil)

	frames, err := sim.BuildResponse(obd.ModeCurrentData, 0x5C)
	require.NoError(t, err)
	assert.Equal(t, [8]byte{3, 0x41, 0x5C, 60}, frames[0])

	require.NoError(t, sim.Set(obd.NameEngineSpeed, 1000))
	frames, err = sim.BuildResponse(obd.ModeCurrentData, 0x0C)
	require.NoError(t, err)
	assert.Equal(t, [8]byte{4, 0x41, 0x0C, 0x0F, 0xA0}, frames[0])

	// Repeated queries return the same value.
	again, err := sim.BuildResponse(obd.ModeCurrentData, 0x0C)
	require.NoError(t, err)
	assert.Equal(t, frames, again)
}

func TestBuildResponseVin(t *testing.T) {
	sim, _ := newSimulator(t, nil)

	frames, err := sim.BuildResponse(obd.ModeVehicleInfo, obd.PidVin)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	asm := obd.NewVinAssembler(3)
	var vin string
	for _, f := range frames {
		v, done, err := asm.PushFrame(f[:])
		require.NoError(t, err)
		if done {
			vin = v
		}
	}
	assert.Equal(t, DefaultVin, vin)
}

func TestBuildResponseUnknown(t *testing.T) {
	sim, _ := newSimulator(t, nil)
	frames, err := sim.BuildResponse(obd.ModeCurrentData, 0x05)
	assert.ErrorIs(t, err, obd.ErrUnknownPid)
	assert.Nil(t, frames)

	_, err = sim.BuildResponse(obd.ModeCurrentData, 0xFE)
	assert.ErrorIs(t, err, obd.ErrUnknownPid)

	assert.ErrorIs(t, sim.Set("NOPE", 1), obd.ErrUnknownPid)
	assert.Error(t, sim.Set(obd.NameVin, 1))
}

func TestListenAnswersRequests(t *testing.T) {
	vbus := canbus.NewVirtualBus()
	ecu := vbus.Attach()
	tester := vbus.Attach()
	defer tester.Close()

	sim, schema := newSimulator(t, ecu)
	require.NoError(t, sim.Set(obd.NameVehicleSpeed, 50))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Listen(ctx) }()

	req, err := obd.NewCodec(obd.DefaultCatalog()).EncodeRequest(obd.ModeCurrentData, 0x0D)
	require.NoError(t, err)
	data, err := schema.Encode(schema.Request.Name, req.Fields)
	require.NoError(t, err)
	require.NoError(t, tester.Send(canbus.NewFrame(schema.Request.FrameID, false, data)))

	rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
	defer rcancel()
	got, err := tester.Receive(rctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(obd.DefaultResponseID), canbus.FrameID(got))
	assert.False(t, canbus.IsExtended(got))
	assert.Equal(t, []byte{3, 0x41, 0x0D, 50, 0, 0, 0, 0}, canbus.Payload(got))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestListenAnswersExtendedRequestsInKind(t *testing.T) {
	vbus := canbus.NewVirtualBus()
	ecu := vbus.Attach()
	tester := vbus.Attach()
	defer tester.Close()

	sim, schema := newSimulator(t, ecu)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sim.Listen(ctx)

	req, err := obd.NewCodec(obd.DefaultCatalog()).EncodeRequest(obd.ModeCurrentData, 0x0C)
	require.NoError(t, err)
	data, err := schema.Encode(schema.Request.Name, req.Fields)
	require.NoError(t, err)
	require.NoError(t, tester.Send(canbus.NewFrame(schema.Request.FrameID, true, data)))

	rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
	defer rcancel()
	got, err := tester.Receive(rctx)
	require.NoError(t, err)
	assert.True(t, canbus.IsExtended(got))
	assert.Equal(t, uint32(obd.DefaultResponseID), canbus.FrameID(got))
	assert.Equal(t, []byte{0x41, 0x0C}, canbus.Payload(got)[1:3])
}

func TestDriveCycleRanges(t *testing.T) {
	d := newDriveCycle(1)
	for i := 0; i < 2000; i++ {
		rpm, speed, oil := d.step(DriveTick.Seconds())
		assert.GreaterOrEqual(t, rpm, 850.0)
		assert.LessOrEqual(t, rpm, 4900.0)
		assert.GreaterOrEqual(t, speed, 0.0)
		assert.LessOrEqual(t, speed, 220.0)
		assert.GreaterOrEqual(t, oil, 20.0)
		assert.LessOrEqual(t, oil, 97.0)
	}
}
