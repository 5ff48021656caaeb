package ble

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"

	"github.com/shaunagostinho/obdsim/internal/obd"
)

func TestNormalizeDefaults(t *testing.T) {
	cfg := Config{Address: "AA:BB:CC:DD:EE:FF"}
	ids, err := cfg.normalize()
	require.NoError(t, err)
	assert.Equal(t, DefaultService, cfg.Service)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)

	want, err := bluetooth.ParseUUID(DefaultWriteChar)
	require.NoError(t, err)
	assert.Equal(t, want, ids.write)
}

func TestNormalizeRejectsBadUUID(t *testing.T) {
	cfg := Config{Service: "not-a-uuid"}
	_, err := cfg.normalize()
	assert.Error(t, err)
}

func TestNewUART(t *testing.T) {
	_, err := NewUART(Config{Address: "nope"}, zerolog.Nop())
	assert.Error(t, err)

	u, err := NewUART(Config{Address: "AA:BB:CC:DD:EE:FF"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", u.Address())
	assert.Equal(t, defaultMTU-attHeader, u.MTU())

	// Not connected: writes fail, disconnect is a no-op.
	assert.ErrorIs(t, u.Write([]byte("ATZ\r")), obd.ErrNotConnected)
	assert.NoError(t, u.Disconnect())
}

func TestNotifyReachesReceiver(t *testing.T) {
	u, err := NewUART(Config{Address: "AA:BB:CC:DD:EE:FF"}, zerolog.Nop())
	require.NoError(t, err)

	var got []byte
	u.SetReceiver(func(b []byte) { got = append(got, b...) })
	u.notify([]byte("OK"))
	u.notify([]byte(">"))
	assert.Equal(t, []byte("OK>"), got)
}

func TestConnectEventOnlyReportsOwnDevice(t *testing.T) {
	u, err := NewUART(Config{Address: "AA:BB:CC:DD:EE:FF"}, zerolog.Nop())
	require.NoError(t, err)
	calls := 0
	u.SetDisconnectHandler(func() { calls++ })
	u.connected = true

	other, err := bluetooth.ParseMAC("11:22:33:44:55:66")
	require.NoError(t, err)
	u.connectEvent(bluetooth.Device{Address: bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: other}}}, false)
	assert.Equal(t, 0, calls)

	own, err := bluetooth.ParseMAC("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	u.connectEvent(bluetooth.Device{Address: bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: own}}}, false)
	assert.Equal(t, 1, calls)

	// Already down: no second report.
	u.connectEvent(bluetooth.Device{Address: bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: own}}}, false)
	assert.Equal(t, 1, calls)
}
