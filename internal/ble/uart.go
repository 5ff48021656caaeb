// Package ble is a UART over a BLE GATT characteristic pair: writes go out
// as write-without-response, inbound data arrives as notifications.
package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"

	"github.com/shaunagostinho/obdsim/internal/obd"
)

// UUIDs used by most BLE ELM327 clones.
const (
	DefaultService    = "0000fff0-0000-1000-8000-00805f9b34fb"
	DefaultNotifyChar = "0000fff1-0000-1000-8000-00805f9b34fb"
	DefaultWriteChar  = "0000fff2-0000-1000-8000-00805f9b34fb"
)

const (
	attHeader  = 3
	defaultMTU = 23
)

// Config addresses a BLE UART.
type Config struct {
	Address        string        `yaml:"address" json:"address"`
	Service        string        `yaml:"service" json:"service"`
	WriteChar      string        `yaml:"write_char" json:"writeChar"`
	NotifyChar     string        `yaml:"notify_char" json:"notifyChar"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connectTimeout"`
}

// uuids is the parsed form of a Config.
type uuids struct {
	service, write, notify bluetooth.UUID
}

func (c *Config) normalize() (uuids, error) {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.WriteChar == "" {
		c.WriteChar = DefaultWriteChar
	}
	if c.NotifyChar == "" {
		c.NotifyChar = DefaultNotifyChar
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	var u uuids
	var err error
	if u.service, err = bluetooth.ParseUUID(c.Service); err != nil {
		return u, fmt.Errorf("ble: service uuid %q: %w", c.Service, err)
	}
	if u.write, err = bluetooth.ParseUUID(c.WriteChar); err != nil {
		return u, fmt.Errorf("ble: write uuid %q: %w", c.WriteChar, err)
	}
	if u.notify, err = bluetooth.ParseUUID(c.NotifyChar); err != nil {
		return u, fmt.Errorf("ble: notify uuid %q: %w", c.NotifyChar, err)
	}
	return u, nil
}

// UART is a BLE GATT UART client.
type UART struct {
	adapter *bluetooth.Adapter
	cfg     Config
	ids     uuids
	log     zerolog.Logger

	enableOnce sync.Once
	enableErr  error

	mu           sync.Mutex
	device       bluetooth.Device
	connected    bool
	tx           bluetooth.DeviceCharacteristic
	mtu          int
	receiver     func([]byte)
	onDisconnect func()
}

// NewUART returns an unconnected UART on the default adapter.
func NewUART(cfg Config, log zerolog.Logger) (*UART, error) {
	if _, err := bluetooth.ParseMAC(cfg.Address); err != nil {
		return nil, fmt.Errorf("ble: address %q: %w", cfg.Address, err)
	}
	ids, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	return &UART{
		adapter: bluetooth.DefaultAdapter,
		cfg:     cfg,
		ids:     ids,
		log:     log.With().Str("component", "ble").Str("device", cfg.Address).Logger(),
		mtu:     defaultMTU - attHeader,
	}, nil
}

func (u *UART) Address() string { return u.cfg.Address }

// MTU is the largest write payload the link accepts.
func (u *UART) MTU() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.mtu
}

func (u *UART) SetReceiver(fn func([]byte)) {
	u.mu.Lock()
	u.receiver = fn
	u.mu.Unlock()
}

func (u *UART) SetDisconnectHandler(fn func()) {
	u.mu.Lock()
	u.onDisconnect = fn
	u.mu.Unlock()
}

func (u *UART) enable() error {
	u.enableOnce.Do(func() {
		u.enableErr = u.adapter.Enable()
		if u.enableErr == nil {
			u.adapter.SetConnectHandler(u.connectEvent)
		}
	})
	return u.enableErr
}

func (u *UART) connectEvent(device bluetooth.Device, connected bool) {
	if connected || !strings.EqualFold(device.Address.String(), u.cfg.Address) {
		return
	}
	u.mu.Lock()
	was := u.connected
	u.connected = false
	fn := u.onDisconnect
	u.mu.Unlock()
	if was && fn != nil {
		u.log.Warn().Msg("device disconnected")
		fn()
	}
}

type connectResult struct {
	device bluetooth.Device
	err    error
}

// Connect links to the device, subscribes to the notify characteristic and
// negotiates the write size.
func (u *UART) Connect(ctx context.Context) error {
	if err := u.enable(); err != nil {
		return fmt.Errorf("%w: ble: enable adapter: %v", obd.ErrTransport, err)
	}
	mac, err := bluetooth.ParseMAC(u.cfg.Address)
	if err != nil {
		return err
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	ctx, cancel := context.WithTimeout(ctx, u.cfg.ConnectTimeout)
	defer cancel()
	result := make(chan connectResult, 1)
	go func() {
		d, err := u.adapter.Connect(addr, bluetooth.ConnectionParams{})
		result <- connectResult{d, err}
	}()

	var device bluetooth.Device
	select {
	case r := <-result:
		if r.err != nil {
			return fmt.Errorf("%w: ble: connect %s: %v", obd.ErrTransport, u.cfg.Address, r.err)
		}
		device = r.device
	case <-ctx.Done():
		go func() {
			if r := <-result; r.err == nil {
				r.device.Disconnect()
			}
		}()
		return fmt.Errorf("%w: ble: connect %s: %v", obd.ErrTimeout, u.cfg.Address, ctx.Err())
	}

	tx, rx, err := u.characteristics(device)
	if err != nil {
		device.Disconnect()
		return err
	}
	if err := rx.EnableNotifications(u.notify); err != nil {
		device.Disconnect()
		return fmt.Errorf("%w: ble: subscribe: %v", obd.ErrTransport, err)
	}

	mtu := defaultMTU
	if m, err := tx.GetMTU(); err == nil && m > attHeader {
		mtu = int(m)
	}

	u.mu.Lock()
	u.device = device
	u.tx = tx
	u.mtu = mtu - attHeader
	u.connected = true
	u.mu.Unlock()
	u.log.Info().Int("mtu", mtu).Msg("connected")
	return nil
}

func (u *UART) characteristics(device bluetooth.Device) (tx, rx bluetooth.DeviceCharacteristic, err error) {
	services, err := device.DiscoverServices([]bluetooth.UUID{u.ids.service})
	if err != nil || len(services) == 0 {
		return tx, rx, fmt.Errorf("%w: ble: service %s not found: %v", obd.ErrTransport, u.cfg.Service, err)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{u.ids.write, u.ids.notify})
	if err != nil {
		return tx, rx, fmt.Errorf("%w: ble: characteristics: %v", obd.ErrTransport, err)
	}
	var haveTx, haveRx bool
	for _, c := range chars {
		switch c.UUID() {
		case u.ids.write:
			tx, haveTx = c, true
		case u.ids.notify:
			rx, haveRx = c, true
		}
	}
	if !haveTx || !haveRx {
		return tx, rx, fmt.Errorf("%w: ble: uart characteristics missing on %s", obd.ErrTransport, u.cfg.Address)
	}
	return tx, rx, nil
}

func (u *UART) notify(buf []byte) {
	u.mu.Lock()
	fn := u.receiver
	u.mu.Unlock()
	if fn != nil {
		fn(buf)
	}
}

// Write sends p as one write-without-response. Callers chunk to MTU.
func (u *UART) Write(p []byte) error {
	u.mu.Lock()
	tx, ok := u.tx, u.connected
	u.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: ble: %s not connected", obd.ErrNotConnected, u.cfg.Address)
	}
	if _, err := tx.WriteWithoutResponse(p); err != nil {
		return fmt.Errorf("%w: ble: write: %v", obd.ErrTransport, err)
	}
	return nil
}

// Disconnect drops the link. It is safe to call when not connected.
func (u *UART) Disconnect() error {
	u.mu.Lock()
	device, ok := u.device, u.connected
	u.connected = false
	u.mu.Unlock()
	if !ok {
		return nil
	}
	return device.Disconnect()
}
