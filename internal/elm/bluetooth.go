package elm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shaunagostinho/obdsim/internal/btc"
)

// BluetoothConfig addresses an ELM327 over Bluetooth Classic.
type BluetoothConfig struct {
	Address        string        `yaml:"address" json:"address"`
	Channel        uint8         `yaml:"channel" json:"channel"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connectTimeout"`
}

const flushQuiet = 50 * time.Millisecond

// BluetoothTransport is an ELM327 reached over an RFCOMM socket.
type BluetoothTransport struct {
	mu   sync.Mutex
	cfg  BluetoothConfig
	conn *btc.Conn
}

// NewBluetoothTransport returns an unopened transport.
func NewBluetoothTransport(cfg BluetoothConfig) *BluetoothTransport {
	if cfg.Channel == 0 {
		cfg.Channel = btc.DefaultChannel
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &BluetoothTransport{cfg: cfg}
}

func (t *BluetoothTransport) String() string {
	return fmt.Sprintf("rfcomm://%s/%d", t.cfg.Address, t.cfg.Channel)
}

// Open connects the socket. A rejected link surfaces as obd.ErrPairing.
func (t *BluetoothTransport) Open(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	conn, err := btc.Dial(ctx, t.cfg.Address, t.cfg.Channel)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *BluetoothTransport) current() (*btc.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, fmt.Errorf("elm: %s not open", t)
	}
	return t.conn, nil
}

func (t *BluetoothTransport) Read(p []byte) (int, error) {
	c, err := t.current()
	if err != nil {
		return 0, err
	}
	return c.Read(p)
}

func (t *BluetoothTransport) Write(p []byte) (int, error) {
	c, err := t.current()
	if err != nil {
		return 0, err
	}
	return c.Write(p)
}

// Flush reads and discards whatever the adapter still has in flight.
func (t *BluetoothTransport) Flush() error {
	c, err := t.current()
	if err != nil {
		return err
	}
	return c.Drain(flushQuiet)
}

func (t *BluetoothTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
