package elm

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Transport is the byte stream under a session. Read returns (0, nil) when
// nothing arrived within the transport's own short read timeout.
type Transport interface {
	Open(ctx context.Context) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Flush discards unread input.
	Flush() error
	Close() error
	String() string
}

// SerialConfig holds serial port settings. A zero BaudRate selects the rate
// automatically.
type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

const (
	serialReadTimeout = 100 * time.Millisecond
	autoBaudWait      = 2 * time.Second
)

// autoBaudRates are tried in order when no baud rate is configured.
var autoBaudRates = []int{38400, 9600}

// SerialTransport is an ELM327 on a serial device: USB adapter, UART, or the
// pseudo-terminal of a bridge.
type SerialTransport struct {
	mu       sync.Mutex
	portPath string
	baudRate int
	port     serial.Port
	log      zerolog.Logger
}

// NewSerialTransport returns an unopened transport.
func NewSerialTransport(cfg SerialConfig, log zerolog.Logger) *SerialTransport {
	return &SerialTransport{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		log:      log.With().Str("component", "serial").Str("port", cfg.PortPath).Logger(),
	}
}

func (t *SerialTransport) String() string { return t.portPath }

// BaudRate returns the configured or detected rate.
func (t *SerialTransport) BaudRate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.baudRate
}

// Open opens the port, detecting the baud rate if none is configured.
func (t *SerialTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.baudRate != 0 {
		port, err := t.open(t.baudRate)
		if err != nil {
			return err
		}
		t.port = port
		t.log.Info().Int("baud", t.baudRate).Msg("port open")
		return nil
	}

	var lastErr error
	for _, rate := range autoBaudRates {
		if err := ctx.Err(); err != nil {
			return err
		}
		port, err := t.open(rate)
		if err != nil {
			return err
		}
		if err := probe(port); err != nil {
			lastErr = err
			t.log.Debug().Int("baud", rate).Err(err).Msg("no answer")
			port.Close()
			continue
		}
		t.port = port
		t.baudRate = rate
		t.log.Info().Int("baud", rate).Msg("port open, baud rate detected")
		return nil
	}
	return fmt.Errorf("elm: %s: no baud rate answered: %w", t.portPath, lastErr)
}

func (t *SerialTransport) open(rate int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: rate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(t.portPath, mode)
	if err != nil {
		return nil, fmt.Errorf("elm: failed to open %s: %w", t.portPath, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("elm: failed to set timeout: %w", err)
	}
	return port, nil
}

// probe sends ATZ and waits for the prompt.
func probe(port serial.Port) error {
	port.ResetInputBuffer()
	if _, err := port.Write([]byte("ATZ" + terminator)); err != nil {
		return err
	}
	deadline := time.Now().Add(autoBaudWait)
	var got []byte
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, err := port.Read(buf)
		if err != nil {
			return err
		}
		got = append(got, buf[:n]...)
		if bytes.HasSuffix(bytes.TrimSpace(got), []byte(prompt)) {
			return nil
		}
	}
	return fmt.Errorf("no prompt after ATZ (got %q)", got)
}

func (t *SerialTransport) current() (serial.Port, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, fmt.Errorf("elm: %s not open", t.portPath)
	}
	return t.port, nil
}

func (t *SerialTransport) Read(p []byte) (int, error) {
	port, err := t.current()
	if err != nil {
		return 0, err
	}
	return port.Read(p)
}

func (t *SerialTransport) Write(p []byte) (int, error) {
	port, err := t.current()
	if err != nil {
		return 0, err
	}
	return port.Write(p)
}

// Flush drops pending input and output.
func (t *SerialTransport) Flush() error {
	port, err := t.current()
	if err != nil {
		return err
	}
	if err := port.ResetInputBuffer(); err != nil {
		return err
	}
	return port.ResetOutputBuffer()
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// PortInfo describes a serial device found on the host.
type PortInfo struct {
	Name    string `json:"name"`
	USB     bool   `json:"usb"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Product string `json:"product,omitempty"`
}

// ListPorts enumerates candidate adapter ports.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("elm: list ports: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{Name: d.Name, USB: d.IsUSB, VID: d.VID, PID: d.PID, Product: d.Product})
	}
	return out, nil
}
