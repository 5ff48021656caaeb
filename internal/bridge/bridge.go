// Package bridge forwards bytes between a wireless UART (BLE or RFCOMM) and a
// local virtual serial port.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Wireless is the remote side of a bridge. Inbound data is pushed to the
// receiver callback; a lost link is reported through the disconnect handler.
type Wireless interface {
	Connect(ctx context.Context) error
	SetReceiver(func([]byte))
	SetDisconnectHandler(func())
	Write(p []byte) error
	// MTU is the largest write the link accepts, or 0 if unlimited.
	MTU() int
	Disconnect() error
	Address() string
}

// Options configure a Bridge.
type Options struct {
	// SerialPath is where the virtual serial port is published.
	SerialPath string
	// OnDisconnect is called with the device address after the link drops
	// and the bridge has stopped.
	OnDisconnect func(address string)
	// OpenEndpoint creates the local endpoint. Defaults to OpenPty.
	OpenEndpoint func(path string) (Endpoint, error)
}

// Bridge pairs one wireless link with one local endpoint.
type Bridge struct {
	wireless Wireless
	opts     Options
	log      zerolog.Logger

	endpoint   Endpoint
	toSerial   *Queue
	toWireless *Queue

	mu       sync.Mutex
	started  bool
	loops    sync.WaitGroup
	reader   sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// New returns an unstarted bridge.
func New(w Wireless, opts Options, log zerolog.Logger) *Bridge {
	if opts.OpenEndpoint == nil {
		opts.OpenEndpoint = func(path string) (Endpoint, error) { return OpenPty(path) }
	}
	return &Bridge{
		wireless:   w,
		opts:       opts,
		log:        log.With().Str("component", "bridge").Str("device", w.Address()).Logger(),
		toSerial:   NewQueue(),
		toWireless: NewQueue(),
		done:       make(chan struct{}),
	}
}

// Start opens the local endpoint, connects the wireless link and starts
// forwarding in both directions. It returns once forwarding is running.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("bridge: already started")
	}
	select {
	case <-b.done:
		return errors.New("bridge: stopped")
	default:
	}

	ep, err := b.opts.OpenEndpoint(b.opts.SerialPath)
	if err != nil {
		return err
	}
	b.wireless.SetReceiver(b.toSerial.Put)
	b.wireless.SetDisconnectHandler(b.handleDisconnect)
	if err := b.wireless.Connect(ctx); err != nil {
		ep.Close()
		return fmt.Errorf("bridge: connect %s: %w", b.wireless.Address(), err)
	}
	b.endpoint = ep
	b.started = true

	b.loops.Add(2)
	go b.forwardToSerial()
	go b.forwardToWireless()
	b.reader.Add(1)
	go b.readSerial()

	b.log.Info().Str("path", ep.Path()).Int("mtu", b.wireless.MTU()).Msg("bridge started")
	return nil
}

// forwardToSerial writes wireless data to the endpoint until the sentinel.
func (b *Bridge) forwardToSerial() {
	defer b.loops.Done()
	for {
		data, ok := b.toSerial.Get()
		if !ok {
			return
		}
		if _, err := b.endpoint.Write(data); err != nil {
			b.log.Warn().Err(err).Msg("serial write failed")
		}
	}
}

// forwardToWireless writes serial data to the link in MTU sized chunks.
func (b *Bridge) forwardToWireless() {
	defer b.loops.Done()
	for {
		data, ok := b.toWireless.Get()
		if !ok {
			return
		}
		for _, c := range chunk(data, b.wireless.MTU()) {
			if err := b.wireless.Write(c); err != nil {
				b.log.Warn().Err(err).Msg("wireless write failed")
				break
			}
		}
	}
}

// readSerial feeds the serial-to-wireless queue until the endpoint closes.
func (b *Bridge) readSerial() {
	defer b.reader.Done()
	buf := make([]byte, 4096)
	for {
		n, err := b.endpoint.Read(buf)
		if n > 0 {
			b.toWireless.Put(buf[:n])
		}
		if err != nil {
			b.log.Debug().Err(err).Msg("serial read ended")
			return
		}
	}
}

func (b *Bridge) handleDisconnect() {
	b.log.Warn().Msg("wireless link lost")
	go func() {
		b.Stop()
		if b.opts.OnDisconnect != nil {
			b.opts.OnDisconnect(b.wireless.Address())
		}
	}()
}

// Stop drains both forwarding loops through their sentinels, disconnects the
// wireless link and removes the local endpoint. Calling it again is a no-op.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		started := b.started
		b.mu.Unlock()
		defer close(b.done)
		if !started {
			return
		}

		b.toSerial.Close()
		b.toWireless.Close()
		b.loops.Wait()

		if err := b.wireless.Disconnect(); err != nil {
			b.log.Warn().Err(err).Msg("disconnect failed")
		}
		if err := b.endpoint.Close(); err != nil {
			b.log.Warn().Err(err).Msg("endpoint close failed")
		}
		b.reader.Wait()
		b.log.Info().Msg("bridge stopped")
	})
}

// Done is closed once the bridge has stopped.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// chunk splits data into pieces of at most mtu bytes. mtu <= 0 means no limit.
func chunk(data []byte, mtu int) [][]byte {
	if mtu <= 0 || len(data) <= mtu {
		return [][]byte{data}
	}
	out := make([][]byte, 0, (len(data)+mtu-1)/mtu)
	for len(data) > mtu {
		out = append(out, data[:mtu])
		data = data[mtu:]
	}
	return append(out, data)
}
