package canbus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/brutella/can"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdsim/internal/obd"
)

const rxBuffer = 256

// SocketBus is a SocketCAN interface such as can0 or vcan0.
type SocketBus struct {
	name   string
	bus    *can.Bus
	frames chan can.Frame
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

// OpenSocket binds to the named interface and starts receiving.
func OpenSocket(name string, log zerolog.Logger) (*SocketBus, error) {
	if _, err := os.Stat(filepath.Join("/sys/class/net", name)); err != nil {
		return nil, fmt.Errorf("%w: canbus: interface %s not found", obd.ErrTransport, name)
	}
	bus, err := can.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: canbus: open %s: %v", obd.ErrTransport, name, err)
	}
	b := &SocketBus{
		name:   name,
		bus:    bus,
		frames: make(chan can.Frame, rxBuffer),
		done:   make(chan struct{}),
		log:    log.With().Str("component", "canbus").Str("iface", name).Logger(),
	}
	bus.SubscribeFunc(b.handle)
	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			select {
			case <-b.done:
			default:
				b.log.Error().Err(err).Msg("receive loop stopped")
			}
		}
	}()
	b.log.Info().Msg("bus open")
	return b, nil
}

func (b *SocketBus) handle(f can.Frame) {
	select {
	case b.frames <- f:
	case <-b.done:
	default:
		b.log.Warn().Uint32("id", FrameID(f)).Msg("receive buffer full, dropping frame")
	}
}

// Send publishes a frame on the interface.
func (b *SocketBus) Send(f can.Frame) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	if err := b.bus.Publish(f); err != nil {
		return fmt.Errorf("%w: canbus: send %X: %v", obd.ErrTransport, FrameID(f), err)
	}
	return nil
}

// Receive returns the next frame.
func (b *SocketBus) Receive(ctx context.Context) (can.Frame, error) {
	select {
	case f := <-b.frames:
		return f, nil
	case <-b.done:
		return can.Frame{}, ErrClosed
	case <-ctx.Done():
		return can.Frame{}, receiveErr(ctx)
	}
}

// Close stops the receive loop and releases the socket. It is safe to call
// more than once.
func (b *SocketBus) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		err = b.bus.Disconnect()
		b.log.Info().Msg("bus closed")
	})
	return err
}
