package canbus

import (
	"context"
	"sync"

	"github.com/brutella/can"
)

// VirtualBus is an in-process CAN segment. Every frame sent by one port is
// delivered to every other attached port, like frames on a shared wire.
type VirtualBus struct {
	mu    sync.RWMutex
	ports map[*VirtualPort]struct{}
}

// NewVirtualBus returns an empty segment.
func NewVirtualBus() *VirtualBus {
	return &VirtualBus{ports: make(map[*VirtualPort]struct{})}
}

// Attach adds a node to the segment.
func (v *VirtualBus) Attach() *VirtualPort {
	p := &VirtualPort{
		bus:    v,
		frames: make(chan can.Frame, rxBuffer),
		done:   make(chan struct{}),
	}
	v.mu.Lock()
	v.ports[p] = struct{}{}
	v.mu.Unlock()
	return p
}

func (v *VirtualBus) deliver(from *VirtualPort, f can.Frame) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for p := range v.ports {
		if p == from {
			continue
		}
		select {
		case p.frames <- f:
		default:
			// Slow node; the frame is lost for it, as on a real bus.
		}
	}
}

func (v *VirtualBus) detach(p *VirtualPort) {
	v.mu.Lock()
	delete(v.ports, p)
	v.mu.Unlock()
}

// VirtualPort is one node on a VirtualBus. It implements Bus.
type VirtualPort struct {
	bus    *VirtualBus
	frames chan can.Frame
	done   chan struct{}
	once   sync.Once
}

// Send delivers f to all other ports.
func (p *VirtualPort) Send(f can.Frame) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	p.bus.deliver(p, f)
	return nil
}

// Receive returns the next frame sent by another port.
func (p *VirtualPort) Receive(ctx context.Context) (can.Frame, error) {
	select {
	case f := <-p.frames:
		return f, nil
	case <-p.done:
		return can.Frame{}, ErrClosed
	case <-ctx.Done():
		return can.Frame{}, receiveErr(ctx)
	}
}

// Close detaches the port.
func (p *VirtualPort) Close() error {
	p.once.Do(func() {
		p.bus.detach(p)
		close(p.done)
	})
	return nil
}
