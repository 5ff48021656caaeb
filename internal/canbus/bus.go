// Package canbus provides the CAN transports used by the scanner and the
// vehicle simulator: a SocketCAN interface and an in-process virtual bus.
package canbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/brutella/can"

	"github.com/shaunagostinho/obdsim/internal/obd"
)

// Bus sends and receives CAN frames. Implementations are safe for concurrent
// use by one sender and one receiver.
type Bus interface {
	Send(frame can.Frame) error
	// Receive blocks until a frame arrives, ctx is done or the bus is closed.
	Receive(ctx context.Context) (can.Frame, error)
	Close() error
}

// ErrClosed is returned by a bus after Close.
var ErrClosed = fmt.Errorf("%w: canbus: closed", obd.ErrTransport)

const (
	effFlag = 0x80000000
	effMask = 0x1FFFFFFF
	sffMask = 0x000007FF
)

// NewFrame builds a data frame. Extended IDs carry the EFF flag in the ID,
// as SocketCAN expects.
func NewFrame(id uint32, extended bool, data [8]byte) can.Frame {
	if extended {
		id = id&effMask | effFlag
	} else {
		id &= sffMask
	}
	return can.Frame{ID: id, Length: 8, Data: data}
}

// FrameID strips the flag bits from a frame ID.
func FrameID(f can.Frame) uint32 {
	if f.ID&effFlag != 0 {
		return f.ID & effMask
	}
	return f.ID & sffMask
}

// IsExtended reports whether f carries a 29-bit identifier.
func IsExtended(f can.Frame) bool { return f.ID&effFlag != 0 }

// Payload returns the valid data bytes of f.
func Payload(f can.Frame) []byte {
	n := int(f.Length)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return f.Data[:n]
}

func receiveErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: canbus: no frame before deadline", obd.ErrTimeout)
	}
	return ctx.Err()
}
