package obd

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by the obd, elm, scan, bridge and
// vehicle packages wraps exactly one of these, so callers can branch with
// errors.Is without knowing the concrete failure.
var (
	ErrTransport    = errors.New("transport error")
	ErrTimeout      = errors.New("timeout")
	ErrProtocol     = errors.New("protocol error")
	ErrCodec        = errors.New("codec error")
	ErrNotConnected = errors.New("not connected")
	ErrPairing      = errors.New("pairing error")
)

// Codec failures.
var (
	ErrInvalidPid      = fmt.Errorf("%w: invalid pid", ErrCodec)
	ErrLengthMismatch  = fmt.Errorf("%w: length mismatch", ErrCodec)
	ErrModeMismatch    = fmt.Errorf("%w: mode mismatch", ErrProtocol)
	ErrUnknownPid      = fmt.Errorf("%w: unknown pid", ErrCodec)
	ErrNeedsMoreFrames = fmt.Errorf("%w: needs more frames", ErrCodec)
	ErrOutOfOrder      = fmt.Errorf("%w: fragment out of order", ErrProtocol)
)
