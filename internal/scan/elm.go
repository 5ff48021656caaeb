package scan

import (
	"context"
	"fmt"

	"github.com/shaunagostinho/obdsim/internal/elm"
	"github.com/shaunagostinho/obdsim/internal/obd"
)

// ElmBackend queries a vehicle through an ELM327 session.
type ElmBackend struct {
	session *elm.Session
	codec   *obd.Codec
	opts    elm.InitOptions
	name    string
}

// NewElmBackend wraps session. opts are used by Connect to initialize the
// adapter.
func NewElmBackend(session *elm.Session, codec *obd.Codec, opts elm.InitOptions, name string) *ElmBackend {
	return &ElmBackend{session: session, codec: codec, opts: opts, name: name}
}

func (b *ElmBackend) Name() string { return "ELM327 (" + b.name + ")" }

// Connect opens the transport and runs the initialization sequence.
func (b *ElmBackend) Connect(ctx context.Context) error {
	if err := b.session.Connect(ctx); err != nil {
		return err
	}
	if err := b.session.Initialize(ctx, b.opts); err != nil {
		b.session.Close()
		return err
	}
	return nil
}

func (b *ElmBackend) Close() error { return b.session.Close() }

// LinkErr reports a session that dropped itself after too many timeouts.
func (b *ElmBackend) LinkErr() error {
	if b.session.State() == elm.StateDisconnected {
		return elm.ErrSessionLost
	}
	return nil
}

// IsConnected reports whether the adapter reaches the vehicle.
func (b *ElmBackend) IsConnected(ctx context.Context) bool {
	return b.session.Status(ctx) == elm.CarConnected
}

// Query sends the PID request and decodes the data bytes. NO DATA and
// UNABLE TO CONNECT replies come back as errors.
func (b *ElmBackend) Query(ctx context.Context, mode, pid uint8) (obd.Signal, error) {
	reply, err := b.session.QueryPID(ctx, int(pid), int(mode))
	if err != nil {
		return obd.Signal{}, err
	}
	if err := reply.Err(); err != nil {
		return obd.Signal{}, fmt.Errorf("scan: %02X%02X: %w", mode, pid, err)
	}
	return b.codec.DecodeValue(mode, pid, reply.Data)
}
