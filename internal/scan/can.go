package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdsim/internal/canbus"
	"github.com/shaunagostinho/obdsim/internal/obd"
)

// CanConfig tunes the raw CAN backend.
type CanConfig struct {
	// Timeout bounds each receive attempt.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// Attempts is the number of frames read while looking for the answer.
	Attempts int `yaml:"attempts" json:"attempts"`
}

const (
	defaultCanTimeout  = 200 * time.Millisecond
	defaultCanAttempts = 3
)

// CanBackend queries a vehicle by sending request frames on a CAN bus and
// matching the responses against the schema.
type CanBackend struct {
	bus    canbus.Bus
	schema *obd.Schema
	codec  *obd.Codec
	cfg    CanConfig
	log    zerolog.Logger

	mu       sync.Mutex
	vinCount int
}

// NewCanBackend returns a backend over an already open bus.
func NewCanBackend(bus canbus.Bus, schema *obd.Schema, codec *obd.Codec, cfg CanConfig, log zerolog.Logger) *CanBackend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCanTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultCanAttempts
	}
	return &CanBackend{
		bus:    bus,
		schema: schema,
		codec:  codec,
		cfg:    cfg,
		log:    log.With().Str("component", "can-scan").Logger(),
	}
}

func (b *CanBackend) Name() string { return "CAN" }

func (b *CanBackend) Connect(context.Context) error { return nil }

func (b *CanBackend) Close() error { return b.bus.Close() }

// IsConnected asks for the first supported PIDs block and reports whether
// anything answered.
func (b *CanBackend) IsConnected(ctx context.Context) bool {
	_, err := b.Query(ctx, obd.ModeCurrentData, 0x00)
	return err == nil
}

// Query sends one request and waits for the matching response. A VIN query
// first learns the frame count from VIN_MCOUNT if it is not known yet.
func (b *CanBackend) Query(ctx context.Context, mode, pid uint8) (obd.Signal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if mode == obd.ModeVehicleInfo && pid == obd.PidVin {
		if b.vinCount == 0 {
			if _, err := b.query(ctx, obd.ModeVehicleInfo, obd.PidVinCount); err != nil {
				return obd.Signal{}, fmt.Errorf("scan: vin message count: %w", err)
			}
		}
		return b.queryVin(ctx)
	}
	return b.query(ctx, mode, pid)
}

func (b *CanBackend) send(mode, pid uint8) (obd.Request, error) {
	req, err := b.codec.EncodeRequest(mode, pid)
	if err != nil {
		return req, err
	}
	data, err := b.schema.Encode(b.schema.Request.Name, req.Fields)
	if err != nil {
		return req, err
	}
	frame := canbus.NewFrame(b.schema.Request.FrameID, b.schema.Request.Extended, data)
	if err := b.bus.Send(frame); err != nil {
		return req, fmt.Errorf("scan: send %s: %w", req.Command, err)
	}
	return req, nil
}

// receive reads the next frame on the response ID. It returns a nil payload
// when the attempt timed out or the frame was not a response.
func (b *CanBackend) receive(ctx context.Context) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	f, err := b.bus.Receive(rctx)
	if err != nil {
		if errors.Is(err, obd.ErrTimeout) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, err
	}
	if canbus.FrameID(f) != b.schema.Response.FrameID {
		return nil, nil
	}
	return canbus.Payload(f), nil
}

func (b *CanBackend) query(ctx context.Context, mode, pid uint8) (obd.Signal, error) {
	req, err := b.send(mode, pid)
	if err != nil {
		return obd.Signal{}, err
	}
	for attempt := 0; attempt < b.cfg.Attempts; attempt++ {
		data, err := b.receive(ctx)
		if err != nil {
			return obd.Signal{}, err
		}
		if data == nil {
			continue
		}
		fields, err := b.schema.Decode(b.schema.Response.FrameID, data)
		if err != nil {
			b.log.Debug().Err(err).Str("data", fmt.Sprintf("% X", data)).Msg("ignoring frame")
			continue
		}
		if fields[obd.FieldService] != uint64(mode) || fields[obd.MuxField(mode)] != uint64(pid) {
			continue
		}
		n := int(data[0])
		if n < 2 || 1+n > len(data) {
			return obd.Signal{}, fmt.Errorf("%w: %s: length byte %d", obd.ErrProtocol, req.Command, n)
		}
		sig, err := b.codec.DecodeResponse(mode, data[1:1+n])
		if err != nil {
			return obd.Signal{}, err
		}
		if mode == obd.ModeVehicleInfo && pid == obd.PidVinCount {
			b.vinCount = int(sig.Value)
		}
		return sig, nil
	}
	return obd.Signal{}, fmt.Errorf("%w: scan: no response to %s", obd.ErrTimeout, req.Command)
}

func (b *CanBackend) queryVin(ctx context.Context) (obd.Signal, error) {
	req, err := b.send(obd.ModeVehicleInfo, obd.PidVin)
	if err != nil {
		return obd.Signal{}, err
	}
	asm := obd.NewVinAssembler(b.vinCount)
	for attempt := 0; attempt < b.cfg.Attempts+b.vinCount; attempt++ {
		data, err := b.receive(ctx)
		if err != nil {
			return obd.Signal{}, err
		}
		if data == nil {
			continue
		}
		vin, done, err := asm.PushFrame(data)
		if err != nil {
			return obd.Signal{}, err
		}
		if done {
			return b.codec.VinSignal(vin)
		}
	}
	return obd.Signal{}, fmt.Errorf("%w: scan: incomplete answer to %s", obd.ErrTimeout, req.Command)
}
