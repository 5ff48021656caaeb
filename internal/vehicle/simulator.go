// Package vehicle impersonates an ECU on a CAN bus, answering OBD2 requests
// from a table of simulated signals.
package vehicle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdsim/internal/canbus"
	"github.com/shaunagostinho/obdsim/internal/obd"
)

// DefaultVin is used when no VIN is configured.
const DefaultVin = "1OBDIISIMULATORXX"

// Config for the simulator.
type Config struct {
	Vin string `yaml:"vin" json:"vin"`
	// Drive enables the drive-cycle animator.
	Drive bool `yaml:"drive" json:"drive"`
}

// defaultValues are the initial physical values of the simulated signals.
var defaultValues = map[string]float64{
	obd.NameEngineSpeed:  0,
	obd.NameVehicleSpeed: 0,
	obd.NameOilTemp:      20,
	obd.NameVinCount:     3,
}

// Simulator answers OBD2 requests received on a bus.
type Simulator struct {
	bus    canbus.Bus
	schema *obd.Schema
	codec  *obd.Codec
	log    zerolog.Logger

	mu     sync.RWMutex
	values map[string]float64
	vin    string
}

// New returns a simulator that listens on bus. The simulated table holds
// every bitmask block of the catalog, the default signals and the VIN.
func New(bus canbus.Bus, schema *obd.Schema, codec *obd.Codec, cfg Config, log zerolog.Logger) (*Simulator, error) {
	vin := cfg.Vin
	if vin == "" {
		vin = DefaultVin
	}
	if len(vin) != obd.VinLength {
		return nil, fmt.Errorf("vehicle: vin %q must be %d characters", vin, obd.VinLength)
	}
	values := make(map[string]float64, len(defaultValues))
	for name, v := range defaultValues {
		values[name] = v
	}
	return &Simulator{
		bus:    bus,
		schema: schema,
		codec:  codec,
		log:    log.With().Str("component", "simulator").Logger(),
		values: values,
		vin:    vin,
	}, nil
}

// Vin returns the simulated VIN.
func (s *Simulator) Vin() string { return s.vin }

// Set overrides the value of a raw-integer signal, adding it to the table if
// it was not simulated before.
func (s *Simulator) Set(name string, value float64) error {
	def, ok := s.codec.Catalog().ByName(name)
	if !ok {
		return fmt.Errorf("%w: %s", obd.ErrUnknownPid, name)
	}
	if def.Kind != obd.KindRawInt {
		return fmt.Errorf("vehicle: %s is not a value signal", name)
	}
	s.mu.Lock()
	s.values[name] = value
	s.mu.Unlock()
	return nil
}

// Get returns the current value of a simulated signal.
func (s *Simulator) Get(name string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// simulated reports whether def is answered by the simulator.
func (s *Simulator) simulated(def obd.PidDefinition) bool {
	switch def.Kind {
	case obd.KindBitmask, obd.KindVin:
		return true
	}
	_, ok := s.values[def.Name]
	return ok
}

// supportedPids computes the bitmask for the block at base over the
// simulated signals. A simulated next block sets the continuation bit.
func (s *Simulator) supportedPids(mode, base uint8) (obd.SupportedPids, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pids []uint8
	for _, def := range s.codec.Catalog().All() {
		if def.Mode != mode || int(def.PID) <= int(base) || int(def.PID) > int(base)+32 {
			continue
		}
		if s.simulated(def) {
			pids = append(pids, def.PID)
		}
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return obd.EncodeBitmask(base, pids)
}

// BuildResponse returns the frame data answering (mode, pid). A VIN request
// yields three frames, everything else one. Unknown or unsimulated PIDs
// yield no frames and an ErrUnknownPid error.
func (s *Simulator) BuildResponse(mode, pid uint8) ([][8]byte, error) {
	def, ok := s.codec.Catalog().Lookup(mode, pid)
	if !ok {
		return nil, fmt.Errorf("%w: mode %02X pid %02X", obd.ErrUnknownPid, mode, pid)
	}

	fields := obd.Fields{
		obd.FieldService:   uint64(mode),
		obd.MuxField(mode): uint64(pid),
	}
	switch def.Kind {
	case obd.KindVin:
		return obd.EncodeVinFrames(s.vin)
	case obd.KindBitmask:
		m, err := s.supportedPids(mode, pid)
		if err != nil {
			return nil, err
		}
		fields[def.Name] = uint64(m.Bits)
	case obd.KindRawInt:
		v, ok := s.Get(def.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not simulated", obd.ErrUnknownPid, def.Name)
		}
		raw, err := s.codec.EncodeValue(def, v)
		if err != nil {
			return nil, err
		}
		fields[def.Name] = obd.RawValue(raw)
	default:
		return nil, fmt.Errorf("%w: %s is not simulated", obd.ErrUnknownPid, def.Name)
	}

	data, err := s.schema.Encode(s.schema.Response.Name, fields)
	if err != nil {
		return nil, err
	}
	return [][8]byte{data}, nil
}

// Listen answers requests until ctx is done or the bus is closed.
func (s *Simulator) Listen(ctx context.Context) error {
	s.log.Info().Str("vin", s.vin).Msg("listening")
	for {
		f, err := s.bus.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, canbus.ErrClosed) {
				return nil
			}
			return fmt.Errorf("vehicle: receive: %w", err)
		}
		if canbus.FrameID(f) != s.schema.Request.FrameID {
			continue
		}
		fields, err := s.schema.Decode(s.schema.Request.FrameID, canbus.Payload(f))
		if err != nil {
			s.log.Error().Err(err).Msg("error decoding request")
			continue
		}
		if _, ok := fields[obd.FieldRequest]; !ok {
			continue
		}
		mode := uint8(fields[obd.FieldService])
		pid := uint8(fields[obd.MuxField(mode)])
		if err := s.respond(mode, pid, canbus.IsExtended(f)); err != nil {
			if errors.Is(err, obd.ErrUnknownPid) {
				s.log.Warn().Uint8("mode", mode).Uint8("pid", pid).Msg("unsupported pid")
				continue
			}
			s.log.Error().Err(err).Uint8("mode", mode).Uint8("pid", pid).Msg("error answering request")
		}
	}
}

func (s *Simulator) respond(mode, pid uint8, extended bool) error {
	frames, err := s.BuildResponse(mode, pid)
	if err != nil {
		return err
	}
	extended = extended || s.schema.Response.Extended
	for i, data := range frames {
		s.log.Debug().Uint8("mode", mode).Uint8("pid", pid).Int("frame", i).Str("data", fmt.Sprintf("% X", data)).Msg("sending response")
		if err := s.bus.Send(canbus.NewFrame(s.schema.Response.FrameID, extended, data)); err != nil {
			return fmt.Errorf("vehicle: send: %w", err)
		}
	}
	return nil
}
