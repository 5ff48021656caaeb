// Package scan discovers the PIDs a vehicle supports and polls them.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdsim/internal/obd"
)

const (
	// maxBlocks bounds discovery: 256 PIDs in blocks of 32.
	maxBlocks = 8

	defaultInterval = 1 * time.Second
)

// Config controls the engine.
type Config struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
	// Modes to discover, in order. Defaults to Mode 1.
	Modes []uint8 `yaml:"modes" json:"modes"`
}

// Engine discovers supported PIDs on a backend and polls them.
type Engine struct {
	backend  QueryBackend
	catalog  *obd.Catalog
	interval time.Duration
	modes    []uint8
	log      zerolog.Logger

	cycle sync.Mutex // one poll cycle at a time

	mu        sync.RWMutex
	supported []obd.Key
	latest    map[obd.Key]obd.Signal
	sinks     []Sink

	stop     chan struct{}
	stopOnce sync.Once
}

// New returns an engine over backend. PIDs missing from catalog are
// reported by discovery but not polled.
func New(backend QueryBackend, catalog *obd.Catalog, cfg Config, log zerolog.Logger) (*Engine, error) {
	if backend == nil {
		return nil, errors.New("scan: backend is nil")
	}
	if catalog == nil {
		return nil, errors.New("scan: catalog is nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if len(cfg.Modes) == 0 {
		cfg.Modes = []uint8{obd.ModeCurrentData}
	}
	return &Engine{
		backend:  backend,
		catalog:  catalog,
		interval: cfg.Interval,
		modes:    cfg.Modes,
		log:      log.With().Str("component", "scan").Logger(),
		latest:   make(map[obd.Key]obd.Signal),
		stop:     make(chan struct{}),
	}, nil
}

// AddSink registers s to receive snapshots from Run.
func (e *Engine) AddSink(s Sink) {
	e.mu.Lock()
	e.sinks = append(e.sinks, s)
	e.mu.Unlock()
}

// DiscoverSupportedPids walks the "PIDs supported" blocks of mode starting
// at PID 0, following the continuation bit. It stops at the first block
// without the bit, on any query or decode failure, or after 8 blocks.
// The continuation PIDs themselves are not part of the result.
func (e *Engine) DiscoverSupportedPids(ctx context.Context, mode uint8) ([]uint8, error) {
	seen := make(map[uint8]struct{})
	base := 0
	for i := 0; i < maxBlocks; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sig, err := e.backend.Query(ctx, mode, uint8(base))
		if err != nil {
			e.log.Warn().Err(err).Uint8("mode", mode).Int("base", base).Msg("supported pids query failed")
			break
		}
		if sig.Pids == nil {
			e.log.Warn().Uint8("mode", mode).Int("base", base).Str("signal", sig.Name).Msg("reply is not a bitmask")
			break
		}
		for _, p := range sig.Pids.Supported() {
			seen[p] = struct{}{}
		}
		if !sig.Pids.HasNext() {
			break
		}
		base += 32
	}

	out := make([]uint8, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	e.log.Info().Uint8("mode", mode).Int("count", len(out)).Msg("discovered supported pids")
	return out, nil
}

// Discover runs DiscoverSupportedPids for every configured mode and keeps
// the PIDs the catalog can decode as the poll set.
func (e *Engine) Discover(ctx context.Context) ([]obd.Key, error) {
	var keys []obd.Key
	for _, mode := range e.modes {
		pids, err := e.DiscoverSupportedPids(ctx, mode)
		if err != nil {
			return nil, err
		}
		for _, p := range pids {
			def, ok := e.catalog.Lookup(mode, p)
			if !ok {
				e.log.Debug().Uint8("mode", mode).Uint8("pid", p).Msg("supported pid not in catalog, skipping")
				continue
			}
			if def.IsBitmask() {
				continue
			}
			keys = append(keys, obd.Key{Mode: mode, PID: p})
		}
	}
	e.mu.Lock()
	e.supported = keys
	e.mu.Unlock()
	return keys, nil
}

// Supported returns the current poll set.
func (e *Engine) Supported() []obd.Key {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]obd.Key(nil), e.supported...)
}

// PollOnce queries every PID in the poll set once. A failed query is logged
// and left out of the snapshot.
func (e *Engine) PollOnce(ctx context.Context) Snapshot {
	e.cycle.Lock()
	defer e.cycle.Unlock()

	snap := Snapshot{Time: time.Now()}
	for _, k := range e.Supported() {
		if ctx.Err() != nil {
			break
		}
		sig, err := e.backend.Query(ctx, k.Mode, k.PID)
		if err != nil {
			e.log.Warn().Err(err).Str("pid", k.String()).Msg("query failed")
			continue
		}
		snap.Signals = append(snap.Signals, sig)
		e.log.Debug().Str("pid", k.String()).Str("value", sig.Text()).Str("unit", sig.Unit).Msg(sig.Name)
	}

	e.mu.Lock()
	for _, s := range snap.Signals {
		e.latest[s.Key()] = s
	}
	e.mu.Unlock()
	return snap
}

// Latest returns the most recent value of every signal polled so far.
func (e *Engine) Latest() []obd.Signal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]obd.Signal, 0, len(e.latest))
	for _, s := range e.latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Mode != out[j].Mode {
			return out[i].Mode < out[j].Mode
		}
		return out[i].PID < out[j].PID
	})
	return out
}

// Run polls the discovered PIDs every interval until Stop is called or ctx
// is done. The interval is measured from the start of each cycle; a cycle
// that overruns it is followed immediately by the next. Discovery must have
// found at least one PID. A vehicle that stops answering only skips cycles,
// but a backend whose link dropped ends Run with ErrBackendLost.
func (e *Engine) Run(ctx context.Context) error {
	if len(e.Supported()) == 0 {
		return fmt.Errorf("%w: scan: no supported pids discovered", obd.ErrNotConnected)
	}
	e.log.Info().Dur("interval", e.interval).Int("pids", len(e.Supported())).Msg("polling")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-e.stop:
			e.log.Info().Msg("stopped")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		start := time.Now()
		if err := e.linkErr(); err != nil {
			return err
		}
		if !e.backend.IsConnected(ctx) {
			e.log.Warn().Msg("vehicle not connected, skipping cycle")
		} else {
			e.publish(e.PollOnce(ctx))
		}
		if err := e.linkErr(); err != nil {
			return err
		}

		wait := e.interval - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

func (e *Engine) linkErr() error {
	lc, ok := e.backend.(LinkChecker)
	if !ok {
		return nil
	}
	if err := lc.LinkErr(); err != nil {
		e.log.Warn().Err(err).Msg("backend link lost")
		return fmt.Errorf("%w: %w", ErrBackendLost, err)
	}
	return nil
}

func (e *Engine) publish(s Snapshot) {
	e.mu.RLock()
	sinks := append([]Sink(nil), e.sinks...)
	e.mu.RUnlock()
	for _, sink := range sinks {
		sink.Publish(s)
	}
}

// Stop ends Run after the current cycle. It is safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}
