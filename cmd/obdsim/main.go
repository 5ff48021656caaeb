package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdsim/internal/ble"
	"github.com/shaunagostinho/obdsim/internal/bridge"
	"github.com/shaunagostinho/obdsim/internal/btc"
	"github.com/shaunagostinho/obdsim/internal/candump"
	"github.com/shaunagostinho/obdsim/internal/canbus"
	"github.com/shaunagostinho/obdsim/internal/config"
	"github.com/shaunagostinho/obdsim/internal/elm"
	"github.com/shaunagostinho/obdsim/internal/obd"
	"github.com/shaunagostinho/obdsim/internal/recorder"
	"github.com/shaunagostinho/obdsim/internal/scan"
	"github.com/shaunagostinho/obdsim/internal/server"
	"github.com/shaunagostinho/obdsim/internal/vehicle"
	"github.com/shaunagostinho/obdsim/web"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to config file")
	mode := flag.String("mode", "scan", "scan, simulate, bridge, candump or ports")
	demo := flag.Bool("demo", false, "scan mode: poll an in-process simulated vehicle")
	listenAddr := flag.String("listen", "", "Enable the live monitor on this address (e.g. :8080)")
	dumpFile := flag.String("file", "", "candump mode: log written by candump -l")
	flag.Parse()

	boot := newLogger("info", "console")
	cfg, err := config.LoadConfig(*configPath, boot)
	if err != nil {
		boot.Fatal().Err(err).Msg("config")
	}
	if *listenAddr != "" {
		cfg.Server.Enabled = true
		cfg.Server.ListenAddr = *listenAddr
	}
	if err := cfg.Validate(); err != nil {
		boot.Fatal().Err(err).Msg("config")
	}
	log := newLogger(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("mode", *mode).Msg("obdsim starting")

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	switch *mode {
	case "scan":
		err = runScan(ctx, cfg, *demo, log)
	case "simulate":
		err = runSimulate(ctx, cfg, log)
	case "bridge":
		err = runBridge(ctx, cfg, log)
	case "candump":
		err = runCandump(cfg, *dumpFile, log)
	case "ports":
		err = listPorts()
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("exited")
		os.Exit(1)
	}
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
	}
	return logger.Level(lvl).With().Timestamp().Logger()
}

// codecFor builds the catalog, codec and CAN schema shared by every mode.
func codecFor(cfg *config.Config) (*obd.Catalog, *obd.Codec, *obd.Schema, error) {
	catalog := obd.DefaultCatalog()
	schema, err := obd.LoadSchema(cfg.Can.Schema, catalog)
	if err != nil {
		return nil, nil, nil, err
	}
	schema.Rename(cfg.Can.Request, cfg.Can.Response)
	return catalog, obd.NewCodec(catalog), schema, nil
}

func runScan(ctx context.Context, cfg *config.Config, demo bool, log zerolog.Logger) error {
	catalog, codec, schema, err := codecFor(cfg)
	if err != nil {
		return err
	}

	var backend scan.Backend
	switch {
	case demo:
		vbus := canbus.NewVirtualBus()
		sim, err := vehicle.New(vbus.Attach(), schema, codec, vehicle.Config{Vin: cfg.Vehicle.Vin, Drive: true}, log)
		if err != nil {
			return err
		}
		go sim.Drive(ctx)
		go sim.Listen(ctx)
		backend = scan.NewCanBackend(vbus.Attach(), schema, codec, scan.CanConfig{Timeout: cfg.Scan.Timeout}, log)
	case cfg.Scan.Backend == "can":
		bus, err := canbus.OpenSocket(cfg.Can.Interface, log)
		if err != nil {
			return err
		}
		backend = scan.NewCanBackend(bus, schema, codec, scan.CanConfig{Timeout: cfg.Scan.Timeout}, log)
	default:
		var transport elm.Transport
		if cfg.Elm.Transport == "bluetooth" {
			transport = elm.NewBluetoothTransport(elm.BluetoothConfig{
				Address: cfg.Elm.BluetoothAddress,
				Channel: cfg.Elm.BluetoothChannel,
			})
		} else {
			transport = elm.NewSerialTransport(elm.SerialConfig{
				PortPath: cfg.Elm.PortPath,
				BaudRate: cfg.Elm.BaudRate,
			}, log)
		}
		session := elm.NewSession(transport, elm.Config{
			Timeout:     cfg.Scan.Timeout,
			MaxTimeouts: cfg.Elm.MaxTimeouts,
		}, log)
		backend = scan.NewElmBackend(session, codec, elm.InitOptions{
			MaxAttempts:  cfg.Elm.MaxAttempts,
			Protocol:     elm.Protocol(cfg.Elm.Protocol),
			AutoProtocol: cfg.Elm.AutoProtocol,
		}, cfg.Scan.AdapterName)
	}
	defer backend.Close()

	modes := make([]uint8, len(cfg.Scan.Modes))
	for i, m := range cfg.Scan.Modes {
		modes[i] = uint8(m)
	}
	engine, err := scan.New(backend, catalog, scan.Config{Interval: cfg.Scan.Interval, Modes: modes}, log)
	if err != nil {
		return err
	}

	rec, err := recorder.New(recorder.Config{
		Enabled: cfg.Recorder.Enabled,
		Path:    cfg.Recorder.Path,
		Format:  cfg.Recorder.Format,
		MaxRows: cfg.Recorder.MaxRows,
	}, log)
	if err != nil {
		return err
	}
	defer rec.Close()
	engine.AddSink(rec)

	scanLog := log.With().Str("component", "scan").Logger()
	engine.AddSink(scan.SinkFunc(func(s scan.Snapshot) {
		parts := make([]string, len(s.Signals))
		for i, sig := range s.Signals {
			parts[i] = sig.String()
		}
		scanLog.Info().Msg(strings.Join(parts, "  "))
	}))

	if cfg.Server.Enabled {
		srv := server.New(cfg, engine, rec, web.FS, log)
		engine.AddSink(srv)
		go func() {
			if err := srv.Run(ctx, cfg.Server.ListenAddr); err != nil {
				log.Error().Err(err).Msg("monitor exited")
			}
		}()
	}

	name := backend.Name()
	for {
		if err := connectWithRetry(ctx, log, name, backend.Connect, 10); err != nil {
			return err
		}
		keys, err := engine.Discover(ctx)
		if err == nil && len(keys) > 0 {
			err = engine.Run(ctx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Link dropped, or nothing discovered yet (ignition off): connect
		// and initialize again.
		if errors.Is(err, scan.ErrBackendLost) {
			log.Warn().Err(err).Str("backend", name).Msg("backend lost, reconnecting")
		} else {
			log.Warn().Err(err).Str("backend", name).Msg("no supported pids, retrying")
		}
		if err := sleepCtx(ctx, retryBase); err != nil {
			return err
		}
	}
}

func runSimulate(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	_, codec, schema, err := codecFor(cfg)
	if err != nil {
		return err
	}
	bus, err := canbus.OpenSocket(cfg.Vehicle.Bus, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	sim, err := vehicle.New(bus, schema, codec, vehicle.Config{Vin: cfg.Vehicle.Vin, Drive: cfg.Vehicle.Drive}, log)
	if err != nil {
		return err
	}
	if cfg.Vehicle.Drive {
		go sim.Drive(ctx)
	}
	log.Info().Str("bus", cfg.Vehicle.Bus).Str("vin", sim.Vin()).Msg("simulating vehicle")
	return sim.Listen(ctx)
}

func newWireless(cfg *config.Config, log zerolog.Logger) (bridge.Wireless, error) {
	if cfg.Bridge.Transport == "rfcomm" {
		return btc.NewLink(cfg.Bridge.RFCOMMAddress, cfg.Bridge.RFCOMMChannel), nil
	}
	return ble.NewUART(ble.Config{
		Address:    cfg.Bridge.BLEAddress,
		Service:    cfg.Bridge.BLEService,
		WriteChar:  cfg.Bridge.BLEWrite,
		NotifyChar: cfg.Bridge.BLENotify,
	}, log)
}

// runBridge keeps a bridge up, building a fresh one after every disconnect.
func runBridge(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	for {
		w, err := newWireless(cfg, log)
		if err != nil {
			return err
		}
		b := bridge.New(w, bridge.Options{
			SerialPath: cfg.Bridge.SerialPath,
			OnDisconnect: func(addr string) {
				log.Warn().Str("device", addr).Msg("wireless link lost")
			},
		}, log)
		if err := connectWithRetry(ctx, log, "bridge "+w.Address(), b.Start, 10); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			b.Stop()
			return ctx.Err()
		case <-b.Done():
		}
		if err := sleepCtx(ctx, retryBase); err != nil {
			return err
		}
	}
}

// runCandump prints the decoded frames of a candump log.
func runCandump(cfg *config.Config, path string, log zerolog.Logger) error {
	if path == "" {
		return errors.New("candump mode needs -file")
	}
	_, codec, schema, err := codecFor(cfg)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := candump.NewDecoder(schema, codec, log).DecodeLog(f, os.Stdout)
	if err != nil {
		return err
	}
	log.Info().Str("file", path).Int("frames", n).Msg("log decoded")
	return nil
}

func listPorts() error {
	ports, err := elm.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
		return nil
	}
	for _, p := range ports {
		if p.USB {
			fmt.Printf("%s\tUSB %s:%s %s\n", p.Name, p.VID, p.PID, p.Product)
		} else {
			fmt.Println(p.Name)
		}
	}
	return nil
}

var (
	retryBase = 1 * time.Second
	retryMax  = 60 * time.Second
)

// connectWithRetry attempts to connect with exponential backoff.
// Starts at retryBase, doubles each attempt up to retryMax, logs every
// attempt up to maxAttempts then continues quietly at the max interval.
func connectWithRetry(ctx context.Context, log zerolog.Logger, name string, connect func(context.Context) error, maxAttempts int) error {
	delay := retryBase
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := connect(ctx)
		if err == nil {
			log.Info().Str("target", name).Int("attempt", attempt+1).Msg("connected")
			return nil
		}
		attempt++
		ev := log.Warn()
		if attempt > maxAttempts {
			ev = log.Debug()
		}
		ev.Err(err).Str("target", name).Int("attempt", attempt).Dur("retry_in", delay).Msg("connect failed")

		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > retryMax {
			delay = retryMax
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
