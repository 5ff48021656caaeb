// Package elm drives an ELM327 OBD2 adapter over a byte stream transport.
package elm

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdsim/internal/obd"
)

const (
	prompt     = ">"
	terminator = "\r"

	// ELM replies of interest.
	replyOK              = "OK"
	replyNoData          = "NO DATA"
	replySearching       = "SEARCHING..."
	replyUnableToConnect = "UNABLE TO CONNECT"

	defaultTimeout     = 1 * time.Second
	defaultProbeWait   = 10 * time.Second
	defaultMaxTimeouts = 3
	defaultMaxAttempts = 3
	defaultResetDelay  = 1 * time.Second

	// idlePoll is how long to wait after a read that returned nothing.
	idlePoll = 10 * time.Millisecond

	// minVehicleVoltage separates "adapter plugged into a car" from
	// "adapter powered on the bench".
	minVehicleVoltage = 6.0
)

var (
	ErrConnectionFailed = fmt.Errorf("%w: elm: connection failed", obd.ErrTransport)
	ErrPairingRequired  = fmt.Errorf("%w: elm: pairing required", obd.ErrPairing)
	ErrNoResponse       = fmt.Errorf("%w: elm: no response to reset", obd.ErrTimeout)
	ErrSessionLost      = fmt.Errorf("%w: elm: too many timeouts, session dropped", obd.ErrTimeout)
	ErrNotReady         = fmt.Errorf("%w: elm: session not initialized", obd.ErrNotConnected)
	ErrInvalidQuery     = fmt.Errorf("%w: elm: invalid query", obd.ErrInvalidPid)
)

// Config holds the timing parameters of a session.
type Config struct {
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`           // per command
	ProbeWait   time.Duration `yaml:"probe_wait" json:"probeWait"`      // 0100 vehicle probe
	MaxTimeouts int           `yaml:"max_timeouts" json:"maxTimeouts"`  // before the session is dropped
	ResetDelay  time.Duration `yaml:"reset_delay" json:"resetDelay"`    // between ATZ attempts
}

// InitOptions controls Initialize.
type InitOptions struct {
	MaxAttempts int
	// Protocol to select; ProtocolAuto lets the adapter search.
	Protocol Protocol
	// AutoProtocol allows the adapter to fall back to a search when
	// Protocol fails. Ignored for ProtocolAuto.
	AutoProtocol bool
}

// DefaultInitOptions searches all protocols with three reset attempts.
func DefaultInitOptions() InitOptions {
	return InitOptions{MaxAttempts: defaultMaxAttempts, Protocol: ProtocolAuto, AutoProtocol: true}
}

// Outcome classifies the reply to an OBD query.
type Outcome int

const (
	OutcomeValue Outcome = iota
	OutcomeNoData
	OutcomeNotConnected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeValue:
		return "value"
	case OutcomeNoData:
		return "no data"
	case OutcomeNotConnected:
		return "not connected"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Reply is the result of QueryPID. Data holds the value bytes with the
// service and PID header removed and is only set for OutcomeValue.
type Reply struct {
	Outcome Outcome
	Data    []byte
}

// Errors matching the non-value outcomes, for callers that want one.
var (
	ErrNoData              = fmt.Errorf("%w: elm: no data", obd.ErrTimeout)
	ErrVehicleDisconnected = fmt.Errorf("%w: elm: unable to connect to vehicle", obd.ErrNotConnected)
)

// Err converts a non-value outcome into an error.
func (r Reply) Err() error {
	switch r.Outcome {
	case OutcomeNoData:
		return ErrNoData
	case OutcomeNotConnected:
		return ErrVehicleDisconnected
	}
	return nil
}

// Session is one ELM327 adapter. Commands are serialized: the session owns
// its transport and never has more than one command outstanding.
type Session struct {
	mu        sync.Mutex
	transport Transport
	cfg       Config
	log       zerolog.Logger

	state     State
	version   string
	confirmed bool
	protocol  Protocol
	timeouts  int
}

// NewSession wraps transport. Zero Config fields take defaults.
func NewSession(t Transport, cfg Config, log zerolog.Logger) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ProbeWait <= 0 {
		cfg.ProbeWait = defaultProbeWait
	}
	if cfg.MaxTimeouts <= 0 {
		cfg.MaxTimeouts = defaultMaxTimeouts
	}
	if cfg.ResetDelay <= 0 {
		cfg.ResetDelay = defaultResetDelay
	}
	return &Session{
		transport: t,
		cfg:       cfg,
		log:       log.With().Str("component", "elm").Str("transport", t.String()).Logger(),
	}
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Version returns the banner reported by ATZ, e.g. "ELM327 v1.5".
func (s *Session) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Connect opens the transport.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateDisconnected {
		return nil
	}
	s.state = StateConnecting
	if err := s.transport.Open(ctx); err != nil {
		s.state = StateDisconnected
		if errors.Is(err, obd.ErrPairing) {
			return fmt.Errorf("%w: %v", ErrPairingRequired, err)
		}
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	s.log.Info().Msg("transport open")
	return nil
}

// Close drops the session and closes the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return nil
	}
	s.reset()
	return s.transport.Close()
}

func (s *Session) reset() {
	s.state = StateDisconnected
	s.confirmed = false
	s.protocol = ProtocolAuto
	s.timeouts = 0
}

// handleDisconnect is called with mu held once the timeout budget is spent.
func (s *Session) handleDisconnect() {
	s.log.Warn().Int("timeouts", s.timeouts).Msg("adapter unresponsive, dropping session")
	s.reset()
	if err := s.transport.Close(); err != nil {
		s.log.Debug().Err(err).Msg("close after disconnect")
	}
}

// Initialize resets the adapter and applies the session settings.
func (s *Session) Initialize(ctx context.Context, opts InitOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisconnected {
		return ErrNotReady
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if !opts.Protocol.Valid() {
		return fmt.Errorf("elm: invalid protocol %d", int(opts.Protocol))
	}
	s.state = StateInitializing
	s.log.Info().Msg("initializing adapter")

	var reset []string
	for attempt := 1; ; attempt++ {
		lines, ok, err := s.transact(ctx, "ATZ", s.cfg.Timeout)
		if ok {
			reset = lines
			break
		}
		if err != nil && !errors.Is(err, obd.ErrTimeout) || errors.Is(err, ErrSessionLost) {
			return err
		}
		if attempt >= opts.MaxAttempts {
			s.state = StateConnecting
			return fmt.Errorf("%w after %d attempts", ErrNoResponse, attempt)
		}
		s.log.Warn().Int("attempt", attempt).Msg("invalid response to reset, retrying")
		if err := sleep(ctx, s.cfg.ResetDelay); err != nil {
			return err
		}
	}
	for _, l := range reset {
		if strings.HasPrefix(l, "ELM") {
			s.version = l
			break
		}
	}

	settings := []struct{ tag, cmd string }{
		{"echo_off", "ATE0"},
		{"headers_off", "ATH0"},
		{"linefeed_off", "ATL0"},
		{"adaptive_timing", "ATAT1"},
		{"protocol", protocolCommand(opts)},
	}
	for _, st := range settings {
		lines, _, err := s.transact(ctx, st.cmd, s.cfg.Timeout)
		if errors.Is(err, ErrSessionLost) || err != nil && !errors.Is(err, obd.ErrTimeout) {
			return err
		}
		if !contains(lines, replyOK) {
			s.log.Warn().Str("setting", st.tag).Str("cmd", st.cmd).Strs("reply", lines).Msg("unexpected response")
		}
	}
	if opts.Protocol != ProtocolAuto {
		s.log.Info().Str("protocol", opts.Protocol.String()).Bool("fallback", opts.AutoProtocol).Msg("protocol selected")
	}

	s.state = StateReady
	s.confirmed = false
	s.log.Info().Str("version", s.version).Msg("adapter initialized")
	return nil
}

func protocolCommand(opts InitOptions) string {
	if opts.Protocol == ProtocolAuto || !opts.AutoProtocol {
		return "ATSP" + opts.Protocol.Code()
	}
	return "ATSPA" + opts.Protocol.Code()
}

// GetResponse sends one command and returns the reply lines with the echo
// and prompt removed. When no prompt arrives within timeout the partial
// lines are returned together with an obd.ErrTimeout error.
func (s *Session) GetResponse(ctx context.Context, cmd string, timeout time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines, _, err := s.transact(ctx, cmd, timeout)
	return lines, err
}

// transact runs one command with mu held. ok reports whether the prompt was
// seen.
func (s *Session) transact(ctx context.Context, cmd string, timeout time.Duration) (lines []string, ok bool, err error) {
	if s.state == StateDisconnected {
		return nil, false, ErrNotReady
	}
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	if !strings.HasPrefix(cmd, "AT") {
		s.log.Debug().Str("cmd", cmd).Msg("obd request")
	}

	if err := s.transport.Flush(); err != nil {
		return nil, false, fmt.Errorf("%w: elm: flush: %v", obd.ErrTransport, err)
	}
	if _, err := s.transport.Write([]byte(cmd + terminator)); err != nil {
		return nil, false, fmt.Errorf("%w: elm: write %s: %v", obd.ErrTransport, cmd, err)
	}

	start := time.Now()
	deadline := start.Add(timeout)
	var buf bytes.Buffer
	chunk := make([]byte, 1024)
	for !bytes.HasSuffix(bytes.TrimRight(buf.Bytes(), "\x00"), []byte(prompt)) {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		if !time.Now().Before(deadline) {
			break
		}
		n, err := s.transport.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			return nil, false, fmt.Errorf("%w: elm: read %s: %v", obd.ErrTransport, cmd, err)
		}
		if n == 0 {
			time.Sleep(idlePoll)
		}
	}

	lines, ok = splitReply(buf.String(), cmd)
	if ok {
		s.timeouts = 0
		s.log.Trace().Str("cmd", cmd).Dur("rtt", time.Since(start)).Strs("reply", lines).Msg("response")
		return lines, true, nil
	}

	s.timeouts++
	s.log.Warn().Str("cmd", cmd).Int("timeouts", s.timeouts).Msg("no prompt received")
	if s.timeouts > s.cfg.MaxTimeouts {
		s.handleDisconnect()
		return lines, false, ErrSessionLost
	}
	return lines, false, fmt.Errorf("%w: elm: %s: no prompt within %v", obd.ErrTimeout, cmd, timeout)
}

// splitReply turns raw adapter output into trimmed non-empty lines, removing
// a leading echo of cmd and the trailing prompt.
func splitReply(raw, cmd string) ([]string, bool) {
	raw = strings.TrimRight(raw, "\x00")
	var lines []string
	for _, l := range strings.Split(raw, terminator) {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > 0 && lines[0] == cmd {
		lines = lines[1:]
	}
	ok := false
	if n := len(lines); n > 0 {
		last := lines[n-1]
		switch {
		case last == prompt:
			lines = lines[:n-1]
			ok = true
		case strings.HasSuffix(last, prompt):
			lines[n-1] = strings.TrimSpace(strings.TrimSuffix(last, prompt))
			ok = true
		}
	}
	return lines, ok
}

// Status derives how far the chain adapter -> OBD port -> vehicle is up.
// Vehicle presence is probed with 0100 until a protocol is confirmed, since
// the ignition can change between queries.
func (s *Session) Status(ctx context.Context) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status(ctx)
}

func (s *Session) status(ctx context.Context) Status {
	if s.state != StateReady {
		return NotConnected
	}
	if s.confirmed {
		return CarConnected
	}

	s.log.Info().Msg("detecting vehicle protocol")
	lines, ok, err := s.transact(ctx, "0100", s.cfg.ProbeWait)
	if ok && vehicleAnswered(lines) {
		p, err := s.detectProtocol(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("protocol detection failed")
		}
		s.protocol = p
		s.confirmed = true
		s.log.Info().Str("protocol", p.String()).Msg("vehicle connected")
		return CarConnected
	}
	if errors.Is(err, ErrSessionLost) || s.state != StateReady {
		return NotConnected
	}

	if v, err := s.voltage(ctx); err == nil && v > minVehicleVoltage {
		return ObdConnected
	}
	if s.state == StateReady {
		return ElmConnected
	}
	return NotConnected
}

// vehicleAnswered reports whether a 0100 reply carries a positive response.
func vehicleAnswered(lines []string) bool {
	for _, l := range lines {
		if l == replySearching {
			continue
		}
		b, err := hex.DecodeString(strings.ReplaceAll(l, " ", ""))
		if err == nil && len(b) >= 2 && b[0] == obd.ModeCurrentData|0x40 && b[1] == 0x00 {
			return true
		}
	}
	return false
}

// Voltage reads the supply voltage at the OBD port (ATRV).
func (s *Session) Voltage(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voltage(ctx)
}

func (s *Session) voltage(ctx context.Context) (float64, error) {
	lines, _, err := s.transact(ctx, "ATRV", s.cfg.Timeout)
	if err != nil {
		return 0, err
	}
	if len(lines) == 0 {
		return 0, fmt.Errorf("%w: elm: empty ATRV reply", obd.ErrProtocol)
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(strings.ToUpper(lines[0]), "V"), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: elm: unexpected ATRV reply %q", obd.ErrProtocol, lines[0])
	}
	return v, nil
}

// Protocol returns the confirmed protocol, or asks the adapter (ATDPN).
func (s *Session) Protocol(ctx context.Context) (Protocol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.confirmed {
		return s.protocol, nil
	}
	return s.detectProtocol(ctx)
}

func (s *Session) detectProtocol(ctx context.Context) (Protocol, error) {
	lines, _, err := s.transact(ctx, "ATDPN", s.cfg.Timeout)
	if err != nil {
		return ProtocolAuto, err
	}
	if len(lines) == 0 {
		return ProtocolAuto, fmt.Errorf("%w: elm: empty ATDPN reply", obd.ErrProtocol)
	}
	// "A6" means protocol 6 found by automatic search.
	code := strings.TrimPrefix(strings.ToUpper(lines[0]), "A")
	n, err := strconv.ParseInt(code, 16, 8)
	if err != nil || !Protocol(n).Valid() {
		return ProtocolAuto, fmt.Errorf("%w: elm: unexpected ATDPN reply %q", obd.ErrProtocol, lines[0])
	}
	return Protocol(n), nil
}

// QueryPID requests one PID. The vehicle must be connected (CarConnected);
// "NO DATA" and "UNABLE TO CONNECT" are reported as outcomes, not errors.
func (s *Session) QueryPID(ctx context.Context, pid, mode int) (Reply, error) {
	if mode < 0 || mode > 1 {
		return Reply{}, fmt.Errorf("%w: unsupported mode %d", ErrInvalidQuery, mode)
	}
	if pid < 0 || pid > 0xFF {
		return Reply{}, fmt.Errorf("%w: pid %d out of range", ErrInvalidQuery, pid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.status(ctx); st != CarConnected {
		return Reply{}, fmt.Errorf("%w: elm: vehicle %s", obd.ErrNotConnected, st)
	}

	cmd := fmt.Sprintf("%02X%02X", mode, pid)
	lines, _, err := s.transact(ctx, cmd, s.cfg.Timeout)
	if err != nil {
		return Reply{}, err
	}
	if contains(lines, replyNoData) {
		return Reply{Outcome: OutcomeNoData}, nil
	}
	lines = remove(lines, replySearching)
	if contains(lines, replyUnableToConnect) {
		s.log.Warn().Str("cmd", cmd).Msg("unable to connect to vehicle")
		s.confirmed = false
		return Reply{Outcome: OutcomeNotConnected}, nil
	}
	if len(lines) == 0 {
		return Reply{}, fmt.Errorf("%w: elm: empty reply to %s", obd.ErrProtocol, cmd)
	}

	data, err := hex.DecodeString(strings.ReplaceAll(lines[0], " ", ""))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: elm: reply to %s is not hex: %q", obd.ErrProtocol, cmd, lines[0])
	}
	if len(data) < 2 || data[0] != byte(mode)|0x40 || data[1] != byte(pid) {
		return Reply{}, fmt.Errorf("%w: elm: reply % X to %s", obd.ErrModeMismatch, data, cmd)
	}
	return Reply{Outcome: OutcomeValue, Data: data[2:]}, nil
}

func contains(lines []string, sub string) bool {
	for _, l := range lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func remove(lines []string, s string) []string {
	out := lines[:0:0]
	for _, l := range lines {
		if l != s {
			out = append(out, l)
		}
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
