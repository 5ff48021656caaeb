// Package candump decodes the OBD2 traffic in logs written by candump -l.
//
// Each line has the form
//
//	(1700000000.123456) can0 7E8#04410C1AF8000000
//
// A 3-digit identifier is an 11-bit frame, a longer one a 29-bit frame.
package candump

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/brutella/can"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdsim/internal/canbus"
	"github.com/shaunagostinho/obdsim/internal/obd"
)

var lineRe = regexp.MustCompile(`^\((\d+)\.(\d+)\)\s+(\S+)\s+([0-9A-Fa-f]{1,8})#([0-9A-Fa-f]*)$`)

// ErrMalformed reports a line that is not a candump frame.
var ErrMalformed = fmt.Errorf("%w: candump: malformed line", obd.ErrCodec)

// Line is one logged frame.
type Line struct {
	Time      time.Time
	Interface string
	Frame     can.Frame
}

// ParseLine parses one line of a candump log.
func ParseLine(s string) (Line, error) {
	m := lineRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Line{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	sec, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Line{}, fmt.Errorf("%w: timestamp %q", ErrMalformed, m[1])
	}
	// Fraction to nanoseconds: "123456" is 123456000ns.
	frac := m[2]
	if len(frac) > 9 {
		frac = frac[:9]
	}
	nsec, _ := strconv.ParseInt(frac+strings.Repeat("0", 9-len(frac)), 10, 64)

	id, err := strconv.ParseUint(m[4], 16, 32)
	if err != nil {
		return Line{}, fmt.Errorf("%w: id %q", ErrMalformed, m[4])
	}
	if len(m[5])%2 != 0 {
		return Line{}, fmt.Errorf("%w: odd payload %q", ErrMalformed, m[5])
	}
	payload, err := hex.DecodeString(m[5])
	if err != nil {
		return Line{}, fmt.Errorf("%w: payload %q", ErrMalformed, m[5])
	}
	if len(payload) > 8 {
		return Line{}, fmt.Errorf("%w: %d data bytes", ErrMalformed, len(payload))
	}

	var data [8]byte
	copy(data[:], payload)
	f := canbus.NewFrame(uint32(id), len(m[4]) > 3, data)
	f.Length = uint8(len(payload))
	return Line{Time: time.Unix(sec, nsec), Interface: m[3], Frame: f}, nil
}

// Record is the decoded form of one line. Frames on the schema's IDs carry
// the message name; a request carries its key and a response its signal.
// Err says why a frame could not be decoded.
type Record struct {
	Line
	Message string
	Request *obd.Key
	Signal  *obd.Signal
	Err     error
}

func (r Record) String() string {
	switch {
	case r.Request != nil:
		return fmt.Sprintf("%s %s", r.Message, r.Request)
	case r.Signal != nil:
		return fmt.Sprintf("%s %s", r.Message, r.Signal)
	}
	name := r.Message
	if name == "" {
		name = "Unknown"
	}
	return fmt.Sprintf("%s 0x%X data: 0x%x", name, canbus.FrameID(r.Frame), canbus.Payload(r.Frame))
}

// Decoder turns logged frames into records. It keeps multi-frame VIN
// responses together across lines, so one Decoder reads one log.
type Decoder struct {
	schema *obd.Schema
	codec  *obd.Codec
	vin    *obd.VinAssembler
	log    zerolog.Logger
}

// NewDecoder returns a decoder over schema and codec.
func NewDecoder(schema *obd.Schema, codec *obd.Codec, log zerolog.Logger) *Decoder {
	return &Decoder{
		schema: schema,
		codec:  codec,
		log:    log.With().Str("component", "candump").Logger(),
	}
}

// Decode decodes one frame.
func (d *Decoder) Decode(l Line) Record {
	r := Record{Line: l}
	id := canbus.FrameID(l.Frame)
	data := canbus.Payload(l.Frame)

	switch id {
	case d.schema.Request.FrameID:
		r.Message = d.schema.Request.Name
	case d.schema.Response.FrameID:
		r.Message = d.schema.Response.Name
		if len(data) > 0 && data[0]&0xF0 != 0 {
			return d.multiFrame(r, data)
		}
	default:
		r.Err = fmt.Errorf("%w: no message for frame id %X", obd.ErrCodec, id)
		return r
	}

	fields, err := d.schema.Decode(id, data)
	if err != nil {
		r.Err = err
		return r
	}
	mode := uint8(fields[obd.FieldService])
	pid := uint8(fields[obd.MuxField(mode)])
	if _, ok := fields[obd.FieldRequest]; ok {
		r.Request = &obd.Key{Mode: mode, PID: pid}
		return r
	}

	n := int(fields[obd.FieldLength])
	if n > len(data)-1 {
		n = len(data) - 1
	}
	sig, err := d.codec.DecodeResponse(mode, data[1:1+n])
	if err != nil {
		r.Err = err
		return r
	}
	sig.Timestamp = l.Time
	r.Signal = &sig
	return r
}

// multiFrame feeds ISO-TP first and consecutive frames to the VIN
// assembler. The record gets the signal on the last frame.
func (d *Decoder) multiFrame(r Record, data []byte) Record {
	if data[0]&0xF0 == 0x10 {
		d.vin = obd.NewVinAssembler(obd.VinFrameCount())
	} else if d.vin == nil {
		r.Err = fmt.Errorf("%w: consecutive frame %02X without a first frame", obd.ErrOutOfOrder, data[0])
		return r
	}
	vin, done, err := d.vin.PushFrame(data)
	if err != nil {
		d.vin = nil
		r.Err = err
		return r
	}
	if !done {
		return r
	}
	d.vin = nil
	sig, err := d.codec.VinSignal(vin)
	if err != nil {
		r.Err = err
		return r
	}
	sig.Timestamp = r.Time
	r.Signal = &sig
	return r
}

// DecodeLog reads a candump log from src and writes one line per frame to
// dst. Blank lines are ignored and malformed ones skipped with a warning.
// It returns the number of frames read.
func (d *Decoder) DecodeLog(src io.Reader, dst io.Writer) (int, error) {
	sc := bufio.NewScanner(src)
	count := 0
	lineNum := 0
	for sc.Scan() {
		lineNum++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		l, err := ParseLine(text)
		if err != nil {
			d.log.Warn().Err(err).Int("line", lineNum).Msg("skipping line")
			continue
		}
		count++
		r := d.Decode(l)
		if r.Err != nil {
			d.log.Debug().Err(r.Err).Int("line", lineNum).Msg("frame not decoded")
		}
		if _, err := fmt.Fprintf(dst, "Frame %d: %s\n", count, r); err != nil {
			return count, err
		}
	}
	if err := sc.Err(); err != nil {
		return count, fmt.Errorf("candump: read: %w", err)
	}
	return count, nil
}
