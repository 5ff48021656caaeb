// Package recorder writes scan snapshots to disk as CSV, a CBOR sequence or
// a bbolt database.
package recorder

import (
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/shaunagostinho/obdsim/internal/obd"
	"github.com/shaunagostinho/obdsim/internal/scan"
)

// Output formats.
const (
	FormatCSV  = "csv"
	FormatCBOR = "cbor"
	FormatBolt = "bolt"
)

// Rotate after this many rows (CSV) or records (CBOR) unless configured.
const defaultMaxRows = 100_000

// DBFile is the bbolt file name inside the recorder directory.
const DBFile = "obdsim.db"

// Config holds recorder configuration.
type Config struct {
	Enabled bool
	Path    string
	Format  string
	MaxRows int
}

var csvHeader = []string{"timestamp", "mode", "pid", "name", "value", "unit", "raw"}

// Record is one snapshot as stored in CBOR and bbolt output.
type Record struct {
	Session string         `cbor:"session"`
	Time    time.Time      `cbor:"time"`
	Signals []SignalRecord `cbor:"signals"`
}

type SignalRecord struct {
	Mode  uint8   `cbor:"mode"`
	PID   uint8   `cbor:"pid"`
	Name  string  `cbor:"name"`
	Value float64 `cbor:"value,omitempty"`
	Unit  string  `cbor:"unit,omitempty"`
	Text  string  `cbor:"text"`
	Raw   []byte  `cbor:"raw"`
}

// Recorder is a scan.Sink. Every run gets a fresh session ID which names
// the output files and the bbolt bucket.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	format  string
	maxRows int
	enabled bool
	session uuid.UUID
	log     zerolog.Logger
	encMode cbor.EncMode

	file *os.File
	csv  *csv.Writer
	enc  *cbor.Encoder
	db   *bolt.DB
	rows int
	seq  int
}

var _ scan.Sink = (*Recorder)(nil)

// New creates a Recorder. Files are opened on the first snapshot.
func New(cfg Config, log zerolog.Logger) (*Recorder, error) {
	if cfg.Path == "" {
		cfg.Path = "/var/log/obdsim"
	}
	if cfg.Format == "" {
		cfg.Format = FormatCSV
	}
	switch cfg.Format {
	case FormatCSV, FormatCBOR, FormatBolt:
	default:
		return nil, fmt.Errorf("recorder: unknown format %q", cfg.Format)
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("recorder: cbor: %w", err)
	}
	session := uuid.New()
	return &Recorder{
		dir:     cfg.Path,
		format:  cfg.Format,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
		session: session,
		log:     log.With().Str("component", "recorder").Str("session", session.String()).Logger(),
		encMode: em,
	}, nil
}

// Session identifies this recording run.
func (r *Recorder) Session() uuid.UUID { return r.session }

// SetEnabled allows toggling recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeOutput()
	}
}

func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Publish records one snapshot. Write failures are logged; the scan goes on.
func (r *Recorder) Publish(snap scan.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled || len(snap.Signals) == 0 {
		return
	}

	var err error
	switch r.format {
	case FormatCSV:
		err = r.writeCSV(snap)
	case FormatCBOR:
		err = r.writeCBOR(snap)
	case FormatBolt:
		err = r.writeBolt(snap)
	}
	if err != nil {
		r.log.Error().Err(err).Msg("record failed")
	}
}

// Close flushes and closes the current output.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeOutput()
}

func (r *Recorder) writeCSV(snap scan.Snapshot) error {
	if r.csv == nil || r.rows >= r.maxRows {
		if err := r.rotateFile(snap.Time); err != nil {
			return err
		}
	}
	ts := snap.Time.Format(time.RFC3339Nano)
	for _, s := range snap.Signals {
		row := []string{
			ts,
			fmt.Sprintf("%02X", s.Mode),
			fmt.Sprintf("%02X", s.PID),
			s.Name,
			s.Text(),
			s.Unit,
			fmt.Sprintf("%X", s.Raw),
		}
		if err := r.csv.Write(row); err != nil {
			return fmt.Errorf("recorder: write: %w", err)
		}
		r.rows++
	}
	r.csv.Flush()
	return r.csv.Error()
}

func (r *Recorder) writeCBOR(snap scan.Snapshot) error {
	if r.enc == nil || r.rows >= r.maxRows {
		if err := r.rotateFile(snap.Time); err != nil {
			return err
		}
	}
	if err := r.enc.Encode(r.record(snap)); err != nil {
		return fmt.Errorf("recorder: encode: %w", err)
	}
	r.rows++
	return nil
}

func (r *Recorder) writeBolt(snap scan.Snapshot) error {
	if r.db == nil {
		if err := os.MkdirAll(r.dir, 0o755); err != nil {
			return fmt.Errorf("recorder: mkdir %s: %w", r.dir, err)
		}
		path := filepath.Join(r.dir, DBFile)
		db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return fmt.Errorf("recorder: open %s: %w", path, err)
		}
		r.db = db
		r.log.Info().Str("path", path).Msg("opened")
	}
	value, err := r.encMode.Marshal(r.record(snap))
	if err != nil {
		return fmt.Errorf("recorder: encode: %w", err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(r.session))
		if err != nil {
			return err
		}
		return b.Put(timeKey(snap.Time), value)
	})
}

func (r *Recorder) record(snap scan.Snapshot) Record {
	rec := Record{
		Session: r.session.String(),
		Time:    snap.Time,
		Signals: make([]SignalRecord, 0, len(snap.Signals)),
	}
	for _, s := range snap.Signals {
		rec.Signals = append(rec.Signals, signalRecord(s))
	}
	return rec
}

func signalRecord(s obd.Signal) SignalRecord {
	return SignalRecord{
		Mode:  s.Mode,
		PID:   s.PID,
		Name:  s.Name,
		Value: s.Value,
		Unit:  s.Unit,
		Text:  s.Text(),
		Raw:   s.Raw,
	}
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeOutput()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("recorder: mkdir %s: %w", r.dir, err)
	}
	name := fmt.Sprintf("obd_%s_%s_%03d.%s", now.Format("2006-01-02_150405"), r.session.String()[:8], r.seq, r.format)
	r.seq++
	path := filepath.Join(r.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recorder: create %s: %w", path, err)
	}
	r.file = f
	r.rows = 0

	switch r.format {
	case FormatCSV:
		r.csv = csv.NewWriter(f)
		if err := r.csv.Write(csvHeader); err != nil {
			return err
		}
		r.csv.Flush()
	case FormatCBOR:
		r.enc = r.encMode.NewEncoder(f)
	}

	r.log.Info().Str("path", path).Msg("opened")
	return nil
}

func (r *Recorder) closeOutput() error {
	var errs []error
	if r.csv != nil {
		r.csv.Flush()
		errs = append(errs, r.csv.Error())
		r.csv = nil
	}
	r.enc = nil
	if r.file != nil {
		errs = append(errs, r.file.Close())
		r.file = nil
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
		r.db = nil
	}
	return errors.Join(errs...)
}

func bucketName(session uuid.UUID) []byte {
	return []byte("session-" + session.String())
}

// timeKey sorts chronologically under bbolt's byte ordering.
func timeKey(t time.Time) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(t.UnixNano()))
	return k[:]
}

// ReadCBOR decodes a CBOR sequence written by the recorder.
func ReadCBOR(rd io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(rd)
	var out []Record
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("recorder: decode record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}

// Sessions lists the recording sessions in a bbolt file.
func Sessions(path string) ([]uuid.UUID, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	defer db.Close()

	var out []uuid.UUID
	err = db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			id, err := uuid.Parse(strings.TrimPrefix(string(name), "session-"))
			if err != nil {
				return fmt.Errorf("bucket %q: %w", name, err)
			}
			out = append(out, id)
			return nil
		})
	})
	return out, err
}

// ReadBolt returns the records of one session in time order.
func ReadBolt(path string, session uuid.UUID) ([]Record, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	defer db.Close()

	var out []Record
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(session))
		if b == nil {
			return fmt.Errorf("recorder: no session %s", session)
		}
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("recorder: record %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Rows returns the number of rows (CSV) or records (CBOR) in the current
// file.
func (r *Recorder) Rows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows
}
