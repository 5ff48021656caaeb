package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/shaunagostinho/obdsim/internal/obd"
)

// QueryBackend answers single PID queries. The ELM327 and CAN backends are
// the two implementations; the engine does not care which one it drives.
type QueryBackend interface {
	// Query requests (mode, pid) and decodes the answer.
	Query(ctx context.Context, mode, pid uint8) (obd.Signal, error)
	// IsConnected reports whether a vehicle is currently answering.
	IsConnected(ctx context.Context) bool
}

// Backend is a QueryBackend with a connection lifecycle.
type Backend interface {
	QueryBackend
	Name() string
	Connect(ctx context.Context) error
	Close() error
}

// LinkChecker is implemented by backends whose link can drop on its own,
// such as an ELM327 session that gave up after repeated timeouts. LinkErr
// returns nil while the link is usable.
type LinkChecker interface {
	LinkErr() error
}

// ErrBackendLost is returned by Engine.Run when the backend link went down.
// The backend must be connected again before polling can resume.
var ErrBackendLost = fmt.Errorf("%w: scan: backend link lost", obd.ErrNotConnected)

// Snapshot is the result of one poll cycle. Signals whose query failed
// during the cycle are absent.
type Snapshot struct {
	Time    time.Time    `json:"time"`
	Signals []obd.Signal `json:"signals"`
}

// Sink receives every snapshot the engine produces.
type Sink interface {
	Publish(Snapshot)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Snapshot)

func (f SinkFunc) Publish(s Snapshot) { f(s) }
