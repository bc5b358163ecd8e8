// Package profiler implements the dispatcher's optional per-operation
// profile trace (spec §6, §4.6.a): one line per completed operation
// naming the opcode, transaction id, elapsed time, and result code,
// written to PIOUS.DS.PROFILE.<uid>.<hostid> when enabled. It is a thin
// zerolog sub-logger at Debug level rather than a bespoke binary format,
// matching how pkg/log already carries every other diagnostic trail.
package profiler

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/pious-pds/pkg/transid"
	"github.com/cuemby/pious-pds/pkg/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Profiler implements dispatcher.Profiler, appending one debug-level
// line per completed operation to an open trace file.
type Profiler struct {
	log  zerolog.Logger
	file io.Closer
}

// FileName builds PIOUS.DS.PROFILE.<uid>.<hostid>, matching spec §6's
// optional per-process profile trace name. uid distinguishes concurrent
// runs against the same logdir; hostID is the value piousd takes from
// its --host-id flag.
func FileName(hostID uint64) string {
	return fmt.Sprintf("PIOUS.DS.PROFILE.%s.%d", uuid.NewString(), hostID)
}

// Open creates (or truncates) the trace file at path and returns a
// Profiler writing to it.
func Open(path string) (*Profiler, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	logger := zerolog.New(f).Level(zerolog.DebugLevel).With().Timestamp().Logger()
	return &Profiler{log: logger, file: f}, nil
}

// Record appends one trace line for a completed operation.
func (p *Profiler) Record(op wire.Opcode, tid transid.ID, elapsed time.Duration, result wire.Errno) {
	p.log.Debug().
		Str("op", op.String()).
		Str("transid", tid.String()).
		Dur("elapsed", elapsed).
		Str("result", result.Error()).
		Msg("op")
}

// Close releases the underlying trace file.
func (p *Profiler) Close() error {
	return p.file.Close()
}
