package ssm

import (
	"fmt"

	"github.com/cuemby/pious-pds/pkg/recovery"
	"github.com/cuemby/pious-pds/pkg/transid"
	"github.com/cuemby/pious-pds/pkg/wire"
	"github.com/rs/zerolog"
)

// Recover runs the No-Undo/Redo replay spec §4.4 and O1/O3 call for: open
// logdir even though its TLOG is non-empty, redo every committed
// record's writes straight against stable storage (bypassing the cache
// manager entirely, the same path Write already uses), truncate the
// TLOG now that every committed write is durable without it, and hand
// back a Manager ready for ordinary service.
//
// This is never called implicitly by Open — spec.md's O1 resolution
// requires piousd to refuse to start on a non-empty TLOG rather than
// replay unasked; an operator (or a --recover flag) must choose to run
// this first.
func Recover(logdir string, ficSize int, logger zerolog.Logger) (*Manager, error) {
	m, _, err := open(logdir, ficSize, logger)
	if err != nil {
		return nil, err
	}

	rm := recovery.New(m)
	apply := func(_ transid.ID, writes []recovery.WriteRecord) wire.Errno {
		for _, w := range writes {
			// Write requires a live FIC entry; replay starts from a bare
			// FHDB-backed Manager whose FIC is empty, so each handle must be
			// resolved before its write can land.
			if code := m.resolveHandle(w.FH); code != wire.OK {
				return code
			}
			if code := m.Write(w.FH, w.Offset, w.Data, wire.Stable); code != wire.OK {
				return code
			}
		}
		return wire.OK
	}

	if code := rm.Recover(apply); code != wire.OK {
		m.tlog.Close()
		m.fhdb.Close()
		return nil, fmt.Errorf("replaying TLOG: %s", code)
	}

	if code := rm.Truncate(); code != wire.OK {
		m.tlog.Close()
		m.fhdb.Close()
		return nil, fmt.Errorf("truncating TLOG after recovery: %s", code)
	}

	m.SetRecoverRequired(false)
	return m, nil
}
