package profiler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/pious-pds/pkg/transid"
	"github.com/cuemby/pious-pds/pkg/wire"
)

func TestRecordWritesOneLinePerOp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace")

	p, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	tid := transid.ID{Host: 1, Pid: 2, Sec: 3, Usec: 4}
	p.Record(wire.OpWrite, tid, 5*time.Millisecond, wire.OK)
	p.Record(wire.OpRead, tid, time.Microsecond, wire.EABORT)

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d trace lines, want 2: %q", len(lines), string(data))
	}
	if !strings.Contains(lines[0], `"op":"WRITE"`) || !strings.Contains(lines[0], tid.String()) {
		t.Errorf("first line missing expected fields: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"op":"READ"`) {
		t.Errorf("second line missing expected op: %s", lines[1])
	}
}

func TestFileNameIncludesHostID(t *testing.T) {
	name := FileName(42)
	if !strings.HasPrefix(name, "PIOUS.DS.PROFILE.") || !strings.HasSuffix(name, ".42") {
		t.Errorf("FileName(42) = %q, want PIOUS.DS.PROFILE.<uid>.42", name)
	}
}
