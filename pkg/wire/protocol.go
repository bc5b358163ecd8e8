package wire

import "github.com/cuemby/pious-pds/pkg/transid"

// TransopHead is the header carried by every transaction-op request/reply
// (spec §6).
type TransopHead struct {
	TransID transid.ID
	Seq     uint32
	Result  Errno
}

// CntrlopHead is the header carried by every control-op request/reply.
type CntrlopHead struct {
	MsgID  uint32
	Result Errno
}

// SintWordSize is the native signed-integer width FA_SINT/READ_SINT/
// WRITE_SINT assume across the cluster (spec O4: a homogeneous word
// layout is assumed and heterogeneity is left unaddressed). Fixed at 8
// bytes (int64) rather than left "native" the way the C source did,
// since a Go rewrite has no ambient "native int" to inherit.
const SintWordSize = 8
