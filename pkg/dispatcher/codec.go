package dispatcher

import (
	"github.com/cuemby/pious-pds/pkg/fhandle"
	"github.com/cuemby/pious-pds/pkg/wire"
)

// --- transaction op payloads -------------------------------------------

type readReq struct {
	FH     fhandle.Handle
	Offset int64
	N      int32
}

func decodeReadReq(b []byte) (readReq, error) {
	d := wire.NewDecoder(b)
	fh, err := d.GetFHandle()
	if err != nil {
		return readReq{}, err
	}
	off, err := d.GetLong()
	if err != nil {
		return readReq{}, err
	}
	n, err := d.GetInt()
	if err != nil {
		return readReq{}, err
	}
	return readReq{FH: fh, Offset: off, N: n}, nil
}

func encodeReadReply(head wire.TransopHead, data []byte) []byte {
	e := wire.NewEncoder()
	e.PutTransID(head.TransID)
	e.PutUint(head.Seq)
	e.PutInt(int32(head.Result))
	e.PutBlob(data)
	return e.Bytes()
}

type writeReq struct {
	FH     fhandle.Handle
	Offset int64
	Data   []byte
}

func decodeWriteReq(b []byte) (writeReq, error) {
	d := wire.NewDecoder(b)
	fh, err := d.GetFHandle()
	if err != nil {
		return writeReq{}, err
	}
	off, err := d.GetLong()
	if err != nil {
		return writeReq{}, err
	}
	data, err := d.GetBlob()
	if err != nil {
		return writeReq{}, err
	}
	return writeReq{FH: fh, Offset: off, Data: data}, nil
}

type faSintReq struct {
	FH    fhandle.Handle
	Index int64
	Incr  int64
}

func decodeFaSintReq(b []byte) (faSintReq, error) {
	d := wire.NewDecoder(b)
	fh, err := d.GetFHandle()
	if err != nil {
		return faSintReq{}, err
	}
	idx, err := d.GetLong()
	if err != nil {
		return faSintReq{}, err
	}
	incr, err := d.GetLong()
	if err != nil {
		return faSintReq{}, err
	}
	return faSintReq{FH: fh, Index: idx, Incr: incr}, nil
}

func encodeFaSintReply(head wire.TransopHead, prior int64) []byte {
	e := wire.NewEncoder()
	e.PutTransID(head.TransID)
	e.PutUint(head.Seq)
	e.PutInt(int32(head.Result))
	e.PutLong(prior)
	return e.Bytes()
}

// encodeTransopReply builds a reply carrying only the (transid, seq,
// result) header, used by write/sint-write/prepare/commit/abort which
// have no further payload.
func encodeTransopReply(head wire.TransopHead) []byte {
	e := wire.NewEncoder()
	e.PutTransID(head.TransID)
	e.PutUint(head.Seq)
	e.PutInt(int32(head.Result))
	return e.Bytes()
}

func decodeTransopHead(b []byte) (wire.TransopHead, []byte, error) {
	d := wire.NewDecoder(b)
	tid, err := d.GetTransID()
	if err != nil {
		return wire.TransopHead{}, nil, err
	}
	seq, err := d.GetUint()
	if err != nil {
		return wire.TransopHead{}, nil, err
	}
	return wire.TransopHead{TransID: tid, Seq: seq}, b[len(b)-d.Remaining():], nil
}

// --- control op payloads -------------------------------------------------

type lookupReq struct {
	Path  string
	Cflag wire.CreateFlag
	Perm  uint32
}

func decodeLookupReq(b []byte) (lookupReq, error) {
	d := wire.NewDecoder(b)
	path, err := d.GetBlob()
	if err != nil {
		return lookupReq{}, err
	}
	cflag, err := d.GetByte()
	if err != nil {
		return lookupReq{}, err
	}
	perm, err := d.GetUint()
	if err != nil {
		return lookupReq{}, err
	}
	return lookupReq{Path: string(path), Cflag: wire.CreateFlag(cflag), Perm: perm}, nil
}

func encodeLookupReply(head wire.CntrlopHead, fh fhandle.Handle) []byte {
	e := wire.NewEncoder()
	e.PutUint(head.MsgID)
	e.PutInt(int32(head.Result))
	e.PutFHandle(fh)
	return e.Bytes()
}

func decodePathOnlyReq(b []byte) (path string, err error) {
	d := wire.NewDecoder(b)
	blob, err := d.GetBlob()
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

type pathPermReq struct {
	Path string
	Perm uint32
}

func decodePathPermReq(b []byte) (pathPermReq, error) {
	d := wire.NewDecoder(b)
	path, err := d.GetBlob()
	if err != nil {
		return pathPermReq{}, err
	}
	perm, err := d.GetUint()
	if err != nil {
		return pathPermReq{}, err
	}
	return pathPermReq{Path: string(path), Perm: perm}, nil
}

func decodeCacheFlushReq(b []byte) (fh fhandle.Handle, whole bool) {
	if len(b) == 0 {
		return fhandle.Zero, true
	}
	d := wire.NewDecoder(b)
	has, err := d.GetByte()
	if err != nil || has == 0 {
		return fhandle.Zero, true
	}
	fh, err = d.GetFHandle()
	if err != nil {
		return fhandle.Zero, true
	}
	return fh, false
}

func encodeCntrlopReply(head wire.CntrlopHead) []byte {
	e := wire.NewEncoder()
	e.PutUint(head.MsgID)
	e.PutInt(int32(head.Result))
	return e.Bytes()
}

func encodeStatReply(head wire.CntrlopHead, mode int32) []byte {
	e := wire.NewEncoder()
	e.PutUint(head.MsgID)
	e.PutInt(int32(head.Result))
	e.PutInt(mode)
	return e.Bytes()
}

func decodeCntrlopHead(b []byte) (wire.CntrlopHead, []byte, error) {
	d := wire.NewDecoder(b)
	id, err := d.GetUint()
	if err != nil {
		return wire.CntrlopHead{}, nil, err
	}
	return wire.CntrlopHead{MsgID: id}, b[len(b)-d.Remaining():], nil
}
