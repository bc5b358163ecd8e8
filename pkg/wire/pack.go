package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/pious-pds/pkg/fhandle"
	"github.com/cuemby/pious-pds/pkg/transid"
)

// This file implements the scalar packing primitives required of the
// message transport (spec §6): byte, char, int, uint, long, ulong,
// fhandle (two ulongs), transid (four longs), and a strided block of
// bytes for scatter/gather of writer buffers. The dispatcher's codec
// builds request/reply bodies out of these (the recovery manager uses
// them for TLOG records); pkg/transport/tcp only frames those bodies.
//
// All multi-byte scalars are big-endian on the wire, independent of host
// byte order, so a heterogeneous cluster agrees on layout (modulo the
// native-int-width assumption FA_SINT documents as unaddressed, spec O4).

// Encoder appends scalars to an in-memory buffer.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) PutByte(b byte) { e.buf = append(e.buf, b) }

func (e *Encoder) PutChar(c byte) { e.buf = append(e.buf, c) }

func (e *Encoder) PutInt(v int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	e.buf = append(e.buf, tmp[:]...)
}

func (e *Encoder) PutUint(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *Encoder) PutLong(v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	e.buf = append(e.buf, tmp[:]...)
}

func (e *Encoder) PutUlong(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *Encoder) PutFHandle(fh fhandle.Handle) {
	e.PutUlong(fh.Dev)
	e.PutUlong(fh.Ino)
}

func (e *Encoder) PutTransID(id transid.ID) {
	e.PutUlong(id.Host)
	e.PutLong(int64(id.Pid))
	e.PutLong(id.Sec)
	e.PutLong(int64(id.Usec))
}

// PutStrided writes a strided block descriptor followed by the count
// contiguous `blocksize`-byte elements gathered from data at the given
// stride, matching the writer-buffer scatter/gather primitive of spec §6.
func (e *Encoder) PutStrided(data []byte, blocksize, stride, count int) error {
	if blocksize <= 0 || stride < blocksize || count < 0 {
		return fmt.Errorf("wire: invalid strided descriptor")
	}
	e.PutUint(uint32(blocksize))
	e.PutUint(uint32(stride))
	e.PutUint(uint32(count))
	for i := 0; i < count; i++ {
		base := i * stride
		if base+blocksize > len(data) {
			return fmt.Errorf("wire: strided block %d exceeds source buffer", i)
		}
		e.buf = append(e.buf, data[base:base+blocksize]...)
	}
	return nil
}

// PutBlob writes a length-prefixed opaque byte blob (file paths, write
// payloads).
func (e *Encoder) PutBlob(b []byte) {
	e.PutUint(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// Decoder reads scalars off a byte slice in order, erroring on underrun.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(b []byte) *Decoder { return &Decoder{buf: b} }

func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

func (d *Decoder) need(n int) error {
	if d.Remaining() < n {
		return fmt.Errorf("wire: short buffer, need %d have %d", n, d.Remaining())
	}
	return nil
}

func (d *Decoder) GetByte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *Decoder) GetChar() (byte, error) { return d.GetByte() }

func (d *Decoder) GetInt() (int32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := int32(binary.BigEndian.Uint32(d.buf[d.pos:]))
	d.pos += 4
	return v, nil
}

func (d *Decoder) GetUint() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *Decoder) GetLong() (int64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := int64(binary.BigEndian.Uint64(d.buf[d.pos:]))
	d.pos += 8
	return v, nil
}

func (d *Decoder) GetUlong() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *Decoder) GetFHandle() (fhandle.Handle, error) {
	dev, err := d.GetUlong()
	if err != nil {
		return fhandle.Zero, err
	}
	ino, err := d.GetUlong()
	if err != nil {
		return fhandle.Zero, err
	}
	return fhandle.Handle{Dev: dev, Ino: ino}, nil
}

func (d *Decoder) GetTransID() (transid.ID, error) {
	host, err := d.GetUlong()
	if err != nil {
		return transid.Zero, err
	}
	pid, err := d.GetLong()
	if err != nil {
		return transid.Zero, err
	}
	sec, err := d.GetLong()
	if err != nil {
		return transid.Zero, err
	}
	usec, err := d.GetLong()
	if err != nil {
		return transid.Zero, err
	}
	return transid.ID{Host: host, Pid: uint32(pid), Sec: sec, Usec: int32(usec)}, nil
}

func (d *Decoder) GetBlob() ([]byte, error) {
	n, err := d.GetUint()
	if err != nil {
		return nil, err
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

// GetStrided reads back a strided block descriptor and reconstitutes a
// contiguous buffer of count*blocksize bytes (the stride gaps are not
// preserved on decode — only the payload matters to the receiver).
func (d *Decoder) GetStrided() (data []byte, blocksize, stride, count int, err error) {
	bs, err := d.GetUint()
	if err != nil {
		return nil, 0, 0, 0, err
	}
	st, err := d.GetUint()
	if err != nil {
		return nil, 0, 0, 0, err
	}
	cnt, err := d.GetUint()
	if err != nil {
		return nil, 0, 0, 0, err
	}
	blocksize, stride, count = int(bs), int(st), int(cnt)
	total := blocksize * count
	if err := d.need(total); err != nil {
		return nil, 0, 0, 0, err
	}
	data = make([]byte, total)
	copy(data, d.buf[d.pos:d.pos+total])
	d.pos += total
	return data, blocksize, stride, count, nil
}
