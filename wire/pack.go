package wire

import (
	"encoding/binary"
	"math"
)

// Pack is implemented by every protocol value that travels on the wire.
// Encode appends to the encoder and must write exactly EncodedLen bytes.
type Pack interface {
	EncodedLen() int
	Encode(e *Encoder)
	Decode(d *Decoder) error
}

// Encoder is an append-only byte buffer. All multi-byte fixed-width
// integers are big endian.
type Encoder struct {
	buf []byte
}

func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) Len() int {
	return len(e.buf)
}

func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

func (e *Encoder) PutU8(v byte) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) PutU16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) PutU32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) PutU64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) PutI32(v int32) {
	e.PutU32(uint32(v))
}

func (e *Encoder) PutI64(v int64) {
	e.PutU64(uint64(v))
}

func (e *Encoder) PutF32(v float32) {
	e.PutU32(math.Float32bits(v))
}

func (e *Encoder) PutF64(v float64) {
	e.PutU64(math.Float64bits(v))
}

func (e *Encoder) PutVarint(v uint64) {
	for v >= 0x80 {
		e.buf = append(e.buf, byte(v)|0x80)
		v >>= 7
	}
	e.buf = append(e.buf, byte(v))
}

func (e *Encoder) PutBytes(b []byte) {
	e.PutVarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) PutString(s string) {
	e.PutVarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *Encoder) PutRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// Decoder is a cursor over a byte slice. Every getter fails with a
// malformed-data error instead of panicking on short input.
type Decoder struct {
	buf   []byte
	off   int
	depth int
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

func (d *Decoder) take(n int) ([]byte, error) {
	if d.Remaining() < n {
		return nil, ErrShortBuffer
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *Decoder) U8() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) U16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *Decoder) U32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *Decoder) U64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *Decoder) I32() (int32, error) {
	v, err := d.U32()
	return int32(v), err
}

func (d *Decoder) I64() (int64, error) {
	v, err := d.U64()
	return int64(v), err
}

func (d *Decoder) F32() (float32, error) {
	v, err := d.U32()
	return math.Float32frombits(v), err
}

func (d *Decoder) F64() (float64, error) {
	v, err := d.U64()
	return math.Float64frombits(v), err
}

func (d *Decoder) Varint() (uint64, error) {
	var v uint64
	var shift uint
	for {
		b, err := d.U8()
		if err != nil {
			return 0, err
		}
		if shift == 63 && b > 1 {
			return 0, ErrVarintOverflow
		}
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, nil
		}
		shift += 7
		if shift > 63 {
			return 0, ErrVarintOverflow
		}
	}
}

func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Varint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.Remaining()) {
		return nil, ErrLengthMismatch
	}
	b, err := d.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (d *Decoder) String() (string, error) {
	n, err := d.Varint()
	if err != nil {
		return "", err
	}
	if n > uint64(d.Remaining()) {
		return "", ErrLengthMismatch
	}
	b, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Skip advances over a length-prefixed region, used to step over message
// variants an older decoder does not recognize.
func (d *Decoder) Skip() error {
	n, err := d.Varint()
	if err != nil {
		return err
	}
	if n > uint64(d.Remaining()) {
		return ErrLengthMismatch
	}
	_, err = d.take(int(n))
	return err
}

func VarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func BytesLen(b []byte) int {
	return VarintLen(uint64(len(b))) + len(b)
}

func StringLen(s string) int {
	return VarintLen(uint64(len(s))) + len(s)
}

// Zig-zag maps small magnitude signed integers to small varints.
func ZigZag32(v int32) uint32 {
	return uint32((v << 1) ^ (v >> 31))
}

func UnZigZag32(v uint32) int32 {
	return int32(v>>1) ^ -int32(v&1)
}

func ZigZag64(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func UnZigZag64(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}
