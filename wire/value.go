package wire

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates every Value variant. The numeric values are the wire
// tags and must never be reordered.
type Kind uint8

const (
	KindU32 Kind = iota
	KindV32
	KindI32
	KindZ32
	KindU64
	KindV64
	KindI64
	KindZ64
	KindF32
	KindF64
	KindDateTime
	KindDuration
	KindString
	KindBytes
	KindTrue
	KindFalse
	KindNull
	KindOk
	KindError
	KindArray
	KindDecimal
	KindUUID

	kindMax
)

// MaxNesting bounds array recursion during decode. The wire format does
// not bound depth; the decoder does.
const MaxNesting = 64

func (k Kind) String() string {
	switch k {
	case KindU32:
		return "u32"
	case KindV32:
		return "v32"
	case KindI32:
		return "i32"
	case KindZ32:
		return "z32"
	case KindU64:
		return "u64"
	case KindV64:
		return "v64"
	case KindI64:
		return "i64"
	case KindZ64:
		return "z64"
	case KindF32:
		return "f32"
	case KindF64:
		return "f64"
	case KindDateTime:
		return "datetime"
	case KindDuration:
		return "duration"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindTrue, KindFalse:
		return "bool"
	case KindNull:
		return "null"
	case KindOk:
		return "ok"
	case KindError:
		return "error"
	case KindArray:
		return "array"
	case KindDecimal:
		return "decimal"
	case KindUUID:
		return "uuid"
	default:
		return "unknown"
	}
}

// Value is the tagged union over every publishable datum. Values are
// immutable once constructed; share freely. Always build through the
// constructors below, the zero struct is U32(0).
type Value struct {
	kind  Kind
	num   uint64
	str   string
	raw   []byte
	arr   []Value
	t     time.Time
	dec   *big.Int
	scale int32
}

func U32(v uint32) Value  { return Value{kind: KindU32, num: uint64(v)} }
func V32(v uint32) Value  { return Value{kind: KindV32, num: uint64(v)} }
func I32(v int32) Value   { return Value{kind: KindI32, num: uint64(uint32(v))} }
func Z32(v int32) Value   { return Value{kind: KindZ32, num: uint64(uint32(v))} }
func U64(v uint64) Value  { return Value{kind: KindU64, num: v} }
func V64(v uint64) Value  { return Value{kind: KindV64, num: v} }
func I64(v int64) Value   { return Value{kind: KindI64, num: uint64(v)} }
func Z64(v int64) Value   { return Value{kind: KindZ64, num: uint64(v)} }
func F32(v float32) Value { return Value{kind: KindF32, num: uint64(math.Float32bits(v))} }
func F64(v float64) Value { return Value{kind: KindF64, num: math.Float64bits(v)} }

func DateTime(t time.Time) Value {
	return Value{kind: KindDateTime, t: t.UTC()}
}

func Duration(d time.Duration) Value {
	return Value{kind: KindDuration, num: uint64(d)}
}

func String(s string) Value { return Value{kind: KindString, str: s} }

func Bytes(b []byte) Value { return Value{kind: KindBytes, raw: b} }

func Bool(v bool) Value {
	if v {
		return Value{kind: KindTrue}
	}
	return Value{kind: KindFalse}
}

func Null() Value { return Value{kind: KindNull} }

func Ok() Value { return Value{kind: KindOk} }

func Error(msg string) Value { return Value{kind: KindError, str: msg} }

func Array(elems ...Value) Value { return Value{kind: KindArray, arr: elems} }

// Decimal carries an arbitrary precision decimal as coefficient × 10^-scale.
func Decimal(coefficient *big.Int, scale int32) Value {
	return Value{kind: KindDecimal, dec: coefficient, scale: scale}
}

func UUID(id uuid.UUID) Value {
	raw := make([]byte, 16)
	copy(raw, id[:])
	return Value{kind: KindUUID, raw: raw}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) GetU32() (uint32, bool) {
	if v.kind == KindU32 || v.kind == KindV32 {
		return uint32(v.num), true
	}
	return 0, false
}

func (v Value) GetI32() (int32, bool) {
	if v.kind == KindI32 || v.kind == KindZ32 {
		return int32(uint32(v.num)), true
	}
	return 0, false
}

func (v Value) GetU64() (uint64, bool) {
	if v.kind == KindU64 || v.kind == KindV64 {
		return v.num, true
	}
	return 0, false
}

func (v Value) GetI64() (int64, bool) {
	if v.kind == KindI64 || v.kind == KindZ64 {
		return int64(v.num), true
	}
	return 0, false
}

func (v Value) GetF32() (float32, bool) {
	if v.kind == KindF32 {
		return math.Float32frombits(uint32(v.num)), true
	}
	return 0, false
}

func (v Value) GetF64() (float64, bool) {
	if v.kind == KindF64 {
		return math.Float64frombits(v.num), true
	}
	return 0, false
}

func (v Value) GetString() (string, bool) {
	if v.kind == KindString {
		return v.str, true
	}
	return "", false
}

func (v Value) GetBytes() ([]byte, bool) {
	if v.kind == KindBytes {
		return v.raw, true
	}
	return nil, false
}

func (v Value) GetBool() (bool, bool) {
	switch v.kind {
	case KindTrue:
		return true, true
	case KindFalse:
		return false, true
	}
	return false, false
}

func (v Value) GetDateTime() (time.Time, bool) {
	if v.kind == KindDateTime {
		return v.t, true
	}
	return time.Time{}, false
}

func (v Value) GetDuration() (time.Duration, bool) {
	if v.kind == KindDuration {
		return time.Duration(v.num), true
	}
	return 0, false
}

func (v Value) GetError() (string, bool) {
	if v.kind == KindError {
		return v.str, true
	}
	return "", false
}

func (v Value) GetArray() ([]Value, bool) {
	if v.kind == KindArray {
		return v.arr, true
	}
	return nil, false
}

func (v Value) GetDecimal() (*big.Int, int32, bool) {
	if v.kind == KindDecimal {
		return v.dec, v.scale, true
	}
	return nil, 0, false
}

func (v Value) GetUUID() (uuid.UUID, bool) {
	if v.kind == KindUUID {
		var id uuid.UUID
		copy(id[:], v.raw)
		return id, true
	}
	return uuid.UUID{}, false
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindTrue, KindFalse, KindNull, KindOk:
		return true
	case KindString, KindError:
		return v.str == o.str
	case KindBytes, KindUUID:
		return string(v.raw) == string(o.raw)
	case KindDateTime:
		return v.t.Equal(o.t)
	case KindDecimal:
		return v.scale == o.scale && bigEqual(v.dec, o.dec)
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	default:
		return v.num == o.num
	}
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}

func (v Value) String() string {
	switch v.kind {
	case KindU32, KindV32, KindU64, KindV64:
		return strconv.FormatUint(v.num, 10)
	case KindI32, KindZ32:
		return strconv.FormatInt(int64(int32(uint32(v.num))), 10)
	case KindI64, KindZ64:
		return strconv.FormatInt(int64(v.num), 10)
	case KindF32:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(v.num))), 'g', -1, 32)
	case KindF64:
		return strconv.FormatFloat(math.Float64frombits(v.num), 'g', -1, 64)
	case KindDateTime:
		return v.t.Format(time.RFC3339Nano)
	case KindDuration:
		return time.Duration(v.num).String()
	case KindString:
		return v.str
	case KindBytes:
		return fmt.Sprintf("bytes[%d]", len(v.raw))
	case KindTrue:
		return "true"
	case KindFalse:
		return "false"
	case KindNull:
		return "null"
	case KindOk:
		return "ok"
	case KindError:
		return "error:" + v.str
	case KindArray:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(e.String())
		}
		sb.WriteByte(']')
		return sb.String()
	case KindDecimal:
		return decimalString(v.dec, v.scale)
	case KindUUID:
		id, _ := v.GetUUID()
		return id.String()
	default:
		return "unknown"
	}
}

func decimalString(coef *big.Int, scale int32) string {
	if coef == nil {
		return "0"
	}
	s := coef.String()
	if scale <= 0 {
		return s + strings.Repeat("0", int(-scale))
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	for int32(len(s)) <= scale {
		s = "0" + s
	}
	cut := len(s) - int(scale)
	out := s[:cut] + "." + s[cut:]
	if neg {
		out = "-" + out
	}
	return out
}

func (v Value) EncodedLen() int {
	n := 1
	switch v.kind {
	case KindU32, KindI32, KindF32:
		n += 4
	case KindV32:
		n += VarintLen(v.num)
	case KindZ32:
		n += VarintLen(uint64(ZigZag32(int32(uint32(v.num)))))
	case KindU64, KindI64, KindF64:
		n += 8
	case KindV64:
		n += VarintLen(v.num)
	case KindZ64:
		n += VarintLen(ZigZag64(int64(v.num)))
	case KindDateTime, KindDuration:
		n += 12
	case KindString, KindError:
		n += StringLen(v.str)
	case KindBytes:
		n += BytesLen(v.raw)
	case KindTrue, KindFalse, KindNull, KindOk:
	case KindArray:
		n += VarintLen(uint64(len(v.arr)))
		for _, e := range v.arr {
			n += e.EncodedLen()
		}
	case KindDecimal:
		n += decimalLen(v.dec, v.scale)
	case KindUUID:
		n += 16
	}
	return n
}

func decimalBytes(coef *big.Int) (sign byte, mag []byte) {
	if coef == nil {
		return 0, nil
	}
	if coef.Sign() < 0 {
		sign = 1
	}
	return sign, coef.Bytes()
}

func decimalLen(coef *big.Int, scale int32) int {
	_, mag := decimalBytes(coef)
	return VarintLen(uint64(ZigZag32(scale))) + 1 + BytesLen(mag)
}

func (v Value) Encode(e *Encoder) {
	e.PutU8(byte(v.kind))
	switch v.kind {
	case KindU32, KindI32, KindF32:
		e.PutU32(uint32(v.num))
	case KindV32:
		e.PutVarint(v.num)
	case KindZ32:
		e.PutVarint(uint64(ZigZag32(int32(uint32(v.num)))))
	case KindU64, KindI64, KindF64:
		e.PutU64(v.num)
	case KindV64:
		e.PutVarint(v.num)
	case KindZ64:
		e.PutVarint(ZigZag64(int64(v.num)))
	case KindDateTime:
		e.PutI64(v.t.Unix())
		e.PutU32(uint32(v.t.Nanosecond()))
	case KindDuration:
		// signed seconds plus a non-negative fraction, mirroring the
		// datetime layout, so negative durations survive the trip
		d := time.Duration(v.num)
		secs := int64(d / time.Second)
		nanos := int64(d % time.Second)
		if nanos < 0 {
			secs--
			nanos += int64(time.Second)
		}
		e.PutI64(secs)
		e.PutU32(uint32(nanos))
	case KindString, KindError:
		e.PutString(v.str)
	case KindBytes:
		e.PutBytes(v.raw)
	case KindTrue, KindFalse, KindNull, KindOk:
	case KindArray:
		e.PutVarint(uint64(len(v.arr)))
		for _, elem := range v.arr {
			elem.Encode(e)
		}
	case KindDecimal:
		sign, mag := decimalBytes(v.dec)
		e.PutVarint(uint64(ZigZag32(v.scale)))
		e.PutU8(sign)
		e.PutBytes(mag)
	case KindUUID:
		e.PutRaw(v.raw)
	}
}

// DecodeValue decodes one Value from the cursor. It never panics:
// malformed input fails with a wire error and leaves the cursor position
// undefined.
func DecodeValue(d *Decoder) (Value, error) {
	tag, err := d.U8()
	if err != nil {
		return Value{}, err
	}
	kind := Kind(tag)
	if kind >= kindMax {
		return Value{}, ErrUnknownTag
	}
	switch kind {
	case KindU32, KindI32, KindF32:
		n, err := d.U32()
		if err != nil {
			return Value{}, err
		}
		return Value{kind: kind, num: uint64(n)}, nil
	case KindV32:
		n, err := d.Varint()
		if err != nil {
			return Value{}, err
		}
		return Value{kind: kind, num: uint64(uint32(n))}, nil
	case KindZ32:
		n, err := d.Varint()
		if err != nil {
			return Value{}, err
		}
		return Value{kind: kind, num: uint64(uint32(UnZigZag32(uint32(n))))}, nil
	case KindU64, KindI64, KindF64:
		n, err := d.U64()
		if err != nil {
			return Value{}, err
		}
		return Value{kind: kind, num: n}, nil
	case KindV64:
		n, err := d.Varint()
		if err != nil {
			return Value{}, err
		}
		return Value{kind: kind, num: n}, nil
	case KindZ64:
		n, err := d.Varint()
		if err != nil {
			return Value{}, err
		}
		return Value{kind: kind, num: uint64(UnZigZag64(n))}, nil
	case KindDateTime:
		secs, err := d.I64()
		if err != nil {
			return Value{}, err
		}
		nanos, err := d.U32()
		if err != nil {
			return Value{}, err
		}
		if nanos >= 1e9 {
			return Value{}, ErrLengthMismatch
		}
		return DateTime(time.Unix(secs, int64(nanos))), nil
	case KindDuration:
		secs, err := d.I64()
		if err != nil {
			return Value{}, err
		}
		nanos, err := d.U32()
		if err != nil {
			return Value{}, err
		}
		if nanos >= 1e9 {
			return Value{}, ErrLengthMismatch
		}
		return Duration(time.Duration(secs)*time.Second + time.Duration(nanos)), nil
	case KindString, KindError:
		s, err := d.String()
		if err != nil {
			return Value{}, err
		}
		return Value{kind: kind, str: s}, nil
	case KindBytes:
		b, err := d.Bytes()
		if err != nil {
			return Value{}, err
		}
		return Value{kind: kind, raw: b}, nil
	case KindTrue, KindFalse, KindNull, KindOk:
		return Value{kind: kind}, nil
	case KindArray:
		if d.depth >= MaxNesting {
			return Value{}, ErrTooDeep
		}
		d.depth++
		n, err := d.Varint()
		if err != nil {
			return Value{}, err
		}
		if n > uint64(d.Remaining()) {
			return Value{}, ErrLengthMismatch
		}
		elems := make([]Value, 0, n)
		for i := uint64(0); i < n; i++ {
			elem, err := DecodeValue(d)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, elem)
		}
		d.depth--
		return Value{kind: kind, arr: elems}, nil
	case KindDecimal:
		zs, err := d.Varint()
		if err != nil {
			return Value{}, err
		}
		sign, err := d.U8()
		if err != nil {
			return Value{}, err
		}
		if sign > 1 {
			return Value{}, ErrLengthMismatch
		}
		mag, err := d.Bytes()
		if err != nil {
			return Value{}, err
		}
		coef := new(big.Int).SetBytes(mag)
		if sign == 1 {
			coef.Neg(coef)
		}
		return Decimal(coef, UnZigZag32(uint32(zs))), nil
	case KindUUID:
		raw, err := d.take(16)
		if err != nil {
			return Value{}, err
		}
		out := make([]byte, 16)
		copy(out, raw)
		return Value{kind: kind, raw: out}, nil
	default:
		return Value{}, ErrUnknownTag
	}
}

// EncodeValue is a convenience wrapper producing a fresh byte slice.
func EncodeValue(v Value) []byte {
	e := NewEncoder(v.EncodedLen())
	v.Encode(e)
	return e.Bytes()
}
