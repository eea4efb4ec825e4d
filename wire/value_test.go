package wire

import (
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
)

func sampleValues() []Value {
	return []Value{
		U32(0),
		U32(4294967295),
		V32(300),
		I32(-7),
		Z32(-1000000),
		U64(18446744073709551615),
		V64(1 << 40),
		I64(-9000000000),
		Z64(-1),
		F32(3.5),
		F64(-0.25),
		DateTime(time.Date(2024, 5, 17, 9, 30, 0, 123456789, time.UTC)),
		Duration(90*time.Second + 250*time.Millisecond),
		Duration(-1500 * time.Millisecond),
		Duration(-time.Nanosecond),
		String(""),
		String("/some/path with spaces/и юникод"),
		Bytes(nil),
		Bytes([]byte{0, 1, 2, 255}),
		Bool(true),
		Bool(false),
		Null(),
		Ok(),
		Error("resolver rejected the op"),
		Array(),
		Array(U32(1), String("two"), Array(Bool(false), Null())),
		Decimal(big.NewInt(-123456789), 4),
		Decimal(big.NewInt(0), 0),
		UUID(uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")),
	}
}

func TestValueRoundTrip(t *testing.T) {
	for _, v := range sampleValues() {
		buf := EncodeValue(v)
		if len(buf) != v.EncodedLen() {
			t.Fatal("encoded length mismatch for", v.String(), len(buf), v.EncodedLen())
		}
		got, err := DecodeValue(NewDecoder(buf))
		if err != nil {
			t.Fatal("decode failed for", v.String(), err)
		}
		if !v.Equal(got) {
			t.Fatal("round trip changed value:", v.String(), "->", got.String())
		}
	}
}

func TestValueBatchRoundTrip(t *testing.T) {
	vals := sampleValues()
	e := NewEncoder(0)
	for _, v := range vals {
		v.Encode(e)
	}
	d := NewDecoder(e.Bytes())
	for _, want := range vals {
		got, err := DecodeValue(d)
		if err != nil {
			t.Fatal(err)
		}
		if !want.Equal(got) {
			t.Fatal("batch round trip changed value:", want.String())
		}
	}
	if d.Remaining() != 0 {
		t.Fatal("trailing bytes after batch:", d.Remaining())
	}
}

func TestValueTruncatedDecode(t *testing.T) {
	for _, v := range sampleValues() {
		buf := EncodeValue(v)
		for n := 0; n < len(buf); n++ {
			if _, err := DecodeValue(NewDecoder(buf[:n])); err == nil {
				t.Fatal("truncated decode succeeded for", v.String(), "at", n)
			}
		}
	}
}

func TestValueUnknownTag(t *testing.T) {
	if _, err := DecodeValue(NewDecoder([]byte{0xff})); err != ErrUnknownTag {
		t.Fatal("expected ErrUnknownTag, got", err)
	}
}

func TestValueNestingBound(t *testing.T) {
	v := U32(1)
	for i := 0; i < MaxNesting+1; i++ {
		v = Array(v)
	}
	if _, err := DecodeValue(NewDecoder(EncodeValue(v))); err != ErrTooDeep {
		t.Fatal("expected ErrTooDeep, got", err)
	}
	v = U32(1)
	for i := 0; i < MaxNesting; i++ {
		v = Array(v)
	}
	if _, err := DecodeValue(NewDecoder(EncodeValue(v))); err != nil {
		t.Fatal("nesting below the bound failed:", err)
	}
}

// a claimed array length far beyond the remaining bytes must fail fast
// instead of allocating.
func TestValueHostileArrayCount(t *testing.T) {
	e := NewEncoder(0)
	e.PutU8(byte(KindArray))
	e.PutVarint(1 << 40)
	if _, err := DecodeValue(NewDecoder(e.Bytes())); err == nil {
		t.Fatal("hostile array count accepted")
	}
}

func TestVarintOverflow(t *testing.T) {
	buf := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x01}
	if _, err := NewDecoder(buf).Varint(); err != ErrVarintOverflow {
		t.Fatal("expected ErrVarintOverflow, got", err)
	}
}

func TestZigZag(t *testing.T) {
	for _, v := range []int64{0, -1, 1, -2, 63, -64, 1 << 40, -(1 << 40)} {
		if UnZigZag64(ZigZag64(v)) != v {
			t.Fatal("zigzag64 not inverse at", v)
		}
	}
	for _, v := range []int32{0, -1, 1, 2147483647, -2147483648} {
		if UnZigZag32(ZigZag32(v)) != v {
			t.Fatal("zigzag32 not inverse at", v)
		}
	}
}

func TestNegativeDurationRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{
		-time.Nanosecond,
		-999999999 * time.Nanosecond,
		-time.Second,
		-1500 * time.Millisecond,
		-90*time.Second - 250*time.Millisecond,
	} {
		v := Duration(d)
		got, err := DecodeValue(NewDecoder(EncodeValue(v)))
		if err != nil {
			t.Fatal("decode failed for", d, ":", err)
		}
		out, ok := got.GetDuration()
		if !ok {
			t.Fatal("not a duration after round trip:", d)
		}
		if out != d {
			t.Fatal("duration changed across encode:", d, "->", out)
		}
	}
}

func TestDateTimeNormalizedToUTC(t *testing.T) {
	loc := time.FixedZone("X", 3*3600)
	in := time.Date(2024, 1, 2, 3, 4, 5, 0, loc)
	v := DateTime(in)
	got, err := DecodeValue(NewDecoder(EncodeValue(v)))
	if err != nil {
		t.Fatal(err)
	}
	ts, ok := got.GetDateTime()
	if !ok {
		t.Fatal("not a datetime after round trip")
	}
	if !ts.Equal(in) {
		t.Fatal("instant changed across encode:", in, ts)
	}
	if ts.Location() != time.UTC {
		t.Fatal("decoded datetime not UTC")
	}
}
