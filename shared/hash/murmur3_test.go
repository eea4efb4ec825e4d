package hash

import "testing"

func TestStringAndBytesAgree(t *testing.T) {
	for _, s := range []string{"", "/", "/a/b/c", "/app/metrics/host-0042/cpu", "юникод"} {
		if Murmur3String(s) != Murmur3([]byte(s)) {
			t.Fatal("string and byte hashing disagree on", s)
		}
	}
}

func TestKnownVectors(t *testing.T) {
	// reference values for murmur3 x86 32-bit with seed 0
	vectors := map[string]uint32{
		"":      0x00000000,
		"a":     0x3c2569b2,
		"abc":   0xb3dd93fa,
		"hello": 0x248bfa47,
	}
	for s, want := range vectors {
		if got := Murmur3String(s); got != want {
			t.Fatalf("murmur3(%q) = %#x, want %#x", s, got, want)
		}
	}
}

func TestDeterministic(t *testing.T) {
	a := Murmur3String("/some/path")
	for i := 0; i < 100; i++ {
		if Murmur3String("/some/path") != a {
			t.Fatal("hash not deterministic")
		}
	}
}
