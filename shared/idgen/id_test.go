package idgen

import "testing"

func TestIdsStrictlyIncrease(t *testing.T) {
	g := New()
	prev := uint64(0)
	for i := 0; i < 100000; i++ {
		id, err := g.Next()
		if err != nil {
			t.Fatal(err)
		}
		if id <= prev {
			t.Fatal("ids not strictly increasing at", i, prev, id)
		}
		prev = id
	}
}

func TestMustNextNeverZero(t *testing.T) {
	g := New()
	for i := 0; i < 1000; i++ {
		if g.MustNext() == 0 {
			t.Fatal("zero id generated")
		}
	}
}
