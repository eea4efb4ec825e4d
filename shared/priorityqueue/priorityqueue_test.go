package priorityqueue

import "testing"

func TestMinOrder(t *testing.T) {
	pq := NewMinPriorityQueue[string]()
	pq.Push("low", 3)
	pq.Push("high", 0)
	pq.Push("mid", 1)
	if pq.Size() != 3 {
		t.Fatal("size:", pq.Size())
	}
	if got := pq.Pop().Value(); got != "high" {
		t.Fatal("pop 1:", got)
	}
	if got := pq.Pop().Value(); got != "mid" {
		t.Fatal("pop 2:", got)
	}
	if got := pq.Pop().Value(); got != "low" {
		t.Fatal("pop 3:", got)
	}
	if !pq.IsEmpty() {
		t.Fatal("not empty after draining")
	}
}

// equal priorities must come out in insertion order, the resolver
// depends on it for per connection answer ordering.
func TestFIFOAmongEqualPriorities(t *testing.T) {
	pq := NewMinPriorityQueue[int]()
	for i := 0; i < 100; i++ {
		pq.Push(i, 1)
	}
	for i := 0; i < 100; i++ {
		if got := pq.Pop().Value(); got != i {
			t.Fatal("fifo broken at", i, got)
		}
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	pq := NewMinPriorityQueue[int](WithPreallocateSize[int](8))
	pq.Push(7, 2)
	if pq.Peek().Value() != 7 || pq.Size() != 1 {
		t.Fatal("peek misbehaved")
	}
}
