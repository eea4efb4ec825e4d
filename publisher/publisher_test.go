package publisher

import (
	"testing"

	"github.com/pathmesh/pathmesh/api"
)

func TestAdvertiseQueueCoalesces(t *testing.T) {
	q := newAdvertiseQueue()
	q.add("/a", 0)
	q.add("/b", api.FlagDefault)
	// removing a queued add cancels it entirely
	q.remove("/a")

	adds, removes := q.pending()
	if len(adds) != 1 || adds["/b"] != api.FlagDefault {
		t.Fatal("adds:", adds)
	}
	if len(removes) != 1 || removes[0] != "/a" {
		t.Fatal("removes:", removes)
	}
	// pending drains the queue
	adds, removes = q.pending()
	if len(adds) != 0 || len(removes) != 0 {
		t.Fatal("queue not drained")
	}
}

func TestAdvertiseQueueRequeueRespectsNewerOps(t *testing.T) {
	q := newAdvertiseQueue()
	q.add("/a", 0)
	adds, _ := q.pending()

	// while the failed batch waits for requeue the path was unpublished
	q.remove("/a")
	q.requeueAdds(adds)

	adds, removes := q.pending()
	if len(adds) != 0 {
		t.Fatal("stale add resurrected:", adds)
	}
	if len(removes) != 1 {
		t.Fatal("remove lost:", removes)
	}
}

func TestAdvertiseQueueSignals(t *testing.T) {
	q := newAdvertiseQueue()
	q.add("/a", 0)
	select {
	case <-q.dirty:
	default:
		t.Fatal("add did not signal")
	}
	// signal is level style, repeated ops never block
	for i := 0; i < 10; i++ {
		q.add("/b", 0)
	}
}
