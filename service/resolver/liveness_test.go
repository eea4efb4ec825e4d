package resolver

import (
	"testing"
	"time"

	"github.com/pathmesh/pathmesh/api"
)

func TestLeaseExpiryFinalizesOnlyStale(t *testing.T) {
	var cleared []api.PublisherId
	m := NewLivenessManager(30*time.Second, func(id api.PublisherId) {
		cleared = append(cleared, id)
	})

	stale := api.NewPublisherId()
	fresh := api.NewPublisherId()
	m.Heartbeat(stale)
	m.Heartbeat(fresh)

	// nothing expires within the lease
	m.sweep(time.Now())
	if len(cleared) != 0 {
		t.Fatal("premature finalize:", cleared)
	}

	// age the stale entry past its deadline
	m.lock.Lock()
	m.entries[stale].deadline = time.Now().Add(-time.Second)
	m.lock.Unlock()
	// ordering by refresh puts it at the tail only if it heartbeated
	// first, which it did
	m.sweep(time.Now())

	if len(cleared) != 1 || cleared[0] != stale {
		t.Fatal("expected exactly the stale publisher, got", cleared)
	}
	m.lock.Lock()
	_, staleTracked := m.entries[stale]
	_, freshTracked := m.entries[fresh]
	m.lock.Unlock()
	if staleTracked || !freshTracked {
		t.Fatal("tracking state wrong after sweep")
	}
}

func TestHeartbeatRefreshMovesToFront(t *testing.T) {
	m := NewLivenessManager(30*time.Second, func(api.PublisherId) {})
	a, b := api.NewPublisherId(), api.NewPublisherId()
	m.Heartbeat(a)
	m.Heartbeat(b)
	m.Heartbeat(a)
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.head.id != a || m.tail.id != b {
		t.Fatal("refresh did not reorder the lease list")
	}
}

func TestForgetStopsTracking(t *testing.T) {
	finalized := false
	m := NewLivenessManager(time.Second, func(api.PublisherId) { finalized = true })
	id := api.NewPublisherId()
	m.Heartbeat(id)
	m.Forget(id)
	m.sweep(time.Now().Add(time.Hour))
	if finalized {
		t.Fatal("forgotten publisher was finalized")
	}
}
