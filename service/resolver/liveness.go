package resolver

import (
	"sync"
	"time"

	"github.com/pathmesh/pathmesh/api"
	"github.com/pathmesh/pathmesh/shared/logging"
	"github.com/pathmesh/pathmesh/shared/workgroup"
)

var _livenessLogger = logging.NewLogger("ResolverLiveness")

type leaseEntry struct {
	id       api.PublisherId
	deadline time.Time

	next *leaseEntry
	prev *leaseEntry
}

// LivenessManager tracks publisher heartbeats. A publisher missing its
// lease is finalized: its entries are cleared from the store by id, so
// a different publisher that reclaimed the same network address in the
// meantime is unaffected. Entries live in a map plus an LRU style
// linked list ordered by last heartbeat, making the sweep O(expired).
type LivenessManager struct {
	lease    time.Duration
	finalize func(api.PublisherId)

	lock    sync.Mutex
	entries map[api.PublisherId]*leaseEntry
	head    *leaseEntry // most recently refreshed first
	tail    *leaseEntry
}

func NewLivenessManager(lease time.Duration, finalize func(api.PublisherId)) *LivenessManager {
	if lease <= 0 {
		lease = api.DefaultPublisherLease
	}
	return &LivenessManager{
		lease:    lease,
		finalize: finalize,
		entries:  make(map[api.PublisherId]*leaseEntry),
	}
}

// Start runs the sweeper until stop is closed.
func (m *LivenessManager) Start(stop <-chan struct{}) {
	interval := m.lease / 4
	if interval < time.Second {
		interval = time.Second
	}
	workgroup.WithFailOver().Run("publisher-lease-sweeper", func() bool {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return true
			case <-ticker.C:
				m.sweep(time.Now())
			}
		}
	})
}

func (m *LivenessManager) Heartbeat(id api.PublisherId) {
	m.lock.Lock()
	defer m.lock.Unlock()

	en, ok := m.entries[id]
	if ok {
		en.deadline = time.Now().Add(m.lease)
		m.unlink(en)
		m.pushFront(en)
		return
	}
	en = &leaseEntry{id: id, deadline: time.Now().Add(m.lease)}
	m.entries[id] = en
	m.pushFront(en)
}

// Forget drops tracking without finalizing, for explicit clears.
func (m *LivenessManager) Forget(id api.PublisherId) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if en, ok := m.entries[id]; ok {
		m.unlink(en)
		delete(m.entries, id)
	}
}

func (m *LivenessManager) sweep(now time.Time) {
	var expired []api.PublisherId
	m.lock.Lock()
	for en := m.tail; en != nil; {
		if en.deadline.After(now) {
			// list is ordered by refresh time, older entries are behind us
			break
		}
		prev := en.prev
		m.unlink(en)
		delete(m.entries, en.id)
		expired = append(expired, en.id)
		en = prev
	}
	m.lock.Unlock()

	for _, id := range expired {
		_livenessLogger.Infoln("publisher lease expired, clearing entries:", id.String())
		m.finalize(id)
	}
}

func (m *LivenessManager) pushFront(en *leaseEntry) {
	en.prev = nil
	en.next = m.head
	if m.head != nil {
		m.head.prev = en
	}
	m.head = en
	if m.tail == nil {
		m.tail = en
	}
}

func (m *LivenessManager) unlink(en *leaseEntry) {
	if en.prev != nil {
		en.prev.next = en.next
	} else if m.head == en {
		m.head = en.next
	}
	if en.next != nil {
		en.next.prev = en.prev
	} else if m.tail == en {
		m.tail = en.prev
	}
	en.prev = nil
	en.next = nil
}
