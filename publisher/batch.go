package publisher

import (
	"github.com/pathmesh/pathmesh/api"
	"github.com/pathmesh/pathmesh/wire"
)

// Batch collects value updates for atomic delivery. Nothing is sent
// until Commit; updates to the same value within one batch coalesce in
// call order, subscribers observe the last one plus every one before it
// in the order they were staged.
type Batch struct {
	pub     *Publisher
	updates []update
}

type update struct {
	val    *Val
	value  wire.Value
	target *session // nil means every subscriber
}

func (p *Publisher) StartBatch() *Batch {
	return &Batch{pub: p}
}

// Update stages a new value for every subscriber of v and makes it the
// value new subscribers receive.
func (b *Batch) Update(v *Val, value wire.Value) {
	b.updates = append(b.updates, update{val: v, value: value})
}

// UpdateSubscriber stages a value for a single subscriber. The stored
// current value is untouched, so this is the tool for per client views
// over one published path. The client handle comes from a write or
// subscribe callback.
func (b *Batch) UpdateSubscriber(v *Val, cl Client, value wire.Value) {
	b.updates = append(b.updates, update{val: v, value: value, target: cl.s})
}

// Commit applies the staged updates and queues delivery. It never
// fails: delivery happens on per session queues and session failures
// are that session's problem, not the committer's.
func (b *Batch) Commit() {
	if len(b.updates) == 0 {
		return
	}
	p := b.pub
	perSession := make(map[*session][]api.DataMsg)

	p.lock.Lock()
	for i := range b.updates {
		u := &b.updates[i]
		if u.target == nil {
			u.val.current = u.value
			// one message per registration: a session subscribed under
			// the original and an alias receives the update on each id
			for s, ids := range u.val.subs {
				for _, id := range ids {
					perSession[s] = append(perSession[s], api.DataMsg{
						Kind:  api.DataUpdate,
						SubId: id,
						Value: u.value,
					})
				}
			}
		} else if ids, ok := u.val.subs[u.target]; ok {
			for _, id := range ids {
				perSession[u.target] = append(perSession[u.target], api.DataMsg{
					Kind:  api.DataUpdate,
					SubId: id,
					Value: u.value,
				})
			}
		}
	}
	p.lock.Unlock()

	for s, msgs := range perSession {
		s.enqueue(msgs)
	}
	b.updates = b.updates[:0]
}
