package resolver

import (
	"sort"
	"sync"

	"github.com/pathmesh/pathmesh/api"
	"github.com/pathmesh/pathmesh/paths"
)

// ReferralTable maps namespace subtrees to delegated resolver clusters.
// Referrals are operator configuration: they change rarely and are read
// on every op, so a copy-on-write slice under a mutex serves. Chains
// across clusters are not validated for cycles here; the resolver client
// bounds hops instead.
type ReferralTable struct {
	lock sync.RWMutex
	// sorted by prefix, longest match wins
	refs []api.Referral
}

func NewReferralTable() *ReferralTable {
	return &ReferralTable{}
}

func (t *ReferralTable) Set(prefix string, addrs []string) {
	prefix = paths.Canonicalize(prefix)
	t.lock.Lock()
	defer t.lock.Unlock()
	for i := range t.refs {
		if t.refs[i].Prefix == prefix {
			t.refs[i].Addrs = addrs
			return
		}
	}
	t.refs = append(t.refs, api.Referral{Prefix: prefix, Addrs: addrs})
	sort.Slice(t.refs, func(i, j int) bool {
		return t.refs[i].Prefix < t.refs[j].Prefix
	})
}

func (t *ReferralTable) Remove(prefix string) {
	prefix = paths.Canonicalize(prefix)
	t.lock.Lock()
	defer t.lock.Unlock()
	for i := range t.refs {
		if t.refs[i].Prefix == prefix {
			t.refs = append(t.refs[:i], t.refs[i+1:]...)
			return
		}
	}
}

// Lookup finds the longest referred prefix strictly containing path.
// A path equal to the referred prefix itself is also delegated.
func (t *ReferralTable) Lookup(path string) (api.Referral, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	best := -1
	for i := range t.refs {
		p := t.refs[i].Prefix
		if p == path || paths.IsParent(p, path) {
			if best < 0 || len(p) > len(t.refs[best].Prefix) {
				best = i
			}
		}
	}
	if best < 0 {
		return api.Referral{}, false
	}
	return t.refs[best], true
}

func (t *ReferralTable) All() []api.Referral {
	t.lock.RLock()
	defer t.lock.RUnlock()
	out := make([]api.Referral, len(t.refs))
	copy(out, t.refs)
	return out
}
