package resolver

import (
	"sort"
	"strings"

	"github.com/pathmesh/pathmesh/api"
	"github.com/pathmesh/pathmesh/paths"
	"github.com/pathmesh/pathmesh/shared/idgen"
	"github.com/pathmesh/pathmesh/shared/priorityqueue"
)

// A shard owns a disjoint partition of the namespace. All access goes
// through its mailbox and is executed by the single shard goroutine, so
// the maps below need no locks. Cross shard coordination is message
// passing only.

type shardReq struct {
	op  *api.ResolverOp
	out chan<- shardAnswer
	// slot lets the batch collector put the answer back in request order
	slot int
}

type shardAnswer struct {
	slot   int
	answer api.ResolverAnswer
}

// pubRecord interns one publisher per shard: the address and path set
// are stored once no matter how many entries the publisher is in.
type pubRecord struct {
	id    api.PublisherId
	addr  string
	paths map[string]struct{}
}

type entry struct {
	// members holds flags per publisher; addresses live on pubRecord
	members map[api.PublisherId]api.EntryFlags
	version uint64
}

type shard struct {
	id      int
	mailbox chan shardReq

	entries map[string]*entry
	pubs    map[api.PublisherId]*pubRecord
	ids     *idgen.Gen
}

func newShard(id int, mailboxDepth int) *shard {
	return &shard{
		id:      id,
		mailbox: make(chan shardReq, mailboxDepth),
		entries: make(map[string]*entry),
		pubs:    make(map[api.PublisherId]*pubRecord),
		ids:     idgen.New(),
	}
}

// run is the shard actor loop. The mailbox drains into a priority queue
// so point lookups overtake queued glob scans under load.
func (s *shard) run() {
	pq := priorityqueue.NewMinPriorityQueue[shardReq]()
	for {
		if pq.IsEmpty() {
			req, ok := <-s.mailbox
			if !ok {
				return
			}
			pq.Push(req, req.op.Kind.Priority())
		}
	drain:
		for {
			select {
			case req, ok := <-s.mailbox:
				if !ok {
					break drain
				}
				pq.Push(req, req.op.Kind.Priority())
			default:
				break drain
			}
		}
		for !pq.IsEmpty() {
			req := pq.Pop().Value()
			req.out <- shardAnswer{slot: req.slot, answer: s.handle(req.op)}
		}
	}
}

func (s *shard) handle(op *api.ResolverOp) api.ResolverAnswer {
	switch op.Kind {
	case api.OpResolve:
		return s.resolve(op.Path)
	case api.OpList:
		return s.list(op.Path)
	case api.OpTable:
		return s.table(op.Path)
	case api.OpListMatching:
		return s.listMatching(op.Path)
	case api.OpCheckChanged:
		return s.checkChanged(op.Path)
	case api.OpPublish:
		return s.publish(op.Path, op.Publisher)
	case api.OpUnpublish:
		return s.unpublish(op.Path, op.Publisher.Id)
	case api.OpClearPublisher:
		return s.clearPublisher(op.Publisher.Id)
	default:
		return api.ErrorAnswer("unsupported operation")
	}
}

func (s *shard) resolve(path string) api.ResolverAnswer {
	en, ok := s.entries[path]
	if !ok {
		return api.ResolverAnswer{Kind: api.AnswerResolved}
	}
	refs := make([]api.PublisherRef, 0, len(en.members))
	for id, flags := range en.members {
		refs = append(refs, api.PublisherRef{Id: id, Addr: s.pubs[id].addr, Flags: flags})
	}
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].Addr < refs[j].Addr
	})
	return api.ResolverAnswer{Kind: api.AnswerResolved, Refs: refs}
}

// list yields the immediate children this shard knows about, including
// intermediate levels implied by deeper entries. Results from all
// shards are merged by the caller.
func (s *shard) list(parent string) api.ResolverAnswer {
	seen := make(map[string]struct{})
	for p := range s.entries {
		if !paths.IsParent(parent, p) {
			continue
		}
		seen[childToward(parent, p)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return api.ResolverAnswer{Kind: api.AnswerPaths, Paths: out}
}

// table yields the descendants of parent truncated to two levels below
// it. The store merges the pieces of all shards into rows, counting the
// distinct second level under each child; a shard cannot count alone
// because a child's deeper descendants are spread over other shards.
func (s *shard) table(parent string) api.ResolverAnswer {
	seen := make(map[string]struct{})
	for p := range s.entries {
		if !paths.IsParent(parent, p) {
			continue
		}
		child := childToward(parent, p)
		if child == p {
			seen[child] = struct{}{}
		} else {
			seen[childToward(child, p)] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return api.ResolverAnswer{Kind: api.AnswerPaths, Paths: out}
}

func (s *shard) listMatching(pattern string) api.ResolverAnswer {
	base := paths.GlobBase(pattern)
	prefix := base
	if prefix != paths.Root {
		prefix += paths.Separator
	}
	var out []string
	for p := range s.entries {
		if p != base && !strings.HasPrefix(p, prefix) {
			continue
		}
		if paths.GlobMatch(pattern, p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return api.ResolverAnswer{Kind: api.AnswerPaths, Paths: out}
}

func (s *shard) checkChanged(path string) api.ResolverAnswer {
	var version uint64
	if en, ok := s.entries[path]; ok {
		version = en.version
	}
	return api.ResolverAnswer{Kind: api.AnswerChanged, Version: version}
}

func (s *shard) publish(path string, ref api.PublisherRef) api.ResolverAnswer {
	pub, ok := s.pubs[ref.Id]
	if !ok {
		pub = &pubRecord{id: ref.Id, addr: ref.Addr, paths: make(map[string]struct{})}
		s.pubs[ref.Id] = pub
	} else {
		// a publisher may legitimately re-advertise from a new address
		pub.addr = ref.Addr
	}
	en, ok := s.entries[path]
	if !ok {
		en = &entry{members: make(map[api.PublisherId]api.EntryFlags, 1)}
		s.entries[path] = en
	}
	if flags, ok := en.members[ref.Id]; !ok || flags != ref.Flags {
		en.members[ref.Id] = ref.Flags
		en.version = s.ids.MustNext()
	}
	pub.paths[path] = struct{}{}
	return api.ResolverAnswer{Kind: api.AnswerWritten}
}

func (s *shard) unpublish(path string, id api.PublisherId) api.ResolverAnswer {
	en, ok := s.entries[path]
	if ok {
		if _, member := en.members[id]; member {
			delete(en.members, id)
			if len(en.members) == 0 {
				delete(s.entries, path)
			} else {
				en.version = s.ids.MustNext()
			}
		}
	}
	if pub, ok := s.pubs[id]; ok {
		delete(pub.paths, path)
		if len(pub.paths) == 0 {
			delete(s.pubs, id)
		}
	}
	return api.ResolverAnswer{Kind: api.AnswerWritten}
}

// clearPublisher removes exactly the entries belonging to id. Entries on
// the same paths claimed by other publishers, including one reusing the
// same network address, are untouched.
func (s *shard) clearPublisher(id api.PublisherId) api.ResolverAnswer {
	pub, ok := s.pubs[id]
	if !ok {
		return api.ResolverAnswer{Kind: api.AnswerWritten}
	}
	for path := range pub.paths {
		en, ok := s.entries[path]
		if !ok {
			continue
		}
		delete(en.members, id)
		if len(en.members) == 0 {
			delete(s.entries, path)
		} else {
			en.version = s.ids.MustNext()
		}
	}
	delete(s.pubs, id)
	return api.ResolverAnswer{Kind: api.AnswerWritten}
}

// childToward returns the immediate child of parent on the way to
// descendant. Both must be canonical with descendant strictly below
// parent.
func childToward(parent, descendant string) string {
	rest := descendant[len(parent):]
	if parent == paths.Root {
		rest = descendant
	}
	rest = strings.TrimPrefix(rest, paths.Separator)
	if idx := strings.Index(rest, paths.Separator); idx >= 0 {
		rest = rest[:idx]
	}
	return paths.Append(parent, rest)
}
