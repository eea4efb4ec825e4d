package resolver

import (
	"runtime"
	"sort"

	"github.com/pathmesh/pathmesh/api"
	"github.com/pathmesh/pathmesh/paths"
	"github.com/pathmesh/pathmesh/shared/hash"
)

// Store is the authoritative path to publisher-set mapping of one
// resolver cluster member. The keyspace is partitioned over shards by a
// deterministic hash of the path, one owner goroutine per shard, so no
// per key locking exists anywhere.
type Store struct {
	shards    []*shard
	referrals *ReferralTable
}

const shardMailboxDepth = 1024

func NewStore(numShards int) *Store {
	if numShards <= 0 {
		numShards = runtime.NumCPU()
	}
	s := &Store{
		shards:    make([]*shard, numShards),
		referrals: NewReferralTable(),
	}
	for i := range s.shards {
		s.shards[i] = newShard(i, shardMailboxDepth)
		go s.shards[i].run()
	}
	return s
}

func (s *Store) Close() {
	for _, sh := range s.shards {
		close(sh.mailbox)
	}
}

func (s *Store) NumShards() int {
	return len(s.shards)
}

func (s *Store) Referrals() *ReferralTable {
	return s.referrals
}

// ShardOf is a pure function of the path for this process lifetime.
func (s *Store) ShardOf(path string) int {
	return int(hash.Murmur3String(path) % uint32(len(s.shards)))
}

func broadcastKind(k api.OpKind) bool {
	switch k {
	case api.OpList, api.OpTable, api.OpListMatching, api.OpClearPublisher:
		return true
	}
	return false
}

func pathKind(k api.OpKind) bool {
	switch k {
	case api.OpClearPublisher, api.OpHeartbeat:
		return false
	}
	return true
}

// Apply executes one op to completion. Callers that batch (the server)
// use Submit/collect directly to keep shards busy in parallel; Apply is
// the convenience for single ops and tests.
func (s *Store) Apply(op api.ResolverOp) api.ResolverAnswer {
	if pathKind(op.Kind) {
		op.Path = paths.Canonicalize(op.Path)
		if ref, ok := s.referrals.Lookup(op.Path); ok {
			return api.ResolverAnswer{Kind: api.AnswerReferral, Referral: ref}
		}
	}
	if op.Kind == api.OpHeartbeat {
		// liveness is tracked by the server, not shard state
		return api.ResolverAnswer{Kind: api.AnswerWritten}
	}
	if op.Kind == api.OpOther {
		return api.ErrorAnswer("unsupported operation")
	}
	if broadcastKind(op.Kind) {
		return s.applyBroadcast(op)
	}
	out := make(chan shardAnswer, 1)
	s.shards[s.ShardOf(op.Path)].mailbox <- shardReq{op: &op, out: out}
	return (<-out).answer
}

func (s *Store) applyBroadcast(op api.ResolverOp) api.ResolverAnswer {
	out := make(chan shardAnswer, len(s.shards))
	for _, sh := range s.shards {
		opCopy := op
		sh.mailbox <- shardReq{op: &opCopy, out: out}
	}
	pieces := make([]api.ResolverAnswer, 0, len(s.shards))
	for range s.shards {
		pieces = append(pieces, (<-out).answer)
	}
	return mergePieces(op, pieces)
}

func mergePieces(op api.ResolverOp, pieces []api.ResolverAnswer) api.ResolverAnswer {
	switch op.Kind {
	case api.OpList, api.OpListMatching:
		seen := make(map[string]struct{})
		for _, piece := range pieces {
			if piece.Kind == api.AnswerError {
				return piece
			}
			for _, p := range piece.Paths {
				seen[p] = struct{}{}
			}
		}
		merged := make([]string, 0, len(seen))
		for p := range seen {
			merged = append(merged, p)
		}
		sort.Strings(merged)
		return api.ResolverAnswer{Kind: api.AnswerPaths, Paths: merged}
	case api.OpTable:
		return mergeTable(op.Path, pieces)
	default:
		for _, piece := range pieces {
			if piece.Kind == api.AnswerError {
				return piece
			}
		}
		return api.ResolverAnswer{Kind: api.AnswerWritten}
	}
}

// mergeTable reassembles depth-two pieces into child rows with distinct
// grandchild counts.
func mergeTable(parent string, pieces []api.ResolverAnswer) api.ResolverAnswer {
	children := make(map[string]map[string]struct{})
	for _, piece := range pieces {
		if piece.Kind == api.AnswerError {
			return piece
		}
		for _, p := range piece.Paths {
			child := childToward(parent, p)
			if _, ok := children[child]; !ok {
				children[child] = make(map[string]struct{})
			}
			if p != child {
				children[child][p] = struct{}{}
			}
		}
	}
	rows := make([]api.TableRow, 0, len(children))
	for child, grandchildren := range children {
		rows = append(rows, api.TableRow{Path: child, Children: uint32(len(grandchildren))})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Path < rows[j].Path
	})
	return api.ResolverAnswer{Kind: api.AnswerTable, Rows: rows}
}

// ClearPublisher drops every entry owned by id across all shards. Used
// by the lease sweeper and by explicit clear ops.
func (s *Store) ClearPublisher(id api.PublisherId) {
	s.Apply(api.ResolverOp{
		Kind:      api.OpClearPublisher,
		Publisher: api.PublisherRef{Id: id},
	})
}
