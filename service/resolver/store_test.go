package resolver

import (
	"sort"
	"testing"

	"github.com/pathmesh/pathmesh/api"
)

func newTestStore(t *testing.T, shards int) *Store {
	t.Helper()
	s := NewStore(shards)
	t.Cleanup(s.Close)
	return s
}

func mustPublish(t *testing.T, s *Store, ref api.PublisherRef, path string) {
	t.Helper()
	a := s.Apply(api.ResolverOp{Kind: api.OpPublish, Path: path, Publisher: ref})
	if a.Kind != api.AnswerWritten {
		t.Fatal("publish", path, "answered", a.Kind)
	}
}

func resolveRefs(t *testing.T, s *Store, path string) []api.PublisherRef {
	t.Helper()
	a := s.Apply(api.ResolverOp{Kind: api.OpResolve, Path: path})
	if a.Kind != api.AnswerResolved {
		t.Fatal("resolve", path, "answered", a.Kind)
	}
	return a.Refs
}

func TestPublishResolve(t *testing.T) {
	s := newTestStore(t, 4)
	ref := api.PublisherRef{Id: api.NewPublisherId(), Addr: "10.0.0.1:4001"}
	mustPublish(t, s, ref, "/app/metrics/cpu")

	refs := resolveRefs(t, s, "/app/metrics/cpu")
	if len(refs) != 1 || refs[0].Addr != ref.Addr || refs[0].Id != ref.Id {
		t.Fatal("unexpected refs:", refs)
	}
	if got := resolveRefs(t, s, "/app/metrics/mem"); len(got) != 0 {
		t.Fatal("unpublished path resolved:", got)
	}
}

func TestPublishIsIdempotent(t *testing.T) {
	s := newTestStore(t, 4)
	ref := api.PublisherRef{Id: api.NewPublisherId(), Addr: "10.0.0.1:4001"}
	mustPublish(t, s, ref, "/a/b")
	mustPublish(t, s, ref, "/a/b")
	if refs := resolveRefs(t, s, "/a/b"); len(refs) != 1 {
		t.Fatal("duplicate publish duplicated the entry:", refs)
	}
}

func TestReAdvertiseUpdatesAddress(t *testing.T) {
	s := newTestStore(t, 4)
	id := api.NewPublisherId()
	mustPublish(t, s, api.PublisherRef{Id: id, Addr: "10.0.0.1:4001"}, "/a/b")
	mustPublish(t, s, api.PublisherRef{Id: id, Addr: "10.0.0.2:4001"}, "/a/b")
	refs := resolveRefs(t, s, "/a/b")
	if len(refs) != 1 || refs[0].Addr != "10.0.0.2:4001" {
		t.Fatal("address not updated:", refs)
	}
}

func TestUnpublishIsIdempotent(t *testing.T) {
	s := newTestStore(t, 4)
	ref := api.PublisherRef{Id: api.NewPublisherId(), Addr: "10.0.0.1:4001"}
	mustPublish(t, s, ref, "/a/b")
	for i := 0; i < 2; i++ {
		a := s.Apply(api.ResolverOp{Kind: api.OpUnpublish, Path: "/a/b", Publisher: ref})
		if a.Kind != api.AnswerWritten {
			t.Fatal("unpublish answered", a.Kind)
		}
	}
	if refs := resolveRefs(t, s, "/a/b"); len(refs) != 0 {
		t.Fatal("still resolvable after unpublish:", refs)
	}
}

func TestListMergesAcrossShards(t *testing.T) {
	s := newTestStore(t, 8)
	ref := api.PublisherRef{Id: api.NewPublisherId(), Addr: "10.0.0.1:4001"}
	for _, p := range []string{"/a/x/1", "/a/y/2", "/a/z", "/b/q"} {
		mustPublish(t, s, ref, p)
	}
	a := s.Apply(api.ResolverOp{Kind: api.OpList, Path: "/a"})
	if a.Kind != api.AnswerPaths {
		t.Fatal("list answered", a.Kind)
	}
	want := []string{"/a/x", "/a/y", "/a/z"}
	if !sameStrings(a.Paths, want) {
		t.Fatal("list got", a.Paths, "want", want)
	}
}

func TestTableCountsGrandchildren(t *testing.T) {
	s := newTestStore(t, 8)
	ref := api.PublisherRef{Id: api.NewPublisherId(), Addr: "10.0.0.1:4001"}
	for _, p := range []string{
		"/t/r1/c1", "/t/r1/c2", "/t/r1/c2/deeper", "/t/r2/c1", "/t/r3",
	} {
		mustPublish(t, s, ref, p)
	}
	a := s.Apply(api.ResolverOp{Kind: api.OpTable, Path: "/t"})
	if a.Kind != api.AnswerTable {
		t.Fatal("table answered", a.Kind)
	}
	got := make(map[string]uint32, len(a.Rows))
	for _, r := range a.Rows {
		got[r.Path] = r.Children
	}
	if got["/t/r1"] != 2 || got["/t/r2"] != 1 || got["/t/r3"] != 0 {
		t.Fatal("unexpected table rows:", a.Rows)
	}
}

func TestListMatching(t *testing.T) {
	s := newTestStore(t, 8)
	ref := api.PublisherRef{Id: api.NewPublisherId(), Addr: "10.0.0.1:4001"}
	for _, p := range []string{"/m/a/cpu", "/m/b/cpu", "/m/b/mem", "/n/a/cpu"} {
		mustPublish(t, s, ref, p)
	}
	a := s.Apply(api.ResolverOp{Kind: api.OpListMatching, Path: "/m/*/cpu"})
	if a.Kind != api.AnswerPaths {
		t.Fatal("listmatching answered", a.Kind)
	}
	want := []string{"/m/a/cpu", "/m/b/cpu"}
	if !sameStrings(a.Paths, want) {
		t.Fatal("listmatching got", a.Paths, "want", want)
	}
}

func TestCheckChangedTracksMutations(t *testing.T) {
	s := newTestStore(t, 4)
	ref := api.PublisherRef{Id: api.NewPublisherId(), Addr: "10.0.0.1:4001"}

	a := s.Apply(api.ResolverOp{Kind: api.OpCheckChanged, Path: "/c/v"})
	if a.Kind != api.AnswerChanged || a.Version != 0 {
		t.Fatal("absent path should report version zero:", a)
	}
	mustPublish(t, s, ref, "/c/v")
	a = s.Apply(api.ResolverOp{Kind: api.OpCheckChanged, Path: "/c/v"})
	if a.Version == 0 {
		t.Fatal("published path should have a version")
	}
	v1 := a.Version

	other := api.PublisherRef{Id: api.NewPublisherId(), Addr: "10.0.0.2:4001"}
	mustPublish(t, s, other, "/c/v")
	a = s.Apply(api.ResolverOp{Kind: api.OpCheckChanged, Path: "/c/v"})
	if a.Version == v1 {
		t.Fatal("membership change should bump the version")
	}
}

func TestClearPublisherLeavesOthers(t *testing.T) {
	s := newTestStore(t, 8)
	gone := api.PublisherRef{Id: api.NewPublisherId(), Addr: "10.0.0.1:4001"}
	stays := api.PublisherRef{Id: api.NewPublisherId(), Addr: "10.0.0.1:4001"}
	mustPublish(t, s, gone, "/x/shared")
	mustPublish(t, s, stays, "/x/shared")
	mustPublish(t, s, gone, "/x/only-gone")

	a := s.Apply(api.ResolverOp{Kind: api.OpClearPublisher, Publisher: gone})
	if a.Kind != api.AnswerWritten {
		t.Fatal("clear answered", a.Kind)
	}
	refs := resolveRefs(t, s, "/x/shared")
	if len(refs) != 1 || refs[0].Id != stays.Id {
		t.Fatal("clear touched another publisher's entry:", refs)
	}
	if refs := resolveRefs(t, s, "/x/only-gone"); len(refs) != 0 {
		t.Fatal("cleared publisher's entry survived:", refs)
	}
}

func TestReferralAnswer(t *testing.T) {
	s := newTestStore(t, 4)
	s.Referrals().Set("/remote", []string{"10.1.0.1:9310"})
	a := s.Apply(api.ResolverOp{Kind: api.OpResolve, Path: "/remote/thing"})
	if a.Kind != api.AnswerReferral {
		t.Fatal("expected referral, got", a.Kind)
	}
	if a.Referral.Prefix != "/remote" || len(a.Referral.Addrs) != 1 {
		t.Fatal("unexpected referral:", a.Referral)
	}
	// longest prefix wins
	s.Referrals().Set("/remote/deep", []string{"10.2.0.1:9310"})
	a = s.Apply(api.ResolverOp{Kind: api.OpResolve, Path: "/remote/deep/x"})
	if a.Referral.Addrs[0] != "10.2.0.1:9310" {
		t.Fatal("longest prefix not preferred:", a.Referral)
	}
}

func TestApplyBatchPreservesOrder(t *testing.T) {
	s := newTestStore(t, 8)
	ref := api.PublisherRef{Id: api.NewPublisherId(), Addr: "10.0.0.1:4001"}
	pathsIn := []string{"/o/a", "/o/b", "/o/c", "/o/d"}
	pubOps := make([]api.ResolverOp, len(pathsIn))
	for i, p := range pathsIn {
		pubOps[i] = api.ResolverOp{Kind: api.OpPublish, Path: p, Publisher: ref}
	}
	for _, a := range s.ApplyBatch(pubOps) {
		if a.Kind != api.AnswerWritten {
			t.Fatal("batch publish answered", a.Kind)
		}
	}
	ops := make([]api.ResolverOp, len(pathsIn))
	for i, p := range pathsIn {
		ops[i] = api.ResolverOp{Kind: api.OpResolve, Path: p}
	}
	// mix in a broadcast read, it must not displace positions
	ops = append(ops, api.ResolverOp{Kind: api.OpList, Path: "/o"})
	answers := s.ApplyBatch(ops)
	if len(answers) != len(ops) {
		t.Fatal("answer count mismatch:", len(answers))
	}
	for i := range pathsIn {
		if answers[i].Kind != api.AnswerResolved || len(answers[i].Refs) != 1 {
			t.Fatal("slot", i, "out of order:", answers[i])
		}
	}
	if answers[len(answers)-1].Kind != api.AnswerPaths {
		t.Fatal("broadcast slot wrong:", answers[len(answers)-1])
	}
}

func sameStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	g := append([]string(nil), got...)
	w := append([]string(nil), want...)
	sort.Strings(g)
	sort.Strings(w)
	for i := range g {
		if g[i] != w[i] {
			return false
		}
	}
	return true
}
