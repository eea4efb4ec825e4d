package resolverclient

import (
	"testing"
	"time"

	"github.com/pathmesh/pathmesh/api"
	"github.com/pathmesh/pathmesh/service/resolver"
)

func startTestResolver(t *testing.T) *resolver.Server {
	t.Helper()
	srv := resolver.NewServer(resolver.ServerConfig{
		Listen:    "127.0.0.1:0",
		NumShards: 4,
	})
	if err := srv.Start(); err != nil {
		t.Fatal("start resolver:", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func newTestClient(t *testing.T, srv *resolver.Server) *Client {
	t.Helper()
	c, err := New(Config{Addrs: []string{srv.Addr()}})
	if err != nil {
		t.Fatal("client:", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestPublishResolveOverWire(t *testing.T) {
	srv := startTestResolver(t)
	c := newTestClient(t, srv)

	ref := api.PublisherRef{Id: api.NewPublisherId(), Addr: "10.9.9.9:4001"}
	if err := c.Publish(ref, []string{"/wire/a", "/wire/b"}); err != nil {
		t.Fatal("publish:", err)
	}
	refs, err := c.Resolve([]string{"/wire/a", "/wire/missing", "/wire/b"})
	if err != nil {
		t.Fatal("resolve:", err)
	}
	if len(refs[0]) != 1 || refs[0][0].Addr != ref.Addr {
		t.Fatal("slot 0:", refs[0])
	}
	if len(refs[1]) != 0 {
		t.Fatal("missing path resolved:", refs[1])
	}
	if len(refs[2]) != 1 || refs[2][0].Id != ref.Id {
		t.Fatal("slot 2:", refs[2])
	}

	children, err := c.List("/wire")
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(children) != 2 {
		t.Fatal("list:", children)
	}

	if err := c.Unpublish(ref.Id, []string{"/wire/a"}); err != nil {
		t.Fatal("unpublish:", err)
	}
	refs, err = c.Resolve([]string{"/wire/a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(refs[0]) != 0 {
		t.Fatal("unpublished path still resolves:", refs[0])
	}
}

func TestClearPublisherOverWire(t *testing.T) {
	srv := startTestResolver(t)
	c := newTestClient(t, srv)

	ref := api.PublisherRef{Id: api.NewPublisherId(), Addr: "10.9.9.9:4001"}
	if err := c.Publish(ref, []string{"/clear/a", "/clear/b"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Clear(ref.Id); err != nil {
		t.Fatal(err)
	}
	refs, err := c.Resolve([]string{"/clear/a", "/clear/b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(refs[0]) != 0 || len(refs[1]) != 0 {
		t.Fatal("entries survived clear:", refs)
	}
}

func TestCheckChangedOverWire(t *testing.T) {
	srv := startTestResolver(t)
	c := newTestClient(t, srv)

	v0, err := c.CheckChanged("/cc/x")
	if err != nil {
		t.Fatal(err)
	}
	if v0 != 0 {
		t.Fatal("absent path version:", v0)
	}
	ref := api.PublisherRef{Id: api.NewPublisherId(), Addr: "10.9.9.9:4001"}
	if err := c.Publish(ref, []string{"/cc/x"}); err != nil {
		t.Fatal(err)
	}
	v1, err := c.CheckChanged("/cc/x")
	if err != nil {
		t.Fatal(err)
	}
	if v1 == 0 {
		t.Fatal("published path still at version zero")
	}
}

// a referral cycle must terminate with ErrReferralLoop instead of
// recursing forever; the cluster delegating a prefix to itself is the
// tightest cycle.
func TestReferralLoopBound(t *testing.T) {
	srv := startTestResolver(t)
	srv.Store().Referrals().Set("/loop", []string{srv.Addr()})

	c, err := New(Config{Addrs: []string{srv.Addr()}, ReferralBound: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Resolve([]string{"/loop/x"}); err != ErrReferralLoop {
		t.Fatal("expected ErrReferralLoop, got", err)
	}
}

// publishing under a delegated prefix must land on the delegated
// cluster, not vanish into a swallowed referral answer.
func TestPublishFollowsReferral(t *testing.T) {
	root := startTestResolver(t)
	child := startTestResolver(t)
	root.Store().Referrals().Set("/sub", []string{child.Addr()})

	c := newTestClient(t, root)
	ref := api.PublisherRef{Id: api.NewPublisherId(), Addr: "10.9.9.9:4001"}
	if err := c.Publish(ref, []string{"/sub/x"}); err != nil {
		t.Fatal("publish under referral:", err)
	}

	// the entry lives on the child cluster
	direct := newTestClient(t, child)
	refs, err := direct.Resolve([]string{"/sub/x"})
	if err != nil {
		t.Fatal(err)
	}
	if len(refs[0]) != 1 || refs[0][0].Id != ref.Id {
		t.Fatal("entry never reached the delegated cluster:", refs[0])
	}

	// and resolving through the root follows the same referral
	refs, err = c.Resolve([]string{"/sub/x"})
	if err != nil {
		t.Fatal(err)
	}
	if len(refs[0]) != 1 || refs[0][0].Id != ref.Id {
		t.Fatal("root referral resolution broken:", refs[0])
	}

	if err := c.Unpublish(ref.Id, []string{"/sub/x"}); err != nil {
		t.Fatal("unpublish under referral:", err)
	}
	refs, err = direct.Resolve([]string{"/sub/x"})
	if err != nil {
		t.Fatal(err)
	}
	if len(refs[0]) != 0 {
		t.Fatal("unpublish never reached the delegated cluster:", refs[0])
	}
}

// write batches honor the same hop bound as reads
func TestWriteReferralLoopBound(t *testing.T) {
	srv := startTestResolver(t)
	srv.Store().Referrals().Set("/wloop", []string{srv.Addr()})

	c, err := New(Config{Addrs: []string{srv.Addr()}, ReferralBound: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ref := api.PublisherRef{Id: api.NewPublisherId(), Addr: "10.9.9.9:4001"}
	if err := c.Publish(ref, []string{"/wloop/x"}); err != ErrReferralLoop {
		t.Fatal("expected ErrReferralLoop, got", err)
	}
}

func TestBatchTimeoutScaling(t *testing.T) {
	c := &Client{cfg: Config{
		TimeoutFloor: 15 * time.Second,
		ReadOpCost:   50 * time.Microsecond,
		WriteOpCost:  250 * time.Microsecond,
	}}
	small := make([]api.ResolverOp, 10)
	if got := c.BatchTimeout(small); got != 15*time.Second {
		t.Fatal("small batch should hit the floor:", got)
	}
	huge := make([]api.ResolverOp, 1_000_000)
	for i := range huge {
		huge[i].Kind = api.OpResolve
	}
	if got := c.BatchTimeout(huge); got != 50*time.Second {
		t.Fatal("1M reads at 50us should be 50s:", got)
	}
	writes := make([]api.ResolverOp, 100_000)
	for i := range writes {
		writes[i].Kind = api.OpPublish
	}
	if got := c.BatchTimeout(writes); got != 25*time.Second {
		t.Fatal("100k writes at 250us should be 25s:", got)
	}
}
