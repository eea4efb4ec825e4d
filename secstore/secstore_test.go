package secstore

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/pathmesh/pathmesh/channel"
	"github.com/pathmesh/pathmesh/shared/storage"
)

func chanPair(t *testing.T) (*channel.Channel, *channel.Channel) {
	t.Helper()
	a, b := net.Pipe()
	ca, cb := channel.New(a), channel.New(b)
	t.Cleanup(func() {
		_ = ca.Close()
		_ = cb.Close()
	})
	return ca, cb
}

func TestLocalNegotiate(t *testing.T) {
	server, client := chanPair(t)
	mech := NewLocal()

	type result struct {
		ctx *SecurityContext
		err error
	}
	srv := make(chan result, 1)
	go func() {
		ctx, err := mech.NegotiateServer(server)
		srv <- result{ctx, err}
	}()
	cliCtx, err := mech.NegotiateClient(client)
	if err != nil {
		t.Fatal("client negotiate:", err)
	}
	r := <-srv
	if r.err != nil {
		t.Fatal("server negotiate:", r.err)
	}
	if r.ctx.Identity.User == "" || r.ctx.Identity.User != cliCtx.Identity.User {
		t.Fatal("identities disagree:", r.ctx.Identity, cliCtx.Identity)
	}
}

func TestLocalRejectsWrongMechanism(t *testing.T) {
	server, client := chanPair(t)
	srvErr := make(chan error, 1)
	go func() {
		_, err := NewLocal().NegotiateServer(server)
		srvErr <- err
	}()
	// a krb5 client against a local server must be refused
	fake := NewKrb5(&fakeGssFactory{user: "x", authenticator: []byte("a")}, "svc", nil, 0)
	if _, err := fake.NegotiateClient(client); err == nil {
		t.Fatal("mismatched mechanisms negotiated")
	}
	if err := <-srvErr; err != ErrMechanismMismatch {
		t.Fatal("server error:", err)
	}
}

// fakeGss simulates a two-leg GSS exchange. The client's first token is
// the authenticator; the server checksum is that token, so a factory
// reusing an authenticator trips the replay cache just like a replayed
// Kerberos AP-REQ.
type fakeGss struct {
	user          string
	initiator     bool
	authenticator []byte
	done          bool
	seen          []byte
}

type fakeGssFactory struct {
	user          string
	authenticator []byte
}

func (f *fakeGssFactory) NewServerContext() (GssContext, error) {
	return &fakeGss{user: f.user}, nil
}

func (f *fakeGssFactory) NewClientContext(target string) (GssContext, error) {
	return &fakeGss{user: f.user, initiator: true, authenticator: f.authenticator}, nil
}

func (g *fakeGss) Step(token []byte) ([]byte, bool, error) {
	if g.initiator {
		if token == nil {
			return append([]byte("AUTH:"), g.authenticator...), false, nil
		}
		if !bytes.Equal(token, []byte("OK")) {
			return nil, false, ErrAuthFailed
		}
		g.done = true
		return nil, true, nil
	}
	if !bytes.HasPrefix(token, []byte("AUTH:")) {
		return nil, false, ErrAuthFailed
	}
	g.seen = bytes.TrimPrefix(token, []byte("AUTH:"))
	g.done = true
	return []byte("OK"), true, nil
}

func (g *fakeGss) Identity() Identity {
	return Identity{User: g.user, PrimaryGroup: g.user}
}

func (g *fakeGss) Checksum() []byte {
	if g.initiator {
		return nil
	}
	return g.seen
}

func (g *fakeGss) Close() error { return nil }

func runKrb5Negotiation(t *testing.T, mech Mechanism) (serverErr error) {
	t.Helper()
	server, client := chanPair(t)
	srvErr := make(chan error, 1)
	go func() {
		_, err := mech.NegotiateServer(server)
		srvErr <- err
	}()
	_, _ = mech.NegotiateClient(client)
	select {
	case err := <-srvErr:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("negotiation hung")
		return nil
	}
}

func TestKrb5NegotiateAndReplay(t *testing.T) {
	replay, err := storage.NewBadgerExpiringSetInMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer replay.Close()

	factory := &fakeGssFactory{user: "svc-user", authenticator: []byte("nonce-1")}
	mech := NewKrb5(factory, "pathmesh/host", replay, time.Minute)

	if err := runKrb5Negotiation(t, mech); err != nil {
		t.Fatal("first negotiation:", err)
	}
	// the same authenticator again must be rejected as a replay
	if err := runKrb5Negotiation(t, mech); err != ErrReplay {
		t.Fatal("expected ErrReplay, got", err)
	}
	// a fresh authenticator is fine
	factory.authenticator = []byte("nonce-2")
	if err := runKrb5Negotiation(t, mech); err != nil {
		t.Fatal("fresh negotiation:", err)
	}
}
