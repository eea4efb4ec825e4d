package api

import (
	"testing"

	"github.com/pathmesh/pathmesh/wire"
)

func opRoundTrip(t *testing.T, op ResolverOp) ResolverOp {
	t.Helper()
	e := wire.NewEncoder(op.EncodedLen())
	op.Encode(e)
	if e.Len() != op.EncodedLen() {
		t.Fatal("encoded length lied:", e.Len(), op.EncodedLen())
	}
	var out ResolverOp
	if err := out.Decode(wire.NewDecoder(e.Bytes())); err != nil {
		t.Fatal("decode:", err)
	}
	return out
}

func TestResolverOpRoundTrip(t *testing.T) {
	ref := PublisherRef{Id: NewPublisherId(), Addr: "10.0.0.7:4001", Flags: FlagDefault}
	ops := []ResolverOp{
		{Kind: OpResolve, Path: "/a/b"},
		{Kind: OpList, Path: "/a"},
		{Kind: OpListMatching, Path: "/a/*/c"},
		{Kind: OpCheckChanged, Path: "/a/b"},
		{Kind: OpPublish, Path: "/a/b", Publisher: ref},
		{Kind: OpUnpublish, Path: "/a/b", Publisher: PublisherRef{Id: ref.Id}},
		{Kind: OpClearPublisher, Publisher: PublisherRef{Id: ref.Id}},
		{Kind: OpHeartbeat, Publisher: PublisherRef{Id: ref.Id}},
	}
	for _, op := range ops {
		got := opRoundTrip(t, op)
		if got.Kind != op.Kind || got.Path != op.Path || got.Publisher != op.Publisher {
			t.Fatal("round trip changed op:", op, got)
		}
	}
}

// an op tag from a future protocol version decodes as OpOther with the
// cursor past its body, so the rest of the batch still decodes.
func TestUnknownOpSkipped(t *testing.T) {
	e := wire.NewEncoder(0)
	e.PutU8(200)
	e.PutVarint(3)
	e.PutRaw([]byte{1, 2, 3})
	known := ResolverOp{Kind: OpResolve, Path: "/x"}
	known.Encode(e)

	d := wire.NewDecoder(e.Bytes())
	var first ResolverOp
	if err := first.Decode(d); err != nil {
		t.Fatal(err)
	}
	if first.Kind != OpOther {
		t.Fatal("unknown tag decoded as", first.Kind)
	}
	var second ResolverOp
	if err := second.Decode(d); err != nil {
		t.Fatal(err)
	}
	if second.Kind != OpResolve || second.Path != "/x" {
		t.Fatal("op after unknown tag corrupted:", second)
	}
}

func TestResolverAnswerRoundTrip(t *testing.T) {
	answers := []ResolverAnswer{
		{Kind: AnswerResolved, Refs: []PublisherRef{
			{Id: NewPublisherId(), Addr: "10.0.0.1:4001"},
			{Id: NewPublisherId(), Addr: "10.0.0.2:4001", Flags: FlagUseExisting},
		}},
		{Kind: AnswerResolved},
		{Kind: AnswerPaths, Paths: []string{"/a/b", "/a/c"}},
		{Kind: AnswerTable, Rows: []TableRow{{Path: "/a/b", Children: 3}}},
		{Kind: AnswerChanged, Version: 123456789},
		{Kind: AnswerWritten},
		{Kind: AnswerReferral, Referral: Referral{Prefix: "/sub", Addrs: []string{"10.1.0.1:9310", "10.1.0.2:9310"}}},
		ErrorAnswer("denied"),
	}
	for _, a := range answers {
		e := wire.NewEncoder(a.EncodedLen())
		a.Encode(e)
		if e.Len() != a.EncodedLen() {
			t.Fatal("encoded length lied for kind", a.Kind)
		}
		var got ResolverAnswer
		if err := got.Decode(wire.NewDecoder(e.Bytes())); err != nil {
			t.Fatal("decode kind", a.Kind, ":", err)
		}
		if got.Kind != a.Kind || got.Version != a.Version || got.Err != a.Err {
			t.Fatal("round trip changed answer:", a, got)
		}
		if len(got.Refs) != len(a.Refs) || len(got.Paths) != len(a.Paths) || len(got.Rows) != len(a.Rows) {
			t.Fatal("payload sizes changed:", a, got)
		}
	}
}

func TestDataMsgRoundTrip(t *testing.T) {
	msgs := []DataMsg{
		{Kind: DataSubscribe, Path: "/a/b"},
		{Kind: DataSubscribed, Path: "/a/b", SubId: 7, Value: wire.U64(42)},
		{Kind: DataUpdate, SubId: 7, Value: wire.String("v")},
		{Kind: DataWrite, SubId: 7, ReqId: 9, Value: wire.Bool(true)},
		{Kind: DataWriteResult, SubId: 7, ReqId: 9, Value: wire.Ok()},
		{Kind: DataUnsubscribe, SubId: 7},
		{Kind: DataUnsubscribed, SubId: 7},
		{Kind: DataNoSuchValue, Path: "/a/b"},
		{Kind: DataDenied, SubId: 7, ReqId: 9},
	}
	for _, m := range msgs {
		e := wire.NewEncoder(m.EncodedLen())
		m.Encode(e)
		if e.Len() != m.EncodedLen() {
			t.Fatal("encoded length lied for kind", m.Kind)
		}
		var got DataMsg
		if err := got.Decode(wire.NewDecoder(e.Bytes())); err != nil {
			t.Fatal("decode kind", m.Kind, ":", err)
		}
		if got.Kind != m.Kind || got.Path != m.Path || got.SubId != m.SubId || got.ReqId != m.ReqId {
			t.Fatal("round trip changed msg:", m, got)
		}
		if !got.Value.Equal(m.Value) {
			t.Fatal("value changed for kind", m.Kind)
		}
	}
}
