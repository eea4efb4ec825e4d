package api

import (
	"github.com/pathmesh/pathmesh/wire"
)

// Resolver protocol. A client sends a batch of ResolverOp messages and
// receives exactly one ResolverAnswer per op, in op order, possibly
// spread over several frames when the server flushes chunk results
// early. Every message is tag + length + body so an unknown tag can be
// skipped by an older peer.

type OpKind uint8

const (
	OpResolve OpKind = iota
	OpList
	OpTable
	OpListMatching
	OpCheckChanged
	OpPublish
	OpUnpublish
	OpClearPublisher
	OpHeartbeat
	// OpOther is the decode fallback for tags this peer does not know.
	OpOther
)

func (k OpKind) IsWrite() bool {
	switch k {
	case OpPublish, OpUnpublish, OpClearPublisher, OpHeartbeat:
		return true
	}
	return false
}

// Priority orders read op scheduling inside a shard, lowest value first.
// Point lookups must never wait behind glob scans.
func (k OpKind) Priority() int {
	switch k {
	case OpResolve, OpCheckChanged:
		return 0
	case OpList:
		return 1
	case OpTable:
		return 2
	case OpListMatching:
		return 3
	default:
		return 0
	}
}

func (k OpKind) String() string {
	switch k {
	case OpResolve:
		return "resolve"
	case OpList:
		return "list"
	case OpTable:
		return "table"
	case OpListMatching:
		return "list_matching"
	case OpCheckChanged:
		return "check_changed"
	case OpPublish:
		return "publish"
	case OpUnpublish:
		return "unpublish"
	case OpClearPublisher:
		return "clear_publisher"
	case OpHeartbeat:
		return "heartbeat"
	default:
		return "other"
	}
}

// ResolverOp is one operation against the resolver namespace. Path is
// the glob pattern for OpListMatching. Publisher is set for write ops.
type ResolverOp struct {
	Kind      OpKind
	Path      string
	Publisher PublisherRef
}

func (op *ResolverOp) bodyLen() int {
	switch op.Kind {
	case OpPublish, OpUnpublish:
		return wire.StringLen(op.Path) + op.Publisher.EncodedLen()
	case OpClearPublisher, OpHeartbeat:
		return op.Publisher.EncodedLen()
	default:
		return wire.StringLen(op.Path)
	}
}

func (op *ResolverOp) EncodedLen() int {
	body := op.bodyLen()
	return 1 + wire.VarintLen(uint64(body)) + body
}

func (op *ResolverOp) Encode(e *wire.Encoder) {
	e.PutU8(byte(op.Kind))
	e.PutVarint(uint64(op.bodyLen()))
	switch op.Kind {
	case OpPublish, OpUnpublish:
		e.PutString(op.Path)
		op.Publisher.Encode(e)
	case OpClearPublisher, OpHeartbeat:
		op.Publisher.Encode(e)
	default:
		e.PutString(op.Path)
	}
}

func (op *ResolverOp) Decode(d *wire.Decoder) error {
	tag, err := d.U8()
	if err != nil {
		return err
	}
	kind := OpKind(tag)
	if kind >= OpOther {
		op.Kind = OpOther
		return d.Skip()
	}
	if _, err := d.Varint(); err != nil {
		return err
	}
	op.Kind = kind
	op.Path = ""
	op.Publisher = PublisherRef{}
	switch kind {
	case OpPublish, OpUnpublish:
		if op.Path, err = d.String(); err != nil {
			return err
		}
		return op.Publisher.Decode(d)
	case OpClearPublisher, OpHeartbeat:
		return op.Publisher.Decode(d)
	default:
		op.Path, err = d.String()
		return err
	}
}

type AnswerKind uint8

const (
	AnswerResolved AnswerKind = iota
	AnswerPaths
	AnswerTable
	AnswerChanged
	AnswerWritten
	AnswerReferral
	AnswerError
	AnswerOther
)

// TableRow describes one child of a Table query: its path and how many
// children of its own it has.
type TableRow struct {
	Path     string
	Children uint32
}

// Referral delegates a subtree to another resolver cluster. The protocol
// does not loop-detect referral chains; clients bound the hop count.
type Referral struct {
	Prefix string
	Addrs  []string
}

// ResolverAnswer is the response to exactly one ResolverOp.
type ResolverAnswer struct {
	Kind     AnswerKind
	Refs     []PublisherRef
	Paths    []string
	Rows     []TableRow
	Version  uint64
	Referral Referral
	Err      string
}

func ErrorAnswer(msg string) ResolverAnswer {
	return ResolverAnswer{Kind: AnswerError, Err: msg}
}

func (a *ResolverAnswer) bodyLen() int {
	switch a.Kind {
	case AnswerResolved:
		n := wire.VarintLen(uint64(len(a.Refs)))
		for i := range a.Refs {
			n += a.Refs[i].EncodedLen()
		}
		return n
	case AnswerPaths:
		n := wire.VarintLen(uint64(len(a.Paths)))
		for _, p := range a.Paths {
			n += wire.StringLen(p)
		}
		return n
	case AnswerTable:
		n := wire.VarintLen(uint64(len(a.Rows)))
		for i := range a.Rows {
			n += wire.StringLen(a.Rows[i].Path) + 4
		}
		return n
	case AnswerChanged:
		return 8
	case AnswerWritten:
		return 0
	case AnswerReferral:
		n := wire.StringLen(a.Referral.Prefix) + wire.VarintLen(uint64(len(a.Referral.Addrs)))
		for _, addr := range a.Referral.Addrs {
			n += wire.StringLen(addr)
		}
		return n
	case AnswerError:
		return wire.StringLen(a.Err)
	default:
		return 0
	}
}

func (a *ResolverAnswer) EncodedLen() int {
	body := a.bodyLen()
	return 1 + wire.VarintLen(uint64(body)) + body
}

func (a *ResolverAnswer) Encode(e *wire.Encoder) {
	e.PutU8(byte(a.Kind))
	e.PutVarint(uint64(a.bodyLen()))
	switch a.Kind {
	case AnswerResolved:
		e.PutVarint(uint64(len(a.Refs)))
		for i := range a.Refs {
			a.Refs[i].Encode(e)
		}
	case AnswerPaths:
		e.PutVarint(uint64(len(a.Paths)))
		for _, p := range a.Paths {
			e.PutString(p)
		}
	case AnswerTable:
		e.PutVarint(uint64(len(a.Rows)))
		for i := range a.Rows {
			e.PutString(a.Rows[i].Path)
			e.PutU32(a.Rows[i].Children)
		}
	case AnswerChanged:
		e.PutU64(a.Version)
	case AnswerReferral:
		e.PutString(a.Referral.Prefix)
		e.PutVarint(uint64(len(a.Referral.Addrs)))
		for _, addr := range a.Referral.Addrs {
			e.PutString(addr)
		}
	case AnswerError:
		e.PutString(a.Err)
	}
}

func (a *ResolverAnswer) Decode(d *wire.Decoder) error {
	tag, err := d.U8()
	if err != nil {
		return err
	}
	kind := AnswerKind(tag)
	if kind >= AnswerOther {
		a.Kind = AnswerOther
		return d.Skip()
	}
	if _, err := d.Varint(); err != nil {
		return err
	}
	*a = ResolverAnswer{Kind: kind}
	switch kind {
	case AnswerResolved:
		n, err := d.Varint()
		if err != nil {
			return err
		}
		if n > uint64(d.Remaining()) {
			return wire.ErrLengthMismatch
		}
		a.Refs = make([]PublisherRef, n)
		for i := range a.Refs {
			if err := a.Refs[i].Decode(d); err != nil {
				return err
			}
		}
	case AnswerPaths:
		n, err := d.Varint()
		if err != nil {
			return err
		}
		if n > uint64(d.Remaining()) {
			return wire.ErrLengthMismatch
		}
		a.Paths = make([]string, n)
		for i := range a.Paths {
			if a.Paths[i], err = d.String(); err != nil {
				return err
			}
		}
	case AnswerTable:
		n, err := d.Varint()
		if err != nil {
			return err
		}
		if n > uint64(d.Remaining()) {
			return wire.ErrLengthMismatch
		}
		a.Rows = make([]TableRow, n)
		for i := range a.Rows {
			if a.Rows[i].Path, err = d.String(); err != nil {
				return err
			}
			if a.Rows[i].Children, err = d.U32(); err != nil {
				return err
			}
		}
	case AnswerChanged:
		a.Version, err = d.U64()
		return err
	case AnswerWritten:
	case AnswerReferral:
		if a.Referral.Prefix, err = d.String(); err != nil {
			return err
		}
		n, err := d.Varint()
		if err != nil {
			return err
		}
		if n > uint64(d.Remaining()) {
			return wire.ErrLengthMismatch
		}
		a.Referral.Addrs = make([]string, n)
		for i := range a.Referral.Addrs {
			if a.Referral.Addrs[i], err = d.String(); err != nil {
				return err
			}
		}
	case AnswerError:
		a.Err, err = d.String()
		return err
	}
	return nil
}
