package api

import (
	"github.com/google/uuid"

	"github.com/pathmesh/pathmesh/wire"
)

// PublisherId identifies a publishing endpoint for its process lifetime.
// It, not the socket address, is the identity of the publisher: several
// publishers may legitimately share one address behind a proxy or a
// restarted process may reuse a port without inheriting stale entries.
type PublisherId uuid.UUID

func NewPublisherId() PublisherId {
	return PublisherId(uuid.New())
}

func (p PublisherId) String() string {
	return uuid.UUID(p).String()
}

func (p PublisherId) IsZero() bool {
	return p == PublisherId{}
}

func (p PublisherId) EncodedLen() int { return 16 }

func (p PublisherId) Encode(e *wire.Encoder) {
	e.PutRaw(p[:])
}

func DecodePublisherId(d *wire.Decoder) (PublisherId, error) {
	var p PublisherId
	for i := 0; i < 16; i++ {
		b, err := d.U8()
		if err != nil {
			return PublisherId{}, err
		}
		p[i] = b
	}
	return p, nil
}

// EntryFlags qualify one publisher's membership in a resolver entry.
type EntryFlags uint8

const (
	// FlagDefault marks an advertisement: a placeholder the publisher has
	// not backed with a live value yet. Subscribers cannot tell the
	// difference; the resolver stores it more cheaply.
	FlagDefault EntryFlags = 1 << iota
	// FlagUseExisting asks subscribers to prefer an already open
	// connection to this publisher over dialing a second one.
	FlagUseExisting
)

// PublisherRef is the resolver's answer unit: who serves a path and how
// to reach them.
type PublisherRef struct {
	Id    PublisherId
	Addr  string
	Flags EntryFlags
}

func (p *PublisherRef) EncodedLen() int {
	return 16 + wire.StringLen(p.Addr) + 1
}

func (p *PublisherRef) Encode(e *wire.Encoder) {
	p.Id.Encode(e)
	e.PutString(p.Addr)
	e.PutU8(byte(p.Flags))
}

func (p *PublisherRef) Decode(d *wire.Decoder) error {
	id, err := DecodePublisherId(d)
	if err != nil {
		return err
	}
	addr, err := d.String()
	if err != nil {
		return err
	}
	flags, err := d.U8()
	if err != nil {
		return err
	}
	p.Id = id
	p.Addr = addr
	p.Flags = EntryFlags(flags)
	return nil
}

// AuthMechanism is the cluster-wide connection authentication mechanism.
// Decoders map unrecognized values to MechanismOther so a newer cluster
// can at least be identified, then rejected, by an older peer.
type AuthMechanism uint8

const (
	MechanismLocal AuthMechanism = iota
	MechanismTLS
	MechanismKrb5
	MechanismOther
)

func DecodeAuthMechanism(d *wire.Decoder) (AuthMechanism, error) {
	b, err := d.U8()
	if err != nil {
		return MechanismOther, err
	}
	m := AuthMechanism(b)
	if m >= MechanismOther {
		return MechanismOther, nil
	}
	return m, nil
}

func (m AuthMechanism) String() string {
	switch m {
	case MechanismLocal:
		return "local"
	case MechanismTLS:
		return "tls"
	case MechanismKrb5:
		return "krb5"
	default:
		return "other"
	}
}
