// Package secstore implements connection authentication negotiation. A
// resolver cluster runs exactly one mechanism; publishers inherit it so
// subscribers authenticate the same way everywhere in the cluster.
package secstore

import (
	"errors"
	"net"

	"github.com/fxamacker/cbor/v2"

	"github.com/pathmesh/pathmesh/api"
	"github.com/pathmesh/pathmesh/channel"
	"github.com/pathmesh/pathmesh/wire"
)

var (
	ErrAuthFailed        = errors.New("authentication failed")
	ErrMechanismMismatch = errors.New("peer negotiated a different auth mechanism")
	ErrReplay            = errors.New("authenticator replayed")
)

// Identity is what a successful negotiation proved about the peer, used
// by the application layer for write authorization.
type Identity struct {
	User         string
	PrimaryGroup string
	Groups       []string
}

// SecurityContext lives exactly as long as its connection. Mechanism
// implementations may pin scarce resources (one file descriptor per live
// context is common), so contexts are never cached or shared across
// connections; Close releases them on connection teardown.
type SecurityContext struct {
	Mechanism api.AuthMechanism
	Identity  Identity

	closer func() error
}

func (s *SecurityContext) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	return s.closer()
}

// Mechanism is the capability interface every auth variant implements.
// Wrap* upgrade the raw connection before framing (TLS needs to);
// Negotiate* run once per connection right after the version handshake.
type Mechanism interface {
	Kind() api.AuthMechanism
	WrapServer(conn net.Conn) (net.Conn, error)
	WrapClient(conn net.Conn, serverName string) (net.Conn, error)
	NegotiateServer(ch *channel.Channel) (*SecurityContext, error)
	NegotiateClient(ch *channel.Channel) (*SecurityContext, error)
}

// authFrame is a negotiation message. Negotiation is not on the hot
// path, so frames are self-describing CBOR rather than hand packed.
type authFrame struct {
	Mechanism uint8  `cbor:"mech"`
	User      string `cbor:"user,omitempty"`
	Token     []byte `cbor:"token,omitempty"`
	Done      bool   `cbor:"done,omitempty"`
	Error     string `cbor:"error,omitempty"`
}

// blob adapts an opaque CBOR payload to the framed channel.
type blob struct {
	raw []byte
}

func (b *blob) EncodedLen() int {
	return wire.BytesLen(b.raw)
}

func (b *blob) Encode(e *wire.Encoder) {
	e.PutBytes(b.raw)
}

func (b *blob) Decode(d *wire.Decoder) error {
	raw, err := d.Bytes()
	if err != nil {
		return err
	}
	b.raw = raw
	return nil
}

func sendFrame(ch *channel.Channel, f *authFrame) error {
	raw, err := cbor.Marshal(f)
	if err != nil {
		return err
	}
	return ch.SendBatch(&blob{raw: raw})
}

func readFrame(ch *channel.Channel) (*authFrame, error) {
	for {
		batch, err := ch.ReadBatch()
		if err != nil {
			return nil, err
		}
		if batch.IsHeartbeat() {
			continue
		}
		var b blob
		if ok, err := batch.Next(&b); err != nil {
			return nil, err
		} else if !ok {
			continue
		}
		f := new(authFrame)
		if err := cbor.Unmarshal(b.raw, f); err != nil {
			return nil, err
		}
		if f.Error != "" {
			return nil, errors.New("peer rejected negotiation: " + f.Error)
		}
		return f, nil
	}
}

func rejectFrame(ch *channel.Channel, mech api.AuthMechanism, msg string) {
	_ = sendFrame(ch, &authFrame{Mechanism: uint8(mech), Error: msg})
}
