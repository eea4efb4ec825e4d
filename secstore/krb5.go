package secstore

import (
	"net"
	"time"

	"github.com/pathmesh/pathmesh/api"
	"github.com/pathmesh/pathmesh/channel"
	"github.com/pathmesh/pathmesh/shared/storage"
)

// The Kerberos family mechanism drives a GSS style token exchange. The
// cryptographic context itself is delegated to the operator supplied
// factory (typically a thin wrapper over the system GSSAPI); this
// package owns only negotiation ordering, the replay cache, and context
// lifetime, which is exactly the connection lifetime.

// GssContext is one side of an in-progress or established context.
type GssContext interface {
	// Step consumes the peer token and produces the next token to send.
	// done reports an established context; a final token may still
	// accompany it.
	Step(token []byte) (out []byte, done bool, err error)
	// Identity is valid once the context is established.
	Identity() Identity
	// Checksum identifies the initiator authenticator for replay
	// detection. Valid once established, may be nil for the initiator.
	Checksum() []byte
	Close() error
}

type GssFactory interface {
	NewServerContext() (GssContext, error)
	NewClientContext(target string) (GssContext, error)
}

type krb5Mechanism struct {
	factory GssFactory
	target  string

	replay       storage.ExpiringSet
	replayWindow time.Duration
}

// NewKrb5 builds the mechanism. replay may be nil on pure clients; a
// server without a replay cache accepts replayed authenticators and
// must not be deployed that way.
func NewKrb5(factory GssFactory, target string, replay storage.ExpiringSet, replayWindow time.Duration) Mechanism {
	if replayWindow <= 0 {
		replayWindow = 5 * time.Minute
	}
	return &krb5Mechanism{
		factory:      factory,
		target:       target,
		replay:       replay,
		replayWindow: replayWindow,
	}
}

func (m *krb5Mechanism) Kind() api.AuthMechanism {
	return api.MechanismKrb5
}

func (m *krb5Mechanism) WrapServer(conn net.Conn) (net.Conn, error) {
	return conn, nil
}

func (m *krb5Mechanism) WrapClient(conn net.Conn, serverName string) (net.Conn, error) {
	return conn, nil
}

func (m *krb5Mechanism) NegotiateServer(ch *channel.Channel) (*SecurityContext, error) {
	gss, err := m.factory.NewServerContext()
	if err != nil {
		return nil, err
	}
	established := false
	defer func() {
		if !established {
			_ = gss.Close()
		}
	}()
	for {
		f, err := readFrame(ch)
		if err != nil {
			return nil, err
		}
		if api.AuthMechanism(f.Mechanism) != api.MechanismKrb5 {
			rejectFrame(ch, api.MechanismKrb5, "mechanism mismatch")
			return nil, ErrMechanismMismatch
		}
		out, done, err := gss.Step(f.Token)
		if err != nil {
			rejectFrame(ch, api.MechanismKrb5, "context step failed")
			return nil, ErrAuthFailed
		}
		if !done {
			if err := sendFrame(ch, &authFrame{Mechanism: uint8(api.MechanismKrb5), Token: out}); err != nil {
				return nil, err
			}
			continue
		}
		if m.replay != nil {
			if sum := gss.Checksum(); len(sum) > 0 {
				fresh, err := m.replay.AddIfAbsent(sum, m.replayWindow)
				if err != nil {
					return nil, err
				}
				if !fresh {
					rejectFrame(ch, api.MechanismKrb5, "authenticator replayed")
					return nil, ErrReplay
				}
			}
		}
		if err := sendFrame(ch, &authFrame{Mechanism: uint8(api.MechanismKrb5), Token: out, Done: true}); err != nil {
			return nil, err
		}
		established = true
		return &SecurityContext{
			Mechanism: api.MechanismKrb5,
			Identity:  gss.Identity(),
			closer:    gss.Close,
		}, nil
	}
}

func (m *krb5Mechanism) NegotiateClient(ch *channel.Channel) (*SecurityContext, error) {
	gss, err := m.factory.NewClientContext(m.target)
	if err != nil {
		return nil, err
	}
	established := false
	defer func() {
		if !established {
			_ = gss.Close()
		}
	}()
	token, done, err := gss.Step(nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	for {
		if err := sendFrame(ch, &authFrame{Mechanism: uint8(api.MechanismKrb5), Token: token, Done: done}); err != nil {
			return nil, err
		}
		f, err := readFrame(ch)
		if err != nil {
			return nil, err
		}
		if api.AuthMechanism(f.Mechanism) != api.MechanismKrb5 {
			return nil, ErrMechanismMismatch
		}
		if done && f.Done {
			established = true
			return &SecurityContext{
				Mechanism: api.MechanismKrb5,
				Identity:  gss.Identity(),
				closer:    gss.Close,
			}, nil
		}
		token, done, err = gss.Step(f.Token)
		if err != nil {
			return nil, ErrAuthFailed
		}
		if f.Done && done {
			established = true
			return &SecurityContext{
				Mechanism: api.MechanismKrb5,
				Identity:  gss.Identity(),
				closer:    gss.Close,
			}, nil
		}
	}
}
