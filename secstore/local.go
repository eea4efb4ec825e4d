package secstore

import (
	"net"
	"os/user"

	"github.com/pathmesh/pathmesh/api"
	"github.com/pathmesh/pathmesh/channel"
)

// localMechanism carries no cryptographic identity: the claimed user is
// trusted because the deployment trusts the local machine. Suitable for
// development and single-host setups only.
type localMechanism struct {
}

func NewLocal() Mechanism {
	return localMechanism{}
}

func (localMechanism) Kind() api.AuthMechanism {
	return api.MechanismLocal
}

func (localMechanism) WrapServer(conn net.Conn) (net.Conn, error) {
	return conn, nil
}

func (localMechanism) WrapClient(conn net.Conn, serverName string) (net.Conn, error) {
	return conn, nil
}

func (m localMechanism) NegotiateServer(ch *channel.Channel) (*SecurityContext, error) {
	f, err := readFrame(ch)
	if err != nil {
		return nil, err
	}
	if api.AuthMechanism(f.Mechanism) != api.MechanismLocal {
		rejectFrame(ch, api.MechanismLocal, "mechanism mismatch")
		return nil, ErrMechanismMismatch
	}
	if f.User == "" {
		rejectFrame(ch, api.MechanismLocal, "missing user")
		return nil, ErrAuthFailed
	}
	if err := sendFrame(ch, &authFrame{Mechanism: uint8(api.MechanismLocal), Done: true}); err != nil {
		return nil, err
	}
	return &SecurityContext{
		Mechanism: api.MechanismLocal,
		Identity:  Identity{User: f.User, PrimaryGroup: f.User},
	}, nil
}

func (m localMechanism) NegotiateClient(ch *channel.Channel) (*SecurityContext, error) {
	name := "anonymous"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	if err := sendFrame(ch, &authFrame{Mechanism: uint8(api.MechanismLocal), User: name}); err != nil {
		return nil, err
	}
	f, err := readFrame(ch)
	if err != nil {
		return nil, err
	}
	if api.AuthMechanism(f.Mechanism) != api.MechanismLocal || !f.Done {
		return nil, ErrMechanismMismatch
	}
	return &SecurityContext{
		Mechanism: api.MechanismLocal,
		Identity:  Identity{User: name, PrimaryGroup: name},
	}, nil
}
