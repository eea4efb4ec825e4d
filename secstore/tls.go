package secstore

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"

	"github.com/spf13/afero"

	"github.com/pathmesh/pathmesh/api"
	"github.com/pathmesh/pathmesh/channel"
)

var ErrNoPeerCertificate = errors.New("peer presented no certificate")

// TLSConfig names the credential material for the TLS mechanism. Mutual
// authentication is mandatory: a server-only mode would leave publishers
// unable to authorize writers.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	// CAFile holds the trust roots for peer certificates.
	CAFile string
}

type tlsMechanism struct {
	cert  tls.Certificate
	roots *x509.CertPool
}

// NewTLS loads credentials through fs so deployments can source them
// from any filesystem implementation.
func NewTLS(fs afero.Fs, cfg TLSConfig) (Mechanism, error) {
	certPEM, err := afero.ReadFile(fs, cfg.CertFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := afero.ReadFile(fs, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	caPEM, err := afero.ReadFile(fs, cfg.CAFile)
	if err != nil {
		return nil, err
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("no usable CA certificates in " + cfg.CAFile)
	}
	return &tlsMechanism{cert: cert, roots: roots}, nil
}

func (m *tlsMechanism) Kind() api.AuthMechanism {
	return api.MechanismTLS
}

func (m *tlsMechanism) WrapServer(conn net.Conn) (net.Conn, error) {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{m.cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    m.roots,
	}
	return tls.Server(conn, cfg), nil
}

func (m *tlsMechanism) WrapClient(conn net.Conn, serverName string) (net.Conn, error) {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{m.cert},
		RootCAs:      m.roots,
		ServerName:   serverName,
	}
	return tls.Client(conn, cfg), nil
}

func (m *tlsMechanism) NegotiateServer(ch *channel.Channel) (*SecurityContext, error) {
	ctx, err := m.contextFromConn(ch.Conn())
	if err != nil {
		rejectFrame(ch, api.MechanismTLS, err.Error())
		return nil, err
	}
	f, err := readFrame(ch)
	if err != nil {
		return nil, err
	}
	if api.AuthMechanism(f.Mechanism) != api.MechanismTLS {
		rejectFrame(ch, api.MechanismTLS, "mechanism mismatch")
		return nil, ErrMechanismMismatch
	}
	if err := sendFrame(ch, &authFrame{Mechanism: uint8(api.MechanismTLS), Done: true}); err != nil {
		return nil, err
	}
	return ctx, nil
}

func (m *tlsMechanism) NegotiateClient(ch *channel.Channel) (*SecurityContext, error) {
	if err := sendFrame(ch, &authFrame{Mechanism: uint8(api.MechanismTLS)}); err != nil {
		return nil, err
	}
	f, err := readFrame(ch)
	if err != nil {
		return nil, err
	}
	if api.AuthMechanism(f.Mechanism) != api.MechanismTLS || !f.Done {
		return nil, ErrMechanismMismatch
	}
	return m.contextFromConn(ch.Conn())
}

// contextFromConn derives the peer identity from the mutually verified
// certificate: user from the common name, groups from organizations.
func (m *tlsMechanism) contextFromConn(conn net.Conn) (*SecurityContext, error) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return nil, errors.New("connection is not TLS")
	}
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, ErrNoPeerCertificate
	}
	leaf := state.PeerCertificates[0]
	id := Identity{User: leaf.Subject.CommonName}
	if orgs := leaf.Subject.Organization; len(orgs) > 0 {
		id.PrimaryGroup = orgs[0]
		id.Groups = orgs
	}
	return &SecurityContext{Mechanism: api.MechanismTLS, Identity: id}, nil
}
