package config

import (
	"errors"

	"github.com/spf13/afero"

	"github.com/pathmesh/pathmesh/secstore"
)

// BuildMechanism constructs the security mechanism the configuration
// asks for. Kerberos is not constructible from configuration alone, it
// needs a GSS implementation supplied by the embedding program through
// secstore.NewKrb5.
func (a *AuthConfig) BuildMechanism(fs afero.Fs) (secstore.Mechanism, error) {
	switch a.Mechanism {
	case "", "local":
		return secstore.NewLocal(), nil
	case "tls":
		return secstore.NewTLS(fs, secstore.TLSConfig{
			CertFile: a.TLS.CertFile,
			KeyFile:  a.TLS.KeyFile,
			CAFile:   a.TLS.CAFile,
		})
	case "krb5":
		return nil, errors.New("krb5 needs a GSS implementation wired in code")
	default:
		return nil, errors.New("unknown auth mechanism: " + a.Mechanism)
	}
}
