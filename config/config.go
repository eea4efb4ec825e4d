package config

import (
	"errors"
	"io"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/pathmesh/pathmesh/api"
)

var _defaultConfig = &MeshConfig{
	Shared: SharedConfig{
		ResolverAddrs: []string{"127.0.0.1" + api.DefaultResolverListen},
		Auth: AuthConfig{
			Mechanism: "local",
		},
	},

	Resolver: ResolverConfig{
		Listen:      api.DefaultResolverListen,
		AdminListen: api.DefaultAdminListen,
		MaxConns:    4096,
		LeaseSec:    int(api.DefaultPublisherLease / time.Second),
	},
}

func WriteDefault(w io.Writer) error {
	data, err := toml.Marshal(_defaultConfig)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	if err != nil {
		return err
	}
	return nil
}

type MeshConfig struct {
	Shared   SharedConfig   `toml:"shared"`
	Resolver ResolverConfig `toml:"resolver"`
}

type SharedConfig struct {
	// ResolverAddrs are the members of the root resolver cluster.
	ResolverAddrs []string   `toml:"resolver_addresses"`
	Auth          AuthConfig `toml:"auth"`
	Compress      bool       `toml:"compress"`
}

type AuthConfig struct {
	// Mechanism is one of local, tls, krb5.
	Mechanism string `toml:"mechanism"`

	TLS struct {
		CertFile string `toml:"cert_file"`
		KeyFile  string `toml:"key_file"`
		CAFile   string `toml:"ca_file"`
		// ServerName expected on server certificates, client side only.
		ServerName string `toml:"server_name"`
	} `toml:"tls"`

	Krb5 struct {
		// Target is the service principal clients authenticate to.
		Target string `toml:"target"`
		// ReplayCachePath holds the on disk replay cache; empty keeps
		// it in memory.
		ReplayCachePath string `toml:"replay_cache_path"`
	} `toml:"krb5"`
}

type ResolverConfig struct {
	Disable     bool   `toml:"disable"`
	Listen      string `toml:"listen"`
	AdminListen string `toml:"admin_listen"`
	MaxConns    int    `toml:"max_connections"`
	// NumShards zero sizes the store to the core count.
	NumShards int `toml:"num_shards"`
	// LeaseSec is the publisher liveness lease in seconds.
	LeaseSec int `toml:"lease_sec"`

	// Referrals delegate subtrees to child resolver clusters.
	Referrals []ReferralConfig `toml:"referrals"`
}

type ReferralConfig struct {
	Prefix string   `toml:"prefix"`
	Addrs  []string `toml:"addresses"`
}

func (m *MeshConfig) Validate() error {
	if len(m.Shared.ResolverAddrs) == 0 {
		return errors.New("resolver addresses are empty")
	}
	switch m.Shared.Auth.Mechanism {
	case "", "local":
	case "tls":
		t := m.Shared.Auth.TLS
		if t.CertFile == "" || t.KeyFile == "" || t.CAFile == "" {
			return errors.New("tls auth requires cert_file, key_file and ca_file")
		}
	case "krb5":
		if m.Shared.Auth.Krb5.Target == "" {
			return errors.New("krb5 auth requires a target principal")
		}
	default:
		return errors.New("unknown auth mechanism: " + m.Shared.Auth.Mechanism)
	}
	for _, r := range m.Resolver.Referrals {
		if r.Prefix == "" || len(r.Addrs) == 0 {
			return errors.New("referral requires prefix and addresses")
		}
	}
	return nil
}

func (m *MeshConfig) MergeDefault() *MeshConfig {
	if m.Shared.ResolverAddrs == nil {
		m.Shared.ResolverAddrs = _defaultConfig.Shared.ResolverAddrs
	}
	if m.Shared.Auth.Mechanism == "" {
		m.Shared.Auth.Mechanism = _defaultConfig.Shared.Auth.Mechanism
	}
	if m.Resolver.Listen == "" {
		m.Resolver.Listen = _defaultConfig.Resolver.Listen
	}
	if m.Resolver.AdminListen == "" {
		m.Resolver.AdminListen = _defaultConfig.Resolver.AdminListen
	}
	if m.Resolver.MaxConns == 0 {
		m.Resolver.MaxConns = _defaultConfig.Resolver.MaxConns
	}
	if m.Resolver.LeaseSec == 0 {
		m.Resolver.LeaseSec = _defaultConfig.Resolver.LeaseSec
	}
	return m
}

// Lease converts the configured lease to a duration.
func (r *ResolverConfig) Lease() time.Duration {
	return time.Duration(r.LeaseSec) * time.Second
}
