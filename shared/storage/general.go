package storage

import (
	"time"

	"github.com/pathmesh/pathmesh/shared/storage/badger"
)

// ExpiringSet records keys for a bounded time window. The Kerberos style
// replay cache is built on it: an authenticator checksum may be admitted
// at most once per window.
type ExpiringSet interface {
	// AddIfAbsent returns true when key was not present and is now
	// recorded with the given ttl.
	AddIfAbsent(key []byte, ttl time.Duration) (bool, error)
	Close() error
}

func NewBadgerExpiringSet(path string) (ExpiringSet, error) {
	return badger.NewExpiringSet(path, false)
}

func NewBadgerExpiringSetInMemory() (ExpiringSet, error) {
	return badger.NewExpiringSet("", true)
}
