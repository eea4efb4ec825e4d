package badger

import (
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/pathmesh/pathmesh/shared/logging"
)

var _badgerSetLogger = logging.NewLogger("BadgerExpiringSet")

type expiringSet struct {
	db *badger.DB
}

func NewExpiringSet(path string, inMemory bool) (*expiringSet, error) {
	opts := badger.DefaultOptions(path).
		WithInMemory(inMemory).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &expiringSet{db: db}, nil
}

func (s *expiringSet) AddIfAbsent(key []byte, ttl time.Duration) (bool, error) {
	for {
		added, err := func() (bool, error) {
			txn := s.db.NewTransaction(true)
			defer txn.Discard()

			_, err := txn.Get(key)
			if err == nil {
				return false, nil
			}
			if err != badger.ErrKeyNotFound {
				return false, err
			}
			entry := badger.NewEntry(key, nil).WithTTL(ttl)
			if err := txn.SetEntry(entry); err != nil {
				return false, err
			}
			if err := txn.Commit(); err != nil {
				return false, err
			}
			return true, nil
		}()
		if err == badger.ErrConflict {
			_badgerSetLogger.Debugln("retrying conflicting transaction")
			continue
		}
		return added, err
	}
}

func (s *expiringSet) Close() error {
	return s.db.Close()
}
