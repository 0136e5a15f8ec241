package tradepost

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleStore is the default on-disk Store.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) a Pebble database at path.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble db: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Get(key string) ([]byte, error) {
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	// v is only valid until closer.Close.
	return append([]byte(nil), v...), nil
}

func (s *PebbleStore) Set(key string, value []byte) error {
	return s.db.Set([]byte(key), value, pebble.Sync)
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
