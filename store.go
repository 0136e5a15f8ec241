package tradepost

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Fixed store keys. One key per logical collection.
const (
	KeyNotifications = "notifications"
	KeyNews          = "news"
	keyChatPrefix    = "chats:"
	keyFlagPrefix    = "flags:"
)

// Store is a durable key/value record store shared by every component.
// Get returns nil, nil for a missing key.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Close() error
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// ============================================================================
// JSON helpers
// ============================================================================

// loadJSON decodes the value at key into a T. Absence and corruption both
// yield the zero value; corruption and read failures are logged.
func loadJSON[T any](s Store, key string, log zerolog.Logger) T {
	var out T
	raw, err := s.Get(key)
	if err != nil {
		log.Warn().Err(&StoreError{Key: key, Op: "get", Err: err}).Msg("store read failed, using default")
		return out
	}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		log.Warn().Err(&StoreError{Key: key, Op: "decode", Err: err}).Msg("corrupt store value, using default")
		var zero T
		return zero
	}
	return out
}

// saveJSON encodes v and writes it under key. Failures are logged and
// returned as *StoreError for callers that care.
func saveJSON(s Store, key string, v any, log zerolog.Logger) error {
	raw, err := json.Marshal(v)
	if err != nil {
		serr := &StoreError{Key: key, Op: "encode", Err: err}
		log.Error().Err(serr).Msg("store encode failed")
		return serr
	}
	if err := s.Set(key, raw); err != nil {
		serr := &StoreError{Key: key, Op: "set", Err: err}
		log.Error().Err(serr).Msg("store write failed")
		return serr
	}
	return nil
}

func chatCacheKey(productID, counterpart string) string {
	return keyChatPrefix + productID + ":" + strings.ToLower(counterpart)
}

// ============================================================================
// Flags
// ============================================================================

// Flags persists per-item boolean flags such as "like" and "follow".
type Flags struct {
	store Store
	log   zerolog.Logger
	mu    sync.Mutex
}

// NewFlags binds a flag set to store.
func NewFlags(store Store, log zerolog.Logger) *Flags {
	return &Flags{store: store, log: log}
}

func flagKey(kind, id string) string {
	return fmt.Sprintf("%s%s:%s", keyFlagPrefix, kind, id)
}

// Get reports the flag; unknown flags are false.
func (f *Flags) Get(kind, id string) bool {
	return loadJSON[bool](f.store, flagKey(kind, id), f.log)
}

// Set stores the flag value.
func (f *Flags) Set(kind, id string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return saveJSON(f.store, flagKey(kind, id), on, f.log)
}

// Toggle flips the flag and returns the new value.
func (f *Flags) Toggle(kind, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := !loadJSON[bool](f.store, flagKey(kind, id), f.log)
	if err := saveJSON(f.store, flagKey(kind, id), next, f.log); err != nil {
		return !next, err
	}
	return next, nil
}
