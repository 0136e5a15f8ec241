package tradepost

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeBackends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"pebble": func(t *testing.T) Store {
			s, err := OpenPebbleStore(filepath.Join(t.TempDir(), "pebble"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "tradepost.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStore_Backends(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)

			v, err := s.Get("missing")
			require.NoError(t, err)
			assert.Nil(t, v)

			require.NoError(t, s.Set("k", []byte("one")))
			v, err = s.Get("k")
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), v)

			require.NoError(t, s.Set("k", []byte("two")))
			v, err = s.Get("k")
			require.NoError(t, err)
			assert.Equal(t, []byte("two"), v)
		})
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	t.Run("pebble", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "pebble")
		s, err := OpenPebbleStore(dir)
		require.NoError(t, err)
		require.NoError(t, s.Set(KeyNotifications, []byte(`[]`)))
		require.NoError(t, s.Close())

		s, err = OpenPebbleStore(dir)
		require.NoError(t, err)
		defer s.Close()
		v, err := s.Get(KeyNotifications)
		require.NoError(t, err)
		assert.Equal(t, []byte(`[]`), v)
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tradepost.db")
		s, err := OpenSQLiteStore(path)
		require.NoError(t, err)
		require.NoError(t, s.Set(KeyNews, []byte(`[]`)))
		require.NoError(t, s.Close())

		s, err = OpenSQLiteStore(path)
		require.NoError(t, err)
		defer s.Close()
		v, err := s.Get(KeyNews)
		require.NoError(t, err)
		assert.Equal(t, []byte(`[]`), v)
	})
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	s := NewMemoryStore()
	in := []byte("abc")
	require.NoError(t, s.Set("k", in))
	in[0] = 'z'

	out, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))
	out[0] = 'y'

	again, _ := s.Get("k")
	assert.Equal(t, "abc", string(again))
}

type failingStore struct{ err error }

func (f failingStore) Get(string) ([]byte, error) { return nil, f.err }
func (f failingStore) Set(string, []byte) error   { return f.err }
func (f failingStore) Close() error               { return nil }

func TestLoadJSON_Defaults(t *testing.T) {
	log := zerolog.Nop()

	t.Run("absent", func(t *testing.T) {
		got := loadJSON[[]Notification](NewMemoryStore(), KeyNotifications, log)
		assert.Empty(t, got)
	})

	t.Run("corrupt", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.Set(KeyNotifications, []byte(`{"not":"a list"`)))
		got := loadJSON[[]Notification](s, KeyNotifications, log)
		assert.Empty(t, got)
	})

	t.Run("unavailable", func(t *testing.T) {
		got := loadJSON[[]Notification](failingStore{err: errors.New("disk gone")}, KeyNotifications, log)
		assert.Empty(t, got)
	})
}

func TestSaveJSON_ReturnsStoreError(t *testing.T) {
	err := saveJSON(failingStore{err: errors.New("read-only")}, KeyNews, []int{1}, zerolog.Nop())
	var serr *StoreError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KeyNews, serr.Key)
	assert.Equal(t, "set", serr.Op)
}

func TestChatCacheKey(t *testing.T) {
	assert.Equal(t, "chats:42:buyer@x.test", chatCacheKey("42", "Buyer@X.test"))
	assert.Equal(t, "chats:42:", chatCacheKey("42", ""))
}

func TestFlags(t *testing.T) {
	s := NewMemoryStore()
	f := NewFlags(s, zerolog.Nop())

	assert.False(t, f.Get("like", "p1"))

	on, err := f.Toggle("like", "p1")
	require.NoError(t, err)
	assert.True(t, on)
	assert.True(t, f.Get("like", "p1"))
	assert.False(t, f.Get("follow", "p1"))

	on, err = f.Toggle("like", "p1")
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, f.Set("follow", "seller@x.test", true))
	assert.True(t, NewFlags(s, zerolog.Nop()).Get("follow", "seller@x.test"))
}
