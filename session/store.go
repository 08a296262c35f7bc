package session

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no session is persisted under a key.
var ErrNotFound = errors.New("session not found")

// KV is the narrow slice of the credential store the session store
// needs. Values are opaque blobs owned by this package's codec.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// ErrKVMiss must be returned (possibly wrapped) by KV.Get when a key is
// absent, so the store can distinguish misses from backend failures.
var ErrKVMiss = errors.New("key not found")

// Store round-trips successful sessions through the credential store.
type Store struct {
	kv KV
}

// NewStore returns a session store over the supplied key/value backend.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

// Save persists a successful session under its storage key.
func (st *Store) Save(ctx context.Context, s *Session) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	if err := st.kv.Put(ctx, s.StorageKey, data); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// Load restores the session persisted under key. A corrupt record is
// deleted and reported as ErrNotFound so a stale blob cannot wedge the
// login loop.
func (st *Store) Load(ctx context.Context, key string) (*Session, error) {
	data, err := st.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrKVMiss) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	s, err := Decode(key, data)
	if err != nil {
		_ = st.kv.Delete(ctx, key)
		return nil, ErrNotFound
	}
	return s, nil
}

// Delete removes the persisted session. Deleting an absent key is not
// an error.
func (st *Store) Delete(ctx context.Context, key string) error {
	if err := st.kv.Delete(ctx, key); err != nil && !errors.Is(err, ErrKVMiss) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
