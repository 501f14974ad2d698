package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

const (
	saltNamespace = "salt"
	saltBytes     = 256
)

// ValueStore is the part of the storage contract the salt lives in.
type ValueStore interface {
	GetValue(ctx context.Context, namespace, key string) (string, error)
	SetValue(ctx context.Context, value, namespace, key string) error
}

// SaltStore holds the server salt. It is loaded from the store on first use,
// created there if missing, and kept for the life of the process.
type SaltStore struct {
	store ValueStore
	group singleflight.Group
	mu    sync.RWMutex
	salt  string
}

func NewSaltStore(store ValueStore) *SaltStore {
	return &SaltStore{store: store}
}

// Generate returns a fresh random salt: 256 bytes, hex encoded.
func Generate() (string, error) {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "read random salt")
	}
	return hex.EncodeToString(buf), nil
}

func (s *SaltStore) Get(ctx context.Context) (string, error) {
	s.mu.RLock()
	salt := s.salt
	s.mu.RUnlock()
	if salt != "" {
		return salt, nil
	}
	v, err, _ := s.group.Do(saltNamespace, func() (interface{}, error) {
		salt, err := s.load(ctx)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.salt = salt
		s.mu.Unlock()
		return salt, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *SaltStore) load(ctx context.Context) (string, error) {
	salt, err := s.store.GetValue(ctx, saltNamespace, "")
	if err != nil {
		return "", errors.Wrap(err, "read server salt")
	}
	if salt != "" {
		return salt, nil
	}
	fresh, err := Generate()
	if err != nil {
		return "", err
	}
	if err := s.store.SetValue(ctx, fresh, saltNamespace, ""); err != nil {
		return "", errors.Wrap(err, "store server salt")
	}
	// Another instance may have written its salt at the same time; whatever
	// the store holds now is the salt everyone will read from here on.
	stored, err := s.store.GetValue(ctx, saltNamespace, "")
	if err != nil || stored == "" {
		return fresh, nil
	}
	return stored, nil
}
