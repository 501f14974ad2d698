package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memValues struct {
	mu      sync.Mutex
	values  map[string]string
	gets    int
	failGet bool
	failSet bool
	// onSet simulates a concurrent writer landing right after ours.
	onSet func(m *memValues)
}

func newMemValues() *memValues { return &memValues{values: map[string]string{}} }

func (m *memValues) GetValue(ctx context.Context, ns, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.failGet {
		return "", errors.New("backend down")
	}
	return m.values[ns+"/"+key], nil
}

func (m *memValues) SetValue(ctx context.Context, value, ns, key string) error {
	m.mu.Lock()
	if m.failSet {
		m.mu.Unlock()
		return errors.New("read only")
	}
	m.values[ns+"/"+key] = value
	hook := m.onSet
	m.mu.Unlock()
	if hook != nil {
		hook(m)
	}
	return nil
}

func TestGenerate(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)
	assert.Len(t, a, 512)
	assert.NotEqual(t, a, b)
}

func TestSaltCreatedOnceAndCached(t *testing.T) {
	store := newMemValues()
	s := NewSaltStore(store)
	ctx := context.Background()

	first, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, first, 512)
	assert.Equal(t, first, store.values["salt/"])

	gets := store.gets
	second, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, gets, store.gets, "cached salt must not hit the store")

	// a new process sees the persisted value
	again, err := NewSaltStore(store).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestSaltExisting(t *testing.T) {
	store := newMemValues()
	store.values["salt/"] = "persisted"
	got, err := NewSaltStore(store).Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "persisted", got)
}

func TestSaltLostRace(t *testing.T) {
	store := newMemValues()
	store.onSet = func(m *memValues) {
		m.mu.Lock()
		m.values["salt/"] = "winner"
		m.onSet = nil
		m.mu.Unlock()
	}
	got, err := NewSaltStore(store).Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "winner", got)
}

func TestSaltConcurrentFirstUse(t *testing.T) {
	store := newMemValues()
	s := NewSaltStore(store)
	var wg sync.WaitGroup
	results := make([]string, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.Get(context.Background())
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

func TestSaltStoreFailures(t *testing.T) {
	store := newMemValues()
	store.failGet = true
	s := NewSaltStore(store)
	_, err := s.Get(context.Background())
	assert.Error(t, err)

	store.failGet = false
	store.failSet = true
	_, err = s.Get(context.Background())
	assert.Error(t, err)

	// failures are not cached
	store.failSet = false
	v, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, v)
}

func TestDeleteToken(t *testing.T) {
	tok := DeleteToken("0123456789abcdef", "salt", false)
	assert.Len(t, tok, 64)
	assert.Equal(t, tok, DeleteToken("0123456789abcdef", "salt", false))
	assert.NotEqual(t, tok, DeleteToken("0123456789abcdef", "other", false))
	assert.Len(t, DeleteToken("0123456789abcdef", "salt", true), 40)

	assert.True(t, VerifyDeleteToken(tok, "0123456789abcdef", "salt", false))
	assert.False(t, VerifyDeleteToken(tok, "0123456789abcdee", "salt", false))
	assert.False(t, VerifyDeleteToken("", "0123456789abcdef", "salt", false))
}

func TestDeleteTokenKnownVector(t *testing.T) {
	// RFC 4231 test case 2
	got := mac(sha256.New, "Jefe", "what do ya want for nothing?")
	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", got)
}

func TestCallerKey(t *testing.T) {
	k := CallerKey("203.0.113.7", "salt")
	assert.Len(t, k, 128)
	assert.Equal(t, k, CallerKey("203.0.113.7", "salt"))
	assert.NotEqual(t, k, CallerKey("203.0.113.8", "salt"))
}
