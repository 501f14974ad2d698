package svc

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"crybin/pkg/domain"
	"crybin/svc/auth"
	"crybin/svc/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentSameIDCreation(t *testing.T) {
	bolt, err := db.NewBolt(filepath.Join(t.TempDir(), "crybin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	for name, store := range map[string]db.Store{"filesystem": nil, "bolt": bolt} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			if store != nil {
				f.pastes = NewPaste(store, auth.NewSaltStore(store), f.cfg).WithClock(f.now)
			}
			e := pasteEnvelope(t, "plaintext", 0, 0, "5min")
			ctx := context.Background()

			var wg sync.WaitGroup
			var success, collisions, other int64
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _, err := f.pastes.Create(ctx, e)
					switch {
					case err == nil:
						atomic.AddInt64(&success, 1)
					case err == domain.ErrIDCollision:
						atomic.AddInt64(&collisions, 1)
					default:
						atomic.AddInt64(&other, 1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int64(1), success)
			assert.Equal(t, int64(49), collisions)
			assert.Zero(t, other)
		})
	}
}

func TestConcurrentSaltFirstLoad(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	salts := make([]string, 20)
	for i := range salts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// separate stores model separate processes racing on the first write
			s, err := auth.NewSaltStore(f.store).Get(ctx)
			assert.NoError(t, err)
			salts[i] = s
		}(i)
	}
	wg.Wait()
	stored, err := f.store.GetValue(ctx, db.NamespaceSalt, "")
	require.NoError(t, err)
	after, err := auth.NewSaltStore(f.store).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, stored, after)
	for _, s := range salts {
		assert.Len(t, s, 512)
	}
}
