package db

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"testing"

	"crybin/svc/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBucket counts full object downloads.
type countingBucket struct {
	*memBucket
	gets atomic.Int64
}

func (c *countingBucket) Get(ctx context.Context, key string) ([]byte, error) {
	c.gets.Add(1)
	return c.memBucket.Get(ctx, key)
}

func TestObjectExpiredPastesReadsMetadataOnly(t *testing.T) {
	for _, listingMeta := range []bool{false, true} {
		t.Run("listing-metadata="+strconv.FormatBool(listingMeta), func(t *testing.T) {
			ctx := context.Background()
			const now = 10_000
			b := &countingBucket{memBucket: newMemBucket(listingMeta)}
			s := NewObject("mem", b, "pastes")
			for i := 0; i < 5; i++ {
				ct := "forever-" + strconv.Itoa(i)
				require.NoError(t, s.Create(ctx, util.PasteID(ct), testPaste(ct, 1, 0)))
			}
			expiredID := util.PasteID("gone")
			require.NoError(t, s.Create(ctx, expiredID, testPaste("gone", 1, now-1)))

			ids, err := s.ExpiredPastes(ctx, 10, now)
			require.NoError(t, err)
			assert.Equal(t, []string{expiredID}, ids)
			assert.Zero(t, b.gets.Load())
		})
	}
}

func TestObjectExpiredPastesWithoutMetadata(t *testing.T) {
	ctx := context.Background()
	const now = 10_000
	b := &countingBucket{memBucket: newMemBucket(false)}
	s := NewObject("mem", b, "")

	legacy := testPaste("legacy", 1, now-1)
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	legacyID := util.PasteID("legacy")
	require.NoError(t, b.Put(ctx, legacyID, data, nil, true))

	ids, err := s.ExpiredPastes(ctx, 10, now)
	require.NoError(t, err)
	assert.Equal(t, []string{legacyID}, ids)
	assert.Equal(t, int64(1), b.gets.Load())
}
