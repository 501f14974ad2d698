// Package lim holds the cooldown gates kept in the value store: the purge
// limiter and the per caller traffic limiter.
package lim

import (
	"context"
	"strconv"
	"time"

	"crybin/svc/util"
)

const purgeNamespace = "purge_limiter"

type ValueStore interface {
	GetValue(ctx context.Context, namespace, key string) (string, error)
	SetValue(ctx context.Context, value, namespace, key string) error
}

// Locker serializes purge gates across instances.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// PurgeLimiter lets a purge cycle run at most once per limit. The last run
// is stored as a unix timestamp in the purge_limiter namespace.
type PurgeLimiter struct {
	store  ValueStore
	limit  time.Duration
	locker Locker
	now    func() time.Time
}

func NewPurgeLimiter(store ValueStore, limit time.Duration) *PurgeLimiter {
	return &PurgeLimiter{store: store, limit: limit, now: time.Now}
}

// WithLocker guards the read-then-write of the timestamp with l.
func (p *PurgeLimiter) WithLocker(l Locker) *PurgeLimiter {
	p.locker = l
	return p
}

func (p *PurgeLimiter) WithClock(now func() time.Time) *PurgeLimiter {
	p.now = now
	return p
}

// CanPurge reports whether a purge cycle may run now and, if so, records
// now as the last run. A cycle whose timestamp cannot be stored is skipped
// so a failing backend is not hammered by back to back purges.
func (p *PurgeLimiter) CanPurge(ctx context.Context) bool {
	limit := int64(p.limit / time.Second)
	if limit < 1 {
		return true
	}
	if p.locker != nil {
		release, ok, err := p.locker.TryLock(ctx, purgeNamespace, p.limit)
		switch {
		case err != nil:
			util.Warn().Err(err).Msg("purge lock unavailable, continuing without it")
		case !ok:
			return false
		default:
			defer release()
		}
	}
	now := p.now().Unix()
	raw, err := p.store.GetValue(ctx, purgeNamespace, "")
	if err != nil {
		util.Error().Err(err).Msg("failed to read the purge limiter, skipping purge cycle")
		return false
	}
	last, _ := strconv.ParseInt(raw, 10, 64)
	if last+limit >= now {
		return false
	}
	if err := p.store.SetValue(ctx, strconv.FormatInt(now, 10), purgeNamespace, ""); err != nil {
		util.Error().Err(err).Msg("failed to store the purge limiter, skipping purge cycle to avoid getting stuck in a purge loop")
		return false
	}
	return true
}
