package svc

import (
	"context"
	"sync/atomic"
	"time"

	"crybin/metrics"
	"crybin/svc/db"
	"crybin/svc/lim"
	"crybin/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Purger deletes expired pastes in bounded batches, at most once per purge
// limit window across every instance sharing the store.
type Purger struct {
	store   db.Store
	pastes  *Paste
	limiter *lim.PurgeLimiter
	batch   int
	pace    *rate.Limiter
	now     func() time.Time
	running atomic.Bool
}

// NewPurger paces deletions to deleteRate per second; deleteRate < 1 leaves
// them unpaced.
func NewPurger(store db.Store, pastes *Paste, limiter *lim.PurgeLimiter, batch, deleteRate int) *Purger {
	pace := rate.NewLimiter(rate.Inf, 0)
	if deleteRate > 0 {
		pace = rate.NewLimiter(rate.Limit(deleteRate), deleteRate)
	}
	return &Purger{store: store, pastes: pastes, limiter: limiter, batch: batch, pace: pace, now: time.Now}
}

func (p *Purger) WithClock(now func() time.Time) *Purger {
	p.now = now
	return p
}

// Run is one purge cycle: it asks the purge limiter and, when allowed,
// purges one batch.
func (p *Purger) Run(ctx context.Context) (int, error) {
	if !p.limiter.CanPurge(ctx) {
		return 0, nil
	}
	metrics.PurgeCycles.Inc()
	return p.Purge(ctx, p.batch)
}

// Purge deletes the expired pastes the store reports for batch. Individual
// delete failures are logged and skipped; the next cycle retries them.
func (p *Purger) Purge(ctx context.Context, batch int) (int, error) {
	if batch < 1 {
		return 0, nil
	}
	ids, err := p.store.ExpiredPastes(ctx, batch, p.now().Unix())
	if err != nil {
		return 0, errors.Wrap(err, "list expired pastes")
	}
	deleted := 0
	for _, id := range ids {
		if err := p.pace.Wait(ctx); err != nil {
			return deleted, err
		}
		if err := p.pastes.remove(ctx, id); err != nil {
			continue
		}
		deleted++
		metrics.PurgeDeleted.Inc()
	}
	return deleted, nil
}

// Start runs a purge cycle every interval until ctx is done.
func (p *Purger) Start(ctx context.Context, interval time.Duration) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("purger already running")
	}
	go p.loop(ctx, interval)
	return nil
}

func (p *Purger) loop(ctx context.Context, interval time.Duration) {
	defer p.running.Store(false)
	purgeRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, purgeRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", purgeRequestID).
		Dur("interval", interval).
		Int("batch", p.batch).
		Msg("purge worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", purgeRequestID).
				Msg("purge worker shutting down")
			return
		case <-ticker.C:
			deleted, err := p.Run(ctx)
			if err != nil {
				util.Error().
					Err(err).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("purge failed")
			} else if deleted > 0 {
				util.Info().
					Int("deleted", deleted).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("purge completed")
			}
		}
	}
}
