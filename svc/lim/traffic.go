package lim

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"crybin/svc/auth"
)

const (
	trafficNamespace = "traffic_limiter"
	// adaptiveFactor multiplies the submission gap while adaptive mode is on.
	adaptiveFactor   = 2
	adaptiveDuration = 60 * time.Second
)

type TrafficStore interface {
	ValueStore
	PurgeValues(ctx context.Context, namespace string, before int64) error
}

type Salter interface {
	Get(ctx context.Context) (string, error)
}

// TrafficLimiter enforces a minimum gap between submissions of one caller.
// Callers are keyed by an HMAC of their address so raw IPs never reach the
// store.
type TrafficLimiter struct {
	store    TrafficStore
	salt     Salter
	limit    time.Duration
	exempted []string
	now      func() time.Time

	adaptiveUntil atomic.Int64
}

func NewTrafficLimiter(store TrafficStore, salt Salter, limit time.Duration, exempted []string) *TrafficLimiter {
	return &TrafficLimiter{store: store, salt: salt, limit: limit, exempted: exempted, now: time.Now}
}

func (t *TrafficLimiter) WithClock(now func() time.Time) *TrafficLimiter {
	t.now = now
	return t
}

// TriggerAdaptiveMode widens the submission gap for the next minute.
func (t *TrafficLimiter) TriggerAdaptiveMode() {
	t.adaptiveUntil.Store(t.now().Add(adaptiveDuration).Unix())
}

func (t *TrafficLimiter) isAdaptiveMode() bool {
	return t.now().Unix() < t.adaptiveUntil.Load()
}

// CanPass reports whether ip may submit now, recording the attempt when it
// may. Errors come from the store and leave the decision to the caller.
func (t *TrafficLimiter) CanPass(ctx context.Context, ip string) (bool, error) {
	limit := int64(t.limit / time.Second)
	if limit < 1 {
		return true, nil
	}
	if t.isAdaptiveMode() {
		limit *= adaptiveFactor
	}
	if isTrusted(ip, t.exempted) {
		return true, nil
	}
	salt, err := t.salt.Get(ctx)
	if err != nil {
		return false, err
	}
	key := auth.CallerKey(ip, salt)
	now := t.now().Unix()
	if err := t.store.PurgeValues(ctx, trafficNamespace, now-limit); err != nil {
		return false, err
	}
	raw, err := t.store.GetValue(ctx, trafficNamespace, key)
	if err != nil {
		return false, err
	}
	if last, _ := strconv.ParseInt(raw, 10, 64); last > 0 && last+limit >= now {
		return false, nil
	}
	if err := t.store.SetValue(ctx, strconv.FormatInt(now, 10), trafficNamespace, key); err != nil {
		return false, err
	}
	return true, nil
}
