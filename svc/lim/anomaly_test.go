package lim

import (
	"context"
	"testing"
	"time"

	"crybin/svc/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnomalyDetectorFiresOnErrorBurst(t *testing.T) {
	fired := 0
	d := NewAnomalyDetector(func() { fired++ })

	for i := 0; i < 20; i++ {
		d.RecordRequest()
	}
	d.RecordError()
	assert.InDelta(t, 5.0, d.AdvanceWindow(), 0.001)
	assert.Equal(t, 0, fired, "5% is not above the threshold")

	for i := 0; i < 5; i++ {
		d.RecordRequest()
		d.RecordError()
	}
	assert.InDelta(t, 24.0, d.AdvanceWindow(), 0.001)
	assert.Equal(t, 1, fired)
}

func TestAnomalyDetectorNeedsTraffic(t *testing.T) {
	fired := 0
	d := NewAnomalyDetector(func() { fired++ })
	for i := 0; i < 10; i++ {
		d.RecordRequest()
		d.RecordError()
	}
	assert.InDelta(t, 100.0, d.AdvanceWindow(), 0.001)
	assert.Equal(t, 0, fired)
}

func TestAnomalyDetectorWindowSlides(t *testing.T) {
	fired := 0
	d := NewAnomalyDetector(func() { fired++ })
	for i := 0; i < 20; i++ {
		d.RecordRequest()
		d.RecordError()
	}
	d.AdvanceWindow()
	require.Equal(t, 1, fired)

	// the burst stays in the window for five rotations, then falls out
	for i := 0; i < 4; i++ {
		d.AdvanceWindow()
	}
	assert.Equal(t, 5, fired)
	assert.Zero(t, d.AdvanceWindow())
	assert.Equal(t, 5, fired)
}

func TestAnomalyDetectorStopTwice(t *testing.T) {
	d := NewAnomalyDetector(nil)
	d.Start(time.Hour)
	d.Stop()
	d.Stop()
}

func TestTrafficLimiterAdaptiveMode(t *testing.T) {
	store := newStore(t)
	c := newClock()
	tl := NewTrafficLimiter(store, auth.NewSaltStore(store), 10*time.Second, nil).WithClock(c.now)
	ctx := context.Background()

	ok, err := tl.CanPass(ctx, "203.0.113.5")
	require.NoError(t, err)
	require.True(t, ok)

	tl.TriggerAdaptiveMode()
	c.advance(15 * time.Second)
	ok, err = tl.CanPass(ctx, "203.0.113.5")
	require.NoError(t, err)
	assert.False(t, ok, "the gap doubles while adaptive")

	c.advance(6 * time.Second)
	ok, err = tl.CanPass(ctx, "203.0.113.5")
	require.NoError(t, err)
	assert.True(t, ok)

	c.advance(61 * time.Second)
	ok, err = tl.CanPass(ctx, "203.0.113.6")
	require.NoError(t, err)
	require.True(t, ok)
	c.advance(11 * time.Second)
	ok, err = tl.CanPass(ctx, "203.0.113.6")
	require.NoError(t, err)
	assert.True(t, ok, "adaptive mode expires")
}
