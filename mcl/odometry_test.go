package mcl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOdometryAccumulator_Advance(t *testing.T) {
	timing := TimingConfig{SensorPeriod: 0.1, MaxDtFactor: 5}
	a := NewOdometryAccumulator(timing, OdometryConfig{HeadingSign: 1})
	assert.False(t, a.Ready())
	a.SetVelocity(Odometry{Linear: 0.5, Angular: 0.2})
	assert.True(t, a.Ready())

	t0 := time.Unix(100, 0)
	_, _, err := a.Advance(t0)
	assert.ErrorIs(t, err, ErrFirstFrame)

	forward, dtheta, err := a.Advance(t0.Add(200 * time.Millisecond))
	require.NoError(t, err)
	assert.InDelta(t, 0.1, forward, 1e-12)
	assert.InDelta(t, 0.04, dtheta, 1e-12)
}

func TestOdometryAccumulator_HeadingSign(t *testing.T) {
	a := NewOdometryAccumulator(TimingConfig{SensorPeriod: 0.1, MaxDtFactor: 5}, OdometryConfig{HeadingSign: -1})
	a.SetVelocity(Odometry{Linear: 1, Angular: 1})
	t0 := time.Unix(0, 0)
	_, _, _ = a.Advance(t0)
	_, dtheta, err := a.Advance(t0.Add(100 * time.Millisecond))
	require.NoError(t, err)
	assert.InDelta(t, -0.1, dtheta, 1e-12)

	// A zero sign defaults to +1
	b := NewOdometryAccumulator(TimingConfig{SensorPeriod: 0.1, MaxDtFactor: 5}, OdometryConfig{})
	b.SetVelocity(Odometry{Angular: 1})
	_, _, _ = b.Advance(t0)
	_, dtheta, err = b.Advance(t0.Add(100 * time.Millisecond))
	require.NoError(t, err)
	assert.InDelta(t, 0.1, dtheta, 1e-12)
}

func TestOdometryAccumulator_BadDeltaDropsOneCycle(t *testing.T) {
	a := NewOdometryAccumulator(TimingConfig{SensorPeriod: 0.1, MaxDtFactor: 5}, OdometryConfig{HeadingSign: 1})
	a.SetVelocity(Odometry{Linear: 1})
	t0 := time.Unix(0, 0)
	_, _, _ = a.Advance(t0)

	_, _, err := a.Advance(t0.Add(2 * time.Second))
	assert.ErrorIs(t, err, ErrTimeDelta)

	forward, _, err := a.Advance(t0.Add(2100 * time.Millisecond))
	require.NoError(t, err, "the rejected stamp became the new reference")
	assert.InDelta(t, 0.1, forward, 1e-12)

	_, _, err = a.Advance(t0)
	assert.ErrorIs(t, err, ErrTimeDelta, "negative delta")
}

func TestOdometryAccumulator_Reset(t *testing.T) {
	a := NewOdometryAccumulator(TimingConfig{SensorPeriod: 0.1, MaxDtFactor: 5}, OdometryConfig{})
	_, _, _ = a.Advance(time.Unix(1, 0))
	a.Reset()
	_, _, err := a.Advance(time.Unix(50, 0))
	assert.ErrorIs(t, err, ErrFirstFrame)
}
