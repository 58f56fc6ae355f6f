package mcl

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotReady means a cycle was skipped because odometry or the camera
	// model has not been received yet.
	ErrNotReady = errors.New("estimator not ready")

	// ErrFirstFrame means the frame only established the time reference.
	ErrFirstFrame = errors.New("first frame stamps the time reference")

	// ErrTimeDelta means the frame delta was outside the accepted range and
	// the cycle was dropped.
	ErrTimeDelta = errors.New("frame time delta out of range")
)

// OdometryAccumulator turns the latest velocity sample and consecutive
// frame stamps into a per-cycle displacement
type OdometryAccumulator struct {
	maxDelta    time.Duration
	headingSign float64

	linear  float64
	angular float64
	ready   bool

	last    time.Time
	hasLast bool
}

// NewOdometryAccumulator creates an accumulator from timing and sign settings
func NewOdometryAccumulator(timing TimingConfig, odo OdometryConfig) *OdometryAccumulator {
	sign := odo.HeadingSign
	if sign == 0 {
		sign = 1
	}
	return &OdometryAccumulator{maxDelta: timing.MaxDelta(), headingSign: sign}
}

// SetVelocity records the latest velocity sample
func (a *OdometryAccumulator) SetVelocity(o Odometry) {
	a.linear = o.Linear
	a.angular = o.Angular
	a.ready = true
}

// Ready reports whether a velocity sample has been received
func (a *OdometryAccumulator) Ready() bool { return a.ready }

// Advance moves the time reference to stamp and returns the displacement
// since the previous frame. The reference moves even when the delta is
// rejected, so one bad stamp drops exactly one cycle.
func (a *OdometryAccumulator) Advance(stamp time.Time) (forward, dtheta float64, err error) {
	if !a.hasLast {
		a.last = stamp
		a.hasLast = true
		return 0, 0, ErrFirstFrame
	}

	dt := stamp.Sub(a.last)
	a.last = stamp
	if dt < 0 || dt > a.maxDelta {
		return 0, 0, fmt.Errorf("%w: %v (max %v)", ErrTimeDelta, dt, a.maxDelta)
	}

	secs := dt.Seconds()
	return a.linear * secs, a.headingSign * a.angular * secs, nil
}

// Reset forgets the time reference
func (a *OdometryAccumulator) Reset() {
	a.hasLast = false
}
