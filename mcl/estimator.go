package mcl

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"math/rand/v2"
	"time"
)

// EstimateListener receives every estimate produced by the estimator
type EstimateListener func(Estimate)

// EstimatorOption configures an Estimator
type EstimatorOption func(*Estimator)

// WithCamera installs a camera model up front
func WithCamera(cam CameraMatrix) EstimatorOption {
	return func(e *Estimator) { e.camera = cam }
}

// WithRandSource overrides the filter's random source
func WithRandSource(src rand.Source) EstimatorOption {
	return func(e *Estimator) { e.src = src }
}

// WithAppearanceMap starts from an existing map instead of an empty one
func WithAppearanceMap(m *AppearanceMap) EstimatorOption {
	return func(e *Estimator) { e.amap = m }
}

// WithQueueSize sets the event queue capacity
func WithQueueSize(n int) EstimatorOption {
	return func(e *Estimator) { e.queueSize = n }
}

type eventKind int

const (
	eventOdometry eventKind = iota
	eventCameraInfo
	eventFrame
	eventCall
)

type event struct {
	kind  eventKind
	odom  Odometry
	info  CameraInfo
	frame Frame
	call  func()
	done  chan struct{}
}

// Estimator owns the map, the particle filter and the sensor state. Its
// Handle methods are not safe for concurrent use; concurrent producers go
// through the Submit methods and a single Run loop.
type Estimator struct {
	cfg       *Config
	eval      *ImageEvaluator
	amap      *AppearanceMap
	filter    *ParticleFilter
	odom      *OdometryAccumulator
	camera    CameraMatrix
	src       rand.Source
	listeners []EstimateListener

	queueSize int
	events    chan event

	cycle uint64
	last  *Estimate
}

// NewEstimator builds and seeds an estimator from cfg
func NewEstimator(cfg *Config, opts ...EstimatorOption) (*Estimator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("estimator: nil config")
	}
	e := &Estimator{cfg: cfg, queueSize: 64}
	for _, opt := range opts {
		opt(e)
	}

	eval, err := NewImageEvaluator(cfg.Evaluator)
	if err != nil {
		return nil, fmt.Errorf("estimator: %w", err)
	}
	e.eval = eval

	if e.amap == nil {
		e.amap, err = NewAppearanceMap(cfg.Map, eval)
		if err != nil {
			return nil, fmt.Errorf("estimator: %w", err)
		}
	} else {
		e.amap.eval = eval
	}

	if e.camera == nil && cfg.Camera.Info != nil {
		cam, err := NewPlanarCamera(*cfg.Camera.Info)
		if err != nil {
			return nil, fmt.Errorf("estimator: %w", err)
		}
		e.camera = cam
	}

	e.odom = NewOdometryAccumulator(cfg.Timing, cfg.Odometry)
	e.filter = NewParticleFilter(cfg.Filter, e.amap, eval, e.src)
	e.filter.Seed()
	e.events = make(chan event, max(1, e.queueSize))
	return e, nil
}

// AddListener registers a callback for every produced estimate
func (e *Estimator) AddListener(l EstimateListener) {
	e.listeners = append(e.listeners, l)
}

// Map returns the appearance map. Only the owning goroutine may use it.
func (e *Estimator) Map() *AppearanceMap { return e.amap }

// Filter returns the particle filter. Only the owning goroutine may use it.
func (e *Estimator) Filter() *ParticleFilter { return e.filter }

// Evaluator returns the image evaluator
func (e *Estimator) Evaluator() *ImageEvaluator { return e.eval }

// Camera returns the camera model, or nil before calibration
func (e *Estimator) Camera() CameraMatrix { return e.camera }

// Last returns the most recent estimate
func (e *Estimator) Last() (Estimate, bool) {
	if e.last == nil {
		return Estimate{}, false
	}
	return *e.last, true
}

// HandleOdometry records a velocity sample
func (e *Estimator) HandleOdometry(o Odometry) {
	e.odom.SetVelocity(o)
}

// HandleCameraInfo builds the camera model from the first valid message.
// Later messages and statically configured cameras are left as they are.
func (e *Estimator) HandleCameraInfo(info CameraInfo) error {
	if e.camera != nil {
		return nil
	}
	cam, err := NewPlanarCamera(info)
	if err != nil {
		return err
	}
	e.camera = cam
	log.Printf("[ESTIMATOR] Camera model ready (%dx%d, %.1f px/m)", info.Width, info.Height, info.PixelsPerMeter)
	return nil
}

// HandleFrame runs one localization cycle. Skipped cycles return
// ErrNotReady, ErrFirstFrame or ErrTimeDelta; none of them are fatal.
func (e *Estimator) HandleFrame(f Frame) (Estimate, error) {
	if f.Image == nil {
		return Estimate{}, fmt.Errorf("handle frame: %w", ErrEmptyPayload)
	}
	if e.camera == nil || !e.odom.Ready() {
		return Estimate{}, ErrNotReady
	}
	forward, dtheta, err := e.odom.Advance(f.Stamp)
	if err != nil {
		return Estimate{}, err
	}

	live := e.eval.Normalize(f.Image)

	e.filter.MotionUpdate(forward, dtheta)
	e.filter.Evaluate(live)
	e.filter.Resample()

	updated := e.updateMap(f, live)

	e.cycle++
	est := Estimate{Stamp: f.Stamp, Cycle: e.cycle, MapUpdated: updated}
	if best, ok := e.filter.Best(); ok {
		est.Pose = best
		est.Belief = e.filter.CycleBelief()
	} else {
		est.Pose = e.anchorPose()
	}
	if e.cfg.Debug.Enabled {
		est.Particles = e.filter.Particles()
		if pieces := e.amap.MapPieces(est.Pose); len(pieces) > 0 {
			est.Patch = pieces[0]
		}
		log.Printf("[ESTIMATOR] cycle %d: d=%.3f dθ=%.3f best=(%.2f, %.2f, %.2f) belief=%.3f map=%d cells",
			e.cycle, forward, dtheta, est.Pose.X, est.Pose.Y, est.Pose.Theta, est.Belief, e.amap.SetCount())
	}

	e.last = &est
	for _, l := range e.listeners {
		l(est)
	}
	return est, nil
}

// updateMap writes the frame into the map. An empty map is bootstrapped at
// the anchor pose; afterwards only confident cycles write at the estimate.
func (e *Estimator) updateMap(f Frame, live *image.Gray) bool {
	if e.cfg.Mapping.Frozen || !HasEvidence(live) {
		return false
	}

	var pose Pose
	switch best, ok := e.filter.Best(); {
	case e.amap.Empty():
		pose = e.anchorPose()
	case ok && e.filter.CycleBelief() > e.cfg.Mapping.MinBelief:
		pose = best
	default:
		return false
	}

	if err := e.amap.Update(f.Image, pose, e.camera); err != nil {
		log.Printf("[MAP] Update at (%.2f, %.2f) failed: %v", pose.X, pose.Y, err)
		return false
	}
	return true
}

// anchorPose is the configured start pose or the centre of the map box
func (e *Estimator) anchorPose() Pose {
	if e.cfg.Filter.StartPose != nil {
		return *e.cfg.Filter.StartPose
	}
	c := e.amap.Bound().Center()
	return Pose{X: c.X(), Y: c.Y()}
}

// SubmitOdometry enqueues a velocity sample. Submit methods never block;
// false means the queue was full and the event was dropped.
func (e *Estimator) SubmitOdometry(o Odometry) bool {
	return e.enqueue(event{kind: eventOdometry, odom: o})
}

// SubmitCameraInfo enqueues a calibration message
func (e *Estimator) SubmitCameraInfo(info CameraInfo) bool {
	return e.enqueue(event{kind: eventCameraInfo, info: info})
}

// SubmitFrame enqueues a camera frame
func (e *Estimator) SubmitFrame(f Frame) bool {
	return e.enqueue(event{kind: eventFrame, frame: f})
}

func (e *Estimator) enqueue(ev event) bool {
	select {
	case e.events <- ev:
		return true
	default:
		return false
	}
}

// Call runs fn on the Run goroutine and waits for it to finish. It is the
// only safe way to read the map or the filter while Run is active.
func (e *Estimator) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case e.events <- event{kind: eventCall, call: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes queued events one at a time until ctx is cancelled
func (e *Estimator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			e.dispatch(ev)
		}
	}
}

func (e *Estimator) dispatch(ev event) {
	switch ev.kind {
	case eventOdometry:
		e.HandleOdometry(ev.odom)
	case eventCameraInfo:
		if err := e.HandleCameraInfo(ev.info); err != nil {
			log.Printf("[ESTIMATOR] Ignoring camera info: %v", err)
		}
	case eventFrame:
		start := time.Now()
		if _, err := e.HandleFrame(ev.frame); err != nil {
			if e.cfg.Debug.Enabled || !isSkip(err) {
				log.Printf("[ESTIMATOR] Frame skipped: %v", err)
			}
			return
		}
		if e.cfg.Debug.Enabled {
			log.Printf("[ESTIMATOR] Cycle took %v", time.Since(start))
		}
	case eventCall:
		ev.call()
		close(ev.done)
	}
}

// isSkip reports whether err is one of the expected, non-fatal cycle skips
func isSkip(err error) bool {
	return errors.Is(err, ErrNotReady) || errors.Is(err, ErrFirstFrame) || errors.Is(err, ErrTimeDelta)
}
