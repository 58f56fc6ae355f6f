package mcl

import (
	"image"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fieldObserver returns one patch for every query and remembers the query
// so distanceScorer can score it against target
type fieldObserver struct {
	bound  orb.Bound
	target Pose
	last   Pose
	empty  bool
}

func (o *fieldObserver) Bound() orb.Bound { return o.bound }

func (o *fieldObserver) MapPieces(q Pose) []*image.Gray {
	if o.empty {
		return nil
	}
	o.last = q
	return []*image.Gray{uniformGray(2, 2, 1)}
}

// distanceScorer scores by the distance of the last queried pose to target
type distanceScorer struct{ obs *fieldObserver }

func (s distanceScorer) Evaluate(_, _ *image.Gray) float64 {
	d := math.Hypot(s.obs.last.X-s.obs.target.X, s.obs.last.Y-s.obs.target.Y)
	return math.Min(1, d)
}

func newTestFilter(t *testing.T, cfg FilterConfig) (*ParticleFilter, *fieldObserver) {
	t.Helper()
	obs := &fieldObserver{
		bound:  orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{4, 4}},
		target: Pose{X: 2.5, Y: 1.5},
	}
	if cfg.Particles == 0 {
		cfg.Particles = 200
	}
	if cfg.KeepFraction == 0 {
		cfg.KeepFraction = 0.5
	}
	if cfg.BeliefScale == 0 {
		cfg.BeliefScale = 10
	}
	pf := NewParticleFilter(cfg, obs, distanceScorer{obs}, NewSource(17))
	pf.Seed()
	return pf, obs
}

func TestParticleFilter_SeedUniform(t *testing.T) {
	pf, obs := newTestFilter(t, FilterConfig{})
	require.Equal(t, 200, pf.Len())
	for _, p := range pf.Particles() {
		assert.True(t, obs.bound.Contains(orb.Point{p.Pose.X, p.Pose.Y}))
		assert.Zero(t, p.Belief)
	}
	_, ok := pf.Best()
	assert.False(t, ok)
}

func TestParticleFilter_SeedAroundStartPose(t *testing.T) {
	start := Pose{X: 1, Y: 3}
	pf, _ := newTestFilter(t, FilterConfig{StartPose: &start, StdevLinear: ptr(0.2)})
	for _, p := range pf.Particles() {
		assert.InDelta(t, 1, p.Pose.X, 0.1)
		assert.InDelta(t, 3, p.Pose.Y, 0.1)
	}

	// Top-ups after the first seed cover the whole box
	pf.SetParticles(nil)
	pf.Seed()
	spread := false
	for _, p := range pf.Particles() {
		if math.Abs(p.Pose.X-1) > 0.5 || math.Abs(p.Pose.Y-3) > 0.5 {
			spread = true
		}
	}
	assert.True(t, spread)
}

func TestParticleFilter_MotionUpdate(t *testing.T) {
	pf, _ := newTestFilter(t, FilterConfig{Particles: 2})
	pf.SetParticles([]Particle{
		{Pose: Pose{X: 1, Y: 1, Theta: 0}},
		{Pose: Pose{X: 2, Y: 2, Theta: math.Pi}},
	})

	pf.MotionUpdate(0.5, math.Pi/2)

	want := []Particle{
		{Pose: Pose{X: 1, Y: 1.5, Theta: math.Pi / 2}},
		{Pose: Pose{X: 2, Y: 1.5, Theta: -math.Pi / 2}},
	}
	if diff := cmp.Diff(want, pf.Particles(), cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("MotionUpdate() mismatch (-want +got):\n%s", diff)
	}
}

func TestParticleFilter_EvaluateAndBest(t *testing.T) {
	pf, obs := newTestFilter(t, FilterConfig{Particles: 3})
	pf.SetParticles([]Particle{
		{Pose: Pose{X: 0.5, Y: 0.5}},
		{Pose: Pose{X: 2.4, Y: 1.5, Theta: 0.3}},
		{Pose: Pose{X: 3.5, Y: 3.5}},
	})

	pf.Evaluate(uniformGray(2, 2, 9))
	ps := pf.Particles()
	assert.InDelta(t, math.Exp(-10*0.01), ps[1].Belief, 1e-9)
	assert.Greater(t, ps[1].Belief, ps[0].Belief)
	assert.Equal(t, ps[1].Belief, pf.CycleBelief())

	best, ok := pf.Best()
	require.True(t, ok)
	assert.Equal(t, ps[1].Pose, best)

	single, ok := pf.BestSingle()
	require.True(t, ok)
	assert.Equal(t, ps[1], single)

	// Outside the box the belief is penalised
	obs.target = Pose{X: 4.2, Y: 1}
	pf.SetParticles([]Particle{{Pose: Pose{X: 4.2, Y: 1}}, {Pose: Pose{X: 3.9, Y: 1}}})
	pf.Evaluate(uniformGray(2, 2, 9))
	ps = pf.Particles()
	assert.InDelta(t, 0.5, ps[0].Belief, 1e-9)
}

func TestParticleFilter_NoEvidenceKeepsEstimate(t *testing.T) {
	pf, obs := newTestFilter(t, FilterConfig{Particles: 2})
	pf.SetParticles([]Particle{{Pose: Pose{X: 2.5, Y: 1.5}}, {Pose: Pose{X: 1, Y: 1}}})
	pf.Evaluate(uniformGray(2, 2, 9))
	before, ok := pf.Best()
	require.True(t, ok)

	pf.Evaluate(uniformGray(2, 2, 0))
	for _, p := range pf.Particles() {
		assert.Zero(t, p.Belief)
	}
	assert.Zero(t, pf.CycleBelief())
	after, ok := pf.Best()
	require.True(t, ok)
	assert.Equal(t, before, after)

	obs.empty = true
	pf.Evaluate(uniformGray(2, 2, 9))
	assert.Zero(t, pf.CycleBelief())
	after, _ = pf.Best()
	assert.Equal(t, before, after)
}

func TestParticleFilter_ResampleWithoutMassIsNoop(t *testing.T) {
	pf, obs := newTestFilter(t, FilterConfig{})
	obs.empty = true
	pf.Evaluate(uniformGray(2, 2, 9))

	before := pf.Particles()
	pf.Resample()
	assert.Equal(t, before, pf.Particles())
	assert.Empty(t, pf.LastHits())
}

func TestParticleFilter_ResampleConcentrates(t *testing.T) {
	pf, obs := newTestFilter(t, FilterConfig{StdevLinear: ptr(0.1), StdevAngular: ptr(0.1)})

	for range 8 {
		pf.Evaluate(uniformGray(2, 2, 9))
		pf.Resample()
		require.Equal(t, 200, pf.Len())
	}
	pf.Evaluate(uniformGray(2, 2, 9))
	best, ok := pf.Best()
	require.True(t, ok)
	assert.InDelta(t, obs.target.X, best.X, 0.15)
	assert.InDelta(t, obs.target.Y, best.Y, 0.15)

	near := 0
	for _, p := range pf.Particles() {
		if math.Hypot(p.Pose.X-obs.target.X, p.Pose.Y-obs.target.Y) < 0.5 {
			near++
		}
	}
	assert.Greater(t, near, 50)
}

func TestParticleFilter_ResampleHitsAndExactCopy(t *testing.T) {
	pf, _ := newTestFilter(t, FilterConfig{Particles: 4, KeepFraction: 0.5, BeliefScale: 50, StdevLinear: ptr(1.0), StdevAngular: ptr(1.0)})
	dominant := Pose{X: 2.5, Y: 1.5, Theta: 0.7}
	pf.SetParticles([]Particle{
		{Pose: Pose{X: 0.1, Y: 3.9}},
		{Pose: dominant},
		{Pose: Pose{X: 3.9, Y: 3.9}},
		{Pose: Pose{X: 0.1, Y: 0.1}},
	})
	pf.Evaluate(uniformGray(2, 2, 9))
	pf.Resample()

	hits := pf.LastHits()
	require.Len(t, hits, 4)
	sum := 0
	for _, h := range hits {
		sum += h
	}
	assert.Equal(t, 2, sum)
	assert.Equal(t, 2, hits[1])

	ps := pf.Particles()
	require.Len(t, ps, 4)
	assert.Equal(t, dominant, ps[0].Pose, "first hit is copied unperturbed")
	assert.Equal(t, ps[0].Belief, ps[1].Belief, "jittered copy inherits the parent belief")
	assert.Zero(t, ps[1].Pose.X-ps[0].Pose.X, "belief 1 leaves no jitter")
}

func TestParticleFilter_ResampleWithoutExactCopy(t *testing.T) {
	exact := false
	pf, _ := newTestFilter(t, FilterConfig{Particles: 2, KeepFraction: 1, StdevLinear: ptr(0.3), StdevAngular: ptr(0.3), ExactCopy: &exact})
	pf.SetParticles([]Particle{{Pose: Pose{X: 1, Y: 1}}, {Pose: Pose{X: 1.2, Y: 1}}})
	pf.Evaluate(uniformGray(2, 2, 9))
	pf.Resample()
	for _, p := range pf.Particles() {
		assert.NotEqual(t, Pose{X: 1, Y: 1}, p.Pose)
	}
}

func TestParticleFilter_BinnedBest(t *testing.T) {
	pf, _ := newTestFilter(t, FilterConfig{Particles: 5, BinSize: 1})
	pf.SetParticles([]Particle{
		{Pose: Pose{X: 2.4, Y: 1.4, Theta: 0.1}},
		{Pose: Pose{X: 2.6, Y: 1.6, Theta: -0.1}},
		{Pose: Pose{X: 2.5, Y: 1.5, Theta: 0}},
		{Pose: Pose{X: 0.2, Y: 3.8}},
		{Pose: Pose{X: 0.2, Y: 0.2}},
	})
	pf.Evaluate(uniformGray(2, 2, 9))
	best, ok := pf.Best()
	require.True(t, ok)
	assert.InDelta(t, 2.5, best.X, 1e-6)
	assert.InDelta(t, 1.5, best.Y, 1e-6)
	assert.InDelta(t, 0, best.Theta, 1e-6)
}

func TestParticleFilter_EdgePenaltyIsHalfOpen(t *testing.T) {
	pf, obs := newTestFilter(t, FilterConfig{Particles: 3})
	obs.target = Pose{X: 4, Y: 4}
	pf.SetParticles([]Particle{
		{Pose: Pose{X: 4, Y: 4}},
		{Pose: Pose{X: 4, Y: 3.999}},
		{Pose: Pose{X: 3.999, Y: 3.999}},
	})
	pf.Evaluate(uniformGray(2, 2, 9))
	ps := pf.Particles()
	assert.InDelta(t, 0.5, ps[0].Belief, 1e-9, "the max corner is outside")
	assert.Less(t, ps[1].Belief, 0.5+1e-6, "the max x edge is outside")
	assert.Greater(t, ps[2].Belief, 0.99)

	tests := []struct {
		p    Pose
		want bool
	}{
		{Pose{X: 0, Y: 0}, true},
		{Pose{X: 2, Y: 3.5}, true},
		{Pose{X: 4, Y: 1}, false},
		{Pose{X: 1, Y: 4}, false},
		{Pose{X: -0.01, Y: 1}, false},
		{Pose{X: math.NaN(), Y: 1}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, insideHalfOpen(obs.bound, tt.p), "%+v", tt.p)
	}
}

func TestParticleFilter_ClampedJitterIsPenalised(t *testing.T) {
	pf, obs := newTestFilter(t, FilterConfig{Particles: 1})
	src := NewSource(3)
	maxX := obs.bound.Max.X()
	var clamped Pose
	for range 100 {
		clamped = jitterPose(src, Pose{X: 3.9, Y: 2}, 50, 0, obs.bound)
		if clamped.X == maxX {
			break
		}
	}
	require.Equal(t, maxX, clamped.X, "wide jitter clamps onto the max edge")

	obs.target = clamped
	pf.SetParticles([]Particle{{Pose: clamped}})
	pf.Evaluate(uniformGray(2, 2, 9))
	assert.InDelta(t, 0.5, pf.Particles()[0].Belief, 1e-9)
}

func TestParticleFilter_ZeroNoiseResampleCopiesParents(t *testing.T) {
	exact := false
	pf, _ := newTestFilter(t, FilterConfig{
		Particles:    4,
		KeepFraction: 1,
		StdevLinear:  ptr(0.0),
		StdevAngular: ptr(0.0),
		ExactCopy:    &exact,
	})
	parents := []Particle{
		{Pose: Pose{X: 2.5, Y: 1.5, Theta: 0.4}},
		{Pose: Pose{X: 2.4, Y: 1.4, Theta: -1}},
		{Pose: Pose{X: 0.5, Y: 3.5}},
		{Pose: Pose{X: 3.5, Y: 0.5}},
	}
	pf.SetParticles(parents)
	pf.Evaluate(uniformGray(2, 2, 9))
	pf.Resample()

	poses := make(map[Pose]bool, len(parents))
	for _, p := range parents {
		poses[p.Pose] = true
	}
	ps := pf.Particles()
	require.Len(t, ps, 4)
	for _, p := range ps {
		assert.True(t, poses[p.Pose], "%+v was perturbed", p.Pose)
	}
}

// mapScenario stores one capture of truth in a fresh map over box and
// returns it with the normalised live patch of the same frame
func mapScenario(t *testing.T, box BoundsConfig, truth Pose) (*mapFixture, *AppearanceMap, *image.Gray) {
	t.Helper()
	f := newMapFixture(t)
	m := f.newMap(t, MapConfig{Bounds: box})
	frame := f.frame(truth)
	require.NoError(t, m.Update(frame, truth, f.cam))
	return f, m, f.eval.Normalize(frame)
}

func TestParticleFilter_LocalizesOnAppearanceMap(t *testing.T) {
	truth := Pose{X: 5, Y: 5}
	f, m, live := mapScenario(t, BoundsConfig{MaxX: 10, MaxY: 10}, truth)

	// 500 particles over 100 m² leave only a handful close enough to see
	// the stored piece. A render needs half its pixels known, which caps
	// how far from truth a scored particle can sit at about 1 m.
	const reach = 1.05
	found := 0
	for seed := uint64(1); seed <= 8; seed++ {
		pf := NewParticleFilter(FilterConfig{
			Particles:    500,
			KeepFraction: 0.5,
			BeliefScale:  DefaultBeliefScale,
		}, m, f.eval, NewSource(seed))
		pf.Seed()
		for _, p := range pf.Particles() {
			require.True(t, insideHalfOpen(m.Bound(), p.Pose))
		}

		pf.Evaluate(live)
		best, ok := pf.Best()
		if !ok {
			assert.Zero(t, pf.CycleBelief(), "seed %d", seed)
			continue
		}
		found++
		d := math.Hypot(best.X-truth.X, best.Y-truth.Y)
		assert.LessOrEqual(t, d, reach, "seed %d: best %+v", seed, best)
		assert.Greater(t, pf.CycleBelief(), 0.0)

		before := best
		pf.Evaluate(f.eval.Normalize(image.NewGray(image.Rect(0, 0, 200, 150))))
		after, ok := pf.Best()
		require.True(t, ok)
		assert.Equal(t, before, after, "seed %d: a black frame keeps the estimate", seed)
		assert.Zero(t, pf.CycleBelief())
	}
	assert.GreaterOrEqual(t, found, 4, "most seeds put a particle near the stored piece")
}

func TestParticleFilter_ConvergesOnAppearanceMap(t *testing.T) {
	truth := Pose{X: 2, Y: 2}
	f, m, live := mapScenario(t, BoundsConfig{MaxX: 4, MaxY: 4}, truth)

	const (
		posTol     = 0.3
		headingTol = 0.4
	)
	converged := 0
	for seed := uint64(1); seed <= 5; seed++ {
		pf := NewParticleFilter(FilterConfig{
			Particles:    500,
			KeepFraction: 0.5,
			BeliefScale:  DefaultBeliefScale,
		}, m, f.eval, NewSource(seed))
		pf.Seed()
		for range 20 {
			pf.Evaluate(live)
			pf.Resample()
			require.Equal(t, 500, pf.Len())
		}
		pf.Evaluate(live)

		best, ok := pf.Best()
		require.True(t, ok, "seed %d", seed)
		d := math.Hypot(best.X-truth.X, best.Y-truth.Y)
		dh := math.Abs(NormalizeAngle(best.Theta - truth.Theta))
		t.Logf("seed %d: best %+v dist %.3f heading %.3f belief %.3f", seed, best, d, dh, pf.CycleBelief())
		if d <= posTol && dh <= headingTol {
			converged++
		}
	}
	assert.GreaterOrEqual(t, converged, 4, "repeated cycles settle on the capture pose and heading")
}
