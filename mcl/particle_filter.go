package mcl

import (
	"image"
	"math"
	"math/rand/v2"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/floats"
)

// Observer retrieves stored map patches for a query pose
type Observer interface {
	MapPieces(query Pose) []*image.Gray
	Bound() orb.Bound
}

// Scorer returns a dissimilarity in [0, 1] between two patches
type Scorer interface {
	Evaluate(a, b *image.Gray) float64
}

// ParticleFilter is a Monte Carlo pose estimator over an appearance map
type ParticleFilter struct {
	cfg       FilterConfig
	src       rand.Source
	observer  Observer
	scorer    Scorer
	particles []Particle
	startPose *Pose

	best      Particle
	hasBest   bool
	cycleBest float64
	binned    Pose
	hasBinned bool
	lastHits  []int
}

// NewParticleFilter creates an unseeded filter
func NewParticleFilter(cfg FilterConfig, observer Observer, scorer Scorer, src rand.Source) *ParticleFilter {
	if src == nil {
		src = NewSource(cfg.Seed)
	}
	pf := &ParticleFilter{
		cfg:      cfg,
		src:      src,
		observer: observer,
		scorer:   scorer,
	}
	if cfg.StartPose != nil {
		start := *cfg.StartPose
		pf.startPose = &start
	}
	return pf
}

// Particles returns a copy of the current population
func (pf *ParticleFilter) Particles() []Particle {
	out := make([]Particle, len(pf.particles))
	copy(out, pf.particles)
	return out
}

// SetParticles replaces the population
func (pf *ParticleFilter) SetParticles(ps []Particle) {
	pf.particles = append(pf.particles[:0], ps...)
}

// Len returns the population size
func (pf *ParticleFilter) Len() int { return len(pf.particles) }

// Seed tops the population up to the configured count. The first call
// with a start pose samples tightly around it; later calls sample the whole
// map box.
func (pf *ParticleFilter) Seed() {
	b := pf.observer.Bound()
	for len(pf.particles) < pf.cfg.Particles {
		var p Pose
		if pf.startPose != nil {
			p = samplePoseAround(pf.src, *pf.startPose, pf.cfg.LinearNoise())
		} else {
			p = samplePoseIn(pf.src, b)
		}
		pf.particles = append(pf.particles, Particle{Pose: p})
	}
	pf.startPose = nil
}

// MotionUpdate applies the same displacement to every particle
func (pf *ParticleFilter) MotionUpdate(forward, dtheta float64) {
	for i := range pf.particles {
		p := &pf.particles[i].Pose
		p.Theta = NormalizeAngle(p.Theta + dtheta)
		sin, cos := math.Sincos(p.Theta)
		p.X += forward * cos
		p.Y += forward * sin
	}
}

// Evaluate scores every particle against the map using the normalised live
// patch. A live patch with no known pixels carries no evidence: all beliefs
// are zeroed and the previous estimate is kept.
func (pf *ParticleFilter) Evaluate(live *image.Gray) {
	pf.cycleBest = 0
	for i := range pf.particles {
		pf.particles[i].Belief = 0
	}
	if !HasEvidence(live) {
		return
	}

	b := pf.observer.Bound()
	bestIdx := -1
	for i := range pf.particles {
		p := &pf.particles[i]
		pieces := pf.observer.MapPieces(p.Pose)
		if len(pieces) == 0 {
			continue
		}

		var sum float64
		for _, piece := range pieces {
			e := pf.scorer.Evaluate(live, piece)
			sum += math.Exp(-pf.cfg.BeliefScale * e * e)
		}
		belief := sum / float64(len(pieces))
		if !insideHalfOpen(b, p.Pose) {
			belief *= pf.cfg.EdgeFactor()
		}
		p.Belief = belief

		if belief > pf.cycleBest {
			pf.cycleBest = belief
			bestIdx = i
		}
	}

	if bestIdx < 0 {
		return
	}
	pf.best = pf.particles[bestIdx]
	pf.hasBest = true

	if pf.cfg.BinSize > 0 {
		if pose, ok := binMode(pf.particles, b, pf.cfg.BinSize); ok {
			pf.binned = pose
			pf.hasBinned = true
		}
	}
}

// insideHalfOpen reports whether p lies in [min, max) on both axes. Poses
// clamped onto the max edge by resampling count as outside.
func insideHalfOpen(b orb.Bound, p Pose) bool {
	return p.X >= b.Min.X() && p.X < b.Max.X() && p.Y >= b.Min.Y() && p.Y < b.Max.Y()
}

// Resample regenerates the population with stochastic universal sampling.
// With no belief mass the population is left untouched.
func (pf *ParticleFilter) Resample() {
	beliefs := make([]float64, len(pf.particles))
	for i, p := range pf.particles {
		beliefs[i] = p.Belief
	}
	total := floats.Sum(beliefs)
	if total <= 0 {
		pf.lastHits = nil
		return
	}

	keep := max(1, int(pf.cfg.KeepFraction*float64(pf.cfg.Particles)))
	step := total / float64(keep)
	hits := susHits(beliefs, keep, sampleUniform(pf.src, 0, step))
	pf.lastHits = hits

	b := pf.observer.Bound()
	next := make([]Particle, 0, pf.cfg.Particles)
	exact := pf.cfg.UseExactCopy()
	for i, h := range hits {
		parent := pf.particles[i]
		spread := math.Max(0, 1-parent.Belief)
		for k := 0; k < h; k++ {
			if k == 0 && exact {
				next = append(next, parent)
				continue
			}
			pose := jitterPose(pf.src, parent.Pose,
				pf.cfg.LinearNoise()*spread, pf.cfg.AngularNoise()*spread, b)
			next = append(next, Particle{Pose: pose, Belief: parent.Belief})
		}
	}
	if len(next) > pf.cfg.Particles {
		next = next[:pf.cfg.Particles]
	}

	pf.particles = next
	pf.Seed()
}

// LastHits returns the SUS hit counts of the most recent resample
func (pf *ParticleFilter) LastHits() []int {
	out := make([]int, len(pf.lastHits))
	copy(out, pf.lastHits)
	return out
}

// Best returns the current estimate: the binned mode when binning is
// enabled and available, otherwise the best single particle. ok is false
// until some cycle produced belief.
func (pf *ParticleFilter) Best() (Pose, bool) {
	if pf.cfg.BinSize > 0 && pf.hasBinned {
		return pf.binned, true
	}
	return pf.best.Pose, pf.hasBest
}

// BestSingle returns the highest-belief particle seen in the latest
// cycle that had evidence
func (pf *ParticleFilter) BestSingle() (Particle, bool) {
	return pf.best, pf.hasBest
}

// CycleBelief returns the highest belief of the most recent evaluation
func (pf *ParticleFilter) CycleBelief() float64 { return pf.cycleBest }
