package mcl

import (
	"math"
	"math/rand/v2"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/stat/distuv"
)

// NewSource returns the random source owned by a filter. Seed 0 draws a
// seed from the runtime.
func NewSource(seed uint64) rand.Source {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
}

// sampleUniform draws from U[lo, hi) using src
func sampleUniform(src rand.Source, lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return distuv.Uniform{Min: lo, Max: hi, Src: src}.Rand()
}

// sampleNormal draws from N(mu, sigma) using src. A zero sigma returns mu.
func sampleNormal(src rand.Source, mu, sigma float64) float64 {
	if sigma <= 0 {
		return mu
	}
	return distuv.Normal{Mu: mu, Sigma: sigma, Src: src}.Rand()
}

// sampleHeading draws a heading uniformly over the full circle
func sampleHeading(src rand.Source) float64 {
	return NormalizeAngle(sampleUniform(src, -math.Pi, math.Pi))
}

// samplePoseIn draws a pose uniformly over b with a uniform heading
func samplePoseIn(src rand.Source, b orb.Bound) Pose {
	return Pose{
		X:     sampleUniform(src, b.Min.X(), b.Max.X()),
		Y:     sampleUniform(src, b.Min.Y(), b.Max.Y()),
		Theta: sampleHeading(src),
	}
}

// samplePoseAround draws a position uniformly within +-spread/2 of center
// and a uniform heading
func samplePoseAround(src rand.Source, center Pose, spread float64) Pose {
	h := spread / 2
	return Pose{
		X:     sampleUniform(src, center.X-h, center.X+h),
		Y:     sampleUniform(src, center.Y-h, center.Y+h),
		Theta: sampleHeading(src),
	}
}

// jitterPose draws a pose from a Gaussian around parent, clamping the
// position to b. linear and angular are standard deviations.
func jitterPose(src rand.Source, parent Pose, linear, angular float64, b orb.Bound) Pose {
	return Pose{
		X:     clampFloat(sampleNormal(src, parent.X, linear), b.Min.X(), b.Max.X()),
		Y:     clampFloat(sampleNormal(src, parent.Y, linear), b.Min.Y(), b.Max.Y()),
		Theta: NormalizeAngle(sampleNormal(src, parent.Theta, angular)),
	}
}

// susHits distributes keep evenly spaced marks, starting at offset u in
// [0, W/keep), over the cumulative beliefs. It returns the hit count per
// particle; the counts sum to keep. A zero or negative total yields nil.
func susHits(beliefs []float64, keep int, u float64) []int {
	var total float64
	for _, b := range beliefs {
		total += b
	}
	if total <= 0 || keep <= 0 {
		return nil
	}

	step := total / float64(keep)
	hits := make([]int, len(beliefs))
	mark := u
	cum := 0.0
	taken := 0
	for i, b := range beliefs {
		cum += b
		for taken < keep && mark < cum {
			hits[i]++
			taken++
			mark += step
		}
	}
	// Rounding can leave the final mark just past the total.
	for i := len(beliefs) - 1; taken < keep && i >= 0; i-- {
		if beliefs[i] > 0 {
			hits[i] += keep - taken
			taken = keep
		}
	}
	return hits
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
