package mcl

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
)

func TestSusHits(t *testing.T) {
	tests := []struct {
		name    string
		beliefs []float64
		keep    int
		u       float64
		want    []int
	}{
		{
			name:    "proportional",
			beliefs: []float64{1, 2, 1},
			keep:    4,
			u:       0.5,
			want:    []int{1, 2, 1},
		},
		{
			name:    "single dominant particle",
			beliefs: []float64{0, 10, 0},
			keep:    3,
			u:       1,
			want:    []int{0, 3, 0},
		},
		{
			name:    "zero beliefs never hit",
			beliefs: []float64{0.5, 0, 0.5},
			keep:    2,
			u:       0,
			want:    []int{1, 0, 1},
		},
		{
			name:    "offset at the end of the first interval",
			beliefs: []float64{1, 1},
			keep:    2,
			u:       0.999999,
			want:    []int{1, 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, susHits(tt.beliefs, tt.keep, tt.u))
		})
	}
}

func TestSusHits_SumsToKeep(t *testing.T) {
	src := NewSource(42)
	beliefs := make([]float64, 97)
	for i := range beliefs {
		beliefs[i] = sampleUniform(src, 0, 1)
	}
	var total float64
	for _, b := range beliefs {
		total += b
	}
	for _, keep := range []int{1, 13, 50, 200} {
		hits := susHits(beliefs, keep, sampleUniform(src, 0, total/float64(keep)))
		sum := 0
		for _, h := range hits {
			sum += h
		}
		assert.Equal(t, keep, sum, "keep %d", keep)
	}
}

func TestSusHits_NoMass(t *testing.T) {
	assert.Nil(t, susHits([]float64{0, 0}, 3, 0))
	assert.Nil(t, susHits(nil, 3, 0))
	assert.Nil(t, susHits([]float64{1}, 0, 0))
}

func TestNewSource_Deterministic(t *testing.T) {
	a, b := NewSource(9), NewSource(9)
	for range 5 {
		assert.Equal(t, a.Uint64(), b.Uint64())
	}
}

func TestJitterPose_ClampsToBound(t *testing.T) {
	src := NewSource(5)
	b := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}
	for range 100 {
		p := jitterPose(src, Pose{X: 0.95, Y: 0.05}, 0.5, 0.5, b)
		assert.True(t, b.Contains(orb.Point{p.X, p.Y}), "%+v", p)
		assert.True(t, p.Theta > -math.Pi && p.Theta <= math.Pi)
	}
	assert.Equal(t, Pose{X: 0.5, Y: 0.5, Theta: 1}, jitterPose(src, Pose{X: 0.5, Y: 0.5, Theta: 1}, 0, 0, b))
}

func TestSamplePoseAround(t *testing.T) {
	src := NewSource(6)
	for range 50 {
		p := samplePoseAround(src, Pose{X: 2, Y: -1}, 0.4)
		assert.InDelta(t, 2, p.X, 0.2)
		assert.InDelta(t, -1, p.Y, 0.2)
	}
}
