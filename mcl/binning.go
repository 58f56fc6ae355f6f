package mcl

import (
	"math"
	"slices"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/stat"
)

// bin accumulates the particles falling in one cell of the binning grid
type bin struct {
	belief  float64
	count   int
	members []int
}

// binGrid partitions a bounding box into square bins held in a flat buffer
type binGrid struct {
	origin orb.Point
	size   float64
	nx, ny int
	bins   []bin
}

func newBinGrid(b orb.Bound, size float64) *binGrid {
	nx := max(1, int(math.Ceil((b.Max.X()-b.Min.X())/size)))
	ny := max(1, int(math.Ceil((b.Max.Y()-b.Min.Y())/size)))
	return &binGrid{origin: b.Min, size: size, nx: nx, ny: ny, bins: make([]bin, nx*ny)}
}

func (g *binGrid) index(ix, iy int) int { return iy*g.nx + ix }

// locate returns the bin holding p, clamped to the grid
func (g *binGrid) locate(p Pose) (ix, iy int) {
	ix = int(math.Floor((p.X - g.origin.X()) / g.size))
	iy = int(math.Floor((p.Y - g.origin.Y()) / g.size))
	return clampInt(ix, 0, g.nx-1), clampInt(iy, 0, g.ny-1)
}

func (g *binGrid) center(ix, iy int) Point {
	return Point{
		X: g.origin.X() + (float64(ix)+0.5)*g.size,
		Y: g.origin.Y() + (float64(iy)+0.5)*g.size,
	}
}

// binMode finds the bin with the most belief, extends it by up to three
// neighbours toward its belief-weighted centroid, and returns the
// belief-weighted mean pose of their members. ok is false when no particle
// has belief.
func binMode(particles []Particle, b orb.Bound, size float64) (Pose, bool) {
	if size <= 0 || len(particles) == 0 {
		return Pose{}, false
	}
	g := newBinGrid(b, size)
	for i, p := range particles {
		ix, iy := g.locate(p.Pose)
		bn := &g.bins[g.index(ix, iy)]
		bn.belief += p.Belief
		bn.count++
		bn.members = append(bn.members, i)
	}

	bestIdx := -1
	for i := range g.bins {
		if g.bins[i].belief > 0 && (bestIdx < 0 || g.bins[i].belief > g.bins[bestIdx].belief) {
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return Pose{}, false
	}
	bx, by := bestIdx%g.nx, bestIdx/g.nx

	xs, ys, ws := memberValues(particles, g.bins[bestIdx].members)
	cx, cy := stat.Mean(xs, ws), stat.Mean(ys, ws)
	center := g.center(bx, by)
	sx, sy := sign(cx-center.X), sign(cy-center.Y)

	selected := []int{bestIdx}
	for _, d := range [][2]int{{sx, 0}, {0, sy}, {sx, sy}} {
		if d == [2]int{0, 0} {
			continue
		}
		ix, iy := bx+d[0], by+d[1]
		if ix < 0 || ix >= g.nx || iy < 0 || iy >= g.ny {
			continue
		}
		if idx := g.index(ix, iy); !slices.Contains(selected, idx) {
			selected = append(selected, idx)
		}
	}

	var members []int
	for _, idx := range selected {
		members = append(members, g.bins[idx].members...)
	}
	xs, ys, ws = memberValues(particles, members)
	thetas := make([]float64, len(members))
	for i, m := range members {
		thetas[i] = particles[m].Pose.Theta
	}

	return Pose{
		X:     stat.Mean(xs, ws),
		Y:     stat.Mean(ys, ws),
		Theta: NormalizeAngle(stat.CircularMean(thetas, ws)),
	}, true
}

func memberValues(particles []Particle, members []int) (xs, ys, ws []float64) {
	xs = make([]float64, len(members))
	ys = make([]float64, len(members))
	ws = make([]float64, len(members))
	for i, m := range members {
		xs[i] = particles[m].Pose.X
		ys[i] = particles[m].Pose.Y
		ws[i] = particles[m].Belief
	}
	return xs, ys, ws
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
