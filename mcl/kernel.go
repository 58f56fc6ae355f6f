package mcl

import (
	"image"
	"math"
)

// Kernel is a square Gaussian smoothing kernel of odd size
type Kernel struct {
	size    int
	half    int
	weights []float64
}

// NewKernel builds a Gaussian kernel. The size is forced odd (2*(n/2)+1);
// size 1 samples the nearest pixel without blending.
func NewKernel(size int, stddev float64) *Kernel {
	half := size / 2
	if half < 0 {
		half = 0
	}
	size = 2*half + 1

	k := &Kernel{size: size, half: half, weights: make([]float64, size*size)}
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			w := 1.0
			if stddev > 0 {
				w = math.Exp(-float64(dx*dx+dy*dy) / (2 * stddev * stddev))
			}
			k.weights[(dy+half)*size+(dx+half)] = w
		}
	}
	return k
}

// Size returns the kernel edge length
func (k *Kernel) Size() int { return k.size }

// Weight returns the kernel weight at offset (dx, dy) from the centre
func (k *Kernel) Weight(dx, dy int) float64 {
	if dx < -k.half || dx > k.half || dy < -k.half || dy > k.half {
		return 0
	}
	return k.weights[(dy+k.half)*k.size+(dx+k.half)]
}

// Sample returns the kernel-weighted intensity around (x, y). Out of bounds
// source pixels are skipped and the result is normalised by the sum of the
// in-bounds weights, so image borders do not darken.
func (k *Kernel) Sample(src *image.Gray, x, y int) float64 {
	b := src.Rect
	if k.size == 1 {
		if x < b.Min.X || x >= b.Max.X || y < b.Min.Y || y >= b.Max.Y {
			return 0
		}
		return float64(src.Pix[src.PixOffset(x, y)])
	}

	var sum, wsum float64
	for dy := -k.half; dy <= k.half; dy++ {
		sy := y + dy
		if sy < b.Min.Y || sy >= b.Max.Y {
			continue
		}
		row := (dy + k.half) * k.size
		for dx := -k.half; dx <= k.half; dx++ {
			sx := x + dx
			if sx < b.Min.X || sx >= b.Max.X {
				continue
			}
			w := k.weights[row+dx+k.half]
			sum += w * float64(src.Pix[src.PixOffset(sx, sy)])
			wsum += w
		}
	}
	if wsum == 0 {
		return 0
	}
	return sum / wsum
}
