package mcl

import (
	"fmt"
	"image"
	"math"
)

// ErrorFunction selects how two patches are compared
type ErrorFunction string

const (
	// ErrorPixel is the mean absolute intensity difference over jointly known pixels
	ErrorPixel ErrorFunction = "pixel"
	// ErrorCentroid is the normalised Manhattan distance between intensity centroids
	ErrorCentroid ErrorFunction = "centroid"
)

// ParseErrorFunction validates an error function name. Empty selects pixel mode.
func ParseErrorFunction(name string) (ErrorFunction, error) {
	switch ErrorFunction(name) {
	case "", ErrorPixel:
		return ErrorPixel, nil
	case ErrorCentroid:
		return ErrorCentroid, nil
	default:
		return "", fmt.Errorf("unknown error function %q (want pixel or centroid)", name)
	}
}

// ImageEvaluator resamples image regions through a Gaussian kernel and
// scores the similarity of equally sized grayscale patches.
type ImageEvaluator struct {
	mode        ErrorFunction
	kernel      *Kernel
	nearest     *Kernel
	resizeScale int
}

// NewImageEvaluator creates an evaluator from its configuration
func NewImageEvaluator(cfg EvaluatorConfig) (*ImageEvaluator, error) {
	mode, err := ParseErrorFunction(cfg.ErrorFunction)
	if err != nil {
		return nil, err
	}
	scale := cfg.ResizeScale
	if scale < 1 {
		scale = 1
	}
	return &ImageEvaluator{
		mode:        mode,
		kernel:      NewKernel(cfg.KernelSize, cfg.KernelStddev),
		nearest:     NewKernel(1, 0),
		resizeScale: scale,
	}, nil
}

// Mode returns the configured error function
func (e *ImageEvaluator) Mode() ErrorFunction { return e.mode }

// ResizeScale returns the downscale factor between frames and patches
func (e *ImageEvaluator) ResizeScale() int { return e.resizeScale }

// PatchSize returns the patch dimensions produced from a frame of the given size
func (e *ImageEvaluator) PatchSize(width, height int) (rows, cols int) {
	return height / e.resizeScale, width / e.resizeScale
}

// Transform samples a rows x cols patch from src. Output cell (r, c) is
// offset from the output centre, rotated by yaw, moved to anchor, and then
// rotated by pitch about the source centre. Samples falling outside src are 0.
func (e *ImageEvaluator) Transform(src *image.Gray, anchor Point, yaw, pitch float64, rows, cols int) *image.Gray {
	return e.transform(src, anchor, yaw, pitch, 1, rows, cols, e.kernel)
}

// Normalize converts a full camera frame into the reference patch: a
// downscaled, smoothed view in image axes centred on the frame centre.
func (e *ImageEvaluator) Normalize(frame *image.Gray) *image.Gray {
	w, h := frame.Rect.Dx(), frame.Rect.Dy()
	rows, cols := e.PatchSize(w, h)
	return e.transform(frame, imageCenter(w, h), 0, 0, float64(e.resizeScale), rows, cols, e.kernel)
}

// transform is Transform with an output-to-source scale factor and an
// explicit sampling kernel.
func (e *ImageEvaluator) transform(src *image.Gray, anchor Point, yaw, pitch, scale float64, rows, cols int, k *Kernel) *image.Gray {
	if rows < 0 {
		rows = 0
	}
	if cols < 0 {
		cols = 0
	}
	out := image.NewGray(image.Rect(0, 0, cols, rows))

	b := src.Rect
	center := imageCenter(b.Dx(), b.Dy())
	center.X += float64(b.Min.X)
	center.Y += float64(b.Min.Y)

	ysin, ycos := math.Sincos(yaw)
	psin, pcos := math.Sincos(pitch)
	halfR, halfC := rows/2, cols/2

	for r := 0; r < rows; r++ {
		oy := float64(r-halfR) * scale
		for c := 0; c < cols; c++ {
			ox := float64(c-halfC) * scale

			px := anchor.X + ox*ycos - oy*ysin - center.X
			py := anchor.Y + ox*ysin + oy*ycos - center.Y

			qx := center.X + px*pcos - py*psin
			qy := center.Y + px*psin + py*pcos

			sx := int(math.Floor(qx + 0.5))
			sy := int(math.Floor(qy + 0.5))
			if sx < b.Min.X || sx >= b.Max.X || sy < b.Min.Y || sy >= b.Max.Y {
				continue
			}
			out.Pix[r*out.Stride+c] = clampByte(k.Sample(src, sx, sy))
		}
	}
	return out
}

// Evaluate returns a dissimilarity in [0, 1] between two equally sized
// patches; 0 means identical. Mismatched sizes score 1.
func (e *ImageEvaluator) Evaluate(a, b *image.Gray) float64 {
	if a == nil || b == nil || a.Rect.Dx() != b.Rect.Dx() || a.Rect.Dy() != b.Rect.Dy() {
		return 1
	}
	if e.mode == ErrorCentroid {
		return centroidError(a, b)
	}
	return pixelError(a, b)
}

// pixelError is the mean absolute difference over pixels known in both
// patches, normalised by 255. No overlap scores 1.
func pixelError(a, b *image.Gray) float64 {
	w, h := a.Rect.Dx(), a.Rect.Dy()
	var sum float64
	n := 0
	for y := 0; y < h; y++ {
		ra := a.Pix[y*a.Stride : y*a.Stride+w]
		rb := b.Pix[y*b.Stride : y*b.Stride+w]
		for x := 0; x < w; x++ {
			if ra[x] == 0 || rb[x] == 0 {
				continue
			}
			sum += math.Abs(float64(ra[x]) - float64(rb[x]))
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return sum / (255 * float64(n))
}

// centroidError compares the intensity-weighted centroids of two patches.
// Each axis offset is divided by the patch extent on that axis.
func centroidError(a, b *image.Gray) float64 {
	ax, ay, okA := intensityCentroid(a)
	bx, by, okB := intensityCentroid(b)
	if !okA || !okB {
		return 1
	}
	err := math.Abs(ax-bx)/float64(a.Rect.Dx()) + math.Abs(ay-by)/float64(a.Rect.Dy())
	return math.Min(err, 1)
}

// intensityCentroid returns the first moment over the zeroth moment
func intensityCentroid(img *image.Gray) (cx, cy float64, ok bool) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	var m0, mx, my float64
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		for x, v := range row {
			if v == 0 {
				continue
			}
			f := float64(v)
			m0 += f
			mx += f * float64(x)
			my += f * float64(y)
		}
	}
	if m0 == 0 {
		return 0, 0, false
	}
	return mx / m0, my / m0, true
}

// HasEvidence reports whether a patch contains any known pixel
func HasEvidence(img *image.Gray) bool {
	if img == nil {
		return false
	}
	w, h := img.Rect.Dx(), img.Rect.Dy()
	for y := 0; y < h; y++ {
		for _, v := range img.Pix[y*img.Stride : y*img.Stride+w] {
			if v != 0 {
				return true
			}
		}
	}
	return false
}

// Coverage returns the fraction of known (non-zero) pixels in a patch
func Coverage(img *image.Gray) float64 {
	if img == nil || img.Rect.Empty() {
		return 0
	}
	w, h := img.Rect.Dx(), img.Rect.Dy()
	known := 0
	for y := 0; y < h; y++ {
		for _, v := range img.Pix[y*img.Stride : y*img.Stride+w] {
			if v != 0 {
				known++
			}
		}
	}
	return float64(known) / float64(w*h)
}

// imageCenter returns the integer-halved centre of a w x h image
func imageCenter(w, h int) Point {
	return Point{X: float64(w / 2), Y: float64(h / 2)}
}

func clampByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}
