package mcl

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// maxMosaicSide caps the rendered mosaic edge in pixels
const maxMosaicSide = 4096

var (
	mosaicBackground = color.RGBA{40, 40, 48, 255}
	mosaicGrid       = color.RGBA{70, 70, 80, 255}
	mosaicEstimate   = color.RGBA{230, 40, 40, 255}
	mosaicText       = color.RGBA{240, 240, 240, 255}
)

// MosaicRenderer draws the appearance map as one raster image with every
// stored patch placed at its world position
type MosaicRenderer struct {
	Map      *AppearanceMap
	Estimate *Pose
	Label    string
	ShowGrid bool
}

// NewMosaicRenderer creates a renderer for m
func NewMosaicRenderer(m *AppearanceMap) *MosaicRenderer {
	return &MosaicRenderer{Map: m, ShowGrid: true}
}

// Render draws the mosaic. It returns nil when the map has no geometry yet.
func (r *MosaicRenderer) Render() *image.RGBA {
	m := r.Map
	g := m.Geometry()
	if g == nil || g.MetersPerPx <= 0 {
		return nil
	}

	b := m.Bound()
	mpp := g.MetersPerPx
	width := int(math.Ceil((b.Max.X() - b.Min.X()) / mpp))
	height := int(math.Ceil((b.Max.Y() - b.Min.Y()) / mpp))
	if side := max(width, height); side > maxMosaicSide {
		mpp *= float64(side) / maxMosaicSide
		width = int(math.Ceil((b.Max.X() - b.Min.X()) / mpp))
		height = int(math.Ceil((b.Max.Y() - b.Min.Y()) / mpp))
	}
	width, height = max(width, 1), max(height, 1)

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(mosaicBackground), image.Point{}, draw.Src)

	toPx := func(p Point) (int, int) {
		return int((p.X - b.Min.X()) / mpp), int((b.Max.Y() - p.Y) / mpp)
	}

	if r.ShowGrid {
		rows, cols := m.Dims()
		for c := 0; c <= cols; c++ {
			x, _ := toPx(Point{X: b.Min.X() + float64(c)*m.CellSize()})
			for y := 0; y < height; y++ {
				img.Set(x, y, mosaicGrid)
			}
		}
		for row := 0; row <= rows; row++ {
			_, y := toPx(Point{Y: b.Min.Y() + float64(row)*m.CellSize()})
			for x := 0; x < width; x++ {
				img.Set(x, y, mosaicGrid)
			}
		}
	}

	// Patch pixel (c, r) sits at world Center + mpp_patch * (c - cols/2, h*(r - rows/2)).
	for _, gp := range m.Pieces() {
		p := gp.Piece
		halfC, halfR := p.Patch.Rect.Dx()/2, p.Patch.Rect.Dy()/2
		for pr := 0; pr < p.Patch.Rect.Dy(); pr++ {
			for pc := 0; pc < p.Patch.Rect.Dx(); pc++ {
				v := p.Patch.Pix[pr*p.Patch.Stride+pc]
				if v == 0 {
					continue
				}
				w := Point{
					X: p.Center.X + g.MetersPerPx*float64(pc-halfC),
					Y: p.Center.Y + g.Handedness*g.MetersPerPx*float64(pr-halfR),
				}
				x, y := toPx(w)
				if x >= 0 && x < width && y >= 0 && y < height {
					img.Set(x, y, color.RGBA{v, v, v, 255})
				}
			}
		}
	}

	if r.Estimate != nil {
		x, y := toPx(r.Estimate.Position())
		drawCircle(img, x, y, 4, mosaicEstimate)
		hx := x + int(10*math.Cos(r.Estimate.Theta))
		hy := y - int(10*math.Sin(r.Estimate.Theta))
		drawLine(img, x, y, hx, hy, mosaicEstimate)
	}

	label := r.Label
	if label == "" {
		label = fmt.Sprintf("%d cells", m.SetCount())
	}
	drawText(img, 4, 13, label, mosaicText)
	return img
}

// SavePNG renders the mosaic to a file
func (r *MosaicRenderer) SavePNG(path string) error {
	img := r.Render()
	if img == nil {
		return fmt.Errorf("map has no captured patches to render")
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return png.Encode(f, img)
}

// UpscalePatch enlarges a patch by an integer factor with nearest-neighbour
// scaling so individual patch pixels stay visible
func UpscalePatch(p *image.Gray, factor int) *image.Gray {
	if factor < 1 {
		factor = 1
	}
	b := p.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	draw.NearestNeighbor.Scale(out, out.Bounds(), p, b, draw.Src, nil)
	return out
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				x, y := cx+dx, cy+dy
				if (image.Point{x, y}).In(img.Bounds()) {
					img.Set(x, y, c)
				}
			}
		}
	}
}

// drawLine draws a one pixel line between two points
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	steps := max(abs(x1-x0), abs(y1-y0))
	if steps == 0 {
		img.Set(x0, y0, c)
		return
	}
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		x := x0 + int(math.Round(t*float64(x1-x0)))
		y := y0 + int(math.Round(t*float64(y1-y0)))
		if (image.Point{x, y}).In(img.Bounds()) {
			img.Set(x, y, c)
		}
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
