package mcl

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// ParticleRenderer draws the particle cloud over the map bound as vector
// graphics. Canvas units are millimetres; Scale converts metres to them.
type ParticleRenderer struct {
	Bound      orb.Bound
	Particles  []Particle
	Estimate   *Pose
	Trajectory orb.LineString
	Cells      []orb.Bound
	Scale      float64 // canvas millimetres per world metre
	Padding    float64 // padding in world metres
	ArrowLen   float64 // particle arrow length in world metres
	Resolution canvas.Resolution
}

// NewParticleRenderer creates a renderer with default settings
func NewParticleRenderer(bound orb.Bound, particles []Particle) *ParticleRenderer {
	return &ParticleRenderer{
		Bound:      bound,
		Particles:  particles,
		Scale:      20.0,
		Padding:    0.5,
		ArrowLen:   0.15,
		Resolution: canvas.DPI(100),
	}
}

// WithMap adds the set cells of m as shaded rectangles
func (r *ParticleRenderer) WithMap(m *AppearanceMap) *ParticleRenderer {
	cell := m.CellSize()
	b := m.Bound()
	for _, gp := range m.Pieces() {
		minX := b.Min.X() + float64(gp.Col)*cell
		minY := b.Min.Y() + float64(gp.Row)*cell
		r.Cells = append(r.Cells, orb.Bound{
			Min: orb.Point{minX, minY},
			Max: orb.Point{minX + cell, minY + cell},
		})
	}
	return r
}

func (r *ParticleRenderer) size() (float64, float64) {
	w := (r.Bound.Max.X() - r.Bound.Min.X() + 2*r.Padding) * r.Scale
	h := (r.Bound.Max.Y() - r.Bound.Min.Y() + 2*r.Padding) * r.Scale
	return math.Max(w, 1), math.Max(h, 1)
}

// RenderToSVG writes the particle cloud as an SVG to the provided writer
func (r *ParticleRenderer) RenderToSVG(w io.Writer) error {
	width, height := r.size()
	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the particle cloud as a PNG to the provided writer
func (r *ParticleRenderer) RenderToPNG(w io.Writer) error {
	width, height := r.size()
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, width, height)
	return png.Encode(w, rast)
}

func (r *ParticleRenderer) renderToCanvas(renderer canvasRenderer, width, height float64) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	toCanvas := func(x, y float64) (float64, float64) {
		return (x - r.Bound.Min.X() + r.Padding) * r.Scale, (y - r.Bound.Min.Y() + r.Padding) * r.Scale
	}

	cellStyle := canvas.DefaultStyle
	cellStyle.Fill = canvas.Paint{Color: color.RGBA{R: 220, G: 220, B: 220, A: 255}}
	cellStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	for _, c := range r.Cells {
		x, y := toCanvas(c.Min.X(), c.Min.Y())
		rect := canvas.Rectangle((c.Max.X()-c.Min.X())*r.Scale, (c.Max.Y()-c.Min.Y())*r.Scale).Translate(x, y)
		renderer.RenderPath(rect, cellStyle, canvas.Identity)
	}

	boundStyle := canvas.DefaultStyle
	boundStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	boundStyle.Stroke = canvas.Paint{Color: canvas.Gray}
	boundStyle.StrokeWidth = 0.5
	bx, by := toCanvas(r.Bound.Min.X(), r.Bound.Min.Y())
	outline := canvas.Rectangle((r.Bound.Max.X()-r.Bound.Min.X())*r.Scale, (r.Bound.Max.Y()-r.Bound.Min.Y())*r.Scale)
	renderer.RenderPath(outline.Translate(bx, by), boundStyle, canvas.Identity)

	maxBelief := 0.0
	for _, p := range r.Particles {
		maxBelief = math.Max(maxBelief, p.Belief)
	}
	arrow := r.ArrowLen * r.Scale
	for _, p := range r.Particles {
		x, y := toCanvas(p.Pose.X, p.Pose.Y)
		c := beliefColor(p.Belief, maxBelief)

		arrowStyle := canvas.DefaultStyle
		arrowStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		arrowStyle.Stroke = canvas.Paint{Color: c}
		arrowStyle.StrokeWidth = 0.3

		path := &canvas.Path{}
		path.MoveTo(x, y)
		path.LineTo(x+arrow*math.Cos(p.Pose.Theta), y+arrow*math.Sin(p.Pose.Theta))
		renderer.RenderPath(path, arrowStyle, canvas.Identity)
	}

	if len(r.Trajectory) > 1 {
		trajStyle := canvas.DefaultStyle
		trajStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		trajStyle.Stroke = canvas.Paint{Color: color.RGBA{R: 30, G: 120, B: 30, A: 255}}
		trajStyle.StrokeWidth = 0.4

		path := &canvas.Path{}
		for i, pt := range r.Trajectory {
			x, y := toCanvas(pt.X(), pt.Y())
			if i == 0 {
				path.MoveTo(x, y)
			} else {
				path.LineTo(x, y)
			}
		}
		renderer.RenderPath(path, trajStyle, canvas.Identity)
	}

	if r.Estimate != nil {
		x, y := toCanvas(r.Estimate.X, r.Estimate.Y)
		estColor := color.RGBA{R: 220, G: 30, B: 30, A: 255}

		estStyle := canvas.DefaultStyle
		estStyle.Fill = canvas.Paint{Color: estColor}
		estStyle.Stroke = canvas.Paint{Color: canvas.Black}
		estStyle.StrokeWidth = 0.3
		renderer.RenderPath(canvas.Circle(1.5).Translate(x, y), estStyle, canvas.Identity)

		dirStyle := canvas.DefaultStyle
		dirStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		dirStyle.Stroke = canvas.Paint{Color: estColor}
		dirStyle.StrokeWidth = 0.6

		dir := &canvas.Path{}
		dir.MoveTo(x, y)
		dir.LineTo(x+2*arrow*math.Cos(r.Estimate.Theta), y+2*arrow*math.Sin(r.Estimate.Theta))
		renderer.RenderPath(dir, dirStyle, canvas.Identity)
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// beliefColor blends from blue (low) to red (high) relative to the best belief
func beliefColor(belief, maxBelief float64) color.RGBA {
	t := 0.0
	if maxBelief > 0 {
		t = clampFloat(belief/maxBelief, 0, 1)
	}
	return color.RGBA{
		R: uint8(40 + 200*t),
		G: 60,
		B: uint8(220 - 180*t),
		A: 255,
	}
}
