package mcl

import (
	"errors"
	"fmt"
	"image"
	"log"
	"math"
	"sort"

	"github.com/paulmach/orb"
)

var (
	// ErrOutOfBounds is returned when a fixed-size map is asked to store a
	// piece outside its bounding box.
	ErrOutOfBounds = errors.New("pose outside map bounds")

	// ErrGridTooLarge is returned when growth would exceed the cell limit.
	ErrGridTooLarge = errors.New("map grid would exceed maxCells")
)

// AppearanceMap is a grid of world cells, each holding at most one
// world-aligned image patch captured at a known pose.
type AppearanceMap struct {
	cfg    MapConfig
	eval   *ImageEvaluator
	origin orb.Point
	rows   int
	cols   int
	pieces []MapPiece
	geom   *ViewGeometry
	set    int
}

// NewAppearanceMap creates an empty map covering cfg.Bounds. The grid is
// rounded up to whole cells so it always encloses the configured box.
func NewAppearanceMap(cfg MapConfig, eval *ImageEvaluator) (*AppearanceMap, error) {
	if cfg.CellSize <= 0 {
		return nil, fmt.Errorf("appearance map: cell size must be positive")
	}
	b := cfg.Bounds.Bound()
	if !(b.Max.X() > b.Min.X()) || !(b.Max.Y() > b.Min.Y()) {
		return nil, fmt.Errorf("appearance map: empty bounding box")
	}
	if cfg.MaxPieces < 1 {
		cfg.MaxPieces = DefaultMaxPieces
	}

	cols := int(math.Ceil((b.Max.X() - b.Min.X()) / cfg.CellSize))
	rows := int(math.Ceil((b.Max.Y() - b.Min.Y()) / cfg.CellSize))
	cols, rows = max(cols, 1), max(rows, 1)
	if cfg.MaxCells > 0 && rows*cols > cfg.MaxCells {
		return nil, fmt.Errorf("appearance map: %dx%d cells: %w", rows, cols, ErrGridTooLarge)
	}

	return &AppearanceMap{
		cfg:    cfg,
		eval:   eval,
		origin: b.Min,
		rows:   rows,
		cols:   cols,
		pieces: make([]MapPiece, rows*cols),
	}, nil
}

// Bound returns the world box covered by the grid
func (m *AppearanceMap) Bound() orb.Bound {
	return orb.Bound{
		Min: m.origin,
		Max: orb.Point{
			m.origin.X() + float64(m.cols)*m.cfg.CellSize,
			m.origin.Y() + float64(m.rows)*m.cfg.CellSize,
		},
	}
}

// Dims returns the grid size in cells
func (m *AppearanceMap) Dims() (rows, cols int) { return m.rows, m.cols }

// CellSize returns the cell edge length in metres
func (m *AppearanceMap) CellSize() float64 { return m.cfg.CellSize }

// Geometry returns the view geometry fixed by the first update, or nil
func (m *AppearanceMap) Geometry() *ViewGeometry { return m.geom }

// SetCount returns the number of cells holding a patch
func (m *AppearanceMap) SetCount() int { return m.set }

// Empty reports whether no patch has been stored yet
func (m *AppearanceMap) Empty() bool { return m.set == 0 }

// Contains reports whether the pose lies inside the map box
func (m *AppearanceMap) Contains(p Pose) bool {
	return m.Bound().Contains(orb.Point{p.X, p.Y})
}

// index converts a row and column to the flat buffer index
func (m *AppearanceMap) index(row, col int) int { return row*m.cols + col }

// cellOf maps a world position to grid coordinates. ok is false when the
// cell lies outside the grid; row and col are then clamped to the edge.
func (m *AppearanceMap) cellOf(p Point) (row, col int, ok bool) {
	col = int(math.Floor((p.X - m.origin.X()) / m.cfg.CellSize))
	row = int(math.Floor((p.Y - m.origin.Y()) / m.cfg.CellSize))
	ok = row >= 0 && row < m.rows && col >= 0 && col < m.cols
	return clampInt(row, 0, m.rows-1), clampInt(col, 0, m.cols-1), ok
}

// Piece returns the piece stored at (row, col)
func (m *AppearanceMap) Piece(row, col int) (MapPiece, bool) {
	if row < 0 || row >= m.rows || col < 0 || col >= m.cols {
		return MapPiece{}, false
	}
	p := m.pieces[m.index(row, col)]
	return p, p.Set
}

// CellCenter returns the world centre of cell (row, col)
func (m *AppearanceMap) CellCenter(row, col int) Point {
	return Point{
		X: m.origin.X() + (float64(col)+0.5)*m.cfg.CellSize,
		Y: m.origin.Y() + (float64(row)+0.5)*m.cfg.CellSize,
	}
}

// Update captures frame at pose and stores the world-aligned patch in the
// cell addressed by pose, replacing whatever was there.
func (m *AppearanceMap) Update(frame *image.Gray, pose Pose, cam CameraMatrix) error {
	if cam == nil {
		return ErrCameraNotReady
	}
	w, h := frame.Rect.Dx(), frame.Rect.Dy()
	if m.geom == nil {
		g, err := NewViewGeometry(cam, w, h, m.eval.ResizeScale())
		if err != nil {
			return fmt.Errorf("map update: %w", err)
		}
		if g.Rows == 0 || g.Cols == 0 {
			return fmt.Errorf("map update: frame %dx%d smaller than resize scale", w, h)
		}
		m.geom = g
	} else if w != m.geom.FrameWidth || h != m.geom.FrameHeight {
		return fmt.Errorf("map update: frame size %dx%d does not match map %dx%d",
			w, h, m.geom.FrameWidth, m.geom.FrameHeight)
	}

	if m.cfg.Growable {
		if err := m.growToInclude(pose.Position()); err != nil {
			return fmt.Errorf("map update: %w", err)
		}
	}
	row, col, ok := m.cellOf(pose.Position())
	if !ok {
		return fmt.Errorf("map update at (%.2f, %.2f): %w", pose.X, pose.Y, ErrOutOfBounds)
	}

	yaw, pitch := m.geom.captureAngles(pose.Theta)
	patch := m.eval.transform(frame, imageCenter(w, h), yaw, pitch,
		float64(m.geom.ResizeScale), m.geom.Rows, m.geom.Cols, m.eval.kernel)

	i := m.index(row, col)
	if !m.pieces[i].Set {
		m.set++
	}
	m.pieces[i] = MapPiece{
		Pose:   Pose{X: pose.X, Y: pose.Y, Theta: NormalizeAngle(pose.Theta)},
		Center: m.geom.GroundCenter(pose),
		Patch:  patch,
		Set:    true,
	}
	return nil
}

// MapPieces returns the stored patches near query, re-rendered into the
// normalised frame of a vehicle at query. Only renders with at least
// minCoverage known pixels are returned. An empty result means no evidence.
func (m *AppearanceMap) MapPieces(query Pose) []*image.Gray {
	if m.set == 0 || m.geom == nil {
		return nil
	}
	if m.cfg.Growable && m.cfg.GrowOnQuery {
		if err := m.growToInclude(query.Position()); err != nil {
			log.Printf("[MAP] growth on query at (%.2f, %.2f) skipped: %v", query.X, query.Y, err)
		}
	}

	g := m.geom.GroundCenter(query)
	row, col, _ := m.cellOf(query.Position())

	type candidate struct {
		piece *MapPiece
		dist  float64
	}
	var near []candidate
	limit := 1.5 * m.cfg.CellSize
	for r := row - 1; r <= row+1; r++ {
		for c := col - 1; c <= col+1; c++ {
			if r < 0 || r >= m.rows || c < 0 || c >= m.cols {
				continue
			}
			p := &m.pieces[m.index(r, c)]
			if !p.Set {
				continue
			}
			d := math.Hypot(p.Center.X-g.X, p.Center.Y-g.Y)
			if d > limit {
				continue
			}
			near = append(near, candidate{piece: p, dist: d})
		}
	}
	sort.Slice(near, func(i, j int) bool { return near[i].dist < near[j].dist })

	// Renders that only graze the view are not evidence
	need := m.cfg.PieceCoverage()
	out := make([]*image.Gray, 0, min(len(near), m.cfg.MaxPieces))
	for _, cand := range near {
		if len(out) == m.cfg.MaxPieces {
			break
		}
		patch := m.render(cand.piece, query, g)
		if cov := Coverage(patch); cov == 0 || cov < need {
			continue
		}
		out = append(out, patch)
	}
	return out
}

// render re-samples a stored piece as seen by a vehicle at query whose
// ground centre is g. Nearest sampling avoids smoothing the patch twice.
func (m *AppearanceMap) render(p *MapPiece, query Pose, g Point) *image.Gray {
	src := p.Patch
	anchor := imageCenter(src.Rect.Dx(), src.Rect.Dy()).Add(m.geom.worldToPatch(g.Sub(p.Center)))
	return m.eval.transform(src, anchor, m.geom.renderYaw(query.Theta), 0, 1,
		m.geom.Rows, m.geom.Cols, m.eval.nearest)
}

// growToInclude extends the grid by whole strips of cells until p lies at
// least one cell inside every edge. Stored pieces keep their contents; only
// their grid addresses shift.
func (m *AppearanceMap) growToInclude(p Point) error {
	if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
		return ErrOutOfBounds
	}
	cell := m.cfg.CellSize
	b := m.Bound()

	left := stripsNeeded(p.X-b.Min.X(), cell)
	right := stripsNeeded(b.Max.X()-p.X, cell)
	down := stripsNeeded(p.Y-b.Min.Y(), cell)
	up := stripsNeeded(b.Max.Y()-p.Y, cell)
	if left+right+down+up == 0 {
		return nil
	}

	cols := m.cols + left + right
	rows := m.rows + down + up
	if m.cfg.MaxCells > 0 && (rows > m.cfg.MaxCells || cols > m.cfg.MaxCells || rows*cols > m.cfg.MaxCells) {
		return fmt.Errorf("%dx%d cells: %w", rows, cols, ErrGridTooLarge)
	}

	grown := make([]MapPiece, rows*cols)
	for r := 0; r < m.rows; r++ {
		copy(grown[(r+down)*cols+left:(r+down)*cols+left+m.cols], m.pieces[r*m.cols:(r+1)*m.cols])
	}

	m.pieces = grown
	m.rows, m.cols = rows, cols
	m.origin = orb.Point{m.origin.X() - float64(left)*cell, m.origin.Y() - float64(down)*cell}
	log.Printf("[MAP] grew grid to %dx%d cells (+%d left, +%d right, +%d down, +%d up)",
		rows, cols, left, right, down, up)
	return nil
}

// stripsNeeded returns how many one-cell strips bring dist to at least cell
func stripsNeeded(dist, cell float64) int {
	if dist >= cell || math.IsNaN(dist) {
		return 0
	}
	return int(math.Ceil((cell - dist) / cell))
}

// Pieces returns a copy of every stored piece with its grid address
func (m *AppearanceMap) Pieces() []GridPiece {
	out := make([]GridPiece, 0, m.set)
	for r := 0; r < m.rows; r++ {
		for c := 0; c < m.cols; c++ {
			p := m.pieces[m.index(r, c)]
			if p.Set {
				out = append(out, GridPiece{Row: r, Col: c, Piece: p})
			}
		}
	}
	return out
}

// GridPiece is a stored piece with its grid address
type GridPiece struct {
	Row   int
	Col   int
	Piece MapPiece
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
