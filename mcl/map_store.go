package mcl

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
)

// mapSnapshot is the on-disk form of an AppearanceMap
type mapSnapshot struct {
	Version  int             `json:"version"`
	Origin   Point           `json:"origin"`
	CellSize float64         `json:"cellSize"`
	Rows     int             `json:"rows"`
	Cols     int             `json:"cols"`
	Geometry *ViewGeometry   `json:"geometry,omitempty"`
	Pieces   []pieceSnapshot `json:"pieces"`
}

type pieceSnapshot struct {
	Row    int    `json:"row"`
	Col    int    `json:"col"`
	Pose   Pose   `json:"pose"`
	Center Point  `json:"center"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Pixels []byte `json:"pixels"`
}

const mapSnapshotVersion = 1

// SaveAppearanceMap writes the map to a JSON file on disk
func SaveAppearanceMap(m *AppearanceMap, path string) error {
	snap := mapSnapshot{
		Version:  mapSnapshotVersion,
		Origin:   Point{X: m.origin.X(), Y: m.origin.Y()},
		CellSize: m.cfg.CellSize,
		Rows:     m.rows,
		Cols:     m.cols,
		Geometry: m.geom,
	}
	for _, gp := range m.Pieces() {
		p := gp.Piece
		snap.Pieces = append(snap.Pieces, pieceSnapshot{
			Row:    gp.Row,
			Col:    gp.Col,
			Pose:   p.Pose,
			Center: p.Center,
			Width:  p.Patch.Rect.Dx(),
			Height: p.Patch.Rect.Dy(),
			Pixels: grayBytes(p.Patch),
		})
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal appearance map: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create map directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write appearance map: %w", err)
	}
	return nil
}

// LoadAppearanceMap reads a map saved by SaveAppearanceMap. The grid
// geometry comes from the file; growth and retrieval settings from cfg.
func LoadAppearanceMap(path string, cfg MapConfig, eval *ImageEvaluator) (*AppearanceMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read appearance map: %w", err)
	}
	var snap mapSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal appearance map: %w", err)
	}
	if snap.Version != mapSnapshotVersion {
		return nil, fmt.Errorf("appearance map %s: unsupported version %d", path, snap.Version)
	}
	if snap.Rows < 1 || snap.Cols < 1 || snap.CellSize <= 0 {
		return nil, fmt.Errorf("appearance map %s: invalid grid %dx%d cell %v", path, snap.Rows, snap.Cols, snap.CellSize)
	}

	cfg.CellSize = snap.CellSize
	if cfg.MaxPieces < 1 {
		cfg.MaxPieces = DefaultMaxPieces
	}
	m := &AppearanceMap{
		cfg:    cfg,
		eval:   eval,
		origin: orb.Point{snap.Origin.X, snap.Origin.Y},
		rows:   snap.Rows,
		cols:   snap.Cols,
		pieces: make([]MapPiece, snap.Rows*snap.Cols),
		geom:   snap.Geometry,
	}
	for _, ps := range snap.Pieces {
		if ps.Row < 0 || ps.Row >= m.rows || ps.Col < 0 || ps.Col >= m.cols {
			return nil, fmt.Errorf("appearance map %s: piece at (%d, %d) outside grid", path, ps.Row, ps.Col)
		}
		if ps.Width*ps.Height != len(ps.Pixels) {
			return nil, fmt.Errorf("appearance map %s: piece at (%d, %d) has %d pixels, want %dx%d",
				path, ps.Row, ps.Col, len(ps.Pixels), ps.Width, ps.Height)
		}
		patch := image.NewGray(image.Rect(0, 0, ps.Width, ps.Height))
		copy(patch.Pix, ps.Pixels)

		i := m.index(ps.Row, ps.Col)
		if !m.pieces[i].Set {
			m.set++
		}
		m.pieces[i] = MapPiece{Pose: ps.Pose, Center: ps.Center, Patch: patch, Set: true}
	}
	if m.set > 0 && m.geom == nil {
		return nil, fmt.Errorf("appearance map %s: pieces without view geometry", path)
	}
	return m, nil
}
