package mcl

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// TrajectoryFeatures exports the estimated trajectory and, when present, the
// latest estimate and the particle cloud as a GeoJSON FeatureCollection.
// Coordinates are local metres, not longitude and latitude.
func TrajectoryFeatures(runID string, traj orb.LineString, last *Estimate, particles []Particle) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	if len(traj) > 0 {
		f := geojson.NewFeature(traj)
		f.Properties["kind"] = "trajectory"
		f.Properties["run"] = runID
		f.Properties["points"] = len(traj)
		fc.Append(f)
	}

	if last != nil {
		f := geojson.NewFeature(orb.Point{last.Pose.X, last.Pose.Y})
		f.Properties["kind"] = "estimate"
		f.Properties["theta"] = last.Pose.Theta
		f.Properties["belief"] = last.Belief
		f.Properties["cycle"] = last.Cycle
		fc.Append(f)
	}

	if len(particles) > 0 {
		mp := make(orb.MultiPoint, len(particles))
		beliefs := make([]float64, len(particles))
		for i, p := range particles {
			mp[i] = orb.Point{p.Pose.X, p.Pose.Y}
			beliefs[i] = p.Belief
		}
		f := geojson.NewFeature(mp)
		f.Properties["kind"] = "particles"
		f.Properties["beliefs"] = beliefs
		fc.Append(f)
	}

	return fc
}

// MapCellFeatures exports the set cells of the appearance map as polygons
func MapCellFeatures(m *AppearanceMap) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	cell := m.CellSize()
	b := m.Bound()
	for _, gp := range m.Pieces() {
		minX := b.Min.X() + float64(gp.Col)*cell
		minY := b.Min.Y() + float64(gp.Row)*cell
		cellBound := orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{minX + cell, minY + cell}}

		f := geojson.NewFeature(cellBound.ToPolygon())
		f.Properties["row"] = gp.Row
		f.Properties["col"] = gp.Col
		f.Properties["captureX"] = gp.Piece.Pose.X
		f.Properties["captureY"] = gp.Piece.Pose.Y
		f.Properties["captureTheta"] = gp.Piece.Pose.Theta
		fc.Append(f)
	}
	return fc
}
