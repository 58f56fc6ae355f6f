package mcl

import (
	"encoding/json"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrajectoryFeatures(t *testing.T) {
	traj := orb.LineString{{0, 0}, {1, 0.5}}
	last := &Estimate{Pose: Pose{X: 1, Y: 0.5, Theta: 0.3}, Belief: 0.7, Cycle: 9}
	particles := []Particle{{Pose: Pose{X: 1}, Belief: 0.1}, {Pose: Pose{Y: 1}, Belief: 0.2}}

	fc := TrajectoryFeatures("run-1", traj, last, particles)
	require.Len(t, fc.Features, 3)

	assert.Equal(t, "trajectory", fc.Features[0].Properties["kind"])
	assert.Equal(t, "run-1", fc.Features[0].Properties["run"])
	assert.Equal(t, traj, fc.Features[0].Geometry)

	assert.Equal(t, "estimate", fc.Features[1].Properties["kind"])
	assert.Equal(t, orb.Point{1, 0.5}, fc.Features[1].Geometry)
	assert.Equal(t, uint64(9), fc.Features[1].Properties["cycle"])

	assert.Equal(t, "particles", fc.Features[2].Properties["kind"])
	assert.Equal(t, orb.MultiPoint{{1, 0}, {0, 1}}, fc.Features[2].Geometry)

	data, err := json.Marshal(fc)
	require.NoError(t, err)
	back, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	assert.Len(t, back.Features, 3)
	assert.Equal(t, "LineString", back.Features[0].Geometry.GeoJSONType())
}

func TestTrajectoryFeatures_Empty(t *testing.T) {
	fc := TrajectoryFeatures("run", nil, nil, nil)
	assert.Empty(t, fc.Features)
}

func TestMapCellFeatures(t *testing.T) {
	f := newMapFixture(t)
	m := f.newMap(t, MapConfig{})
	pose := Pose{X: 1.2, Y: 0.6, Theta: 0.5}
	require.NoError(t, m.Update(f.frame(pose), pose, f.cam))

	fc := MapCellFeatures(m)
	require.Len(t, fc.Features, 1)
	feat := fc.Features[0]
	assert.Equal(t, 1, feat.Properties["row"])
	assert.Equal(t, 2, feat.Properties["col"])
	assert.Equal(t, 0.5, feat.Properties["captureTheta"])

	poly, ok := feat.Geometry.(orb.Polygon)
	require.True(t, ok)
	assert.Equal(t, orb.Bound{Min: orb.Point{1, 0.5}, Max: orb.Point{1.5, 1}}, poly.Bound())
}
