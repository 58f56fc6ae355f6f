package mcl

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTracker_Record(t *testing.T) {
	st := NewStateTracker()
	assert.NotEmpty(t, st.RunID())
	assert.False(t, st.HasEstimate())
	_, ok := st.Latest()
	assert.False(t, ok)

	st.Record(Estimate{
		Pose:      Pose{X: 1, Y: 2},
		Cycle:     1,
		Particles: []Particle{{Pose: Pose{X: 1}}},
		Patch:     uniformGray(2, 2, 1),
	})
	st.Record(Estimate{Pose: Pose{X: 3, Y: 4}, Cycle: 2})

	latest, ok := st.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(2), latest.Cycle)
	assert.Nil(t, latest.Particles, "snapshots are kept separately")

	assert.Len(t, st.Particles(), 1, "debug snapshot survives non-debug estimates")
	assert.NotNil(t, st.Patch())
	assert.Equal(t, orb.LineString{{1, 2}, {3, 4}}, st.Trajectory())
}

func TestStateTracker_TrajectoryLimit(t *testing.T) {
	st := NewStateTracker()
	st.limit = 3
	for i := range 5 {
		st.Record(Estimate{Pose: Pose{X: float64(i)}})
	}
	assert.Equal(t, orb.LineString{{2, 0}, {3, 0}, {4, 0}}, st.Trajectory())
}

func TestStateTracker_TrajectoryLog(t *testing.T) {
	st := NewStateTracker()
	path := filepath.Join(t.TempDir(), "logs", "trajectory.txt")
	require.NoError(t, st.OpenTrajectoryLog(path))

	st.Record(Estimate{Pose: Pose{X: 1.5, Y: -0.25}})
	st.Record(Estimate{Pose: Pose{X: 2, Y: 0}})
	require.NoError(t, st.Close())
	require.NoError(t, st.Close(), "closing twice is harmless")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], st.RunID())
	assert.Equal(t, "1.500000 -0.250000", lines[1])
	assert.Equal(t, "2.000000 0.000000", lines[2])

	assert.NoError(t, st.OpenTrajectoryLog(""), "empty path disables the log")
}
