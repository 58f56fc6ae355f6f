package mcl

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

// DefaultTrajectoryLimit bounds the number of trajectory points kept in memory
const DefaultTrajectoryLimit = 10000

// StateTracker keeps the latest estimator output for HTTP endpoints
type StateTracker struct {
	mu         sync.RWMutex
	runID      string
	startedAt  time.Time
	last       *Estimate
	particles  []Particle
	patch      *image.Gray
	trajectory orb.LineString
	limit      int
	logFile    *os.File
}

// NewStateTracker creates a new state tracker with a fresh run ID
func NewStateTracker() *StateTracker {
	return &StateTracker{
		runID:     uuid.NewString(),
		startedAt: time.Now(),
		limit:     DefaultTrajectoryLimit,
	}
}

// RunID identifies this process run in logs and exports
func (st *StateTracker) RunID() string { return st.runID }

// StartedAt returns when the tracker was created
func (st *StateTracker) StartedAt() time.Time { return st.startedAt }

// OpenTrajectoryLog starts appending "x y" lines per estimate to path.
// A header comment carries the run ID.
func (st *StateTracker) OpenTrajectoryLog(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating trajectory log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening trajectory log: %w", err)
	}
	if _, err := fmt.Fprintf(f, "# run %s started %s\n", st.runID, st.startedAt.Format(time.RFC3339)); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing trajectory log header: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.logFile != nil {
		_ = st.logFile.Close()
	}
	st.logFile = f
	return nil
}

// Close closes the trajectory log if one is open
func (st *StateTracker) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.logFile == nil {
		return nil
	}
	err := st.logFile.Close()
	st.logFile = nil
	return err
}

// Record stores an estimate; it is an EstimateListener
func (st *StateTracker) Record(est Estimate) {
	st.mu.Lock()
	defer st.mu.Unlock()

	e := est
	e.Particles = nil
	e.Patch = nil
	st.last = &e
	if est.Particles != nil {
		st.particles = est.Particles
	}
	if est.Patch != nil {
		st.patch = est.Patch
	}

	st.trajectory = append(st.trajectory, orb.Point{est.Pose.X, est.Pose.Y})
	if st.limit > 0 && len(st.trajectory) > st.limit {
		st.trajectory = append(orb.LineString(nil), st.trajectory[len(st.trajectory)-st.limit:]...)
	}

	if st.logFile != nil {
		_, _ = fmt.Fprintf(st.logFile, "%f %f\n", est.Pose.X, est.Pose.Y)
	}
}

// Latest returns the most recent estimate
func (st *StateTracker) Latest() (Estimate, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.last == nil {
		return Estimate{}, false
	}
	return *st.last, true
}

// Particles returns the last particle snapshot (debug mode only)
func (st *StateTracker) Particles() []Particle {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]Particle, len(st.particles))
	copy(out, st.particles)
	return out
}

// Patch returns the last best-matching map patch (debug mode only)
func (st *StateTracker) Patch() *image.Gray {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.patch
}

// Trajectory returns a copy of the recorded trajectory
func (st *StateTracker) Trajectory() orb.LineString {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append(orb.LineString(nil), st.trajectory...)
}

// HasEstimate returns true once an estimate has been recorded
func (st *StateTracker) HasEstimate() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.last != nil
}
