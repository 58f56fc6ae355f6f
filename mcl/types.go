package mcl

import (
	"image"
	"time"
)

// Point represents a 2D coordinate, either in world metres or in pixels
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns p + q
func (p Point) Add(q Point) Point { return Point{X: p.X + q.X, Y: p.Y + q.Y} }

// Sub returns p - q
func (p Point) Sub(q Point) Point { return Point{X: p.X - q.X, Y: p.Y - q.Y} }

// Scale returns p scaled by k
func (p Point) Scale(k float64) Point { return Point{X: p.X * k, Y: p.Y * k} }

// Pose is a planar vehicle pose in world metres. Theta is in radians,
// wrapped to (-pi, pi].
type Pose struct {
	X     float64 `json:"x" yaml:"x"`
	Y     float64 `json:"y" yaml:"y"`
	Theta float64 `json:"theta" yaml:"theta"`
}

// Position returns the translational part of the pose
func (p Pose) Position() Point { return Point{X: p.X, Y: p.Y} }

// Particle is one pose hypothesis with its unnormalised likelihood
type Particle struct {
	Pose   Pose    `json:"pose"`
	Belief float64 `json:"belief"`
}

// MapPiece is one cell of the appearance map. Center is the world point
// under the patch centre.
type MapPiece struct {
	Pose   Pose        `json:"pose"`
	Center Point       `json:"center"`
	Patch  *image.Gray `json:"-"`
	Set    bool        `json:"set"`
}

// Frame is a grayscale camera frame with its capture stamp
type Frame struct {
	Stamp time.Time
	Image *image.Gray
}

// Odometry is a velocity sample: forward speed in m/s and yaw rate in rad/s
type Odometry struct {
	Stamp   time.Time `json:"stamp"`
	Linear  float64   `json:"linear"`
	Angular float64   `json:"angular"`
}

// Estimate is the output of one localization cycle
type Estimate struct {
	Pose       Pose        `json:"pose"`
	Belief     float64     `json:"belief"`
	Stamp      time.Time   `json:"stamp"`
	Cycle      uint64      `json:"cycle"`
	MapUpdated bool        `json:"mapUpdated"`
	Particles  []Particle  `json:"particles,omitempty"` // populated when debug is enabled
	Patch      *image.Gray `json:"-"`                   // best-matching map patch, debug only
}
