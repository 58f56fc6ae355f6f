package mcl

import (
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"time"

	"github.com/paulmach/orb"
)

// DefaultWorldPPM is the texture resolution of generated worlds
const DefaultWorldPPM = 40.0

// DriveSegment drives at a constant velocity for a number of frames
type DriveSegment struct {
	Steps   int
	Linear  float64 // m/s
	Angular float64 // rad/s
}

// DefaultDrive is a rounded rectangle lap
func DefaultDrive() []DriveSegment {
	return []DriveSegment{
		{Steps: 20, Linear: 0.5, Angular: 0},
		{Steps: 16, Linear: 0.5, Angular: math.Pi / 3.2},
		{Steps: 20, Linear: 0.5, Angular: 0},
		{Steps: 16, Linear: 0.5, Angular: math.Pi / 3.2},
	}
}

// World is a ground texture placed in metric world coordinates
type World struct {
	Image *image.Gray
	Bound orb.Bound
	PPM   float64
}

// GenerateWorld paints a deterministic blob texture over b. Every pixel is
// non-zero so any in-world frame carries evidence.
func GenerateWorld(b orb.Bound, ppm float64, seed uint64) *World {
	if ppm <= 0 {
		ppm = DefaultWorldPPM
	}
	w := max(1, int(math.Ceil((b.Max.X()-b.Min.X())*ppm)))
	h := max(1, int(math.Ceil((b.Max.Y()-b.Min.Y())*ppm)))
	img := image.NewGray(image.Rect(0, 0, w, h))

	src := NewSource(seed)
	for i := range img.Pix {
		img.Pix[i] = uint8(sampleUniform(src, 40, 80))
	}

	blobs := int(float64(w*h) / (ppm * ppm) * 6)
	for range blobs {
		cx := sampleUniform(src, 0, float64(w))
		cy := sampleUniform(src, 0, float64(h))
		r := sampleUniform(src, 0.05, 0.3) * ppm
		v := uint8(sampleUniform(src, 90, 255))
		x0, x1 := max(0, int(cx-r)), min(w-1, int(cx+r))
		y0, y1 := max(0, int(cy-r)), min(h-1, int(cy+r))
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				dx, dy := float64(x)-cx, float64(y)-cy
				if dx*dx+dy*dy <= r*r {
					img.Pix[y*img.Stride+x] = v
				}
			}
		}
	}
	return &World{Image: img, Bound: b, PPM: ppm}
}

// LoadWorld reads a PNG texture covering b
func LoadWorld(path string, b orb.Bound) (*World, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening world image: %w", err)
	}
	defer func() { _ = f.Close() }()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding world image: %w", err)
	}
	gray := ToGray(img)
	width := b.Max.X() - b.Min.X()
	if width <= 0 {
		return nil, fmt.Errorf("world bound has zero width")
	}
	return &World{Image: gray, Bound: b, PPM: float64(gray.Rect.Dx()) / width}, nil
}

// At returns the texture value at a world point, 0 outside the world
func (w *World) At(p Point) uint8 {
	x := int(math.Floor((p.X - w.Bound.Min.X()) * w.PPM))
	y := int(math.Floor((w.Bound.Max.Y() - p.Y) * w.PPM))
	if x < 0 || y < 0 || x >= w.Image.Rect.Dx() || y >= w.Image.Rect.Dy() {
		return 0
	}
	return w.Image.Pix[y*w.Image.Stride+x]
}

// SimCameraInfo returns a downward camera description centred on the
// vehicle with the given frame size
func SimCameraInfo(width, height int) CameraInfo {
	return CameraInfo{
		Width:          width,
		Height:         height,
		Cx:             float64(width) / 2,
		Cy:             float64(height) / 2,
		PixelsPerMeter: 200,
		MountX:         0.3,
	}
}

// Simulator drives a virtual vehicle through a world and produces the
// odometry and camera frames it would observe
type Simulator struct {
	World  *World
	Camera *PlanarCamera
	Pose   Pose
	Stamp  time.Time
	Period time.Duration

	drive []DriveSegment
	seg   int
	step  int
}

// NewSimulator places a vehicle at start
func NewSimulator(world *World, cam *PlanarCamera, start Pose, period time.Duration, drive []DriveSegment) *Simulator {
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	if len(drive) == 0 {
		drive = DefaultDrive()
	}
	return &Simulator{
		World:  world,
		Camera: cam,
		Pose:   start,
		Stamp:  time.Unix(0, 0),
		Period: period,
		drive:  drive,
	}
}

// RenderFrame renders the camera image at pose
func (s *Simulator) RenderFrame(pose Pose) *image.Gray {
	info := s.Camera.Info()
	img := image.NewGray(image.Rect(0, 0, info.Width, info.Height))
	sin, cos := math.Sincos(pose.Theta)
	for v := 0; v < info.Height; v++ {
		for u := 0; u < info.Width; u++ {
			rel := s.Camera.ImageToRelative(Point{X: float64(u), Y: float64(v)})
			w := Point{
				X: pose.X + cos*rel.X - sin*rel.Y,
				Y: pose.Y + sin*rel.X + cos*rel.Y,
			}
			img.Pix[v*img.Stride+u] = s.World.At(w)
		}
	}
	return img
}

// Frame returns the frame at the current pose and stamp
func (s *Simulator) Frame() Frame {
	return Frame{Stamp: s.Stamp, Image: s.RenderFrame(s.Pose)}
}

// Step advances one period along the drive, cycling through its segments.
// The returned odometry carries the commanded velocity and the frame is
// rendered at the new pose.
func (s *Simulator) Step() (Odometry, Frame) {
	seg := s.drive[s.seg]
	s.step++
	if s.step >= seg.Steps {
		s.step = 0
		s.seg = (s.seg + 1) % len(s.drive)
	}

	dt := s.Period.Seconds()
	s.Pose.Theta = NormalizeAngle(s.Pose.Theta + seg.Angular*dt)
	sin, cos := math.Sincos(s.Pose.Theta)
	s.Pose.X += seg.Linear * dt * cos
	s.Pose.Y += seg.Linear * dt * sin
	s.Stamp = s.Stamp.Add(s.Period)

	odo := Odometry{Stamp: s.Stamp, Linear: seg.Linear, Angular: seg.Angular}
	return odo, s.Frame()
}
