package mcl

import (
	"errors"
	"fmt"
	"math"
)

// ErrCameraNotReady is returned when an operation needs a camera model
// before calibration has been received.
var ErrCameraNotReady = errors.New("camera model not ready")

// CameraMatrix converts between vehicle-relative metric coordinates
// (x forward, y left, metres) and image pixel coordinates.
type CameraMatrix interface {
	RelativeToImage(rel Point) Point
	ImageToRelative(px Point) Point
}

// CameraInfo describes a planar ground-facing camera. Pixels relate to the
// vehicle frame by px = c + ppm * R(mountYaw) * M * (rel - mount), where M
// mirrors the y axis when Mirrored is set.
type CameraInfo struct {
	Width          int     `json:"width" yaml:"width"`
	Height         int     `json:"height" yaml:"height"`
	Cx             float64 `json:"cx" yaml:"cx"`
	Cy             float64 `json:"cy" yaml:"cy"`
	PixelsPerMeter float64 `json:"pixelsPerMeter" yaml:"pixelsPerMeter"`
	MountX         float64 `json:"mountX" yaml:"mountX"`
	MountY         float64 `json:"mountY" yaml:"mountY"`
	MountYaw       float64 `json:"mountYaw" yaml:"mountYaw"`
	Mirrored       bool    `json:"mirrored" yaml:"mirrored"`
}

// Validate checks that the camera description is usable
func (ci CameraInfo) Validate() error {
	if ci.Width <= 0 || ci.Height <= 0 {
		return fmt.Errorf("camera info: invalid size %dx%d", ci.Width, ci.Height)
	}
	if ci.PixelsPerMeter <= 0 || math.IsNaN(ci.PixelsPerMeter) || math.IsInf(ci.PixelsPerMeter, 0) {
		return fmt.Errorf("camera info: pixelsPerMeter must be positive, got %v", ci.PixelsPerMeter)
	}
	return nil
}

// PlanarCamera is a CameraMatrix for a linear ground-plane projection
type PlanarCamera struct {
	info      CameraInfo
	toImage   AffineMatrix
	toVehicle AffineMatrix
}

// NewPlanarCamera builds the projection pair from a camera description
func NewPlanarCamera(info CameraInfo) (*PlanarCamera, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}

	m := Translation(-info.MountX, -info.MountY)
	if info.Mirrored {
		m = MultiplyMatrices(AffineMatrix{A: 1, D: -1}, m)
	}
	m = MultiplyMatrices(Rotation(info.MountYaw), m)
	m = MultiplyMatrices(Scale(info.PixelsPerMeter), m)
	m = MultiplyMatrices(Translation(info.Cx, info.Cy), m)

	return &PlanarCamera{
		info:      info,
		toImage:   m,
		toVehicle: InvertMatrix(m),
	}, nil
}

// Info returns the description the camera was built from
func (c *PlanarCamera) Info() CameraInfo { return c.info }

// RelativeToImage projects a vehicle-relative ground point into the image
func (c *PlanarCamera) RelativeToImage(rel Point) Point {
	return TransformPoint(rel, c.toImage)
}

// ImageToRelative back-projects an image pixel onto the ground plane
func (c *PlanarCamera) ImageToRelative(px Point) Point {
	return TransformPoint(px, c.toVehicle)
}

// ViewGeometry captures how a frame of a given size maps onto the ground.
// It is derived once from the camera model and shared by every map piece.
type ViewGeometry struct {
	FrameWidth  int     `json:"frameWidth"`
	FrameHeight int     `json:"frameHeight"`
	Rows        int     `json:"rows"`
	Cols        int     `json:"cols"`
	ResizeScale int     `json:"resizeScale"`
	Origin      Point   `json:"origin"`      // vehicle-relative ground point under the frame centre
	Axis        float64 `json:"axis"`        // image rotation of the vehicle x axis
	Handedness  float64 `json:"handedness"`  // +1 or -1
	MetersPerPx float64 `json:"metersPerPx"` // per patch pixel
}

// NewViewGeometry linearises cam about the frame centre
func NewViewGeometry(cam CameraMatrix, width, height, resizeScale int) (*ViewGeometry, error) {
	if cam == nil {
		return nil, ErrCameraNotReady
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("view geometry: invalid frame size %dx%d", width, height)
	}
	if resizeScale < 1 {
		resizeScale = 1
	}

	c0 := imageCenter(width, height)
	rel0 := cam.ImageToRelative(c0)
	ex := cam.RelativeToImage(rel0.Add(Point{X: 1})).Sub(c0)
	ey := cam.RelativeToImage(rel0.Add(Point{Y: 1})).Sub(c0)

	det := ex.X*ey.Y - ex.Y*ey.X
	if math.Abs(det) < 1e-9 || math.IsNaN(det) {
		return nil, fmt.Errorf("view geometry: degenerate camera projection")
	}
	hand := 1.0
	if det < 0 {
		hand = -1
	}
	ppm := math.Sqrt(math.Abs(det))

	return &ViewGeometry{
		FrameWidth:  width,
		FrameHeight: height,
		Rows:        height / resizeScale,
		Cols:        width / resizeScale,
		ResizeScale: resizeScale,
		Origin:      rel0,
		Axis:        math.Atan2(ex.Y, ex.X),
		Handedness:  hand,
		MetersPerPx: float64(resizeScale) / ppm,
	}, nil
}

// GroundCenter returns the world point under the frame centre at pose
func (g *ViewGeometry) GroundCenter(pose Pose) Point {
	return pose.Position().Add(Rotate(g.Origin, pose.Theta))
}

// captureAngles returns the yaw and pitch that turn a frame captured at
// heading theta into a world-aligned patch.
func (g *ViewGeometry) captureAngles(theta float64) (yaw, pitch float64) {
	return -g.Handedness * theta, g.Axis
}

// renderYaw returns the rotation that brings a world-aligned patch into
// the frame axes of a vehicle at heading theta.
func (g *ViewGeometry) renderYaw(theta float64) float64 {
	return g.Handedness*theta - g.Axis
}

// worldToPatch converts a world displacement into patch pixels
func (g *ViewGeometry) worldToPatch(d Point) Point {
	return Point{X: d.X / g.MetersPerPx, Y: g.Handedness * d.Y / g.MetersPerPx}
}
