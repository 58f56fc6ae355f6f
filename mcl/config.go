package mcl

import (
	"math"
	"time"

	"github.com/paulmach/orb"
)

// Config represents the full configuration file
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	Topics    TopicsConfig    `yaml:"topics" json:"topics"`
	Camera    CameraConfig    `yaml:"camera" json:"camera"`
	Frame     FrameConfig     `yaml:"frame" json:"frame"`
	Map       MapConfig       `yaml:"map" json:"map"`
	Evaluator EvaluatorConfig `yaml:"evaluator" json:"evaluator"`
	Filter    FilterConfig    `yaml:"filter" json:"filter"`
	Timing    TimingConfig    `yaml:"timing" json:"timing"`
	Odometry  OdometryConfig  `yaml:"odometry" json:"odometry"`
	Mapping   MappingConfig   `yaml:"mapping" json:"mapping"`
	Debug     DebugConfig     `yaml:"debug" json:"debug"`
	Track     TrackConfig     `yaml:"track,omitempty" json:"track,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// TopicsConfig names the inbound and track topics
type TopicsConfig struct {
	Odometry         string `yaml:"odometry" json:"odometry"`
	CameraInfo       string `yaml:"cameraInfo" json:"cameraInfo"`
	Frame            string `yaml:"frame" json:"frame"`
	TrackReached     string `yaml:"trackReached,omitempty" json:"trackReached,omitempty"`
	TrackDestination string `yaml:"trackDestination,omitempty" json:"trackDestination,omitempty"`
}

// CameraConfig selects where the camera model comes from. Info, when set,
// is used as a static calibration and the calibration topic is ignored.
type CameraConfig struct {
	InfoURL string      `yaml:"infoUrl,omitempty" json:"infoUrl,omitempty"`
	Info    *CameraInfo `yaml:"info,omitempty" json:"info,omitempty"`
}

// FrameConfig is the geometry of raw (headerless) frame payloads
type FrameConfig struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// BoundsConfig is an axis-aligned world box in metres
type BoundsConfig struct {
	MinX float64 `yaml:"minX" json:"minX"`
	MinY float64 `yaml:"minY" json:"minY"`
	MaxX float64 `yaml:"maxX" json:"maxX"`
	MaxY float64 `yaml:"maxY" json:"maxY"`
}

// Bound converts the box to an orb.Bound
func (b BoundsConfig) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinX, b.MinY}, Max: orb.Point{b.MaxX, b.MaxY}}
}

// MapConfig configures the appearance map grid
type MapConfig struct {
	CellSize    float64      `yaml:"cellSize" json:"cellSize"`
	Growable    bool         `yaml:"growable" json:"growable"`
	GrowOnQuery bool         `yaml:"growOnQuery,omitempty" json:"growOnQuery,omitempty"`
	MaxPieces   int          `yaml:"maxPieces" json:"maxPieces"`
	MaxCells    int          `yaml:"maxCells" json:"maxCells"`
	MinCoverage *float64     `yaml:"minCoverage,omitempty" json:"minCoverage,omitempty"` // default 0.5
	Bounds      BoundsConfig `yaml:"bounds" json:"bounds"`
	CachePath   string       `yaml:"cachePath,omitempty" json:"cachePath,omitempty"` // empty disables persistence
}

// PieceCoverage returns the fraction of known pixels a re-rendered piece
// needs before it counts as evidence
func (m MapConfig) PieceCoverage() float64 {
	if m.MinCoverage == nil {
		return DefaultMinCoverage
	}
	return *m.MinCoverage
}

// EvaluatorConfig configures patch sampling and scoring
type EvaluatorConfig struct {
	ErrorFunction string  `yaml:"errorFunction" json:"errorFunction"` // "pixel" or "centroid"
	ResizeScale   int     `yaml:"resizeScale" json:"resizeScale"`
	KernelSize    int     `yaml:"kernelSize" json:"kernelSize"`
	KernelStddev  float64 `yaml:"kernelStddev" json:"kernelStddev"`
}

// FilterConfig configures the particle filter
type FilterConfig struct {
	Particles    int      `yaml:"particles" json:"particles"`
	KeepFraction float64  `yaml:"keepFraction" json:"keepFraction"`
	BeliefScale  float64  `yaml:"beliefScale" json:"beliefScale"`
	StdevLinear  *float64 `yaml:"stdevLinear,omitempty" json:"stdevLinear,omitempty"`   // default 0.2
	StdevAngular *float64 `yaml:"stdevAngular,omitempty" json:"stdevAngular,omitempty"` // default 0.2
	ExactCopy    *bool    `yaml:"exactCopy,omitempty" json:"exactCopy,omitempty"`       // default true
	BinSize      float64  `yaml:"binSize" json:"binSize"`                               // 0 disables binning
	EdgePenalty  *float64 `yaml:"edgePenalty,omitempty" json:"edgePenalty,omitempty"`   // default 0.5
	StartPose    *Pose    `yaml:"startPose,omitempty" json:"startPose,omitempty"`
	Seed         uint64   `yaml:"seed,omitempty" json:"seed,omitempty"` // 0 seeds from the clock
}

// LinearNoise returns the resample position noise scale in metres
func (f FilterConfig) LinearNoise() float64 {
	return orDefault(f.StdevLinear, DefaultStdevLinear)
}

// AngularNoise returns the resample heading noise scale in radians
func (f FilterConfig) AngularNoise() float64 {
	return orDefault(f.StdevAngular, DefaultStdevAngular)
}

// EdgeFactor returns the belief multiplier for particles outside the map box
func (f FilterConfig) EdgeFactor() float64 {
	return orDefault(f.EdgePenalty, DefaultEdgePenalty)
}

// UseExactCopy reports whether the first SUS hit is kept unperturbed
func (f FilterConfig) UseExactCopy() bool {
	return f.ExactCopy == nil || *f.ExactCopy
}

// orDefault dereferences an optional setting. Explicit zeros survive.
func orDefault(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// TimingConfig bounds the accepted delta between frames
type TimingConfig struct {
	SensorPeriod float64 `yaml:"sensorPeriod" json:"sensorPeriod"` // seconds
	MaxDtFactor  float64 `yaml:"maxDtFactor" json:"maxDtFactor"`
}

// MaxDelta returns the largest accepted time delta
func (t TimingConfig) MaxDelta() time.Duration {
	return time.Duration(t.SensorPeriod * t.MaxDtFactor * float64(time.Second))
}

// OdometryConfig holds the heading-delta sign convention (+1 or -1)
type OdometryConfig struct {
	HeadingSign float64 `yaml:"headingSign" json:"headingSign"`
}

// MappingConfig controls when the live frame is written into the map
type MappingConfig struct {
	Frozen    bool    `yaml:"frozen,omitempty" json:"frozen,omitempty"`
	MinBelief float64 `yaml:"minBelief" json:"minBelief"`
}

// DebugConfig gates debug-only outputs
type DebugConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	TrajectoryLog string `yaml:"trajectoryLog,omitempty" json:"trajectoryLog,omitempty"`
}

// TrackConfig configures the waypoint controller
type TrackConfig struct {
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// Default configuration values
const (
	DefaultCellSize     = 0.5
	DefaultMaxPieces    = 4
	DefaultMaxCells     = 1 << 16
	DefaultMinCoverage  = 0.5
	DefaultResizeScale  = 25
	DefaultKernelSize   = 5
	DefaultKernelStddev = 1.5
	DefaultParticles    = 500
	DefaultKeepFraction = 0.5
	DefaultBeliefScale  = 100.0
	DefaultStdevLinear  = 0.2
	DefaultStdevAngular = 0.2
	DefaultEdgePenalty  = 0.5
	DefaultSensorPeriod = 0.1
	DefaultMaxDtFactor  = 5.0
	DefaultFrameWidth   = 640
	DefaultFrameHeight  = 480
)

// DefaultConfig returns a configuration with every default applied
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Map.Bounds = BoundsConfig{MaxX: 10, MaxY: 10}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with defaults
func (c *Config) ApplyDefaults() {
	if c.Topics.Odometry == "" {
		c.Topics.Odometry = "patchloc/odom"
	}
	if c.Topics.CameraInfo == "" {
		c.Topics.CameraInfo = "patchloc/camera_info"
	}
	if c.Topics.Frame == "" {
		c.Topics.Frame = "patchloc/image"
	}
	if c.Frame.Width == 0 {
		c.Frame.Width = DefaultFrameWidth
	}
	if c.Frame.Height == 0 {
		c.Frame.Height = DefaultFrameHeight
	}
	if c.Map.CellSize == 0 {
		c.Map.CellSize = DefaultCellSize
	}
	if c.Map.MaxPieces == 0 {
		c.Map.MaxPieces = DefaultMaxPieces
	}
	if c.Map.MaxCells == 0 {
		c.Map.MaxCells = DefaultMaxCells
	}
	if c.Evaluator.ErrorFunction == "" {
		c.Evaluator.ErrorFunction = string(ErrorPixel)
	}
	if c.Evaluator.ResizeScale == 0 {
		c.Evaluator.ResizeScale = DefaultResizeScale
	}
	if c.Evaluator.KernelSize == 0 {
		c.Evaluator.KernelSize = DefaultKernelSize
	}
	if c.Evaluator.KernelStddev == 0 {
		c.Evaluator.KernelStddev = DefaultKernelStddev
	}
	if c.Filter.Particles == 0 {
		c.Filter.Particles = DefaultParticles
	}
	if c.Filter.KeepFraction == 0 {
		c.Filter.KeepFraction = DefaultKeepFraction
	}
	if c.Filter.BeliefScale == 0 {
		c.Filter.BeliefScale = DefaultBeliefScale
	}
	if c.Timing.SensorPeriod == 0 {
		c.Timing.SensorPeriod = DefaultSensorPeriod
	}
	if c.Timing.MaxDtFactor == 0 {
		c.Timing.MaxDtFactor = DefaultMaxDtFactor
	}
	if c.Odometry.HeadingSign == 0 {
		c.Odometry.HeadingSign = 1
	}
}

// Validate checks the configuration for values the estimator cannot run with
func (c *Config) Validate() error {
	b := c.Map.Bounds
	switch {
	case c.Map.CellSize <= 0:
		return configError("map.cellSize must be positive")
	case !(b.MaxX > b.MinX) || !(b.MaxY > b.MinY):
		return configError("map.bounds must have maxX > minX and maxY > minY")
	case c.Map.MaxPieces < 1:
		return configError("map.maxPieces must be at least 1")
	case c.Map.MaxCells < 1:
		return configError("map.maxCells must be at least 1")
	case c.Map.PieceCoverage() < 0 || c.Map.PieceCoverage() > 1:
		return configError("map.minCoverage must be in [0, 1]")
	case c.Evaluator.ResizeScale < 1:
		return configError("evaluator.resizeScale must be at least 1")
	case c.Evaluator.KernelSize < 1:
		return configError("evaluator.kernelSize must be at least 1")
	case c.Evaluator.KernelStddev <= 0:
		return configError("evaluator.kernelStddev must be positive")
	case c.Frame.Width < c.Evaluator.ResizeScale || c.Frame.Height < c.Evaluator.ResizeScale:
		return configError("frame must be at least resizeScale pixels on each side")
	case c.Filter.Particles < 1:
		return configError("filter.particles must be at least 1")
	case c.Filter.KeepFraction <= 0 || c.Filter.KeepFraction > 1:
		return configError("filter.keepFraction must be in (0, 1]")
	case c.Filter.BeliefScale <= 0:
		return configError("filter.beliefScale must be positive")
	case c.Filter.LinearNoise() < 0 || c.Filter.AngularNoise() < 0:
		return configError("filter noise must not be negative")
	case c.Filter.BinSize < 0:
		return configError("filter.binSize must not be negative")
	case c.Filter.EdgeFactor() < 0 || c.Filter.EdgeFactor() > 1:
		return configError("filter.edgePenalty must be in [0, 1]")
	case c.Timing.SensorPeriod <= 0 || c.Timing.MaxDtFactor <= 0:
		return configError("timing.sensorPeriod and timing.maxDtFactor must be positive")
	case math.Abs(c.Odometry.HeadingSign) != 1:
		return configError("odometry.headingSign must be 1 or -1")
	}
	if _, err := ParseErrorFunction(c.Evaluator.ErrorFunction); err != nil {
		return err
	}
	if c.Camera.Info != nil {
		if err := c.Camera.Info.Validate(); err != nil {
			return err
		}
	}
	return nil
}
