package mcl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
)

// ErrEmptyTrack is returned when a track file holds no waypoints
var ErrEmptyTrack = errors.New("track has no waypoints")

// DestinationPublisher sends a waypoint to the path follower
type DestinationPublisher interface {
	PublishDestination(topic string, dst Point) error
}

// TrackController walks a closed list of waypoints. It publishes the first
// one on Start and the next one each time the follower reports it reached
// the current destination.
type TrackController struct {
	mu        sync.Mutex
	waypoints []Point
	current   int
	topic     string
	pub       DestinationPublisher
	debug     bool
}

// NewTrackController creates a controller over waypoints
func NewTrackController(waypoints []Point, pub DestinationPublisher, topic string, debug bool) (*TrackController, error) {
	if len(waypoints) == 0 {
		return nil, ErrEmptyTrack
	}
	return &TrackController{
		waypoints: append([]Point(nil), waypoints...),
		topic:     topic,
		pub:       pub,
		debug:     debug,
	}, nil
}

// LoadTrack reads a waypoint file with one "x y" pair per line
func LoadTrack(path string) ([]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening track file: %w", err)
	}
	defer func() { _ = f.Close() }()

	pts, err := ParseTrack(f)
	if err != nil {
		return nil, fmt.Errorf("track %s: %w", path, err)
	}
	return pts, nil
}

// ParseTrack parses "x y" lines. Blank lines and lines starting with '#'
// are skipped; commas are accepted as separators.
func ParseTrack(r io.Reader) ([]Point, error) {
	var pts []Point
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(strings.ReplaceAll(line, ",", " "))
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: expected \"x y\", got %q", lineNo, line)
		}
		x, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad x: %w", lineNo, err)
		}
		y, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad y: %w", lineNo, err)
		}
		pts = append(pts, Point{X: x, Y: y})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(pts) == 0 {
		return nil, ErrEmptyTrack
	}
	return pts, nil
}

// Start publishes the first waypoint
func (t *TrackController) Start() error {
	t.mu.Lock()
	t.current = 0
	dst := t.waypoints[0]
	t.mu.Unlock()

	log.Printf("[TRACK] Starting track with %d waypoints, first (%.2f, %.2f)", len(t.waypoints), dst.X, dst.Y)
	return t.pub.PublishDestination(t.topic, dst)
}

// Reached advances to the next waypoint, wrapping to the first, and
// publishes it
func (t *TrackController) Reached() {
	t.mu.Lock()
	t.current = (t.current + 1) % len(t.waypoints)
	idx, dst := t.current, t.waypoints[t.current]
	t.mu.Unlock()

	if t.debug {
		log.Printf("[TRACK] Destination reached, next %d (%.2f, %.2f)", idx, dst.X, dst.Y)
	}
	if err := t.pub.PublishDestination(t.topic, dst); err != nil {
		log.Printf("[TRACK] Error publishing destination: %v", err)
	}
}

// Current returns the index and position of the active waypoint
func (t *TrackController) Current() (int, Point) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.waypoints[t.current]
}

// Waypoints returns a copy of the track
func (t *TrackController) Waypoints() []Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Point(nil), t.waypoints...)
}
