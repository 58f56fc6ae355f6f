package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/patchloc/mcl"
)

// App encapsulates the application state and dependencies
type App struct {
	Config       *mcl.Config
	Estimator    *mcl.Estimator
	StateTracker *mcl.StateTracker
	MQTTClient   *mcl.MQTTClient
	Publisher    *mcl.Publisher
	Track        *mcl.TrackController

	// CLI Flags (effectively dependencies)
	ConfigFile string
	MqttMode   bool
	HttpMode   bool
	HttpPort   int
	Simulate   bool
	Steps      int
	WorldImage string
	RenderMap  bool
	OutputFile string
	MapCache   string
	Debug      bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		StateTracker: mcl.NewStateTracker(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
	a.HttpPort = opts.HttpPort
	a.Simulate = opts.Simulate
	a.Steps = opts.Steps
	a.WorldImage = opts.WorldImage
	a.RenderMap = opts.RenderMap
	a.OutputFile = opts.OutputFile
	a.MapCache = opts.MapCache
	a.Debug = opts.Debug
}

// loadConfig loads the config file and applies CLI overrides. When
// required is false a missing file falls back to the defaults.
func (a *App) loadConfig(required bool) (*mcl.Config, error) {
	var cfg *mcl.Config
	if _, err := os.Stat(a.ConfigFile); err != nil && !required && errors.Is(err, os.ErrNotExist) {
		log.Printf("No config at %s, using defaults", a.ConfigFile)
		cfg = mcl.DefaultConfig()
	} else {
		cfg, err = mcl.LoadConfig(a.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w (looked at %s)", err, a.ConfigFile)
		}
		log.Printf("Loaded config from %s", a.ConfigFile)
	}

	if a.Debug {
		cfg.Debug.Enabled = true
	}
	if a.MapCache != "" {
		cfg.Map.CachePath = a.MapCache
	}
	a.Config = cfg
	return cfg, nil
}

// newEstimator builds the estimator, starting from the map cache when one
// exists. A missing cache starts an empty map.
func (a *App) newEstimator(cfg *mcl.Config, opts ...mcl.EstimatorOption) (*mcl.Estimator, error) {
	if path := cfg.Map.CachePath; path != "" {
		eval, err := mcl.NewImageEvaluator(cfg.Evaluator)
		if err != nil {
			return nil, err
		}
		m, err := mcl.LoadAppearanceMap(path, cfg.Map, eval)
		switch {
		case err == nil:
			log.Printf("[MAP] Loaded %d cells from %s", m.SetCount(), path)
			opts = append(opts, mcl.WithAppearanceMap(m))
		case errors.Is(err, os.ErrNotExist):
			log.Printf("[MAP] No map cache at %s, starting empty", path)
		default:
			return nil, err
		}
	}

	est, err := mcl.NewEstimator(cfg, opts...)
	if err != nil {
		return nil, err
	}
	est.AddListener(a.StateTracker.Record)
	if err := a.StateTracker.OpenTrajectoryLog(cfg.Debug.TrajectoryLog); err != nil {
		return nil, err
	}
	a.Estimator = est
	return est, nil
}

// saveMapCache writes the map if persistence is configured. Only call it
// once the estimator loop has stopped.
func (a *App) saveMapCache() {
	path := a.Config.Map.CachePath
	if path == "" || a.Estimator == nil || a.Estimator.Map().Empty() {
		return
	}
	if err := mcl.SaveAppearanceMap(a.Estimator.Map(), path); err != nil {
		log.Printf("[MAP] Error saving map cache: %v", err)
		return
	}
	log.Printf("[MAP] Saved %d cells to %s", a.Estimator.Map().SetCount(), path)
}

// startHTTP serves the debug endpoints in the background
func (a *App) startHTTP() {
	httpServer := newHTTPServer(a.StateTracker, a.Estimator, a.Config)
	go func() {
		addr := fmt.Sprintf("0.0.0.0:%d", a.HttpPort)
		log.Printf("[HTTP] Starting server on %s", addr)
		if err := http.ListenAndServe(addr, httpServer); err != nil {
			log.Fatalf("[HTTP] Server error: %v", err)
		}
		log.Printf("[HTTP] Server stopped unexpectedly")
	}()
}

// RunService localizes from live MQTT sensor topics until interrupted
func (a *App) RunService() error {
	fmt.Println("Starting patchloc service...")

	// 1. Load config.yaml (required)
	cfg, err := a.loadConfig(true)
	if err != nil {
		return err
	}

	// 2. Estimator, optionally warm-started from the map cache
	est, err := a.newEstimator(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.StateTracker.Close() }()

	// 3. Static camera info over HTTP when configured
	if cfg.Camera.Info == nil && cfg.Camera.InfoURL != "" {
		info, err := mcl.FetchCameraInfo(context.Background(), cfg.Camera.InfoURL, mcl.WithDeadline(30*time.Second))
		if err != nil {
			log.Printf("Warning: %v; waiting for camera info on %s", err, cfg.Topics.CameraInfo)
		} else if err := est.HandleCameraInfo(info); err != nil {
			log.Printf("Warning: camera info from %s rejected: %v", cfg.Camera.InfoURL, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. MQTT sensors, publisher and track controller
	if a.MqttMode {
		mqttClient, err := mcl.InitMQTT(cfg, est)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if mqttClient == nil {
			return fmt.Errorf("MQTT broker not configured in %s", a.ConfigFile)
		}
		a.MQTTClient = mqttClient

		a.Publisher = mcl.NewPublisher(mqttClient.GetClient(), cfg.MQTT.PublishPrefix, cfg.Debug.Enabled)
		est.AddListener(a.Publisher.Listener())
		fmt.Println("MQTT pose publisher initialized")

		if cfg.Track.File != "" {
			if err := a.startTrack(ctx, cfg); err != nil {
				return err
			}
		}
	}

	// 5. Estimator loop
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := est.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[ESTIMATOR] Stopped: %v", err)
		}
	}()

	// 6. HTTP server
	if a.HttpMode {
		a.startHTTP()
	}

	// 7. Print service info
	fmt.Println("\nService Running")
	fmt.Println("===============")
	fmt.Printf("Run ID: %s\n", a.StateTracker.RunID())

	if a.MqttMode {
		fmt.Println("\nMQTT:")
		fmt.Println("  Subscribed topics:")
		fmt.Printf("    - %s (odometry)\n", cfg.Topics.Odometry)
		fmt.Printf("    - %s (frames)\n", cfg.Topics.Frame)
		if cfg.Camera.Info == nil {
			fmt.Printf("    - %s (camera info)\n", cfg.Topics.CameraInfo)
		}
		if a.Track != nil && cfg.Topics.TrackReached != "" {
			fmt.Printf("    - %s (track)\n", cfg.Topics.TrackReached)
		}
		fmt.Printf("  Publishing to: %s\n", a.Publisher.Topic("pose"))
	}

	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Println("  GET /health             - Health check")
		fmt.Println("  GET /pose               - Latest pose estimate")
		fmt.Println("  GET /particles          - Particle cloud (JSON)")
		fmt.Println("  GET /particles.svg      - Particle cloud (SVG)")
		fmt.Println("  GET /map.png            - Appearance map mosaic")
		fmt.Println("  GET /patch.png          - Best matching map patch")
		fmt.Println("  GET /trajectory.geojson - Estimated trajectory")
	}

	fmt.Println("\nPress Ctrl+C to stop")

	// 8. Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	fmt.Println("\nShutting down service...")
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	cancel()
	<-runDone
	a.saveMapCache()
	fmt.Println("Service stopped")
	return nil
}

// startTrack loads the waypoint file and publishes the first destination
// once MQTT is connected
func (a *App) startTrack(ctx context.Context, cfg *mcl.Config) error {
	pts, err := mcl.LoadTrack(cfg.Track.File)
	if err != nil {
		return err
	}
	tc, err := mcl.NewTrackController(pts, a.Publisher, cfg.Topics.TrackDestination, cfg.Debug.Enabled)
	if err != nil {
		return err
	}
	a.Track = tc
	a.MQTTClient.SetReachedHandler(tc.Reached)

	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for !a.MQTTClient.IsConnected() {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
		if err := tc.Start(); err != nil {
			log.Printf("[TRACK] Error publishing first destination: %v", err)
		}
	}()
	return nil
}

// RunSimulate drives a simulated vehicle through a textured world and
// reports how far the estimate is from the true pose
func (a *App) RunSimulate() error {
	cfg, err := a.loadConfig(false)
	if err != nil {
		return err
	}
	bound := cfg.Map.Bounds.Bound()

	var world *mcl.World
	if a.WorldImage != "" {
		world, err = mcl.LoadWorld(a.WorldImage, bound)
		if err != nil {
			return err
		}
	} else {
		world = mcl.GenerateWorld(bound, mcl.DefaultWorldPPM, cfg.Filter.Seed)
	}

	info := mcl.SimCameraInfo(cfg.Frame.Width, cfg.Frame.Height)
	if cfg.Camera.Info != nil {
		info = *cfg.Camera.Info
	}
	cam, err := mcl.NewPlanarCamera(info)
	if err != nil {
		return err
	}

	start := mcl.Pose{X: bound.Center().X(), Y: bound.Center().Y()}
	if cfg.Filter.StartPose != nil {
		start = *cfg.Filter.StartPose
	} else {
		cfg.Filter.StartPose = &start
	}

	est, err := a.newEstimator(cfg, mcl.WithCamera(cam))
	if err != nil {
		return err
	}
	defer func() { _ = a.StateTracker.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = est.Run(ctx)
	}()

	if a.HttpMode {
		a.startHTTP()
	}

	sim := mcl.NewSimulator(world, cam, start, time.Duration(cfg.Timing.SensorPeriod*float64(time.Second)), nil)
	step := func(odo mcl.Odometry, frame mcl.Frame) (mcl.Estimate, error) {
		var (
			out  mcl.Estimate
			herr error
		)
		err := est.Call(ctx, func() {
			est.HandleOdometry(odo)
			out, herr = est.HandleFrame(frame)
		})
		if err != nil {
			return out, err
		}
		return out, herr
	}

	// The first frame only establishes the time reference.
	_, _ = step(mcl.Odometry{Stamp: sim.Stamp}, sim.Frame())

	var sumErr, maxErr float64
	var scored int
	for i := 1; i <= a.Steps; i++ {
		odo, frame := sim.Step()
		e, err := step(odo, frame)
		if err != nil {
			log.Printf("step %d: %v", i, err)
			continue
		}
		d := math.Hypot(e.Pose.X-sim.Pose.X, e.Pose.Y-sim.Pose.Y)
		sumErr += d
		maxErr = math.Max(maxErr, d)
		scored++
		if cfg.Debug.Enabled || i%10 == 0 {
			fmt.Printf("step %4d truth (%.2f, %.2f, %.2f) estimate (%.2f, %.2f, %.2f) belief %.3f error %.2f m\n",
				i, sim.Pose.X, sim.Pose.Y, sim.Pose.Theta, e.Pose.X, e.Pose.Y, e.Pose.Theta, e.Belief, d)
		}
	}

	if scored > 0 {
		fmt.Printf("\nSimulated %d frames: mean error %.3f m, max error %.3f m\n", scored, sumErr/float64(scored), maxErr)
	}

	if a.OutputFile != "" {
		var werr error
		if err := est.Call(ctx, func() { werr = a.writeOutput(est.Map(), a.OutputFile) }); err != nil {
			return err
		}
		if werr != nil {
			return werr
		}
		fmt.Printf("Wrote %s\n", a.OutputFile)
	}

	if a.HttpMode {
		fmt.Println("\nSimulation finished; HTTP server still running. Press Ctrl+C to stop")
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
	}

	cancel()
	<-runDone
	a.saveMapCache()
	return nil
}

// RunRenderMap renders a saved appearance map and exits. The map file is
// required in this mode.
func (a *App) RunRenderMap() error {
	cfg, err := a.loadConfig(false)
	if err != nil {
		return err
	}
	path := cfg.Map.CachePath
	if path == "" {
		return fmt.Errorf("--render-map needs --map-cache or map.cachePath")
	}
	eval, err := mcl.NewImageEvaluator(cfg.Evaluator)
	if err != nil {
		return err
	}
	m, err := mcl.LoadAppearanceMap(path, cfg.Map, eval)
	if err != nil {
		return err
	}

	output := a.OutputFile
	if output == "" {
		output = "appearance-map.png"
	}
	if err := a.writeOutput(m, output); err != nil {
		return err
	}
	fmt.Printf("Rendered %d cells from %s to %s\n", m.SetCount(), path, output)
	return nil
}

// writeOutput renders the map (and the latest estimate, if any) in the
// format implied by the file extension
func (a *App) writeOutput(m *mcl.AppearanceMap, path string) error {
	var estimate *mcl.Pose
	if last, ok := a.StateTracker.Latest(); ok {
		estimate = &last.Pose
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".svg":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		r := mcl.NewParticleRenderer(m.Bound(), a.StateTracker.Particles()).WithMap(m)
		r.Estimate = estimate
		r.Trajectory = a.StateTracker.Trajectory()
		return r.RenderToSVG(f)

	case ".geojson", ".json":
		fc := mcl.MapCellFeatures(m)
		traj := mcl.TrajectoryFeatures(a.StateTracker.RunID(), a.StateTracker.Trajectory(), nil, nil)
		fc.Features = append(fc.Features, traj.Features...)
		data, err := fc.MarshalJSON()
		if err != nil {
			return err
		}
		return os.WriteFile(path, data, 0o644)

	default:
		r := mcl.NewMosaicRenderer(m)
		r.Estimate = estimate
		return r.SavePNG(path)
	}
}
