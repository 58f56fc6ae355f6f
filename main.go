package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
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

// Runner is the set of modes the CLI can dispatch to
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunService() error
	RunSimulate() error
	RunRenderMap() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if err == flag.ErrHelp {
			os.Exit(2)
		}
		log.Fatalf("patchloc: %v", err)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("patchloc", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run the localization service on MQTT sensor topics")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP debug server")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port (default 8080)")
	fs.BoolVar(&opts.Simulate, "simulate", false, "Drive a simulated vehicle through a synthetic world")
	fs.IntVar(&opts.Steps, "steps", 200, "Number of frames for --simulate")
	fs.StringVar(&opts.WorldImage, "world", "", "PNG ground texture covering the map bounds for --simulate")
	fs.BoolVar(&opts.RenderMap, "render-map", false, "Render a saved appearance map and exit")
	fs.StringVar(&opts.OutputFile, "output", "", "Output file for --render-map and --simulate (.png, .svg or .geojson)")
	fs.StringVar(&opts.MapCache, "map-cache", "", "Appearance map file (overrides map.cachePath)")
	fs.BoolVar(&opts.Debug, "debug", false, "Enable debug output (overrides debug.enabled)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "patchloc version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.RenderMap:
		return app.RunRenderMap()
	case opts.Simulate:
		return app.RunSimulate()
	case opts.MqttMode || opts.HttpMode:
		return app.RunService()
	}

	fmt.Fprintln(out, "No mode selected.")
	fmt.Fprintln(out, "Use --mqtt to localize from MQTT odometry and camera topics")
	fmt.Fprintln(out, "Use --http to serve pose, particles and map images")
	fmt.Fprintln(out, "Use --simulate [--steps N] [--world file.png] to run against a synthetic world")
	fmt.Fprintln(out, "Use --render-map --map-cache map.json --output map.png to render a saved map")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - MQTT, camera, map and filter settings")
	return nil
}
