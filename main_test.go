package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
	err    error
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunService() error            { m.called["RunService"] = true; return m.err }
func (m *mockApp) RunSimulate() error           { m.called["RunSimulate"] = true; return m.err }
func (m *mockApp) RunRenderMap() error          { m.called["RunRenderMap"] = true; return m.err }

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "MqttMode",
			args:           []string{"--mqtt", "--http-port", "9090", "--config", "/tmp/c.yaml"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.MqttMode {
					t.Error("expected MqttMode true")
				}
				if opts.HttpPort != 9090 {
					t.Errorf("expected HttpPort 9090, got %d", opts.HttpPort)
				}
				if opts.ConfigFile != "/tmp/c.yaml" {
					t.Errorf("expected ConfigFile /tmp/c.yaml, got %s", opts.ConfigFile)
				}
			},
		},
		{
			name:           "HttpOnly",
			args:           []string{"--http"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.HttpMode || opts.MqttMode {
					t.Errorf("expected only HttpMode, got %+v", opts)
				}
				if opts.HttpPort != 8080 {
					t.Errorf("expected default HttpPort 8080, got %d", opts.HttpPort)
				}
			},
		},
		{
			name:           "Simulate",
			args:           []string{"--simulate", "--steps", "50", "--world", "floor.png", "--output", "run.svg", "--debug"},
			expectedCalled: "RunSimulate",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Steps != 50 {
					t.Errorf("expected Steps 50, got %d", opts.Steps)
				}
				if opts.WorldImage != "floor.png" {
					t.Errorf("expected WorldImage floor.png, got %s", opts.WorldImage)
				}
				if opts.OutputFile != "run.svg" {
					t.Errorf("expected OutputFile run.svg, got %s", opts.OutputFile)
				}
				if !opts.Debug {
					t.Error("expected Debug true")
				}
			},
		},
		{
			name:           "RenderMap",
			args:           []string{"--render-map", "--map-cache", "map.json", "--output", "map.png"},
			expectedCalled: "RunRenderMap",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.MapCache != "map.json" {
					t.Errorf("expected MapCache map.json, got %s", opts.MapCache)
				}
				if !opts.RenderMap {
					t.Error("expected RenderMap true")
				}
			},
		},
		{
			name:           "RenderMapWinsOverService",
			args:           []string{"--render-map", "--mqtt"},
			expectedCalled: "RunRenderMap",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			err := run(tt.args, &out, app)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called, got %v", tt.expectedCalled, app.called)
			}
			if len(app.called) != 1 {
				t.Errorf("expected exactly one mode, got %v", app.called)
			}

			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_PropagatesModeError(t *testing.T) {
	app := newMockApp()
	app.err = errors.New("boom")
	var out bytes.Buffer
	if err := run([]string{"--simulate"}, &out, app); err == nil || err.Error() != "boom" {
		t.Errorf("expected mode error to propagate, got %v", err)
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{"--help"}, &out, app)
	if err == nil {
		t.Error("expected error from --help, got nil")
	}
	if !strings.Contains(out.String(), "Usage of patchloc") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
	if len(app.called) != 0 {
		t.Errorf("expected no mode to run, got %v", app.called)
	}
}

func TestRun_Default(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{}, &out, app)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expectedPrefix := "patchloc version: " + Version
	if !strings.Contains(out.String(), expectedPrefix) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}

	if !strings.Contains(out.String(), "No mode selected.") {
		t.Errorf("expected output to list modes, got: %s", out.String())
	}
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	if Version == "" {
		t.Error("expected Version to be set")
	}
}
