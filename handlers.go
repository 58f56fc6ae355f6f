package main

import (
	"context"
	"encoding/json"
	"image"
	"image/png"
	"log"
	"net/http"
	"time"

	"github.com/kwv/patchloc/mcl"
)

// callTimeout bounds how long a request waits for the estimator loop
const callTimeout = 5 * time.Second

// estimatorAccess is the part of the estimator the handlers need. Map and
// Filter may only be touched inside Call.
type estimatorAccess interface {
	Call(ctx context.Context, fn func()) error
	Map() *mcl.AppearanceMap
	Filter() *mcl.ParticleFilter
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(stateTracker *mcl.StateTracker, est estimatorAccess, config *mcl.Config) http.Handler {
	mux := http.NewServeMux()

	call := func(r *http.Request, fn func()) error {
		ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
		defer cancel()
		return est.Call(ctx, fn)
	}

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status      string    `json:"status"`
			Timestamp   time.Time `json:"timestamp"`
			RunID       string    `json:"runId"`
			StartedAt   time.Time `json:"startedAt"`
			HasEstimate bool      `json:"hasEstimate"`
			Cycle       uint64    `json:"cycle"`
		}{
			Status:      "ok",
			Timestamp:   time.Now(),
			RunID:       stateTracker.RunID(),
			StartedAt:   stateTracker.StartedAt(),
			HasEstimate: stateTracker.HasEstimate(),
		}
		if last, ok := stateTracker.Latest(); ok {
			status.Cycle = last.Cycle
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	// Latest pose
	mux.HandleFunc("/pose", func(w http.ResponseWriter, r *http.Request) {
		last, ok := stateTracker.Latest()
		if !ok {
			http.Error(w, "No estimate available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(mcl.NewPoseMessage(last)); err != nil {
			log.Printf("Error encoding pose: %v", err)
		}
	})

	// Particle cloud as JSON. Debug snapshots are used when present,
	// otherwise the live population is read through the estimator loop.
	particles := func(r *http.Request) ([]mcl.Particle, error) {
		if ps := stateTracker.Particles(); len(ps) > 0 {
			return ps, nil
		}
		var ps []mcl.Particle
		err := call(r, func() { ps = est.Filter().Particles() })
		return ps, err
	}

	mux.HandleFunc("/particles", func(w http.ResponseWriter, r *http.Request) {
		ps, err := particles(r)
		if err != nil {
			http.Error(w, "Estimator busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(ps); err != nil {
			log.Printf("Error encoding particles: %v", err)
		}
	})

	mux.HandleFunc("/particles.svg", func(w http.ResponseWriter, r *http.Request) {
		ps, err := particles(r)
		if err != nil {
			http.Error(w, "Estimator busy", http.StatusServiceUnavailable)
			return
		}

		var renderer *mcl.ParticleRenderer
		if err := call(r, func() {
			renderer = mcl.NewParticleRenderer(est.Map().Bound(), ps).WithMap(est.Map())
		}); err != nil {
			http.Error(w, "Estimator busy", http.StatusServiceUnavailable)
			return
		}
		if last, ok := stateTracker.Latest(); ok {
			renderer.Estimate = &last.Pose
		}
		renderer.Trajectory = stateTracker.Trajectory()

		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			log.Printf("Error rendering particles SVG: %v", err)
		}
	})

	// Appearance map mosaic
	mux.HandleFunc("/map.png", func(w http.ResponseWriter, r *http.Request) {
		var img *image.RGBA
		err := call(r, func() {
			if est.Map().Empty() {
				return
			}
			renderer := mcl.NewMosaicRenderer(est.Map())
			if last, ok := stateTracker.Latest(); ok {
				renderer.Estimate = &last.Pose
			}
			img = renderer.Render()
		})
		if err != nil {
			http.Error(w, "Estimator busy", http.StatusServiceUnavailable)
			return
		}
		if img == nil {
			http.Error(w, "No map available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := png.Encode(w, img); err != nil {
			log.Printf("Error encoding map PNG: %v", err)
		}
	})

	// Best matching map patch at the current estimate, upscaled
	mux.HandleFunc("/patch.png", func(w http.ResponseWriter, r *http.Request) {
		patch := stateTracker.Patch()
		if patch == nil {
			if last, ok := stateTracker.Latest(); ok {
				if err := call(r, func() {
					if pieces := est.Map().MapPieces(last.Pose); len(pieces) > 0 {
						patch = pieces[0]
					}
				}); err != nil {
					http.Error(w, "Estimator busy", http.StatusServiceUnavailable)
					return
				}
			}
		}
		if patch == nil {
			http.Error(w, "No patch available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := png.Encode(w, mcl.UpscalePatch(patch, 8)); err != nil {
			log.Printf("Error encoding patch PNG: %v", err)
		}
	})

	// Trajectory export
	mux.HandleFunc("/trajectory.geojson", func(w http.ResponseWriter, r *http.Request) {
		var lastPtr *mcl.Estimate
		if last, ok := stateTracker.Latest(); ok {
			lastPtr = &last
		}
		var ps []mcl.Particle
		if config != nil && config.Debug.Enabled {
			ps = stateTracker.Particles()
		}
		fc := mcl.TrajectoryFeatures(stateTracker.RunID(), stateTracker.Trajectory(), lastPtr, ps)
		data, err := fc.MarshalJSON()
		if err != nil {
			http.Error(w, "Encoding failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := w.Write(data); err != nil {
			log.Printf("Error writing trajectory: %v", err)
		}
	})

	return mux
}
