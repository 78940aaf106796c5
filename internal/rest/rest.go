// Package rest serves the track-resolution side channel: the liveness
// root, /loadtracks and /decodetracks, plus the supplemental health and
// metrics endpoints. All protocol responses are JSON; the configured
// password guards every protocol route.
package rest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/volcano/internal/health"
	"github.com/MrWong99/volcano/internal/observe"
	"github.com/MrWong99/volcano/internal/source"
	"github.com/MrWong99/volcano/internal/track"
)

// Config configures the REST surface.
type Config struct {
	// Password guards the protocol routes; empty disables auth.
	Password string
}

// Server bundles the REST handlers.
type Server struct {
	cfg     Config
	sources *source.Registry
	metrics *observe.Metrics
}

// New builds the REST surface over the given source registry.
func New(cfg Config, sources *source.Registry, metrics *observe.Metrics) *Server {
	return &Server{cfg: cfg, sources: sources, metrics: metrics}
}

// Routes assembles the full handler: protocol routes behind auth and the
// observe middleware, probe and scrape endpoints open.
func (s *Server) Routes(h *health.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /loadtracks", s.handleLoadTracks)
	mux.HandleFunc("GET /decodetracks", s.handleDecodeTracks)

	protected := s.auth(observe.Middleware(s.metrics)(mux))

	outer := http.NewServeMux()
	outer.HandleFunc("GET /healthz", h.Healthz)
	outer.HandleFunc("GET /readyz", h.Readyz)
	outer.Handle("GET /metrics", promhttp.Handler())
	outer.Handle("/", protected)
	return outer
}

// auth rejects protocol requests whose Authorization header does not match
// the configured password.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Password != "" && r.Header.Get("Authorization") != s.cfg.Password {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleRoot is the liveness check.
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, "Ok boomer.")
}

// handleLoadTracks resolves an identifier into playable descriptors.
func (s *Server) handleLoadTracks(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "identifier is required"})
		return
	}

	result := s.sources.Load(r.Context(), identifier)
	s.metrics.RecordLoad(r.Context(), result.LoadType)
	slog.Debug("loadtracks", "identifier", identifier,
		"load_type", result.LoadType, "tracks", len(result.Tracks))
	writeJSON(w, http.StatusOK, result)
}

// handleDecodeTracks decodes one or more descriptor blobs. A single blob
// answers with the bare info object; repeated blobs answer with an ordered
// array of track/info pairs.
func (s *Server) handleDecodeTracks(w http.ResponseWriter, r *http.Request) {
	blobs := r.URL.Query()["track"]
	if len(blobs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "track is required"})
		return
	}

	if len(blobs) == 1 {
		info, err := track.Decode(blobs[0])
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, info)
		return
	}

	out := make([]source.Entry, 0, len(blobs))
	for _, blob := range blobs {
		info, err := track.Decode(blob)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		out = append(out, source.Entry{Track: blob, Info: info})
	}
	writeJSON(w, http.StatusOK, out)
}

// Ready is a readiness checker for the health handler; the REST surface is
// ready as soon as it is constructed.
func (s *Server) Ready(context.Context) error { return nil }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "err", err)
	}
}
