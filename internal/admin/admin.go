// Package admin serves the loopback-only, read-only diagnostics HTTP
// surface described in SPEC_FULL.md: JSON snapshots of source state,
// tracking status, and RTC status, plus a Prometheus /metrics endpoint.
// This is observability, not the administrative control client
// spec.md's Non-goals explicitly exclude — nothing here can change
// daemon state.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/timewarden/timewardend/discipline"
	"github.com/timewarden/timewardend/rawclock"
	"github.com/timewarden/timewardend/sourceset"
)

// Server is the diagnostics HTTP surface.
type Server struct {
	srv *http.Server
	log *zap.Logger
}

// Deps are the subsystems the diagnostics surface reads from. It never
// holds a reference that lets it mutate daemon state.
type Deps struct {
	Sources    *sourceset.Registry
	Discipline *discipline.Engine
}

// New builds a Server bound to addr, which must resolve to a loopback
// address — this surface is never meant to be reachable off-host.
func New(addr string, deps Deps, log *zap.Logger) (*Server, error) {
	if err := requireLoopback(addr); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/sources", handleSources(deps))
	r.Get("/tracking", handleTracking(deps))
	r.Get("/rtc", handleRTC(deps))
	r.Handle("/metrics", promhttp.Handler())

	return &Server{
		srv: &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second},
		log: log,
	}, nil
}

func requireLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("admin: invalid listen address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("admin: refusing to bind an unspecified host; use 127.0.0.1 or ::1 explicitly")
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("admin: %q is not a loopback address; the diagnostics surface must stay local", host)
	}
	return nil
}

// ListenAndServe runs the HTTP server until Shutdown is called.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type sourceView struct {
	Name  string `json:"name"`
	Addr  string `json:"address"`
	State string `json:"state"`
}

func handleSources(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Sources == nil {
			writeJSON(w, []sourceView{})
			return
		}
		units := deps.Sources.Units()
		views := make([]sourceView, 0, len(units))
		for _, u := range units {
			views = append(views, sourceView{Name: u.Name, Addr: u.Addr.String(), State: u.State().String()})
		}
		writeJSON(w, views)
	}
}

type trackingView struct {
	FrequencyPPM float64 `json:"frequency_ppm"`
	OffsetSeconds float64 `json:"offset_seconds"`
	ErrorBoundSeconds float64 `json:"error_bound_seconds"`
}

func handleTracking(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Discipline == nil {
			writeJSON(w, trackingView{})
			return
		}
		now := rawclock.Now()
		_, errBound := deps.Discipline.OffsetConvert(now)
		writeJSON(w, trackingView{
			FrequencyPPM:      deps.Discipline.ReadFrequency(),
			ErrorBoundSeconds: errBound,
		})
	}
}

type rtcView struct {
	Available bool   `json:"available"`
	Time      string `json:"time,omitempty"`
}

// handleRTC reports whether an RTC backend is wired in. The discipline
// engine doesn't expose its backend's RTCBackend capability externally
// today, so this always reports unavailable; it's here as the stable
// shape future RTC wiring fills in, not a placeholder for its own sake.
func handleRTC(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, rtcView{Available: false})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
