// Package api serves the HTTP surface of a citynet Network: topology loads,
// route queries, connection listings, metrics and the per-city WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/mem"

	"github.com/i5heu/citynet"
	"github.com/i5heu/citynet/internal/registry"
	"github.com/i5heu/citynet/internal/transport"
	"github.com/i5heu/citynet/pkg/metrics"
	"github.com/i5heu/citynet/pkg/routing"
	"github.com/i5heu/citynet/pkg/topology"
)

const maxTopologyBody = 10 << 20

type Server struct {
	mux      *http.ServeMux
	net      *citynet.Network
	log      *slog.Logger
	auth     AuthFunc
	gatherer prometheus.Gatherer
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

type AuthFunc func(*http.Request) error

func WithAuth(auth AuthFunc) Option {
	return func(s *Server) {
		if auth != nil {
			s.auth = auth
		}
	}
}

// WithGatherer overrides the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

func defaultAuth(*http.Request) error {
	return nil
}

func New(n *citynet.Network, opts ...Option) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		net:      n,
		log:      slog.Default(),
		auth:     defaultAuth,
		gatherer: metrics.DefaultGatherer,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /cities", s.handleCities)
	s.mux.HandleFunc("POST /topology", s.handleLoadTopology)
	s.mux.HandleFunc("GET /topology/status", s.handleTopologyStatus)
	s.mux.HandleFunc("GET /route/{from}/{to}", s.handleRoute)
	s.mux.HandleFunc("GET /route", s.handleRoute)
	s.mux.Handle("GET /ws/{city}", transport.Handler(s.serveCity))
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	} else {
		w.Header().Set("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)

	allowedHeaders := r.Header.Get("Access-Control-Request-Headers")
	if allowedHeaders == "" {
		allowedHeaders = "Content-Type, Accept"
	}
	w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.auth(r); err != nil {
		s.log.Warn("authentication failed", "error", err)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	s.mux.ServeHTTP(w, r)
}

type healthResponse struct {
	Status            string  `json:"status"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
}

type citiesResponse struct {
	Cities            []string `json:"cities"`
	ActiveConnections int      `json:"active_connections"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// edgeRequest accepts both the index form {u,v,w} and the name form {a,b,w}.
type edgeRequest struct {
	U *int    `json:"u"`
	V *int    `json:"v"`
	A string  `json:"a"`
	B string  `json:"b"`
	W float64 `json:"w"`
}

type topologyRequest struct {
	Cities []topology.City `json:"cities"`
	Edges  []edgeRequest   `json:"edges"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		resp.MemoryUsedPercent = vm.UsedPercent
	} else {
		s.log.Debug("memory stats unavailable", "error", err)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCities(w http.ResponseWriter, r *http.Request) {
	reg := s.net.Registry()
	s.writeJSON(w, http.StatusOK, citiesResponse{
		Cities:            reg.ActiveCities(),
		ActiveConnections: reg.ConnectionCount(),
	})
}

func (s *Server) handleLoadTopology(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTopologyBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read body: %v", err))
		return
	}

	res, err := s.LoadTopologyJSON(r.Context(), body)
	if err != nil {
		if errors.Is(err, topology.ErrInvalidTopology) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, citynet.ErrClosed) {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.log.Error("failed to load topology", "error", err)
		s.writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

// LoadTopologyJSON decodes a topology document in index or name form and
// installs it. Malformed documents match topology.ErrInvalidTopology.
func (s *Server) LoadTopologyJSON(ctx context.Context, data []byte) (*routing.LoadResult, error) {
	var req topologyRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &topology.ValidationError{Reason: fmt.Sprintf("invalid json: %v", err)}
	}

	named, indexed := 0, 0
	for _, e := range req.Edges {
		switch {
		case e.A != "" || e.B != "":
			named++
		case e.U != nil && e.V != nil:
			indexed++
		default:
			return nil, &topology.ValidationError{Reason: "edge needs either a/b names or u/v indices"}
		}
	}
	if named > 0 && indexed > 0 {
		return nil, &topology.ValidationError{Reason: "edges mix name and index form"}
	}

	if indexed > 0 {
		edges := make([]topology.IndexedEdge, 0, len(req.Edges))
		for _, e := range req.Edges {
			edges = append(edges, topology.IndexedEdge{U: *e.U, V: *e.V, W: e.W})
		}
		return s.net.LoadTopologyIndexed(ctx, req.Cities, edges)
	}

	edges := make([]topology.Edge, 0, len(req.Edges))
	for _, e := range req.Edges {
		edges = append(edges, topology.Edge{A: e.A, B: e.B, Weight: e.W})
	}
	cities := req.Cities
	if len(cities) == 0 {
		cities = citiesFromEdges(edges)
	}
	return s.net.LoadTopology(ctx, cities, edges)
}

// citiesFromEdges lists edge endpoints in order of first appearance.
func citiesFromEdges(edges []topology.Edge) []topology.City {
	seen := make(map[string]bool, len(edges))
	var out []topology.City
	for _, e := range edges {
		for _, name := range [2]string{e.A, e.B} {
			if !seen[name] {
				seen[name] = true
				out = append(out, topology.City{Name: name})
			}
		}
	}
	return out
}

func (s *Server) handleTopologyStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.net.Router().Status())
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	from := r.PathValue("from")
	to := r.PathValue("to")
	if from == "" && to == "" {
		from = r.URL.Query().Get("from_city")
		to = r.URL.Query().Get("to_city")
	}
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from == "" || to == "" {
		s.writeError(w, http.StatusBadRequest, "from and to cities are required")
		return
	}

	res, err := s.net.Router().PathContext(r.Context(), from, to)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, res)
	case errors.Is(err, routing.ErrNoTopology):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, routing.ErrUnknownCity), errors.Is(err, routing.ErrUnreachable):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error("route query failed", "from", from, "to", to, "error", err)
		s.writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

func (s *Server) serveCity(r *http.Request, ch *transport.Channel) {
	city := r.PathValue("city")
	err := s.net.Registry().Serve(r.Context(), city, ch)
	switch {
	case err == nil:
		s.log.Debug("city connection ended", "city", city)
	case errors.Is(err, registry.ErrReceiveFailed):
		s.log.Debug("city connection ended", "city", city, "error", err)
	default:
		s.log.Warn("city connection rejected", "city", city, "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}
