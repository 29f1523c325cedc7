package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AaronLay10/SentientFlow/internal/engine"
	"github.com/AaronLay10/SentientFlow/internal/events"
	"github.com/AaronLay10/SentientFlow/internal/metrics"
	"github.com/AaronLay10/SentientFlow/internal/modules"
	"github.com/AaronLay10/SentientFlow/internal/storage/postgres"
	"github.com/AaronLay10/SentientFlow/internal/version"
)

// FlowEngine is the engine surface the API serves.
type FlowEngine interface {
	http.Handler
	Ready() bool
	Active() *engine.Deployment
	Deploy(ctx context.Context) error
}

// EventLog answers event history queries from persistent storage.
type EventLog interface {
	Query(ctx context.Context, q postgres.EventQuery) ([]postgres.EventRow, error)
}

// Server is the HTTP front of the engine: admin and debug endpoints, with
// every other request handed to the active flow routes.
type Server struct {
	engine   FlowEngine
	metrics  *metrics.Collector
	eventLog EventLog
	started  time.Time
	mux      *http.ServeMux
}

// NewServer builds the route table. m and eventLog may be nil.
func NewServer(e FlowEngine, m *metrics.Collector, eventLog EventLog) *Server {
	s := &Server{engine: e, metrics: m, eventLog: eventLog, started: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", s.readyHandler)
	mux.HandleFunc("GET /admin/routes", RequireAnyRole(s.routesHandler))
	mux.HandleFunc("GET /admin/modules", RequireAnyRole(s.modulesHandler))
	mux.HandleFunc("POST /admin/deploy", RequireAdmin(s.deployHandler))
	mux.HandleFunc("GET /admin/events", RequireAnyRole(s.eventsHandler))
	mux.HandleFunc("GET /debug/ws", RequireAnyRole(wsEventsHandler))
	if m != nil {
		s.registerRuntimeMetrics()
		mux.Handle("GET /metrics", m.Handler())
	}
	mux.Handle("/", e)
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRuntimeMetrics() {
	boolGauge := func(fn func() bool) func() float64 {
		return func() float64 {
			if fn() {
				return 1
			}
			return 0
		}
	}
	s.metrics.BuildInfo(version.Version)
	s.metrics.GaugeFunc("uptime_seconds", "Seconds since the engine started",
		func() float64 { return time.Since(s.started).Seconds() })
	s.metrics.CounterFunc("events_total", "Runtime events emitted since startup",
		func() float64 { return float64(events.TotalCount()) })
	s.metrics.GaugeFunc("ws_clients", "Active debug websocket subscribers",
		func() float64 { return float64(events.SubscriberCount()) })
	s.metrics.GaugeFunc("mqtt_connected", "Whether the MQTT broker is connected (1) or not (0)",
		boolGauge(mqttConnected))
	s.metrics.GaugeFunc("postgres_connected", "Whether PostgreSQL is connected (1) or not (0)",
		boolGauge(postgresConnected))
}

type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Hostname  string `json:"hostname"`
	Timestamp string `json:"ts"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Service:   "sentientflow",
		Version:   version.Version,
		Hostname:  host,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

type RouteInfo struct {
	Key      string     `json:"key"`
	Method   string     `json:"method,omitempty"`
	Path     string     `json:"path,omitempty"`
	Event    string     `json:"event,omitempty"`
	Params   []string   `json:"params,omitempty"`
	Triggers []string   `json:"triggers"`
	Stacks   [][]string `json:"stacks"`
}

type RoutesResponse struct {
	DeployedAt string      `json:"deployed_at,omitempty"`
	Flows      []string    `json:"flows"`
	Routes     []RouteInfo `json:"routes"`
}

func (s *Server) routesHandler(w http.ResponseWriter, r *http.Request) {
	resp := RoutesResponse{Flows: []string{}, Routes: []RouteInfo{}}
	if d := s.engine.Active(); d != nil {
		resp.DeployedAt = d.DeployedAt.Format(time.RFC3339Nano)
		resp.Flows = d.Flows
		for _, rt := range d.Table.Routes() {
			info := RouteInfo{
				Key:      rt.Key,
				Method:   rt.Method,
				Path:     rt.Path,
				Event:    rt.Event,
				Params:   rt.Params,
				Triggers: rt.Triggers,
			}
			for _, st := range rt.Stacks {
				ids := make([]string, len(st))
				for i, n := range st {
					ids[i] = n.QualifiedID()
				}
				info.Stacks = append(info.Stacks, ids)
			}
			resp.Routes = append(resp.Routes, info)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type ModulesResponse struct {
	Modules []string           `json:"modules"`
	Nodes   []modules.NodeSpec `json:"nodes"`
}

// modulesHandler lists the modules and node specs the active deployment
// was compiled against.
func (s *Server) modulesHandler(w http.ResponseWriter, r *http.Request) {
	resp := ModulesResponse{Modules: []string{}, Nodes: []modules.NodeSpec{}}
	if d := s.engine.Active(); d != nil && d.Registry != nil {
		resp.Modules = d.Registry.Modules()
		resp.Nodes = d.Registry.Specs()
	}
	writeJSON(w, http.StatusOK, resp)
}

type DeployResponse struct {
	OK     bool   `json:"ok"`
	Routes int    `json:"routes,omitempty"`
	Stacks int    `json:"stacks,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) deployHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Deploy(r.Context()); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, DeployResponse{OK: false, Error: err.Error()})
		return
	}
	d := s.engine.Active()
	writeJSON(w, http.StatusOK, DeployResponse{OK: true, Routes: d.Table.Len(), Stacks: d.Table.Stacks()})
}

// eventsHandler serves recent runtime events from the ring buffer, or from
// the event log with ?source=db.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	if q.Get("source") == "db" {
		if s.eventLog == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "event log not configured"})
			return
		}
		rows, err := s.eventLog.Query(r.Context(), postgres.EventQuery{
			Limit:        limit,
			InvocationID: q.Get("invocation_id"),
		})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if rows == nil {
			rows = []postgres.EventRow{}
		}
		writeJSON(w, http.StatusOK, rows)
		return
	}

	writeJSON(w, http.StatusOK, events.RecentEvents(limit, categories(r)...))
}

// categories reads ?category=debug,chain.
func categories(r *http.Request) []string {
	var out []string
	for _, v := range r.URL.Query()["category"] {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				out = append(out, c)
			}
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	tlsCfg, err := LoadTLSConfig()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if tlsCfg != nil {
			log.Printf("API listening on %s (TLS)", srv.Addr)
			errc <- srv.ListenAndServeTLS("", "")
			return
		}
		log.Printf("API listening on %s", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
