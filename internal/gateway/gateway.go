// Package gateway is the HTTP surface: the two messaging routes, health and
// metrics endpoints, and a websocket stream of connection events. Handlers
// read the current session handle exactly once and never mutate it.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/zapgate/zapgate/internal/bus"
	"github.com/zapgate/zapgate/internal/otel"
	"github.com/zapgate/zapgate/internal/supervisor"
)

type Config struct {
	Holder *supervisor.Holder
	Status func() supervisor.Status
	Bus    *bus.Bus
	Logger *slog.Logger

	Metrics *otel.Metrics
	Tracer  trace.Tracer

	// AuthToken protects the operational endpoints (/metrics, /ws). Empty
	// means those endpoints always answer unauthorized.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, exposed on /healthz.
	ConfigFingerprint string

	// MessageText renders the fixed template for a recipient name.
	MessageText func(name string) string
}

type Server struct {
	cfg       Config
	startedAt time.Time

	messagesSent atomic.Uint64
	lookupMisses atomic.Uint64
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer("zapgate")
	}
	return &Server{
		cfg:       cfg,
		startedAt: time.Now(),
	}
}

// MessagesSent reports how many messages this process sent successfully.
func (s *Server) MessagesSent() uint64 {
	return s.messagesSent.Load()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/enviar-mensagem", s.handleSendMessage)
	mux.HandleFunc("/buscar-foto/", s.handleFetchPicture)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("/ws", s.handleWS)
	// Everything else funnels to the generic fallback.
	mux.HandleFunc("/", s.handleFallback)
	return mux
}

// handleFallback answers any unmatched route. Same body as the recover
// middleware so callers cannot distinguish a bad route from a crashed handler.
func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	s.cfg.Logger.Warn("unmatched route", "method", r.Method, "path", r.URL.Path)
	writePlainError(w)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	st := s.status()
	payload := map[string]any{
		"healthy":        st.Connected,
		"connected":      st.Connected,
		"logged_out":     st.LoggedOut,
		"attempt":        st.Attempt,
		"reconnects":     st.Reconnects,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"messages_sent":  s.messagesSent.Load(),
		"config":         s.cfg.ConfigFingerprint,
	}
	if st.Connected {
		payload["connected_seconds"] = int64(time.Since(st.ConnectedSince).Seconds())
	}
	w.Header().Set("Content-Type", "application/json")
	if !st.Connected {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	st := s.status()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	payload := map[string]any{
		"connected":      st.Connected,
		"logged_out":     st.LoggedOut,
		"attempt":        st.Attempt,
		"reconnects":     st.Reconnects,
		"messages_sent":  s.messagesSent.Load(),
		"lookup_misses":  s.lookupMisses.Load(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"alloc_bytes":    mem.Alloc,
		"goroutines":     runtime.NumGoroutine(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	st := s.status()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	connected := 0
	if st.Connected {
		connected = 1
	}
	loggedOut := 0
	if st.LoggedOut {
		loggedOut = 1
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP zapgate_session_connected 1 while a session is published.\n")
	fmt.Fprintf(w, "# TYPE zapgate_session_connected gauge\n")
	fmt.Fprintf(w, "zapgate_session_connected %d\n", connected)
	fmt.Fprintf(w, "# HELP zapgate_session_logged_out 1 after a terminal logout.\n")
	fmt.Fprintf(w, "# TYPE zapgate_session_logged_out gauge\n")
	fmt.Fprintf(w, "zapgate_session_logged_out %d\n", loggedOut)
	fmt.Fprintf(w, "# HELP zapgate_connection_attempts Total connection attempts.\n")
	fmt.Fprintf(w, "# TYPE zapgate_connection_attempts counter\n")
	fmt.Fprintf(w, "zapgate_connection_attempts %d\n", st.Attempt)
	fmt.Fprintf(w, "# HELP zapgate_connection_reconnects Attempts after a transient close.\n")
	fmt.Fprintf(w, "# TYPE zapgate_connection_reconnects counter\n")
	fmt.Fprintf(w, "zapgate_connection_reconnects %d\n", st.Reconnects)
	fmt.Fprintf(w, "# HELP zapgate_messages_sent_total Messages sent successfully.\n")
	fmt.Fprintf(w, "# TYPE zapgate_messages_sent_total counter\n")
	fmt.Fprintf(w, "zapgate_messages_sent_total %d\n", s.messagesSent.Load())
	fmt.Fprintf(w, "# HELP zapgate_lookup_misses_total Lookups for numbers not on the network.\n")
	fmt.Fprintf(w, "# TYPE zapgate_lookup_misses_total counter\n")
	fmt.Fprintf(w, "zapgate_lookup_misses_total %d\n", s.lookupMisses.Load())
	fmt.Fprintf(w, "# HELP zapgate_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE zapgate_alloc_bytes gauge\n")
	fmt.Fprintf(w, "zapgate_alloc_bytes %d\n", mem.Alloc)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		// WS clients in browsers cannot set headers; allow a query token.
		authz = "Bearer " + r.URL.Query().Get("token")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) status() supervisor.Status {
	if s.cfg.Status == nil {
		return supervisor.Status{}
	}
	return s.cfg.Status()
}
