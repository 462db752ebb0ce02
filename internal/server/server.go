// Package server provides the widget backend: config lookups proxied to the
// agent API, static widget assets, and a websocket chat bridge that runs one
// chat session per browser connection.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dayuer/convai-widget/internal/agentapi"
	"github.com/dayuer/convai-widget/internal/bus"
	"github.com/dayuer/convai-widget/internal/cache"
	"github.com/dayuer/convai-widget/internal/chat"
)

// Upstream is the agent API as the server uses it.
type Upstream interface {
	Agent(ctx context.Context, agentID string) (agentapi.Agent, error)
	Widget(ctx context.Context, agentID string) (json.RawMessage, error)
}

// Limit allows Requests per Window for each client IP. Zero disables it.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Config configures the Server.
type Config struct {
	Host           string
	Port           int
	DefaultAgentID string
	Title          string
	Subtitle       string
	Environment    string
	Debug          bool
	StaticDir      string
	WidgetDir      string

	APILimit    Limit
	ConfigLimit Limit

	Chat   chat.Options
	Dialer chat.Dialer

	Upstream Upstream
	Cache    cache.Cache
	Bus      *bus.Bus
}

// Server is the widget backend HTTP server.
type Server struct {
	cfg      Config
	upstream Upstream
	cache    cache.Cache
	bus      *bus.Bus

	apiLimiter    *limiter
	configLimiter *limiter

	wsConns map[*bridgeConn]bool
	wsMu    sync.Mutex

	startTime time.Time

	mux     *http.ServeMux
	handler http.Handler
	srv     *http.Server
}

// NewServer creates the server and registers its routes.
func NewServer(cfg Config) *Server {
	if cfg.Port == 0 {
		cfg.Port = 3001
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewMemory(0, 0)
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}

	s := &Server{
		cfg:           cfg,
		upstream:      cfg.Upstream,
		cache:         cfg.Cache,
		bus:           cfg.Bus,
		apiLimiter:    newLimiter("api", cfg.APILimit, "Too many requests from this IP, please try again later."),
		configLimiter: newLimiter("config", cfg.ConfigLimit, "Too many config requests, please slow down."),
		wsConns:       make(map[*bridgeConn]bool),
		startTime:     time.Now(),
		mux:           http.NewServeMux(),
	}

	s.handle("GET /api/config", s.handleConfig)
	s.handle("GET /api/agent-config", s.handleAgentConfig)
	s.handle("GET /api/widget-config", s.handleWidgetConfig)
	s.handle("GET /api/environment", s.handleEnvironment)
	s.handle("GET /api/health", s.handleHealth)
	s.handle("GET /api/test", s.handleTest)
	s.handle("POST /api/chat", s.handleChat)
	s.mux.HandleFunc("GET /ws/chat", s.handleChatSocket)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	if cfg.WidgetDir != "" {
		widget := http.StripPrefix("/widget", http.FileServer(http.Dir(cfg.WidgetDir)))
		s.handle("GET /widget/", widget.ServeHTTP)
		s.mux.Handle("GET /widget", http.RedirectHandler("/widget/", http.StatusMovedPermanently))
	}
	if cfg.StaticDir != "" {
		s.handle("GET /", http.FileServer(http.Dir(cfg.StaticDir)).ServeHTTP)
	}

	s.handler = withCORS(secureHeaders(s.rateLimit(s.mux)))
	return s
}

// handle registers an instrumented, gzip-capable route.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.Handle(pattern, instrument(pattern, gzhttp.GzipHandler(h)))
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr is the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
	}

	log.Printf("[Server] ✅ HTTP API → http://%s", s.Addr())
	log.Printf("[Server] ✅ Chat bridge → ws://%s/ws/chat", s.Addr())
	if s.cfg.WidgetDir != "" {
		log.Printf("[Server] Widget available at: http://%s/widget", s.Addr())
	}

	go s.bus.Dispatch(ctx)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop stops the server gracefully.
func (s *Server) Stop() {
	s.closeAllWS()
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(ctx)
	}
}

// WSConnectionCount returns the number of open chat bridges.
func (s *Server) WSConnectionCount() int {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return len(s.wsConns)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
