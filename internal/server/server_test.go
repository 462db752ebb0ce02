package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dayuer/convai-widget/internal/agentapi"
	"github.com/dayuer/convai-widget/internal/cache"
)

type fakeUpstream struct {
	agent      agentapi.Agent
	agentErr   error
	widget     json.RawMessage
	widgetErr  error
	agentCalls atomic.Int32
	widgetHits atomic.Int32
}

func (f *fakeUpstream) Agent(_ context.Context, _ string) (agentapi.Agent, error) {
	f.agentCalls.Add(1)
	return f.agent, f.agentErr
}

func (f *fakeUpstream) Widget(_ context.Context, _ string) (json.RawMessage, error) {
	f.widgetHits.Add(1)
	return f.widget, f.widgetErr
}

func newTestServer(up Upstream) *Server {
	return NewServer(Config{
		DefaultAgentID: "default-agent",
		Upstream:       up,
		Cache:          cache.NewMemory(10, time.Minute),
	})
}

func get(t *testing.T, h http.Handler, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(nil)
	w, body := get(t, s.mux, "/api/health")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	ts, _ := body["timestamp"].(string)
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Errorf("timestamp %q: %v", ts, err)
	}
	if body["chatSessions"] != float64(0) {
		t.Errorf("chatSessions = %v, want 0", body["chatSessions"])
	}
	if _, ok := body["uptimeSeconds"].(float64); !ok {
		t.Errorf("uptimeSeconds = %v", body["uptimeSeconds"])
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	s := NewServer(Config{Host: "127.0.0.1", Port: port})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/health", port)
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not come up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestHandleTest(t *testing.T) {
	s := newTestServer(nil)
	_, body := get(t, s.mux, "/api/test")
	if body["status"] != "success" {
		t.Errorf("status = %v", body["status"])
	}
	if body["message"] != "WebSocket-based chat widget is running" {
		t.Errorf("message = %v", body["message"])
	}
}

func TestHandleChat_Deprecated(t *testing.T) {
	s := newTestServer(nil)
	req := httptest.NewRequest("POST", "/api/chat", strings.NewReader(`{"message":"hi"}`))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if !strings.Contains(body["message"].(string), "deprecated") {
		t.Errorf("message = %v", body["message"])
	}
}

func TestHandleConfig_Defaults(t *testing.T) {
	s := NewServer(Config{Title: "Help Desk"})
	_, body := get(t, s.mux, "/api/config")

	if body["title"] != "Help Desk" {
		t.Errorf("title = %v, want Help Desk", body["title"])
	}
	if body["subtitle"] != "How can I help you today?" {
		t.Errorf("subtitle = %v", body["subtitle"])
	}
}

func TestHandleConfig_AgentOverridesAndCaches(t *testing.T) {
	up := &fakeUpstream{agent: agentapi.Agent{Name: "Support Bot", Description: "Ask away"}}
	s := newTestServer(up)

	for i := 0; i < 3; i++ {
		_, body := get(t, s.mux, "/api/config?agentId=A1")
		if body["title"] != "Support Bot" || body["subtitle"] != "Ask away" {
			t.Fatalf("body = %v", body)
		}
	}
	if n := up.agentCalls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1 (cached)", n)
	}
}

func TestHandleConfig_PartialAgent(t *testing.T) {
	up := &fakeUpstream{agent: agentapi.Agent{Name: "Only Name"}}
	s := newTestServer(up)
	_, body := get(t, s.mux, "/api/config")

	if body["title"] != "Only Name" {
		t.Errorf("title = %v", body["title"])
	}
	if body["subtitle"] != "How can I help you today?" {
		t.Errorf("subtitle = %v, want default", body["subtitle"])
	}
}

func TestHandleConfig_UpstreamFailureUsesDefaults(t *testing.T) {
	up := &fakeUpstream{agentErr: errors.New("down")}
	s := newTestServer(up)
	w, body := get(t, s.mux, "/api/config?agentId=A1")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if body["title"] != "AI Assistant" {
		t.Errorf("title = %v", body["title"])
	}
}

func TestHandleAgentConfig(t *testing.T) {
	s := newTestServer(nil)
	_, body := get(t, s.mux, "/api/agent-config")
	if body["agentId"] != "default-agent" {
		t.Errorf("agentId = %v", body["agentId"])
	}

	s = NewServer(Config{})
	_, body = get(t, s.mux, "/api/agent-config")
	if _, ok := body["agentId"]; ok {
		t.Errorf("agentId should be absent, got %v", body["agentId"])
	}
}

func TestHandleWidgetConfig_RequiresAgent(t *testing.T) {
	s := NewServer(Config{})
	w, body := get(t, s.mux, "/api/widget-config")

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if !strings.HasPrefix(body["error"].(string), "Agent ID is required") {
		t.Errorf("error = %v", body["error"])
	}
}

func TestHandleWidgetConfig_PassThroughAndCache(t *testing.T) {
	up := &fakeUpstream{widget: json.RawMessage(`{"agent_id":"A1","widget_config":{"bg_color":"#101010"}}`)}
	s := newTestServer(up)

	for i := 0; i < 2; i++ {
		_, body := get(t, s.mux, "/api/widget-config?agentId=A1")
		wc, _ := body["widget_config"].(map[string]any)
		if wc["bg_color"] != "#101010" {
			t.Fatalf("body = %v", body)
		}
	}
	if n := up.widgetHits.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
}

func TestHandleWidgetConfig_Fallback(t *testing.T) {
	up := &fakeUpstream{widgetErr: errors.New("breaker open")}
	s := newTestServer(up)
	_, body := get(t, s.mux, "/api/widget-config?agentId=A9")

	if body["agent_id"] != "A9" {
		t.Errorf("agent_id = %v", body["agent_id"])
	}
	wc, _ := body["widget_config"].(map[string]any)
	if wc["bg_color"] != "#ffffff" {
		t.Errorf("bg_color = %v, want #ffffff", wc["bg_color"])
	}
}

func TestHandleEnvironment(t *testing.T) {
	s := NewServer(Config{Environment: "development"})
	_, body := get(t, s.mux, "/api/environment")
	if body["isDevelopment"] != true || body["environment"] != "development" {
		t.Errorf("body = %v", body)
	}

	s = NewServer(Config{})
	_, body = get(t, s.mux, "/api/environment")
	if body["isDevelopment"] != false || body["environment"] != "production" {
		t.Errorf("body = %v", body)
	}
}

func TestStaticAndWidgetDirs(t *testing.T) {
	static := t.TempDir()
	widget := t.TempDir()
	os.WriteFile(filepath.Join(static, "widget.js"), []byte("// embed"), 0o644)
	os.WriteFile(filepath.Join(widget, "index.html"), []byte("<div id=root></div>"), 0o644)

	s := NewServer(Config{StaticDir: static, WidgetDir: widget})

	w, _ := get(t, s.mux, "/widget.js")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "embed") {
		t.Errorf("widget.js: %d %q", w.Code, w.Body.String())
	}
	w, _ = get(t, s.mux, "/widget/")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "root") {
		t.Errorf("/widget/: %d %q", w.Code, w.Body.String())
	}
}

func TestMiddleware_CORSAndHeaders(t *testing.T) {
	s := newTestServer(nil)
	req := httptest.NewRequest("GET", "/api/health", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://shop.example.com" {
		t.Errorf("allow-origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("allow-credentials = %q", got)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("nosniff = %q", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "" {
		t.Errorf("X-Frame-Options = %q, want unset", got)
	}
}

func TestMiddleware_Gzip(t *testing.T) {
	up := &fakeUpstream{widget: json.RawMessage(`{"agent_id":"A1","widget_config":{"first_message":"` + strings.Repeat("hello ", 400) + `"}}`)}
	s := newTestServer(up)
	req := httptest.NewRequest("GET", "/api/widget-config?agentId=A1", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", got)
	}
}

func TestMiddleware_RateLimit(t *testing.T) {
	s := NewServer(Config{
		APILimit:    Limit{Requests: 100, Window: time.Minute},
		ConfigLimit: Limit{Requests: 2, Window: time.Minute},
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/api/config", nil)
		req.RemoteAddr = "203.0.113.7:5000"
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
			t.Error("missing Retry-After")
		}
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}

	// other IPs and other routes are unaffected
	req := httptest.NewRequest("GET", "/api/config", nil)
	req.RemoteAddr = "198.51.100.1:5000"
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("other ip status = %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/health", nil)
	req.RemoteAddr = "203.0.113.7:5000"
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if got := clientIP(req); got != "10.0.0.1" {
		t.Errorf("clientIP = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	if got := clientIP(req); got != "1.2.3.4" {
		t.Errorf("clientIP = %q", got)
	}
}
