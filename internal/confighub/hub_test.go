package confighub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// backend fakes the three lookups.
func backend(t *testing.T, widgetStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/agent-config", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"agentId": "agent-default"})
	})
	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Header{Title: "Support Bot " + r.URL.Query().Get("agentId"), Subtitle: "Ask me"})
	})
	mux.HandleFunc("/api/widget-config", func(w http.ResponseWriter, r *http.Request) {
		if widgetStatus != http.StatusOK {
			http.Error(w, `{"error":"upstream"}`, widgetStatus)
			return
		}
		w.Write([]byte(`{"agent_id":"` + r.URL.Query().Get("agentId") + `","widget_config":{"bg_color":"#101010","avatar":{"type":"image"},"language":"tr"}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_Fallback(t *testing.T) {
	hub := New(nil, DefaultSettings("A1"))
	got := hub.Current()
	if got.Header.Title != DefaultTitle {
		t.Errorf("Title = %q, want %q", got.Header.Title, DefaultTitle)
	}
	if got.Widget.Widget.BgColor != "#ffffff" {
		t.Errorf("BgColor = %q, want #ffffff", got.Widget.Widget.BgColor)
	}
}

func TestLoad_FromBackend(t *testing.T) {
	srv := backend(t, http.StatusOK)
	hub := New(NewClient(WithBaseURL(srv.URL+"/")), DefaultSettings(""))

	if err := hub.Load(context.Background(), "A1"); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	got := hub.Current()
	if got.AgentID != "A1" {
		t.Errorf("AgentID = %q, want A1", got.AgentID)
	}
	if got.Header.Title != "Support Bot A1" {
		t.Errorf("Title = %q", got.Header.Title)
	}
	if got.Widget.Widget.BgColor != "#101010" {
		t.Errorf("BgColor = %q, want #101010", got.Widget.Widget.BgColor)
	}
	if got.Widget.Widget.TextColor != "#000000" {
		t.Errorf("TextColor should be filled from defaults, got %q", got.Widget.Widget.TextColor)
	}
	if got.Widget.Widget.Avatar.Type != "image" || got.Widget.Widget.Avatar.Color1 != "#333333" {
		t.Errorf("Avatar = %+v", got.Widget.Widget.Avatar)
	}
}

func TestLoad_ResolvesDefaultAgent(t *testing.T) {
	srv := backend(t, http.StatusOK)
	hub := New(NewClient(WithBaseURL(srv.URL)), DefaultSettings(""))

	if err := hub.Load(context.Background(), ""); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := hub.Current().AgentID; got != "agent-default" {
		t.Errorf("AgentID = %q, want agent-default", got)
	}
}

func TestLoad_WidgetFailureFallsBack(t *testing.T) {
	srv := backend(t, http.StatusBadGateway)
	hub := New(NewClient(WithBaseURL(srv.URL)), DefaultSettings(""))

	err := hub.Load(context.Background(), "A1")
	if err == nil {
		t.Fatal("expected error from failing widget lookup")
	}
	got := hub.Current()
	if got.Widget.AgentID != "A1" {
		t.Errorf("Widget.AgentID = %q, want A1", got.Widget.AgentID)
	}
	if got.Widget.Widget.FirstMessage != DefaultFirstMessage {
		t.Errorf("FirstMessage = %q", got.Widget.Widget.FirstMessage)
	}
	if got.Header.Title != "Support Bot A1" {
		t.Errorf("header should still load, got %q", got.Header.Title)
	}
}

func TestLoad_BackendDown_KeepsDefaults(t *testing.T) {
	hub := New(NewClient(WithBaseURL("http://localhost:1")), DefaultSettings("A1"))

	if err := hub.Load(context.Background(), ""); err == nil {
		t.Fatal("expected error from unreachable backend")
	}
	got := hub.Current()
	if got.AgentID != "A1" {
		t.Errorf("AgentID = %q, want A1", got.AgentID)
	}
	if got.Header != DefaultHeader() {
		t.Errorf("Header = %+v, want defaults", got.Header)
	}
}

func TestLoad_NoClient(t *testing.T) {
	hub := New(nil, DefaultSettings(""))
	if err := hub.Load(context.Background(), "A9"); err != nil {
		t.Errorf("Load with no client should not error, got: %v", err)
	}
	if got := hub.Current().AgentID; got != "A9" {
		t.Errorf("AgentID = %q, want A9", got)
	}
}

func TestDefaultAgentID(t *testing.T) {
	srv := backend(t, http.StatusOK)

	hub := New(NewClient(WithBaseURL(srv.URL)), DefaultSettings("bound"))
	if id, _ := hub.DefaultAgentID(context.Background()); id != "bound" {
		t.Errorf("bound id = %q", id)
	}

	hub = New(NewClient(WithBaseURL(srv.URL)), DefaultSettings(""))
	id, err := hub.DefaultAgentID(context.Background())
	if err != nil || id != "agent-default" {
		t.Errorf("DefaultAgentID() = %q, %v", id, err)
	}
}

func TestApply_FiresCallbacks(t *testing.T) {
	hub := New(nil, DefaultSettings("old"))

	var called atomic.Int32
	hub.OnChange(func(s Settings) {
		called.Add(1)
		if s.AgentID != "new" {
			t.Errorf("callback got AgentID = %q, want new", s.AgentID)
		}
	})

	hub.Apply(DefaultSettings("new"))
	if called.Load() != 1 {
		t.Errorf("callback called %d times, want 1", called.Load())
	}
}

func TestAppearance_WithDefaults(t *testing.T) {
	a := Appearance{BtnColor: "#ff0000"}.WithDefaults()
	if a.BtnColor != "#ff0000" {
		t.Errorf("BtnColor overwritten: %q", a.BtnColor)
	}
	if a.BorderColor != "#e1e1e1" || a.Avatar.Type != "orb" {
		t.Errorf("defaults not applied: %+v", a)
	}
}

func TestWidgetConfig_JSONShape(t *testing.T) {
	data, err := json.Marshal(DefaultWidgetConfig("A1"))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	json.Unmarshal(data, &m)
	wc, ok := m["widget_config"].(map[string]any)
	if !ok || m["agent_id"] != "A1" {
		t.Fatalf("unexpected shape: %s", data)
	}
	avatar := wc["avatar"].(map[string]any)
	if avatar["color_1"] != "#333333" {
		t.Errorf("avatar.color_1 = %v", avatar["color_1"])
	}
}
