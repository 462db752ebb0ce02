package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/dayuer/convai-widget/internal/confighub"
	"github.com/dayuer/convai-widget/internal/redis"
	"github.com/dayuer/convai-widget/internal/utils"
)

const errAgentRequired = "Agent ID is required. Please provide agentId in query parameter or set ELEVENLABS_AGENT_ID environment variable."

// agentID returns the ?agentId= query value or the configured default.
func (s *Server) agentID(r *http.Request) string {
	if id := r.URL.Query().Get("agentId"); id != "" {
		return id
	}
	return s.cfg.DefaultAgentID
}

func (s *Server) defaultHeader() confighub.Header {
	h := confighub.DefaultHeader()
	if s.cfg.Title != "" {
		h.Title = s.cfg.Title
	}
	if s.cfg.Subtitle != "" {
		h.Subtitle = s.cfg.Subtitle
	}
	return h
}

// handleConfig returns the header title and subtitle. With a known agent the
// agent's name and description replace the defaults.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	hdr := s.defaultHeader()
	agentID := s.agentID(r)
	if agentID == "" || s.upstream == nil {
		writeJSON(w, hdr)
		return
	}

	ctx := r.Context()
	key := redis.AgentConfigKey(agentID)
	var cached confighub.Header
	if s.cache.GetJSON(ctx, key, &cached) {
		writeJSON(w, cached)
		return
	}

	agent, err := s.upstream.Agent(ctx, agentID)
	if err != nil {
		log.Printf("[Server] ⚠️ agent %s lookup failed: %v (using defaults)", agentID, err)
		writeJSON(w, hdr)
		return
	}
	if agent.Name != "" {
		hdr.Title = agent.Name
	}
	if agent.Description != "" {
		hdr.Subtitle = agent.Description
	}
	s.cache.SetJSON(ctx, key, hdr)
	log.Printf("[Server] agent config loaded: agent=%s title=%q", agentID, hdr.Title)
	writeJSON(w, hdr)
}

func (s *Server) handleAgentConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, struct {
		AgentID string `json:"agentId,omitempty"`
	}{s.cfg.DefaultAgentID})
}

// handleWidgetConfig passes the upstream widget document through, falling
// back to the built-in appearance when the upstream is unavailable.
func (s *Server) handleWidgetConfig(w http.ResponseWriter, r *http.Request) {
	agentID := s.agentID(r)
	if agentID == "" {
		writeJSONError(w, errAgentRequired, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	key := redis.WidgetConfigKey(agentID)
	var cached json.RawMessage
	if s.cache.GetJSON(ctx, key, &cached) {
		writeRawJSON(w, cached)
		return
	}

	if s.upstream != nil {
		raw, err := s.upstream.Widget(ctx, agentID)
		if err == nil {
			s.cache.SetJSON(ctx, key, raw)
			writeRawJSON(w, raw)
			return
		}
		log.Printf("[Server] ⚠️ widget config %s failed: %v (using defaults)", agentID, err)
	}
	writeJSON(w, confighub.DefaultWidgetConfig(agentID))
}

func (s *Server) handleEnvironment(w http.ResponseWriter, _ *http.Request) {
	env := s.cfg.Environment
	if env == "" {
		env = "production"
	}
	writeJSON(w, map[string]any{
		"isDevelopment": env == "development" || s.cfg.Debug,
		"environment":   env,
		"debugMode":     s.cfg.Debug,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":        "ok",
		"timestamp":     utils.Timestamp(),
		"uptimeSeconds": int(time.Since(s.startTime).Seconds()),
		"chatSessions":  s.WSConnectionCount(),
	})
}

func (s *Server) handleTest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":    "success",
		"message":   "WebSocket-based chat widget is running",
		"timestamp": utils.Timestamp(),
	})
}

// handleChat is kept for old embeds; chat goes over /ws/chat.
func (s *Server) handleChat(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"message":   "This endpoint is deprecated. Use WebSocket connection instead.",
		"timestamp": utils.Timestamp(),
	})
}

func writeRawJSON(w http.ResponseWriter, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}
