// Package confighub fetches the widget's presentation settings from the
// backend and keeps the active copy.
//
// Settings priority (highest wins):
//
//	Layer 3: Runtime apply (Apply)
//	Layer 2: Backend fetch (GET /api/agent-config, /api/config, /api/widget-config)
//	Layer 1: Built-in defaults
//
// A failed fetch never blocks the chat: the previous layer stays in effect.
package confighub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Client reads the three lookups the backend exposes.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the backend base URL, e.g. http://localhost:3001.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a backend client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    "http://localhost:3001",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func agentQuery(agentID string) url.Values {
	if agentID == "" {
		return nil
	}
	return url.Values{"agentId": {agentID}}
}

// DefaultAgentID asks the backend for its configured agent id.
func (c *Client) DefaultAgentID(ctx context.Context) (string, error) {
	var body struct {
		AgentID string `json:"agentId"`
	}
	if err := c.get(ctx, "/api/agent-config", nil, &body); err != nil {
		return "", err
	}
	return body.AgentID, nil
}

// Header fetches title and subtitle for agentID.
func (c *Client) Header(ctx context.Context, agentID string) (Header, error) {
	var h Header
	if err := c.get(ctx, "/api/config", agentQuery(agentID), &h); err != nil {
		return Header{}, err
	}
	return h, nil
}

// WidgetConfig fetches the widget config for agentID.
func (c *Client) WidgetConfig(ctx context.Context, agentID string) (WidgetConfig, error) {
	var wc WidgetConfig
	if err := c.get(ctx, "/api/widget-config", agentQuery(agentID), &wc); err != nil {
		return WidgetConfig{}, err
	}
	return wc, nil
}

// Hub holds the active settings.
type Hub struct {
	mu       sync.RWMutex
	client   *Client
	current  Settings
	onChange []func(Settings)
}

// New creates a Hub seeded with fallback. A nil client disables fetching.
func New(client *Client, fallback Settings) *Hub {
	return &Hub{client: client, current: fallback}
}

// Current returns the active settings.
func (h *Hub) Current() Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// OnChange registers a callback invoked synchronously after each Apply.
func (h *Hub) OnChange(fn func(Settings)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// DefaultAgentID returns the active agent id, asking the backend when unset.
func (h *Hub) DefaultAgentID(ctx context.Context) (string, error) {
	if id := h.Current().AgentID; id != "" {
		return id, nil
	}
	if h.client == nil {
		return "", nil
	}
	return h.client.DefaultAgentID(ctx)
}

// Load resolves settings for agentID. Each lookup that fails keeps the
// current value for its part; the combined error is returned after the
// result has been applied.
func (h *Hub) Load(ctx context.Context, agentID string) error {
	next := h.Current()
	if h.client == nil {
		log.Println("[ConfigHub] No backend configured, using built-in settings")
		if agentID != "" {
			next.AgentID = agentID
		}
		h.Apply(next)
		return nil
	}

	var errs []error
	if agentID == "" {
		agentID = next.AgentID
	}
	if agentID == "" {
		id, err := h.client.DefaultAgentID(ctx)
		if err != nil {
			log.Printf("[ConfigHub] ⚠️ agent id lookup failed: %v", err)
			errs = append(errs, err)
		}
		agentID = id
	}
	next.AgentID = agentID

	if hdr, err := h.client.Header(ctx, agentID); err != nil {
		log.Printf("[ConfigHub] ⚠️ header fetch failed: %v (keeping %q)", err, next.Header.Title)
		errs = append(errs, err)
	} else {
		if hdr.Title == "" {
			hdr.Title = next.Header.Title
		}
		if hdr.Subtitle == "" {
			hdr.Subtitle = next.Header.Subtitle
		}
		next.Header = hdr
	}

	if agentID != "" {
		if wc, err := h.client.WidgetConfig(ctx, agentID); err != nil {
			log.Printf("[ConfigHub] ⚠️ widget config fetch failed: %v (using defaults)", err)
			errs = append(errs, err)
			next.Widget = DefaultWidgetConfig(agentID)
		} else {
			if wc.AgentID == "" {
				wc.AgentID = agentID
			}
			wc.Widget = wc.Widget.WithDefaults()
			next.Widget = wc
		}
	}

	h.Apply(next)
	return errors.Join(errs...)
}

// Apply sets new settings and fires all OnChange callbacks.
func (h *Hub) Apply(s Settings) {
	h.mu.Lock()
	old := h.current
	h.current = s
	callbacks := make([]func(Settings), len(h.onChange))
	copy(callbacks, h.onChange)
	h.mu.Unlock()

	log.Printf("[ConfigHub] ✅ Settings updated: agent=%s title=%q", s.AgentID, s.Header.Title)
	if old.AgentID != s.AgentID && old.AgentID != "" {
		log.Printf("[ConfigHub]   agent: %s → %s", old.AgentID, s.AgentID)
	}

	for _, fn := range callbacks {
		fn(s)
	}
}
