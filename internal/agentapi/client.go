// Package agentapi is the backend's client for the hosted agent REST API.
//
// Lookups:
//
//	GET {base}/v1/convai/agents/{id}         → agent (name, description)
//	GET {base}/v1/convai/agents/{id}/widget  → widget config (passed through)
//
// Identical concurrent lookups share one request, and a circuit breaker stops
// calling the upstream after repeated failures.
package agentapi

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
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dayuer/convai-widget/internal/breaker"
	"github.com/dayuer/convai-widget/internal/metrics"
)

// DefaultBaseURL is the hosted agent API.
const DefaultBaseURL = "https://api.elevenlabs.io"

// ErrNotFound is returned when the upstream has no such agent.
var ErrNotFound = errors.New("agent not found")

// Agent is the subset of the agent document the widget uses.
type Agent struct {
	AgentID     string `json:"agent_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Config configures a Client.
type Config struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	BreakerThreshold int
	BreakerWindow    time.Duration
}

// Client calls the agent API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *breaker.Breaker
	group      singleflight.Group
}

// New creates a client. Zero values use the defaults (10s timeout, breaker
// opening after 5 failures for 60s).
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker.New("agent_api", cfg.BreakerThreshold, cfg.BreakerWindow),
	}
}

// Breaker exposes the circuit breaker for status reporting.
func (c *Client) Breaker() *breaker.Breaker { return c.breaker }

// Agent fetches the agent document.
func (c *Client) Agent(ctx context.Context, agentID string) (Agent, error) {
	raw, err := c.fetch(ctx, "agent", agentID, "/v1/convai/agents/"+url.PathEscape(agentID))
	if err != nil {
		return Agent{}, err
	}
	var a Agent
	if err := json.Unmarshal(raw, &a); err != nil {
		return Agent{}, fmt.Errorf("decode agent %s: %w", agentID, err)
	}
	return a, nil
}

// Widget fetches the raw widget config document.
func (c *Client) Widget(ctx context.Context, agentID string) (json.RawMessage, error) {
	raw, err := c.fetch(ctx, "widget", agentID, "/v1/convai/agents/"+url.PathEscape(agentID)+"/widget")
	if err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("widget %s: upstream returned invalid JSON", agentID)
	}
	return json.RawMessage(raw), nil
}

func (c *Client) fetch(ctx context.Context, kind, agentID, path string) ([]byte, error) {
	v, err, shared := c.group.Do(kind+"_"+agentID, func() (any, error) {
		start := time.Now()
		var body []byte
		var notFound bool
		err := c.breaker.Do(func() error {
			var err error
			body, err = c.get(ctx, path)
			if errors.Is(err, ErrNotFound) {
				notFound = true
				return nil
			}
			return err
		})
		metrics.UpstreamDurationSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())

		switch {
		case errors.Is(err, breaker.ErrOpen):
			metrics.UpstreamRequestsTotal.WithLabelValues(kind, "breaker_open").Inc()
			return nil, err
		case err != nil:
			metrics.UpstreamRequestsTotal.WithLabelValues(kind, "error").Inc()
			log.Printf("[AgentAPI] ❌ %s %s: %v", kind, agentID, err)
			return nil, err
		case notFound:
			metrics.UpstreamRequestsTotal.WithLabelValues(kind, "not_found").Inc()
			return nil, fmt.Errorf("%s %s: %w", kind, agentID, ErrNotFound)
		}
		metrics.UpstreamRequestsTotal.WithLabelValues(kind, "ok").Inc()
		return body, nil
	})
	if shared {
		log.Printf("[AgentAPI] %s %s: shared in-flight request", kind, agentID)
	}
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("xi-api-key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("GET %s: HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
