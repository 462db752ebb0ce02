// Package config handles configuration loading, saving, and schema definition.
package config

import "time"

// Config is the top-level widget configuration.
// Uses camelCase keys in both JSON and YAML files.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Widget    WidgetConfig    `json:"widget" yaml:"widget"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	RateLimit RateLimitConfig `json:"rateLimit" yaml:"rateLimit"`
	Chat      ChatConfig      `json:"chat" yaml:"chat"`
	Embed     EmbedConfig     `json:"embed" yaml:"embed"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host        string `json:"host,omitempty" yaml:"host,omitempty"`
	Port        int    `json:"port,omitempty" yaml:"port,omitempty"`
	StaticDir   string `json:"staticDir,omitempty" yaml:"staticDir,omitempty"`
	WidgetDir   string `json:"widgetDir,omitempty" yaml:"widgetDir,omitempty"`
	Environment string `json:"environment,omitempty" yaml:"environment,omitempty"`
	Debug       bool   `json:"debug,omitempty" yaml:"debug,omitempty"`
}

// AgentConfig holds the hosted agent connection settings.
type AgentConfig struct {
	ID      string `json:"id,omitempty" yaml:"id,omitempty"`
	APIKey  string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	APIBase string `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	WSURL   string `json:"wsUrl,omitempty" yaml:"wsUrl,omitempty"`

	// BackendURL is where the terminal client reads widget settings from.
	BackendURL string `json:"backendUrl,omitempty" yaml:"backendUrl,omitempty"`
}

// WidgetConfig holds header defaults.
type WidgetConfig struct {
	Title    string `json:"title,omitempty" yaml:"title,omitempty"`
	Subtitle string `json:"subtitle,omitempty" yaml:"subtitle,omitempty"`
}

// CacheConfig holds upstream lookup caching.
type CacheConfig struct {
	TTLSeconds int    `json:"ttlSeconds,omitempty" yaml:"ttlSeconds,omitempty"`
	MaxKeys    int    `json:"maxKeys,omitempty" yaml:"maxKeys,omitempty"`
	RedisURL   string `json:"redisUrl,omitempty" yaml:"redisUrl,omitempty"`
}

// RateLimitConfig holds per-IP limits. Zero requests disables a limit.
type RateLimitConfig struct {
	APIRequests      int `json:"apiRequests,omitempty" yaml:"apiRequests,omitempty"`
	APIWindowSeconds int `json:"apiWindowSeconds,omitempty" yaml:"apiWindowSeconds,omitempty"`
	ConfigRequests   int `json:"configRequests,omitempty" yaml:"configRequests,omitempty"`
	ConfigWindowSecs int `json:"configWindowSeconds,omitempty" yaml:"configWindowSeconds,omitempty"`
}

// ChatConfig holds session timing.
type ChatConfig struct {
	FlushDelayMs int `json:"flushDelayMs,omitempty" yaml:"flushDelayMs,omitempty"`
	FocusDelayMs int `json:"focusDelayMs,omitempty" yaml:"focusDelayMs,omitempty"`

	// ResponseTimeoutSec of 0 disables the response watchdog.
	ResponseTimeoutSec int `json:"responseTimeoutSec" yaml:"responseTimeoutSec"`
}

// EmbedConfig holds host-page controller timing.
type EmbedConfig struct {
	ToggleDebounceMs int `json:"toggleDebounceMs,omitempty" yaml:"toggleDebounceMs,omitempty"`
	RemoveDelayMs    int `json:"removeDelayMs,omitempty" yaml:"removeDelayMs,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        3001,
			StaticDir:   "public",
			WidgetDir:   "client/build",
			Environment: "production",
		},
		Agent: AgentConfig{
			APIBase:    "https://api.elevenlabs.io",
			WSURL:      "wss://api.elevenlabs.io/v1/convai/conversation",
			BackendURL: "http://localhost:3001",
		},
		Widget: WidgetConfig{
			Title:    "AI Assistant",
			Subtitle: "How can I help you today?",
		},
		Cache: CacheConfig{
			TTLSeconds: 15 * 60,
			MaxKeys:    1000,
		},
		RateLimit: RateLimitConfig{
			APIRequests:      1000,
			APIWindowSeconds: 15 * 60,
			ConfigRequests:   60,
			ConfigWindowSecs: 60,
		},
		Chat: ChatConfig{
			FlushDelayMs:       500,
			FocusDelayMs:       100,
			ResponseTimeoutSec: 60,
		},
		Embed: EmbedConfig{
			ToggleDebounceMs: 300,
			RemoveDelayMs:    500,
		},
	}
}

// TTL returns the cache TTL as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// APIWindow returns the /api limit window.
func (r RateLimitConfig) APIWindow() time.Duration {
	return time.Duration(r.APIWindowSeconds) * time.Second
}

// ConfigWindow returns the config-route limit window.
func (r RateLimitConfig) ConfigWindow() time.Duration {
	return time.Duration(r.ConfigWindowSecs) * time.Second
}

// FlushDelay returns the queue flush delay.
func (c ChatConfig) FlushDelay() time.Duration {
	return time.Duration(c.FlushDelayMs) * time.Millisecond
}

// FocusDelay returns the input focus delay.
func (c ChatConfig) FocusDelay() time.Duration {
	return time.Duration(c.FocusDelayMs) * time.Millisecond
}

// ResponseTimeout returns the watchdog duration; negative means disabled.
func (c ChatConfig) ResponseTimeout() time.Duration {
	if c.ResponseTimeoutSec <= 0 {
		return -1
	}
	return time.Duration(c.ResponseTimeoutSec) * time.Second
}

// ToggleDebounce returns the embed toggle debounce window.
func (e EmbedConfig) ToggleDebounce() time.Duration {
	return time.Duration(e.ToggleDebounceMs) * time.Millisecond
}

// RemoveDelay returns how long a closed surface lingers before removal.
func (e EmbedConfig) RemoveDelay() time.Duration {
	return time.Duration(e.RemoveDelayMs) * time.Millisecond
}
