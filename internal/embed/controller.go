// Package embed owns the lifecycle of the chat surface on a host page: one
// Controller per page opens, closes and toggles it.
package embed

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dayuer/convai-widget/internal/protocol"
)

// Surface is one instance of the chat surface.
type Surface interface {
	// PostControl delivers a control message across the embedding boundary.
	PostControl(msg protocol.ControlMessage)
	// Remove destroys the surface.
	Remove()
}

// SurfaceFactory creates a fresh surface bound to agentID.
type SurfaceFactory func(agentID string) (Surface, error)

// Config configures a Controller.
type Config struct {
	AgentID        string
	ToggleDebounce time.Duration
	RemoveDelay    time.Duration
}

// DefaultConfig returns the standard debounce and removal delays.
func DefaultConfig() Config {
	return Config{
		ToggleDebounce: 300 * time.Millisecond,
		RemoveDelay:    500 * time.Millisecond,
	}
}

// Controller opens and closes the chat surface.
type Controller struct {
	cfg     Config
	factory SurfaceFactory

	now       func() time.Time
	afterFunc func(time.Duration, func())

	mu         sync.Mutex
	open       bool
	surface    Surface
	lastToggle time.Time
}

// NewController creates a closed controller.
func NewController(cfg Config, factory SurfaceFactory) *Controller {
	return &Controller{
		cfg:       cfg,
		factory:   factory,
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

// IsOpen reports whether a surface is shown.
func (c *Controller) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Current returns the open surface, nil when closed.
func (c *Controller) Current() Surface {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.surface
}

// Open shows a freshly created surface. Opening while open is a no-op.
func (c *Controller) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked()
}

func (c *Controller) openLocked() error {
	if c.open {
		return nil
	}
	s, err := c.factory(c.cfg.AgentID)
	if err != nil {
		return fmt.Errorf("create chat surface: %w", err)
	}
	c.surface = s
	c.open = true
	log.Printf("[Embed] opened surface (agent=%s)", c.cfg.AgentID)
	return nil
}

// Close asks the surface to disconnect and clear, then removes that surface
// after RemoveDelay. Closing while closed is a no-op.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Controller) closeLocked() {
	if !c.open {
		return
	}
	s := c.surface
	c.surface = nil
	c.open = false
	s.PostControl(protocol.DisconnectAndClear())
	c.afterFunc(c.cfg.RemoveDelay, s.Remove)
	log.Printf("[Embed] closed surface, removal in %s", c.cfg.RemoveDelay)
}

// Toggle flips between open and closed. Toggles within ToggleDebounce of the
// previous accepted toggle are ignored. It returns whether the surface is open.
func (c *Controller) Toggle() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.lastToggle.IsZero() && now.Sub(c.lastToggle) < c.cfg.ToggleDebounce {
		return c.open, nil
	}
	c.lastToggle = now

	if c.open {
		c.closeLocked()
		return false, nil
	}
	if err := c.openLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// Shutdown removes any surface immediately without the removal delay.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.surface != nil {
		c.surface.PostControl(protocol.DisconnectAndClear())
		c.surface.Remove()
	}
	c.surface = nil
	c.open = false
}
