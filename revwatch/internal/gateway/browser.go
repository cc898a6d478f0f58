package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// BrowserConfig configures the headless Chrome path.
type BrowserConfig struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty launches a local headless Chrome.
	RemoteURL string `yaml:"remote"`

	// ResourceBlocking lists resource types never loaded (images, fonts, media, stylesheets).
	ResourceBlocking []string `yaml:"resource_blocking"`

	Width     int  `yaml:"width"`
	Height    int  `yaml:"height"`
	NoSandbox bool `yaml:"no_sandbox"`
}

func (c *BrowserConfig) defaults() {
	if c.Width <= 0 {
		c.Width = 1920
	}
	if c.Height <= 0 {
		c.Height = 1080
	}
	if c.ResourceBlocking == nil {
		c.ResourceBlocking = []string{"images", "fonts", "media"}
	}
}

var _ Renderer = (*chrome)(nil)

// chrome renders pages in one lazily started browser, one tab at a time.
type chrome struct {
	cfg    BrowserConfig
	ua     string
	settle time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

func newChrome(cfg BrowserConfig, ua string, settle time.Duration, logger *slog.Logger) *chrome {
	cfg.defaults()
	return &chrome{cfg: cfg, ua: ua, settle: settle, logger: logger}
}

func (c *chrome) start() (*rod.Browser, error) {
	if c.browser != nil {
		return c.browser, nil
	}

	var wsURL string
	if c.cfg.RemoteURL != "" {
		wsURL = c.cfg.RemoteURL
		c.logger.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Headless(true)
		l = l.Set("disable-blink-features", "AutomationControlled")
		if c.cfg.NoSandbox {
			l = l.NoSandbox(true)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		c.lnch = l
		c.logger.Info("browser: launched local chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		c.cleanup()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	c.browser = b
	return b, nil
}

// Render opens a stealth tab, waits for the page to settle and returns
// the serialised DOM.
func (c *chrome) Render(ctx context.Context, pageURL string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := c.start()
	if err != nil {
		return nil, err
	}

	page, err := stealth.Page(b)
	if err != nil {
		// A dead browser is relaunched on the next call.
		c.cleanup()
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	defer page.Close()

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             c.cfg.Width,
		Height:            c.cfg.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		c.logger.Warn("browser: set viewport", "error", err)
	}
	if c.ua != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: c.ua}); err != nil {
			c.logger.Warn("browser: set user agent", "error", err)
		}
	}

	if len(c.cfg.ResourceBlocking) > 0 {
		router := blockResources(page, c.cfg.ResourceBlocking)
		defer router.Stop()
	}

	p := page.Context(ctx)
	if err := p.Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		c.logger.Warn("browser: wait load", "url", pageURL, "error", err)
	}

	if c.settle > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.settle):
		}
	}

	res, err := p.Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("browser: get DOM: %w", err)
	}
	return []byte(res.Value.Str()), nil
}

// Close shuts the browser down. Safe to call when it never started.
func (c *chrome) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanup()
	return nil
}

func (c *chrome) cleanup() {
	if c.browser != nil {
		c.browser.Close()
		c.browser = nil
	}
	if c.lnch != nil {
		c.lnch.Cleanup()
		c.lnch = nil
	}
}

func blockResources(page *rod.Page, types []string) *rod.HijackRouter {
	blockSet := make(map[string]bool, len(types))
	for _, t := range types {
		blockSet[strings.ToLower(t)] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(blockSet, string(h.Request.Type())) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

func shouldBlock(blockSet map[string]bool, resType string) bool {
	switch lower := strings.ToLower(resType); lower {
	case "image":
		return blockSet["images"]
	case "font":
		return blockSet["fonts"]
	case "media":
		return blockSet["media"]
	case "stylesheet":
		return blockSet["stylesheets"]
	default:
		return blockSet[lower]
	}
}
