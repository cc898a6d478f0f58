// Package gateway retrieves review counts and listings for tracked entities.
//
// Pages are fetched with a plain HTTP GET first and, in auto mode, with a
// headless stealth browser when the response is unusable. Callers only see
// FetchCount and FetchSnapshot; every failure wraps review.ErrUnavailable.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/revwatch/revwatch/review"
)

// Mode selects how pages are acquired.
type Mode string

const (
	ModeAuto    Mode = "auto"    // HTTP, then browser when HTTP is unusable
	ModeHTTP    Mode = "http"    // HTTP only
	ModeBrowser Mode = "browser" // browser only
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAuto, ModeHTTP, ModeBrowser:
		return true
	}
	return false
}

// DefaultUserAgent is a desktop Chrome UA, so HTTP and browser requests look alike.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config configures page acquisition.
type Config struct {
	Mode      Mode          `yaml:"mode"`
	Timeout   time.Duration `yaml:"timeout"`
	Settle    time.Duration `yaml:"settle"`
	UserAgent string        `yaml:"user_agent"`
	MaxBytes  int64         `yaml:"max_bytes"`

	Browser BrowserConfig `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Mode == "" {
		c.Mode = ModeAuto
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Settle < 0 {
		c.Settle = 0
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
}

// Default URL templates for Shopify app store listings.
const (
	DefaultListURL = "{url}/reviews?ratings%5B%5D={bucket}&sort_by=newest"
	DefaultItemURL = "https://apps.shopify.com/reviews/{id}"
)

// Source is one reviewed product.
type Source struct {
	ID        string    `yaml:"id"`
	Name      string    `yaml:"name"`
	URL       string    `yaml:"url"`
	ListURL   string    `yaml:"list_url"`
	ItemURL   string    `yaml:"item_url"`
	Selectors Selectors `yaml:"selectors"`
}

// Defaults fills unset templates and selectors.
func (s *Source) Defaults() {
	if s.Name == "" {
		s.Name = s.ID
	}
	if s.ListURL == "" {
		s.ListURL = DefaultListURL
	}
	if s.ItemURL == "" {
		s.ItemURL = DefaultItemURL
	}
	s.Selectors.defaults()
}

// Validate checks the fields a fetch depends on.
func (s Source) Validate() error {
	if s.ID == "" {
		return errors.New("source id is required")
	}
	if strings.Contains(s.ID, ":") {
		return fmt.Errorf("source %q: id must not contain ':'", s.ID)
	}
	u, err := url.Parse(s.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("source %q: invalid url %q", s.ID, s.URL)
	}
	return nil
}

func (s Source) listURL(b review.Bucket) string {
	r := strings.NewReplacer("{url}", strings.TrimRight(s.URL, "/"), "{bucket}", strconv.Itoa(int(b)))
	return r.Replace(s.ListURL)
}

func (s Source) itemURL(id string) string {
	return strings.ReplaceAll(s.ItemURL, "{id}", url.PathEscape(id))
}

// Renderer produces the DOM of a page after its scripts ran.
type Renderer interface {
	Render(ctx context.Context, pageURL string) ([]byte, error)
	Close() error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient sets the client used by the HTTP path.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// WithRenderer replaces the headless Chrome renderer.
func WithRenderer(r Renderer) Option {
	return func(g *Gateway) { g.browser = r }
}

// Gateway fetches counts and listings. Calls are serialised: the browser
// is a single resource shared by every entity.
type Gateway struct {
	cfg     Config
	sources map[string]Source
	client  *http.Client
	http    *httpFetcher
	browser Renderer
	body    *bodyRenderer
	logger  *slog.Logger

	mu         sync.Mutex
	countPages map[string]*html.Node
}

// New creates a Gateway over sources. Sources are defaulted and validated.
func New(cfg Config, sources []Source, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	cfg.defaults()
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("gateway: unknown mode %q", cfg.Mode)
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		cfg:        cfg,
		sources:    make(map[string]Source, len(sources)),
		body:       newBodyRenderer(),
		logger:     logger,
		countPages: make(map[string]*html.Node),
	}
	for _, s := range sources {
		s.Defaults()
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
		if _, dup := g.sources[s.ID]; dup {
			return nil, fmt.Errorf("gateway: duplicate source %q", s.ID)
		}
		g.sources[s.ID] = s
	}
	for _, o := range opts {
		o(g)
	}

	g.http = newHTTPFetcher(g.client, cfg.UserAgent, cfg.MaxBytes, cfg.Timeout, logger)
	if g.browser == nil {
		g.browser = newChrome(cfg.Browser, cfg.UserAgent, cfg.Settle, logger)
	}
	return g, nil
}

// Source returns the configured source with the given id.
func (g *Gateway) Source(id string) (Source, bool) {
	s, ok := g.sources[id]
	return s, ok
}

// FetchCount returns the total number of reviews in e's bucket.
func (g *Gateway) FetchCount(ctx context.Context, e review.Entity) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	src, ok := g.sources[e.Source]
	if !ok {
		return 0, unavailable("count", e, errors.New("unknown source"))
	}

	doc, cached := g.countPages[src.ID]
	if !cached {
		var err error
		doc, err = g.resolve(ctx, src.URL, hasCountMarkers(src.Selectors))
		if err != nil {
			return 0, unavailable("count", e, err)
		}
		g.countPages[src.ID] = doc
	}

	n, err := parseCount(doc, src.Selectors, e.Bucket)
	if err != nil {
		return 0, unavailable("count", e, err)
	}
	g.logger.Debug("gateway: count", "entity", e.Key(), "count", n, "cached", cached)
	return n, nil
}

// FetchSnapshot returns the listing of e's bucket, newest first. An empty
// listing is valid.
func (g *Gateway) FetchSnapshot(ctx context.Context, e review.Entity) ([]review.Item, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	src, ok := g.sources[e.Source]
	if !ok {
		return nil, unavailable("snapshot", e, errors.New("unknown source"))
	}

	doc, err := g.resolve(ctx, src.listURL(e.Bucket), hasItems(src.Selectors))
	if err != nil {
		return nil, unavailable("snapshot", e, err)
	}
	items := parseItems(doc, src, g.body)
	g.logger.Debug("gateway: snapshot", "entity", e.Key(), "items", len(items))
	return items, nil
}

// Reset forgets cached count pages. Call it between runs.
func (g *Gateway) Reset() {
	g.mu.Lock()
	clear(g.countPages)
	g.mu.Unlock()
}

// Close releases the browser, if one was started.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.browser.Close()
}

// resolve acquires pageURL according to the mode. In auto mode the HTTP
// document is kept when it satisfies usable, or when the browser fails too.
func (g *Gateway) resolve(ctx context.Context, pageURL string, usable func(*html.Node) bool) (*html.Node, error) {
	switch g.cfg.Mode {
	case ModeHTTP:
		return g.viaHTTP(ctx, pageURL)
	case ModeBrowser:
		return g.viaBrowser(ctx, pageURL)
	}

	doc, httpErr := g.viaHTTP(ctx, pageURL)
	if httpErr == nil && usable(doc) {
		return doc, nil
	}
	reason := "missing markers"
	if httpErr != nil {
		reason = httpErr.Error()
	}
	g.logger.Info("gateway: escalating to browser", "url", pageURL, "reason", reason)

	bdoc, browserErr := g.viaBrowser(ctx, pageURL)
	if browserErr == nil {
		return bdoc, nil
	}
	if doc != nil {
		g.logger.Warn("gateway: browser failed, using http page", "url", pageURL, "error", browserErr)
		return doc, nil
	}
	return nil, errors.Join(httpErr, browserErr)
}

func (g *Gateway) viaHTTP(ctx context.Context, pageURL string) (*html.Node, error) {
	body, err := g.http.fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return parseHTML(body)
}

func (g *Gateway) viaBrowser(ctx context.Context, pageURL string) (*html.Node, error) {
	rctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout+g.cfg.Settle)
	defer cancel()
	body, err := g.browser.Render(rctx, pageURL)
	if err != nil {
		return nil, err
	}
	return parseHTML(body)
}

func parseHTML(body []byte) (*html.Node, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gateway: parse html: %w", err)
	}
	return doc, nil
}

func unavailable(op string, e review.Entity, err error) error {
	return fmt.Errorf("gateway: %s %s: %w: %w", op, e, review.ErrUnavailable, err)
}
