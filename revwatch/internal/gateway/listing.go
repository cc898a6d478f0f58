package gateway

import (
	"errors"
	"strconv"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/hazyhaar/revwatch/revwatch/review"
)

// Fallback values when an item lacks a field.
const (
	UnknownAuthor = "Unknown Author"
	UnknownDate   = "Unknown Date"
	NoBody        = "N/A"
)

var errNoCountMarkers = errors.New("no review count markers on page (layout changed?)")

// Selectors locate counts and items on a source's pages. "{bucket}" in
// Count is replaced by the bucket number.
type Selectors struct {
	Count     string `yaml:"count"`
	Item      string `yaml:"item"`
	ItemID    string `yaml:"item_id_attr"`
	Author    string `yaml:"author"`
	DateScope string `yaml:"date_scope"`
	Date      string `yaml:"date"`
	Body      string `yaml:"body"`
}

// DefaultSelectors match the Shopify app store review pages.
func DefaultSelectors() Selectors {
	return Selectors{
		Count:     `a[href*="ratings%5B%5D={bucket}"] span.link-block--underline`,
		Item:      `div[data-review-content-id]`,
		ItemID:    `data-review-content-id`,
		Author:    `span[title]`,
		DateScope: `.lg\:tw-order-2`,
		Date:      `.tw-text-body-xs.tw-text-fg-tertiary`,
		Body:      `div[data-truncate-content-copy]`,
	}
}

func (s *Selectors) defaults() {
	d := DefaultSelectors()
	if s.Count == "" {
		s.Count = d.Count
	}
	if s.Item == "" {
		s.Item = d.Item
	}
	if s.ItemID == "" {
		s.ItemID = d.ItemID
	}
	if s.Author == "" {
		s.Author = d.Author
	}
	if s.DateScope == "" {
		s.DateScope = d.DateScope
	}
	if s.Date == "" {
		s.Date = d.Date
	}
	if s.Body == "" {
		s.Body = d.Body
	}
}

func (s Selectors) countFor(b review.Bucket) string {
	return strings.ReplaceAll(s.Count, "{bucket}", strconv.Itoa(int(b)))
}

// countAny matches the count element of any bucket.
func (s Selectors) countAny() string {
	return strings.ReplaceAll(s.Count, "{bucket}", "")
}

// parseCount reads the total of bucket b from a source overview page.
// A page showing other buckets but not b has zero reviews in b.
func parseCount(doc *html.Node, sel Selectors, b review.Bucket) (int, error) {
	if n := querySelector(doc, sel.countFor(b)); n != nil {
		return ParseCount(textOf(n))
	}
	if querySelector(doc, sel.countAny()) != nil {
		return 0, nil
	}
	return 0, errNoCountMarkers
}

func hasCountMarkers(sel Selectors) func(*html.Node) bool {
	return func(doc *html.Node) bool { return querySelector(doc, sel.countAny()) != nil }
}

func hasItems(sel Selectors) func(*html.Node) bool {
	return func(doc *html.Node) bool { return querySelector(doc, sel.Item) != nil }
}

// bodyRenderer turns a review body fragment into sanitised markdown.
type bodyRenderer struct {
	policy *bluemonday.Policy
	conv   *converter.Converter
}

func newBodyRenderer() *bodyRenderer {
	return &bodyRenderer{
		policy: bluemonday.UGCPolicy(),
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}
}

func (r *bodyRenderer) render(n *html.Node) string {
	if n == nil {
		return NoBody
	}
	clean := r.policy.Sanitize(innerHTML(n))
	md, err := r.conv.ConvertString(clean)
	if md = strings.TrimSpace(md); err != nil || md == "" {
		if text := textOf(n); text != "" {
			return text
		}
		return NoBody
	}
	return md
}

// parseItems extracts the listing items in document order (newest first).
// Items without an id are dropped.
func parseItems(doc *html.Node, src Source, body *bodyRenderer) []review.Item {
	sel := src.Selectors
	var items []review.Item
	for _, n := range querySelectorAll(doc, sel.Item) {
		id := strings.TrimSpace(getAttr(n, sel.ItemID))
		if id == "" {
			continue
		}

		author := textOf(querySelector(n, sel.Author))
		if author == "" {
			author = UnknownAuthor
		}

		scope := querySelector(n, sel.DateScope)
		if scope == nil {
			scope = n
		}
		date := textOf(querySelector(scope, sel.Date))
		if date == "" {
			date = UnknownDate
		}

		items = append(items, review.Item{
			ID:        id,
			Author:    author,
			Timestamp: date,
			Body:      body.render(querySelector(n, sel.Body)),
			URI:       src.itemURL(id),
		})
	}
	return items
}
