package gateway

import (
	"strings"

	"golang.org/x/net/html"
)

// Supported selector subset, enough for review listings:
//   - tag, .class (repeatable), #id, and any combination: "div.a.b"
//   - [attr], [attr=val], [attr*=val], [attr^=val], [attr$=val]
//   - escaped characters in identifiers: ".lg\:tw-order-2"
//   - descendant combinator (whitespace)
type compound struct {
	tag     string
	id      string
	classes []string
	attrs   []attrMatch
}

type attrMatch struct {
	key string
	op  string // "", "=", "*=", "^=", "$="
	val string
}

// parseSelector splits sel on whitespace outside brackets and quotes and
// parses each compound.
func parseSelector(sel string) []compound {
	var parts []string
	var cur strings.Builder
	depth := 0
	var quote rune
	escaped := false
	for _, r := range sel {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
			continue
		case r == '\\':
			cur.WriteRune(r)
			escaped = true
			continue
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			if depth > 0 {
				quote = r
			}
		case r == '[':
			depth++
		case r == ']':
			depth--
		case depth == 0 && (r == ' ' || r == '\t' || r == '\n'):
			if cur.Len() > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			}
			continue
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}

	out := make([]compound, 0, len(parts))
	for _, p := range parts {
		out = append(out, parseCompound(p))
	}
	return out
}

func parseCompound(s string) compound {
	var c compound
	i := 0
	c.tag, i = readIdent(s, i)
	for i < len(s) {
		switch s[i] {
		case '.':
			var cls string
			cls, i = readIdent(s, i+1)
			c.classes = append(c.classes, cls)
		case '#':
			c.id, i = readIdent(s, i+1)
		case '[':
			end := closingBracket(s, i)
			c.attrs = append(c.attrs, parseAttr(s[i+1:end]))
			i = end + 1
		default:
			i++
		}
	}
	return c
}

// readIdent reads an identifier starting at i, resolving backslash escapes.
func readIdent(s string, i int) (string, int) {
	var b strings.Builder
	for i < len(s) {
		ch := s[i]
		if ch == '\\' && i+1 < len(s) {
			b.WriteByte(s[i+1])
			i += 2
			continue
		}
		if ch == '.' || ch == '#' || ch == '[' {
			break
		}
		b.WriteByte(ch)
		i++
	}
	return b.String(), i
}

func closingBracket(s string, open int) int {
	var quote byte
	for i := open + 1; i < len(s); i++ {
		switch {
		case quote != 0:
			if s[i] == quote {
				quote = 0
			}
		case s[i] == '"' || s[i] == '\'':
			quote = s[i]
		case s[i] == ']':
			return i
		}
	}
	return len(s)
}

func parseAttr(body string) attrMatch {
	eq := strings.IndexByte(body, '=')
	if eq < 0 {
		return attrMatch{key: strings.TrimSpace(body)}
	}
	key := body[:eq]
	op := "="
	if eq > 0 && strings.ContainsRune("*^$", rune(body[eq-1])) {
		op = body[eq-1:eq+1]
		key = body[:eq-1]
	}
	val := strings.TrimSpace(body[eq+1:])
	val = strings.Trim(val, `"'`)
	return attrMatch{key: strings.TrimSpace(key), op: op, val: val}
}

func (c compound) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if c.tag != "" && c.tag != "*" && n.Data != c.tag {
		return false
	}
	if c.id != "" && getAttr(n, "id") != c.id {
		return false
	}
	if len(c.classes) > 0 {
		have := strings.Fields(getAttr(n, "class"))
		for _, want := range c.classes {
			if !contains(have, want) {
				return false
			}
		}
	}
	for _, a := range c.attrs {
		val, ok := lookupAttr(n, a.key)
		if !ok {
			return false
		}
		switch a.op {
		case "=":
			ok = val == a.val
		case "*=":
			ok = strings.Contains(val, a.val)
		case "^=":
			ok = strings.HasPrefix(val, a.val)
		case "$=":
			ok = strings.HasSuffix(val, a.val)
		}
		if !ok {
			return false
		}
	}
	return true
}

// querySelectorAll returns the descendants of root matching sel, in
// document order, without duplicates. root itself never matches.
func querySelectorAll(root *html.Node, sel string) []*html.Node {
	parts := parseSelector(sel)
	if root == nil || len(parts) == 0 {
		return nil
	}
	scopes := []*html.Node{root}
	for _, part := range parts {
		var next []*html.Node
		seen := make(map[*html.Node]bool)
		for _, scope := range scopes {
			for _, n := range descendants(scope, part) {
				if !seen[n] {
					seen[n] = true
					next = append(next, n)
				}
			}
		}
		scopes = next
		if len(scopes) == 0 {
			return nil
		}
	}
	return scopes
}

// querySelector returns the first match of sel under root, or nil.
func querySelector(root *html.Node, sel string) *html.Node {
	if all := querySelectorAll(root, sel); len(all) > 0 {
		return all[0]
	}
	return nil
}

func descendants(root *html.Node, c compound) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			if c.matches(ch) {
				out = append(out, ch)
			}
			walk(ch)
		}
	}
	walk(root)
	return out
}

func getAttr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// textOf returns the visible text of n with whitespace collapsed.
func textOf(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
			return
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// innerHTML renders the children of n.
func innerHTML(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		html.Render(&b, c)
	}
	return b.String()
}
