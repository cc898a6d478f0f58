package gateway

import "testing"

func TestQuerySelectorAll(t *testing.T) {
	doc := mustParse(t, `<html><body>
<div id="main" class="a b">
  <p class="x">one</p>
  <section><p class="x y" data-k="foo-bar">two</p></section>
</div>
<p class="x">three</p>
<span class="lg:tw-order-2">esc</span>
</body></html>`)

	tests := []struct {
		sel  string
		want int
	}{
		{"p", 3},
		{"p.x", 3},
		{"p.x.y", 1},
		{"#main p", 2},
		{"div.a.b p.x", 2},
		{"div.a.c p", 0},
		{"[data-k]", 1},
		{`p[data-k="foo-bar"]`, 1},
		{`p[data-k*="o-b"]`, 1},
		{`p[data-k^="foo"]`, 1},
		{`p[data-k$="bar"]`, 1},
		{`p[data-k^="bar"]`, 0},
		{`.lg\:tw-order-2`, 1},
		{"section", 1},
		{"", 0},
	}
	for _, tt := range tests {
		if got := len(querySelectorAll(doc, tt.sel)); got != tt.want {
			t.Errorf("%q: got %d matches, want %d", tt.sel, got, tt.want)
		}
	}
}

func TestQuerySelectorDocumentOrderNoDuplicates(t *testing.T) {
	// Nested divs both match "div", so "div p" reaches the inner p twice.
	doc := mustParse(t, `<div><div><p id="p1">a</p></div><p id="p2">b</p></div>`)
	got := querySelectorAll(doc, "div p")
	if len(got) != 2 {
		t.Fatalf("got %d, want 2", len(got))
	}
	if getAttr(got[0], "id") != "p1" || getAttr(got[1], "id") != "p2" {
		t.Fatalf("order: %s, %s", getAttr(got[0], "id"), getAttr(got[1], "id"))
	}
}

func TestTextOfCollapsesAndSkipsScripts(t *testing.T) {
	doc := mustParse(t, `<div id="t">  hello
	<b>big</b>   world<script>var x</script><style>p{}</style></div>`)
	if got := textOf(querySelector(doc, "#t")); got != "hello big world" {
		t.Fatalf("got %q", got)
	}
	if textOf(nil) != "" {
		t.Fatal("nil node should have empty text")
	}
}
