package viz

import (
	"bytes"
	"strings"
	"testing"

	"github.com/astromechza/mdcollab/pkg/replica"
)

func TestHistoryLabelsContent(t *testing.T) {
	r := replica.New()
	defer r.Destroy()
	if _, err := r.Seed("# Title"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	_, version := r.View()
	if _, err := r.Edit(version, "# Title\nbody"); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	doc, err := r.Fork()
	if err != nil {
		t.Fatalf("fork failed: %v", err)
	}

	nodes, err := History(doc)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(nodes))
	}
	if nodes[0].Snippet != `"# Title"` || nodes[1].Snippet != `"# Title\nbody"` {
		t.Fatalf("unexpected snippets %s %s", nodes[0].Snippet, nodes[1].Snippet)
	}
	if len(nodes[1].Deps) != 1 || nodes[1].Deps[0] != nodes[0].Hash {
		t.Fatalf("expected second change to depend on the first")
	}

	var dot bytes.Buffer
	if err := WriteDot(&dot, nodes); err != nil {
		t.Fatalf("write dot failed: %v", err)
	}
	if !strings.Contains(dot.String(), nodes[0].Hash+`" -> "`+nodes[1].Hash) {
		t.Fatalf("expected an edge in %s", dot.String())
	}

	var svg bytes.Buffer
	if err := RenderSVG(nodes, &svg); err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if !strings.Contains(svg.String(), "<svg") {
		t.Fatalf("expected svg output")
	}
}

func TestSnippetTruncates(t *testing.T) {
	got := snippet(strings.Repeat("é", 30))
	if !strings.HasSuffix(got, `…"`) || strings.Count(got, "é") != snippetRunes {
		t.Fatalf("unexpected snippet %s", got)
	}
}
