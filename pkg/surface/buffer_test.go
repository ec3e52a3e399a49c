package surface

import (
	"testing"

	"github.com/astromechza/mdcollab/pkg/session"
)

func TestSetPlainTextDoesNotReportLocalChange(t *testing.T) {
	b := New(session.Collaborative, "a")
	var local, rendered []string
	b.OnLocalChange(func(text string) { local = append(local, text) })
	b.OnRender(func(text string) { rendered = append(rendered, text) })

	b.SetPlainText("b")
	if len(local) != 0 {
		t.Fatalf("expected no local change, got %v", local)
	}
	if len(rendered) != 1 || rendered[0] != "b" {
		t.Fatalf("expected one render of b, got %v", rendered)
	}

	b.Type("bc")
	b.Append("d")
	if len(local) != 2 || local[0] != "bc" || local[1] != "bcd" {
		t.Fatalf("unexpected local changes %v", local)
	}
	if got := b.PlainText(); got != "bcd" {
		t.Fatalf("expected bcd, got %q", got)
	}
}

func TestUnchangedTextIsNotReported(t *testing.T) {
	b := New(session.Solo, "same")
	calls := 0
	b.OnLocalChange(func(string) { calls++ })
	b.Type("same")
	if calls != 0 {
		t.Fatalf("expected no notification, got %d", calls)
	}
}

func TestUnregisterAndClose(t *testing.T) {
	b := New(session.Solo, "")
	calls := 0
	off := b.OnLocalChange(func(string) { calls++ })
	b.Type("x")
	off()
	b.Type("xy")
	if calls != 1 {
		t.Fatalf("expected 1 call after unregister, got %d", calls)
	}

	b.OnLocalChange(func(string) { calls++ })
	if err := b.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	b.Type("xyz")
	if calls != 1 {
		t.Fatalf("expected closed buffer to ignore edits, got %d calls", calls)
	}
	if got := b.PlainText(); got != "xy" {
		t.Fatalf("expected text xy after close, got %q", got)
	}
}

func TestFactoryRunsHooks(t *testing.T) {
	var built []*Buffer
	f := Factory(func(b *Buffer) { built = append(built, b) })
	s, err := f(session.Collaborative, "init")
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	if len(built) != 1 || built[0] != s {
		t.Fatalf("expected hook to see the built buffer")
	}
	if built[0].Mode() != session.Collaborative || s.PlainText() != "init" {
		t.Fatalf("unexpected buffer %v %q", built[0].Mode(), s.PlainText())
	}
}
