// Package viz draws the change history of a document as a DAG, labelling
// every change with the text as it stood after that change.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/mdcollab/pkg/replica"
)

const snippetRunes = 24

type Node struct {
	Hash    string
	Actor   string
	Seq     uint64
	Message string
	Deps    []string
	// Snippet is the start of the text after this change, quoted.
	Snippet string
}

func (n Node) Label() string {
	return fmt.Sprintf("%s %s@%d %s", n.Hash[:8], shortActor(n.Actor), n.Seq, n.Snippet)
}

// History walks the changes of doc in order and checks out the content after
// each one.
func History(doc *automerge.Doc) ([]Node, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	nodes := make([]Node, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		deps := make([]string, 0, len(change.Dependencies()))
		for _, hash := range change.Dependencies() {
			deps = append(deps, hash.String())
		}
		nodes = append(nodes, Node{
			Hash:    change.Hash().String(),
			Actor:   change.ActorID(),
			Seq:     change.ActorSeq(),
			Message: change.Message(),
			Deps:    deps,
			Snippet: snippet(contentAt(docAt)),
		})
	}
	return nodes, nil
}

// WriteDot writes nodes as a graphviz dot digraph.
func WriteDot(w io.Writer, nodes []Node) error {
	var buff bytes.Buffer
	buff.WriteString("digraph \"log\" {\n")
	for _, n := range nodes {
		fmt.Fprintf(&buff, "    %q [label=%q]\n", n.Hash, n.Label())
		for _, dep := range n.Deps {
			fmt.Fprintf(&buff, "    %q -> %q\n", dep, n.Hash)
		}
	}
	buff.WriteString("}\n")
	_, err := w.Write(buff.Bytes())
	return err
}

// RenderSVG lays out nodes with graphviz and writes the svg to w.
func RenderSVG(nodes []Node, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter uint64
	for _, node := range nodes {
		n, err := graph.CreateNode(node.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(node.Label())
		nodeMap[node.Hash] = n

		for _, dep := range node.Deps {
			from, ok := nodeMap[dep]
			if !ok {
				continue
			}
			if _, err := graph.CreateEdge(strconv.FormatUint(atomic.AddUint64(&edgeCounter, 1), 10), from, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// RenderToFile renders the history of doc to an svg at outputPath.
func RenderToFile(doc *automerge.Doc, outputPath string) error {
	nodes, err := History(doc)
	if err != nil {
		return err
	}
	var buff bytes.Buffer
	if err := RenderSVG(nodes, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

func RenderToTemp(doc *automerge.Doc) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderToFile(doc, tf); err != nil {
		return "", err
	}
	return tf, nil
}

func contentAt(doc *automerge.Doc) string {
	v, err := doc.Path(replica.ContentKey).Get()
	if err != nil || v.Kind() != automerge.KindText {
		return ""
	}
	s, err := v.Text().Get()
	if err != nil {
		return ""
	}
	return s
}

func snippet(text string) string {
	if utf8.RuneCountInString(text) > snippetRunes {
		text = string([]rune(text)[:snippetRunes]) + "…"
	}
	return strconv.Quote(text)
}

func shortActor(actor string) string {
	if len(actor) > 8 {
		return actor[:8]
	}
	return actor
}
