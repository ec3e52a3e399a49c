package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/astromechza/mdcollab/pkg/replica"
	"github.com/astromechza/mdcollab/pkg/storage"
	"github.com/astromechza/mdcollab/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	svgVar := flag.String("svg", "", "render the change graph to this svg file")
	dotVar := flag.Bool("dot", false, "print the change graph in dot format")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: a snapshot file or sqlite://db#document")
	}

	raw, err := readSnapshot(context.Background(), flag.Arg(0))
	if err != nil {
		return err
	}
	r, err := replica.Load(raw)
	if err != nil {
		return err
	}
	defer r.Destroy()
	raw = nil
	slog.Info("loaded replica", "actor", r.ActorID(), "heads", r.Heads())

	changes, err := r.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "seq", change.ActorSeq(), "message", change.Message(), "dep", change.Dependencies())
	}
	fmt.Println(r.Content())

	if !*dotVar && *svgVar == "" {
		return nil
	}
	doc, err := r.Fork()
	if err != nil {
		return err
	}
	nodes, err := viz.History(doc)
	if err != nil {
		return err
	}
	if *dotVar {
		if err := viz.WriteDot(os.Stdout, nodes); err != nil {
			return fmt.Errorf("failed to write dot: %w", err)
		}
	}
	if *svgVar != "" {
		f, err := os.Create(*svgVar)
		if err != nil {
			return fmt.Errorf("failed to create svg file: %w", err)
		}
		defer f.Close()
		if err := viz.RenderSVG(nodes, f); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*svgVar)
	}
	return nil
}

func readSnapshot(ctx context.Context, locator string) ([]byte, error) {
	if !strings.HasPrefix(locator, "sqlite://") {
		raw, err := os.ReadFile(locator)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		return raw, nil
	}
	dsn, documentID, err := storage.SplitLocator(locator)
	if err != nil {
		return nil, err
	}
	s, err := storage.OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.LoadSnapshot(ctx, documentID)
}
