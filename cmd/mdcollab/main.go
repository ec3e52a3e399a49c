package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/astromechza/mdcollab/pkg/config"
	"github.com/astromechza/mdcollab/pkg/session"
	"github.com/astromechza/mdcollab/pkg/storage"
	"github.com/astromechza/mdcollab/pkg/surface"
	"github.com/astromechza/mdcollab/pkg/transport"
	"github.com/astromechza/mdcollab/pkg/wire"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	relayVar := flag.String("relay", cfg.RelayURL, "relay base url, empty to edit standalone")
	storageVar := flag.String("storage", cfg.Storage, "document directory or sqlite://path")
	nameVar := flag.String("name", cfg.Name, "name shown to other peers")
	colorVar := flag.String("color", cfg.Color, "color shown to other peers")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the document id")
	}
	documentID := flag.Arg(0)

	logger := cfg.Logger()
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, *storageVar)
	if err != nil {
		return err
	}
	defer store.Close()

	var outMu sync.Mutex
	out := bufio.NewWriter(os.Stdout)
	render := func(text string) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(out, "----- %s -----\n%s\n", documentID, text)
		_ = out.Flush()
	}

	coordinator, err := session.Open(ctx, session.Config{
		DocumentID: documentID,
		RelayURL:   *relayVar,
		Registry:   session.NewRegistry(),
		Storage:    store,
		NewSurface: surface.Factory(func(b *surface.Buffer) {
			b.OnRender(render)
		}),
		Presence:        &wire.PresenceRecord{Name: *nameVar, Color: *colorVar},
		SyncTimeout:     cfg.SyncTimeout,
		PersistDebounce: cfg.PersistDebounce,
		Transport: transport.Options{
			InitialInterval: cfg.RetryInitial,
			MaxInterval:     cfg.RetryMax,
			RetryBudget:     cfg.RetryBudget,
			MaxRetries:      cfg.MaxRetries,
			Logger:          logger,
		},
		OnState: func(st session.State) {
			names := make([]string, 0, len(st.Peers))
			for _, p := range st.Peers {
				if p.Presence != nil && p.Presence.Name != "" {
					names = append(names, p.Presence.Name)
				} else {
					names = append(names, p.ID)
				}
			}
			slog.Info("session", "phase", st.Phase, "mode", st.Mode, "transport", st.Transport,
				"peers", st.PeerCount, "names", strings.Join(names, ","), "err", st.LastError)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := coordinator.Close(); err != nil {
			slog.Error("failed to close session", "err", err)
		}
	}()

	st, err := coordinator.WaitSettled(ctx)
	if err != nil {
		return err
	}
	render(coordinator.Content())
	slog.Info("editing", "doc", documentID, "mode", st.Mode)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case sig := <-exit:
			slog.Info("Signal caught", "sig", sig)
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handleLine(coordinator, line, render); done {
				return nil
			}
		}
	}
}

// handleLine appends line to the document unless it is a colon command. It
// reports whether the editor should exit.
func handleLine(c *session.Coordinator, line string, render func(string)) bool {
	switch strings.TrimSpace(line) {
	case ":quit":
		return true
	case ":show":
		render(c.Content())
		return false
	case ":peers":
		st := c.State()
		for _, p := range st.Peers {
			fmt.Printf("%s %+v\n", p.ID, p.Presence)
		}
		fmt.Printf("%d other peer(s)\n", st.PeerCount)
		return false
	}
	b, ok := c.Surface().(*surface.Buffer)
	if !ok {
		slog.Warn("no surface bound, dropping line")
		return false
	}
	b.Append(line + "\n")
	return false
}
