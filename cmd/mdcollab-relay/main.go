package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/mdcollab/pkg/config"
	"github.com/astromechza/mdcollab/pkg/relay"
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
	addrVar := flag.String("addr", cfg.RelayAddr, "the address to listen on")
	redisVar := flag.String("redis", cfg.RedisURL, "optional redis url used to fan out across relay instances")
	flag.Parse()

	logger := cfg.Logger()
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := relay.Options{
		PingInterval: cfg.PingInterval,
		PongWait:     cfg.PongWait,
		Heartbeat:    cfg.Heartbeat,
		Logger:       logger,
	}
	if *redisVar != "" {
		slog.Info("connecting to redis backplane", "channel", cfg.RedisChannel)
		bp, err := relay.DialRedisBackplane(ctx, *redisVar, cfg.RedisChannel, logger)
		if err != nil {
			return err
		}
		opts.Backplane = bp
	}
	srv, err := relay.NewServer(ctx, opts)
	if err != nil {
		return err
	}

	httpServer := &http.Server{Addr: *addrVar, Handler: srv}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("relay listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down relay", "err", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down http server", "err", err)
	}
	wg.Wait()
	return nil
}
