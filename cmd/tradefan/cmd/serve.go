package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mlecomte/tradefan/internal/broker"
	"github.com/mlecomte/tradefan/internal/catalog"
	"github.com/mlecomte/tradefan/internal/dispatch"
	"github.com/mlecomte/tradefan/internal/filter"
	"github.com/mlecomte/tradefan/internal/metrics"
	"github.com/mlecomte/tradefan/internal/notify"
	"github.com/mlecomte/tradefan/internal/queue"
	"github.com/mlecomte/tradefan/internal/reaper"
	"github.com/mlecomte/tradefan/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signal bridge",
	RunE:  func(*cobra.Command, []string) error { return runServe() },
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	store, err := loadStore()
	if err != nil {
		return err
	}
	cfg := store.Get()

	bus, err := notify.NewBus(cfg.Notifications, logger)
	if err != nil {
		return err
	}
	bus.Start()
	defer bus.Close()

	registry, err := broker.BuildRegistry(cfg, store, logger)
	if err != nil {
		return err
	}

	cat := catalog.New(cfg)
	dispatcher := dispatch.New(store, registry, cat, filter.New(logger), bus, logger)
	sweep := reaper.New(store, registry, cat, bus, logger)

	seq := queue.New[dispatch.Signal](logger)
	seq.OnDepth = func(d int) { metrics.QueueDepth.Set(float64(d)) }
	seq.Gap = dispatcher.SignalGap

	server := webhook.NewServer(store, seq, registry, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Broker sessions come up before intake; a failed connect degrades
	// that account (the filter will skip it) instead of aborting startup.
	for id, b := range registry.All() {
		if err := b.Connect(ctx); err != nil {
			logger.WithError(err).WithField("broker", id).Error("broker connect failed, account degraded")
			bus.Publish(notify.Event{Type: notify.EventError, Broker: id, Message: "connect failed: " + err.Error()})
		}
	}
	defer func() {
		for _, b := range registry.All() {
			_ = b.Disconnect(context.Background())
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return seq.Run(ctx, func(ctx context.Context, sig dispatch.Signal) {
			dispatcher.Dispatch(ctx, sig)
		})
	})
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error { return sweep.Run(ctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("shutdown complete")
		return nil
	}
	return err
}
