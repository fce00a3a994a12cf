package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mlecomte/tradefan/internal/broker"
	"github.com/mlecomte/tradefan/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect to each enabled account and print its state",
	RunE:  func(*cobra.Command, []string) error { return runStatus() },
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// connectRegistry builds the registry and connects every account,
// reporting failures without aborting.
func connectRegistry(ctx context.Context) (*config.Store, *broker.Registry, func(), error) {
	store, err := loadStore()
	if err != nil {
		return nil, nil, nil, err
	}
	registry, err := broker.BuildRegistry(store.Get(), store, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	for id, b := range registry.All() {
		if err := b.Connect(ctx); err != nil {
			logger.WithError(err).WithField("broker", id).Warn("connect failed")
		}
	}
	cleanup := func() {
		for _, b := range registry.All() {
			_ = b.Disconnect(context.Background())
		}
	}
	return store, registry, cleanup, nil
}

func runStatus() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	_, registry, cleanup, err := connectRegistry(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	for _, id := range registry.Order() {
		b, _ := registry.Get(id)
		fmt.Printf("%s (%s)\n", id, b.Name())
		if !b.Connected() {
			fmt.Println("  not connected")
			continue
		}
		state, err := b.AccountInfo(ctx)
		if err != nil {
			fmt.Printf("  state unavailable: %v\n", err)
			continue
		}
		kind := "live"
		if state.Demo {
			kind = "demo"
		}
		fmt.Printf("  account %s (%s)\n", state.AccountID, kind)
		fmt.Printf("  balance %.2f %s, equity %.2f, free margin %.2f\n",
			state.Balance, state.Currency, state.Equity, state.FreeMargin)

		pending, err := b.PendingOrders(ctx)
		if err == nil {
			fmt.Printf("  pending orders: %d\n", len(pending))
		}
		positions, err := b.Positions(ctx)
		if err == nil {
			fmt.Printf("  open positions: %d\n", len(positions))
		}
	}
	return nil
}
