package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mlecomte/tradefan/internal/candles"
	"github.com/mlecomte/tradefan/internal/catalog"
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Inspect and manage pending orders",
}

var ordersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending orders on every account",
	RunE:  func(*cobra.Command, []string) error { return runOrdersList() },
}

var ordersCancelCmd = &cobra.Command{
	Use:   "cancel <broker-id> <order-id>",
	Short: "Cancel one pending order",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		return runOrdersCancel(args[0], args[1])
	},
}

func init() {
	ordersCmd.AddCommand(ordersListCmd, ordersCancelCmd)
	rootCmd.AddCommand(ordersCmd)
}

func runOrdersList() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	store, registry, cleanup, err := connectRegistry(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := store.Get()
	cat := catalog.New(cfg)

	for _, id := range registry.Order() {
		b, _ := registry.Get(id)
		if !b.Connected() {
			continue
		}
		pending, err := b.PendingOrders(ctx)
		if err != nil {
			fmt.Printf("%s: %v\n", id, err)
			continue
		}
		fmt.Printf("%s: %d pending\n", id, len(pending))
		for _, o := range pending {
			detail := "age unknown, never expires"
			if o.AgeKnown() {
				detail = time.Since(o.CreatedAt).Round(time.Minute).String() + " old"
				calc := candles.New(cat.CandleParams(o.Symbol))
				if due, ok := calc.TimeoutAt(o.CreatedAt, cfg.General.OrderTimeoutBars, cfg.General.TimeframeMinutes); ok {
					detail += ", expires " + due.UTC().Format("2006-01-02 15:04")
				}
			}
			fmt.Printf("  %-12s %-8s %-4s %-5s %.2f lots @ %v (%s)\n",
				o.ID, o.Symbol, o.Side, o.Type, o.Volume, o.EntryPrice, detail)
		}
	}
	return nil
}

func runOrdersCancel(brokerID, orderID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	_, registry, cleanup, err := connectRegistry(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	b, ok := registry.Get(brokerID)
	if !ok {
		return fmt.Errorf("unknown broker %q", brokerID)
	}
	res, err := b.CancelOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("cancel rejected: %s", res.Message)
	}
	fmt.Printf("order %s cancelled on %s\n", orderID, brokerID)
	return nil
}
