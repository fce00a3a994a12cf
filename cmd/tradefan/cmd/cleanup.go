package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mlecomte/tradefan/internal/catalog"
	"github.com/mlecomte/tradefan/internal/reaper"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run one expiry sweep over all accounts and exit",
	RunE:  func(*cobra.Command, []string) error { return runCleanup() },
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup() error {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	store, registry, cleanup, err := connectRegistry(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	r := reaper.New(store, registry, catalog.New(store.Get()), nil, logger)
	n := r.Sweep(ctx)
	fmt.Printf("sweep complete, %d order(s) cancelled\n", n)
	return nil
}
