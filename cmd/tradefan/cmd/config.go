package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse and validate the config file",
	RunE: func(*cobra.Command, []string) error {
		if _, err := loadStore(); err != nil {
			return err
		}
		fmt.Println("config OK")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	RunE:  func(*cobra.Command, []string) error { return runConfigShow() },
}

func init() {
	configCmd.AddCommand(configValidateCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow() error {
	store, err := loadStore()
	if err != nil {
		return err
	}
	cfg := store.Get()

	fmt.Printf("general: risk %.2f%%, timeout %d bars of %d min, use_equity=%v\n",
		cfg.General.RiskPercent, cfg.General.OrderTimeoutBars,
		cfg.General.TimeframeMinutes, cfg.General.UseEquity)
	fmt.Printf("execution: delay %d-%dms, reaper every %s\n",
		cfg.Execution.MinDelayMs, cfg.Execution.MaxDelayMs, cfg.ReaperInterval())
	fmt.Printf("webhook: %s:%d, token=%s, %d allowed IP(s)\n",
		cfg.Webhook.Host, cfg.Webhook.Port, redact(cfg.Webhook.SecretToken),
		len(cfg.Webhook.AllowedIPs))

	ids := make([]string, 0, len(cfg.Brokers))
	for id := range cfg.Brokers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		b := cfg.Brokers[id]
		state := "disabled"
		if b.Enabled {
			state = "enabled"
		}
		kind := "live"
		if b.Demo {
			kind = "demo"
		}
		fmt.Printf("broker %s: %s %s (%s), %d instrument mapping(s)\n",
			id, b.Type, kind, state, len(b.Instruments))
	}
	return nil
}

func redact(s string) string {
	if s == "" {
		return "(none)"
	}
	return "***"
}
