// Package cmd implements the tradefan command line.
package cmd

import (
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mlecomte/tradefan/internal/config"
)

var (
	configPath string
	logger     = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "tradefan",
	Short: "Fan TradingView signals out to multiple broker accounts",
	Long: `tradefan receives TradingView webhook alerts, sizes positions per
account, and places the resulting orders on every configured broker
account with pre-trade safety checks and candle-based order expiry.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		// Optional .env for local runs; secrets normally come from the
		// real environment.
		_ = godotenv.Load()
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
}

// loadStore opens the config store and applies the configured log level.
func loadStore() (*config.Store, error) {
	store, err := config.NewStore(configPath)
	if err != nil {
		return nil, err
	}
	level, err := logrus.ParseLevel(store.Get().General.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return store, nil
}
