// Command governor runs the civic model-governance service and its operator
// tooling.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/civicbot/governor/internal/config"
	"github.com/civicbot/governor/internal/logging"
)

// #region root

var (
	configPath string
	cfg        config.Config
	logger     zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "governor",
	Short: "Civic chatbot model-governance pipeline",
	Long: `governor runs self-training cycles through internal analysis, external
review and an approval gate, and seals approved models with an Ed25519
checkpoint in a hash-chained ledger.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", envOr("GOVERNOR_CONFIG", "governor.yaml"), "config file")
	rootCmd.AddCommand(serveCmd, keygenCmd, signCmd, registerKeyCmd, verifyLedgerCmd, exportCmd, replayCmd, powCmd)
}

// #endregion root

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// #region helpers

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
