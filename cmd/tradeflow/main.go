// Command tradeflow runs the multi-chain trade ingestion and auto-buy service.
//
// Usage:
//
//	tradeflow serve [--config tradeflow.yaml] [--addr :8080]
//	tradeflow migrate
//	tradeflow reconcile
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"tradeflow/internal/config"
	"tradeflow/internal/logging"
)

// app is the state shared by every subcommand after flags are parsed.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:           "tradeflow",
		Short:         "Multi-chain trade ingestion, position ledger and auto-buy engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			config.LoadDotEnv(envFile)

			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(a.v, path)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "YAML configuration file")
	flags.String("env-file", ".env", "dotenv file loaded before configuration")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("storage", config.DriverMemory, "storage driver (memory, postgres)")
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("storage.driver", flags.Lookup("storage"))

	root.AddCommand(newServeCmd(a), newMigrateCmd(a), newReconcileCmd(a))
	return root
}
