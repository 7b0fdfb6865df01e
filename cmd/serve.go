package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/platefork/recipe-extractor/internal/app"
	"github.com/platefork/recipe-extractor/internal/config"
	"github.com/platefork/recipe-extractor/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the extraction service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger, err := logging.New(cfg.Logging.Development)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("init app: %w", err)
		}
		defer a.Close()

		if err := a.Run(ctx); err != nil {
			return fmt.Errorf("run app: %w", err)
		}
		logger.Info("shutdown complete", zap.String("service", "extractord"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
