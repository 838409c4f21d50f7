package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/common/logger"
	"github.com/YaganovValera/market-stream/common/shutdown"
	"github.com/YaganovValera/market-stream/internal/app"
	"github.com/YaganovValera/market-stream/internal/config"
)

func main() {
	var (
		configPath  string
		printConfig bool
	)

	root := &cobra.Command{
		Use:          "market-stream",
		Short:        "Market data ingestion and SSE fan-out",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, printConfig)
		},
	}
	root.Flags().StringVar(&configPath, "config", "config/config.yaml", "path to config file (empty → defaults + ENV)")
	root.Flags().BoolVar(&printConfig, "print-config", false, "print the effective config without secrets")

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "market-stream: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, printConfig bool) error {
	// 1. Загрузить конфиг
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if printConfig {
		cfg.Print()
	}

	// 2. Инициализация логгера
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	// 3. Контекст с отменой по сигналам
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go shutdown.WaitForSignals(ctx, cancel, log)

	log.Info("starting service",
		zap.String("service.name", cfg.ServiceName),
		zap.String("service.version", cfg.ServiceVersion),
	)

	// 4. Запуск основного приложения
	if err := app.Run(ctx, cfg, log); err != nil {
		log.Error("application exited with error", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}
