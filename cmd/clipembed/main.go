package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/clipembed/internal/clip"
	"github.com/xxxsen/clipembed/internal/config"
	"github.com/xxxsen/clipembed/internal/model"
	"github.com/xxxsen/clipembed/internal/weightstore"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "clipembed",
		Short: "CLIP embedding server",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "load the model and serve embeddings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}

	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "download missing model weights into the model directory and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return fetchWeights(cmd.Context(), cfg)
		},
	}

	for _, cmd := range []*cobra.Command{runCmd, fetchCmd} {
		cmd.Flags().StringVar(&configPath, "config", "", "path to config.json")
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", path))
	return cfg, nil
}

func fetchWeights(ctx context.Context, cfg *config.Config) error {
	src, err := weightstore.New(cfg.Model.Source)
	if err != nil {
		return fmt.Errorf("init weight source: %w", err)
	}
	if src == nil {
		return fmt.Errorf("model.source is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	files := clip.WeightFiles(model.ModelArch)
	if err := weightstore.Ensure(ctx, src, cfg.Model.Dir, files); err != nil {
		return fmt.Errorf("fetch weights: %w", err)
	}
	logutil.GetLogger(ctx).Info("model weights ready",
		zap.String("dir", cfg.Model.Dir),
		zap.String("source", src.Type()),
		zap.Strings("files", files),
	)
	return nil
}
