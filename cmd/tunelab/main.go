package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/manthysbr/tunelab/internal/adapters/backend"
	appconfig "github.com/manthysbr/tunelab/internal/config"
	"github.com/manthysbr/tunelab/internal/core/services"
	"github.com/manthysbr/tunelab/internal/observability"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tunelab",
		Short:        "Submit, watch and cancel remote model-training jobs",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "path to a YAML config file (default $TUNELAB_CONFIG)")

	root.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newValidateCmd(),
		newCatalogCmd(),
		newConfigCmd(),
		newSecretCmd(),
	)
	return root
}

// loadConfig reads the layered config and builds the logger writing to w.
func loadConfig(cmd *cobra.Command, w io.Writer) (appconfig.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := appconfig.Load(path, appconfig.NewSecretKeyIn)
	if err != nil {
		return appconfig.Config{}, nil, err
	}
	return cfg, appconfig.NewLogger(cfg.Log, w), nil
}

func initTracing(ctx context.Context, cfg appconfig.Config) (func(context.Context) error, error) {
	shutdown, err := observability.InitTracing(ctx, observability.TracingOptions{
		Service:     "tunelab",
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	return shutdown, nil
}

func newController(cfg appconfig.Config, logger *slog.Logger) *services.JobController {
	client := backend.NewClient(logger, cfg.Backend.BaseURL,
		backend.WithToken(cfg.Backend.APIToken),
		backend.WithTimeout(cfg.Backend.RequestTimeout),
	)
	return services.NewJobController(logger, client, services.NewEventBus(logger), services.ControllerConfig{
		Poller: services.PollerConfig{
			Interval:       cfg.Poll.Interval,
			MaxBackoff:     cfg.Poll.MaxBackoff,
			RequestTimeout: cfg.Backend.RequestTimeout,
			MaxFailures:    cfg.Poll.MaxFailures,
		},
		SubmitAttempts: cfg.Submit.Attempts,
		SubmitBackoff:  cfg.Poll.Interval,
		StopTimeout:    cfg.Backend.RequestTimeout,
	})
}
