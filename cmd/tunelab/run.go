package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/manthysbr/tunelab/internal/core/domain"
	"github.com/manthysbr/tunelab/internal/core/services"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd() *cobra.Command {
	var (
		jobPath string
		window  int
	)
	cmd := &cobra.Command{
		Use:   "run -f job.yaml",
		Short: "Run one training job to completion, printing progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			job, err := loadJobFile(jobPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			cfg, logger, err := loadConfig(cmd, os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := initTracing(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = shutdownTracing(context.Background()) }()

			ctrl := newController(cfg, logger)
			out := cmd.OutOrStdout()

			events, unsub := ctrl.Subscribe()
			if err := ctrl.Start(ctx, job); err != nil {
				unsub()
				printValidation(out, err)
				return err
			}

			done := make(chan struct{})
			var g errgroup.Group
			g.Go(func() error {
				for evt := range events {
					printEvent(out, evt)
				}
				return nil
			})
			g.Go(func() error {
				select {
				case <-ctx.Done():
					fmt.Fprintln(out, "interrupted, cancelling")
					if err := ctrl.Cancel(); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
						return err
					}
				case <-done:
				}
				return nil
			})

			state, runErr := ctrl.Wait(context.Background())
			close(done)
			ctrl.WaitStops()
			unsub()
			if err := g.Wait(); err != nil {
				return err
			}

			printSummary(out, ctrl, window)
			if state != domain.JobStateCompleted {
				if runErr != nil {
					return fmt.Errorf("training ended %s: %w", state, runErr)
				}
				return fmt.Errorf("training ended %s", state)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&jobPath, "file", "f", "", "job file (YAML or JSON, - for stdin)")
	cmd.Flags().IntVar(&window, "window", 3, "moving average window for the summary")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printEvent(w io.Writer, evt services.Event) {
	switch evt.Type {
	case services.EventTypeState:
		if evt.Error != "" {
			fmt.Fprintf(w, "state  %-10s %s\n", evt.State, evt.Error)
			return
		}
		fmt.Fprintf(w, "state  %-10s %s\n", evt.State, evt.Handle)
	case services.EventTypeMetric:
		if evt.Sample == nil {
			fmt.Fprintf(w, "metric progress=%.1f\n", evt.Progress)
			return
		}
		fmt.Fprintf(w, "metric epoch=%d loss=%.4f accuracy=%.4f progress=%.1f\n",
			evt.Sample.Epoch, evt.Sample.Loss, evt.Sample.Accuracy, evt.Progress)
	case services.EventTypeWarning:
		fmt.Fprintf(w, "warn   %s\n", evt.Error)
	}
}

func printSummary(w io.Writer, ctrl *services.JobController, window int) {
	series := ctrl.MetricsSnapshot()
	fmt.Fprintf(w, "final state %s, %d epochs recorded\n", ctrl.CurrentState(), len(series))
	if len(series) == 0 {
		return
	}
	d, err := ctrl.Derived(window)
	if err != nil {
		fmt.Fprintf(w, "summary unavailable: %v\n", err)
		return
	}
	fmt.Fprintf(w, "best loss     %.4f (epoch %d)\n", d.BestLoss.Loss, d.BestLoss.Epoch)
	fmt.Fprintf(w, "best accuracy %.4f (epoch %d)\n", d.BestAccuracy.Accuracy, d.BestAccuracy.Epoch)
	last := d.MovingAverage[len(d.MovingAverage)-1]
	fmt.Fprintf(w, "loss avg(%d)   %.4f\n", d.Window, last.Loss)
}

func printValidation(w io.Writer, err error) {
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		return
	}
	fmt.Fprintln(w, "invalid job config:")
	for _, f := range verr.Fields {
		fmt.Fprintf(w, "  %-12s %s\n", f.Field, f.Message)
	}
}
