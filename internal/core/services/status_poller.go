package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/manthysbr/tunelab/internal/core/domain"
	"github.com/manthysbr/tunelab/internal/core/ports"
	"github.com/manthysbr/tunelab/internal/observability"
	"go.opentelemetry.io/otel/attribute"
)

// PollerConfig controls the status polling cadence and failure budget.
type PollerConfig struct {
	Interval       time.Duration // base tick and first backoff step
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
	MaxFailures    int // consecutive failures before giving up
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:       time.Second,
		MaxBackoff:     30 * time.Second,
		RequestTimeout: 5 * time.Second,
		MaxFailures:    10,
	}
}

// StatusPoller fetches job status until the job is terminal, the failure
// budget is spent, or the context is cancelled.
type StatusPoller struct {
	logger *slog.Logger
	source ports.StatusSource
	cfg    PollerConfig
}

func NewStatusPoller(logger *slog.Logger, source ports.StatusSource, cfg PollerConfig) *StatusPoller {
	def := DefaultPollerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.Interval)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	return &StatusPoller{logger: logger, source: source, cfg: cfg}
}

// Poll blocks until a terminal state. ctx is the cancellation token: once it
// is done no further request is issued and the result of an in-flight one is
// dropped. onUpdate runs synchronously, in fetch order, before the next tick.
// Unreachability is reported as (JobStateFailed, *domain.PollError).
func (p *StatusPoller) Poll(ctx context.Context, handle domain.JobHandle, onUpdate func(domain.StatusReport)) (domain.JobState, error) {
	b := p.newBackOff()
	failures := 0

	for {
		if ctx.Err() != nil {
			return domain.JobStateCancelled, nil
		}

		report, err := p.fetch(ctx, handle)
		if ctx.Err() != nil {
			p.logger.Debug("discarding status fetched after cancel", "job_id", handle)
			return domain.JobStateCancelled, nil
		}

		var wait time.Duration
		if err != nil {
			failures++
			if failures >= p.cfg.MaxFailures {
				p.logger.Error("training backend unreachable", "job_id", handle, "failures", failures, "error", err)
				return domain.JobStateFailed, &domain.PollError{Failures: failures, Last: err}
			}
			wait = b.NextBackOff()
			p.logger.Warn("status poll failed, backing off", "job_id", handle, "failures", failures, "wait", wait, "error", err)
		} else {
			if failures > 0 {
				p.logger.Info("status poll recovered", "job_id", handle, "after_failures", failures)
			}
			failures = 0
			b.Reset()

			if onUpdate != nil {
				onUpdate(report)
			}
			if state, ok := report.Status.Terminal(); ok {
				return state, nil
			}
			wait = p.cfg.Interval
		}

		if !sleepCtx(ctx, wait) {
			return domain.JobStateCancelled, nil
		}
	}
}

func (p *StatusPoller) fetch(ctx context.Context, handle domain.JobHandle) (domain.StatusReport, error) {
	// Detached so cancel does not abort a request that is already on the wire.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.RequestTimeout)
	defer cancel()

	reqCtx, span := observability.StartSpan(reqCtx, "training.status", attribute.String("job_id", string(handle)))
	defer span.End()

	report, err := p.source.GetTrainingStatus(reqCtx, handle)
	if err != nil {
		span.RecordError(err)
		return domain.StatusReport{}, err
	}
	span.SetAttributes(attribute.String("status", string(report.Status)))
	return report, nil
}

func (p *StatusPoller) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.Interval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.cfg.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// sleepCtx waits for d or until ctx is done. It returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
