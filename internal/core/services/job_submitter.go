package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/manthysbr/tunelab/internal/core/domain"
	"github.com/manthysbr/tunelab/internal/core/ports"
	"github.com/manthysbr/tunelab/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// JobSubmitter turns a validated config into a job handle with a single
// backend request. Retry policy belongs to the caller.
type JobSubmitter struct {
	logger  *slog.Logger
	backend ports.TrainingBackend
}

func NewJobSubmitter(logger *slog.Logger, backend ports.TrainingBackend) *JobSubmitter {
	return &JobSubmitter{logger: logger, backend: backend}
}

// Submit issues exactly one start request. Errors are always *domain.SubmitError.
func (s *JobSubmitter) Submit(ctx context.Context, cfg domain.ValidatedConfig) (domain.JobHandle, error) {
	if cfg.IsZero() {
		return "", &domain.SubmitError{Kind: domain.SubmitRejected, Err: errors.New("config was not validated")}
	}

	c := cfg.Config()
	ctx, span := observability.StartSpan(ctx, "training.submit",
		attribute.String("framework", string(c.Framework)),
		attribute.String("model_type", c.ModelType),
	)
	defer span.End()

	handle, err := s.backend.StartTraining(ctx, cfg)
	if err != nil {
		var serr *domain.SubmitError
		if !errors.As(err, &serr) {
			serr = &domain.SubmitError{Kind: domain.SubmitTransport, Err: err}
		}
		span.RecordError(serr)
		span.SetStatus(codes.Error, string(serr.Kind))
		s.logger.Warn("training submit failed", "kind", serr.Kind, "error", serr.Err)
		return "", serr
	}
	if handle == "" {
		serr := &domain.SubmitError{Kind: domain.SubmitTransport, Err: fmt.Errorf("backend returned an empty job id")}
		span.SetStatus(codes.Error, string(serr.Kind))
		return "", serr
	}

	span.SetAttributes(attribute.String("job_id", string(handle)))
	s.logger.Info("training job submitted", "job_id", handle, "config", c.String())
	return handle, nil
}
