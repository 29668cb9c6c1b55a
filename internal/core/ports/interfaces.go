package ports

import (
	"context"

	"github.com/manthysbr/tunelab/internal/core/domain"
)

// TrainingBackend abstracts the remote execution backend that runs training jobs.
type TrainingBackend interface {
	// StartTraining submits a validated config and returns the job handle.
	// Failures are returned as *domain.SubmitError.
	StartTraining(ctx context.Context, cfg domain.ValidatedConfig) (domain.JobHandle, error)

	// GetTrainingStatus fetches the current status payload for a job.
	GetTrainingStatus(ctx context.Context, handle domain.JobHandle) (domain.StatusReport, error)

	// StopTraining asks the backend to stop a job. Best-effort.
	StopTraining(ctx context.Context, handle domain.JobHandle) error
}

// StatusSource is the part of the backend the poller needs.
type StatusSource interface {
	GetTrainingStatus(ctx context.Context, handle domain.JobHandle) (domain.StatusReport, error)
}
