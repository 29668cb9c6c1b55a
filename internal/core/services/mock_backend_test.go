package services

import (
	"context"
	"log/slog"
	"os"

	"github.com/manthysbr/tunelab/internal/core/domain"
	"github.com/stretchr/testify/mock"
)

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) StartTraining(ctx context.Context, cfg domain.ValidatedConfig) (domain.JobHandle, error) {
	args := m.Called(ctx, cfg)
	return args.Get(0).(domain.JobHandle), args.Error(1)
}

func (m *MockBackend) GetTrainingStatus(ctx context.Context, handle domain.JobHandle) (domain.StatusReport, error) {
	args := m.Called(ctx, handle)
	return args.Get(0).(domain.StatusReport), args.Error(1)
}

func (m *MockBackend) StopTraining(ctx context.Context, handle domain.JobHandle) error {
	args := m.Called(ctx, handle)
	return args.Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func validConfig() domain.JobConfig {
	return domain.JobConfig{
		Framework:    domain.FrameworkPyTorch,
		ModelType:    "bert-base",
		Epochs:       3,
		BatchSize:    16,
		LearningRate: 0.001,
	}
}

func mustValidate(cfg domain.JobConfig) domain.ValidatedConfig {
	v, err := domain.ValidateConfig(cfg)
	if err != nil {
		panic(err)
	}
	return v
}

func running(epoch int, loss, acc float64) domain.StatusReport {
	s := domain.MetricSample{Epoch: epoch, Loss: loss, Accuracy: acc}
	e := epoch
	return domain.StatusReport{Status: domain.BackendStatusRunning, CurrentEpoch: &e, Sample: &s}
}
