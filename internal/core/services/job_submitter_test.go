package services

import (
	"context"
	"errors"
	"testing"

	"github.com/manthysbr/tunelab/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestJobSubmitter_Success(t *testing.T) {
	backend := new(MockBackend)
	cfg := mustValidate(validConfig())
	backend.On("StartTraining", mock.Anything, cfg).Return(domain.JobHandle("job_1"), nil).Once()

	handle, err := NewJobSubmitter(testLogger(), backend).Submit(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, domain.JobHandle("job_1"), handle)
	backend.AssertExpectations(t)
}

func TestJobSubmitter_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind domain.SubmitErrorKind
	}{
		{"plain error is transport", errors.New("dial tcp: refused"), domain.SubmitTransport},
		{"rejected passes through", &domain.SubmitError{Kind: domain.SubmitRejected, Err: errors.New("quota")}, domain.SubmitRejected},
		{"auth passes through", &domain.SubmitError{Kind: domain.SubmitAuth, Err: errors.New("401")}, domain.SubmitAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := new(MockBackend)
			backend.On("StartTraining", mock.Anything, mock.Anything).Return(domain.JobHandle(""), tt.err).Once()

			_, err := NewJobSubmitter(testLogger(), backend).Submit(context.Background(), mustValidate(validConfig()))

			var serr *domain.SubmitError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tt.wantKind, serr.Kind)
			backend.AssertNumberOfCalls(t, "StartTraining", 1)
		})
	}
}

func TestJobSubmitter_RejectsUnvalidatedConfig(t *testing.T) {
	backend := new(MockBackend)

	_, err := NewJobSubmitter(testLogger(), backend).Submit(context.Background(), domain.ValidatedConfig{})

	var serr *domain.SubmitError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, domain.SubmitRejected, serr.Kind)
	backend.AssertNotCalled(t, "StartTraining", mock.Anything, mock.Anything)
}

func TestJobSubmitter_EmptyHandle(t *testing.T) {
	backend := new(MockBackend)
	backend.On("StartTraining", mock.Anything, mock.Anything).Return(domain.JobHandle(""), nil).Once()

	_, err := NewJobSubmitter(testLogger(), backend).Submit(context.Background(), mustValidate(validConfig()))

	var serr *domain.SubmitError
	require.ErrorAs(t, err, &serr)
	assert.True(t, serr.Retryable())
}
