package domain

import "fmt"

// JobHandle is the opaque job identifier issued by the training backend.
type JobHandle string

// JobState is the lifecycle state of a JobController.
type JobState string

const (
	JobStateIdle       JobState = "IDLE"
	JobStateSubmitting JobState = "SUBMITTING"
	JobStateRunning    JobState = "RUNNING"
	JobStateCompleted  JobState = "COMPLETED"
	JobStateFailed     JobState = "FAILED"
	JobStateCancelled  JobState = "CANCELLED"
)

// IsTerminal reports whether no transition except reset leaves the state.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// Framework is the training framework a job runs on.
type Framework string

const (
	FrameworkPyTorch    Framework = "pytorch"
	FrameworkTensorFlow Framework = "tensorflow"
	FrameworkSklearn    Framework = "sklearn"
)

// JobConfig is the candidate configuration supplied by the caller.
type JobConfig struct {
	Framework    Framework `json:"framework" yaml:"framework"`
	ModelType    string    `json:"modelType" yaml:"modelType"`
	Epochs       int       `json:"epochs" yaml:"epochs"`
	BatchSize    int       `json:"batchSize" yaml:"batchSize"`
	LearningRate float64   `json:"learningRate" yaml:"learningRate"`
}

func (c JobConfig) String() string {
	return fmt.Sprintf("%s/%s epochs=%d batch=%d lr=%g", c.Framework, c.ModelType, c.Epochs, c.BatchSize, c.LearningRate)
}

// ValidatedConfig is a JobConfig that passed ValidateConfig.
// The zero value is not valid; use IsZero to detect it.
type ValidatedConfig struct {
	cfg   JobConfig
	valid bool
}

// Config returns a copy of the validated fields.
func (v ValidatedConfig) Config() JobConfig {
	return v.cfg
}

func (v ValidatedConfig) IsZero() bool {
	return !v.valid
}

// BackendStatus is the job status string reported by the training backend.
type BackendStatus string

const (
	BackendStatusIdle        BackendStatus = "idle"
	BackendStatusInitialized BackendStatus = "initialized"
	BackendStatusPending     BackendStatus = "pending"
	BackendStatusRunning     BackendStatus = "running"
	BackendStatusCompleted   BackendStatus = "completed"
	BackendStatusFailed      BackendStatus = "failed"
)

// Terminal maps a backend status to the final JobState it implies.
func (s BackendStatus) Terminal() (JobState, bool) {
	switch s {
	case BackendStatusCompleted:
		return JobStateCompleted, true
	case BackendStatusFailed:
		return JobStateFailed, true
	}
	return "", false
}

// StatusReport is one decoded status payload from the backend.
type StatusReport struct {
	Status       BackendStatus  `json:"status"`
	Progress     float64        `json:"progress"`
	CurrentEpoch *int           `json:"current_epoch,omitempty"`
	Sample       *MetricSample  `json:"sample,omitempty"`
	History      []MetricSample `json:"history,omitempty"`
	Message      string         `json:"message,omitempty"`

	// SampleEpochUnknown is set when the backend sent metrics without any
	// epoch; the recorder places Sample at the latest recorded epoch.
	SampleEpochUnknown bool `json:"-"`
}
