package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/manthysbr/tunelab/internal/core/domain"
	"github.com/manthysbr/tunelab/internal/core/ports"
	"github.com/manthysbr/tunelab/internal/observability"
	"go.opentelemetry.io/otel/attribute"
)

const updateBuffer = 16

// ControllerConfig holds the retry and timeout policy of a JobController.
type ControllerConfig struct {
	Poller         PollerConfig
	SubmitAttempts int           // total attempts for transport failures
	SubmitBackoff  time.Duration // wait before the first resubmit
	StopTimeout    time.Duration
}

func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Poller:         DefaultPollerConfig(),
		SubmitAttempts: 3,
		SubmitBackoff:  time.Second,
		StopTimeout:    5 * time.Second,
	}
}

// RunStatus is a point-in-time view of the controller.
type RunStatus struct {
	SessionID    string            `json:"session_id"`
	State        domain.JobState   `json:"state"`
	Handle       domain.JobHandle  `json:"job_id,omitempty"`
	Config       *domain.JobConfig `json:"config,omitempty"`
	Progress     float64           `json:"progress"`
	CurrentEpoch *int              `json:"current_epoch,omitempty"`
	Epochs       int               `json:"epochs_recorded"`
	Error        string            `json:"error,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type pollResult struct {
	state domain.JobState
	err   error
}

// JobController drives one training job at a time through
// IDLE → SUBMITTING → RUNNING → COMPLETED | FAILED | CANCELLED.
// All state changes are serialized by mu; the poller runs in its own
// goroutine and hands updates over a channel.
type JobController struct {
	logger    *slog.Logger
	backend   ports.TrainingBackend
	submitter *JobSubmitter
	poller    *StatusPoller
	bus       *EventBus
	cfg       ControllerConfig
	sessionID string

	agg atomic.Pointer[MetricsAggregator]

	mu          sync.Mutex
	run         uint64 // generation; late goroutines of older runs compare against it
	state       domain.JobState
	handle      domain.JobHandle // live handle, empty outside SUBMITTING/RUNNING
	lastHandle  domain.JobHandle
	config      *domain.JobConfig
	progress    float64
	epoch       *int
	lastMessage string
	runErr      error
	cancelRun   context.CancelFunc
	done        chan struct{}
	seen        map[domain.JobHandle]struct{}
	updatedAt   time.Time

	stops sync.WaitGroup
}

func NewJobController(logger *slog.Logger, backend ports.TrainingBackend, bus *EventBus, cfg ControllerConfig) *JobController {
	def := DefaultControllerConfig()
	if cfg.SubmitAttempts <= 0 {
		cfg.SubmitAttempts = def.SubmitAttempts
	}
	if cfg.SubmitBackoff <= 0 {
		cfg.SubmitBackoff = def.SubmitBackoff
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}

	sessionID := uuid.New().String()
	c := &JobController{
		logger:    logger.With("session_id", sessionID),
		backend:   backend,
		bus:       bus,
		cfg:       cfg,
		sessionID: sessionID,
		state:     domain.JobStateIdle,
		seen:      make(map[domain.JobHandle]struct{}),
		updatedAt: time.Now(),
	}
	c.submitter = NewJobSubmitter(c.logger, backend)
	c.poller = NewStatusPoller(c.logger, backend, cfg.Poller)
	c.agg.Store(NewMetricsAggregator())
	return c
}

func (c *JobController) SessionID() string { return c.sessionID }

// Start validates cfg and begins submission in the background.
// A config that fails validation is rejected before any network call and
// leaves the controller IDLE.
func (c *JobController) Start(ctx context.Context, cfg domain.JobConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != domain.JobStateIdle {
		return &domain.InvalidTransitionError{From: c.state, Event: "start"}
	}

	validated, err := domain.ValidateConfig(cfg)
	if err != nil {
		c.logger.Info("job config rejected", "error", err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.run++
	vc := validated.Config()
	c.config = &vc
	c.handle = ""
	c.lastHandle = ""
	c.progress = 0
	c.epoch = nil
	c.lastMessage = ""
	c.runErr = nil
	c.cancelRun = cancel
	c.done = make(chan struct{})
	c.agg.Store(NewMetricsAggregator())

	c.transition(domain.JobStateSubmitting, nil)
	go c.execute(runCtx, c.run, validated, c.done)
	return nil
}

// Cancel stops the current run. The backend stop request is fire-and-forget;
// its failure is reported as a warning event only.
func (c *JobController) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != domain.JobStateSubmitting && c.state != domain.JobStateRunning {
		return &domain.InvalidTransitionError{From: c.state, Event: "cancel"}
	}

	c.cancelRun()
	c.agg.Load().Freeze()
	handle := c.handle
	c.handle = ""
	c.transition(domain.JobStateCancelled, nil)

	if handle != "" {
		c.stopAsync(handle)
	}
	return nil
}

// Reset returns a terminal controller to IDLE for a new run.
func (c *JobController) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.IsTerminal() {
		return &domain.InvalidTransitionError{From: c.state, Event: "reset"}
	}

	c.config = nil
	c.handle = ""
	c.lastHandle = ""
	c.progress = 0
	c.epoch = nil
	c.lastMessage = ""
	c.runErr = nil
	c.agg.Store(NewMetricsAggregator())
	c.transition(domain.JobStateIdle, nil)
	return nil
}

func (c *JobController) CurrentState() domain.JobState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that ended the last run in FAILED, if any.
func (c *JobController) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runErr
}

// MetricsSnapshot returns an immutable copy of the current series.
func (c *JobController) MetricsSnapshot() domain.MetricSeries {
	return c.agg.Load().Series()
}

func (c *JobController) Derived(window int) (domain.DerivedMetrics, error) {
	return c.agg.Load().Derived(window)
}

func (c *JobController) Status() RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := RunStatus{
		SessionID:    c.sessionID,
		State:        c.state,
		Handle:       c.lastHandle,
		Progress:     c.progress,
		CurrentEpoch: c.epoch,
		Epochs:       c.agg.Load().Len(),
		UpdatedAt:    c.updatedAt,
	}
	if c.config != nil {
		cfg := *c.config
		st.Config = &cfg
	}
	if c.runErr != nil {
		st.Error = c.runErr.Error()
	}
	return st
}

// Subscribe delivers every state transition and metric update of this controller.
func (c *JobController) Subscribe() (<-chan Event, func()) {
	return c.bus.Subscribe(c.sessionID)
}

// Wait blocks until the current run's goroutines have exited or ctx is done,
// then returns the state and run error.
func (c *JobController) Wait(ctx context.Context) (domain.JobState, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return c.CurrentState(), ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.runErr
}

// WaitStops blocks until outstanding backend stop requests have returned.
func (c *JobController) WaitStops() {
	c.stops.Wait()
}

func (c *JobController) execute(ctx context.Context, run uint64, cfg domain.ValidatedConfig, done chan struct{}) {
	defer close(done)

	ctx, span := observability.StartSpan(ctx, "training.run", attribute.String("session_id", c.sessionID))
	defer span.End()

	handle, err := c.submitWithRetry(ctx, cfg)
	if !c.beginRunning(run, handle, err) {
		return
	}
	span.SetAttributes(attribute.String("job_id", string(handle)))

	updates := make(chan domain.StatusReport, updateBuffer)
	result := make(chan pollResult, 1)
	go func() {
		defer close(updates)
		state, err := c.poller.Poll(ctx, handle, func(r domain.StatusReport) {
			select {
			case updates <- r:
			case <-ctx.Done():
			}
		})
		result <- pollResult{state: state, err: err}
	}()

	for r := range updates {
		c.applyUpdate(run, r)
	}
	res := <-result
	c.finish(run, res)
}

// submitWithRetry retries transport failures only. The submit request itself
// is detached from cancellation so a job the backend accepted still yields a
// handle that can be stopped.
func (c *JobController) submitWithRetry(ctx context.Context, cfg domain.ValidatedConfig) (domain.JobHandle, error) {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.SubmitBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max(c.cfg.Poller.MaxBackoff, c.cfg.SubmitBackoff),
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.cfg.SubmitAttempts-1)), ctx)

	var handle domain.JobHandle
	op := func() error {
		h, err := c.submitter.Submit(context.WithoutCancel(ctx), cfg)
		if err != nil {
			var serr *domain.SubmitError
			if errors.As(err, &serr) && !serr.Retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		handle = h
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("retrying training submit", "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return "", err
	}
	return handle, nil
}

func (c *JobController) beginRunning(run uint64, handle domain.JobHandle, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if run != c.run || c.state != domain.JobStateSubmitting {
		// Cancelled while submitting: abort what the backend may have started.
		// A newer run owns lastHandle, so only the cancelled run records it.
		if err == nil && handle != "" {
			c.logger.Info("job accepted after cancel, stopping it", "job_id", handle)
			c.seen[handle] = struct{}{}
			if run == c.run {
				c.lastHandle = handle
			}
			c.stopAsync(handle)
		}
		return false
	}

	if err != nil {
		c.fail(err)
		return false
	}
	if _, reused := c.seen[handle]; reused {
		c.fail(fmt.Errorf("%w: %s", domain.ErrHandleReused, handle))
		return false
	}

	c.seen[handle] = struct{}{}
	c.handle = handle
	c.lastHandle = handle
	c.transition(domain.JobStateRunning, nil)
	return true
}

func (c *JobController) applyUpdate(run uint64, r domain.StatusReport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if run != c.run || c.state != domain.JobStateRunning {
		return
	}

	agg := c.agg.Load()
	c.progress = r.Progress
	if r.CurrentEpoch != nil {
		e := *r.CurrentEpoch
		c.epoch = &e
	}
	if r.Message != "" {
		c.lastMessage = r.Message
	}

	var latest *domain.MetricSample
	for i := range r.History {
		if err := agg.Record(r.History[i]); err != nil {
			c.logger.Warn("dropping history sample", "job_id", c.handle, "epoch", r.History[i].Epoch, "error", err)
			continue
		}
		latest = &r.History[i]
	}
	if r.Sample != nil {
		sample := *r.Sample
		if r.SampleEpochUnknown {
			// Epoch-less metrics update the latest epoch, or start the series at 0.
			sample.Epoch, _ = agg.LastEpoch()
		}
		if err := agg.Record(sample); err != nil {
			c.logger.Warn("dropping metric sample", "job_id", c.handle, "epoch", sample.Epoch, "error", err)
		} else {
			latest = &sample
		}
	}

	c.updatedAt = time.Now()
	evt := Event{
		Topic:     c.sessionID,
		Type:      EventTypeMetric,
		State:     c.state,
		Handle:    c.handle,
		Progress:  c.progress,
		Timestamp: c.updatedAt.Unix(),
	}
	if latest != nil {
		s := latest.Clone()
		evt.Sample = &s
	}
	c.bus.Publish(evt)
}

func (c *JobController) finish(run uint64, res pollResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if run != c.run || c.state != domain.JobStateRunning {
		return
	}

	switch res.state {
	case domain.JobStateCompleted:
		c.agg.Load().Freeze()
		c.handle = ""
		c.transition(domain.JobStateCompleted, nil)
	case domain.JobStateFailed:
		err := res.err
		if err == nil {
			msg := c.lastMessage
			if msg == "" {
				msg = "no reason given"
			}
			err = fmt.Errorf("backend reported job failed: %s", msg)
		}
		c.fail(err)
	default:
		// Poll only returns CANCELLED once the run context is done, which
		// Cancel does after leaving RUNNING.
		c.logger.Warn("poller stopped without terminal status", "state", res.state)
		c.fail(fmt.Errorf("polling stopped unexpectedly in state %s", res.state))
	}
}

// fail must be called with mu held.
func (c *JobController) fail(err error) {
	c.runErr = err
	c.agg.Load().Freeze()
	c.handle = ""
	c.transition(domain.JobStateFailed, err)
}

// transition must be called with mu held.
func (c *JobController) transition(to domain.JobState, err error) {
	from := c.state
	c.state = to
	c.updatedAt = time.Now()

	attrs := []any{"from", from, "to", to}
	if c.lastHandle != "" {
		attrs = append(attrs, "job_id", c.lastHandle)
	}
	if err != nil {
		attrs = append(attrs, "error", err)
		c.logger.Error("training job state changed", attrs...)
	} else {
		c.logger.Info("training job state changed", attrs...)
	}

	evt := Event{
		Topic:     c.sessionID,
		Type:      EventTypeState,
		State:     to,
		Handle:    c.lastHandle,
		Progress:  c.progress,
		Timestamp: c.updatedAt.Unix(),
	}
	if err != nil {
		evt.Error = err.Error()
	}
	c.bus.Publish(evt)
}

// stopAsync must be called with mu held.
func (c *JobController) stopAsync(handle domain.JobHandle) {
	c.stops.Add(1)
	go func() {
		defer c.stops.Done()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
		defer cancel()

		if err := c.backend.StopTraining(ctx, handle); err != nil {
			c.logger.Warn("backend stop request failed", "job_id", handle, "error", err)
			c.bus.Publish(Event{
				Topic:     c.sessionID,
				Type:      EventTypeWarning,
				State:     domain.JobStateCancelled,
				Handle:    handle,
				Error:     fmt.Sprintf("stop request failed: %v", err),
				Timestamp: time.Now().Unix(),
			})
			return
		}
		c.logger.Info("backend stop requested", "job_id", handle)
	}()
}
