package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/tunelab/internal/core/domain"
	"github.com/manthysbr/tunelab/internal/observability"
	"go.opentelemetry.io/otel/propagation"
)

const DefaultBaseURL = "http://localhost:8000/api/v1"

// maxErrorBody caps how much of an error response is kept for messages.
const maxErrorBody = 4 << 10

// Client talks to the remote training service over JSON/HTTP.
type Client struct {
	logger  *slog.Logger
	baseURL string
	token   string
	client  *http.Client
}

type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

func NewClient(logger *slog.Logger, baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type startResponse struct {
	JobID    string `json:"jobId"`
	JobIDAlt string `json:"job_id"`
}

type errorResponse struct {
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
}

type statusResponse struct {
	Status          string                     `json:"status"`
	Progress        float64                    `json:"progress"`
	CurrentEpoch    *int                       `json:"currentEpoch"`
	CurrentEpochAlt *int                       `json:"current_epoch"`
	Metrics         map[string]json.RawMessage `json:"metrics"`
	TrainLoss       []float64                  `json:"train_loss"`
	ValLoss         []float64                  `json:"val_loss"`
	TrainAccuracy   []float64                  `json:"train_accuracy"`
	Message         string                     `json:"message"`
	Error           string                     `json:"error"`
}

// StartTraining submits cfg and returns the backend job id.
// Failures are *domain.SubmitError classified by status code.
func (c *Client) StartTraining(ctx context.Context, cfg domain.ValidatedConfig) (domain.JobHandle, error) {
	body, err := json.Marshal(cfg.Config())
	if err != nil {
		return "", &domain.SubmitError{Kind: domain.SubmitRejected, Err: fmt.Errorf("encode config: %w", err)}
	}

	resp, err := c.do(ctx, http.MethodPost, "/training/start", body)
	if err != nil {
		return "", &domain.SubmitError{Kind: domain.SubmitTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", submitErrorFromResponse(resp)
	}

	var out startResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &domain.SubmitError{Kind: domain.SubmitTransport, Err: fmt.Errorf("decode start response: %w", err)}
	}
	id := out.JobID
	if id == "" {
		id = out.JobIDAlt
	}
	if id == "" {
		return "", &domain.SubmitError{Kind: domain.SubmitTransport, Err: errors.New("start response carried no job id")}
	}
	return domain.JobHandle(id), nil
}

// GetTrainingStatus fetches and decodes one status payload.
func (c *Client) GetTrainingStatus(ctx context.Context, handle domain.JobHandle) (domain.StatusReport, error) {
	resp, err := c.do(ctx, http.MethodGet, "/training/status/"+url.PathEscape(string(handle)), nil)
	if err != nil {
		return domain.StatusReport{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.StatusReport{}, fmt.Errorf("status request returned %d: %s", resp.StatusCode, readMessage(resp.Body))
	}

	var raw statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return domain.StatusReport{}, fmt.Errorf("decode status response: %w", err)
	}
	return c.toReport(handle, raw)
}

// StopTraining asks the backend to abort the job.
func (c *Client) StopTraining(ctx context.Context, handle domain.JobHandle) error {
	resp, err := c.do(ctx, http.MethodPost, "/training/stop/"+url.PathEscape(string(handle)), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("stop request returned %d: %s", resp.StatusCode, readMessage(resp.Body))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}

	requestID := uuid.New().String()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	observability.InjectHeaders(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("backend request failed", "method", method, "path", path, "request_id", requestID, "error", err)
		return nil, fmt.Errorf("training backend connection failed: %w", err)
	}
	c.logger.Debug("backend request", "method", method, "path", path, "request_id", requestID, "status", resp.StatusCode)
	return resp, nil
}

func (c *Client) toReport(handle domain.JobHandle, raw statusResponse) (domain.StatusReport, error) {
	status := domain.BackendStatus(strings.ToLower(strings.TrimSpace(raw.Status)))
	switch status {
	case domain.BackendStatusIdle, domain.BackendStatusInitialized, domain.BackendStatusPending,
		domain.BackendStatusRunning, domain.BackendStatusCompleted, domain.BackendStatusFailed:
	case "":
		if len(raw.TrainLoss) == 0 {
			return domain.StatusReport{}, errors.New("status response carried no status")
		}
		// History-only payloads are reported by finished jobs.
		status = domain.BackendStatusCompleted
	default:
		return domain.StatusReport{}, fmt.Errorf("unknown backend status %q", raw.Status)
	}

	report := domain.StatusReport{
		Status:       status,
		Progress:     raw.Progress,
		CurrentEpoch: raw.CurrentEpoch,
		Message:      raw.Message,
	}
	if report.CurrentEpoch == nil {
		report.CurrentEpoch = raw.CurrentEpochAlt
	}
	if report.Message == "" {
		report.Message = raw.Error
	}

	if len(raw.TrainLoss) > 0 {
		report.History = historySamples(raw)
	}
	if len(raw.Metrics) > 0 {
		sample, epochKnown, err := metricSample(raw.Metrics, report.CurrentEpoch)
		if err != nil {
			return domain.StatusReport{}, err
		}
		if sample == nil {
			c.logger.Debug("incomplete metrics ignored", "job_id", handle)
		} else {
			report.Sample = sample
			report.SampleEpochUnknown = !epochKnown
		}
	}
	return report, nil
}

// historySamples rebuilds one sample per epoch from parallel loss arrays.
func historySamples(raw statusResponse) []domain.MetricSample {
	out := make([]domain.MetricSample, len(raw.TrainLoss))
	for i, loss := range raw.TrainLoss {
		s := domain.MetricSample{Epoch: i, Loss: loss}
		if i < len(raw.TrainAccuracy) {
			s.Accuracy = raw.TrainAccuracy[i]
		}
		if i < len(raw.ValLoss) {
			s.Extra = map[string]float64{"val_loss": raw.ValLoss[i]}
		}
		out[i] = s
	}
	return out
}

// metricSample decodes {epoch?, loss, accuracy, ...extra}. JSON null counts
// as absent and non-numeric extra fields are skipped. A nil sample means loss
// or accuracy was missing; epochKnown is false when neither the payload nor
// currentEpoch names the epoch.
func metricSample(fields map[string]json.RawMessage, currentEpoch *int) (sample *domain.MetricSample, epochKnown bool, err error) {
	var s domain.MetricSample
	var hasLoss, hasAccuracy bool

	for key, val := range fields {
		if bytes.Equal(bytes.TrimSpace(val), []byte("null")) {
			continue
		}
		var f float64
		if err := json.Unmarshal(val, &f); err != nil {
			if key == "epoch" || key == "loss" || key == "accuracy" {
				return nil, false, fmt.Errorf("metric %q is not a number", key)
			}
			continue
		}
		switch key {
		case "epoch":
			if f < 0 || f > math.MaxInt32 || f != math.Trunc(f) {
				return nil, false, fmt.Errorf("metric epoch %v is not a non-negative integer", f)
			}
			s.Epoch = int(f)
			epochKnown = true
		case "loss":
			s.Loss = f
			hasLoss = true
		case "accuracy":
			s.Accuracy = f
			hasAccuracy = true
		default:
			if s.Extra == nil {
				s.Extra = make(map[string]float64)
			}
			s.Extra[key] = f
		}
	}

	if !hasLoss || !hasAccuracy {
		return nil, false, nil
	}
	if !epochKnown && currentEpoch != nil {
		s.Epoch = *currentEpoch
		epochKnown = true
	}
	return &s, epochKnown, nil
}

func submitErrorFromResponse(resp *http.Response) error {
	kind, msg := readError(resp.Body)
	err := fmt.Errorf("backend returned %d: %s", resp.StatusCode, msg)

	switch {
	case kind == "auth", resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &domain.SubmitError{Kind: domain.SubmitAuth, Err: err}
	case kind == "transport", resp.StatusCode >= 500:
		return &domain.SubmitError{Kind: domain.SubmitTransport, Err: err}
	default:
		return &domain.SubmitError{Kind: domain.SubmitRejected, Err: err}
	}
}

func readMessage(r io.Reader) string {
	_, msg := readError(r)
	return msg
}

// readError extracts the error kind and a readable message from an error body.
// Both {kind, message} and {detail} bodies are understood.
func readError(r io.Reader) (string, string) {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var er errorResponse
	if err := json.Unmarshal(data, &er); err == nil {
		kind := strings.ToLower(er.Kind)
		if er.Message != "" {
			return kind, er.Message
		}
		if len(er.Detail) > 0 {
			var detail string
			if json.Unmarshal(er.Detail, &detail) == nil {
				return kind, detail
			}
			return kind, string(er.Detail)
		}
	}
	return "", strings.TrimSpace(string(data))
}
