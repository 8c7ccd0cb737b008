// Package client provides an HTTP client for the studio service API.
//
// It covers both workflows: submitting compositions and voice conversions, polling
// their jobs until they settle and downloading the finished audio.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// API endpoints and paths.
const (
	apiHealth             = "/health"
	apiGenerate           = "/api/generate"
	apiCompositionStatus  = "/api/status/"
	apiCompositionAudio   = "/api/download/"
	apiCredits            = "/api/credits"
	apiConversionUpload   = "/api/voice-conversion/upload"
	apiConversionStatus   = "/api/voice-conversion/status/"
	apiConversionDownload = "/api/voice-conversion/download/"
	apiConversionCancel   = "/api/voice-conversion/cancel/"
)

// HTTP headers and form fields.
const (
	headerContentType        = "Content-Type"
	headerContentDisposition = "Content-Disposition"
	contentTypeJSON          = "application/json"
	formAudioFile            = "audio_file"
	dispositionFilename      = "filename"
)

// Job statuses reported by the service.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Error messages.
const (
	errStyleCannotBeEmpty    = "style cannot be empty"
	errJobIDCannotBeEmpty    = "job id cannot be empty"
	errReceivedEmptyAudio    = "received empty audio data"
	errFmtServiceError       = "studio service error (%s): %s"
	errFmtServiceNonOKStatus = "studio service returned non-OK status: %s, body: %s"
)

var (
	// ErrJobFailed is returned by the wait helpers when a job ends in failure.
	ErrJobFailed = errors.New("job failed")
	// ErrInvalidArgument is returned when a request is rejected before it is sent.
	ErrInvalidArgument = errors.New("invalid argument")
)

// HTTPClient talks to a running studio service.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// GenerateRequest is the composition submission payload.
type GenerateRequest struct {
	IsInstrumental  bool    `json:"is_instrumental"`
	VocalGender     *string `json:"vocal_gender,omitempty"`
	Lyrics          *string `json:"lyrics,omitempty"`
	Style           string  `json:"style"`
	DurationSeconds int     `json:"duration_seconds"`
}

// JobStatus is the state of a composition or conversion job. ID holds task_id for
// compositions and job_id for conversions.
type JobStatus struct {
	ID       string   `json:"-"`
	TaskID   string   `json:"task_id,omitempty"`
	JobID    string   `json:"job_id,omitempty"`
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Terminal reports whether the job can no longer change.
func (s *JobStatus) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// Credits are the account usage figures of the composition provider.
type Credits struct {
	RemainingCredits *float64 `json:"remaining_credits"`
	TotalCredits     *float64 `json:"total_credits"`
	SubscriptionTier *string  `json:"subscription_tier"`
}

// Health is the service health report.
type Health struct {
	Status                string `json:"status"`
	CompositionConfigured bool   `json:"composition_configured"`
	ConversionAvailable   bool   `json:"conversion_available"`
	ConversionError       string `json:"conversion_error,omitempty"`
}

// ConversionParams are the optional numeric controls of a conversion. Nil fields
// are left to the service defaults.
type ConversionParams struct {
	F0UpKey      *int
	F0Method     string
	IndexRate    *float64
	FilterRadius *int
	RMSMixRate   *float64
	Protect      *float64
	ResampleSR   *int
}

// Audio is a downloaded artifact.
type Audio struct {
	Data        []byte
	ContentType string
	Filename    string
}

// errorResponse is the error body returned by the service.
type errorResponse struct {
	Detail string `json:"detail"`
}

// NewHTTPClient creates a client for the service at baseURL, for example
// "http://localhost:8000". The timeout applies to every request.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// HealthCheck fetches the service health report.
func (c *HTTPClient) HealthCheck(ctx context.Context) (*Health, error) {
	var health Health

	err := c.doJSON(ctx, http.MethodGet, apiHealth, nil, &health)
	if err != nil {
		return nil, fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}

	return &health, nil
}

// Generate submits a composition and returns its initial status.
func (c *HTTPClient) Generate(ctx context.Context, req GenerateRequest) (*JobStatus, error) {
	if req.Style == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgument, errStyleCannotBeEmpty)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var status JobStatus

	err = c.doJSON(ctx, http.MethodPost, apiGenerate, bytes.NewReader(body), &status)
	if err != nil {
		return nil, err
	}

	status.ID = status.TaskID

	return &status, nil
}

// CompositionStatus polls a composition task.
func (c *HTTPClient) CompositionStatus(ctx context.Context, taskID string) (*JobStatus, error) {
	return c.status(ctx, apiCompositionStatus, taskID)
}

// DownloadComposition fetches the audio of a completed composition.
func (c *HTTPClient) DownloadComposition(ctx context.Context, taskID string) (*Audio, error) {
	return c.download(ctx, apiCompositionAudio, taskID)
}

// Credits fetches the provider account usage.
func (c *HTTPClient) Credits(ctx context.Context) (*Credits, error) {
	var credits Credits

	err := c.doJSON(ctx, http.MethodGet, apiCredits, nil, &credits)
	if err != nil {
		return nil, err
	}

	return &credits, nil
}

// UploadConversion uploads an audio file for voice conversion.
func (c *HTTPClient) UploadConversion(ctx context.Context, inputPath string, params ConversionParams) (*JobStatus, error) {
	payload, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}

	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile(formAudioFile, filepath.Base(inputPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}

	_, err = part.Write(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to write form file: %w", err)
	}

	for key, value := range params.fields() {
		err = writer.WriteField(key, value)
		if err != nil {
			return nil, fmt.Errorf("failed to write form field %s: %w", key, err)
		}
	}

	err = writer.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiConversionUpload, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(headerContentType, writer.FormDataContentType())

	var status JobStatus

	err = c.send(req, &status)
	if err != nil {
		return nil, err
	}

	status.ID = status.JobID

	return &status, nil
}

func (p ConversionParams) fields() map[string]string {
	fields := make(map[string]string)

	if p.F0UpKey != nil {
		fields["f0_up_key"] = strconv.Itoa(*p.F0UpKey)
	}

	if p.F0Method != "" {
		fields["f0_method"] = p.F0Method
	}

	if p.IndexRate != nil {
		fields["index_rate"] = strconv.FormatFloat(*p.IndexRate, 'f', -1, 64)
	}

	if p.FilterRadius != nil {
		fields["filter_radius"] = strconv.Itoa(*p.FilterRadius)
	}

	if p.RMSMixRate != nil {
		fields["rms_mix_rate"] = strconv.FormatFloat(*p.RMSMixRate, 'f', -1, 64)
	}

	if p.Protect != nil {
		fields["protect"] = strconv.FormatFloat(*p.Protect, 'f', -1, 64)
	}

	if p.ResampleSR != nil {
		fields["resample_sr"] = strconv.Itoa(*p.ResampleSR)
	}

	return fields
}

// ConversionStatus polls a conversion job.
func (c *HTTPClient) ConversionStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	return c.status(ctx, apiConversionStatus, jobID)
}

// DownloadConversion fetches the audio of a completed conversion.
func (c *HTTPClient) DownloadConversion(ctx context.Context, jobID string) (*Audio, error) {
	return c.download(ctx, apiConversionDownload, jobID)
}

// CancelConversion cancels a running conversion.
func (c *HTTPClient) CancelConversion(ctx context.Context, jobID string) (*JobStatus, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgument, errJobIDCannotBeEmpty)
	}

	var status JobStatus

	err := c.doJSON(ctx, http.MethodPost, apiConversionCancel+url.PathEscape(jobID), nil, &status)
	if err != nil {
		return nil, err
	}

	status.ID = status.JobID

	return &status, nil
}

// PollFunc fetches the current status of one job.
type PollFunc func(ctx context.Context, id string) (*JobStatus, error)

// WaitForTerminal polls every interval until the job completes or fails. A failed
// job is returned together with ErrJobFailed.
func WaitForTerminal(ctx context.Context, poll PollFunc, id string, interval time.Duration) (*JobStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := poll(ctx, id)
		if err != nil {
			return nil, err
		}

		if status.Status == StatusFailed {
			return status, fmt.Errorf("%w: %s", ErrJobFailed, firstNonEmpty(status.Error, status.Message))
		}

		if status.Terminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, fmt.Errorf("stopped waiting for job %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}

	return ""
}

func (c *HTTPClient) status(ctx context.Context, prefix, id string) (*JobStatus, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgument, errJobIDCannotBeEmpty)
	}

	var status JobStatus

	err := c.doJSON(ctx, http.MethodGet, prefix+url.PathEscape(id), nil, &status)
	if err != nil {
		return nil, err
	}

	status.ID = firstNonEmpty(status.TaskID, status.JobID)

	return &status, nil
}

func (c *HTTPClient) download(ctx context.Context, prefix, id string) (*Audio, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgument, errJobIDCannotBeEmpty)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+prefix+url.PathEscape(id), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to studio service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(data) == 0 {
		return nil, errors.New(errReceivedEmptyAudio)
	}

	audio := &Audio{Data: data, ContentType: resp.Header.Get(headerContentType)}

	_, params, err := mime.ParseMediaType(resp.Header.Get(headerContentDisposition))
	if err == nil {
		audio.Filename = params[dispositionFilename]
	}

	return audio, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body io.Reader, out any) error {
	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != http.NoBody {
		req.Header.Set(headerContentType, contentTypeJSON)
	}

	return c.send(req, out)
}

func (c *HTTPClient) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to studio service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp)
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// parseErrorResponse decodes the service's JSON error detail, falling back to the
// raw body when the response is not JSON.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errorResp errorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return &ServiceError{StatusCode: resp.StatusCode, Detail: errorResp.Detail, status: resp.Status}
	}

	return &ServiceError{StatusCode: resp.StatusCode, Detail: string(body), status: resp.Status, raw: true}
}

// ServiceError is a non-OK response from the service.
type ServiceError struct {
	StatusCode int
	Detail     string
	status     string
	raw        bool
}

func (e *ServiceError) Error() string {
	if e.raw {
		return fmt.Sprintf(errFmtServiceNonOKStatus, e.status, e.Detail)
	}

	return fmt.Sprintf(errFmtServiceError, e.status, e.Detail)
}
