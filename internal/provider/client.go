// Package provider implements the HTTP client for the remote music composition
// provider (ElevenLabs) together with tolerant decoders for its responses.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/rberketuran/music-generation-backend/internal/observability"
	"go.opentelemetry.io/otel/attribute"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	headerAPIKey      = "xi-api-key"
	handlePlaceholder = "{task_id}"
	maxResponseBytes  = 64 << 20
	maxErrorBodyBytes = 4 << 10
)

var (
	// ErrNotImplemented indicates that the provider offers no endpoint for the operation.
	ErrNotImplemented = errors.New("operation not supported by provider")
	// ErrMissingAPIKey indicates that the client was configured without credentials.
	ErrMissingAPIKey = errors.New("provider API key is empty")
	// ErrEmptyHandle indicates a status or audio request without a task handle.
	ErrEmptyHandle = errors.New("provider task handle is empty")
	// ErrEmptyAudio indicates an audio response without bytes.
	ErrEmptyAudio = errors.New("received empty audio data")
)

// Config holds the endpoint layout of the provider. An empty StatusPath or
// AudioPath means the provider does not offer that operation.
type Config struct {
	BaseURL          string
	APIKey           string
	ComposePath      string
	StatusPath       string
	AudioPath        string
	SubscriptionPath string
	Timeout          time.Duration
}

// ErrorResponse represents a structured error body returned by the provider.
type ErrorResponse struct {
	Detail any `json:"detail"`
}

// Client talks to the provider over HTTP.
type Client struct {
	httpClient *http.Client
	config     Config
	tracer     *observability.Tracer
	metrics    *observability.Metrics
	log        *logger.Logger
}

// NewClient creates a provider client.
func NewClient(cfg Config, tracer *observability.Tracer, metrics *observability.Metrics, log *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		tracer:     tracer,
		metrics:    metrics,
		log:        log,
	}, nil
}

// Compose submits a composition plan.
func (c *Client) Compose(ctx context.Context, plan any) (ack *Acknowledgment, err error) {
	ctx, span := c.tracer.StartSpan(ctx, "provider.compose")
	defer func() {
		observability.RecordError(span, err)
		c.metrics.RecordProviderCall(ctx, "compose", err)
		span.End()
	}()

	payload, err := json.Marshal(map[string]any{"composition_plan": plan})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal composition plan: %w", err)
	}

	contentType, body, err := c.do(ctx, http.MethodPost, c.config.ComposePath, payload)
	if err != nil {
		return nil, err
	}

	ack, err = DecodeAcknowledgment(contentType, body)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String(observability.AttrHandle, ack.Handle), attribute.Int("studio.provider.audio_bytes", len(ack.Audio)))

	return ack, nil
}

// Status queries the remote state of a composition.
func (c *Client) Status(ctx context.Context, handle string) (report *StatusReport, err error) {
	ctx, span := c.tracer.StartSpan(ctx, "provider.status", attribute.String(observability.AttrHandle, handle))
	defer func() {
		observability.RecordError(span, err)
		c.metrics.RecordProviderCall(ctx, "status", err)
		span.End()
	}()

	path, err := c.handlePath(c.config.StatusPath, handle)
	if err != nil {
		return nil, err
	}

	_, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	return DecodeStatus(body)
}

// Audio downloads the finished audio of a composition.
func (c *Client) Audio(ctx context.Context, handle string) (audio []byte, contentType string, err error) {
	ctx, span := c.tracer.StartSpan(ctx, "provider.audio", attribute.String(observability.AttrHandle, handle))
	defer func() {
		observability.RecordError(span, err)
		c.metrics.RecordProviderCall(ctx, "audio", err)
		span.End()
	}()

	path, err := c.handlePath(c.config.AudioPath, handle)
	if err != nil {
		return nil, "", err
	}

	responseType, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}

	ack, err := DecodeAcknowledgment(responseType, body)
	if err != nil {
		return nil, "", err
	}

	if len(ack.Audio) == 0 {
		return nil, "", ErrEmptyAudio
	}

	return ack.Audio, ack.ContentType, nil
}

// Subscription returns the raw decoded account subscription document.
func (c *Client) Subscription(ctx context.Context) (fields map[string]any, err error) {
	ctx, span := c.tracer.StartSpan(ctx, "provider.subscription")
	defer func() {
		observability.RecordError(span, err)
		c.metrics.RecordProviderCall(ctx, "subscription", err)
		span.End()
	}()

	if c.config.SubscriptionPath == "" {
		return nil, ErrNotImplemented
	}

	_, body, err := c.do(ctx, http.MethodGet, c.config.SubscriptionPath, nil)
	if err != nil {
		return nil, err
	}

	return decodeObject(body)
}

func (c *Client) handlePath(template, handle string) (string, error) {
	if template == "" {
		return "", ErrNotImplemented
	}

	if handle == "" {
		return "", ErrEmptyHandle
	}

	escaped := url.PathEscape(handle)
	if strings.Contains(template, handlePlaceholder) {
		return strings.ReplaceAll(template, handlePlaceholder, escaped), nil
	}

	return strings.TrimRight(template, "/") + "/" + escaped, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (string, []byte, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(headerAPIKey, c.config.APIKey)
	req.Header.Set(headerAccept, "*/*")

	if payload != nil {
		req.Header.Set(headerContentType, contentTypeJSON)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("failed to send request to provider at %s: %w", c.config.BaseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotImplemented || resp.StatusCode == http.StatusMethodNotAllowed {
		return "", nil, fmt.Errorf("%w: %s %s returned %s", ErrNotImplemented, method, path, resp.Status)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", nil, parseErrorResponse(resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	return resp.Header.Get(headerContentType), data, nil
}

// parseErrorResponse attempts to decode a structured JSON error from the provider.
// If structured parsing fails, it falls back to the raw response body.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != nil {
		detail := errorResp.Detail
		if nested, ok := detail.(map[string]any); ok && nested["message"] != nil {
			detail = nested["message"]
		}

		return fmt.Errorf("provider error (%s): %v", resp.Status, detail)
	}

	return fmt.Errorf("provider returned non-OK status: %s, body: %s", resp.Status, strings.TrimSpace(string(body)))
}
