// Package intake accepts voice conversion requests over NATS request/reply.
package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
	"github.com/rberketuran/music-generation-backend/internal/conversion"
	"github.com/rberketuran/music-generation-backend/internal/core"
	"github.com/rberketuran/music-generation-backend/internal/job"
)

const handleMessageTimeout = 30 * time.Second

var (
	// ErrInputKeyEmpty indicates a request without an object store key.
	ErrInputKeyEmpty = errors.New("input_key cannot be empty")
	// ErrFilenameEmpty indicates a request without an upload filename.
	ErrFilenameEmpty = errors.New("filename cannot be empty")
)

// Submitter is the part of the conversion controller the intake drives.
type Submitter interface {
	Submit(ctx context.Context, filename string, upload io.Reader, params core.ConversionParams) (job.Record, error)
}

// ConversionRequest asks for the conversion of an object already in the store.
// Nil controls keep their defaults.
type ConversionRequest struct {
	Header       events.EventHeader `json:"header"`
	InputKey     string             `json:"input_key"`
	Filename     string             `json:"filename"`
	PitchShift   *int               `json:"f0_up_key,omitempty"`
	F0Method     *string            `json:"f0_method,omitempty"`
	IndexRate    *float64           `json:"index_rate,omitempty"`
	FilterRadius *int               `json:"filter_radius,omitempty"`
	RMSMixRate   *float64           `json:"rms_mix_rate,omitempty"`
	Protect      *float64           `json:"protect,omitempty"`
	ResampleRate *int               `json:"resample_sr,omitempty"`
}

// ConversionReply answers a ConversionRequest.
type ConversionReply struct {
	Header events.EventHeader `json:"header"`
	JobID  string             `json:"job_id,omitempty"`
	Status string             `json:"status,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// NatsIntake listens for conversion requests on a NATS subject.
type NatsIntake struct {
	natsConnection *nats.Conn
	subject        string
	store          core.ObjectStore
	conversions    Submitter
	log            *logger.Logger
}

// NewNatsIntake creates an intake on an established connection.
func NewNatsIntake(
	natsConnection *nats.Conn,
	subject string,
	store core.ObjectStore,
	conversions Submitter,
	log *logger.Logger,
) *NatsIntake {
	return &NatsIntake{
		natsConnection: natsConnection,
		subject:        subject,
		store:          store,
		conversions:    conversions,
		log:            log,
	}
}

// Run subscribes and serves requests until ctx is done.
func (n *NatsIntake) Run(ctx context.Context) error {
	sub, err := n.natsConnection.Subscribe(n.subject, n.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", n.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (n *NatsIntake) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	var req ConversionRequest

	err := json.Unmarshal(msg.Data, &req)
	if err != nil {
		n.log.Error("Failed to unmarshal conversion request: %v", err)
		n.respond(msg, ConversionReply{Error: fmt.Sprintf("failed to unmarshal request: %v", err)})

		return
	}

	reply := ConversionReply{Header: req.Header}

	record, err := n.submit(ctx, req)
	if err != nil {
		n.log.Error("Conversion request for workflow %s rejected: %v", req.Header.WorkflowID, err)
		reply.Error = err.Error()
	} else {
		n.log.Info("Conversion request for workflow %s accepted as job %s", req.Header.WorkflowID, record.ID)
		reply.JobID = record.ID
		reply.Status = string(record.Status)
	}

	n.respond(msg, reply)
}

func (n *NatsIntake) submit(ctx context.Context, req ConversionRequest) (job.Record, error) {
	switch {
	case req.InputKey == "":
		return job.Record{}, fmt.Errorf("%w: %w", core.ErrValidation, ErrInputKeyEmpty)
	case req.Filename == "":
		return job.Record{}, fmt.Errorf("%w: %w", core.ErrValidation, ErrFilenameEmpty)
	}

	data, err := n.store.Download(ctx, req.InputKey)
	if err != nil {
		return job.Record{}, fmt.Errorf("failed to download input for key '%s': %w", req.InputKey, err)
	}

	return n.conversions.Submit(ctx, req.Filename, bytes.NewReader(data), req.params())
}

func (req ConversionRequest) params() core.ConversionParams {
	params := conversion.DefaultParams()

	if req.PitchShift != nil {
		params.PitchShift = *req.PitchShift
	}

	if req.F0Method != nil {
		params.F0Method = *req.F0Method
	}

	if req.IndexRate != nil {
		params.IndexRate = *req.IndexRate
	}

	if req.FilterRadius != nil {
		params.FilterRadius = *req.FilterRadius
	}

	if req.RMSMixRate != nil {
		params.RMSMixRate = *req.RMSMixRate
	}

	if req.Protect != nil {
		params.Protect = *req.Protect
	}

	if req.ResampleRate != nil {
		params.ResampleRate = *req.ResampleRate
	}

	return params
}

// respond is a no-op for plain publishes without a reply subject.
func (n *NatsIntake) respond(msg *nats.Msg, reply ConversionReply) {
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		n.log.Error("Failed to marshal conversion reply: %v", err)

		return
	}

	err = msg.Respond(data)
	if err != nil {
		n.log.Error("Failed to publish conversion reply: %v", err)
	}
}
