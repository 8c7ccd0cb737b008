// Package events publishes job lifecycle transitions to NATS.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rberketuran/music-generation-backend/internal/job"
)

// JobEvent is the JSON payload published for every committed status change.
type JobEvent struct {
	Header         events.EventHeader `json:"header"`
	JobID          string             `json:"job_id"`
	Kind           string             `json:"kind"`
	Status         string             `json:"status"`
	PreviousStatus string             `json:"previous_status,omitempty"`
	Progress       *float64           `json:"progress,omitempty"`
	Message        string             `json:"message,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// Publisher sends job events on <prefix>.<kind>.<status>.
type Publisher struct {
	natsConnection *nats.Conn
	subjectPrefix  string
	log            *logger.Logger
}

// NewPublisher creates a publisher on an established connection.
func NewPublisher(natsConnection *nats.Conn, subjectPrefix string, log *logger.Logger) *Publisher {
	return &Publisher{
		natsConnection: natsConnection,
		subjectPrefix:  subjectPrefix,
		log:            log,
	}
}

// Subject returns the subject a record's current status is published on.
func (p *Publisher) Subject(record job.Record) string {
	return fmt.Sprintf("%s.%s.%s", p.subjectPrefix, record.Kind, record.Status)
}

// Publish sends one transition event.
func (p *Publisher) Publish(before, after job.Record) error {
	event := JobEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: after.ID,
			EventID:    uuid.NewString(),
		},
		JobID:          after.ID,
		Kind:           string(after.Kind),
		Status:         string(after.Status),
		PreviousStatus: string(before.Status),
		Progress:       after.Progress,
		Message:        after.Message,
		Error:          after.Error,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	subject := p.Subject(after)

	err = p.natsConnection.Publish(subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish job event to %s: %w", subject, err)
	}

	return nil
}

// Listener adapts the publisher to a job store listener. Publish failures are logged
// and never affect the job.
func (p *Publisher) Listener() job.Listener {
	return func(before, after job.Record) {
		err := p.Publish(before, after)
		if err != nil {
			p.log.Warn("Job %s: %v", after.ID, err)
		}
	}
}
