package composition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/rberketuran/music-generation-backend/internal/core"
	"github.com/rberketuran/music-generation-backend/internal/delivery"
	"github.com/rberketuran/music-generation-backend/internal/job"
	"github.com/rberketuran/music-generation-backend/internal/media"
	"github.com/rberketuran/music-generation-backend/internal/observability"
	"github.com/rberketuran/music-generation-backend/internal/provider"
	"go.opentelemetry.io/otel/attribute"
)

// Job messages.
const (
	msgStarted            = "Music generation started"
	msgCompleted          = "Music generation completed"
	msgFailed             = "Music generation failed"
	msgAssumeProcessing   = "Status checking not available - assuming processing"
	msgPollErrorFormat    = "Error checking status: %v"
	artifactKeyFormat     = "compositions/%s%s"
	artifactNameFormat    = "generated-music-%s%s"
	defaultAudioFormat    = media.FormatMP3
	errNoHandleNoArtifact = "acknowledgment carried neither a task handle nor audio"
)

// Provider is the remote composition service as seen by the controller.
type Provider interface {
	Compose(ctx context.Context, plan any) (*provider.Acknowledgment, error)
	Status(ctx context.Context, handle string) (*provider.StatusReport, error)
	Audio(ctx context.Context, handle string) ([]byte, string, error)
	Subscription(ctx context.Context) (map[string]any, error)
}

// Controller runs the submit, poll and fetch operations of composition jobs.
type Controller struct {
	store         *job.Store
	provider      Provider
	artifacts     core.ObjectStore
	defaultGender string
	tracer        *observability.Tracer
	log           *logger.Logger
}

// NewController creates a composition controller.
func NewController(
	store *job.Store,
	remote Provider,
	artifacts core.ObjectStore,
	defaultGender string,
	tracer *observability.Tracer,
	log *logger.Logger,
) *Controller {
	return &Controller{
		store:         store,
		provider:      remote,
		artifacts:     artifacts,
		defaultGender: defaultGender,
		tracer:        tracer,
		log:           log,
	}
}

// Submit validates the request, sends the plan to the provider and records a job.
// Provider failures are returned without creating a record.
func (c *Controller) Submit(ctx context.Context, req *Request) (record job.Record, err error) {
	ctx, span := c.tracer.StartSpan(ctx, "composition.submit")
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	err = req.Validate()
	if err != nil {
		return job.Record{}, err
	}

	plan := BuildPlan(req, c.defaultGender)

	timing := observability.StartServerTiming(ctx, "provider", "compose request")
	ack, err := c.provider.Compose(ctx, plan)
	timing.Stop()

	if err != nil {
		return job.Record{}, fmt.Errorf("%w: %w", core.ErrProvider, err)
	}

	if ack.Handle == "" && len(ack.Audio) == 0 {
		return job.Record{}, fmt.Errorf("%w: %s", core.ErrProvider, errNoHandleNoArtifact)
	}

	var ref *job.ArtifactRef

	if len(ack.Audio) > 0 {
		ref, err = c.storeAudio(ctx, uuid.NewString(), ack.Audio, ack.ContentType)
		if err != nil {
			return job.Record{}, err
		}
	}

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return job.Record{}, fmt.Errorf("failed to marshal composition plan: %w", err)
	}

	record, err = c.store.Create(job.KindComposition, job.Fields{
		Message:        msgStarted,
		InputRef:       string(planJSON),
		ProviderHandle: ack.Handle,
	})
	if err != nil {
		c.discard(ref)

		return job.Record{}, err
	}

	span.SetAttributes(observability.JobAttrs(record.ID, string(job.KindComposition))...)
	span.SetAttributes(attribute.String(observability.AttrHandle, ack.Handle))

	if ref == nil {
		c.log.Info("Job %s: composition submitted with provider handle %s", record.ID, ack.Handle)

		return record, nil
	}

	ref.Filename = artifactName(record.ID, ref.ContentType)

	record, err = c.store.Update(record.ID, func(r *job.Record) error {
		r.Status = job.StatusCompleted
		r.OutputRef = ref
		r.Progress = job.Percent(100)
		r.Message = msgCompleted

		return nil
	})
	if err != nil {
		return record, fmt.Errorf("failed to record embedded composition audio: %w", err)
	}

	c.log.Info("Job %s: composition completed synchronously (%d bytes)", record.ID, len(ack.Audio))

	return record, nil
}

// Poll refreshes a non-terminal job from the provider and returns its snapshot.
// Remote failures never change the job; the returned snapshot carries an advisory
// message instead.
func (c *Controller) Poll(ctx context.Context, id string) (job.Record, error) {
	record, err := c.store.GetKind(id, job.KindComposition)
	if err != nil {
		return job.Record{}, err
	}

	if record.Status.Terminal() {
		return record, nil
	}

	ctx, span := c.tracer.StartSpan(ctx, "composition.poll", observability.JobAttrs(id, string(job.KindComposition))...)
	defer span.End()

	timing := observability.StartServerTiming(ctx, "provider", "status request")
	report, err := c.provider.Status(ctx, record.ProviderHandle)
	timing.Stop()

	if errors.Is(err, provider.ErrNotImplemented) {
		return c.store.Update(id, func(r *job.Record) error {
			if r.Status == job.StatusPending {
				r.Status = job.StatusProcessing
			}

			if !r.Status.Terminal() {
				r.Message = msgAssumeProcessing
			}

			return nil
		})
	}

	if err != nil {
		observability.RecordError(span, err)
		c.log.Warn("Job %s: status check failed: %v", id, err)
		record.Message = fmt.Sprintf(msgPollErrorFormat, err)

		return record, nil
	}

	remote := MapRemoteStatus(report.Status)

	return c.store.Update(id, func(r *job.Record) error {
		applyReport(r, remote, report)

		return nil
	})
}

// MapRemoteStatus maps a provider status into the job model. Anything outside the
// four known states counts as processing.
func MapRemoteStatus(remote string) job.Status {
	status := job.Status(strings.ToLower(strings.TrimSpace(remote)))
	if status.Valid() {
		return status
	}

	return job.StatusProcessing
}

func applyReport(r *job.Record, remote job.Status, report *provider.StatusReport) {
	if r.Status.Terminal() {
		return
	}

	if remote.Rank() < r.Status.Rank() {
		remote = r.Status
	}

	if report.Progress != nil {
		if progress := job.Percent(*report.Progress); progress != nil {
			r.Progress = progress
		}
	}

	switch remote {
	case job.StatusCompleted:
		r.Status = job.StatusCompleted
		r.OutputRef = &job.ArtifactRef{
			Source:      job.SourceProvider,
			Key:         r.ProviderHandle,
			ContentType: defaultAudioFormat.ContentType(),
			Filename:    artifactName(r.ID, ""),
		}
		r.Progress = job.Percent(100)
		r.Message = msgCompleted
	case job.StatusFailed:
		message := report.Message
		if message == "" {
			message = msgFailed
		}

		r.Status = job.StatusFailed
		r.Error = message
		r.Message = message
		r.Progress = nil
	case job.StatusPending, job.StatusProcessing:
		r.Status = remote
		if report.Message != "" {
			r.Message = report.Message
		}
	}
}

// FetchArtifact returns the audio of a completed job. Audio embedded in the
// acknowledgment is served from the object store; otherwise it is downloaded from
// the provider once and cached.
func (c *Controller) FetchArtifact(ctx context.Context, id string) (artifact *delivery.Artifact, err error) {
	record, err := c.store.GetKind(id, job.KindComposition)
	if err != nil {
		return nil, err
	}

	if record.Status != job.StatusCompleted {
		return nil, fmt.Errorf("%w. Current status: %s", core.ErrNotReady, record.Status)
	}

	ctx, span := c.tracer.StartSpan(ctx, "composition.fetch", observability.JobAttrs(id, string(job.KindComposition))...)
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	ref := record.OutputRef
	if ref.Source == job.SourceStore {
		data, downloadErr := c.artifacts.Download(ctx, ref.Key)
		if errors.Is(downloadErr, core.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %w", core.ErrArtifactMissing, downloadErr)
		}

		if downloadErr != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrRetrieval, downloadErr)
		}

		return &delivery.Artifact{Data: data, ContentType: ref.ContentType, Filename: ref.Filename, ModTime: record.UpdatedAt}, nil
	}

	timing := observability.StartServerTiming(ctx, "provider", "audio download")
	data, contentType, err := c.provider.Audio(ctx, ref.Key)
	timing.Stop()

	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrRetrieval, err)
	}

	if contentType == "" {
		contentType = ref.ContentType
	}

	format := audioFormat(contentType)
	c.cache(ctx, id, data, format)

	return &delivery.Artifact{
		Data:        data,
		ContentType: format.ContentType(),
		Filename:    artifactName(id, format.ContentType()),
		ModTime:     record.UpdatedAt,
	}, nil
}

// cache stores downloaded provider audio and repoints the job at the stored copy.
func (c *Controller) cache(ctx context.Context, id string, data []byte, format media.Format) {
	ref, err := c.storeAudio(ctx, id, data, format.ContentType())
	if err != nil {
		c.log.Warn("Job %s: could not cache composition audio: %v", id, err)

		return
	}

	_, err = c.store.Update(id, func(r *job.Record) error {
		r.OutputRef = ref

		return nil
	})
	if err != nil {
		c.log.Warn("Job %s: could not record cached composition audio: %v", id, err)
		c.discard(ref)
	}
}

// storeAudio labels the stored object by the reported content type, falling
// back to MP3 when the type is missing or not an audio format.
func (c *Controller) storeAudio(ctx context.Context, name string, data []byte, contentType string) (*job.ArtifactRef, error) {
	format := audioFormat(contentType)
	key := fmt.Sprintf(artifactKeyFormat, name, format.Extension())

	err := c.artifacts.Upload(ctx, key, data)
	if err != nil {
		return nil, fmt.Errorf("failed to store composition audio: %w", err)
	}

	return &job.ArtifactRef{
		Source:      job.SourceStore,
		Key:         key,
		ContentType: format.ContentType(),
		Filename:    artifactName(name, format.ContentType()),
	}, nil
}

func audioFormat(contentType string) media.Format {
	format, ok := media.FormatForContentType(contentType)
	if !ok {
		return defaultAudioFormat
	}

	return format
}

func artifactName(id, contentType string) string {
	return fmt.Sprintf(artifactNameFormat, id, audioFormat(contentType).Extension())
}

func (c *Controller) discard(ref *job.ArtifactRef) {
	if ref == nil || ref.Source != job.SourceStore {
		return
	}

	err := c.artifacts.Delete(context.Background(), ref.Key)
	if err != nil {
		c.log.Warn("Failed to delete orphaned artifact %s: %v", ref.Key, err)
	}
}

// Evict releases the stored artifact of an evicted job.
func (c *Controller) Evict(_ context.Context, record job.Record) {
	c.discard(record.OutputRef)
}

// Credits returns the decoded account usage figures.
func (c *Controller) Credits(ctx context.Context) (*provider.Credits, error) {
	fields, err := c.RawSubscription(ctx)
	if err != nil {
		return nil, err
	}

	return provider.DecodeCredits(fields), nil
}

// RawSubscription returns the provider's subscription document as decoded JSON.
func (c *Controller) RawSubscription(ctx context.Context) (map[string]any, error) {
	fields, err := c.provider.Subscription(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrProvider, err)
	}

	return fields, nil
}
