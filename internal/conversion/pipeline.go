package conversion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rberketuran/music-generation-backend/internal/core"
	"github.com/rberketuran/music-generation-backend/internal/job"
	"github.com/rberketuran/music-generation-backend/internal/media"
	"github.com/rberketuran/music-generation-backend/internal/observability"
	"go.opentelemetry.io/otel/attribute"
)

const (
	normalizedName     = "normalized.wav"
	convertedName      = "output.wav"
	encodedBaseName    = "output"
	artifactKeyFormat  = "conversions/%s%s"
	artifactNameFormat = "voice-converted-%s%s"

	progressStarted    = 10
	progressConverting = 30
	progressEncoding   = 80
	progressDone       = 100

	msgStarted      = "Starting voice conversion..."
	msgConverting   = "Converting voice..."
	msgEncoding     = "Encoding output..."
	msgCompleted    = "Voice conversion completed!"
	msgFailedFormat = "Processing failed: %v"
)

// ErrPipelinePanic indicates that a pipeline stage panicked.
var ErrPipelinePanic = errors.New("voice conversion pipeline panicked")

var errAlreadyTerminal = errors.New("job already terminal")

// process runs one conversion job to a terminal state. The work directory is
// removed on every exit path.
func (c *Controller) process(ctx context.Context, id, workDir, inputPath string, params core.ConversionParams) {
	started := time.Now()

	ctx, span := c.Tracer.StartSpan(ctx, "conversion.pipeline",
		append(observability.JobAttrs(id, string(job.KindConversion)),
			attribute.String(observability.AttrF0Method, params.F0Method))...)

	defer span.End()
	defer c.unregister(id)
	defer c.removeWorkDir(workDir)

	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}

		err := fmt.Errorf("%w: %v", ErrPipelinePanic, recovered)
		c.Log.Error("Job %s: %v", id, err)
		observability.RecordError(span, err)
		c.fail(id, err)
		c.Metrics.RecordPipeline(ctx, job.StatusFailed, time.Since(started))
	}()

	err := c.execute(ctx, id, workDir, inputPath, params)
	if err != nil {
		observability.RecordError(span, err)
		c.fail(id, err)
		c.Metrics.RecordPipeline(ctx, job.StatusFailed, time.Since(started))

		return
	}

	c.Metrics.RecordPipeline(ctx, job.StatusCompleted, time.Since(started))
	c.Log.Info("Job %s: processing complete in %s", id, time.Since(started).Round(time.Millisecond))
}

func (c *Controller) execute(ctx context.Context, id, workDir, inputPath string, params core.ConversionParams) error {
	err := ctx.Err()
	if err != nil {
		return err
	}

	err = c.advance(id, progressStarted, msgStarted)
	if err != nil {
		return err
	}

	source := c.normalize(ctx, id, workDir, inputPath)

	err = c.advance(id, progressConverting, msgConverting)
	if err != nil {
		return err
	}

	converted := filepath.Join(workDir, convertedName)

	err = c.Engine.Convert(ctx, source, converted, params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		return fmt.Errorf("voice conversion failed: %w", err)
	}

	err = c.advance(id, progressEncoding, msgEncoding)
	if err != nil {
		return err
	}

	final, format := c.encode(ctx, id, workDir, converted)

	data, err := os.ReadFile(final)
	if err != nil {
		return fmt.Errorf("failed to read converted audio: %w", err)
	}

	key := fmt.Sprintf(artifactKeyFormat, id, format.Extension())

	err = c.Artifacts.Upload(ctx, key, data)
	if err != nil {
		return fmt.Errorf("failed to store converted audio: %w", err)
	}

	_, err = c.Store.Update(id, func(r *job.Record) error {
		r.Status = job.StatusCompleted
		r.Progress = job.Percent(progressDone)
		r.Message = msgCompleted
		r.OutputRef = &job.ArtifactRef{
			Source:      job.SourceStore,
			Key:         key,
			ContentType: format.ContentType(),
			Filename:    fmt.Sprintf(artifactNameFormat, id, format.Extension()),
		}

		return nil
	})
	if err != nil {
		deleteErr := c.Artifacts.Delete(context.WithoutCancel(ctx), key)
		if deleteErr != nil {
			c.Log.Warn("Job %s: failed to delete orphaned artifact %s: %v", id, key, deleteErr)
		}

		return fmt.Errorf("failed to record completion: %w", err)
	}

	return nil
}

// advance moves the job to processing with the given progress and message.
func (c *Controller) advance(id string, progress float64, message string) error {
	_, err := c.Store.Update(id, func(r *job.Record) error {
		r.Status = job.StatusProcessing
		r.Progress = job.Percent(progress)
		r.Message = message

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	return nil
}

// normalize converts a non-WAV upload to WAV. The original path is returned when
// the transcoder is missing or fails.
func (c *Controller) normalize(ctx context.Context, id, workDir, inputPath string) string {
	if format, ok := media.FormatOf(inputPath); ok && format == media.FormatWAV {
		return inputPath
	}

	if c.Transcoder == nil || c.Transcoder.Available() != nil {
		c.Log.Warn("Job %s: transcoder not available, using original file format", id)

		return inputPath
	}

	normalized := filepath.Join(workDir, normalizedName)

	err := c.Transcoder.Transcode(ctx, inputPath, normalized)
	if err != nil {
		c.Log.Warn("Job %s: input normalization failed, using original file: %v", id, err)

		return inputPath
	}

	return normalized
}

// encode produces the delivery format, falling back to the engine's WAV output.
func (c *Controller) encode(ctx context.Context, id, workDir, converted string) (string, media.Format) {
	if c.cfg.DeliveryFormat == media.FormatWAV {
		return converted, media.FormatWAV
	}

	if c.Transcoder == nil || c.Transcoder.Available() != nil {
		c.Log.Warn("Job %s: transcoder not available for %s encoding, using WAV", id, c.cfg.DeliveryFormat)

		return converted, media.FormatWAV
	}

	encoded := filepath.Join(workDir, encodedBaseName+c.cfg.DeliveryFormat.Extension())

	err := c.Transcoder.Transcode(ctx, converted, encoded)
	if err != nil {
		c.Log.Warn("Job %s: %s encoding failed, using WAV: %v", id, c.cfg.DeliveryFormat, err)

		return converted, media.FormatWAV
	}

	return encoded, c.cfg.DeliveryFormat
}

// fail records the terminal failure of a job. A job that is already terminal,
// for example after a cancel, is left as it is.
func (c *Controller) fail(id string, cause error) {
	message := fmt.Sprintf(msgFailedFormat, cause)
	if errors.Is(cause, context.Canceled) {
		message = msgCancelled
	}

	_, err := c.Store.Update(id, func(r *job.Record) error {
		if r.Status.Terminal() {
			return errAlreadyTerminal
		}

		r.Status = job.StatusFailed
		r.Error = message
		r.Message = message
		r.Progress = nil

		return nil
	})
	if errors.Is(err, errAlreadyTerminal) {
		return
	}

	if err != nil {
		c.Log.Warn("Job %s: failed to record failure: %v", id, err)

		return
	}

	c.Log.Error("Job %s: %s", id, message)
}
