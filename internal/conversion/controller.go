package conversion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/book-expert/logger"
	"github.com/rberketuran/music-generation-backend/internal/core"
	"github.com/rberketuran/music-generation-backend/internal/delivery"
	"github.com/rberketuran/music-generation-backend/internal/job"
	"github.com/rberketuran/music-generation-backend/internal/media"
	"github.com/rberketuran/music-generation-backend/internal/observability"
	"github.com/rberketuran/music-generation-backend/internal/worker"
)

const (
	workDirPattern     = "voice_conversion_*"
	inputBaseName      = "input"
	msgQueued          = "Starting processing..."
	msgCancelled       = "Voice conversion cancelled"
	queuedProgressHint = 50
	filePermissions    = 0o600
)

// Scheduler runs pipeline tasks in the background.
type Scheduler interface {
	Submit(task worker.Task) error
}

// Config holds the controller settings.
type Config struct {
	// TempDir is the parent of per-job work directories. Empty means os.TempDir.
	TempDir        string
	DeliveryFormat media.Format
}

// Dependencies are the collaborators of a Controller.
type Dependencies struct {
	Store      *job.Store
	Scheduler  Scheduler
	Engine     core.ConversionEngine
	Transcoder core.Transcoder
	Artifacts  core.ObjectStore
	Tracer     *observability.Tracer
	Metrics    *observability.Metrics
	Log        *logger.Logger
}

// Controller runs the submit, poll, fetch and cancel operations of conversion jobs.
type Controller struct {
	Dependencies

	cfg     Config
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewController creates a conversion controller.
func NewController(cfg Config, deps Dependencies) *Controller {
	if cfg.DeliveryFormat == "" {
		cfg.DeliveryFormat = media.FormatMP3
	}

	return &Controller{
		Dependencies: deps,
		cfg:          cfg,
		cancels:      make(map[string]context.CancelFunc),
	}
}

// Available reports whether the conversion engine can accept work.
func (c *Controller) Available() error {
	err := c.Engine.Available()
	if err != nil && !errors.Is(err, core.ErrEngineUnavailable) {
		return fmt.Errorf("%w: %w", core.ErrEngineUnavailable, err)
	}

	return err
}

// Submit persists the upload to a job-owned work directory, records a pending job
// and schedules its pipeline. No record survives a failed submission.
func (c *Controller) Submit(
	ctx context.Context,
	filename string,
	upload io.Reader,
	params core.ConversionParams,
) (job.Record, error) {
	err := c.Available()
	if err != nil {
		return job.Record{}, err
	}

	err = ValidateParams(params)
	if err != nil {
		return job.Record{}, err
	}

	if !media.IsValidAudioFile(filename) {
		return job.Record{}, fmt.Errorf("%w: unsupported audio file %q", core.ErrValidation, filename)
	}

	workDir, err := os.MkdirTemp(c.cfg.TempDir, workDirPattern)
	if err != nil {
		return job.Record{}, fmt.Errorf("failed to create work directory: %w", err)
	}

	inputPath := filepath.Join(workDir, inputBaseName+inputExtension(filename))

	err = writeUpload(inputPath, upload)
	if err != nil {
		c.removeWorkDir(workDir)

		return job.Record{}, err
	}

	record, err := c.Store.Create(job.KindConversion, job.Fields{
		Message:  msgQueued,
		InputRef: inputPath,
	})
	if err != nil {
		c.removeWorkDir(workDir)

		return job.Record{}, err
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.register(record.ID, cancel)

	err = c.Scheduler.Submit(func(poolCtx context.Context) {
		stop := context.AfterFunc(poolCtx, cancel)
		defer stop()

		c.process(jobCtx, record.ID, workDir, inputPath, params)
	})
	if err != nil {
		c.unregister(record.ID)

		_, deleteErr := c.Store.Delete(record.ID)
		if deleteErr != nil {
			c.Log.Warn("Job %s: failed to drop unscheduled record: %v", record.ID, deleteErr)
		}

		c.removeWorkDir(workDir)

		return job.Record{}, fmt.Errorf("failed to schedule voice conversion: %w", err)
	}

	c.Log.Info("Job %s: voice conversion queued (%s)", record.ID, filepath.Base(inputPath))

	return record, nil
}

func inputExtension(filename string) string {
	return strings.ToLower(filepath.Ext(media.SanitizeFilename(filename)))
}

func writeUpload(path string, upload io.Reader) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to create upload file: %w", err)
	}

	_, err = io.Copy(file, upload)
	closeErr := file.Close()

	if err != nil {
		return fmt.Errorf("failed to persist upload: %w", err)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to persist upload: %w", closeErr)
	}

	return nil
}

// Poll returns the job snapshot. A processing job without reported progress gets a
// coarse estimate.
func (c *Controller) Poll(_ context.Context, id string) (job.Record, error) {
	record, err := c.Store.GetKind(id, job.KindConversion)
	if err != nil {
		return job.Record{}, err
	}

	if record.Status == job.StatusProcessing && record.Progress == nil {
		record.Progress = job.Percent(queuedProgressHint)
	}

	return record, nil
}

// FetchArtifact returns the stored output of a completed job.
func (c *Controller) FetchArtifact(ctx context.Context, id string) (*delivery.Artifact, error) {
	record, err := c.Store.GetKind(id, job.KindConversion)
	if err != nil {
		return nil, err
	}

	if record.Status != job.StatusCompleted {
		return nil, fmt.Errorf("%w. Current status: %s", core.ErrNotReady, record.Status)
	}

	ref := record.OutputRef

	data, err := c.Artifacts.Download(ctx, ref.Key)
	if errors.Is(err, core.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %w", core.ErrArtifactMissing, err)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read conversion output: %w", err)
	}

	return &delivery.Artifact{
		Data:        data,
		ContentType: ref.ContentType,
		Filename:    ref.Filename,
		ModTime:     record.UpdatedAt,
	}, nil
}

// Cancel marks a non-terminal job failed and stops its pipeline.
func (c *Controller) Cancel(_ context.Context, id string) (job.Record, error) {
	record, err := c.Store.Update(id, func(r *job.Record) error {
		if r.Kind != job.KindConversion {
			return fmt.Errorf("%w: %s", job.ErrNotFound, id)
		}

		if r.Status.Terminal() {
			return fmt.Errorf("%w: job is already %s", core.ErrNotCancellable, r.Status)
		}

		r.Status = job.StatusFailed
		r.Error = msgCancelled
		r.Message = msgCancelled
		r.Progress = nil

		return nil
	})
	if err != nil {
		return record, err
	}

	c.mu.Lock()
	cancel, ok := c.cancels[id]
	c.mu.Unlock()

	if ok {
		cancel()
	}

	c.Log.Info("Job %s: voice conversion cancelled", id)

	return record, nil
}

// Evict deletes the stored output of an evicted job.
func (c *Controller) Evict(ctx context.Context, record job.Record) {
	if record.OutputRef == nil {
		return
	}

	err := c.Artifacts.Delete(ctx, record.OutputRef.Key)
	if err != nil {
		c.Log.Warn("Job %s: failed to delete artifact %s: %v", record.ID, record.OutputRef.Key, err)
	}
}

// Running returns the number of jobs whose pipelines have not finished.
func (c *Controller) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.cancels)
}

func (c *Controller) register(id string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancels[id] = cancel
}

// unregister releases the job context once its pipeline is done with it.
func (c *Controller) unregister(id string) {
	c.mu.Lock()
	cancel, ok := c.cancels[id]
	delete(c.cancels, id)
	c.mu.Unlock()

	if ok {
		cancel()
	}
}

func (c *Controller) removeWorkDir(workDir string) {
	err := os.RemoveAll(workDir)
	if err != nil {
		c.Log.Warn("Failed to remove work directory '%s': %v", workDir, err)
	}
}
