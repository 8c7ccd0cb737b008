package conversion_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/rberketuran/music-generation-backend/internal/conversion"
	"github.com/rberketuran/music-generation-backend/internal/core"
	"github.com/rberketuran/music-generation-backend/internal/job"
	"github.com/rberketuran/music-generation-backend/internal/media"
	"github.com/rberketuran/music-generation-backend/internal/objectstore"
	"github.com/rberketuran/music-generation-backend/internal/observability"
	"github.com/rberketuran/music-generation-backend/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errEngine = errors.New("model exploded")

// identityEngine copies its input to its output.
type identityEngine struct {
	unavailable error
	convertErr  error
	panicWith   any
	block       chan struct{}
	inputs      chan string
}

func (e *identityEngine) Available() error {
	return e.unavailable
}

func (e *identityEngine) Convert(ctx context.Context, in, out string, _ core.ConversionParams) error {
	if e.inputs != nil {
		e.inputs <- in
	}

	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if e.panicWith != nil {
		panic(e.panicWith)
	}

	if e.convertErr != nil {
		return e.convertErr
	}

	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}

	return os.WriteFile(out, data, 0o600)
}

// tagTranscoder copies its input and prefixes the output extension so tests can
// tell transcoded files apart.
type tagTranscoder struct {
	unavailable error
}

func (t *tagTranscoder) Available() error {
	return t.unavailable
}

func (t *tagTranscoder) Transcode(_ context.Context, in, out string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}

	tag := []byte(strings.TrimPrefix(filepath.Ext(out), ".") + ":")

	return os.WriteFile(out, append(tag, data...), 0o600)
}

type fixture struct {
	store      *job.Store
	artifacts  *objectstore.BlobStore
	tempRoot   string
	controller *conversion.Controller
}

func newFixture(t *testing.T, engine core.ConversionEngine, transcoder core.Transcoder, format media.Format) *fixture {
	t.Helper()

	log, err := logger.New(t.TempDir(), "conversion-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	artifacts, err := objectstore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	pool, err := worker.NewPool(2, 4, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	store := job.NewStore(log)
	tempRoot := t.TempDir()

	controller := conversion.NewController(
		conversion.Config{TempDir: tempRoot, DeliveryFormat: format},
		conversion.Dependencies{
			Store:      store,
			Scheduler:  pool,
			Engine:     engine,
			Transcoder: transcoder,
			Artifacts:  artifacts,
			Tracer:     observability.NewNoopTracer(),
			Metrics:    observability.NewNoopMetrics(),
			Log:        log,
		})

	return &fixture{store: store, artifacts: artifacts, tempRoot: tempRoot, controller: controller}
}

func (f *fixture) waitTerminal(t *testing.T, id string) job.Record {
	t.Helper()

	var record job.Record

	require.Eventually(t, func() bool {
		snapshot, err := f.store.Get(id)
		if err != nil {
			return false
		}

		record = snapshot

		return record.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)

	return record
}

// workDirs counts the job work directories left under the temp root.
func (f *fixture) workDirs() int {
	entries, err := os.ReadDir(f.tempRoot)
	if err != nil {
		return -1
	}

	return len(entries)
}

func TestController_IdentityRoundTrip(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &identityEngine{}, &tagTranscoder{unavailable: media.ErrTranscoderUnavailable}, media.FormatMP3)
	payload := []byte("RIFF....WAVEfmt fake pcm samples")

	record, err := fx.controller.Submit(context.Background(), "voice.wav", bytes.NewReader(payload), conversion.DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, record.Status)
	assert.Equal(t, job.KindConversion, record.Kind)

	done := fx.waitTerminal(t, record.ID)
	require.Equal(t, job.StatusCompleted, done.Status, done.Error)
	require.NotNil(t, done.Progress)
	assert.InDelta(t, 100.0, *done.Progress, 0.001)
	assert.Equal(t, "Voice conversion completed!", done.Message)

	artifact, err := fx.controller.FetchArtifact(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, payload, artifact.Data)
	assert.Equal(t, "audio/wav", artifact.ContentType)
	assert.Equal(t, "voice-converted-"+record.ID+".wav", artifact.Filename)

	require.Eventually(t, func() bool {
		return fx.controller.Running() == 0 && fx.workDirs() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestController_NormalizesAndEncodes(t *testing.T) {
	t.Parallel()

	engine := &identityEngine{inputs: make(chan string, 1)}
	fx := newFixture(t, engine, &tagTranscoder{}, media.FormatMP3)

	record, err := fx.controller.Submit(context.Background(), "take.MP3", strings.NewReader("abc"), conversion.DefaultParams())
	require.NoError(t, err)

	done := fx.waitTerminal(t, record.ID)
	require.Equal(t, job.StatusCompleted, done.Status, done.Error)
	assert.Equal(t, "normalized.wav", filepath.Base(<-engine.inputs))

	artifact, err := fx.controller.FetchArtifact(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3:wav:abc"), artifact.Data)
	assert.Equal(t, "audio/mpeg", artifact.ContentType)
	assert.Equal(t, "voice-converted-"+record.ID+".mp3", artifact.Filename)
}

func TestController_EngineFailureRemovesWorkDir(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &identityEngine{convertErr: errEngine}, nil, media.FormatWAV)

	record, err := fx.controller.Submit(context.Background(), "a.wav", strings.NewReader("x"), conversion.DefaultParams())
	require.NoError(t, err)

	done := fx.waitTerminal(t, record.ID)
	assert.Equal(t, job.StatusFailed, done.Status)
	assert.Contains(t, done.Error, "model exploded")
	assert.True(t, strings.HasPrefix(done.Message, "Processing failed: "))
	assert.Nil(t, done.OutputRef)

	require.Eventually(t, func() bool { return fx.workDirs() == 0 }, time.Second, 5*time.Millisecond)

	_, err = fx.controller.FetchArtifact(context.Background(), record.ID)
	require.ErrorIs(t, err, core.ErrNotReady)
}

func TestController_PanicMarksJobFailed(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &identityEngine{panicWith: "boom"}, nil, media.FormatWAV)

	record, err := fx.controller.Submit(context.Background(), "a.wav", strings.NewReader("x"), conversion.DefaultParams())
	require.NoError(t, err)

	done := fx.waitTerminal(t, record.ID)
	assert.Equal(t, job.StatusFailed, done.Status)
	assert.Contains(t, done.Error, "boom")

	require.Eventually(t, func() bool { return fx.workDirs() == 0 }, time.Second, 5*time.Millisecond)
}

func TestController_EngineUnavailableCreatesNoJob(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &identityEngine{unavailable: errors.New("no model")}, nil, media.FormatWAV)

	_, err := fx.controller.Submit(context.Background(), "a.wav", strings.NewReader("x"), conversion.DefaultParams())
	require.ErrorIs(t, err, core.ErrEngineUnavailable)
	assert.Equal(t, 0, fx.store.Len())
	assert.Zero(t, fx.workDirs())
}

func TestController_InvalidParamsCreateNoJob(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &identityEngine{}, nil, media.FormatWAV)
	params := conversion.DefaultParams()
	params.F0Method = "autotune"

	_, err := fx.controller.Submit(context.Background(), "a.wav", strings.NewReader("x"), params)
	require.ErrorIs(t, err, core.ErrValidation)
	assert.Equal(t, 0, fx.store.Len())
	assert.Zero(t, fx.workDirs())
}

func TestController_NonAudioUploadCreatesNoJob(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &identityEngine{}, nil, media.FormatWAV)

	for _, filename := range []string{"notes.txt", "take", "archive.wav.zip"} {
		_, err := fx.controller.Submit(context.Background(), filename, strings.NewReader("x"), conversion.DefaultParams())
		require.ErrorIs(t, err, core.ErrValidation, filename)
	}

	assert.Equal(t, 0, fx.store.Len())
	assert.Zero(t, fx.workDirs())
}

func TestController_CancelRunningJob(t *testing.T) {
	t.Parallel()

	engine := &identityEngine{block: make(chan struct{}), inputs: make(chan string, 1)}
	fx := newFixture(t, engine, nil, media.FormatWAV)

	record, err := fx.controller.Submit(context.Background(), "a.wav", strings.NewReader("x"), conversion.DefaultParams())
	require.NoError(t, err)

	<-engine.inputs

	polled, err := fx.controller.Poll(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, polled.Status)
	require.NotNil(t, polled.Progress)

	cancelled, err := fx.controller.Cancel(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, cancelled.Status)
	assert.Equal(t, "Voice conversion cancelled", cancelled.Message)

	require.Eventually(t, func() bool {
		return fx.controller.Running() == 0 && fx.workDirs() == 0
	}, 5*time.Second, 5*time.Millisecond)

	final, err := fx.store.Get(record.ID)
	require.NoError(t, err)
	assert.Equal(t, "Voice conversion cancelled", final.Error)

	_, err = fx.controller.Cancel(context.Background(), record.ID)
	require.ErrorIs(t, err, core.ErrNotCancellable)
}

func TestController_ArtifactMissing(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &identityEngine{}, nil, media.FormatWAV)

	record, err := fx.controller.Submit(context.Background(), "a.wav", strings.NewReader("x"), conversion.DefaultParams())
	require.NoError(t, err)

	done := fx.waitTerminal(t, record.ID)
	require.Equal(t, job.StatusCompleted, done.Status)

	fx.controller.Evict(context.Background(), done)

	_, err = fx.controller.FetchArtifact(context.Background(), record.ID)
	require.ErrorIs(t, err, core.ErrArtifactMissing)
}

func TestController_ForeignAndUnknownJobs(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &identityEngine{}, nil, media.FormatWAV)

	composition, err := fx.store.Create(job.KindComposition, job.Fields{})
	require.NoError(t, err)

	for _, id := range []string{"missing", composition.ID} {
		_, err = fx.controller.Poll(context.Background(), id)
		require.ErrorIs(t, err, job.ErrNotFound)

		_, err = fx.controller.FetchArtifact(context.Background(), id)
		require.ErrorIs(t, err, job.ErrNotFound)

		_, err = fx.controller.Cancel(context.Background(), id)
		require.ErrorIs(t, err, job.ErrNotFound)
	}
}

func TestValidateParams(t *testing.T) {
	t.Parallel()

	require.NoError(t, conversion.ValidateParams(conversion.DefaultParams()))

	testCases := []struct {
		name   string
		mutate func(p *core.ConversionParams)
	}{
		{name: "pitch too low", mutate: func(p *core.ConversionParams) { p.PitchShift = -25 }},
		{name: "pitch too high", mutate: func(p *core.ConversionParams) { p.PitchShift = 25 }},
		{name: "unknown f0 method", mutate: func(p *core.ConversionParams) { p.F0Method = "yin" }},
		{name: "index rate above one", mutate: func(p *core.ConversionParams) { p.IndexRate = 1.5 }},
		{name: "negative rms mix", mutate: func(p *core.ConversionParams) { p.RMSMixRate = -0.1 }},
		{name: "protect above half", mutate: func(p *core.ConversionParams) { p.Protect = 0.6 }},
		{name: "filter radius", mutate: func(p *core.ConversionParams) { p.FilterRadius = 8 }},
		{name: "negative resample", mutate: func(p *core.ConversionParams) { p.ResampleRate = -1 }},
		{name: "resample too high", mutate: func(p *core.ConversionParams) { p.ResampleRate = 192001 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			params := conversion.DefaultParams()
			tc.mutate(&params)
			require.ErrorIs(t, conversion.ValidateParams(params), core.ErrValidation)
		})
	}

	params := conversion.DefaultParams()
	params.PitchShift = -24
	params.F0Method = conversion.F0MethodCrepe
	params.Protect = conversion.MaxProtect
	params.ResampleRate = 48000
	require.NoError(t, conversion.ValidateParams(params))
}
