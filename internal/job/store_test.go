package job_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/rberketuran/music-generation-backend/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMutatorRejected = errors.New("mutator rejected")

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "job-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func storeRef() *job.ArtifactRef {
	return &job.ArtifactRef{Source: job.SourceStore, Key: "conversions/out.mp3", ContentType: "audio/mpeg", Filename: "out.mp3"}
}

func TestStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	store := job.NewStore(newTestLogger(t))

	created, err := store.Create(job.KindComposition, job.Fields{Message: "Music generation started", ProviderHandle: "task-1"})
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, job.StatusPending, created.Status)
	assert.Equal(t, job.KindComposition, created.Kind)
	assert.Equal(t, "task-1", created.ProviderHandle)
	assert.Nil(t, created.OutputRef)
	assert.Empty(t, created.Error)

	fetched, err := store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, fetched)
}

func TestStore_GetUnknown(t *testing.T) {
	t.Parallel()

	store := job.NewStore(newTestLogger(t))

	_, err := store.Get("nonexistent-id")
	require.ErrorIs(t, err, job.ErrNotFound)

	_, err = store.Update("nonexistent-id", func(*job.Record) error { return nil })
	require.ErrorIs(t, err, job.ErrNotFound)
}

func TestStore_GetKind(t *testing.T) {
	t.Parallel()

	store := job.NewStore(newTestLogger(t))

	created, err := store.Create(job.KindConversion, job.Fields{})
	require.NoError(t, err)

	got, err := store.GetKind(created.ID, job.KindConversion)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = store.GetKind(created.ID, job.KindComposition)
	require.ErrorIs(t, err, job.ErrNotFound)
}

func TestStore_IDsAreUniqueUnderConcurrency(t *testing.T) {
	t.Parallel()

	store := job.NewStore(newTestLogger(t))

	const workers = 16

	const perWorker = 50

	var (
		mu  sync.Mutex
		ids = make(map[string]struct{})
		wg  sync.WaitGroup
	)

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range perWorker {
				record, err := store.Create(job.KindConversion, job.Fields{})
				assert.NoError(t, err)

				mu.Lock()
				ids[record.ID] = struct{}{}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Len(t, ids, workers*perWorker)
	assert.Equal(t, workers*perWorker, store.Len())
}

func TestStore_CreateRetriesCollidingIDs(t *testing.T) {
	t.Parallel()

	sequence := []string{"a", "a", "b"}
	next := 0
	store := job.NewStore(newTestLogger(t), job.WithIDGenerator(func() string {
		id := sequence[next%len(sequence)]
		next++

		return id
	}))

	first, err := store.Create(job.KindConversion, job.Fields{})
	require.NoError(t, err)
	assert.Equal(t, "a", first.ID)

	second, err := store.Create(job.KindConversion, job.Fields{})
	require.NoError(t, err)
	assert.Equal(t, "b", second.ID)
}

func TestStore_CreateExhaustion(t *testing.T) {
	t.Parallel()

	store := job.NewStore(newTestLogger(t), job.WithIDGenerator(func() string { return "fixed" }))

	_, err := store.Create(job.KindConversion, job.Fields{})
	require.NoError(t, err)

	_, err = store.Create(job.KindConversion, job.Fields{})
	require.ErrorIs(t, err, job.ErrIDExhausted)
	assert.Equal(t, 1, store.Len())
}

func TestStore_Transitions(t *testing.T) {
	t.Parallel()

	toProcessing := func(r *job.Record) error {
		r.Status = job.StatusProcessing

		return nil
	}
	toCompleted := func(r *job.Record) error {
		r.Status = job.StatusCompleted
		r.OutputRef = storeRef()

		return nil
	}
	toFailed := func(r *job.Record) error {
		r.Status = job.StatusFailed
		r.Error = "boom"

		return nil
	}
	toPending := func(r *job.Record) error {
		r.Status = job.StatusPending

		return nil
	}

	testCases := []struct {
		name    string
		steps   []job.Mutator
		wantErr error
		final   job.Status
	}{
		{name: "pending to processing to completed", steps: []job.Mutator{toProcessing, toCompleted}, final: job.StatusCompleted},
		{name: "pending to completed shortcut", steps: []job.Mutator{toCompleted}, final: job.StatusCompleted},
		{name: "pending to failed", steps: []job.Mutator{toFailed}, final: job.StatusFailed},
		{name: "processing to failed", steps: []job.Mutator{toProcessing, toFailed}, final: job.StatusFailed},
		{name: "processing back to pending", steps: []job.Mutator{toProcessing, toPending}, wantErr: job.ErrInvalidTransition, final: job.StatusProcessing},
		{name: "completed to failed", steps: []job.Mutator{toCompleted, toFailed}, wantErr: job.ErrInvalidTransition, final: job.StatusCompleted},
		{name: "failed to processing", steps: []job.Mutator{toFailed, toProcessing}, wantErr: job.ErrInvalidTransition, final: job.StatusFailed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := job.NewStore(newTestLogger(t))
			created, err := store.Create(job.KindConversion, job.Fields{})
			require.NoError(t, err)

			var lastErr error
			for _, step := range tc.steps {
				_, lastErr = store.Update(created.ID, step)
			}

			if tc.wantErr != nil {
				require.ErrorIs(t, lastErr, tc.wantErr)
			} else {
				require.NoError(t, lastErr)
			}

			record, err := store.Get(created.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.final, record.Status)
		})
	}
}

func TestStore_UpdateRejectsInvariantViolations(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		mutate  job.Mutator
		wantErr error
	}{
		{
			name: "completed without output",
			mutate: func(r *job.Record) error {
				r.Status = job.StatusCompleted

				return nil
			},
			wantErr: job.ErrSuccessWithoutOutput,
		},
		{
			name: "output while processing",
			mutate: func(r *job.Record) error {
				r.Status = job.StatusProcessing
				r.OutputRef = storeRef()

				return nil
			},
			wantErr: job.ErrOutputWithoutSuccess,
		},
		{
			name: "failed without error",
			mutate: func(r *job.Record) error {
				r.Status = job.StatusFailed

				return nil
			},
			wantErr: job.ErrFailureWithoutError,
		},
		{
			name: "error while pending",
			mutate: func(r *job.Record) error {
				r.Error = "oops"

				return nil
			},
			wantErr: job.ErrErrorWithoutFailure,
		},
		{
			name: "progress out of range",
			mutate: func(r *job.Record) error {
				value := 150.0
				r.Progress = &value

				return nil
			},
			wantErr: job.ErrProgressRange,
		},
		{
			name: "progress not a number",
			mutate: func(r *job.Record) error {
				value := math.NaN()
				r.Progress = &value

				return nil
			},
			wantErr: job.ErrProgressRange,
		},
		{
			name: "identity change",
			mutate: func(r *job.Record) error {
				r.ID = "other"

				return nil
			},
			wantErr: job.ErrImmutableField,
		},
		{
			name: "unknown status",
			mutate: func(r *job.Record) error {
				r.Status = "cancelled"

				return nil
			},
			wantErr: job.ErrInvalidTransition,
		},
		{
			name:    "mutator error",
			mutate:  func(*job.Record) error { return errMutatorRejected },
			wantErr: errMutatorRejected,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := job.NewStore(newTestLogger(t))
			created, err := store.Create(job.KindConversion, job.Fields{Message: "queued"})
			require.NoError(t, err)

			snapshot, err := store.Update(created.ID, tc.mutate)
			require.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, created, snapshot)

			stored, err := store.Get(created.ID)
			require.NoError(t, err)
			assert.Equal(t, created, stored)
		})
	}
}

func TestStore_SnapshotsAreIsolated(t *testing.T) {
	t.Parallel()

	store := job.NewStore(newTestLogger(t))
	created, err := store.Create(job.KindConversion, job.Fields{})
	require.NoError(t, err)

	updated, err := store.Update(created.ID, func(r *job.Record) error {
		r.Status = job.StatusProcessing
		r.Progress = job.Percent(40)

		return nil
	})
	require.NoError(t, err)

	*updated.Progress = 99

	stored, err := store.Get(created.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Progress)
	assert.InDelta(t, 40.0, *stored.Progress, 0.001)
}

func TestStore_ConcurrentUpdatesSerialize(t *testing.T) {
	t.Parallel()

	store := job.NewStore(newTestLogger(t))
	created, err := store.Create(job.KindConversion, job.Fields{})
	require.NoError(t, err)

	const writers = 32

	var wg sync.WaitGroup

	for i := range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, _ = store.Update(created.ID, func(r *job.Record) error {
				r.Status = job.StatusProcessing
				r.Message = fmt.Sprintf("writer %d", i)

				return nil
			})
			_, _ = store.Get(created.ID)
		}()
	}

	wg.Wait()

	record, err := store.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, record.Status)
	assert.Contains(t, record.Message, "writer")
}

func TestStore_ListenersSeeStatusChanges(t *testing.T) {
	t.Parallel()

	store := job.NewStore(newTestLogger(t))

	var transitions []string

	store.Subscribe(func(before, after job.Record) {
		transitions = append(transitions, fmt.Sprintf("%s->%s", before.Status, after.Status))
	})

	created, err := store.Create(job.KindConversion, job.Fields{})
	require.NoError(t, err)

	_, err = store.Update(created.ID, func(r *job.Record) error {
		r.Status = job.StatusProcessing

		return nil
	})
	require.NoError(t, err)

	_, err = store.Update(created.ID, func(r *job.Record) error {
		r.Progress = job.Percent(50)

		return nil
	})
	require.NoError(t, err)

	_, err = store.Update(created.ID, func(r *job.Record) error {
		r.Status = job.StatusFailed
		r.Error = "engine crashed"

		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"->pending", "pending->processing", "processing->failed"}, transitions)
}

func TestStore_ListenersSeeCommitOrder(t *testing.T) {
	t.Parallel()

	store := job.NewStore(newTestLogger(t))

	var (
		mu   sync.Mutex
		seen = make(map[string][][2]job.Status)
	)

	store.Subscribe(func(before, after job.Record) {
		mu.Lock()
		defer mu.Unlock()

		seen[after.ID] = append(seen[after.ID], [2]job.Status{before.Status, after.Status})
	})

	const (
		jobs    = 20
		writers = 8
	)

	var wg sync.WaitGroup

	for range jobs {
		created, err := store.Create(job.KindConversion, job.Fields{})
		require.NoError(t, err)

		for i := range writers {
			wg.Add(1)

			go func() {
				defer wg.Done()

				_, _ = store.Update(created.ID, func(r *job.Record) error {
					if i%2 == 0 {
						r.Status = job.StatusProcessing

						return nil
					}

					r.Status = job.StatusFailed
					r.Error = "engine crashed"

					return nil
				})
			}()
		}
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, seen, jobs)

	for id, transitions := range seen {
		require.NotEmpty(t, transitions, id)
		assert.Equal(t, job.Status(""), transitions[0][0], id)

		for i := 1; i < len(transitions); i++ {
			assert.Equal(t, transitions[i-1][1], transitions[i][0], id)
			assert.Greater(t, transitions[i][1].Rank(), transitions[i][0].Rank(), id)
		}

		assert.Equal(t, job.StatusFailed, transitions[len(transitions)-1][1], id)
	}
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()

	store := job.NewStore(newTestLogger(t))
	created, err := store.Create(job.KindConversion, job.Fields{InputRef: "/tmp/x"})
	require.NoError(t, err)

	deleted, err := store.Delete(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", deleted.InputRef)

	_, err = store.Get(created.ID)
	require.ErrorIs(t, err, job.ErrNotFound)

	_, err = store.Delete(created.ID)
	require.ErrorIs(t, err, job.ErrNotFound)
}

func TestSweeper_EvictsExpiredTerminalJobs(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	log := newTestLogger(t)
	store := job.NewStore(log, job.WithClock(clock))

	finished, err := store.Create(job.KindConversion, job.Fields{})
	require.NoError(t, err)

	_, err = store.Update(finished.ID, func(r *job.Record) error {
		r.Status = job.StatusCompleted
		r.OutputRef = storeRef()

		return nil
	})
	require.NoError(t, err)

	running, err := store.Create(job.KindConversion, job.Fields{})
	require.NoError(t, err)

	var evicted []string

	sweeper := job.NewSweeper(store, time.Hour, time.Minute, func(_ context.Context, record job.Record) {
		evicted = append(evicted, record.ID)
	}, log)

	assert.Equal(t, 0, sweeper.Sweep(context.Background()))

	now = now.Add(2 * time.Hour)

	assert.Equal(t, 1, sweeper.Sweep(context.Background()))
	assert.Equal(t, []string{finished.ID}, evicted)

	_, err = store.Get(finished.ID)
	require.ErrorIs(t, err, job.ErrNotFound)

	_, err = store.Get(running.ID)
	require.NoError(t, err)
}

func TestSweeper_RunDisabled(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)
	sweeper := job.NewSweeper(job.NewStore(log), 0, time.Minute, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, sweeper.Run(ctx))
}

func TestPercent(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.0, *job.Percent(-5), 1e-9)
	assert.InDelta(t, 42.0, *job.Percent(42), 1e-9)
	assert.InDelta(t, 100.0, *job.Percent(math.Inf(1)), 1e-9)
	assert.Nil(t, job.Percent(math.NaN()))
}
