package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rberketuran/music-generation-backend/internal/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_GenerateAndDownload(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req client.GenerateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "jazz", req.Style)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		_, _ = io.WriteString(w, `{"task_id":"t-1","status":"pending","message":"Music generation started"}`)
	})
	mux.HandleFunc("GET /api/download/t-1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Content-Disposition", `attachment; filename="generated-music-t-1.mp3"`)
		_, _ = w.Write([]byte("mp3"))
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	c := client.NewHTTPClient(server.URL, 5*time.Second)

	status, err := c.Generate(context.Background(), client.GenerateRequest{IsInstrumental: true, Style: "jazz", DurationSeconds: 10})
	require.NoError(t, err)
	assert.Equal(t, "t-1", status.ID)
	assert.Equal(t, client.StatusPending, status.Status)

	audio, err := c.DownloadComposition(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3"), audio.Data)
	assert.Equal(t, "generated-music-t-1.mp3", audio.Filename)

	_, err = c.Generate(context.Background(), client.GenerateRequest{})
	require.ErrorIs(t, err, client.ErrInvalidArgument)
}

func TestHTTPClient_ServiceErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/status/missing" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"detail":"Task not found"}`)

			return
		}

		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
	}))
	defer server.Close()

	c := client.NewHTTPClient(server.URL, 5*time.Second)

	_, err := c.CompositionStatus(context.Background(), "missing")

	var serviceErr *client.ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, http.StatusNotFound, serviceErr.StatusCode)
	assert.Equal(t, "Task not found", serviceErr.Detail)

	_, err = c.Credits(context.Background())
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, http.StatusBadGateway, serviceErr.StatusCode)
	assert.Contains(t, err.Error(), "upstream down")

	_, err = c.ConversionStatus(context.Background(), "")
	require.ErrorIs(t, err, client.ErrInvalidArgument)
}

func TestHTTPClient_UploadConversion(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/voice-conversion/upload", r.URL.Path)

		file, header, err := r.FormFile("audio_file")
		if assert.NoError(t, err) {
			defer file.Close()

			data, _ := io.ReadAll(file)
			assert.Equal(t, "wave", string(data))
			assert.Equal(t, "take.wav", header.Filename)
		}

		assert.Equal(t, "-3", r.FormValue("f0_up_key"))
		assert.Equal(t, "crepe", r.FormValue("f0_method"))
		assert.Equal(t, "0.5", r.FormValue("index_rate"))
		assert.Empty(t, r.FormValue("protect"))

		_, _ = io.WriteString(w, `{"job_id":"j-1","status":"pending","message":"Voice conversion started"}`)
	}))
	defer server.Close()

	input := filepath.Join(t.TempDir(), "take.wav")
	require.NoError(t, os.WriteFile(input, []byte("wave"), 0o600))

	pitch := -3
	indexRate := 0.5

	status, err := client.NewHTTPClient(server.URL, 5*time.Second).UploadConversion(context.Background(), input,
		client.ConversionParams{F0UpKey: &pitch, F0Method: "crepe", IndexRate: &indexRate})
	require.NoError(t, err)
	assert.Equal(t, "j-1", status.ID)
}

func TestWaitForTerminal(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	poll := func(_ context.Context, id string) (*client.JobStatus, error) {
		if calls.Add(1) < 3 {
			return &client.JobStatus{ID: id, Status: client.StatusProcessing}, nil
		}

		return &client.JobStatus{ID: id, Status: client.StatusCompleted}, nil
	}

	status, err := client.WaitForTerminal(context.Background(), poll, "j-1", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, client.StatusCompleted, status.Status)
	assert.Equal(t, int32(3), calls.Load())

	failed := func(_ context.Context, id string) (*client.JobStatus, error) {
		return &client.JobStatus{ID: id, Status: client.StatusFailed, Error: "engine crashed"}, nil
	}

	_, err = client.WaitForTerminal(context.Background(), failed, "j-2", time.Millisecond)
	require.ErrorIs(t, err, client.ErrJobFailed)
	assert.Contains(t, err.Error(), "engine crashed")

	errPoll := errors.New("connection refused")
	_, err = client.WaitForTerminal(context.Background(), func(context.Context, string) (*client.JobStatus, error) {
		return nil, errPoll
	}, "j-3", time.Millisecond)
	require.ErrorIs(t, err, errPoll)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = client.WaitForTerminal(ctx, func(_ context.Context, id string) (*client.JobStatus, error) {
		return &client.JobStatus{ID: id, Status: client.StatusPending}, nil
	}, "j-4", time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
