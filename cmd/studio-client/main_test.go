package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		args        []string
		want        mode
		expectedErr string
	}{
		{name: "no mode", args: nil, expectedErr: errStyleOrInput},
		{name: "compose", args: []string{"-style", "jazz"}, want: modeCompose},
		{name: "convert", args: []string{"-input", "take.wav"}, want: modeConvert},
		{name: "both workflows", args: []string{"-style", "jazz", "-input", "take.wav"}, expectedErr: errCannotSpecifyBoth},
		{name: "health", args: []string{"-health"}, want: modeHealth},
		{name: "credits", args: []string{"-credits", "-style", "jazz"}, want: modeCredits},
		{name: "cancel", args: []string{"-cancel", "j-1"}, want: modeCancel},
		{name: "health and credits", args: []string{"-health", "-credits"}, expectedErr: errOneMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			flags, err := parseFlags(tt.args, io.Discard)
			require.NoError(t, err)

			got, err := selectMode(flags)
			if tt.expectedErr != "" {
				require.EqualError(t, err, tt.expectedErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	flags, err := parseFlags([]string{"-input", "take.wav", "-pitch", "0", "-poll-interval", "5s"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, defaultServer, flags.server)
	assert.True(t, flags.set[flagPitch])
	assert.False(t, flags.set[flagIndexRate])
	assert.Equal(t, "5s", flags.pollInterval.String())

	_, err = parseFlags([]string{"-pitch", "high"}, io.Discard)
	require.Error(t, err)
}

func TestRun_Health(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = io.WriteString(w, `{"status":"healthy","composition_configured":false,"conversion_available":true}`)
	}))
	defer server.Close()

	flags, err := parseFlags([]string{"-health", "-server", server.URL, "-log-dir", t.TempDir()}, io.Discard)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, run(flags, &out))
	assert.Contains(t, out.String(), "Status: healthy")
	assert.Contains(t, out.String(), "Composition configured: false")
}

func TestRun_Conversion(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/voice-conversion/upload", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0", r.FormValue("f0_up_key"))
		_, _ = io.WriteString(w, `{"job_id":"j-1","status":"pending","message":"Voice conversion started"}`)
	})
	mux.HandleFunc("GET /api/voice-conversion/status/j-1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"job_id":"j-1","status":"completed","progress":100}`)
	})
	mux.HandleFunc("GET /api/voice-conversion/download/j-1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="voice-converted-j-1.wav"`)
		_, _ = w.Write([]byte("converted"))
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	dir := t.TempDir()
	input := filepath.Join(dir, "take.wav")
	require.NoError(t, os.WriteFile(input, []byte("wave"), 0o600))

	output := filepath.Join(dir, "out.wav")

	flags, err := parseFlags([]string{
		"-server", server.URL, "-input", input, "-pitch", "0",
		"-output", output, "-log-dir", dir, "-poll-interval", "1ms",
	}, io.Discard)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, run(flags, &out))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "converted", string(data))
	assert.Contains(t, out.String(), "Saved "+output)
}

func TestRun_CompositionFailure(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"task_id":"t-1","status":"pending"}`)
	})
	mux.HandleFunc("GET /api/status/t-1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"task_id":"t-1","status":"failed","message":"quota exceeded"}`)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	flags, err := parseFlags([]string{
		"-server", server.URL, "-style", "jazz", "-instrumental",
		"-log-dir", t.TempDir(), "-poll-interval", "1ms",
	}, io.Discard)
	require.NoError(t, err)

	err = run(flags, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}
