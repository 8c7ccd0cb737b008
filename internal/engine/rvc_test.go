package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/rberketuran/music-generation-backend/internal/core"
	"github.com/rberketuran/music-generation-backend/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRVCScript copies the value following --input to the value following --output.
const fakeRVCScript = `#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    --input) in="$2"; shift ;;
    --output) out="$2"; shift ;;
  esac
  shift
done
cp "$in" "$out"
`

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "engine-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func defaultParams() core.ConversionParams {
	return core.ConversionParams{
		PitchShift:   -3,
		F0Method:     "rmvpe",
		IndexRate:    0.75,
		FilterRadius: 3,
		RMSMixRate:   0.25,
		Protect:      0.33,
	}
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}

func TestNew_MissingBinary(t *testing.T) {
	t.Parallel()

	engine := New(Config{BinaryPath: "definitely-not-an-rvc-binary", ModelPath: "x.pth"}, newTestLogger(t))

	err := engine.Available()
	require.ErrorIs(t, err, core.ErrEngineUnavailable)
	require.ErrorIs(t, err, ErrBinaryNotFound)

	err = engine.Convert(context.Background(), "in.wav", "out.wav", defaultParams())
	require.ErrorIs(t, err, core.ErrEngineUnavailable)
}

func TestNew_MissingModel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	binary := filepath.Join(dir, "rvc")
	writeFile(t, binary, fakeRVCScript, 0o700)

	engine := New(Config{BinaryPath: binary, ModelPath: filepath.Join(dir, "missing.pth")}, newTestLogger(t))

	err := engine.Available()
	require.ErrorIs(t, err, core.ErrEngineUnavailable)
	require.ErrorIs(t, err, media.ErrModelNotFound)
}

func TestBuildArgs(t *testing.T) {
	t.Parallel()

	engine := &RVCEngine{modelPath: "/models/voice.pth", indexPath: "/models/voice.index"}

	args := engine.buildArgs("in.wav", "out.wav", defaultParams())

	assert.Equal(t, []string{
		"infer",
		"--model", "/models/voice.pth",
		"--input", "in.wav",
		"--output", "out.wav",
		"--f0-up-key", "-3",
		"--f0-method", "rmvpe",
		"--index-rate", "0.75",
		"--filter-radius", "3",
		"--rms-mix-rate", "0.25",
		"--protect", "0.33",
		"--resample-sr", "0",
		"--index", "/models/voice.index",
	}, args)

	engine.indexPath = ""
	assert.NotContains(t, engine.buildArgs("in.wav", "out.wav", defaultParams()), "--index")
}

func TestConvert_WithFakeBinary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	binary := filepath.Join(dir, "rvc")
	model := filepath.Join(dir, "voice.pth")
	input := filepath.Join(dir, "input.wav")
	output := filepath.Join(dir, "output.wav")

	writeFile(t, binary, fakeRVCScript, 0o700)
	writeFile(t, model, "weights", 0o600)
	writeFile(t, input, "RIFF-audio", 0o600)

	engine := New(Config{BinaryPath: binary, ModelPath: model, Timeout: 10 * time.Second}, newTestLogger(t))
	require.NoError(t, engine.Available())

	require.NoError(t, engine.Convert(context.Background(), input, output, defaultParams()))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "RIFF-audio", string(data))
}

func TestConvert_FailingBinary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	binary := filepath.Join(dir, "rvc")
	model := filepath.Join(dir, "voice.pth")

	writeFile(t, binary, "#!/bin/sh\necho 'cuda out of memory' >&2\nexit 3\n", 0o700)
	writeFile(t, model, "weights", 0o600)

	engine := New(Config{BinaryPath: binary, ModelPath: model}, newTestLogger(t))

	err := engine.Convert(context.Background(), "in.wav", filepath.Join(dir, "out.wav"), defaultParams())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cuda out of memory")
}
