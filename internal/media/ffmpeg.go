package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/book-expert/logger"
)

var (
	// ErrTranscoderUnavailable indicates that the ffmpeg binary cannot be found.
	ErrTranscoderUnavailable = errors.New("transcoder unavailable")
	// ErrUnsupportedTarget indicates that the output path has no known audio extension.
	ErrUnsupportedTarget = errors.New("unsupported transcode target")
	// ErrEmptyOutput indicates that ffmpeg exited cleanly without producing audio.
	ErrEmptyOutput = errors.New("transcoder produced no output")
)

// FFmpegTranscoder converts audio files by invoking the ffmpeg binary.
type FFmpegTranscoder struct {
	binary     string
	mp3Quality int
	log        *logger.Logger

	once      sync.Once
	binaryErr error
}

// NewFFmpegTranscoder creates a transcoder. The binary is looked up lazily on first use.
func NewFFmpegTranscoder(binary string, mp3Quality int, log *logger.Logger) *FFmpegTranscoder {
	return &FFmpegTranscoder{
		binary:     binary,
		mp3Quality: mp3Quality,
		log:        log,
	}
}

// Available reports whether the ffmpeg binary is on the PATH.
func (f *FFmpegTranscoder) Available() error {
	f.once.Do(func() {
		path, err := exec.LookPath(f.binary)
		if err != nil {
			f.binaryErr = fmt.Errorf("%w: %s not found in PATH: %w", ErrTranscoderUnavailable, f.binary, err)

			return
		}

		f.binary = path
	})

	return f.binaryErr
}

// Transcode converts inputPath into the format implied by outputPath's extension.
func (f *FFmpegTranscoder) Transcode(ctx context.Context, inputPath, outputPath string) error {
	err := f.Available()
	if err != nil {
		return err
	}

	args, err := f.buildArgs(inputPath, outputPath)
	if err != nil {
		return err
	}

	// #nosec G204 -- paths are created by the service, never taken from the request
	cmd := exec.CommandContext(ctx, f.binary, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %w - output: %s", err, string(output))
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyOutput, outputPath)
	}

	f.log.Info("Transcoded %s -> %s (%d bytes)", inputPath, outputPath, info.Size())

	return nil
}

func (f *FFmpegTranscoder) buildArgs(inputPath, outputPath string) ([]string, error) {
	format, ok := FormatOf(outputPath)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTarget, outputPath)
	}

	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-i", inputPath}

	switch format {
	case FormatMP3:
		args = append(args, "-codec:a", "libmp3lame", "-q:a", strconv.Itoa(f.mp3Quality))
	case FormatWAV:
		args = append(args, "-codec:a", "pcm_s16le")
	case FormatFLAC, FormatOGG, FormatM4A, FormatAAC:
	}

	return append(args, outputPath), nil
}
