// Package engine provides the voice conversion engine backed by the RVC command-line tool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/book-expert/logger"
	"github.com/rberketuran/music-generation-backend/internal/core"
	"github.com/rberketuran/music-generation-backend/internal/media"
)

var (
	// ErrBinaryNotFound indicates that the RVC binary is not on the PATH.
	ErrBinaryNotFound = errors.New("rvc binary not found")
	// ErrEmptyOutput indicates that the engine exited cleanly without writing audio.
	ErrEmptyOutput = errors.New("rvc produced no output")
)

// Config holds the engine settings.
type Config struct {
	BinaryPath string
	ModelPath  string
	IndexPath  string
	Timeout    time.Duration
}

// RVCEngine implements core.ConversionEngine by calling the rvc binary.
type RVCEngine struct {
	binary    string
	modelPath string
	indexPath string
	timeout   time.Duration
	initErr   error
	log       *logger.Logger
}

// New resolves the binary and model files. A missing binary or model does not fail
// construction; the engine reports itself unavailable instead.
func New(cfg Config, log *logger.Logger) *RVCEngine {
	engine := &RVCEngine{
		timeout: cfg.Timeout,
		log:     log,
	}

	binary, err := exec.LookPath(cfg.BinaryPath)
	if err != nil {
		engine.initErr = fmt.Errorf("%w: %s: %w", ErrBinaryNotFound, cfg.BinaryPath, err)
		log.Warn("Voice conversion disabled: %v", engine.initErr)

		return engine
	}

	engine.binary = binary

	modelPath, err := media.ResolveModelPath(cfg.ModelPath)
	if err != nil {
		engine.initErr = err
		log.Warn("Voice conversion disabled: %v", err)

		return engine
	}

	engine.modelPath = modelPath

	indexPath, err := media.ResolveModelPath(cfg.IndexPath)
	if err != nil {
		log.Warn("Index file not available, converting without index: %v", err)
	} else {
		engine.indexPath = indexPath
	}

	log.Info("RVC engine ready with model %s", modelPath)

	return engine
}

// Available reports why the engine cannot serve requests, or nil when it can.
func (e *RVCEngine) Available() error {
	if e.initErr != nil {
		return fmt.Errorf("%w: %w", core.ErrEngineUnavailable, e.initErr)
	}

	return nil
}

// Convert runs a single conversion from inputPath to outputPath.
func (e *RVCEngine) Convert(ctx context.Context, inputPath, outputPath string, params core.ConversionParams) error {
	err := e.Available()
	if err != nil {
		return err
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	args := e.buildArgs(inputPath, outputPath, params)

	// #nosec G204 -- arguments are validated by the conversion parameter contract
	cmd := exec.CommandContext(ctx, e.binary, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("rvc binary execution failed: %w - output: %s", err, string(output))
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyOutput, outputPath)
	}

	return nil
}

func (e *RVCEngine) buildArgs(inputPath, outputPath string, params core.ConversionParams) []string {
	args := []string{
		"infer",
		"--model", e.modelPath,
		"--input", inputPath,
		"--output", outputPath,
		"--f0-up-key", strconv.Itoa(params.PitchShift),
		"--f0-method", params.F0Method,
		"--index-rate", strconv.FormatFloat(params.IndexRate, 'f', -1, 64),
		"--filter-radius", strconv.Itoa(params.FilterRadius),
		"--rms-mix-rate", strconv.FormatFloat(params.RMSMixRate, 'f', -1, 64),
		"--protect", strconv.FormatFloat(params.Protect, 'f', -1, 64),
		"--resample-sr", strconv.Itoa(params.ResampleRate),
	}

	if e.indexPath != "" {
		args = append(args, "--index", e.indexPath)
	}

	return args
}
