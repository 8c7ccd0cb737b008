package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"github.com/rberketuran/music-generation-backend/internal/client"
)

// Flag names.
const (
	flagServer       = "server"
	flagTimeout      = "timeout"
	flagOutput       = "output"
	flagLogDir       = "log-dir"
	flagHealth       = "health"
	flagCredits      = "credits"
	flagStyle        = "style"
	flagLyrics       = "lyrics"
	flagGender       = "gender"
	flagInstrumental = "instrumental"
	flagDuration     = "duration"
	flagInput        = "input"
	flagPitch        = "pitch"
	flagF0Method     = "f0-method"
	flagIndexRate    = "index-rate"
	flagCancel       = "cancel"
	flagPollInterval = "poll-interval"
)

// Flag descriptions.
const (
	flagServerDesc       = "Base URL of the studio service"
	flagTimeoutDesc      = "Per-request timeout"
	flagOutputDesc       = "Output file path (defaults to the server supplied filename)"
	flagLogDirDesc       = "Directory for the client log file"
	flagHealthDesc       = "Check service health and exit"
	flagCreditsDesc      = "Print provider account credits and exit"
	flagStyleDesc        = "Comma separated composition styles"
	flagLyricsDesc       = "Lyrics for a vocal composition"
	flagGenderDesc       = "Vocal gender (male or female)"
	flagInstrumentalDesc = "Generate an instrumental composition"
	flagDurationDesc     = "Composition length in seconds"
	flagInputDesc        = "Audio file to run through voice conversion"
	flagPitchDesc        = "Pitch shift in semitones"
	flagF0MethodDesc     = "Pitch extraction method (pm, harvest, crepe, rmvpe)"
	flagIndexRateDesc    = "Feature index influence between 0 and 1"
	flagCancelDesc       = "Cancel the given conversion job and exit"
	flagPollIntervalDesc = "Delay between status polls"
)

// Defaults.
const (
	defaultServer       = "http://localhost:8000"
	defaultTimeout      = 5 * time.Minute
	defaultDuration     = 30
	defaultPollInterval = 2 * time.Second
	logFileName         = "studio-client.log"
	outputPermissions   = 0o644
)

// Error and log messages.
const (
	errStyleOrInput      = "either --style or --input must be provided"
	errCannotSpecifyBoth = "cannot specify both --style and --input"
	errOneMode           = "--health, --credits and --cancel cannot be combined"
	errServiceNotHealthy = "Studio service is not healthy: %v\n"
	logSubmitted         = "Submitted job %s (%s)"
	logSaved             = "Saved %s (%d bytes)\n"
)

type mode int

const (
	modeCompose mode = iota
	modeConvert
	modeHealth
	modeCredits
	modeCancel
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	server       string
	timeout      time.Duration
	output       string
	logDir       string
	health       bool
	credits      bool
	style        string
	lyrics       string
	gender       string
	instrumental bool
	duration     int
	input        string
	pitch        int
	f0Method     string
	indexRate    float64
	cancel       string
	pollInterval time.Duration
	set          map[string]bool
}

func main() {
	flags, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	err = run(flags, os.Stdout)
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

// parseFlags parses args into appFlags on a dedicated flag set.
func parseFlags(args []string, output io.Writer) (appFlags, error) {
	var flags appFlags

	fs := flag.NewFlagSet("studio-client", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&flags.server, flagServer, defaultServer, flagServerDesc)
	fs.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	fs.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	fs.StringVar(&flags.logDir, flagLogDir, os.TempDir(), flagLogDirDesc)
	fs.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	fs.BoolVar(&flags.credits, flagCredits, false, flagCreditsDesc)
	fs.StringVar(&flags.style, flagStyle, "", flagStyleDesc)
	fs.StringVar(&flags.lyrics, flagLyrics, "", flagLyricsDesc)
	fs.StringVar(&flags.gender, flagGender, "", flagGenderDesc)
	fs.BoolVar(&flags.instrumental, flagInstrumental, false, flagInstrumentalDesc)
	fs.IntVar(&flags.duration, flagDuration, defaultDuration, flagDurationDesc)
	fs.StringVar(&flags.input, flagInput, "", flagInputDesc)
	fs.IntVar(&flags.pitch, flagPitch, 0, flagPitchDesc)
	fs.StringVar(&flags.f0Method, flagF0Method, "", flagF0MethodDesc)
	fs.Float64Var(&flags.indexRate, flagIndexRate, 0, flagIndexRateDesc)
	fs.StringVar(&flags.cancel, flagCancel, "", flagCancelDesc)
	fs.DurationVar(&flags.pollInterval, flagPollInterval, defaultPollInterval, flagPollIntervalDesc)

	err := fs.Parse(args)
	if err != nil {
		return appFlags{}, err
	}

	flags.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { flags.set[f.Name] = true })

	return flags, nil
}

// selectMode validates the flag combination and returns the requested operation.
func selectMode(flags appFlags) (mode, error) {
	exclusive := 0

	for _, on := range []bool{flags.health, flags.credits, flags.cancel != ""} {
		if on {
			exclusive++
		}
	}

	switch {
	case exclusive > 1:
		return 0, errors.New(errOneMode)
	case flags.health:
		return modeHealth, nil
	case flags.credits:
		return modeCredits, nil
	case flags.cancel != "":
		return modeCancel, nil
	case flags.style != "" && flags.input != "":
		return 0, errors.New(errCannotSpecifyBoth)
	case flags.style != "":
		return modeCompose, nil
	case flags.input != "":
		return modeConvert, nil
	default:
		return 0, errors.New(errStyleOrInput)
	}
}

// run is the main application entry point, returning an error on failure.
func run(flags appFlags, stdout io.Writer) error {
	selected, err := selectMode(flags)
	if err != nil {
		return err
	}

	appLog, err := logger.New(flags.logDir, logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	defer func() { _ = appLog.Close() }()

	ctx := context.Background()
	api := client.NewHTTPClient(flags.server, flags.timeout)

	switch selected {
	case modeHealth:
		return handleHealthCheck(ctx, api, stdout)
	case modeCredits:
		return handleCredits(ctx, api, stdout)
	case modeCancel:
		status, cancelErr := api.CancelConversion(ctx, flags.cancel)
		if cancelErr != nil {
			return cancelErr
		}

		fmt.Fprintf(stdout, "Job %s: %s\n", status.ID, status.Message)

		return nil
	case modeConvert:
		return handleConversion(ctx, api, appLog, flags, stdout)
	default:
		return handleComposition(ctx, api, appLog, flags, stdout)
	}
}

func handleHealthCheck(ctx context.Context, api *client.HTTPClient, stdout io.Writer) error {
	health, err := api.HealthCheck(ctx)
	if err != nil {
		fmt.Fprintf(stdout, errServiceNotHealthy, err)

		return err
	}

	fmt.Fprintf(stdout, "Status: %s\nComposition configured: %t\nConversion available: %t\n",
		health.Status, health.CompositionConfigured, health.ConversionAvailable)

	if health.ConversionError != "" {
		fmt.Fprintf(stdout, "Conversion error: %s\n", health.ConversionError)
	}

	return nil
}

func handleCredits(ctx context.Context, api *client.HTTPClient, stdout io.Writer) error {
	credits, err := api.Credits(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch credits: %w", err)
	}

	fmt.Fprintf(stdout, "Tier: %s\nRemaining: %s\nTotal: %s\n",
		orUnknown(credits.SubscriptionTier), formatAmount(credits.RemainingCredits), formatAmount(credits.TotalCredits))

	return nil
}

func orUnknown(value *string) string {
	if value == nil {
		return "unknown"
	}

	return *value
}

func formatAmount(value *float64) string {
	if value == nil {
		return "unknown"
	}

	return fmt.Sprintf("%.0f", *value)
}

func handleComposition(
	ctx context.Context,
	api *client.HTTPClient,
	appLog *logger.Logger,
	flags appFlags,
	stdout io.Writer,
) error {
	req := client.GenerateRequest{
		IsInstrumental:  flags.instrumental,
		Style:           flags.style,
		DurationSeconds: flags.duration,
	}

	if flags.lyrics != "" {
		req.Lyrics = &flags.lyrics
	}

	if flags.gender != "" {
		req.VocalGender = &flags.gender
	}

	status, err := api.Generate(ctx, req)
	if err != nil {
		appLog.Error("Failed to submit composition: %v", err)

		return fmt.Errorf("failed to submit composition: %w", err)
	}

	appLog.Info(logSubmitted, status.ID, status.Status)

	_, err = client.WaitForTerminal(ctx, api.CompositionStatus, status.ID, flags.pollInterval)
	if err != nil {
		appLog.Error("Composition %s did not complete: %v", status.ID, err)

		return err
	}

	audio, err := api.DownloadComposition(ctx, status.ID)
	if err != nil {
		return fmt.Errorf("failed to download composition: %w", err)
	}

	return save(audio, flags.output, stdout)
}

func handleConversion(
	ctx context.Context,
	api *client.HTTPClient,
	appLog *logger.Logger,
	flags appFlags,
	stdout io.Writer,
) error {
	params := client.ConversionParams{F0Method: flags.f0Method}

	if flags.set[flagPitch] {
		params.F0UpKey = &flags.pitch
	}

	if flags.set[flagIndexRate] {
		params.IndexRate = &flags.indexRate
	}

	status, err := api.UploadConversion(ctx, flags.input, params)
	if err != nil {
		appLog.Error("Failed to upload %s: %v", flags.input, err)

		return fmt.Errorf("failed to upload %s: %w", flags.input, err)
	}

	appLog.Info(logSubmitted, status.ID, status.Status)

	_, err = client.WaitForTerminal(ctx, api.ConversionStatus, status.ID, flags.pollInterval)
	if err != nil {
		appLog.Error("Conversion %s did not complete: %v", status.ID, err)

		return err
	}

	audio, err := api.DownloadConversion(ctx, status.ID)
	if err != nil {
		return fmt.Errorf("failed to download conversion: %w", err)
	}

	return save(audio, flags.output, stdout)
}

func save(audio *client.Audio, output string, stdout io.Writer) error {
	path := output
	if path == "" {
		path = filepath.Base(audio.Filename)
	}

	if path == "" || path == "." || path == string(filepath.Separator) {
		path = "studio-output.bin"
	}

	err := os.WriteFile(path, audio.Data, outputPermissions)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	fmt.Fprintf(stdout, logSaved, path, len(audio.Data))

	return nil
}
