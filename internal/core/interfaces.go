// Package core defines the collaborator interfaces and shared errors of the studio service.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
// Download returns an error wrapping ErrObjectNotFound when the key does not exist.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// ConversionParams holds the numeric controls of a single voice conversion.
type ConversionParams struct {
	PitchShift   int
	F0Method     string
	IndexRate    float64
	FilterRadius int
	RMSMixRate   float64
	Protect      float64
	ResampleRate int
}

// ConversionEngine defines the interface for a local voice timbre conversion engine.
type ConversionEngine interface {
	// Available reports why the engine cannot serve requests, or nil when it can.
	Available() error
	Convert(ctx context.Context, inputPath, outputPath string, params ConversionParams) error
}

// Transcoder converts an audio file into the format implied by the output path extension.
type Transcoder interface {
	Available() error
	Transcode(ctx context.Context, inputPath, outputPath string) error
}
