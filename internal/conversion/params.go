// Package conversion implements the local voice conversion workflow: the parameter
// contract, the job controller and the background pipeline run on the worker pool.
package conversion

import (
	"fmt"
	"slices"

	"github.com/rberketuran/music-generation-backend/internal/core"
)

// Pitch extraction methods understood by the engine.
const (
	F0MethodPM      = "pm"
	F0MethodHarvest = "harvest"
	F0MethodCrepe   = "crepe"
	F0MethodRMVPE   = "rmvpe"
)

// Parameter bounds.
const (
	MaxPitchShift   = 24
	MaxFilterRadius = 7
	MaxProtect      = 0.5
	MaxResampleRate = 192000
)

// Defaults used when a form field is omitted.
const (
	DefaultF0Method     = F0MethodRMVPE
	DefaultIndexRate    = 0.75
	DefaultFilterRadius = 3
	DefaultRMSMixRate   = 0.25
	DefaultProtect      = 0.33
)

var f0Methods = []string{F0MethodPM, F0MethodHarvest, F0MethodCrepe, F0MethodRMVPE}

// DefaultParams returns the parameters of an unconfigured conversion.
func DefaultParams() core.ConversionParams {
	return core.ConversionParams{
		F0Method:     DefaultF0Method,
		IndexRate:    DefaultIndexRate,
		FilterRadius: DefaultFilterRadius,
		RMSMixRate:   DefaultRMSMixRate,
		Protect:      DefaultProtect,
	}
}

// ValidateParams checks every numeric control against its accepted range.
func ValidateParams(p core.ConversionParams) error {
	switch {
	case p.PitchShift < -MaxPitchShift || p.PitchShift > MaxPitchShift:
		return fmt.Errorf("%w: f0_up_key must be between %d and %d, got %d",
			core.ErrValidation, -MaxPitchShift, MaxPitchShift, p.PitchShift)
	case !slices.Contains(f0Methods, p.F0Method):
		return fmt.Errorf("%w: f0_method must be one of %v, got %q", core.ErrValidation, f0Methods, p.F0Method)
	case !inRange(p.IndexRate, 0, 1):
		return fmt.Errorf("%w: index_rate must be between 0 and 1, got %g", core.ErrValidation, p.IndexRate)
	case !inRange(p.RMSMixRate, 0, 1):
		return fmt.Errorf("%w: rms_mix_rate must be between 0 and 1, got %g", core.ErrValidation, p.RMSMixRate)
	case !inRange(p.Protect, 0, MaxProtect):
		return fmt.Errorf("%w: protect must be between 0 and %g, got %g", core.ErrValidation, MaxProtect, p.Protect)
	case p.FilterRadius < 0 || p.FilterRadius > MaxFilterRadius:
		return fmt.Errorf("%w: filter_radius must be between 0 and %d, got %d",
			core.ErrValidation, MaxFilterRadius, p.FilterRadius)
	case p.ResampleRate < 0 || p.ResampleRate > MaxResampleRate:
		return fmt.Errorf("%w: resample_sr must be 0 or at most %d, got %d",
			core.ErrValidation, MaxResampleRate, p.ResampleRate)
	}

	return nil
}

// inRange also rejects NaN.
func inRange(value, low, high float64) bool {
	return value >= low && value <= high
}
