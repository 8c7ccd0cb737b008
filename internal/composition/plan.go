// Package composition implements the remote music composition workflow: request
// validation, plan building and the job controller that tracks provider tasks.
package composition

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rberketuran/music-generation-backend/internal/core"
)

// Request limits.
const (
	MinDurationSeconds = 5
	MaxDurationSeconds = 60
	MaxLyricsLength    = 200
	millisPerSecond    = 1000
	mainSectionName    = "Main Theme"
	noVocalsMarker     = "no vocals"
	vocalMarkerFormat  = "%s vocal"
)

// Vocal genders accepted by the provider.
const (
	VocalMale   = "male"
	VocalFemale = "female"
)

// Request is a user composition request.
type Request struct {
	IsInstrumental  bool    `json:"is_instrumental"`
	VocalGender     *string `json:"vocal_gender,omitempty"`
	Lyrics          *string `json:"lyrics,omitempty"`
	Style           string  `json:"style"`
	DurationSeconds int     `json:"duration_seconds"`
}

// Section is one timed part of a composition plan.
type Section struct {
	SectionName         string   `json:"section_name"`
	DurationMs          int      `json:"duration_ms"`
	Lines               []string `json:"lines"`
	PositiveLocalStyles []string `json:"positive_local_styles"`
	NegativeLocalStyles []string `json:"negative_local_styles"`
}

// Plan is the composition plan sent to the provider.
type Plan struct {
	Sections             []Section `json:"sections"`
	PositiveGlobalStyles []string  `json:"positive_global_styles"`
	NegativeGlobalStyles []string  `json:"negative_global_styles"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{core.ErrValidation}, args...)...)
}

// Validate checks the request against the composition contract.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Style) == "" {
		return invalid("style is required")
	}

	if r.DurationSeconds < MinDurationSeconds || r.DurationSeconds > MaxDurationSeconds {
		return invalid("duration_seconds must be between %d and %d, got %d",
			MinDurationSeconds, MaxDurationSeconds, r.DurationSeconds)
	}

	if r.Lyrics != nil && utf8.RuneCountInString(*r.Lyrics) > MaxLyricsLength {
		return invalid("lyrics must be at most %d characters", MaxLyricsLength)
	}

	if r.IsInstrumental {
		if r.VocalGender != nil {
			return invalid("vocal_gender should not be provided when is_instrumental is true")
		}

		if r.Lyrics != nil {
			return invalid("lyrics should not be provided when is_instrumental is true")
		}

		return nil
	}

	if r.VocalGender != nil && *r.VocalGender != VocalMale && *r.VocalGender != VocalFemale {
		return invalid("vocal_gender must be %q or %q, got %q", VocalMale, VocalFemale, *r.VocalGender)
	}

	if r.Lyrics == nil || strings.TrimSpace(*r.Lyrics) == "" {
		return invalid("lyrics is required when is_instrumental is false")
	}

	return nil
}

// BuildPlan turns a validated request into a single-section composition plan.
// defaultGender qualifies the vocal marker when the request names no gender.
func BuildPlan(r *Request, defaultGender string) Plan {
	section := Section{
		SectionName:         mainSectionName,
		DurationMs:          r.DurationSeconds * millisPerSecond,
		Lines:               []string{},
		PositiveLocalStyles: splitStyles(r.Style),
		NegativeLocalStyles: []string{},
	}

	plan := Plan{
		PositiveGlobalStyles: []string{},
		NegativeGlobalStyles: []string{},
	}

	if r.IsInstrumental {
		section.NegativeLocalStyles = append(section.NegativeLocalStyles, noVocalsMarker)
	} else {
		if r.Lyrics != nil {
			section.Lines = splitLyrics(*r.Lyrics)
		}

		gender := defaultGender
		if r.VocalGender != nil {
			gender = *r.VocalGender
		}

		plan.PositiveGlobalStyles = append(plan.PositiveGlobalStyles, fmt.Sprintf(vocalMarkerFormat, gender))
	}

	plan.Sections = []Section{section}

	return plan
}

func splitStyles(style string) []string {
	styles := []string{}

	for _, part := range strings.Split(style, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			styles = append(styles, trimmed)
		}
	}

	return styles
}

func splitLyrics(lyrics string) []string {
	lines := []string{}

	for _, line := range strings.Split(lyrics, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}

	if len(lines) == 0 && strings.TrimSpace(lyrics) != "" {
		lines = append(lines, strings.TrimSpace(lyrics))
	}

	return lines
}
