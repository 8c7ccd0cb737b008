package provider

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"mime/multipart"
	"strconv"
	"strings"
)

const (
	contentTypeJSON        = "application/json"
	contentTypeOctetStream = "application/octet-stream"
	contentTypeMPEG        = "audio/mpeg"
)

// ErrUndecodable indicates a provider response none of the decoders understood.
var ErrUndecodable = errors.New("undecodable provider response")

var (
	handleKeys   = []string{"task_id", "id", "composition_id", "song_id"}
	audioKeys    = []string{"audio", "audio_base64"}
	statusKeys   = []string{"status", "state"}
	progressKeys = []string{"progress", "percent", "percentage"}
	messageKeys  = []string{"message", "detail", "error"}
	nestedKeys   = []string{"data", "result"}
)

// Acknowledgment is the decoded answer to a compose request. At least one of
// Handle and Audio is set for a usable acknowledgment.
type Acknowledgment struct {
	Handle      string
	Audio       []byte
	ContentType string
}

// StatusReport is the decoded answer to a status request. Status is the raw
// remote value; mapping it to the job model is the caller's concern.
type StatusReport struct {
	Status   string
	Progress *float64
	Message  string
}

// Credits summarizes the account subscription. Every field is optional.
type Credits struct {
	RemainingCredits *float64 `json:"remaining_credits"`
	TotalCredits     *float64 `json:"total_credits"`
	SubscriptionTier *string  `json:"subscription_tier"`
}

func isAudio(mediaType string) bool {
	return strings.HasPrefix(mediaType, "audio/") || mediaType == contentTypeOctetStream
}

func parseMediaType(contentType string) (string, map[string]string) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", nil
	}

	return mediaType, params
}

// DecodeAcknowledgment extracts the task handle and any embedded audio from a
// compose response, trying raw audio, multipart and JSON bodies in turn.
func DecodeAcknowledgment(contentType string, body []byte) (*Acknowledgment, error) {
	mediaType, params := parseMediaType(contentType)

	switch {
	case isAudio(mediaType):
		return &Acknowledgment{Audio: body, ContentType: audioContentType(mediaType)}, nil
	case strings.HasPrefix(mediaType, "multipart/"):
		return decodeMultipart(body, params["boundary"])
	default:
		fields, err := decodeObject(body)
		if err != nil {
			return nil, err
		}

		return acknowledgmentFromFields(fields), nil
	}
}

func audioContentType(mediaType string) string {
	if mediaType == "" || mediaType == contentTypeOctetStream {
		return contentTypeMPEG
	}

	return mediaType
}

func decodeMultipart(body []byte, boundary string) (*Acknowledgment, error) {
	if boundary == "" {
		return nil, fmt.Errorf("%w: multipart body without boundary", ErrUndecodable)
	}

	ack := &Acknowledgment{}
	reader := multipart.NewReader(bytes.NewReader(body), boundary)

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUndecodable, err)
		}

		data, err := io.ReadAll(part)
		_ = part.Close()

		if err != nil {
			return nil, fmt.Errorf("failed to read multipart section: %w", err)
		}

		mediaType, _ := parseMediaType(part.Header.Get("Content-Type"))

		switch {
		case isAudio(mediaType):
			ack.Audio = data
			ack.ContentType = audioContentType(mediaType)
		case mediaType == contentTypeJSON || mediaType == "":
			fields, decodeErr := decodeObject(data)
			if decodeErr != nil {
				continue
			}

			meta := acknowledgmentFromFields(fields)
			if ack.Handle == "" {
				ack.Handle = meta.Handle
			}

			if ack.Audio == nil && meta.Audio != nil {
				ack.Audio = meta.Audio
				ack.ContentType = meta.ContentType
			}
		}
	}

	if ack.Handle == "" && ack.Audio == nil {
		return nil, fmt.Errorf("%w: multipart body carried neither metadata nor audio", ErrUndecodable)
	}

	return ack, nil
}

func decodeObject(body []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()

	var fields map[string]any

	err := decoder.Decode(&fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUndecodable, err)
	}

	return fields, nil
}

func acknowledgmentFromFields(fields map[string]any) *Acknowledgment {
	ack := &Acknowledgment{Handle: firstString(layers(fields), handleKeys...)}

	encoded := firstString(layers(fields), audioKeys...)
	if encoded != "" {
		audio, err := decodeBase64(encoded)
		if err == nil && len(audio) > 0 {
			ack.Audio = audio
			ack.ContentType = contentTypeMPEG
		}
	}

	return ack
}

func decodeBase64(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if comma := strings.Index(encoded, ","); strings.HasPrefix(encoded, "data:") && comma > 0 {
		encoded = encoded[comma+1:]
	}

	for _, encoding := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding} {
		audio, err := encoding.DecodeString(encoded)
		if err == nil {
			return audio, nil
		}
	}

	return nil, fmt.Errorf("%w: audio is not base64", ErrUndecodable)
}

// DecodeStatus extracts status, progress and message from a status response.
func DecodeStatus(body []byte) (*StatusReport, error) {
	fields, err := decodeObject(body)
	if err != nil {
		return nil, err
	}

	sources := layers(fields)
	report := &StatusReport{
		Status:  firstString(sources, statusKeys...),
		Message: firstString(sources, messageKeys...),
	}

	if progress, ok := firstNumber(sources, progressKeys...); ok {
		report.Progress = &progress
	}

	return report, nil
}

// DecodeCredits reads usage figures from the nested subscription object first and
// falls back to top-level fields.
func DecodeCredits(fields map[string]any) *Credits {
	sources := []map[string]any{}
	if nested, ok := fields["subscription"].(map[string]any); ok {
		sources = append(sources, nested)
	}

	sources = append(sources, fields)
	credits := &Credits{}

	if remaining, ok := firstNumber(sources, "character_count"); ok {
		credits.RemainingCredits = &remaining
	}

	if total, ok := firstNumber(sources, "character_limit"); ok {
		credits.TotalCredits = &total
	}

	if tier := firstString(sources, "tier", "subscription_tier"); tier != "" {
		credits.SubscriptionTier = &tier
	}

	return credits
}

// layers returns the object followed by its nested data containers.
func layers(fields map[string]any) []map[string]any {
	sources := []map[string]any{fields}

	for _, key := range nestedKeys {
		if nested, ok := fields[key].(map[string]any); ok {
			sources = append(sources, nested)
		}
	}

	return sources
}

func firstString(sources []map[string]any, keys ...string) string {
	for _, source := range sources {
		for _, key := range keys {
			switch value := source[key].(type) {
			case string:
				if strings.TrimSpace(value) != "" {
					return value
				}
			case json.Number:
				return value.String()
			}
		}
	}

	return ""
}

func firstNumber(sources []map[string]any, keys ...string) (float64, bool) {
	for _, source := range sources {
		for _, key := range keys {
			number, ok := numberOf(source[key])
			if ok {
				return number, true
			}
		}
	}

	return 0, false
}

// numberOf accepts JSON numbers and numeric strings. NaN and infinities count as
// absent.
func numberOf(value any) (float64, bool) {
	var (
		number float64
		err    error
	)

	switch typed := value.(type) {
	case json.Number:
		number, err = typed.Float64()
	case float64:
		number = typed
	case string:
		number, err = strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(typed), "%"), 64)
	default:
		return 0, false
	}

	if err != nil || math.IsNaN(number) || math.IsInf(number, 0) {
		return 0, false
	}

	return number, true
}
