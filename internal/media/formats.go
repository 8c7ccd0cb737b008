// Package media provides audio format detection, file helpers and the ffmpeg transcoder.
package media

import (
	"path/filepath"
	"strings"
)

// Format represents supported audio formats.
type Format string

const (
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatFLAC Format = "flac"
	FormatOGG  Format = "ogg"
	FormatM4A  Format = "m4a"
	FormatAAC  Format = "aac"
)

const (
	dot                    = "."
	contentTypeOctetStream = "application/octet-stream"
)

var contentTypes = map[Format]string{
	FormatWAV:  "audio/wav",
	FormatMP3:  "audio/mpeg",
	FormatFLAC: "audio/flac",
	FormatOGG:  "audio/ogg",
	FormatM4A:  "audio/mp4",
	FormatAAC:  "audio/aac",
}

// Extension returns the file extension of the format, including the leading dot.
func (f Format) Extension() string {
	return dot + string(f)
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	contentType, ok := contentTypes[f]
	if !ok {
		return contentTypeOctetStream
	}

	return contentType
}

var contentTypeAliases = map[string]Format{
	"audio/mp3":      FormatMP3,
	"audio/x-wav":    FormatWAV,
	"audio/wave":     FormatWAV,
	"audio/vnd.wave": FormatWAV,
	"audio/x-flac":   FormatFLAC,
	"audio/x-m4a":    FormatM4A,
	"audio/x-aac":    FormatAAC,
}

// FormatForContentType maps a MIME type, parameters allowed, back to a Format.
func FormatForContentType(contentType string) (Format, bool) {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	for format, known := range contentTypes {
		if known == mediaType {
			return format, true
		}
	}

	format, ok := contentTypeAliases[mediaType]

	return format, ok
}

// ParseFormat maps a format name such as "mp3" or ".MP3" to a Format.
func ParseFormat(name string) (Format, bool) {
	format := Format(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), dot)))
	_, ok := contentTypes[format]

	return format, ok
}

// FormatOf returns the format implied by a file name's extension.
func FormatOf(filename string) (Format, bool) {
	return ParseFormat(GetFileExtension(filename))
}

// IsValidAudioFile checks if a filename has a common audio file extension.
func IsValidAudioFile(filename string) bool {
	_, ok := FormatOf(filename)

	return ok
}

// GetFileExtension returns the file extension without the leading dot.
func GetFileExtension(filename string) string {
	return strings.TrimPrefix(filepath.Ext(filename), dot)
}
