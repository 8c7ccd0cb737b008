package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultDirPermissions  = 0o750
	invalidCharReplacement = "_"
	weightsDirName         = "assets/weights"
	indicesDirName         = "assets/indices"
	maxFilenameLength      = 128
)

// ErrModelNotFound is returned when a model file cannot be located.
var ErrModelNotFound = errors.New("model not found")

// EnsureDir ensures a directory exists at the given path, creating it if it doesn't.
func EnsureDir(path string) error {
	_, statErr := os.Stat(path)
	if os.IsNotExist(statErr) {
		mkdirErr := os.MkdirAll(path, defaultDirPermissions)
		if mkdirErr != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, mkdirErr)
		}
	}

	return nil
}

// resolveSinglePath checks if a file exists at a given path.
// It returns found=false without an error when the path does not exist.
func resolveSinglePath(path string) (resolvedPath string, found bool, err error) {
	_, statErr := os.Stat(path)
	if statErr == nil {
		absPath, errAbs := filepath.Abs(path)
		if errAbs != nil {
			return "", false, fmt.Errorf("could not resolve absolute path for %q: %w", path, errAbs)
		}

		return absPath, true, nil
	} else if !os.IsNotExist(statErr) {
		return "", false, fmt.Errorf("error checking model path %q: %w", path, statErr)
	}

	return "", false, nil
}

// ResolveModelPath resolves a voice model or index file by checking the configured
// path first and then the conventional asset directories.
func ResolveModelPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrModelNotFound)
	}

	name := filepath.Base(path)
	candidatePaths := []string{
		path,
		filepath.Join(weightsDirName, name),
		filepath.Join(indicesDirName, name),
	}

	for _, candidate := range candidatePaths {
		resolvedPath, found, err := resolveSinglePath(candidate)
		if err != nil {
			return "", err
		} else if found {
			return resolvedPath, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrModelNotFound, path)
}

// SanitizeFilename removes or replaces characters that are invalid in most filesystems.
func SanitizeFilename(filename string) string {
	replacer := strings.NewReplacer(
		"<", invalidCharReplacement,
		">", invalidCharReplacement,
		":", invalidCharReplacement,
		"\"", invalidCharReplacement,
		"/", invalidCharReplacement,
		"\\", invalidCharReplacement,
		"|", invalidCharReplacement,
		"?", invalidCharReplacement,
		"*", invalidCharReplacement,
		"\x00", invalidCharReplacement,
	)

	sanitized := replacer.Replace(strings.TrimSpace(filename))
	if len(sanitized) > maxFilenameLength {
		sanitized = sanitized[len(sanitized)-maxFilenameLength:]
	}

	return sanitized
}
