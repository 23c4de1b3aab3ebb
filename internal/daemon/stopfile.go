package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrStopFilePathEmpty is returned when no stop file path is configured
	ErrStopFilePathEmpty = errors.New("stop file path is not configured")
	// ErrStopFilePathIsDirectory is returned when the stop file path names a directory
	ErrStopFilePathIsDirectory = errors.New("stop file path is a directory")
	// ErrStopFileParentMissing is returned when the directory to watch does not exist
	ErrStopFileParentMissing = errors.New("stop file parent directory does not exist")
	// ErrStopFileExists is returned when the stop file is already present at startup
	ErrStopFileExists = errors.New("stop file already exists")
)

// CheckStopFilePath verifies that path names a regular file that does not
// exist yet and whose parent directory exists.
func CheckStopFilePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return ErrStopFilePathEmpty
	}

	info, statErr := os.Stat(path)
	if statErr == nil && info.IsDir() {
		return fmt.Errorf("%w: %s", ErrStopFilePathIsDirectory, path)
	}

	parent := filepath.Dir(path)
	parentInfo, err := os.Stat(parent)
	if err != nil || !parentInfo.IsDir() {
		return fmt.Errorf("%w: %s", ErrStopFileParentMissing, parent)
	}

	if statErr == nil {
		return fmt.Errorf("%w: %s", ErrStopFileExists, path)
	}
	if !errors.Is(statErr, os.ErrNotExist) {
		return fmt.Errorf("failed to check stop file: %w", statErr)
	}

	return nil
}

func isDirectory(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
