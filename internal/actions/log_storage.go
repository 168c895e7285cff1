package actions

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

const (
	logDirectoryPermissionsConstant = 0o755
	logFilePermissionsConstant      = 0o644
	logFileNameTemplateConstant     = "%03d-%s-%s.log"
	logUnnamedSegmentConstant       = "step"
	logCreateDirectoryTemplate      = "create log directory %s: %w"
	logWriteTemplateConstant        = "write action log %s: %w"
)

// LogStorage writes action output to files grouped by run.
type LogStorage struct {
	baseDirectory string
	sequence      atomic.Int64
}

// NewLogStorage creates a log storage rooted at baseDirectory.
func NewLogStorage(baseDirectory string) *LogStorage {
	return &LogStorage{baseDirectory: baseDirectory}
}

// Save writes output for one action invocation and returns the file path as the log reference.
func (storage *LogStorage) Save(runIdentifier string, stagePath string, actionIdentifier string, output []byte) (string, error) {
	runDirectory := filepath.Join(storage.baseDirectory, sanitizeSegment(runIdentifier))
	if mkdirError := os.MkdirAll(runDirectory, logDirectoryPermissionsConstant); mkdirError != nil {
		return "", fmt.Errorf(logCreateDirectoryTemplate, runDirectory, mkdirError)
	}

	fileName := fmt.Sprintf(logFileNameTemplateConstant, storage.sequence.Add(1), sanitizeSegment(stagePath), sanitizeSegment(actionIdentifier))
	filePath := filepath.Join(runDirectory, fileName)
	if writeError := os.WriteFile(filePath, output, logFilePermissionsConstant); writeError != nil {
		return "", fmt.Errorf(logWriteTemplateConstant, filePath, writeError)
	}
	return filePath, nil
}

// sanitizeSegment keeps letters, digits, dash, and underscore; everything else becomes '_'.
func sanitizeSegment(name string) string {
	var builder strings.Builder
	for _, character := range strings.TrimSpace(name) {
		switch {
		case character >= 'a' && character <= 'z',
			character >= 'A' && character <= 'Z',
			character >= '0' && character <= '9',
			character == '-', character == '_':
			builder.WriteRune(character)
		default:
			builder.WriteRune('_')
		}
	}
	if builder.Len() == 0 {
		return logUnnamedSegmentConstant
	}
	return builder.String()
}
