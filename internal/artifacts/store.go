// Package artifacts publishes workspace files into a per-run artifact directory.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/tyemirov/gantry/internal/execution"
)

const (
	artifactPublishedMessageConstant = "artifact_published"
	patternFieldNameConstant         = "pattern"
	locationFieldNameConstant        = "location"
	fileCountFieldNameConstant       = "files"
	runIdentifierFieldNameConstant   = "run_id"
	directoryPermissionsConstant     = 0o755
	currentDirectoryPrefixConstant   = "./"
	parentDirectorySegmentConstant   = ".."
	invalidPatternTemplateConstant   = "%w: %q"
	noMatchesTemplateConstant        = "%w: %q"
	escapeTemplateConstant           = "%w: %q"
	globTemplateConstant             = "match %q: %w"
	copyTemplateConstant             = "copy %s: %w"
	rootsMissingMessageConstant      = "artifact store requires workspace and destination directories"
	invalidPatternMessageConstant    = "invalid artifact pattern"
	noMatchesMessageConstant         = "no files matched artifact pattern"
	escapesWorkspaceMessageConstant  = "artifact pattern escapes the workspace"
	runIdentifierMissingConstant     = "artifact publish requires a run id"
)

var (
	// ErrStoreRootsMissing indicates a store was built without its directories.
	ErrStoreRootsMissing = errors.New(rootsMissingMessageConstant)
	// ErrInvalidPattern indicates a malformed glob.
	ErrInvalidPattern = errors.New(invalidPatternMessageConstant)
	// ErrNoMatches indicates the pattern matched no regular files.
	ErrNoMatches = errors.New(noMatchesMessageConstant)
	// ErrPatternEscapesWorkspace indicates an absolute pattern or one using "..".
	ErrPatternEscapesWorkspace = errors.New(escapesWorkspaceMessageConstant)
	// ErrRunIdentifierMissing indicates Publish was called without a run id.
	ErrRunIdentifierMissing = errors.New(runIdentifierMissingConstant)
)

// FileSystemStore copies files matching a glob from a workspace into
// <destination>/<runId>/, preserving their relative paths.
type FileSystemStore struct {
	workspaceDirectory   string
	destinationDirectory string
	logger               *zap.Logger
}

// NewFileSystemStore constructs a store.
func NewFileSystemStore(workspaceDirectory string, destinationDirectory string, logger *zap.Logger) (*FileSystemStore, error) {
	if len(strings.TrimSpace(workspaceDirectory)) == 0 || len(strings.TrimSpace(destinationDirectory)) == 0 {
		return nil, ErrStoreRootsMissing
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSystemStore{
		workspaceDirectory:   workspaceDirectory,
		destinationDirectory: destinationDirectory,
		logger:               logger,
	}, nil
}

// Publish copies every regular file matching pattern and returns where they landed.
func (store *FileSystemStore) Publish(ctx context.Context, runIdentifier string, pattern string) (execution.ArtifactReference, error) {
	trimmedRun := strings.TrimSpace(runIdentifier)
	if len(trimmedRun) == 0 {
		return execution.ArtifactReference{}, ErrRunIdentifierMissing
	}
	normalizedPattern, patternError := normalizePattern(pattern)
	if patternError != nil {
		return execution.ArtifactReference{}, patternError
	}

	workspace := os.DirFS(store.workspaceDirectory)
	matches, globError := doublestar.Glob(workspace, normalizedPattern, doublestar.WithFilesOnly())
	if globError != nil {
		return execution.ArtifactReference{}, fmt.Errorf(globTemplateConstant, normalizedPattern, globError)
	}
	if len(matches) == 0 {
		return execution.ArtifactReference{}, fmt.Errorf(noMatchesTemplateConstant, ErrNoMatches, normalizedPattern)
	}
	sort.Strings(matches)

	location := filepath.Join(store.destinationDirectory, trimmedRun)
	for _, match := range matches {
		if contextError := ctx.Err(); contextError != nil {
			return execution.ArtifactReference{}, contextError
		}
		if copyError := copyFile(workspace, match, filepath.Join(location, filepath.FromSlash(match))); copyError != nil {
			return execution.ArtifactReference{}, fmt.Errorf(copyTemplateConstant, match, copyError)
		}
	}

	reference := execution.ArtifactReference{
		Pattern:   normalizedPattern,
		Location:  location,
		FileCount: len(matches),
		Files:     matches,
	}
	store.logger.Info(
		artifactPublishedMessageConstant,
		zap.String(runIdentifierFieldNameConstant, trimmedRun),
		zap.String(patternFieldNameConstant, normalizedPattern),
		zap.String(locationFieldNameConstant, location),
		zap.Int(fileCountFieldNameConstant, len(matches)),
	)
	return reference, nil
}

func normalizePattern(pattern string) (string, error) {
	trimmed := strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(pattern)), currentDirectoryPrefixConstant)
	if len(trimmed) == 0 || !doublestar.ValidatePattern(trimmed) {
		return "", fmt.Errorf(invalidPatternTemplateConstant, ErrInvalidPattern, pattern)
	}
	if path.IsAbs(trimmed) || filepath.IsAbs(pattern) {
		return "", fmt.Errorf(escapeTemplateConstant, ErrPatternEscapesWorkspace, pattern)
	}
	for _, segment := range strings.Split(trimmed, "/") {
		if segment == parentDirectorySegmentConstant {
			return "", fmt.Errorf(escapeTemplateConstant, ErrPatternEscapesWorkspace, pattern)
		}
	}
	return trimmed, nil
}

func copyFile(source fs.FS, sourcePath string, destinationPath string) error {
	input, openError := source.Open(sourcePath)
	if openError != nil {
		return openError
	}
	defer input.Close()

	info, statError := input.Stat()
	if statError != nil {
		return statError
	}
	if mkdirError := os.MkdirAll(filepath.Dir(destinationPath), directoryPermissionsConstant); mkdirError != nil {
		return mkdirError
	}
	output, createError := os.OpenFile(destinationPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if createError != nil {
		return createError
	}
	if _, copyError := io.Copy(output, input); copyError != nil {
		_ = output.Close()
		return copyError
	}
	return output.Close()
}
