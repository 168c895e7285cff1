package taskrunner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tyemirov/gantry/internal/execution"
)

const (
	reportDirectoryPermissions = 0o755
	reportFilePermissions      = 0o644
	reportEncodeErrorTemplate  = "unable to encode report: %w"
	reportWriteErrorTemplate   = "unable to write report %s: %w"
	reportIndentConstant       = "  "
)

// WriteReport stores snapshot as indented JSON at filePath. An empty path writes nothing.
func WriteReport(filePath string, snapshot execution.ReportSnapshot) error {
	trimmedPath := strings.TrimSpace(filePath)
	if len(trimmedPath) == 0 {
		return nil
	}
	encoded, encodeError := json.MarshalIndent(snapshot, "", reportIndentConstant)
	if encodeError != nil {
		return fmt.Errorf(reportEncodeErrorTemplate, encodeError)
	}
	if directory := filepath.Dir(trimmedPath); directory != "." {
		if mkdirError := os.MkdirAll(directory, reportDirectoryPermissions); mkdirError != nil {
			return fmt.Errorf(reportWriteErrorTemplate, trimmedPath, mkdirError)
		}
	}
	if writeError := os.WriteFile(trimmedPath, append(encoded, '\n'), reportFilePermissions); writeError != nil {
		return fmt.Errorf(reportWriteErrorTemplate, trimmedPath, writeError)
	}
	return nil
}
