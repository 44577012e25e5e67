package commands

import (
	"os"
	"path/filepath"

	"github.com/cyberlabs/labd/pkg/errors"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(registryPath, fsmDBPath, workDir string) error {
	// Create registry database directory
	if err := os.MkdirAll(filepath.Dir(registryPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create registry directory")
	}

	// Create FSM database directory (only needed for serve)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	// Create work directory (only needed for serve)
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}

	return nil
}
