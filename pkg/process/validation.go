package process

import (
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-console/pkg/errors"
)

// ValidateExecutionConfig checks the shape of config. Whether the executable
// can actually run is decided by Spawn.
func ValidateExecutionConfig(config ExecutionConfig) error {
	if config.ExecutablePath == "" {
		return errors.NewValidationError("executable path is required", nil)
	}

	if config.WorkingDirectory != "" && !filepath.IsAbs(config.WorkingDirectory) {
		return errors.NewValidationError("working directory must be absolute path", nil).
			WithContext("working_directory", config.WorkingDirectory)
	}

	for _, env := range config.Environment {
		if !strings.Contains(env, "=") {
			return errors.NewValidationError("invalid environment variable format: "+env, nil)
		}
	}

	return nil
}
